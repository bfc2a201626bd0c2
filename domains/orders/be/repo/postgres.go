// Package repo provides the order/stock engine's repositories: a Postgres
// implementation backed by the platform persistence stores and an in-memory
// implementation for tests.
package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aisarahjmlh/viletorder/domains/orders/be/service"
	"github.com/aisarahjmlh/viletorder/platform/go/persistence"
)

// Postgres composes the ledger stores into the engine's Repository and maps
// store errors onto the engine's sentinels.
type Postgres struct {
	members  *persistence.MemberStore
	catalog  *persistence.CatalogStore
	stock    *persistence.StockStore
	orders   *persistence.OrderStore
	stats    *persistence.StatsStore
	settings *persistence.SettingsStore
}

var _ service.Repository = (*Postgres)(nil)

// NewPostgres builds the Repository from a shared connection pool.
func NewPostgres(pool *pgxpool.Pool) (*Postgres, error) {
	members, err := persistence.NewMemberStore(pool)
	if err != nil {
		return nil, fmt.Errorf("member store: %w", err)
	}
	catalog, err := persistence.NewCatalogStore(pool)
	if err != nil {
		return nil, fmt.Errorf("catalog store: %w", err)
	}
	stock, err := persistence.NewStockStore(pool)
	if err != nil {
		return nil, fmt.Errorf("stock store: %w", err)
	}
	orders, err := persistence.NewOrderStore(pool)
	if err != nil {
		return nil, fmt.Errorf("order store: %w", err)
	}
	stats, err := persistence.NewStatsStore(pool)
	if err != nil {
		return nil, fmt.Errorf("stats store: %w", err)
	}
	settings, err := persistence.NewSettingsStore(pool)
	if err != nil {
		return nil, fmt.Errorf("settings store: %w", err)
	}
	return &Postgres{
		members:  members,
		catalog:  catalog,
		stock:    stock,
		orders:   orders,
		stats:    stats,
		settings: settings,
	}, nil
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, persistence.ErrNotFound):
		return service.ErrNotFound
	case errors.Is(err, persistence.ErrDuplicate):
		return service.ErrDuplicate
	case errors.Is(err, persistence.ErrInsufficientStock):
		return service.ErrInsufficientStock
	case errors.Is(err, persistence.ErrInsufficientBalance):
		return service.ErrInsufficientBalance
	default:
		return err
	}
}

func (p *Postgres) UpsertMember(ctx context.Context, tenantID string, userID int64, username string) error {
	return mapErr(p.members.Upsert(ctx, tenantID, userID, username))
}

func (p *Postgres) Member(ctx context.Context, tenantID string, userID int64) (service.Member, error) {
	rec, err := p.members.Get(ctx, tenantID, userID)
	if err != nil {
		return service.Member{}, mapErr(err)
	}
	return memberFromRecord(rec), nil
}

func (p *Postgres) Members(ctx context.Context, tenantID string) ([]service.Member, error) {
	recs, err := p.members.List(ctx, tenantID)
	if err != nil {
		return nil, mapErr(err)
	}
	out := make([]service.Member, 0, len(recs))
	for _, rec := range recs {
		out = append(out, memberFromRecord(rec))
	}
	return out, nil
}

func (p *Postgres) Credit(ctx context.Context, tenantID string, userID int64, amount int64) (int64, error) {
	saldo, err := p.members.Credit(ctx, tenantID, userID, amount)
	return saldo, mapErr(err)
}

func (p *Postgres) Debit(ctx context.Context, tenantID string, userID int64, amount int64) (int64, error) {
	saldo, err := p.members.Debit(ctx, tenantID, userID, amount)
	return saldo, mapErr(err)
}

func (p *Postgres) IncrementOrders(ctx context.Context, tenantID string, userID int64) error {
	return mapErr(p.members.IncrementOrders(ctx, tenantID, userID))
}

func (p *Postgres) Categories(ctx context.Context, tenantID string) ([]string, error) {
	out, err := p.catalog.Categories(ctx, tenantID)
	return out, mapErr(err)
}

func (p *Postgres) AddCategory(ctx context.Context, tenantID, name string) error {
	return mapErr(p.catalog.AddCategory(ctx, tenantID, name))
}

func (p *Postgres) RemoveCategory(ctx context.Context, tenantID, name string) error {
	return mapErr(p.catalog.RemoveCategory(ctx, tenantID, name))
}

func (p *Postgres) Products(ctx context.Context, tenantID string) ([]service.Product, error) {
	recs, err := p.catalog.Products(ctx, tenantID)
	if err != nil {
		return nil, mapErr(err)
	}
	out := make([]service.Product, 0, len(recs))
	for _, rec := range recs {
		out = append(out, productFromRecord(rec))
	}
	return out, nil
}

func (p *Postgres) ProductByCode(ctx context.Context, tenantID, code string) (service.Product, error) {
	rec, err := p.catalog.ProductByCode(ctx, tenantID, code)
	if err != nil {
		return service.Product{}, mapErr(err)
	}
	return productFromRecord(rec), nil
}

func (p *Postgres) AddProduct(ctx context.Context, prod service.Product) error {
	return mapErr(p.catalog.AddProduct(ctx, persistence.ProductRecord{
		TenantID:    prod.TenantID,
		Code:        prod.Code,
		Name:        prod.Name,
		Description: prod.Description,
		Price:       prod.Price,
		Category:    prod.Category,
	}))
}

func (p *Postgres) RemoveProduct(ctx context.Context, tenantID, code string) error {
	return mapErr(p.catalog.RemoveProduct(ctx, tenantID, code))
}

func (p *Postgres) AddStock(ctx context.Context, tenantID, code string, items []string) error {
	return mapErr(p.stock.Add(ctx, tenantID, code, items))
}

func (p *Postgres) StockCount(ctx context.Context, tenantID, code string) (int, error) {
	n, err := p.stock.Count(ctx, tenantID, code)
	return n, mapErr(err)
}

func (p *Postgres) ReserveStock(ctx context.Context, tenantID, code string, qty int) ([]string, error) {
	items, err := p.stock.Reserve(ctx, tenantID, code, qty)
	return items, mapErr(err)
}

func (p *Postgres) DeleteStock(ctx context.Context, tenantID, code string, n int) (int, error) {
	deleted, err := p.stock.DeleteUnsold(ctx, tenantID, code, n)
	return deleted, mapErr(err)
}

func (p *Postgres) CreateOrder(ctx context.Context, order service.PendingOrder) error {
	return mapErr(p.orders.Create(ctx, orderToRecord(order)))
}

func (p *Postgres) Order(ctx context.Context, tenantID, refCode string) (service.PendingOrder, error) {
	rec, err := p.orders.Get(ctx, tenantID, refCode)
	if err != nil {
		return service.PendingOrder{}, mapErr(err)
	}
	return orderFromRecord(rec), nil
}

func (p *Postgres) Orders(ctx context.Context, tenantID string) ([]service.PendingOrder, error) {
	recs, err := p.orders.List(ctx, tenantID)
	if err != nil {
		return nil, mapErr(err)
	}
	out := make([]service.PendingOrder, 0, len(recs))
	for _, rec := range recs {
		out = append(out, orderFromRecord(rec))
	}
	return out, nil
}

func (p *Postgres) DeleteOrder(ctx context.Context, tenantID, refCode string) (service.PendingOrder, error) {
	rec, err := p.orders.Delete(ctx, tenantID, refCode)
	if err != nil {
		return service.PendingOrder{}, mapErr(err)
	}
	return orderFromRecord(rec), nil
}

func (p *Postgres) SettleDeposit(ctx context.Context, tenantID, refCode string) (service.PendingOrder, int64, error) {
	rec, saldo, err := p.orders.SettleDeposit(ctx, tenantID, refCode)
	if err != nil {
		return service.PendingOrder{}, 0, mapErr(err)
	}
	return orderFromRecord(rec), saldo, nil
}

func (p *Postgres) SettlePurchase(ctx context.Context, tenantID, refCode string) (service.PendingOrder, []string, error) {
	rec, items, err := p.orders.SettlePurchase(ctx, tenantID, refCode)
	if err != nil {
		return service.PendingOrder{}, nil, mapErr(err)
	}
	return orderFromRecord(rec), items, nil
}

func (p *Postgres) Stats(ctx context.Context, tenantID string) (service.Stats, error) {
	rec, err := p.stats.Get(ctx, tenantID)
	if err != nil {
		return service.Stats{}, mapErr(err)
	}
	return service.Stats{
		TotalSales:  rec.TotalSales,
		TotalOmzet:  rec.TotalOmzet,
		RatingTotal: rec.RatingTotal,
		RatingCount: rec.RatingCount,
	}, nil
}

func (p *Postgres) IncrementSales(ctx context.Context, tenantID string, sales, omzet int64) error {
	return mapErr(p.stats.IncrementSales(ctx, tenantID, sales, omzet))
}

func (p *Postgres) SetRating(ctx context.Context, tenantID string, total float64, count int64) error {
	return mapErr(p.stats.SetRating(ctx, tenantID, total, count))
}

func (p *Postgres) Setting(ctx context.Context, tenantID, key string) (string, error) {
	val, err := p.settings.Get(ctx, tenantID, key)
	return val, mapErr(err)
}

func (p *Postgres) SetSetting(ctx context.Context, tenantID, key, value string) error {
	return mapErr(p.settings.Set(ctx, tenantID, key, value))
}

func memberFromRecord(rec persistence.MemberRecord) service.Member {
	return service.Member{
		TenantID:    rec.TenantID,
		UserID:      rec.UserID,
		Username:    rec.Username,
		Saldo:       rec.Saldo,
		TotalOrders: rec.TotalOrders,
		JoinedAt:    rec.JoinedAt,
		LastSeen:    rec.LastSeen,
	}
}

func productFromRecord(rec persistence.ProductRecord) service.Product {
	return service.Product{
		TenantID:    rec.TenantID,
		Code:        rec.Code,
		Name:        rec.Name,
		Description: rec.Description,
		Price:       rec.Price,
		Category:    rec.Category,
		StockCount:  rec.StockCount,
	}
}

func orderToRecord(order service.PendingOrder) persistence.OrderRecord {
	rec := persistence.OrderRecord{
		TenantID:  order.TenantID,
		RefCode:   order.RefCode,
		RefID:     order.RefID,
		UserID:    order.UserID,
		OrderType: string(order.Kind),
		Qty:       order.Qty,
		Total:     order.Total,
		CreatedAt: order.CreatedAt,
	}
	if order.ProductCode != "" {
		code := order.ProductCode
		rec.ProductCode = &code
	}
	if order.MessageID != 0 {
		id := order.MessageID
		rec.MessageID = &id
	}
	return rec
}

func orderFromRecord(rec persistence.OrderRecord) service.PendingOrder {
	order := service.PendingOrder{
		TenantID:  rec.TenantID,
		RefCode:   rec.RefCode,
		RefID:     rec.RefID,
		UserID:    rec.UserID,
		Kind:      service.Kind(rec.OrderType),
		Qty:       rec.Qty,
		Total:     rec.Total,
		CreatedAt: rec.CreatedAt,
	}
	if rec.ProductCode != nil {
		order.ProductCode = *rec.ProductCode
	}
	if rec.MessageID != nil {
		order.MessageID = *rec.MessageID
	}
	return order
}
