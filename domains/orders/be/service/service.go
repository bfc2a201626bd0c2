// Package service implements the order/stock engine: the authoritative state
// transitions for stock reservation, member balances, and pending orders.
// All mutations that can race (purchase vs. reconciliation tick) are pushed
// down to the repository as atomic operations; the engine composes them and
// never does read-modify-write on shared rows.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Errors returned by the engine.
var (
	ErrNotFound            = errors.New("record not found")
	ErrDuplicate           = errors.New("duplicate record")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// Kind distinguishes what a pending order pays for.
type Kind string

const (
	KindPurchase Kind = "purchase"
	KindDeposit  Kind = "deposit"
)

// Member is one shop member of one tenant. Saldo is held in minor units.
type Member struct {
	TenantID    string
	UserID      int64
	Username    string
	Saldo       int64
	TotalOrders int64
	JoinedAt    time.Time
	LastSeen    time.Time
}

// Product is a catalog entry with its live unsold stock count.
type Product struct {
	TenantID    string
	Code        string
	Name        string
	Description string
	Price       int64
	Category    string
	StockCount  int
}

// PendingOrder is a payment intent awaiting reconciliation. Its existence is
// the source of truth for "not yet resolved"; resolving deletes it, and a
// resolve that finds nothing means another caller already won.
type PendingOrder struct {
	TenantID    string
	RefCode     string
	RefID       string
	UserID      int64
	Kind        Kind
	ProductCode string
	Qty         int
	Total       int64
	MessageID   int64
	CreatedAt   time.Time
}

// Stats are a tenant's monotonic sales counters and rating aggregate.
type Stats struct {
	TotalSales  int64
	TotalOmzet  int64
	RatingTotal float64
	RatingCount int64
}

// Repository abstracts the ledger store. Implementations must make Credit,
// Debit, ReserveStock, DeleteOrder and the two Settle operations atomic with
// respect to concurrent callers.
type Repository interface {
	UpsertMember(ctx context.Context, tenantID string, userID int64, username string) error
	Member(ctx context.Context, tenantID string, userID int64) (Member, error)
	Members(ctx context.Context, tenantID string) ([]Member, error)
	Credit(ctx context.Context, tenantID string, userID int64, amount int64) (int64, error)
	Debit(ctx context.Context, tenantID string, userID int64, amount int64) (int64, error)
	IncrementOrders(ctx context.Context, tenantID string, userID int64) error

	Categories(ctx context.Context, tenantID string) ([]string, error)
	AddCategory(ctx context.Context, tenantID, name string) error
	RemoveCategory(ctx context.Context, tenantID, name string) error
	Products(ctx context.Context, tenantID string) ([]Product, error)
	ProductByCode(ctx context.Context, tenantID, code string) (Product, error)
	AddProduct(ctx context.Context, p Product) error
	RemoveProduct(ctx context.Context, tenantID, code string) error
	AddStock(ctx context.Context, tenantID, code string, items []string) error
	StockCount(ctx context.Context, tenantID, code string) (int, error)
	ReserveStock(ctx context.Context, tenantID, code string, qty int) ([]string, error)
	DeleteStock(ctx context.Context, tenantID, code string, n int) (int, error)

	CreateOrder(ctx context.Context, order PendingOrder) error
	Order(ctx context.Context, tenantID, refCode string) (PendingOrder, error)
	Orders(ctx context.Context, tenantID string) ([]PendingOrder, error)
	DeleteOrder(ctx context.Context, tenantID, refCode string) (PendingOrder, error)
	SettleDeposit(ctx context.Context, tenantID, refCode string) (PendingOrder, int64, error)
	SettlePurchase(ctx context.Context, tenantID, refCode string) (PendingOrder, []string, error)

	Stats(ctx context.Context, tenantID string) (Stats, error)
	IncrementSales(ctx context.Context, tenantID string, sales, omzet int64) error
	SetRating(ctx context.Context, tenantID string, total float64, count int64) error

	Setting(ctx context.Context, tenantID, key string) (string, error)
	SetSetting(ctx context.Context, tenantID, key, value string) error
}

// Engine provides the order/stock operations composed by the tenant runtimes
// and the reconciliation loops. One Engine serves all tenants; every call is
// tenant-scoped.
type Engine struct {
	repo   Repository
	logger *zap.Logger
}

// New constructs an Engine with required dependencies.
func New(repo Repository, logger *zap.Logger) *Engine {
	if repo == nil {
		panic("orders repo is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{repo: repo, logger: logger}
}

// RegisterContact records that a member interacted with the shop.
func (e *Engine) RegisterContact(ctx context.Context, tenantID string, userID int64, username string) error {
	return e.repo.UpsertMember(ctx, tenantID, userID, username)
}

func (e *Engine) Member(ctx context.Context, tenantID string, userID int64) (Member, error) {
	return e.repo.Member(ctx, tenantID, userID)
}

func (e *Engine) Members(ctx context.Context, tenantID string) ([]Member, error) {
	return e.repo.Members(ctx, tenantID)
}

// CreditBalance atomically increments a member's balance.
func (e *Engine) CreditBalance(ctx context.Context, tenantID string, userID int64, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("credit amount must be positive")
	}
	return e.repo.Credit(ctx, tenantID, userID, amount)
}

// DebitBalance atomically decrements a member's balance, rejecting wholesale
// with ErrInsufficientBalance if it would go negative.
func (e *Engine) DebitBalance(ctx context.Context, tenantID string, userID int64, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("debit amount must be positive")
	}
	return e.repo.Debit(ctx, tenantID, userID, amount)
}

// ReserveStock flags qty oldest unsold items sold and returns their payloads
// in insertion order. It never reserves partially.
func (e *Engine) ReserveStock(ctx context.Context, tenantID, code string, qty int) ([]string, error) {
	if qty <= 0 {
		return nil, fmt.Errorf("quantity must be positive")
	}
	return e.repo.ReserveStock(ctx, tenantID, code, qty)
}

// PurchaseWithBalance performs a direct sale paid from the member's balance:
// the debit happens first (pre-emptive funds check), then the reservation. A
// reservation failure refunds the debit so the member is never charged for
// stock they did not receive.
func (e *Engine) PurchaseWithBalance(ctx context.Context, tenantID string, userID int64, code string, qty int) (Product, []string, error) {
	product, err := e.repo.ProductByCode(ctx, tenantID, code)
	if err != nil {
		return Product{}, nil, err
	}
	total := product.Price * int64(qty)

	if _, err := e.DebitBalance(ctx, tenantID, userID, total); err != nil {
		return Product{}, nil, err
	}

	items, err := e.ReserveStock(ctx, tenantID, code, qty)
	if err != nil {
		if _, refundErr := e.repo.Credit(ctx, tenantID, userID, total); refundErr != nil {
			e.logger.Error("refund after failed reservation",
				zap.String("tenant_id", tenantID),
				zap.Int64("user_id", userID),
				zap.Int64("amount", total),
				zap.Error(refundErr))
		}
		return Product{}, nil, err
	}

	if err := e.recordSale(ctx, tenantID, userID, total); err != nil {
		e.logger.Warn("record sale", zap.String("tenant_id", tenantID), zap.Error(err))
	}
	return product, items, nil
}

// CreatePendingOrder stores a payment intent issued by the gateway.
func (e *Engine) CreatePendingOrder(ctx context.Context, order PendingOrder) error {
	if order.RefCode == "" {
		return fmt.Errorf("ref code is required")
	}
	if order.Kind == KindPurchase && order.ProductCode == "" {
		return fmt.Errorf("purchase order requires a product code")
	}
	if order.Qty <= 0 {
		order.Qty = 1
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	return e.repo.CreateOrder(ctx, order)
}

// PendingOrders snapshots the tenant's unresolved orders.
func (e *Engine) PendingOrders(ctx context.Context, tenantID string) ([]PendingOrder, error) {
	return e.repo.Orders(ctx, tenantID)
}

// PendingOrder returns one unresolved order.
func (e *Engine) PendingOrder(ctx context.Context, tenantID, refCode string) (PendingOrder, error) {
	return e.repo.Order(ctx, tenantID, refCode)
}

// ResolvePendingOrder deletes the order and returns it. ErrNotFound signals
// "already resolved" and is not an error condition for callers.
func (e *Engine) ResolvePendingOrder(ctx context.Context, tenantID, refCode string) (PendingOrder, error) {
	return e.repo.DeleteOrder(ctx, tenantID, refCode)
}

// SettleDeposit credits the buyer and removes the order as a single unit of
// work. The order's existence gates the credit, so the amount is applied
// exactly once no matter how many callers race.
func (e *Engine) SettleDeposit(ctx context.Context, tenantID, refCode string) (PendingOrder, int64, error) {
	return e.repo.SettleDeposit(ctx, tenantID, refCode)
}

// SettlePurchase reserves the order's stock FIFO and removes the order as a
// single unit of work, then bumps the sales counters. ErrInsufficientStock
// leaves the order pending for operator intervention.
func (e *Engine) SettlePurchase(ctx context.Context, tenantID, refCode string) (PendingOrder, []string, error) {
	order, items, err := e.repo.SettlePurchase(ctx, tenantID, refCode)
	if err != nil {
		return PendingOrder{}, nil, err
	}
	if err := e.recordSale(ctx, tenantID, order.UserID, order.Total); err != nil {
		e.logger.Warn("record sale", zap.String("tenant_id", tenantID), zap.Error(err))
	}
	return order, items, nil
}

func (e *Engine) recordSale(ctx context.Context, tenantID string, userID int64, total int64) error {
	if err := e.repo.IncrementSales(ctx, tenantID, 1, total); err != nil {
		return err
	}
	return e.repo.IncrementOrders(ctx, tenantID, userID)
}

// Catalog administration, exposed for the command surface.

func (e *Engine) Categories(ctx context.Context, tenantID string) ([]string, error) {
	return e.repo.Categories(ctx, tenantID)
}

func (e *Engine) AddCategory(ctx context.Context, tenantID, name string) error {
	return e.repo.AddCategory(ctx, tenantID, name)
}

func (e *Engine) RemoveCategory(ctx context.Context, tenantID, name string) error {
	return e.repo.RemoveCategory(ctx, tenantID, name)
}

func (e *Engine) Products(ctx context.Context, tenantID string) ([]Product, error) {
	return e.repo.Products(ctx, tenantID)
}

func (e *Engine) Product(ctx context.Context, tenantID, code string) (Product, error) {
	return e.repo.ProductByCode(ctx, tenantID, code)
}

func (e *Engine) AddProduct(ctx context.Context, p Product) error {
	return e.repo.AddProduct(ctx, p)
}

func (e *Engine) RemoveProduct(ctx context.Context, tenantID, code string) error {
	return e.repo.RemoveProduct(ctx, tenantID, code)
}

func (e *Engine) AddStock(ctx context.Context, tenantID, code string, items []string) error {
	return e.repo.AddStock(ctx, tenantID, code, items)
}

func (e *Engine) StockCount(ctx context.Context, tenantID, code string) (int, error) {
	return e.repo.StockCount(ctx, tenantID, code)
}

func (e *Engine) DeleteStock(ctx context.Context, tenantID, code string, n int) (int, error) {
	return e.repo.DeleteStock(ctx, tenantID, code, n)
}

// Stats and settings passthroughs.

func (e *Engine) Stats(ctx context.Context, tenantID string) (Stats, error) {
	return e.repo.Stats(ctx, tenantID)
}

func (e *Engine) SetRating(ctx context.Context, tenantID string, total float64, count int64) error {
	return e.repo.SetRating(ctx, tenantID, total, count)
}

func (e *Engine) Setting(ctx context.Context, tenantID, key string) (string, error) {
	return e.repo.Setting(ctx, tenantID, key)
}

func (e *Engine) SetSetting(ctx context.Context, tenantID, key, value string) error {
	return e.repo.SetSetting(ctx, tenantID, key, value)
}
