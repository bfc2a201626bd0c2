package repo

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aisarahjmlh/viletorder/domains/orders/be/service"
)

// Memory is an in-process Repository used by tests. It honors the same
// atomicity contract as the Postgres implementation: Debit, ReserveStock and
// the Settle operations either fully apply or leave no trace.
type Memory struct {
	mu sync.Mutex

	members    map[string]map[int64]*service.Member
	categories map[string][]string
	products   map[string]map[string]*service.Product
	stock      map[string]map[string][]stockItem
	orders     map[string]map[string]service.PendingOrder
	stats      map[string]*service.Stats
	settings   map[string]map[string]string

	nextStockID int64
}

type stockItem struct {
	id   int64
	item string
	sold bool
}

var _ service.Repository = (*Memory)(nil)

// NewMemory builds an empty in-memory Repository.
func NewMemory() *Memory {
	return &Memory{
		members:    make(map[string]map[int64]*service.Member),
		categories: make(map[string][]string),
		products:   make(map[string]map[string]*service.Product),
		stock:      make(map[string]map[string][]stockItem),
		orders:     make(map[string]map[string]service.PendingOrder),
		stats:      make(map[string]*service.Stats),
		settings:   make(map[string]map[string]string),
	}
}

func (m *Memory) UpsertMember(_ context.Context, tenantID string, userID int64, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tenant := m.members[tenantID]
	if tenant == nil {
		tenant = make(map[int64]*service.Member)
		m.members[tenantID] = tenant
	}
	now := time.Now().UTC()
	if existing, ok := tenant[userID]; ok {
		existing.Username = username
		existing.LastSeen = now
		return nil
	}
	tenant[userID] = &service.Member{
		TenantID: tenantID,
		UserID:   userID,
		Username: username,
		JoinedAt: now,
		LastSeen: now,
	}
	return nil
}

func (m *Memory) Member(_ context.Context, tenantID string, userID int64) (service.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	member, ok := m.members[tenantID][userID]
	if !ok {
		return service.Member{}, service.ErrNotFound
	}
	return *member, nil
}

func (m *Memory) Members(_ context.Context, tenantID string) ([]service.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]service.Member, 0, len(m.members[tenantID]))
	for _, member := range m.members[tenantID] {
		out = append(out, *member)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *Memory) Credit(_ context.Context, tenantID string, userID int64, amount int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	member, ok := m.members[tenantID][userID]
	if !ok {
		return 0, service.ErrNotFound
	}
	member.Saldo += amount
	return member.Saldo, nil
}

func (m *Memory) Debit(_ context.Context, tenantID string, userID int64, amount int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	member, ok := m.members[tenantID][userID]
	if !ok {
		return 0, service.ErrNotFound
	}
	if member.Saldo < amount {
		return 0, service.ErrInsufficientBalance
	}
	member.Saldo -= amount
	return member.Saldo, nil
}

func (m *Memory) IncrementOrders(_ context.Context, tenantID string, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	member, ok := m.members[tenantID][userID]
	if !ok {
		return service.ErrNotFound
	}
	member.TotalOrders++
	return nil
}

func (m *Memory) Categories(_ context.Context, tenantID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]string(nil), m.categories[tenantID]...)
	sort.Strings(out)
	return out, nil
}

func (m *Memory) AddCategory(_ context.Context, tenantID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.categories[tenantID] {
		if strings.EqualFold(existing, name) {
			return service.ErrDuplicate
		}
	}
	m.categories[tenantID] = append(m.categories[tenantID], name)
	return nil
}

func (m *Memory) RemoveCategory(_ context.Context, tenantID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.categories[tenantID] {
		if strings.EqualFold(existing, name) {
			m.categories[tenantID] = append(m.categories[tenantID][:i], m.categories[tenantID][i+1:]...)
			for _, prod := range m.products[tenantID] {
				if strings.EqualFold(prod.Category, name) {
					prod.Category = ""
				}
			}
			return nil
		}
	}
	return service.ErrNotFound
}

func (m *Memory) Products(_ context.Context, tenantID string) ([]service.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]service.Product, 0, len(m.products[tenantID]))
	for code, prod := range m.products[tenantID] {
		p := *prod
		p.StockCount = m.unsoldCount(tenantID, code)
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (m *Memory) ProductByCode(_ context.Context, tenantID, code string) (service.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prod, ok := m.products[tenantID][strings.ToLower(code)]
	if !ok {
		return service.Product{}, service.ErrNotFound
	}
	p := *prod
	p.StockCount = m.unsoldCount(tenantID, strings.ToLower(code))
	return p, nil
}

func (m *Memory) AddProduct(_ context.Context, p service.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tenant := m.products[p.TenantID]
	if tenant == nil {
		tenant = make(map[string]*service.Product)
		m.products[p.TenantID] = tenant
	}
	key := strings.ToLower(p.Code)
	if _, ok := tenant[key]; ok {
		return service.ErrDuplicate
	}
	prod := p
	tenant[key] = &prod
	return nil
}

func (m *Memory) RemoveProduct(_ context.Context, tenantID, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToLower(code)
	if _, ok := m.products[tenantID][key]; !ok {
		return service.ErrNotFound
	}
	delete(m.products[tenantID], key)
	delete(m.stock[tenantID], key)
	return nil
}

func (m *Memory) AddStock(_ context.Context, tenantID, code string, items []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToLower(code)
	if _, ok := m.products[tenantID][key]; !ok {
		return service.ErrNotFound
	}
	tenant := m.stock[tenantID]
	if tenant == nil {
		tenant = make(map[string][]stockItem)
		m.stock[tenantID] = tenant
	}
	for _, item := range items {
		m.nextStockID++
		tenant[key] = append(tenant[key], stockItem{id: m.nextStockID, item: item})
	}
	return nil
}

func (m *Memory) StockCount(_ context.Context, tenantID, code string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unsoldCount(tenantID, strings.ToLower(code)), nil
}

func (m *Memory) ReserveStock(_ context.Context, tenantID, code string, qty int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reserveLocked(tenantID, code, qty)
}

func (m *Memory) DeleteStock(_ context.Context, tenantID, code string, n int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToLower(code)
	items := m.stock[tenantID][key]
	kept := items[:0]
	deleted := 0
	for _, it := range items {
		if !it.sold && deleted < n {
			deleted++
			continue
		}
		kept = append(kept, it)
	}
	m.stock[tenantID][key] = kept
	return deleted, nil
}

func (m *Memory) CreateOrder(_ context.Context, order service.PendingOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tenant := m.orders[order.TenantID]
	if tenant == nil {
		tenant = make(map[string]service.PendingOrder)
		m.orders[order.TenantID] = tenant
	}
	if _, ok := tenant[order.RefCode]; ok {
		return service.ErrDuplicate
	}
	tenant[order.RefCode] = order
	return nil
}

func (m *Memory) Order(_ context.Context, tenantID, refCode string) (service.PendingOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[tenantID][refCode]
	if !ok {
		return service.PendingOrder{}, service.ErrNotFound
	}
	return order, nil
}

func (m *Memory) Orders(_ context.Context, tenantID string) ([]service.PendingOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]service.PendingOrder, 0, len(m.orders[tenantID]))
	for _, order := range m.orders[tenantID] {
		out = append(out, order)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) DeleteOrder(_ context.Context, tenantID, refCode string) (service.PendingOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[tenantID][refCode]
	if !ok {
		return service.PendingOrder{}, service.ErrNotFound
	}
	delete(m.orders[tenantID], refCode)
	return order, nil
}

func (m *Memory) SettleDeposit(_ context.Context, tenantID, refCode string) (service.PendingOrder, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[tenantID][refCode]
	if !ok {
		return service.PendingOrder{}, 0, service.ErrNotFound
	}
	if order.Kind != service.KindDeposit {
		return service.PendingOrder{}, 0, service.ErrNotFound
	}
	// Upsert so a deposit settles even when the member row is gone.
	tenant := m.members[tenantID]
	if tenant == nil {
		tenant = make(map[int64]*service.Member)
		m.members[tenantID] = tenant
	}
	member, ok := tenant[order.UserID]
	if !ok {
		now := time.Now().UTC()
		member = &service.Member{
			TenantID: tenantID,
			UserID:   order.UserID,
			JoinedAt: now,
			LastSeen: now,
		}
		tenant[order.UserID] = member
	}
	member.Saldo += order.Total
	delete(m.orders[tenantID], refCode)
	return order, member.Saldo, nil
}

func (m *Memory) SettlePurchase(_ context.Context, tenantID, refCode string) (service.PendingOrder, []string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[tenantID][refCode]
	if !ok {
		return service.PendingOrder{}, nil, service.ErrNotFound
	}
	if order.Kind != service.KindPurchase {
		return service.PendingOrder{}, nil, service.ErrNotFound
	}
	items, err := m.reserveLocked(tenantID, order.ProductCode, order.Qty)
	if err != nil {
		// Order stays pending so an operator can intervene.
		return service.PendingOrder{}, nil, err
	}
	delete(m.orders[tenantID], refCode)
	return order, items, nil
}

func (m *Memory) Stats(_ context.Context, tenantID string) (service.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stats, ok := m.stats[tenantID]; ok {
		return *stats, nil
	}
	return service.Stats{}, nil
}

func (m *Memory) IncrementSales(_ context.Context, tenantID string, sales, omzet int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := m.stats[tenantID]
	if stats == nil {
		stats = &service.Stats{}
		m.stats[tenantID] = stats
	}
	stats.TotalSales += sales
	stats.TotalOmzet += omzet
	return nil
}

func (m *Memory) SetRating(_ context.Context, tenantID string, total float64, count int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := m.stats[tenantID]
	if stats == nil {
		stats = &service.Stats{}
		m.stats[tenantID] = stats
	}
	stats.RatingTotal = total
	stats.RatingCount = count
	return nil
}

func (m *Memory) Setting(_ context.Context, tenantID, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings[tenantID][key], nil
}

func (m *Memory) SetSetting(_ context.Context, tenantID, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tenant := m.settings[tenantID]
	if tenant == nil {
		tenant = make(map[string]string)
		m.settings[tenantID] = tenant
	}
	tenant[key] = value
	return nil
}

func (m *Memory) unsoldCount(tenantID, key string) int {
	n := 0
	for _, it := range m.stock[tenantID][key] {
		if !it.sold {
			n++
		}
	}
	return n
}

// reserveLocked flags the qty oldest unsold items sold, all or nothing.
// Callers must hold m.mu.
func (m *Memory) reserveLocked(tenantID, code string, qty int) ([]string, error) {
	key := strings.ToLower(code)
	items := m.stock[tenantID][key]
	picked := make([]int, 0, qty)
	for i := range items {
		if items[i].sold {
			continue
		}
		picked = append(picked, i)
		if len(picked) == qty {
			break
		}
	}
	if len(picked) < qty {
		return nil, service.ErrInsufficientStock
	}
	out := make([]string, 0, qty)
	for _, i := range picked {
		items[i].sold = true
		out = append(out, items[i].item)
	}
	return out, nil
}
