package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aisarahjmlh/viletorder/domains/orders/be/repo"
	"github.com/aisarahjmlh/viletorder/domains/orders/be/service"
	"github.com/aisarahjmlh/viletorder/domains/payments/be/gateway"
	"github.com/aisarahjmlh/viletorder/platform/go/messaging"
)

type fakeChecker struct {
	mu       sync.Mutex
	statuses map[string]gateway.Status
	errs     map[string]error
	calls    int
}

func (f *fakeChecker) CheckStatus(_ context.Context, refCode, _ string) (gateway.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err, ok := f.errs[refCode]; ok {
		return gateway.StatusPending, err
	}
	return f.statuses[refCode], nil
}

type fakeTransport struct {
	mu      sync.Mutex
	sent    []string
	deleted []int64
	sendErr error
}

func (f *fakeTransport) SendMessage(_ context.Context, _ int64, text string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return 0, f.sendErr
	}
	f.sent = append(f.sent, text)
	return int64(len(f.sent)), nil
}

func (f *fakeTransport) EditMessage(context.Context, int64, int64, string) error { return nil }

func (f *fakeTransport) DeleteMessage(_ context.Context, _ int64, messageID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, messageID)
	return nil
}

func (f *fakeTransport) ResolveIdentity(context.Context) (messaging.Identity, error) {
	return messaging.Identity{ID: "1", Handle: "fakebot"}, nil
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fixture struct {
	engine    *service.Engine
	checker   *fakeChecker
	transport *fakeTransport
	rec       *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := repo.NewMemory()
	engine := service.New(mem, zap.NewNop())
	checker := &fakeChecker{statuses: map[string]gateway.Status{}, errs: map[string]error{}}
	transport := &fakeTransport{}
	return &fixture{
		engine:    engine,
		checker:   checker,
		transport: transport,
		rec:       New("shop-a", engine, checker, transport, zap.NewNop()),
	}
}

func (f *fixture) seedDeposit(t *testing.T, refCode string, amount int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.engine.RegisterContact(ctx, "shop-a", 42, "alice"))
	require.NoError(t, f.engine.CreatePendingOrder(ctx, service.PendingOrder{
		TenantID:  "shop-a",
		RefCode:   refCode,
		UserID:    42,
		Kind:      service.KindDeposit,
		Total:     amount,
		MessageID: 901,
	}))
}

func (f *fixture) seedPurchase(t *testing.T, refCode string, qty int, stock ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.engine.RegisterContact(ctx, "shop-a", 42, "alice"))
	require.NoError(t, f.engine.AddProduct(ctx, service.Product{
		TenantID: "shop-a", Code: "vpn30", Name: "VPN 30 days", Price: 1500,
	}))
	if len(stock) > 0 {
		require.NoError(t, f.engine.AddStock(ctx, "shop-a", "vpn30", stock))
	}
	require.NoError(t, f.engine.CreatePendingOrder(ctx, service.PendingOrder{
		TenantID:    "shop-a",
		RefCode:     refCode,
		UserID:      42,
		Kind:        service.KindPurchase,
		ProductCode: "vpn30",
		Qty:         qty,
		Total:       1500 * int64(qty),
	}))
}

func TestDoubleTickCreditsDepositOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedDeposit(t, "ref-dep", 10000)
	f.checker.statuses["ref-dep"] = gateway.StatusSettled

	f.rec.RunOnce(ctx)
	f.rec.RunOnce(ctx)

	member, err := f.engine.Member(ctx, "shop-a", 42)
	require.NoError(t, err)
	require.Equal(t, int64(10000), member.Saldo, "credit must apply exactly once")

	pending, err := f.engine.PendingOrders(ctx, "shop-a")
	require.NoError(t, err)
	require.Empty(t, pending)

	// Invoice message removed, buyer notified once.
	require.Equal(t, []int64{901}, f.transport.deleted)
	require.Equal(t, 1, f.transport.sentCount())
}

func TestSettledPurchaseDeliversFIFO(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedPurchase(t, "ref-buy", 2, "acc-1", "acc-2", "acc-3")
	f.checker.statuses["ref-buy"] = gateway.StatusSettled

	f.rec.RunOnce(ctx)

	require.Equal(t, 1, f.transport.sentCount())
	require.Contains(t, f.transport.sent[0], "acc-1")
	require.Contains(t, f.transport.sent[0], "acc-2")
	require.NotContains(t, f.transport.sent[0], "acc-3")

	left, err := f.engine.StockCount(ctx, "shop-a", "vpn30")
	require.NoError(t, err)
	require.Equal(t, 1, left)

	stats, err := f.engine.Stats(ctx, "shop-a")
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.TotalSales)
}

func TestSettledPurchaseShortStockHoldsOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedPurchase(t, "ref-short", 2, "acc-1")
	f.checker.statuses["ref-short"] = gateway.StatusSettled

	f.rec.RunOnce(ctx)

	// Order is held, buyer told to contact the admin, stock untouched.
	pending, err := f.engine.PendingOrders(ctx, "shop-a")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, 1, f.transport.sentCount())
	require.Contains(t, f.transport.sent[0], "contact the admin")

	left, err := f.engine.StockCount(ctx, "shop-a", "vpn30")
	require.NoError(t, err)
	require.Equal(t, 1, left)
}

func TestExpiredOrderIsCancelled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedDeposit(t, "ref-exp", 5000)
	f.checker.statuses["ref-exp"] = gateway.StatusExpired

	f.rec.RunOnce(ctx)

	pending, err := f.engine.PendingOrders(ctx, "shop-a")
	require.NoError(t, err)
	require.Empty(t, pending)

	member, err := f.engine.Member(ctx, "shop-a", 42)
	require.NoError(t, err)
	require.Equal(t, int64(0), member.Saldo)
	require.Contains(t, f.transport.sent[0], "expired")
}

func TestUnknownStatusLeavesOrderPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedDeposit(t, "ref-wait", 5000)
	// Checker default is StatusPending.

	f.rec.RunOnce(ctx)

	pending, err := f.engine.PendingOrders(ctx, "shop-a")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, 0, f.transport.sentCount())
}

func TestOrderFailureDoesNotBlockOthers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedDeposit(t, "ref-bad", 1000)
	require.NoError(t, f.engine.CreatePendingOrder(ctx, service.PendingOrder{
		TenantID: "shop-a",
		RefCode:  "ref-good",
		UserID:   42,
		Kind:     service.KindDeposit,
		Total:    2000,
	}))
	f.checker.errs["ref-bad"] = fmt.Errorf("gateway: %w", errors.New("connection reset"))
	f.checker.statuses["ref-good"] = gateway.StatusSettled

	f.rec.RunOnce(ctx)

	member, err := f.engine.Member(ctx, "shop-a", 42)
	require.NoError(t, err)
	require.Equal(t, int64(2000), member.Saldo, "healthy order settles despite sibling failure")
}

func TestCheckNowSettles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedDeposit(t, "ref-now", 3000)
	f.checker.statuses["ref-now"] = gateway.StatusSettled

	status, err := f.rec.CheckNow(ctx, "ref-now")
	require.NoError(t, err)
	require.Equal(t, gateway.StatusSettled, status)

	// Order resolved; a second manual check reports it gone.
	_, err = f.rec.CheckNow(ctx, "ref-now")
	require.ErrorIs(t, err, service.ErrNotFound)
}

func TestStopIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.rec.Run(context.Background())
	f.rec.Stop()
	f.rec.Stop()
}

func TestStopImmediatelyAfterRun(t *testing.T) {
	// Stop may win the race against the freshly spawned poll goroutine;
	// neither side may panic or deadlock.
	f := newFixture(t)
	for i := 0; i < 100; i++ {
		f.rec.Run(context.Background())
		f.rec.Stop()
	}
}
