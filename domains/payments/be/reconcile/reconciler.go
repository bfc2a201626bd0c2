// Package reconcile drives pending orders to resolution by polling the
// payment gateway. One Reconciler runs per live tenant runtime; the pending
// order row is the unit of idempotency, so ticks, manual checks and restarts
// may all race over the same order without double-applying it.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aisarahjmlh/viletorder/domains/orders/be/service"
	"github.com/aisarahjmlh/viletorder/domains/payments/be/gateway"
	"github.com/aisarahjmlh/viletorder/platform/go/messaging"
	"github.com/aisarahjmlh/viletorder/platform/go/metrics"
)

// DefaultInterval is how often pending orders are re-checked.
const DefaultInterval = 5 * time.Second

// StatusChecker is the slice of the gateway client the reconciler needs.
type StatusChecker interface {
	CheckStatus(ctx context.Context, refCode, externalRefID string) (gateway.Status, error)
}

// Reconciler polls one tenant's pending orders against the gateway.
type Reconciler struct {
	tenantID  string
	engine    *service.Engine
	checker   StatusChecker
	transport messaging.Transport
	logger    *zap.Logger
	interval  time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option adjusts reconciler construction.
type Option func(*Reconciler)

// WithInterval overrides the polling interval, mainly for tests.
func WithInterval(d time.Duration) Option {
	return func(r *Reconciler) { r.interval = d }
}

// New constructs a Reconciler. It does not start polling until Run.
func New(tenantID string, engine *service.Engine, checker StatusChecker, transport messaging.Transport, logger *zap.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		tenantID:  tenantID,
		engine:    engine,
		checker:   checker,
		transport: transport,
		logger:    logger.With(zap.String("tenant_id", tenantID)),
		interval:  DefaultInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts the polling goroutine. Calling Run on a running reconciler is
// a no-op.
func (r *Reconciler) Run(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done

	// Close the captured channel, not the field: Stop can nil the field
	// before this goroutine runs.
	go func() {
		defer close(done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.RunOnce(ctx)
			}
		}
	}()
}

// Stop cancels the polling goroutine and waits for the in-flight tick to
// finish. It must be called before the runtime tears down the transport.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// RunOnce performs a single reconciliation pass over the tenant's pending
// orders. A failure on one order never blocks the others.
func (r *Reconciler) RunOnce(ctx context.Context) {
	metrics.ReconcileTicksTotal.Inc()
	orders, err := r.engine.PendingOrders(ctx, r.tenantID)
	if err != nil {
		r.logger.Error("list pending orders", zap.Error(err))
		return
	}
	for _, order := range orders {
		if ctx.Err() != nil {
			return
		}
		if err := r.reconcileOrder(ctx, order); err != nil {
			r.logger.Warn("reconcile order",
				zap.String("ref_code", order.RefCode),
				zap.Error(err))
		}
	}
}

// CheckNow reconciles a single order on demand, for the buyer's "check
// payment" button. It is safe to race with the ticker.
func (r *Reconciler) CheckNow(ctx context.Context, refCode string) (gateway.Status, error) {
	order, err := r.engine.PendingOrder(ctx, r.tenantID, refCode)
	if err != nil {
		return gateway.StatusPending, err
	}
	status, err := r.checker.CheckStatus(ctx, order.RefCode, order.RefID)
	if err != nil {
		metrics.GatewayErrorsTotal.Inc()
		return gateway.StatusPending, err
	}
	if err := r.applyStatus(ctx, order, status); err != nil {
		return status, err
	}
	return status, nil
}

func (r *Reconciler) reconcileOrder(ctx context.Context, order service.PendingOrder) error {
	status, err := r.checker.CheckStatus(ctx, order.RefCode, order.RefID)
	if err != nil {
		metrics.GatewayErrorsTotal.Inc()
		return fmt.Errorf("check status: %w", err)
	}
	return r.applyStatus(ctx, order, status)
}

func (r *Reconciler) applyStatus(ctx context.Context, order service.PendingOrder, status gateway.Status) error {
	switch status {
	case gateway.StatusSettled:
		switch order.Kind {
		case service.KindDeposit:
			return r.settleDeposit(ctx, order)
		case service.KindPurchase:
			return r.settlePurchase(ctx, order)
		default:
			return fmt.Errorf("unknown order kind %q", order.Kind)
		}
	case gateway.StatusExpired:
		return r.expire(ctx, order)
	default:
		// Still pending at the gateway.
		return nil
	}
}

func (r *Reconciler) settleDeposit(ctx context.Context, order service.PendingOrder) error {
	settled, saldo, err := r.engine.SettleDeposit(ctx, r.tenantID, order.RefCode)
	if errors.Is(err, service.ErrNotFound) {
		// Another caller won the race; nothing left to do.
		return nil
	}
	if err != nil {
		return err
	}
	metrics.SettlementsTotal.WithLabelValues("deposit").Inc()
	r.logger.Info("deposit settled",
		zap.String("ref_code", settled.RefCode),
		zap.Int64("amount", settled.Total))

	r.cleanupInvoice(ctx, settled)
	r.notify(ctx, settled.UserID, fmt.Sprintf(
		"Deposit received. Rp%d has been credited, your balance is now Rp%d.",
		settled.Total, saldo))
	return nil
}

func (r *Reconciler) settlePurchase(ctx context.Context, order service.PendingOrder) error {
	settled, items, err := r.engine.SettlePurchase(ctx, r.tenantID, order.RefCode)
	switch {
	case errors.Is(err, service.ErrNotFound):
		return nil
	case errors.Is(err, service.ErrInsufficientStock):
		// Paid but out of stock. The order stays pending so an operator can
		// restock or refund; tell the buyer instead of going quiet.
		r.notify(ctx, order.UserID,
			"Your payment was received but stock ran out. Please contact the admin, your order is on hold.")
		return err
	case err != nil:
		return err
	}
	metrics.SettlementsTotal.WithLabelValues("purchase").Inc()
	r.logger.Info("purchase settled",
		zap.String("ref_code", settled.RefCode),
		zap.String("product", settled.ProductCode),
		zap.Int("qty", settled.Qty))

	r.cleanupInvoice(ctx, settled)
	r.deliver(ctx, settled, items)
	return nil
}

func (r *Reconciler) expire(ctx context.Context, order service.PendingOrder) error {
	expired, err := r.engine.ResolvePendingOrder(ctx, r.tenantID, order.RefCode)
	if errors.Is(err, service.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	metrics.OrdersExpiredTotal.Inc()
	r.logger.Info("order expired", zap.String("ref_code", expired.RefCode))

	r.cleanupInvoice(ctx, expired)
	r.notify(ctx, expired.UserID,
		fmt.Sprintf("Payment %s expired and the order was cancelled.", expired.RefCode))
	return nil
}

// deliver sends the purchased payloads to the buyer, one message with all
// items. Delivery failure after settlement is logged loudly: the sale is
// committed and only the notification can be replayed by an operator.
func (r *Reconciler) deliver(ctx context.Context, order service.PendingOrder, items []string) {
	text := fmt.Sprintf("Payment confirmed. Your %s order:\n", order.ProductCode)
	for i, item := range items {
		text += fmt.Sprintf("%d. %s\n", i+1, item)
	}
	if _, err := r.transport.SendMessage(ctx, order.UserID, text); err != nil {
		r.logger.Error("deliver purchased items",
			zap.String("ref_code", order.RefCode),
			zap.Error(err))
	}
}

func (r *Reconciler) notify(ctx context.Context, userID int64, text string) {
	if _, err := r.transport.SendMessage(ctx, userID, text); err != nil {
		r.logger.Warn("notify buyer", zap.Int64("user_id", userID), zap.Error(err))
	}
}

// cleanupInvoice removes the QR invoice message so a resolved payment cannot
// be paid twice from a stale screen. Best effort.
func (r *Reconciler) cleanupInvoice(ctx context.Context, order service.PendingOrder) {
	if order.MessageID == 0 {
		return
	}
	if err := r.transport.DeleteMessage(ctx, order.UserID, order.MessageID); err != nil {
		r.logger.Debug("delete invoice message",
			zap.String("ref_code", order.RefCode),
			zap.Error(err))
	}
}
