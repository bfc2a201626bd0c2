// Package service owns the tenant lifecycle: the registry of rented store
// bots, the live runtime per tenant, and the lease expiration sweep.
package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	orders "github.com/aisarahjmlh/viletorder/domains/orders/be/service"
	"github.com/aisarahjmlh/viletorder/domains/payments/be/gateway"
	"github.com/aisarahjmlh/viletorder/domains/payments/be/reconcile"
	"github.com/aisarahjmlh/viletorder/platform/go/messaging"
	"github.com/aisarahjmlh/viletorder/platform/go/metrics"
)

// Errors returned by the service layer.
var (
	ErrNotFound             = errors.New("tenant not found")
	ErrDuplicateTenant      = errors.New("tenant already registered")
	ErrInvalidLeaseDuration = errors.New("lease must end in the future")
)

// SweepInterval is how often leases are checked for expiry.
const SweepInterval = 30 * time.Second

// Tenant is one registry entry. The tenant id is the bot's own id as
// reported by the messaging platform, so one credential maps to one tenant.
type Tenant struct {
	ID             string
	DisplayName    string
	Credential     string
	AdminUsernames []string
	PayAPIKey      string
	PaySecretKey   string
	PayProduction  bool
	LeaseExpiresAt *time.Time
	RegisteredAt   time.Time
}

// LeaseLapsed reports whether the tenant's lease ended before now. A tenant
// without a lease never lapses.
func (t Tenant) LeaseLapsed(now time.Time) bool {
	return t.LeaseExpiresAt != nil && t.LeaseExpiresAt.Before(now)
}

// RegisterInput is the request to onboard a tenant.
type RegisterInput struct {
	Credential     string
	DisplayName    string
	AdminUsernames []string
	PayAPIKey      string
	PaySecretKey   string
	PayProduction  bool
	LeaseExpiresAt *time.Time
}

// Repository abstracts the tenant registry.
type Repository interface {
	Create(ctx context.Context, t Tenant) error
	Get(ctx context.Context, tenantID string) (Tenant, error)
	List(ctx context.Context) ([]Tenant, error)
	UpdateLease(ctx context.Context, tenantID string, expiresAt *time.Time) error
	Delete(ctx context.Context, tenantID string) error
}

// CheckerFactory builds the payment status checker for one tenant. Tenants
// without gateway credentials get no reconciler.
type CheckerFactory func(t Tenant) (reconcile.StatusChecker, error)

// DefaultCheckerFactory builds a live gateway client from the tenant's keys.
func DefaultCheckerFactory(t Tenant) (reconcile.StatusChecker, error) {
	if t.PayAPIKey == "" || t.PaySecretKey == "" {
		return nil, nil
	}
	return gateway.New(gateway.Config{
		APIKey:     t.PayAPIKey,
		SecretKey:  t.PaySecretKey,
		Production: t.PayProduction,
	})
}

// Manager coordinates the registry and the per-tenant runtimes.
type Manager struct {
	repo       Repository
	dialer     messaging.Dialer
	engine     *orders.Engine
	handler    messaging.Handler
	newChecker CheckerFactory
	logger     *zap.Logger
	now        func() time.Time

	mu      sync.Mutex
	running map[string]*Runtime

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// NewManager constructs a Manager with required dependencies. handler may be
// nil for deployments that only reconcile payments.
func NewManager(repo Repository, dialer messaging.Dialer, engine *orders.Engine, handler messaging.Handler, newChecker CheckerFactory, logger *zap.Logger) *Manager {
	if repo == nil {
		panic("tenants repo is required")
	}
	if dialer == nil {
		panic("dialer is required")
	}
	if engine == nil {
		panic("orders engine is required")
	}
	if newChecker == nil {
		newChecker = DefaultCheckerFactory
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		repo:       repo,
		dialer:     dialer,
		engine:     engine,
		handler:    handler,
		newChecker: newChecker,
		logger:     logger,
		now:        time.Now,
		running:    make(map[string]*Runtime),
	}
}

// Register validates the credential against the messaging platform, persists
// the tenant and starts its runtime. The resolved bot id becomes the tenant
// id, so registering the same credential twice is a duplicate.
func (m *Manager) Register(ctx context.Context, input RegisterInput) (Tenant, error) {
	transport, err := m.dialer.Dial(ctx, input.Credential)
	if err != nil {
		return Tenant{}, err
	}
	identity, err := transport.ResolveIdentity(ctx)
	if err != nil {
		return Tenant{}, err
	}

	display := input.DisplayName
	if display == "" {
		display = identity.Handle
	}
	t := Tenant{
		ID:             identity.ID,
		DisplayName:    display,
		Credential:     input.Credential,
		AdminUsernames: input.AdminUsernames,
		PayAPIKey:      input.PayAPIKey,
		PaySecretKey:   input.PaySecretKey,
		PayProduction:  input.PayProduction,
		LeaseExpiresAt: input.LeaseExpiresAt,
		RegisteredAt:   m.now().UTC(),
	}
	if err := m.repo.Create(ctx, t); err != nil {
		return Tenant{}, err
	}

	if err := m.Start(ctx, t.ID); err != nil {
		m.logger.Warn("tenant registered but not started",
			zap.String("tenant_id", t.ID), zap.Error(err))
	}
	return t, nil
}

// Deregister stops the runtime first, then removes the tenant. The registry
// delete cascades over the tenant's ledger.
func (m *Manager) Deregister(ctx context.Context, tenantID string) error {
	m.stopRuntime(tenantID)
	return m.repo.Delete(ctx, tenantID)
}

// Get returns one registry entry.
func (m *Manager) Get(ctx context.Context, tenantID string) (Tenant, error) {
	return m.repo.Get(ctx, tenantID)
}

// List returns all registry entries.
func (m *Manager) List(ctx context.Context) ([]Tenant, error) {
	return m.repo.List(ctx)
}

// Start brings one tenant's runtime up. Starting a running tenant is a
// no-op.
func (m *Manager) Start(ctx context.Context, tenantID string) error {
	t, err := m.repo.Get(ctx, tenantID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if _, ok := m.running[tenantID]; ok {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	checker, err := m.newChecker(t)
	if err != nil {
		return err
	}
	rt := NewRuntime(t, m.dialer, m.engine, m.handler, checker, m.logger)
	if err := rt.Start(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	if _, ok := m.running[tenantID]; ok {
		// Lost a start race; keep the first runtime.
		m.mu.Unlock()
		rt.Stop()
		return nil
	}
	m.running[tenantID] = rt
	metrics.TenantsRunning.Set(float64(len(m.running)))
	m.mu.Unlock()
	return nil
}

// Stop tears one tenant's runtime down. Stopping a stopped tenant is a
// no-op.
func (m *Manager) Stop(tenantID string) {
	m.stopRuntime(tenantID)
}

// StartAll starts every registered tenant whose lease has not lapsed. One
// tenant failing to start never blocks the others.
func (m *Manager) StartAll(ctx context.Context) error {
	tenants, err := m.repo.List(ctx)
	if err != nil {
		return err
	}
	now := m.now()
	for _, t := range tenants {
		if t.LeaseLapsed(now) {
			m.logger.Info("skipping tenant with lapsed lease",
				zap.String("tenant_id", t.ID),
				zap.Timep("lease_expires_at", t.LeaseExpiresAt))
			continue
		}
		if err := m.Start(ctx, t.ID); err != nil {
			m.logger.Error("start tenant", zap.String("tenant_id", t.ID), zap.Error(err))
		}
	}
	return nil
}

// StopAll drains every running runtime. Used during shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.stopRuntime(id)
	}
}

// ExtendLease moves a tenant's lease end. The new end must be in the future;
// the running state is untouched, the sweep picks up lapses.
func (m *Manager) ExtendLease(ctx context.Context, tenantID string, until time.Time) error {
	if !until.After(m.now()) {
		return ErrInvalidLeaseDuration
	}
	return m.repo.UpdateLease(ctx, tenantID, &until)
}

// RunningSet returns the ids of running tenants, sorted.
func (m *Manager) RunningSet() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.running))
	for id := range m.running {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Runtime returns the live runtime for a tenant, if any.
func (m *Manager) Runtime(tenantID string) (*Runtime, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.running[tenantID]
	return rt, ok
}

// StartSweep launches the lease expiration sweep.
func (m *Manager) StartSweep(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sweepCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.sweepCancel = cancel
	m.sweepDone = done

	// Close the captured channel, not the field: StopSweep can nil the
	// field before this goroutine runs.
	go func() {
		defer close(done)
		ticker := time.NewTicker(SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.SweepOnce(ctx)
			}
		}
	}()
}

// StopSweep cancels the sweep and waits for the in-flight pass.
func (m *Manager) StopSweep() {
	m.mu.Lock()
	cancel, done := m.sweepCancel, m.sweepDone
	m.sweepCancel, m.sweepDone = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// SweepOnce takes a fresh lease snapshot and shuts down every running
// tenant whose lease has lapsed: members are told first, best effort, then
// the runtime stops. The registration and its ledger survive so the owner
// can extend the lease later; only Deregister removes a tenant. A lapsed
// tenant that is not running needs nothing.
func (m *Manager) SweepOnce(ctx context.Context) {
	tenants, err := m.repo.List(ctx)
	if err != nil {
		m.logger.Error("sweep: list tenants", zap.Error(err))
		return
	}
	now := m.now()
	for _, t := range tenants {
		if !t.LeaseLapsed(now) {
			continue
		}
		if _, ok := m.Runtime(t.ID); !ok {
			continue
		}
		m.logger.Info("lease lapsed, shutting tenant down",
			zap.String("tenant_id", t.ID),
			zap.Timep("lease_expires_at", t.LeaseExpiresAt))

		m.broadcastShutdown(ctx, t)
		m.stopRuntime(t.ID)
		metrics.SweepStopsTotal.Inc()
	}
}

// broadcastShutdown tells the shop's members the store is closing. Delivery
// failures are swallowed per recipient; a blocked member must not keep the
// lease alive.
func (m *Manager) broadcastShutdown(ctx context.Context, t Tenant) {
	rt, ok := m.Runtime(t.ID)
	if !ok {
		return
	}
	members, err := m.engine.Members(ctx, t.ID)
	if err != nil {
		m.logger.Warn("sweep: list members", zap.String("tenant_id", t.ID), zap.Error(err))
		return
	}
	text := "This store's rental period has ended and the bot is shutting down. Contact the owner to extend the lease."
	for _, member := range members {
		if _, err := rt.Transport().SendMessage(ctx, member.UserID, text); err != nil {
			m.logger.Debug("sweep: notify member",
				zap.String("tenant_id", t.ID),
				zap.Int64("user_id", member.UserID),
				zap.Error(err))
		}
	}
}

func (m *Manager) stopRuntime(tenantID string) {
	m.mu.Lock()
	rt, ok := m.running[tenantID]
	if ok {
		delete(m.running, tenantID)
		metrics.TenantsRunning.Set(float64(len(m.running)))
	}
	m.mu.Unlock()
	if ok {
		rt.Stop()
	}
}
