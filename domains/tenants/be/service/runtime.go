package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	orders "github.com/aisarahjmlh/viletorder/domains/orders/be/service"
	"github.com/aisarahjmlh/viletorder/domains/payments/be/reconcile"
	"github.com/aisarahjmlh/viletorder/platform/go/messaging"
)

// State is a runtime's lifecycle position.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	default:
		return "stopped"
	}
}

// probeTimeout bounds the liveness probe during start.
const probeTimeout = 10 * time.Second

// Runtime is one tenant's live presence: a bound transport, the inbound
// update pump, and the payment reconciler. A Runtime either fully starts or
// stays Stopped; there is no half-open state to clean up.
type Runtime struct {
	tenant  Tenant
	dialer  messaging.Dialer
	engine  *orders.Engine
	handler messaging.Handler
	checker reconcile.StatusChecker
	logger  *zap.Logger

	mu         sync.Mutex
	state      State
	transport  messaging.Transport
	identity   messaging.Identity
	reconciler *reconcile.Reconciler
	cancel     context.CancelFunc
	listenDone chan struct{}
}

// NewRuntime builds a stopped runtime. checker may be nil for tenants
// without gateway credentials.
func NewRuntime(t Tenant, dialer messaging.Dialer, engine *orders.Engine, handler messaging.Handler, checker reconcile.StatusChecker, logger *zap.Logger) *Runtime {
	return &Runtime{
		tenant:  t,
		dialer:  dialer,
		engine:  engine,
		handler: handler,
		checker: checker,
		logger:  logger.With(zap.String("tenant_id", t.ID)),
	}
}

// State reports the current lifecycle position.
func (r *Runtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Tenant returns the registry entry the runtime was built from.
func (r *Runtime) Tenant() Tenant { return r.tenant }

// Identity returns the resolved bot identity. Valid while Running.
func (r *Runtime) Identity() messaging.Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.identity
}

// Transport exposes the live connection for broadcasts. Valid while Running.
func (r *Runtime) Transport() messaging.Transport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transport
}

// Reconciler returns the runtime's payment reconciler, nil for tenants
// without gateway credentials.
func (r *Runtime) Reconciler() *reconcile.Reconciler {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reconciler
}

// Start binds the credential, probes the connection and brings up the update
// pump and the reconciler. On any failure the runtime stays Stopped and the
// error is returned. Starting a running runtime is a no-op.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateStopped {
		r.mu.Unlock()
		return nil
	}
	r.state = StateStarting
	r.mu.Unlock()

	transport, err := r.dialer.Dial(ctx, r.tenant.Credential)
	if err != nil {
		r.setStopped()
		return fmt.Errorf("dial: %w", err)
	}

	probeCtx, cancelProbe := context.WithTimeout(ctx, probeTimeout)
	identity, err := transport.ResolveIdentity(probeCtx)
	cancelProbe()
	if err != nil {
		r.setStopped()
		return fmt.Errorf("liveness probe: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	listenDone := make(chan struct{})

	var rec *reconcile.Reconciler
	if r.checker != nil {
		rec = reconcile.New(r.tenant.ID, r.engine, r.checker, transport, r.logger)
		rec.Run(runCtx)
	}

	go r.pump(runCtx, transport, listenDone)

	r.mu.Lock()
	r.state = StateRunning
	r.transport = transport
	r.identity = identity
	r.reconciler = rec
	r.cancel = cancel
	r.listenDone = listenDone
	r.mu.Unlock()

	r.logger.Info("tenant runtime started", zap.String("handle", identity.Handle))
	return nil
}

// Stop tears the runtime down: reconciler first, so no settlement races a
// dying transport, then the update pump. Idempotent.
func (r *Runtime) Stop() {
	r.mu.Lock()
	if r.state != StateRunning {
		r.mu.Unlock()
		return
	}
	rec := r.reconciler
	cancel := r.cancel
	listenDone := r.listenDone
	r.state = StateStopped
	r.transport = nil
	r.reconciler = nil
	r.cancel = nil
	r.listenDone = nil
	r.mu.Unlock()

	if rec != nil {
		rec.Stop()
	}
	cancel()
	<-listenDone
	r.logger.Info("tenant runtime stopped")
}

// pump feeds inbound updates into the command surface until the runtime
// stops. Transports that cannot listen leave the runtime reconcile-only.
func (r *Runtime) pump(ctx context.Context, transport messaging.Transport, done chan struct{}) {
	defer close(done)
	listener, ok := transport.(messaging.Listener)
	if !ok || r.handler == nil {
		<-ctx.Done()
		return
	}
	err := listener.Listen(ctx, func(u messaging.Update) {
		r.handler.HandleUpdate(ctx, transport, u)
	})
	if err != nil && ctx.Err() == nil {
		r.logger.Error("update pump exited", zap.Error(err))
	}
}

func (r *Runtime) setStopped() {
	r.mu.Lock()
	r.state = StateStopped
	r.mu.Unlock()
}
