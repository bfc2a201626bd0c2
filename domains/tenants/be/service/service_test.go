package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	ordersrepo "github.com/aisarahjmlh/viletorder/domains/orders/be/repo"
	orders "github.com/aisarahjmlh/viletorder/domains/orders/be/service"
	"github.com/aisarahjmlh/viletorder/domains/payments/be/gateway"
	"github.com/aisarahjmlh/viletorder/domains/payments/be/reconcile"
	"github.com/aisarahjmlh/viletorder/platform/go/messaging"
)

type fakeTransport struct {
	identity messaging.Identity
	probeErr error

	mu   sync.Mutex
	sent []string
}

func (f *fakeTransport) SendMessage(_ context.Context, _ int64, text string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return int64(len(f.sent)), nil
}

func (f *fakeTransport) EditMessage(context.Context, int64, int64, string) error { return nil }
func (f *fakeTransport) DeleteMessage(context.Context, int64, int64) error       { return nil }

func (f *fakeTransport) ResolveIdentity(context.Context) (messaging.Identity, error) {
	if f.probeErr != nil {
		return messaging.Identity{}, f.probeErr
	}
	return f.identity, nil
}

func (f *fakeTransport) Listen(ctx context.Context, _ func(messaging.Update)) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeDialer struct {
	mu         sync.Mutex
	transports map[string]*fakeTransport
	dialErrs   map[string]error
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		transports: make(map[string]*fakeTransport),
		dialErrs:   make(map[string]error),
	}
}

// Dial resolves the bot id from the credential's "<id>:<secret>" shape, like
// the real platform does.
func (d *fakeDialer) Dial(_ context.Context, credential string) (messaging.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.dialErrs[credential]; err != nil {
		return nil, err
	}
	if t, ok := d.transports[credential]; ok {
		return t, nil
	}
	id, _, _ := strings.Cut(credential, ":")
	t := &fakeTransport{identity: messaging.Identity{ID: id, Handle: "bot" + id}}
	d.transports[credential] = t
	return t, nil
}

func (d *fakeDialer) transport(credential string) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transports[credential]
}

func noChecker(Tenant) (reconcile.StatusChecker, error) { return nil, nil }

func newManager(t *testing.T, dialer *fakeDialer) (*Manager, *orders.Engine) {
	t.Helper()
	engine := orders.New(ordersrepo.NewMemory(), zap.NewNop())
	m := NewManager(&memoryRepo{tenants: map[string]Tenant{}}, dialer, engine, nil, noChecker, zap.NewNop())
	t.Cleanup(m.StopAll)
	return m, engine
}

// memoryRepo duplicates the repo package's in-memory registry; importing it
// here would cycle.
type memoryRepo struct {
	mu      sync.Mutex
	tenants map[string]Tenant
}

func (m *memoryRepo) Create(_ context.Context, t Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tenants[t.ID]; ok {
		return ErrDuplicateTenant
	}
	m.tenants[t.ID] = t
	return nil
}

func (m *memoryRepo) Get(_ context.Context, id string) (Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return Tenant{}, ErrNotFound
	}
	return t, nil
}

func (m *memoryRepo) List(_ context.Context) ([]Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		out = append(out, t)
	}
	return out, nil
}

func (m *memoryRepo) UpdateLease(_ context.Context, id string, expiresAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return ErrNotFound
	}
	t.LeaseExpiresAt = expiresAt
	m.tenants[id] = t
	return nil
}

func (m *memoryRepo) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tenants[id]; !ok {
		return ErrNotFound
	}
	delete(m.tenants, id)
	return nil
}

func TestRegisterResolvesIdentityAndStarts(t *testing.T) {
	ctx := context.Background()
	dialer := newFakeDialer()
	m, _ := newManager(t, dialer)

	tenant, err := m.Register(ctx, RegisterInput{Credential: "111:secret"})
	require.NoError(t, err)
	require.Equal(t, "111", tenant.ID)
	require.Equal(t, "bot111", tenant.DisplayName)
	require.Equal(t, []string{"111"}, m.RunningSet())

	rt, ok := m.Runtime("111")
	require.True(t, ok)
	require.Equal(t, StateRunning, rt.State())
}

func TestStartIsIdempotent(t *testing.T) {
	ctx := context.Background()
	dialer := newFakeDialer()
	m, _ := newManager(t, dialer)

	_, err := m.Register(ctx, RegisterInput{Credential: "111:secret"})
	require.NoError(t, err)
	rt, ok := m.Runtime("111")
	require.True(t, ok)

	// A second Start must not replace the running runtime.
	require.NoError(t, m.Start(ctx, "111"))
	again, ok := m.Runtime("111")
	require.True(t, ok)
	require.Same(t, rt, again)
	require.Equal(t, []string{"111"}, m.RunningSet())
}

func TestRegisterDuplicateCredential(t *testing.T) {
	ctx := context.Background()
	dialer := newFakeDialer()
	m, _ := newManager(t, dialer)

	_, err := m.Register(ctx, RegisterInput{Credential: "111:secret"})
	require.NoError(t, err)
	_, err = m.Register(ctx, RegisterInput{Credential: "111:other"})
	require.ErrorIs(t, err, ErrDuplicateTenant)
}

func TestRegisterBadCredential(t *testing.T) {
	ctx := context.Background()
	dialer := newFakeDialer()
	dialer.dialErrs["bad"] = errors.New("unauthorized")
	m, _ := newManager(t, dialer)

	_, err := m.Register(ctx, RegisterInput{Credential: "bad"})
	require.Error(t, err)
	require.Empty(t, m.RunningSet())
}

func TestDeregisterStopsThenRemoves(t *testing.T) {
	ctx := context.Background()
	dialer := newFakeDialer()
	m, _ := newManager(t, dialer)

	_, err := m.Register(ctx, RegisterInput{Credential: "111:secret"})
	require.NoError(t, err)

	require.NoError(t, m.Deregister(ctx, "111"))
	require.Empty(t, m.RunningSet())
	_, err = m.Get(ctx, "111")
	require.ErrorIs(t, err, ErrNotFound)

	// Deregistering again reports the tenant gone.
	require.ErrorIs(t, m.Deregister(ctx, "111"), ErrNotFound)
}

func TestStartAllSkipsLapsedLeases(t *testing.T) {
	ctx := context.Background()
	dialer := newFakeDialer()
	m, _ := newManager(t, dialer)

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)
	require.NoError(t, m.repo.Create(ctx, Tenant{ID: "111", Credential: "111:a", LeaseExpiresAt: &past}))
	require.NoError(t, m.repo.Create(ctx, Tenant{ID: "222", Credential: "222:b", LeaseExpiresAt: &future}))
	require.NoError(t, m.repo.Create(ctx, Tenant{ID: "333", Credential: "333:c"}))

	require.NoError(t, m.StartAll(ctx))
	require.Equal(t, []string{"222", "333"}, m.RunningSet())
}

func TestStartAllToleratesPerTenantFailure(t *testing.T) {
	ctx := context.Background()
	dialer := newFakeDialer()
	dialer.dialErrs["111:a"] = errors.New("unauthorized")
	m, _ := newManager(t, dialer)

	require.NoError(t, m.repo.Create(ctx, Tenant{ID: "111", Credential: "111:a"}))
	require.NoError(t, m.repo.Create(ctx, Tenant{ID: "222", Credential: "222:b"}))

	require.NoError(t, m.StartAll(ctx))
	require.Equal(t, []string{"222"}, m.RunningSet())
}

func TestStopAllDrains(t *testing.T) {
	ctx := context.Background()
	dialer := newFakeDialer()
	m, _ := newManager(t, dialer)

	_, err := m.Register(ctx, RegisterInput{Credential: "111:a"})
	require.NoError(t, err)
	_, err = m.Register(ctx, RegisterInput{Credential: "222:b"})
	require.NoError(t, err)

	m.StopAll()
	require.Empty(t, m.RunningSet())
}

func TestExtendLeaseValidatesFuture(t *testing.T) {
	ctx := context.Background()
	dialer := newFakeDialer()
	m, _ := newManager(t, dialer)

	_, err := m.Register(ctx, RegisterInput{Credential: "111:a"})
	require.NoError(t, err)

	require.ErrorIs(t, m.ExtendLease(ctx, "111", time.Now().Add(-time.Minute)), ErrInvalidLeaseDuration)

	until := time.Now().Add(30 * 24 * time.Hour)
	require.NoError(t, m.ExtendLease(ctx, "111", until))
	tenant, err := m.Get(ctx, "111")
	require.NoError(t, err)
	require.WithinDuration(t, until, *tenant.LeaseExpiresAt, time.Second)

	require.ErrorIs(t, m.ExtendLease(ctx, "999", time.Now().Add(time.Hour)), ErrNotFound)
}

func TestSweepStopsLapsedTenantAndBroadcasts(t *testing.T) {
	ctx := context.Background()
	dialer := newFakeDialer()
	m, engine := newManager(t, dialer)

	lease := time.Now().Add(time.Hour)
	_, err := m.Register(ctx, RegisterInput{Credential: "111:a", LeaseExpiresAt: &lease})
	require.NoError(t, err)
	require.NoError(t, engine.RegisterContact(ctx, "111", 42, "alice"))
	require.NoError(t, engine.RegisterContact(ctx, "111", 43, "bob"))

	// Not lapsed yet: sweep leaves it alone.
	m.SweepOnce(ctx)
	require.Equal(t, []string{"111"}, m.RunningSet())

	past := time.Now().Add(-time.Minute)
	require.NoError(t, m.repo.UpdateLease(ctx, "111", &past))

	transport := dialer.transport("111:a")
	before := transport.sentCount()
	m.SweepOnce(ctx)

	require.Empty(t, m.RunningSet())
	require.Equal(t, before+2, transport.sentCount(), "both members notified")

	// The registration and its ledger survive so the owner can extend.
	tenant, err := m.Get(ctx, "111")
	require.NoError(t, err)
	require.Equal(t, "111", tenant.ID)
	members, err := engine.Members(ctx, "111")
	require.NoError(t, err)
	require.Len(t, members, 2)

	// Extending the lease brings the shop back.
	future := time.Now().Add(time.Hour)
	require.NoError(t, m.ExtendLease(ctx, "111", future))
	require.NoError(t, m.Start(ctx, "111"))
	require.Equal(t, []string{"111"}, m.RunningSet())
}

func TestStopSweepImmediatelyAfterStart(t *testing.T) {
	// StopSweep may win the race against the freshly spawned sweep
	// goroutine; neither side may panic or deadlock.
	dialer := newFakeDialer()
	m, _ := newManager(t, dialer)
	for i := 0; i < 100; i++ {
		m.StartSweep(context.Background())
		m.StopSweep()
	}
}

func TestSweepIgnoresNeverStartedTenant(t *testing.T) {
	ctx := context.Background()
	dialer := newFakeDialer()
	m, _ := newManager(t, dialer)

	past := time.Now().Add(-time.Minute)
	require.NoError(t, m.repo.Create(ctx, Tenant{
		ID:             "222",
		Credential:     "222:b",
		LeaseExpiresAt: &past,
	}))

	m.SweepOnce(ctx)

	_, err := m.Get(ctx, "222")
	require.NoError(t, err, "sweep must not touch a tenant that was never started")
	require.Empty(t, m.RunningSet())
}

// staleListRepo serves List from a fixed snapshot so a sweep can observe
// tenants that were deregistered after the snapshot was taken.
type staleListRepo struct {
	Repository
	stale []Tenant
}

func (r *staleListRepo) List(context.Context) ([]Tenant, error) { return r.stale, nil }

func TestSweepToleratesConcurrentDeregister(t *testing.T) {
	ctx := context.Background()
	dialer := newFakeDialer()
	inner := &memoryRepo{tenants: map[string]Tenant{}}
	repo := &staleListRepo{Repository: inner}
	engine := orders.New(ordersrepo.NewMemory(), zap.NewNop())
	m := NewManager(repo, dialer, engine, nil, noChecker, zap.NewNop())
	t.Cleanup(m.StopAll)

	past := time.Now().Add(-time.Minute)
	tenant, err := m.Register(ctx, RegisterInput{Credential: "111:a", LeaseExpiresAt: &past})
	require.NoError(t, err)

	// The sweep's snapshot still holds the tenant when it gets deregistered.
	repo.stale = []Tenant{tenant}
	require.NoError(t, m.Deregister(ctx, tenant.ID))
	transport := dialer.transport("111:a")
	before := transport.sentCount()

	m.SweepOnce(ctx)

	require.Empty(t, m.RunningSet())
	require.Equal(t, before, transport.sentCount(), "no broadcast for a gone tenant")
	_, err = m.Get(ctx, tenant.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRuntimeStartFailureStaysStopped(t *testing.T) {
	ctx := context.Background()
	dialer := newFakeDialer()
	transport, err := dialer.Dial(ctx, "111:a")
	require.NoError(t, err)
	transport.(*fakeTransport).probeErr = errors.New("flood wait")

	engine := orders.New(ordersrepo.NewMemory(), zap.NewNop())
	rt := NewRuntime(Tenant{ID: "111", Credential: "111:a"}, dialer, engine, nil, nil, zap.NewNop())

	require.Error(t, rt.Start(ctx))
	require.Equal(t, StateStopped, rt.State())

	// Recovers once the probe succeeds.
	transport.(*fakeTransport).probeErr = nil
	require.NoError(t, rt.Start(ctx))
	require.Equal(t, StateRunning, rt.State())
	rt.Stop()
	rt.Stop()
	require.Equal(t, StateStopped, rt.State())
}

func TestDefaultCheckerFactory(t *testing.T) {
	checker, err := DefaultCheckerFactory(Tenant{})
	require.NoError(t, err)
	require.Nil(t, checker, "no gateway keys means no reconciler")

	checker, err = DefaultCheckerFactory(Tenant{PayAPIKey: "ak", PaySecretKey: "sk"})
	require.NoError(t, err)
	require.NotNil(t, checker)
	_, ok := checker.(*gateway.Client)
	require.True(t, ok)
}
