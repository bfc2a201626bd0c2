package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aisarahjmlh/viletorder/domains/payments/be/gateway"
	tenants "github.com/aisarahjmlh/viletorder/domains/tenants/be/service"
	"github.com/aisarahjmlh/viletorder/platform/go/messaging"
)

type fakePayments struct {
	mu     sync.Mutex
	status gateway.Status
	checks int
}

func (f *fakePayments) CreatePayment(_ context.Context, amount int64, _ gateway.Payer, _, _ string) (gateway.Intent, error) {
	return gateway.Intent{
		RefCode:       "1756700000000123",
		ExternalRefID: "VP-1",
		CheckoutURL:   "https://pay.example/c",
		Amount:        amount,
	}, nil
}

func (f *fakePayments) CheckStatus(context.Context, string, string) (gateway.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	return f.status, nil
}

func (f *fakePayments) setStatus(s gateway.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = s
}

func (f *fakePayments) checkCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checks
}

type fakeRegistrar struct {
	mu    sync.Mutex
	err   error
	input tenants.RegisterInput
}

func (f *fakeRegistrar) Register(_ context.Context, input tenants.RegisterInput) (tenants.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return tenants.Tenant{}, f.err
	}
	f.input = input
	return tenants.Tenant{ID: "111", DisplayName: "bot111"}, nil
}

type recordingTransport struct {
	mu      sync.Mutex
	sent    []string
	deleted []int64
}

func (r *recordingTransport) SendMessage(_ context.Context, _ int64, text string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, text)
	return int64(len(r.sent)), nil
}

func (r *recordingTransport) EditMessage(context.Context, int64, int64, string) error { return nil }

func (r *recordingTransport) DeleteMessage(_ context.Context, _ int64, messageID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, messageID)
	return nil
}

func (r *recordingTransport) ResolveIdentity(context.Context) (messaging.Identity, error) {
	return messaging.Identity{ID: "1", Handle: "platformbot"}, nil
}

func (r *recordingTransport) lastSent() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sent) == 0 {
		return ""
	}
	return r.sent[len(r.sent)-1]
}

func newFlow(t *testing.T) (*Flow, *fakePayments, *fakeRegistrar, *recordingTransport) {
	t.Helper()
	payments := &fakePayments{}
	registrar := &fakeRegistrar{}
	flow := NewFlow(payments, registrar, zap.NewNop(), Config{
		PricePerMonth: 50000,
		PollInterval:  10 * time.Millisecond,
	})
	return flow, payments, registrar, &recordingTransport{}
}

func TestMonthSelectorClamps(t *testing.T) {
	flow, _, _, _ := newFlow(t)
	flow.Begin(42)

	sess, err := flow.AdjustMonths(42, -5)
	require.NoError(t, err)
	require.Equal(t, MinMonths, sess.Months)

	sess, err = flow.AdjustMonths(42, 100)
	require.NoError(t, err)
	require.Equal(t, MaxMonths, sess.Months)
	require.Equal(t, int64(50000*12), flow.Total(sess))

	_, err = flow.AdjustMonths(99, 1)
	require.ErrorIs(t, err, ErrNoSession)
}

func TestStartPaymentMovesToAwaiting(t *testing.T) {
	ctx := context.Background()
	flow, _, _, transport := newFlow(t)
	flow.Begin(42)
	_, err := flow.AdjustMonths(42, 2)
	require.NoError(t, err)

	intent, err := flow.StartPayment(ctx, transport, 42, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(150000), intent.Amount)

	sess, ok := flow.Session(42)
	require.True(t, ok)
	require.Equal(t, StepAwaitingPayment, sess.Step)
	require.Equal(t, intent.RefCode, sess.RefCode)
	require.Contains(t, transport.lastSent(), "Rp150000")
}

func TestMonitorAdvancesOnSettlement(t *testing.T) {
	ctx := context.Background()
	flow, payments, _, transport := newFlow(t)
	flow.Begin(42)
	_, err := flow.StartPayment(ctx, transport, 42, "alice")
	require.NoError(t, err)

	payments.setStatus(gateway.StatusSettled)
	require.Eventually(t, func() bool {
		sess, ok := flow.Session(42)
		return ok && sess.Step == StepToken
	}, time.Second, 5*time.Millisecond)

	// Invoice cleaned up and the wizard prompt sent.
	require.Contains(t, transport.lastSent(), "bot token")
	require.NotEmpty(t, transport.deleted)
}

func TestMonitorClearsSessionOnExpiry(t *testing.T) {
	ctx := context.Background()
	flow, payments, _, transport := newFlow(t)
	flow.Begin(42)
	_, err := flow.StartPayment(ctx, transport, 42, "alice")
	require.NoError(t, err)

	payments.setStatus(gateway.StatusExpired)
	require.Eventually(t, func() bool {
		_, ok := flow.Session(42)
		return !ok
	}, time.Second, 5*time.Millisecond)
	require.Contains(t, transport.lastSent(), "expired")
}

func TestMonitorSelfCancelsOnCancel(t *testing.T) {
	ctx := context.Background()
	flow, payments, _, transport := newFlow(t)
	flow.Begin(42)
	_, err := flow.StartPayment(ctx, transport, 42, "alice")
	require.NoError(t, err)

	// Wait until the monitor is polling, then cancel the session.
	require.Eventually(t, func() bool { return payments.checkCount() > 0 }, time.Second, 5*time.Millisecond)
	flow.Cancel(42)

	time.Sleep(50 * time.Millisecond)
	settled := payments.checkCount()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, settled, payments.checkCount(), "monitor keeps polling after cancel")
}

func TestWizardCompletesRegistration(t *testing.T) {
	ctx := context.Background()
	flow, payments, registrar, transport := newFlow(t)
	flow.Begin(42)
	_, err := flow.AdjustMonths(42, 2)
	require.NoError(t, err)
	_, err = flow.StartPayment(ctx, transport, 42, "alice")
	require.NoError(t, err)

	payments.setStatus(gateway.StatusSettled)
	require.Eventually(t, func() bool {
		sess, ok := flow.Session(42)
		return ok && sess.Step == StepToken
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, flow.HandleText(ctx, transport, 42, "111:token"))
	require.NoError(t, flow.HandleText(ctx, transport, 42, "@storeadmin"))
	require.NoError(t, flow.HandleText(ctx, transport, 42, "violet-api-key"))
	require.NoError(t, flow.HandleText(ctx, transport, 42, "violet-secret"))

	require.Equal(t, "111:token", registrar.input.Credential)
	require.Equal(t, []string{"storeadmin"}, registrar.input.AdminUsernames)
	require.Equal(t, "violet-api-key", registrar.input.PayAPIKey)
	require.True(t, registrar.input.PayProduction)
	require.NotNil(t, registrar.input.LeaseExpiresAt)
	require.WithinDuration(t, time.Now().AddDate(0, 3, 0), *registrar.input.LeaseExpiresAt, time.Minute)

	// Session gone after success; further text falls through.
	require.ErrorIs(t, flow.HandleText(ctx, transport, 42, "anything"), ErrNoSession)
}

func TestWizardRejectsMalformedToken(t *testing.T) {
	ctx := context.Background()
	flow, payments, _, transport := newFlow(t)
	flow.Begin(42)
	_, err := flow.StartPayment(ctx, transport, 42, "alice")
	require.NoError(t, err)
	payments.setStatus(gateway.StatusSettled)
	require.Eventually(t, func() bool {
		sess, ok := flow.Session(42)
		return ok && sess.Step == StepToken
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, flow.HandleText(ctx, transport, 42, "not a token"))
	sess, ok := flow.Session(42)
	require.True(t, ok)
	require.Equal(t, StepToken, sess.Step, "stays on token step")
}

func TestFailedRegistrationResetsToToken(t *testing.T) {
	ctx := context.Background()
	flow, payments, registrar, transport := newFlow(t)
	registrar.err = errors.New("unauthorized")
	flow.Begin(42)
	_, err := flow.StartPayment(ctx, transport, 42, "alice")
	require.NoError(t, err)
	payments.setStatus(gateway.StatusSettled)
	require.Eventually(t, func() bool {
		sess, ok := flow.Session(42)
		return ok && sess.Step == StepToken
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, flow.HandleText(ctx, transport, 42, "111:token"))
	require.NoError(t, flow.HandleText(ctx, transport, 42, "admin"))
	require.NoError(t, flow.HandleText(ctx, transport, 42, "ak"))
	require.Error(t, flow.HandleText(ctx, transport, 42, "sk"))

	sess, ok := flow.Session(42)
	require.True(t, ok)
	require.Equal(t, StepToken, sess.Step, "paid session survives a bad token")
}
