// Package service implements the platform's own "rent a bot" sale: a
// per-user session that walks from a month selector through payment to the
// registration wizard that ends with a running tenant.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aisarahjmlh/viletorder/domains/payments/be/gateway"
	tenants "github.com/aisarahjmlh/viletorder/domains/tenants/be/service"
	"github.com/aisarahjmlh/viletorder/platform/go/messaging"
	"github.com/aisarahjmlh/viletorder/platform/go/session"
)

// Step is the session's position in the onboarding flow.
type Step int

const (
	StepSelectMonths Step = iota
	StepAwaitingPayment
	StepToken
	StepAdmin
	StepAPIKey
	StepSecretKey
)

// Limits on the month selector.
const (
	MinMonths = 1
	MaxMonths = 12
)

// DefaultPricePerMonth is the rental price when the operator sets none.
const DefaultPricePerMonth int64 = 50000

// ErrNoSession is returned when a flow operation has no session to act on.
var ErrNoSession = errors.New("no rental session")

// Session is one prospective renter's progress.
type Session struct {
	Months int
	Step   Step

	RefCode   string
	RefID     string
	Total     int64
	MessageID int64

	Token         string
	AdminUsername string
	APIKey        string
	SecretKey     string
}

// Payments is the slice of the owner's gateway client the flow needs.
type Payments interface {
	CreatePayment(ctx context.Context, amount int64, payer gateway.Payer, product, channel string) (gateway.Intent, error)
	CheckStatus(ctx context.Context, refCode, externalRefID string) (gateway.Status, error)
}

// Registrar onboards the finished wizard as a tenant.
type Registrar interface {
	Register(ctx context.Context, input tenants.RegisterInput) (tenants.Tenant, error)
}

// Config tunes the flow.
type Config struct {
	PricePerMonth int64
	PollInterval  time.Duration
	SessionTTL    time.Duration
}

// Flow drives rental sessions. The payment monitor here is deliberately
// simpler than the ledger reconciler: the session is in memory and scoped to
// one user, so losing it on restart just restarts the sale.
type Flow struct {
	sessions  *session.Store[Session]
	payments  Payments
	registrar Registrar
	logger    *zap.Logger
	cfg       Config
	now       func() time.Time
}

// NewFlow constructs a Flow with required dependencies.
func NewFlow(payments Payments, registrar Registrar, logger *zap.Logger, cfg Config) *Flow {
	if payments == nil {
		panic("payments client is required")
	}
	if registrar == nil {
		panic("registrar is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PricePerMonth <= 0 {
		cfg.PricePerMonth = DefaultPricePerMonth
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 30 * time.Minute
	}
	return &Flow{
		sessions:  session.New[Session](cfg.SessionTTL),
		payments:  payments,
		registrar: registrar,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

func key(userID int64) session.Key {
	return session.Key{TenantID: "rental", UserID: userID}
}

// Begin opens (or resets) a session at the month selector.
func (f *Flow) Begin(userID int64) Session {
	sess := Session{Months: MinMonths, Step: StepSelectMonths}
	f.sessions.Put(key(userID), sess)
	return sess
}

// Session returns the user's current session.
func (f *Flow) Session(userID int64) (Session, bool) {
	return f.sessions.Get(key(userID))
}

// Cancel drops the session. The payment monitor notices on its next tick.
func (f *Flow) Cancel(userID int64) {
	f.sessions.Delete(key(userID))
}

// AdjustMonths moves the month selector by delta, clamped to the limits.
func (f *Flow) AdjustMonths(userID int64, delta int) (Session, error) {
	sess, ok := f.sessions.Get(key(userID))
	if !ok || sess.Step != StepSelectMonths {
		return Session{}, ErrNoSession
	}
	sess.Months += delta
	if sess.Months < MinMonths {
		sess.Months = MinMonths
	}
	if sess.Months > MaxMonths {
		sess.Months = MaxMonths
	}
	f.sessions.Put(key(userID), sess)
	return sess, nil
}

// Total prices the current selection.
func (f *Flow) Total(sess Session) int64 {
	return f.cfg.PricePerMonth * int64(sess.Months)
}

// StartPayment opens the QRIS payment for the selected duration and launches
// the monitor goroutine. The invoice text is sent over the transport and the
// message id kept so the monitor can clean it up.
func (f *Flow) StartPayment(ctx context.Context, transport messaging.Transport, userID int64, username string) (gateway.Intent, error) {
	sess, ok := f.sessions.Get(key(userID))
	if !ok || sess.Step != StepSelectMonths {
		return gateway.Intent{}, ErrNoSession
	}
	total := f.Total(sess)

	intent, err := f.payments.CreatePayment(ctx, total,
		gateway.Payer{Name: username},
		fmt.Sprintf("Store bot rental, %d month(s)", sess.Months),
		"QRIS")
	if err != nil {
		return gateway.Intent{}, err
	}

	text := fmt.Sprintf(
		"Rental invoice\nDuration: %d month(s)\nTotal: Rp%d\nPay here: %s\nRef: %s",
		sess.Months, total, intent.CheckoutURL, intent.RefCode)
	messageID, err := transport.SendMessage(ctx, userID, text)
	if err != nil {
		f.logger.Warn("send rental invoice", zap.Int64("user_id", userID), zap.Error(err))
	}

	sess.Step = StepAwaitingPayment
	sess.RefCode = intent.RefCode
	sess.RefID = intent.ExternalRefID
	sess.Total = total
	sess.MessageID = messageID
	f.sessions.Put(key(userID), sess)

	go f.monitor(ctx, transport, userID)
	return intent, nil
}

// monitor polls the gateway until the payment resolves. It self-cancels as
// soon as the session advanced past awaiting-payment or disappeared, so a
// cancelled sale stops polling without coordination.
func (f *Flow) monitor(ctx context.Context, transport messaging.Transport, userID int64) {
	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		sess, ok := f.sessions.Get(key(userID))
		if !ok || sess.Step != StepAwaitingPayment || sess.RefCode == "" {
			return
		}

		status, err := f.payments.CheckStatus(ctx, sess.RefCode, sess.RefID)
		if err != nil {
			f.logger.Warn("rental payment check", zap.Int64("user_id", userID), zap.Error(err))
			continue
		}
		switch status {
		case gateway.StatusSettled:
			f.cleanupInvoice(ctx, transport, userID, sess)
			sess.Step = StepToken
			f.sessions.Put(key(userID), sess)
			f.send(ctx, transport, userID,
				"Payment received. Send your bot token to continue setup.")
			return
		case gateway.StatusExpired:
			f.cleanupInvoice(ctx, transport, userID, sess)
			f.sessions.Delete(key(userID))
			f.send(ctx, transport, userID,
				"The rental payment expired. Start again whenever you are ready.")
			return
		}
	}
}

// HandleText advances the registration wizard with the user's reply. Returns
// ErrNoSession when the user has no wizard step in progress, so command
// routers can fall through.
func (f *Flow) HandleText(ctx context.Context, transport messaging.Transport, userID int64, text string) error {
	sess, ok := f.sessions.Get(key(userID))
	if !ok {
		return ErrNoSession
	}
	text = strings.TrimSpace(text)

	switch sess.Step {
	case StepToken:
		if !strings.Contains(text, ":") {
			f.send(ctx, transport, userID, "That does not look like a bot token. Try again.")
			return nil
		}
		sess.Token = text
		sess.Step = StepAdmin
		f.sessions.Put(key(userID), sess)
		f.send(ctx, transport, userID, "Token accepted. Now send the admin username for the store.")
		return nil

	case StepAdmin:
		sess.AdminUsername = strings.TrimPrefix(text, "@")
		sess.Step = StepAPIKey
		f.sessions.Put(key(userID), sess)
		f.send(ctx, transport, userID, "Admin set. Send your payment gateway API key.")
		return nil

	case StepAPIKey:
		sess.APIKey = text
		sess.Step = StepSecretKey
		f.sessions.Put(key(userID), sess)
		f.send(ctx, transport, userID, "API key accepted. Send your payment gateway secret key.")
		return nil

	case StepSecretKey:
		sess.SecretKey = text
		return f.finish(ctx, transport, userID, sess)

	default:
		return ErrNoSession
	}
}

// finish registers the tenant with lease = now + paid months. A failed
// registration resets the wizard to the token step instead of losing the
// paid session.
func (f *Flow) finish(ctx context.Context, transport messaging.Transport, userID int64, sess Session) error {
	leaseEnd := f.now().UTC().AddDate(0, sess.Months, 0)
	tenant, err := f.registrar.Register(ctx, tenants.RegisterInput{
		Credential:     sess.Token,
		AdminUsernames: []string{sess.AdminUsername},
		PayAPIKey:      sess.APIKey,
		PaySecretKey:   sess.SecretKey,
		PayProduction:  true,
		LeaseExpiresAt: &leaseEnd,
	})
	if err != nil {
		sess.Step = StepToken
		f.sessions.Put(key(userID), sess)
		f.send(ctx, transport, userID,
			fmt.Sprintf("Could not activate the bot (%v). Send a valid bot token to retry.", err))
		return err
	}

	f.sessions.Delete(key(userID))
	f.send(ctx, transport, userID, fmt.Sprintf(
		"Your store bot %s is live. Admin: @%s. Lease ends %s.",
		tenant.DisplayName, sess.AdminUsername, leaseEnd.Format("2006-01-02")))
	f.logger.Info("rental completed",
		zap.String("tenant_id", tenant.ID),
		zap.Int("months", sess.Months))
	return nil
}

// HandleUpdate implements messaging.Handler, making the Flow the command
// surface of the platform's own sales bot.
func (f *Flow) HandleUpdate(ctx context.Context, t messaging.Transport, u messaging.Update) {
	switch strings.ToLower(strings.TrimSpace(u.Text)) {
	case "/rent", "/sewa":
		sess := f.Begin(u.UserID)
		f.sendOffer(ctx, t, u.UserID, sess)
	case "+":
		if sess, err := f.AdjustMonths(u.UserID, 1); err == nil {
			f.sendOffer(ctx, t, u.UserID, sess)
		}
	case "-":
		if sess, err := f.AdjustMonths(u.UserID, -1); err == nil {
			f.sendOffer(ctx, t, u.UserID, sess)
		}
	case "/pay", "pay":
		if _, err := f.StartPayment(ctx, t, u.UserID, u.Username); err != nil && !errors.Is(err, ErrNoSession) {
			f.logger.Warn("start rental payment", zap.Int64("user_id", u.UserID), zap.Error(err))
			f.send(ctx, t, u.UserID, "Could not create the payment. Please try again in a moment.")
		}
	case "/cancel":
		f.Cancel(u.UserID)
		f.send(ctx, t, u.UserID, "Rental cancelled.")
	default:
		// Wizard input; silently ignore text outside any session.
		_ = f.HandleText(ctx, t, u.UserID, u.Text)
	}
}

func (f *Flow) sendOffer(ctx context.Context, transport messaging.Transport, userID int64, sess Session) {
	f.send(ctx, transport, userID, fmt.Sprintf(
		"Rent a store bot\nPrice: Rp%d/month\nDuration: %d month(s)\nTotal: Rp%d\nSend + or - to adjust, \"pay\" to continue, /cancel to quit.",
		f.cfg.PricePerMonth, sess.Months, f.Total(sess)))
}

var _ messaging.Handler = (*Flow)(nil)

func (f *Flow) send(ctx context.Context, transport messaging.Transport, userID int64, text string) {
	if _, err := transport.SendMessage(ctx, userID, text); err != nil {
		f.logger.Warn("rental notify", zap.Int64("user_id", userID), zap.Error(err))
	}
}

func (f *Flow) cleanupInvoice(ctx context.Context, transport messaging.Transport, userID int64, sess Session) {
	if sess.MessageID == 0 {
		return
	}
	if err := transport.DeleteMessage(ctx, userID, sess.MessageID); err != nil {
		f.logger.Debug("delete rental invoice", zap.Int64("user_id", userID), zap.Error(err))
	}
}
