package cartsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fjod/go_cart/toycart/internal/auth"
	"github.com/fjod/go_cart/toycart/internal/domain"
	"github.com/fjod/go_cart/toycart/internal/localstore"
	"github.com/fjod/go_cart/toycart/internal/logger"
	"github.com/fjod/go_cart/toycart/internal/notify"
	"github.com/fjod/go_cart/toycart/internal/repository"
)

const DefaultFlushTimeout = 5 * time.Second

var ErrNotSignedIn = errors.New("no user signed in")

type State int

const (
	StateAnonymous State = iota
	StateIdle
	StateSyncing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "authenticated_idle"
	case StateSyncing:
		return "authenticated_syncing"
	default:
		return "anonymous"
	}
}

type Session struct {
	State  State  `json:"-"`
	UserID string `json:"user_id,omitempty"`
}

// Outcome reports what a reconciliation did.
type Outcome int

const (
	OutcomeSkipped Outcome = iota
	OutcomeMerged
	OutcomeExpired
)

type Config struct {
	SyncInterval time.Duration
	FlushTimeout time.Duration
	Policy       domain.ExpiryPolicy
}

func (c Config) withDefaults() Config {
	if c.SyncInterval <= 0 {
		c.SyncInterval = domain.DefaultSyncInterval
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = DefaultFlushTimeout
	}
	if c.Policy.ExpiryAge <= 0 {
		c.Policy = domain.DefaultExpiryPolicy()
	}
	return c
}

// Engine keeps the local cart and the signed-in user's remote cart in step.
// While a user is signed in a per-session ticker pushes pending changes every
// SyncInterval.
type Engine struct {
	store    *localstore.Store
	repo     repository.CartRepository
	notifier notify.Notifier
	cfg      Config
	now      func() time.Time
	log      *slog.Logger

	reconciling atomic.Bool

	mu         sync.Mutex
	userID     string
	signedIn   bool
	stopTicker context.CancelFunc
	tickerDone chan struct{}
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

func New(store *localstore.Store, repo repository.CartRepository, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		repo:     repo,
		notifier: notify.Nop{},
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		log:      logger.Discard(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run consumes authentication events until ctx is done or events is closed.
// Events are handled one at a time.
func (e *Engine) Run(ctx context.Context, events <-chan auth.Event) error {
	if e.Session().State == StateAnonymous {
		e.warnIfExpiring(ctx, "", e.store.LastModifiedAt())
	}

	defer e.haltTicker()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.SignedIn {
				e.SignIn(ctx, ev.UserID)
			} else {
				e.SignOut()
			}
		}
	}
}

// SignIn reconciles the local cart with userID's remote cart and starts the
// sync ticker. A repeated sign-in for the current user is ignored; a different
// user replaces the current session.
func (e *Engine) SignIn(ctx context.Context, userID string) {
	if userID == "" {
		e.log.WarnContext(ctx, "ignoring sign-in without user id")
		return
	}
	if !e.reconciling.CompareAndSwap(false, true) {
		e.log.WarnContext(ctx, "ignoring sign-in while reconciliation is running", "user_id", userID)
		return
	}
	defer e.reconciling.Store(false)

	e.mu.Lock()
	if e.signedIn && e.userID == userID {
		e.mu.Unlock()
		return
	}
	wasSignedIn := e.signedIn
	e.mu.Unlock()
	if wasSignedIn {
		e.SignOut()
	}

	e.mu.Lock()
	e.userID, e.signedIn = userID, true
	e.mu.Unlock()
	e.log.InfoContext(ctx, "user signed in", "user_id", userID)

	if _, err := e.Reconcile(ctx, userID); err != nil {
		e.log.ErrorContext(ctx, "reconciliation failed, keeping local cart", "user_id", userID, "error", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.signedIn || e.userID != userID || e.stopTicker != nil {
		return
	}
	tickCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.stopTicker, e.tickerDone = cancel, done
	go e.runTicker(tickCtx, userID, done)
}

// SignOut stops the sync ticker and waits for it to exit. The local cart is
// kept as it is.
func (e *Engine) SignOut() {
	e.mu.Lock()
	if !e.signedIn {
		e.mu.Unlock()
		return
	}
	userID := e.userID
	e.userID, e.signedIn = "", false
	e.mu.Unlock()

	e.haltTicker()
	e.log.Info("user signed out", "user_id", userID)
}

// Reconcile merges userID's remote cart into the local one and pushes the
// result back. A remote cart past the expiry age is emptied on both sides
// instead.
func (e *Engine) Reconcile(ctx context.Context, userID string) (Outcome, error) {
	remote, err := e.readRemote(ctx, userID)
	if err != nil {
		return OutcomeSkipped, err
	}

	now := e.now()
	var remoteLines []domain.CartLine
	var remoteAt *time.Time
	if remote != nil {
		remoteLines = remote.Lines
		if !remote.UpdatedAt.IsZero() {
			t := remote.UpdatedAt
			remoteAt = &t
		}
	}

	if remoteAt != nil && e.cfg.Policy.Expired(*remoteAt, now) {
		e.purge(ctx, userID)
		return OutcomeExpired, nil
	}

	e.warnIfExpiring(ctx, userID, e.store.LastModifiedAt(), remoteAt)

	merged, err := e.store.MergeFromServer(ctx, remoteLines)
	if err != nil {
		e.log.ErrorContext(ctx, "failed to save merged cart locally", "user_id", userID, "error", err)
	}
	if sent, err := e.flush(ctx, userID, false); err != nil || !sent {
		e.store.MarkDirty()
	}
	e.log.InfoContext(ctx, "cart reconciled", "user_id", userID, "lines", len(merged.Lines))
	return OutcomeMerged, nil
}

// Flush pushes pending changes for the signed-in user now.
func (e *Engine) Flush(ctx context.Context) error {
	userID := e.CurrentUserID()
	if userID == "" {
		return ErrNotSignedIn
	}
	_, err := e.flush(ctx, userID, true)
	return err
}

// Shutdown stops the ticker and makes one last attempt to push pending
// changes. It does not retry.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.haltTicker()

	userID := e.CurrentUserID()
	if userID == "" || !e.store.Dirty() {
		return nil
	}
	_, err := e.flush(ctx, userID, true)
	return err
}

func (e *Engine) Session() Session {
	e.mu.Lock()
	userID, signedIn := e.userID, e.signedIn
	e.mu.Unlock()

	if !signedIn {
		return Session{State: StateAnonymous}
	}
	if e.store.Snapshot().Syncing {
		return Session{State: StateSyncing, UserID: userID}
	}
	return Session{State: StateIdle, UserID: userID}
}

func (e *Engine) CurrentUserID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.userID
}

func (e *Engine) runTicker(ctx context.Context, userID string, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(e.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.flush(ctx, userID, true)
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) haltTicker() {
	e.mu.Lock()
	cancel, done := e.stopTicker, e.tickerDone
	e.stopTicker, e.tickerDone = nil, nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// flush sends the current lines as the whole remote cart. sent is false when
// another flush held the slot or, with requireDirty, there was nothing to send.
func (e *Engine) flush(ctx context.Context, userID string, requireDirty bool) (sent bool, err error) {
	ticket, ok := e.store.BeginSync(requireDirty)
	if !ok {
		return false, nil
	}

	fctx, cancel := context.WithTimeout(ctx, e.cfg.FlushTimeout)
	defer cancel()

	err = e.repo.ReplaceCart(fctx, userID, ticket.Lines)
	e.store.EndSync(ticket, err)
	if err != nil {
		e.log.ErrorContext(ctx, "failed to flush cart", "user_id", userID, "error", err)
		return true, fmt.Errorf("failed to flush cart: %w", err)
	}
	e.log.DebugContext(ctx, "cart flushed", "user_id", userID, "lines", len(ticket.Lines))
	return true, nil
}

func (e *Engine) readRemote(ctx context.Context, userID string) (*domain.RemoteCart, error) {
	rctx, cancel := context.WithTimeout(ctx, e.cfg.FlushTimeout)
	defer cancel()

	cart, err := e.repo.GetCart(rctx, userID)
	if errors.Is(err, repository.ErrCartNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read remote cart: %w", err)
	}
	return cart, nil
}

// purge empties the cart locally and remotely. If the remote write fails the
// empty cart stays dirty for the ticker to retry.
func (e *Engine) purge(ctx context.Context, userID string) {
	e.log.InfoContext(ctx, "remote cart expired, emptying", "user_id", userID)

	if _, err := e.store.ReplaceFromServer(ctx, nil); err != nil {
		e.log.ErrorContext(ctx, "failed to save emptied cart locally", "user_id", userID, "error", err)
	}
	if sent, err := e.flush(ctx, userID, false); err != nil || !sent {
		e.store.MarkDirty()
	}
	e.notifier.Notify(ctx, notify.Expired(userID, e.now()))
}

func (e *Engine) warnIfExpiring(ctx context.Context, userID string, ts ...*time.Time) {
	latest, ok := domain.Latest(ts...)
	if !ok {
		return
	}
	now := e.now()
	if e.cfg.Policy.InWarningWindow(latest, now) {
		e.notifier.Notify(ctx, notify.ExpiringSoon(userID, latest.Add(e.cfg.Policy.ExpiryAge), now))
	}
}
