// Package credit implements the credit ledger: estimate, reserve, settle
// and release around synthesis jobs, an append-only movement log, and the
// overdraft gate. Per-user state is serialized by a per-user mutex and
// persisted through the document store's compare-and-set.
package credit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cantoria/cantoria/internal/fault"
	"github.com/cantoria/cantoria/internal/store"
)

// SecondsPerCredit is the billing granularity: one credit buys 30 seconds
// of rendered audio, rounded up.
const SecondsPerCredit = 30

// DefaultReservationTTL bounds how long a pending reservation may live
// before the reaper releases it.
const DefaultReservationTTL = time.Hour

// reapInterval is the reservation reaper period.
const reapInterval = time.Minute

// casAttempts bounds the CAS retry loop against external writers.
const casAttempts = 3

// CreditsFor converts rendered seconds to credits: ceil(seconds / 30).
func CreditsFor(seconds float64) int {
	if seconds <= 0 {
		return 0
	}
	return int(math.Ceil(seconds / SecondsPerCredit))
}

// Account is the durable per-user credit record.
type Account struct {
	Balance     int       `json:"balance"`
	Reserved    int       `json:"reserved"`
	Overdrafted bool      `json:"overdrafted"`
	ExpiresAt   time.Time `json:"expires_at,omitzero"`
}

// Available is the balance not held by pending reservations.
func (a Account) Available() int {
	return a.Balance - a.Reserved
}

// EntryKind tags one ledger movement.
type EntryKind string

const (
	EntryGrant        EntryKind = "grant"
	EntryReserve      EntryKind = "reserve"
	EntryRelease      EntryKind = "release"
	EntrySettle       EntryKind = "settle"
	EntrySubscription EntryKind = "subscription"
)

// IsValid reports whether k is a recognised entry kind.
func (k EntryKind) IsValid() bool {
	switch k {
	case EntryGrant, EntryReserve, EntryRelease, EntrySettle, EntrySubscription:
		return true
	}
	return false
}

// Entry is one append-only ledger record.
type Entry struct {
	UserID  string    `json:"user_id"`
	JobID   string    `json:"job_id,omitempty"`
	Kind    EntryKind `json:"kind"`
	Delta   int       `json:"delta"`
	Balance int       `json:"balance"`
	At      time.Time `json:"at"`
}

// ReservationState tracks a reservation's lifecycle.
type ReservationState string

const (
	ReservationPending  ReservationState = "pending"
	ReservationSettled  ReservationState = "settled"
	ReservationReleased ReservationState = "released"
)

// Reservation holds estimated credits for one job. Its id is the job id.
type Reservation struct {
	ID        string
	UserID    string
	Credits   int
	State     ReservationState
	CreatedAt time.Time
	ExpiresAt time.Time
}

// EstimateResult is the pure estimate computation.
type EstimateResult struct {
	EstimatedSeconds float64
	EstimatedCredits int
	Balance          int
	Available        int
	Projected        int
}

// SettleResult reports the outcome of a settle.
type SettleResult struct {
	ActualCredits int
	Balance       int
	Overdrafted   bool
}

// Ledger owns reservations and the per-user credit accounts.
type Ledger struct {
	docs   store.DocStore
	ttl    time.Duration
	logger *slog.Logger
	clock  func() time.Time

	mu           sync.Mutex
	users        map[string]*sync.Mutex
	reservations map[string]*Reservation

	stop     chan struct{}
	stopOnce sync.Once
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithReservationTTL overrides the reservation expiry window.
func WithReservationTTL(ttl time.Duration) LedgerOption {
	return func(l *Ledger) { l.ttl = ttl }
}

// WithClock substitutes the time source.
func WithClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) { l.clock = now }
}

// NewLedger creates a Ledger over docs and starts the reservation reaper.
func NewLedger(docs store.DocStore, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		docs:         docs,
		ttl:          DefaultReservationTTL,
		logger:       slog.Default().With("component", "creditledger"),
		clock:        time.Now,
		users:        make(map[string]*sync.Mutex),
		reservations: make(map[string]*Reservation),
		stop:         make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	go l.reap()
	return l
}

// Close stops the reaper.
func (l *Ledger) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// userLock returns the mutex serializing userID's account.
func (l *Ledger) userLock(userID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	mu, ok := l.users[userID]
	if !ok {
		mu = &sync.Mutex{}
		l.users[userID] = mu
	}
	return mu
}

func userKey(userID string) string {
	return "credits/user/" + userID
}

// loadAccount reads the account; a missing record is the zero account at
// revision 0.
func (l *Ledger) loadAccount(ctx context.Context, userID string) (Account, int64, error) {
	doc, err := l.docs.Get(ctx, userKey(userID))
	if errors.Is(err, store.ErrNotFound) {
		return Account{}, 0, nil
	}
	if err != nil {
		return Account{}, 0, fmt.Errorf("credit: load account %s: %w", userID, err)
	}
	var acct Account
	if err := json.Unmarshal(doc.Value, &acct); err != nil {
		return Account{}, 0, fmt.Errorf("credit: decode account %s: %w", userID, err)
	}
	return acct, doc.Revision, nil
}

// saveAccount writes the account with CAS at the given revision.
func (l *Ledger) saveAccount(ctx context.Context, userID string, acct Account, revision int64) error {
	raw, err := json.Marshal(acct)
	if err != nil {
		return fmt.Errorf("credit: encode account %s: %w", userID, err)
	}
	if err := l.docs.CAS(ctx, userKey(userID), raw, revision); err != nil {
		return fmt.Errorf("credit: save account %s: %w", userID, err)
	}
	return nil
}

// update applies fn to the account under CAS, retrying a bounded number of
// times on conflicts from external writers. Callers hold the user mutex.
func (l *Ledger) update(ctx context.Context, userID string, fn func(*Account) error) (Account, error) {
	var lastErr error
	for attempt := 0; attempt < casAttempts; attempt++ {
		acct, revision, err := l.loadAccount(ctx, userID)
		if err != nil {
			return Account{}, err
		}
		if err := fn(&acct); err != nil {
			return Account{}, err
		}
		err = l.saveAccount(ctx, userID, acct, revision)
		if err == nil {
			return acct, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return Account{}, err
		}
		lastErr = err
	}
	return Account{}, fault.Wrap(fault.Internal, lastErr, "credit state contention")
}

// appendEntry writes one ledger record. Failures are logged, not fatal:
// the account is already updated and the log is diagnostic.
func (l *Ledger) appendEntry(ctx context.Context, e Entry) {
	raw, err := json.Marshal(e)
	if err == nil {
		key := fmt.Sprintf("credits/ledger/%s/%s", e.UserID, uuid.NewString())
		err = l.docs.Put(ctx, key, raw)
	}
	if err != nil {
		l.logger.Warn("ledger append failed", "user_id", e.UserID, "kind", e.Kind, "err", err)
	}
}

// Estimate computes the credit cost of estimatedSeconds against the user's
// current balance. Pure: no state change.
func (l *Ledger) Estimate(ctx context.Context, userID string, estimatedSeconds float64) (EstimateResult, error) {
	acct, _, err := l.loadAccount(ctx, userID)
	if err != nil {
		return EstimateResult{}, err
	}
	credits := CreditsFor(estimatedSeconds)
	return EstimateResult{
		EstimatedSeconds: estimatedSeconds,
		EstimatedCredits: credits,
		Balance:          acct.Balance,
		Available:        acct.Available(),
		Projected:        acct.Available() - credits,
	}, nil
}

// Reserve holds estimatedCredits for jobID. Rejects with locked while the
// account is overdrafted and with insufficient_credits when the available
// balance cannot cover the estimate. The reservation id is the job id.
func (l *Ledger) Reserve(ctx context.Context, userID, jobID string, estimatedCredits int) (string, error) {
	if estimatedCredits <= 0 {
		return "", fault.New(fault.InvalidInput, "estimated credits must be positive")
	}
	mu := l.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	l.mu.Lock()
	if res, ok := l.reservations[jobID]; ok && res.State == ReservationPending {
		l.mu.Unlock()
		return "", fault.Newf(fault.Internal, "job %s already has a pending reservation", jobID)
	}
	l.mu.Unlock()

	acct, err := l.update(ctx, userID, func(a *Account) error {
		if a.Overdrafted {
			return fault.New(fault.Locked, "account is overdrafted")
		}
		if a.Available() < estimatedCredits {
			return fault.Newf(fault.InsufficientCredits,
				"need %d credits, %d available", estimatedCredits, a.Available())
		}
		a.Reserved += estimatedCredits
		return nil
	})
	if err != nil {
		return "", err
	}

	now := l.clock()
	l.mu.Lock()
	l.reservations[jobID] = &Reservation{
		ID:        jobID,
		UserID:    userID,
		Credits:   estimatedCredits,
		State:     ReservationPending,
		CreatedAt: now,
		ExpiresAt: now.Add(l.ttl),
	}
	l.mu.Unlock()

	l.appendEntry(ctx, Entry{
		UserID: userID, JobID: jobID, Kind: EntryReserve,
		Delta: -estimatedCredits, Balance: acct.Balance, At: now,
	})
	l.logger.Info("credits reserved", "user_id", userID, "job_id", jobID, "credits", estimatedCredits)
	return jobID, nil
}

// Settle charges the actual rendered duration against a pending
// reservation: the hold is dropped, the balance debited by
// ceil(actualSeconds/30), and the overdraft flag recomputed.
func (l *Ledger) Settle(ctx context.Context, userID, jobID string, actualSeconds float64) (SettleResult, error) {
	mu := l.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	l.mu.Lock()
	res, ok := l.reservations[jobID]
	if !ok || res.State != ReservationPending {
		l.mu.Unlock()
		return SettleResult{}, fault.Newf(fault.Internal, "no pending reservation for job %s", jobID)
	}
	held := res.Credits
	l.mu.Unlock()

	actual := CreditsFor(actualSeconds)
	acct, err := l.update(ctx, userID, func(a *Account) error {
		a.Reserved = max(a.Reserved-held, 0)
		a.Balance -= actual
		a.Overdrafted = a.Balance < 0
		return nil
	})
	if err != nil {
		return SettleResult{}, err
	}

	l.mu.Lock()
	res.State = ReservationSettled
	l.mu.Unlock()

	l.appendEntry(ctx, Entry{
		UserID: userID, JobID: jobID, Kind: EntrySettle,
		Delta: -actual, Balance: acct.Balance, At: l.clock(),
	})
	l.logger.Info("credits settled", "user_id", userID, "job_id", jobID,
		"actual_credits", actual, "balance", acct.Balance, "overdrafted", acct.Overdrafted)
	return SettleResult{ActualCredits: actual, Balance: acct.Balance, Overdrafted: acct.Overdrafted}, nil
}

// Release drops a pending reservation, restoring the held credits.
// Idempotent: releasing an unknown or already-released reservation is a
// no-op.
func (l *Ledger) Release(ctx context.Context, userID, jobID string) error {
	mu := l.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	l.mu.Lock()
	res, ok := l.reservations[jobID]
	if !ok || res.State == ReservationReleased {
		l.mu.Unlock()
		return nil
	}
	if res.State == ReservationSettled {
		l.mu.Unlock()
		return fault.Newf(fault.Internal, "reservation %s already settled", jobID)
	}
	held := res.Credits
	l.mu.Unlock()

	acct, err := l.update(ctx, userID, func(a *Account) error {
		a.Reserved = max(a.Reserved-held, 0)
		return nil
	})
	if err != nil {
		return err
	}

	l.mu.Lock()
	res.State = ReservationReleased
	l.mu.Unlock()

	l.appendEntry(ctx, Entry{
		UserID: userID, JobID: jobID, Kind: EntryRelease,
		Delta: held, Balance: acct.Balance, At: l.clock(),
	})
	l.logger.Info("reservation released", "user_id", userID, "job_id", jobID, "credits", held)
	return nil
}

// Grant credits a user's balance (kind grant or subscription). A grant
// that brings the balance non-negative clears the overdraft gate.
// expiresAt, when non-zero, replaces the balance expiry.
func (l *Ledger) Grant(ctx context.Context, userID string, credits int, kind EntryKind, expiresAt time.Time) error {
	if credits <= 0 {
		return fault.New(fault.InvalidInput, "grant must be positive")
	}
	if kind != EntryGrant && kind != EntrySubscription {
		return fault.Newf(fault.InvalidInput, "invalid grant kind %q", kind)
	}
	mu := l.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	acct, err := l.update(ctx, userID, func(a *Account) error {
		a.Balance += credits
		if a.Balance >= 0 {
			a.Overdrafted = false
		}
		if !expiresAt.IsZero() {
			a.ExpiresAt = expiresAt
		}
		return nil
	})
	if err != nil {
		return err
	}

	l.appendEntry(ctx, Entry{
		UserID: userID, Kind: kind, Delta: credits, Balance: acct.Balance, At: l.clock(),
	})
	return nil
}

// AccountFor returns the user's current account.
func (l *Ledger) AccountFor(ctx context.Context, userID string) (Account, error) {
	acct, _, err := l.loadAccount(ctx, userID)
	return acct, err
}

// ReservationFor returns a copy of the job's reservation.
func (l *Ledger) ReservationFor(jobID string) (Reservation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	res, ok := l.reservations[jobID]
	if !ok {
		return Reservation{}, false
	}
	return *res, true
}

// reap releases pending reservations past their expiry every minute.
func (l *Ledger) reap() {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.reapExpired()
		case <-l.stop:
			return
		}
	}
}

// reapExpired is one reaper pass.
func (l *Ledger) reapExpired() {
	now := l.clock()

	l.mu.Lock()
	var expired []*Reservation
	for _, res := range l.reservations {
		if res.State == ReservationPending && now.After(res.ExpiresAt) {
			expired = append(expired, res)
		}
	}
	l.mu.Unlock()

	for _, res := range expired {
		if err := l.Release(context.Background(), res.UserID, res.ID); err != nil {
			l.logger.Warn("reaper release failed", "job_id", res.ID, "err", err)
		} else {
			l.logger.Info("expired reservation reaped", "job_id", res.ID, "user_id", res.UserID)
		}
	}
}
