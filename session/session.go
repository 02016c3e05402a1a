package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"golang.org/x/time/rate"
)

// walletIDLen is the length of a hex encoded wallet id.
const walletIDLen = 64

// State is the outcome of Recover.
type State uint8

const (
	// StateLocked means there is no live session.
	StateLocked State = iota

	// StateNeedsReauth means the session is within its timeouts but the
	// secrets are gone, typically after a restart.
	StateNeedsReauth

	// StateValid means the session is live and holds secrets.
	StateValid
)

// String returns the name of the state.
func (s State) String() string {
	switch s {
	case StateLocked:
		return "locked"
	case StateNeedsReauth:
		return "needs_reauth"
	case StateValid:
		return "valid"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// SecretSession keeps unlocked wallet secrets in memory. Secrets are never
// written to the MetadataStore. Every operation is serialized by a single
// mutex.
type SecretSession struct {
	cfg   Config
	clock clock.Clock
	store MetadataStore
	alarm Alarm

	mu       sync.Mutex
	secrets  map[string][]byte
	limiters map[string]*rate.Limiter
	stopped  bool
}

// New creates a session. The alarm is used to purge secrets once the idle
// timeout elapses without activity.
func New(cfg Config, store MetadataStore, alarm Alarm,
	clk clock.Clock) (*SecretSession, error) {

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &SecretSession{
		cfg:      cfg,
		clock:    clk,
		store:    store,
		alarm:    alarm,
		secrets:  make(map[string][]byte),
		limiters: make(map[string]*rate.Limiter),
	}, nil
}

// ValidWalletID reports whether id is 64 lowercase hex characters.
func ValidWalletID(id string) bool {
	if len(id) != walletIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}

	return true
}

// shortID truncates a wallet id for logging.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}

	return id
}

// Store saves secret for walletID, replacing any previous secret. Stores are
// rate limited per wallet, and a new wallet is rejected once the session is
// at capacity.
func (s *SecretSession) Store(walletID, secret string) error {
	if !ValidWalletID(walletID) {
		return ErrInvalidWalletID
	}
	if len(secret) == 0 || len(secret) > s.cfg.MaxSecretLen {
		return fmt.Errorf("%w: length must be between 1 and %d",
			ErrInvalidSecret, s.cfg.MaxSecretLen)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrSessionStopped
	}

	now := s.clock.Now()

	meta, err := s.store.FetchMetadata()
	if err != nil && !errors.Is(err, ErrMetadataNotFound) {
		return fmt.Errorf("unable to fetch session metadata: %w", err)
	}

	// A store into a lapsed session starts a new one. Secrets left over
	// from the lapsed session must not be carried into it.
	fresh := err != nil || len(s.secrets) == 0 || s.expired(meta, now)
	if fresh && len(s.secrets) > 0 {
		log.Infof("Session expired, purging %d secrets before store",
			len(s.secrets))

		s.zeroSecretsLocked()
	}

	_, exists := s.secrets[walletID]
	if !exists && len(s.secrets) >= s.cfg.MaxWallets {
		return &CapacityError{MaxWallets: s.cfg.MaxWallets}
	}

	limiter, ok := s.limiters[walletID]
	if !ok {
		limiter = rate.NewLimiter(
			rate.Every(s.cfg.StoreRateWindow/
				time.Duration(s.cfg.StoreRateLimit)),
			s.cfg.StoreRateLimit,
		)
		s.limiters[walletID] = limiter
	}

	if !limiter.AllowN(now, 1) {
		log.Warnf("Wallet %s hit the secret store rate limit",
			shortID(walletID))

		return &RateLimitError{
			WalletID: shortID(walletID),
			Limit:    s.cfg.StoreRateLimit,
			Window:   s.cfg.StoreRateWindow,
		}
	}

	switch {
	case fresh:
		meta = &Metadata{
			UnlockedAt:  now,
			LastActive:  now,
			IdleTimeout: s.cfg.IdleTimeout,
		}

	case now.After(meta.LastActive):
		meta.LastActive = now
	}

	if err := s.store.PutMetadata(meta); err != nil {
		if !exists {
			delete(s.limiters, walletID)
		}

		return fmt.Errorf("unable to store session metadata: %w", err)
	}

	if old, ok := s.secrets[walletID]; ok {
		clear(old)
	}
	s.secrets[walletID] = []byte(secret)

	s.scheduleLocked(meta.IdleTimeout)

	log.Debugf("Stored secret for wallet %s (%d wallets unlocked)",
		shortID(walletID), len(s.secrets))

	return nil
}

// Get returns the secret of walletID. If the session has exceeded its idle
// or absolute timeout every secret is purged and None is returned. A
// successful read counts as activity.
func (s *SecretSession) Get(walletID string) (fn.Option[string], error) {
	if !ValidWalletID(walletID) {
		return fn.None[string](), nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	secret, ok := s.secrets[walletID]
	if !ok {
		return fn.None[string](), nil
	}

	now := s.clock.Now()
	meta, err := s.store.FetchMetadata()
	switch {
	case errors.Is(err, ErrMetadataNotFound):
		log.Warnf("Secrets held without session metadata, purging")

		return fn.None[string](), s.purgeLocked()

	case err != nil:
		return fn.None[string](), fmt.Errorf("unable to fetch session "+
			"metadata: %w", err)

	case s.expired(meta, now):
		log.Infof("Session expired (unlocked_at=%v, last_active=%v), "+
			"purging %d secrets", meta.UnlockedAt, meta.LastActive,
			len(s.secrets))

		return fn.None[string](), s.purgeLocked()
	}

	if err := s.touchLocked(meta, now); err != nil {
		return fn.None[string](), err
	}

	return fn.Some(string(secret)), nil
}

// Clear zeroes and removes the secret of walletID along with its rate limit
// state. Clearing an unknown wallet does nothing.
func (s *SecretSession) Clear(walletID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clearLocked(walletID)
}

func (s *SecretSession) clearLocked(walletID string) {
	if secret, ok := s.secrets[walletID]; ok {
		clear(secret)
		delete(s.secrets, walletID)

		log.Debugf("Cleared secret for wallet %s", shortID(walletID))
	}
	delete(s.limiters, walletID)
}

// ClearAll zeroes every secret and removes the session metadata.
func (s *SecretSession) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.purgeLocked()
}

// purgeLocked zeroes all secrets, cancels the alarm and deletes the
// metadata.
func (s *SecretSession) purgeLocked() error {
	s.zeroSecretsLocked()
	s.alarm.Cancel()

	if err := s.store.DeleteMetadata(); err != nil {
		return fmt.Errorf("unable to delete session metadata: %w", err)
	}

	return nil
}

// zeroSecretsLocked overwrites and drops every secret along with the rate
// limit state of its wallet.
func (s *SecretSession) zeroSecretsLocked() {
	for id, secret := range s.secrets {
		clear(secret)
		delete(s.secrets, id)
	}
	clear(s.limiters)
}

// Touch records activity now and pushes the idle alarm back by the idle
// timeout. It does nothing when there is no session. An expired session is
// purged rather than extended.
func (s *SecretSession) Touch() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.store.FetchMetadata()
	switch {
	case errors.Is(err, ErrMetadataNotFound):
		return nil

	case err != nil:
		return fmt.Errorf("unable to fetch session metadata: %w", err)
	}

	now := s.clock.Now()
	if s.expired(meta, now) {
		log.Infof("Session expired before activity, purging %d secrets",
			len(s.secrets))

		return s.purgeLocked()
	}

	return s.touchLocked(meta, now)
}

// touchLocked moves LastActive forward to now and reschedules the alarm.
func (s *SecretSession) touchLocked(meta *Metadata, now time.Time) error {
	if now.After(meta.LastActive) {
		meta.LastActive = now
	}
	if err := s.store.PutMetadata(meta); err != nil {
		return fmt.Errorf("unable to store session metadata: %w", err)
	}

	s.scheduleLocked(meta.IdleTimeout)

	return nil
}

// Recover inspects the persisted metadata after a restart. Expired metadata
// is deleted.
func (s *SecretSession) Recover() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.store.FetchMetadata()
	switch {
	case errors.Is(err, ErrMetadataNotFound):
		return StateLocked, nil

	case err != nil:
		return StateLocked, fmt.Errorf("unable to fetch session "+
			"metadata: %w", err)

	case s.expired(meta, s.clock.Now()):
		log.Infof("Recovered session expired, locking")

		return StateLocked, s.purgeLocked()

	case len(s.secrets) == 0:
		return StateNeedsReauth, nil
	}

	// The remaining idle time may be shorter than a full timeout.
	remaining := meta.LastActive.Add(meta.IdleTimeout).Sub(s.clock.Now())
	s.scheduleLocked(remaining)

	return StateValid, nil
}

// Stop zeroes every secret and stops the alarm. The persisted metadata is
// kept so a restart can report NeedsReauth. The session can't be used
// afterwards.
func (s *SecretSession) Stop() {
	s.mu.Lock()
	s.zeroSecretsLocked()
	s.stopped = true
	s.mu.Unlock()

	// The alarm callback takes the session lock, so it must not be held
	// while waiting for it.
	s.alarm.Stop()
}

// NumWallets returns the number of wallets holding a secret.
func (s *SecretSession) NumWallets() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.secrets)
}

// expired reports whether meta is past either timeout at now.
func (s *SecretSession) expired(meta *Metadata, now time.Time) bool {
	return meta.IdleExpired(now) ||
		meta.AbsoluteExpired(now, s.cfg.AbsoluteTimeout)
}

// scheduleLocked arms the idle alarm to fire after d.
func (s *SecretSession) scheduleLocked(d time.Duration) {
	s.alarm.Schedule(d, s.onIdleAlarm)
}

// onIdleAlarm purges the session if it is expired once the alarm fires.
// Activity since scheduling may have pushed expiry out, in which case the
// alarm is armed again.
func (s *SecretSession) onIdleAlarm() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped || len(s.secrets) == 0 {
		return
	}

	meta, err := s.store.FetchMetadata()
	if err != nil && !errors.Is(err, ErrMetadataNotFound) {
		log.Errorf("Unable to fetch session metadata: %v", err)
		return
	}

	now := s.clock.Now()
	if err == nil && !s.expired(meta, now) {
		remaining := meta.LastActive.Add(meta.IdleTimeout).Sub(now)
		if remaining > 0 {
			s.scheduleLocked(remaining)
			return
		}
	}

	log.Infof("Session idle timeout reached, purging %d secrets",
		len(s.secrets))

	if err := s.purgeLocked(); err != nil {
		log.Errorf("Unable to purge session: %v", err)
	}
}
