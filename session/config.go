package session

import (
	"fmt"
	"time"
)

const (
	// DefaultIdleTimeout locks the session after this much inactivity.
	DefaultIdleTimeout = 15 * time.Minute

	// DefaultAbsoluteTimeout locks the session this long after unlock,
	// regardless of activity.
	DefaultAbsoluteTimeout = 8 * time.Hour

	// DefaultMaxWallets is the number of wallets a session holds at most.
	DefaultMaxWallets = 20

	// DefaultMaxSecretLen is the largest accepted secret in bytes.
	DefaultMaxSecretLen = 4096

	// DefaultStoreRateLimit is the number of stores allowed per wallet
	// in DefaultStoreRateWindow.
	DefaultStoreRateLimit = 5

	// DefaultStoreRateWindow is the rate limit window.
	DefaultStoreRateWindow = time.Minute

	// maxIdleTimeout is the largest idle timeout the metadata encoding
	// can hold.
	maxIdleTimeout = time.Duration(1<<32-1) * time.Millisecond
)

// Config holds the session policy.
//
//nolint:ll
type Config struct {
	IdleTimeout     time.Duration `long:"idletimeout" description:"Lock the session after this much inactivity"`
	AbsoluteTimeout time.Duration `long:"absolutetimeout" description:"Lock the session this long after unlock regardless of activity"`
	MaxWallets      int           `long:"maxwallets" description:"Maximum number of wallets unlocked at once"`
	MaxSecretLen    int           `long:"maxsecretlen" description:"Maximum secret length in bytes"`
	StoreRateLimit  int           `long:"storeratelimit" description:"Number of secret stores allowed per wallet within the rate window"`
	StoreRateWindow time.Duration `long:"storeratewindow" description:"Window of the per wallet store rate limit"`
}

// DefaultConfig returns the default session policy.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:     DefaultIdleTimeout,
		AbsoluteTimeout: DefaultAbsoluteTimeout,
		MaxWallets:      DefaultMaxWallets,
		MaxSecretLen:    DefaultMaxSecretLen,
		StoreRateLimit:  DefaultStoreRateLimit,
		StoreRateWindow: DefaultStoreRateWindow,
	}
}

// Validate checks that every setting is usable.
func (c *Config) Validate() error {
	switch {
	case c.IdleTimeout <= 0 || c.IdleTimeout > maxIdleTimeout:
		return fmt.Errorf("idle timeout %v out of range", c.IdleTimeout)

	case c.AbsoluteTimeout < c.IdleTimeout:
		return fmt.Errorf("absolute timeout %v below idle timeout %v",
			c.AbsoluteTimeout, c.IdleTimeout)

	case c.MaxWallets <= 0:
		return fmt.Errorf("max wallets must be positive")

	case c.MaxSecretLen <= 0:
		return fmt.Errorf("max secret length must be positive")

	case c.StoreRateLimit <= 0 || c.StoreRateWindow <= 0:
		return fmt.Errorf("store rate limit must be positive")
	}

	return nil
}
