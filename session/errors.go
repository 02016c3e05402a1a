package session

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidWalletID is returned when a wallet id is not 64 lowercase
	// hex characters.
	ErrInvalidWalletID = errors.New("wallet id must be 64 lowercase hex " +
		"characters")

	// ErrInvalidSecret is returned when a secret is empty or too long.
	ErrInvalidSecret = errors.New("invalid secret")

	// ErrMetadataNotFound is returned by a MetadataStore that holds no
	// session metadata.
	ErrMetadataNotFound = errors.New("session metadata not found")

	// ErrSessionStopped is returned after Stop has been called.
	ErrSessionStopped = errors.New("session stopped")
)

// RateLimitError is returned when a wallet stores secrets faster than
// allowed.
type RateLimitError struct {
	// WalletID is the truncated id of the offending wallet.
	WalletID string

	// Limit is the number of stores allowed per Window.
	Limit int

	// Window is the rate limit window.
	Window time.Duration
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("wallet %s exceeded %d secret stores per %v",
		e.WalletID, e.Limit, e.Window)
}

// CapacityError is returned when storing a secret for a new wallet while the
// session already holds the maximum number of wallets.
type CapacityError struct {
	// MaxWallets is the configured capacity.
	MaxWallets int
}

// Error implements the error interface.
func (e *CapacityError) Error() string {
	return fmt.Sprintf("session already holds the maximum of %d wallets",
		e.MaxWallets)
}
