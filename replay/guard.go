package replay

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/clock"
)

// DefaultWindow is how long a recorded request blocks identical requests.
const DefaultWindow = 10 * time.Minute

// Status is the outcome of a recorded request.
type Status uint8

const (
	// StatusPending is a request that was signed but whose broadcast has
	// not completed.
	StatusPending Status = iota

	// StatusBroadcast is a request whose transaction was accepted.
	StatusBroadcast

	// StatusFailed is a request whose broadcast failed. Failed requests
	// never block a retry.
	StatusFailed
)

// String returns the name of the status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusBroadcast:
		return "broadcast"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Verdict is the result of a replay check.
type Verdict struct {
	// IsReplay is set if an identical request was recorded recently.
	IsReplay bool

	// Reason explains a replay verdict.
	Reason string
}

// Guard detects signing requests that repeat a recent request from the same
// origin.
type Guard interface {
	// CheckReplayAttempt reports whether the request was already seen.
	CheckReplayAttempt(origin, method string, params []byte) Verdict

	// RecordTransaction remembers the request and the transaction it
	// produced.
	RecordTransaction(txid chainhash.Hash, origin, method string,
		params []byte, status Status)
}

// entry is a recorded request.
type entry struct {
	txid       chainhash.Hash
	status     Status
	recordedAt time.Time
}

// MemGuard is an in memory Guard whose entries decay after a fixed window.
type MemGuard struct {
	window time.Duration
	clock  clock.Clock

	mu      sync.Mutex
	entries map[[sha256.Size]byte]entry
}

// NewMemGuard returns a guard remembering requests for window.
func NewMemGuard(window time.Duration, clk clock.Clock) *MemGuard {
	if window <= 0 {
		window = DefaultWindow
	}

	return &MemGuard{
		window:  window,
		clock:   clk,
		entries: make(map[[sha256.Size]byte]entry),
	}
}

// requestKey commits to the origin, method and params of a request. Each
// field is length prefixed so different splits can't collide.
func requestKey(origin, method string, params []byte) [sha256.Size]byte {
	h := sha256.New()
	for _, field := range [][]byte{[]byte(origin), []byte(method), params} {
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(field)))
		h.Write(l[:])
		h.Write(field)
	}

	var key [sha256.Size]byte
	copy(key[:], h.Sum(nil))

	return key
}

// CheckReplayAttempt implements Guard.
func (g *MemGuard) CheckReplayAttempt(origin, method string,
	params []byte) Verdict {

	g.mu.Lock()
	defer g.mu.Unlock()

	g.decayLocked()

	e, ok := g.entries[requestKey(origin, method, params)]
	if !ok || e.status == StatusFailed {
		return Verdict{}
	}

	log.Warnf("Replay of %s from %s detected (tx %v, %v)", method, origin,
		e.txid, e.status)

	return Verdict{
		IsReplay: true,
		Reason: fmt.Sprintf("identical %s request already %v as %v "+
			"at %v", method, e.status, e.txid,
			e.recordedAt.Format(time.RFC3339)),
	}
}

// RecordTransaction implements Guard.
func (g *MemGuard) RecordTransaction(txid chainhash.Hash, origin,
	method string, params []byte, status Status) {

	g.mu.Lock()
	defer g.mu.Unlock()

	g.decayLocked()

	g.entries[requestKey(origin, method, params)] = entry{
		txid:       txid,
		status:     status,
		recordedAt: g.clock.Now(),
	}

	log.Debugf("Recorded %s from %s as %v (tx %v)", method, origin,
		status, txid)
}

// decayLocked drops entries older than the window.
func (g *MemGuard) decayLocked() {
	now := g.clock.Now()
	for key, e := range g.entries {
		if now.Sub(e.recordedAt) > g.window {
			delete(g.entries, key)
		}
	}
}

// A compile-time assertion to ensure MemGuard implements Guard.
var _ Guard = (*MemGuard)(nil)
