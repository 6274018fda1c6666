package stacks

import (
	"context"
	"encoding/binary"
	"log/slog"
	"math/rand"
	"net/netip"
	"time"

	"github.com/pkg/errors"
)

// LevelTrace is below slog.LevelDebug and gates per-segment logging.
const LevelTrace = slog.LevelDebug - 2

// StackConfig parameterizes a stack instance. Zero values get sensible
// defaults from newNetRuntime.
type StackConfig struct {
	// MAC is the hardware address of the stack's single interface.
	MAC [6]byte
	// Addr is the interface's IPv4 address.
	Addr netip.Addr
	// MTU bounds outgoing frame size. Defaults to 1500.
	MTU int
	// Logger receives stack diagnostics. Nil disables logging.
	Logger *slog.Logger
	// RandSeed drives port shuffling and the ISN secret. A fixed seed
	// makes the stack's behavior reproducible tick for tick.
	RandSeed int64
	// RTO is the initial retransmission timeout. Defaults to 1s.
	RTO time.Duration
	// MaxRetransmits bounds retransmission attempts per segment.
	// Defaults to 5.
	MaxRetransmits int
	// TimeWaitDuration is how long a connection lingers in TimeWait
	// before its resources are reclaimed. Defaults to 30s.
	TimeWaitDuration time.Duration
	// MaxSockets bounds the descriptor table. Defaults to 128.
	MaxSockets int
	// ARPQueryInterval spaces retries of unanswered ARP requests.
	// Defaults to 1s.
	ARPQueryInterval time.Duration
	// ARPQueryRetries bounds ARP request attempts. Defaults to 3.
	ARPQueryRetries int
}

func (cfg *StackConfig) setDefaults() {
	if cfg.MTU == 0 {
		cfg.MTU = 1500
	}
	if cfg.RTO == 0 {
		cfg.RTO = time.Second
	}
	if cfg.MaxRetransmits == 0 {
		cfg.MaxRetransmits = 5
	}
	if cfg.TimeWaitDuration == 0 {
		cfg.TimeWaitDuration = 30 * time.Second
	}
	if cfg.MaxSockets == 0 {
		cfg.MaxSockets = 128
	}
	if cfg.ARPQueryInterval == 0 {
		cfg.ARPQueryInterval = time.Second
	}
	if cfg.ARPQueryRetries == 0 {
		cfg.ARPQueryRetries = 3
	}
}

// netRuntime is the state shared by every protocol layer of one stack
// instance: configuration, the logical clock, the event queue, the seeded
// randomness source and the outbound datagram ID counter.
type netRuntime struct {
	cfg    StackConfig
	logger *slog.Logger
	now    time.Time
	queue  eventQueue
	rng    *rand.Rand
	ipID   uint16
}

func newNetRuntime(cfg StackConfig, now time.Time) (*netRuntime, error) {
	cfg.setDefaults()
	if !cfg.Addr.Is4() {
		return nil, errors.New("stack address must be IPv4")
	}
	if cfg.MAC == [6]byte{} {
		return nil, errors.New("stack MAC must be set")
	}
	return &netRuntime{
		cfg:    cfg,
		logger: cfg.Logger,
		now:    now,
		rng:    rand.New(rand.NewSource(cfg.RandSeed)),
	}, nil
}

// nextIPID returns a fresh IPv4 identification value.
func (rt *netRuntime) nextIPID() uint16 {
	rt.ipID++
	return rt.ipID
}

// isnSecret derives the ISN hashing secret from the seeded source so ISNs
// are reproducible for a fixed seed.
func (rt *netRuntime) isnSecret() (secret [16]byte) {
	binary.LittleEndian.PutUint64(secret[:8], rt.rng.Uint64())
	binary.LittleEndian.PutUint64(secret[8:], rt.rng.Uint64())
	return secret
}

func (rt *netRuntime) logAt(level slog.Level, msg string, attrs ...slog.Attr) {
	if rt.logger != nil && rt.logger.Handler().Enabled(context.Background(), level) {
		rt.logger.LogAttrs(context.Background(), level, msg, attrs...)
	}
}

func (rt *netRuntime) trace(msg string, attrs ...slog.Attr) { rt.logAt(LevelTrace, msg, attrs...) }
func (rt *netRuntime) debug(msg string, attrs ...slog.Attr) { rt.logAt(slog.LevelDebug, msg, attrs...) }
func (rt *netRuntime) info(msg string, attrs ...slog.Attr)  { rt.logAt(slog.LevelInfo, msg, attrs...) }
func (rt *netRuntime) error(msg string, attrs ...slog.Attr) { rt.logAt(slog.LevelError, msg, attrs...) }
