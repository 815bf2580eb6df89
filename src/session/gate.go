package session

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/square-key-labs/switchboard/src/telephony"
)

// clearRepeat is how many clear commands are issued per ClearDownstream.
// The provider drops buffered audio on the first one; the repeats cover
// lossy delivery during a barge-in.
const clearRepeat = 3

// clearDebounce is the minimum gap between downstream clears.
const clearDebounce = 50 * time.Millisecond

// Gate is the one-bit valve on outbound synthesized audio. Decisions are
// strictly synchronous and local: Send either writes the single frame to the
// telephony stream or drops it.
type Gate struct {
	mu        sync.Mutex
	enabled   bool
	lastClear time.Time
	stream    telephony.MediaStream
	log       *zap.Logger

	now func() time.Time
}

// NewGate creates a closed gate writing to the given uplink.
func NewGate(stream telephony.MediaStream, log *zap.Logger) *Gate {
	return &Gate{
		stream: stream,
		log:    log.Named("gate"),
		now:    time.Now,
	}
}

// Enable opens the gate.
func (g *Gate) Enable() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enabled = true
}

// Disable closes the gate. Frames sent afterwards are dropped.
func (g *Gate) Disable() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enabled = false
}

// IsEnabled reports whether the gate is open.
func (g *Gate) IsEnabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.enabled
}

// Send writes one synthesized frame to the telephony stream. Returns false
// when the frame was dropped (gate closed or uplink gone).
func (g *Gate) Send(mulaw []byte) bool {
	g.mu.Lock()
	enabled := g.enabled
	stream := g.stream
	g.mu.Unlock()

	if !enabled || stream == nil {
		return false
	}
	if err := stream.SendMedia(mulaw); err != nil {
		g.log.Warn("dropped frame", zap.Error(err))
		return false
	}
	return true
}

// ClearDownstream tells the provider to drop its buffered audio. Idempotent
// within the debounce window.
func (g *Gate) ClearDownstream() {
	g.mu.Lock()
	now := g.now()
	if !g.lastClear.IsZero() && now.Sub(g.lastClear) < clearDebounce {
		g.mu.Unlock()
		return
	}
	g.lastClear = now
	stream := g.stream
	g.mu.Unlock()

	if stream == nil {
		return
	}
	for i := 0; i < clearRepeat; i++ {
		if err := stream.SendClear(); err != nil {
			g.log.Warn("clear failed", zap.Error(err))
			return
		}
	}
}

// StopImmediately closes the gate and clears downstream audio.
func (g *Gate) StopImmediately() {
	g.Disable()
	g.ClearDownstream()
}

// SetStream swaps the uplink on reconnection.
func (g *Gate) SetStream(stream telephony.MediaStream) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stream = stream
}

// Stream returns the current uplink.
func (g *Gate) Stream() telephony.MediaStream {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stream
}
