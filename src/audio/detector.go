package audio

import (
	"time"
)

// ActivityDetector flags inbound mu-law frames that carry voice energy. It is
// a defense-in-depth barge-in path; the authoritative path is a transcript
// arriving while the agent is speaking, so the detector stays deliberately
// crude: no DSP beyond per-byte deviation from the mu-law zero level.
type ActivityDetector struct {
	deviation   int
	activeRatio float64
	debounce    time.Duration

	lastDetection time.Time
	detections    uint64

	now func() time.Time
}

// ActivityDetectorParams tunes the detector. Zero values select the defaults
// used on the telephony path.
type ActivityDetectorParams struct {
	Deviation   int           // per-byte deviation from silence (default 3)
	ActiveRatio float64       // fraction of active bytes per frame (default 0.05)
	Debounce    time.Duration // minimum gap between detections (default 100ms)
}

// NewActivityDetector creates a detector with the given parameters.
func NewActivityDetector(params *ActivityDetectorParams) *ActivityDetector {
	if params == nil {
		params = &ActivityDetectorParams{}
	}
	d := &ActivityDetector{
		deviation:   params.Deviation,
		activeRatio: params.ActiveRatio,
		debounce:    params.Debounce,
		now:         time.Now,
	}
	if d.deviation == 0 {
		d.deviation = 3
	}
	if d.activeRatio == 0 {
		d.activeRatio = 0.05
	}
	if d.debounce == 0 {
		d.debounce = 100 * time.Millisecond
	}
	return d
}

// FrameActive reports whether a single mu-law frame carries voice energy.
// Pure over the frame: no detector state is touched.
func (d *ActivityDetector) FrameActive(frame []byte) bool {
	if len(frame) == 0 {
		return false
	}
	active := 0
	for _, b := range frame {
		// measure against the nearer of the two zero codes
		dev := int(b) - MulawSilence
		if dev < 0 {
			dev = -dev
		}
		neg := int(b) - MulawSilenceNeg
		if neg < 0 {
			neg = -neg
		}
		if neg < dev {
			dev = neg
		}
		if dev > d.deviation {
			active++
		}
	}
	return float64(active)/float64(len(frame)) > d.activeRatio
}

// ShouldInterrupt reports whether this frame should trigger a barge-in.
// Returns true only for an active frame at least one debounce window after
// the previous positive detection.
func (d *ActivityDetector) ShouldInterrupt(frame []byte) bool {
	if !d.FrameActive(frame) {
		return false
	}
	now := d.now()
	if !d.lastDetection.IsZero() && now.Sub(d.lastDetection) < d.debounce {
		return false
	}
	d.lastDetection = now
	d.detections++
	return true
}

// Detections returns the number of positive detections so far.
func (d *ActivityDetector) Detections() uint64 {
	return d.detections
}
