package core

import (
	"math"

	"github.com/dualshock-tools/calibd-go/controller"
)

// DefaultHistogramBuckets is the angular resolution of the circularity
// test: 48 buckets is 7.5 degrees per bucket, matching the page's
// rendering resolution.
const DefaultHistogramBuckets = 48

// CircularityHistogram accumulates the best radius observed per angle
// bucket while the user sweeps a stick through its full range. Buckets
// only grow (max-hold); the whole histogram is reset when the user
// switches display mode or starts a new calibration pass.
type CircularityHistogram struct {
	buckets []float64
}

func NewCircularityHistogram(n int) *CircularityHistogram {
	if n <= 0 {
		n = DefaultHistogramBuckets
	}
	return &CircularityHistogram{buckets: make([]float64, n)}
}

// Observe records one stick deflection in normalized [-1,1] space.
func (h *CircularityHistogram) Observe(x, y float64) {
	r := math.Hypot(x, y)
	n := len(h.buckets)
	idx := int(math.Round(math.Atan2(y, x) * float64(n) / (2 * math.Pi)))
	idx = ((idx % n) + n) % n
	if r > h.buckets[idx] {
		h.buckets[idx] = r
	}
}

func (h *CircularityHistogram) Reset() {
	for i := range h.buckets {
		h.buckets[i] = 0
	}
}

// Buckets returns a copy of the accumulated radii.
func (h *CircularityHistogram) Buckets() []float64 {
	out := make([]float64, len(h.buckets))
	copy(out, h.buckets)
	return out
}

// cornerPinned reports a stick stuck at both axis extremes at once,
// which a working controller cannot physically produce; it means the
// factory calibration data is corrupt. Exact equality is intended:
// a pinned axis reads raw 0 or 255, which normalizes to exactly -1
// or 1, while real deflections land strictly inside.
func cornerPinned(s *controller.Stick) bool {
	if s == nil {
		return false
	}
	return math.Abs(s.X)+math.Abs(s.Y) == 2
}
