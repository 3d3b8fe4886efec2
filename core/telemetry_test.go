package core

import (
	"testing"

	"github.com/dualshock-tools/calibd-go/controller"
)

func TestHistogramMaxHold(t *testing.T) {
	h := NewCircularityHistogram(48)

	// quarter sweep at half deflection
	h.Observe(0.5, 0)
	h.Observe(0, 0.5)
	h.Observe(-0.5, 0)
	h.Observe(0, -0.5)
	// then a better radius on the first angle only
	h.Observe(0.9, 0)
	// and a worse one, which must not shrink the bucket
	h.Observe(0.2, 0)

	b := h.Buckets()
	if len(b) != 48 {
		t.Fatalf("bucket count = %d", len(b))
	}
	want := map[int]float64{0: 0.9, 12: 0.5, 24: 0.5, 36: 0.5}
	for i, v := range b {
		if v != want[i] {
			t.Errorf("bucket %d = %v, want %v", i, v, want[i])
		}
	}
}

func TestHistogramReset(t *testing.T) {
	h := NewCircularityHistogram(8)
	h.Observe(1, 0)
	h.Observe(0, 1)
	h.Reset()
	for i, v := range h.Buckets() {
		if v != 0 {
			t.Errorf("bucket %d = %v after reset", i, v)
		}
	}
}

func TestHistogramBucketsIsACopy(t *testing.T) {
	h := NewCircularityHistogram(8)
	h.Observe(1, 0)
	b := h.Buckets()
	b[0] = 42
	if got := h.Buckets()[0]; got != 1 {
		t.Errorf("internal bucket changed to %v through the copy", got)
	}
}

func TestCornerPinned(t *testing.T) {
	tests := []struct {
		s    *controller.Stick
		want bool
	}{
		{nil, false},
		{&controller.Stick{X: 1, Y: 1}, true},
		{&controller.Stick{X: -1, Y: -1}, true},
		{&controller.Stick{X: 1, Y: -1}, true},
		{&controller.Stick{X: 1, Y: 0}, false},
		{&controller.Stick{X: 0, Y: 1}, false},
		{&controller.Stick{X: 0.999, Y: 1}, false},
		{&controller.Stick{X: 0, Y: 0}, false},
	}
	for _, tc := range tests {
		if got := cornerPinned(tc.s); got != tc.want {
			t.Errorf("cornerPinned(%+v) = %v, want %v", tc.s, got, tc.want)
		}
	}
}
