package controller

import (
	"context"
	"io"
)

// Package controller holds the model-specific report decoders and the
// registry that maps USB ids to them. The core package treats decoders
// as opaque: it asks for identity info once after connecting and then
// feeds every input report through Decode. Byte-level layouts live
// here and nowhere else.

type Model int

const (
	ModelUnknown Model = iota
	ModelDS4V1
	ModelDS4V2
	ModelDualSense
	ModelDualSenseEdge
	ModelSenseVR
)

func (m Model) String() string {
	switch m {
	case ModelDS4V1:
		return "DualShock 4 (v1)"
	case ModelDS4V2:
		return "DualShock 4 (v2)"
	case ModelDualSense:
		return "DualSense"
	case ModelDualSenseEdge:
		return "DualSense Edge"
	case ModelSenseVR:
		return "VR Sense controller"
	}
	return "unknown"
}

const VendorSony = 0x054c

const (
	ProductDS4V1         = 0x05c4
	ProductDS4V2         = 0x09cc
	ProductDualSense     = 0x0ce6
	ProductDualSenseEdge = 0x0df2
	ProductSenseVR       = 0x0cde
)

// Device is the narrow view of an opened HID device a decoder needs.
// Concrete devices from the hid package satisfy it.
type Device interface {
	io.ReadWriter
	SendFeatureReport(p []byte) (int, error)
	GetFeatureReport(p []byte) (int, error)
}

type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	}
	return "info"
}

// InfoItem is one display row of the identity query result.
type InfoItem struct {
	Key      string   `json:"key"`
	Value    string   `json:"value"`
	Severity Severity `json:"severity"`
	Category string   `json:"category"`
}

type NvState int

const (
	NvUnknown NvState = iota
	NvLocked
	NvUnlocked
	NvPendingReboot
	NvError
)

func (s NvState) String() string {
	switch s {
	case NvLocked:
		return "locked"
	case NvUnlocked:
		return "unlocked"
	case NvPendingReboot:
		return "pending-reboot"
	case NvError:
		return "error"
	}
	return "unknown"
}

// NvStatus is the lock state of the calibration flash region,
// plus the raw device code for diagnostics.
type NvStatus struct {
	State NvState `json:"state"`
	Raw   uint32  `json:"raw"`
}

// Disable reason bits reported by identity checks.
const (
	DisableClone       = 1 << 0
	DisableOldFirmware = 1 << 1
)

// Info is the outcome of the post-connect identity query.
// Immutable after creation.
type Info struct {
	OK            bool       `json:"ok"`
	Model         Model      `json:"-"`
	Items         []InfoItem `json:"items"`
	Nv            *NvStatus  `json:"nv,omitempty"`
	PendingReboot bool       `json:"pendingReboot,omitempty"`
	DisableBits   uint32     `json:"disableBits,omitempty"`
}

// Stick deflection normalized to [-1, 1] on both axes.
type Stick struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type TouchPoint struct {
	Active bool `json:"active"`
	ID     int  `json:"id"`
	X      int  `json:"x"`
	Y      int  `json:"y"`
}

type BatteryStatus struct {
	Level    int  `json:"level"` // percent, 0-100
	Charging bool `json:"charging"`
}

// State is the absolute decoded input state after a report.
type State struct {
	Left    *Stick        `json:"left,omitempty"`
	Right   *Stick        `json:"right,omitempty"`
	Buttons uint32        `json:"buttons"`
	Touch   []TouchPoint  `json:"touch,omitempty"`
	Battery BatteryStatus `json:"battery"`
}

// Changes marks which parts of State differ from the previous report.
type Changes struct {
	Sticks  bool `json:"sticks"`
	Buttons bool `json:"buttons"`
	Touch   bool `json:"touch"`
	Battery bool `json:"battery"`
}

// Report is one decoded input report: the diff plus the absolute state,
// and an NvStatus when the report happens to carry one inline.
type Report struct {
	Changes Changes   `json:"changes"`
	State   State     `json:"state"`
	Nv      *NvStatus `json:"nv,omitempty"`
}

// Decoder is the per-model report parser.
type Decoder interface {
	Model() Model
	NumSticks() int
	GetInfo(ctx context.Context) (*Info, error)
	Decode(data []byte) (*Report, error)
}

// OutputInitializer is implemented by decoders that need to seed the
// device's output report state right after connecting.
type OutputInitializer interface {
	InitializeOutputState(ctx context.Context) error
}

// NvLocker is implemented by decoders that can lock the calibration
// flash region back after an unlocked state was observed.
type NvLocker interface {
	LockNv(ctx context.Context) error
}

// NvRefresher is implemented by decoders that can re-query the lock
// state on demand.
type NvRefresher interface {
	RefreshNv(ctx context.Context) (*NvStatus, error)
}

type Factory func(dev Device) Decoder

// ModelSpec binds one USB id pair to its decoder.
type ModelSpec struct {
	VendorID  uint16
	ProductID uint16
	Model     Model
	New       Factory
}

var supported = []ModelSpec{
	{VendorSony, ProductDS4V1, ModelDS4V1, func(d Device) Decoder { return newDS4(d, ModelDS4V1) }},
	{VendorSony, ProductDS4V2, ModelDS4V2, func(d Device) Decoder { return newDS4(d, ModelDS4V2) }},
	{VendorSony, ProductDualSense, ModelDualSense, func(d Device) Decoder { return newDualSense(d, ModelDualSense) }},
	{VendorSony, ProductDualSenseEdge, ModelDualSenseEdge, func(d Device) Decoder { return newDualSense(d, ModelDualSenseEdge) }},
	{VendorSony, ProductSenseVR, ModelSenseVR, func(d Device) Decoder { return newSenseVR(d) }},
}

// Supported returns the ordered allow-list of known controller ids.
func Supported() []ModelSpec {
	out := make([]ModelSpec, len(supported))
	copy(out, supported)
	return out
}

// Lookup finds the registry entry for an id pair.
func Lookup(vendorID, productID uint16) (ModelSpec, bool) {
	for _, s := range supported {
		if s.VendorID == vendorID && s.ProductID == productID {
			return s, true
		}
	}
	return ModelSpec{}, false
}

// normByte maps a raw 0-255 axis byte to [-1, 1].
func normByte(b byte) float64 {
	return (float64(b) - 127.5) / 127.5
}
