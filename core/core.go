package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/dualshock-tools/calibd-go/controller"
	"github.com/dualshock-tools/calibd-go/memorywriter"
)

// Package with the core logic: turning a raw set of HID devices into
// one validated, streaming controller session, and deriving the state
// the calibration page renders from the report stream.
//
// The hid package is not imported here - it wraps hidapi through cgo,
// which is slow to build and impossible to fake in tests; the core
// works against the Bus/Device interfaces below and the hid package
// implements them.

type Bus interface {
	Enumerate() ([]Info, error)
	Connect(path string) (Device, error)
	// Close force-closes a handle left open by a previous page load
	// or crashed run, without connecting to it first.
	Close(path string) error
	Has(path string) bool
}

type Collection struct {
	UsagePage uint16 `json:"usagePage"`
	Usage     uint16 `json:"usage"`
}

type Info struct {
	Path        string
	VendorID    uint16
	ProductID   uint16
	Opened      bool // handle already held open somewhere
	Collections []Collection
}

type Device interface {
	io.ReadWriter
	SendFeatureReport(p []byte) (int, error)
	GetFeatureReport(p []byte) (int, error)
	Close(disconnected bool) error
}

// Phase of the connection handshake, visible on /state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseOpening
	PhaseTransportCheck
	PhaseIdentifying
	PhaseConfiguringUI
	PhaseStreaming
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseOpening:
		return "opening"
	case PhaseTransportCheck:
		return "transport-check"
	case PhaseIdentifying:
		return "identifying"
	case PhaseConfiguringUI:
		return "configuring-ui"
	case PhaseStreaming:
		return "streaming"
	case PhaseFailed:
		return "failed"
	}
	return "unknown"
}

var (
	ErrNoDevice       = errors.New("no supported controller found")
	ErrTooManyDevices = errors.New("connect only one controller")
	ErrInvalidDevice  = errors.New("connected invalid device")
	ErrPendingReboot  = errors.New("the controller is waiting for a reboot, disconnect and reconnect it")
	ErrNotConnected   = errors.New("no controller connected")

	// the attempt was overtaken by a disconnect or another attempt;
	// whoever bumped the generation already did the teardown
	errSuperseded = errors.New("handshake superseded")
)

const defaultSettleDelay = 500 * time.Millisecond

// session owns the device handle and the decoder exclusively, plus all
// per-session derived state. A non-nil decoder implies an opened
// device; both are dropped together on teardown.
type session struct {
	info Info
	dev  Device
	dec  controller.Decoder

	uiConfig controller.UIConfig
	ctrlInfo *controller.Info

	lastReport  *controller.Report
	circ        []*CircularityHistogram
	calibWarned bool
	nv          *controller.NvStatus
	disableMask uint32
}

type Core struct {
	bus Bus
	log *memorywriter.MemoryWriter

	buckets     int
	settleDelay time.Duration

	mutex sync.Mutex
	// gen is bumped on every teardown; every suspension point of a
	// handshake and every report callback re-checks it before touching
	// shared state
	gen           int
	phase         Phase
	failure       error
	attemptCancel context.CancelFunc
	pending       Device // opened but not yet committed to a session
	sess          *session
	modalOpen     bool

	events *eventLog
}

func New(bus Bus, log *memorywriter.MemoryWriter, buckets int) *Core {
	if buckets <= 0 {
		buckets = DefaultHistogramBuckets
	}
	return &Core{
		bus:         bus,
		log:         log,
		buckets:     buckets,
		settleDelay: defaultSettleDelay,
		phase:       PhaseIdle,
		events:      newEventLog(256),
	}
}

func (c *Core) Log(s string) {
	c.log.Log(s)
}

// Connect runs the handshake. With manual set, the call comes from a
// user gesture and failures are surfaced; the automatic path stays
// silent when there is simply nothing to connect. A second Connect
// while a session is active or an attempt is in flight is ignored.
func (c *Core) Connect(ctx context.Context, manual bool) error {
	c.mutex.Lock()
	if c.sess != nil || c.attemptCancel != nil {
		c.mutex.Unlock()
		c.Log("connect - session already active, ignoring")
		return nil
	}
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(ctx)
	c.attemptCancel = cancel
	c.phase = PhaseOpening
	c.failure = nil
	c.mutex.Unlock()

	// double cancel is harmless; this releases the context on the
	// success path, where the commit already detached it
	defer cancel()

	err := c.handshake(ctx, gen, manual)
	if err == nil {
		return nil
	}
	if errors.Is(err, errSuperseded) {
		// teardown already done by whoever bumped the generation
		return nil
	}
	silent := !manual && errors.Is(err, ErrNoDevice)
	c.failHandshake(gen, err, silent)
	if silent {
		return nil
	}
	return err
}

func (c *Core) handshake(ctx context.Context, gen int, manual bool) error {
	c.Log("handshake - enumerating")
	infos, err := c.bus.Enumerate()
	if err != nil {
		return err
	}
	if err := c.checkAttempt(gen); err != nil {
		return err
	}

	candidates := Match(infos, manual)
	if len(candidates) == 0 {
		return ErrNoDevice
	}
	if len(candidates) > 1 {
		return ErrTooManyDevices
	}
	target := candidates[0]
	c.Log(fmt.Sprintf("handshake - target %04x:%04x at %s", target.VendorID, target.ProductID, target.Path))

	if target.Opened {
		// stale handle from a previous page load; close, settle, reopen
		c.Log("handshake - target already open, recycling handle")
		if err := c.bus.Close(target.Path); err != nil {
			return fmt.Errorf("closing stale handle of %04x:%04x: %w", target.VendorID, target.ProductID, err)
		}
		if err := sleepCtx(ctx, c.settleDelay); err != nil {
			return err
		}
		if err := c.checkAttempt(gen); err != nil {
			return err
		}
	}

	dev, err := c.bus.Connect(target.Path)
	if err != nil {
		return fmt.Errorf("opening device %04x:%04x: %w", target.VendorID, target.ProductID, err)
	}

	c.mutex.Lock()
	if c.gen != gen {
		c.mutex.Unlock()
		dev.Close(false)
		return errSuperseded
	}
	// from here on teardown owns the handle
	c.pending = dev
	c.phase = PhaseTransportCheck
	c.mutex.Unlock()

	// the pump serves the transport check first and the streaming
	// session afterwards; a closing device unblocks its Read
	first := make(chan firstReport, 1)
	go c.readPump(gen, dev, first)

	c.Log("handshake - waiting for first report")
	var fr firstReport
	select {
	case fr = <-first:
	case <-ctx.Done():
		if err := c.checkAttempt(gen); err != nil {
			return err
		}
		return ctx.Err()
	}
	if err := c.checkAttempt(gen); err != nil {
		return err
	}
	if fr.err != nil {
		return fmt.Errorf("reading from device %04x:%04x: %w", target.VendorID, target.ProductID, fr.err)
	}
	if err := ValidateTransport(len(fr.data)); err != nil {
		return err
	}

	c.setPhase(gen, PhaseIdentifying)
	spec, ok := controller.Lookup(target.VendorID, target.ProductID)
	if !ok {
		// a gamepad-shaped device let through by the manual chooser
		return fmt.Errorf("%w: unrecognized model %04x:%04x", ErrInvalidDevice, target.VendorID, target.ProductID)
	}
	dec := spec.New(dev)

	info, err := dec.GetInfo(ctx)
	if err != nil {
		return fmt.Errorf("identifying device %04x:%04x: %w", target.VendorID, target.ProductID, err)
	}
	if err := c.checkAttempt(gen); err != nil {
		return err
	}
	if !info.OK {
		// not an exception, but equivalent teardown
		return fmt.Errorf("%w (%04x:%04x)", ErrInvalidDevice, target.VendorID, target.ProductID)
	}

	if init, ok := dec.(controller.OutputInitializer); ok {
		if err := init.InitializeOutputState(ctx); err != nil {
			return fmt.Errorf("initializing device %04x:%04x: %w", target.VendorID, target.ProductID, err)
		}
		if err := c.checkAttempt(gen); err != nil {
			return err
		}
	}

	c.setPhase(gen, PhaseConfiguringUI)
	uiConfig := controller.UIConfigFor(target.ProductID)
	if info.PendingReboot {
		return ErrPendingReboot
	}

	// commit
	c.mutex.Lock()
	if c.gen != gen {
		c.mutex.Unlock()
		return errSuperseded
	}
	sess := &session{
		info:     target,
		dev:      dev,
		dec:      dec,
		uiConfig: uiConfig,
		ctrlInfo: info,
	}
	sticks := dec.NumSticks()
	for i := 0; i < sticks; i++ {
		sess.circ = append(sess.circ, NewCircularityHistogram(c.buckets))
	}
	c.pending = nil
	c.sess = sess
	c.phase = PhaseStreaming
	c.attemptCancel = nil

	var actions []func()
	c.updateDisableLocked(sess, info.DisableBits)
	if info.Nv != nil {
		actions = c.updateNvLocked(sess, info.Nv)
	}
	c.events.push(EventConnected, "info", dec.Model().String()+" connected")
	c.mutex.Unlock()

	for _, a := range actions {
		a()
	}
	c.Log("handshake - streaming")
	return nil
}

// checkAttempt returns errSuperseded if the attempt generation was
// overtaken while the handshake was suspended.
func (c *Core) checkAttempt(gen int) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.gen != gen {
		return errSuperseded
	}
	return nil
}

func (c *Core) setPhase(gen int, p Phase) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.gen == gen {
		c.phase = p
	}
}

// failHandshake is the single teardown path for every handshake
// failure: subscription cleared first, device closed, phase restored
// so the page never stays in connecting limbo.
func (c *Core) failHandshake(gen int, err error, silent bool) {
	c.mutex.Lock()
	if c.gen != gen {
		c.mutex.Unlock()
		return
	}
	c.gen++
	pending := c.pending
	c.pending = nil
	if c.attemptCancel != nil {
		c.attemptCancel()
		c.attemptCancel = nil
	}
	if silent {
		c.phase = PhaseIdle
		c.failure = nil
	} else {
		c.phase = PhaseFailed
		c.failure = err
	}
	c.mutex.Unlock()

	if pending != nil {
		errClose := pending.Close(false)
		if errClose != nil {
			c.Log("teardown close: " + errClose.Error())
		}
	}
	if !silent {
		c.Log("handshake failed: " + err.Error())
		c.events.push(EventConnectFailed, "error", err.Error())
	}
}

// Disconnect tears the session down. Safe to call at any time,
// including mid-handshake and on an already-idle core.
func (c *Core) Disconnect() error {
	c.mutex.Lock()
	// clear the report subscription before closing anything, so a
	// stray late report cannot re-enter the handshake
	c.gen++
	if c.attemptCancel != nil {
		c.attemptCancel()
		c.attemptCancel = nil
	}
	pending := c.pending
	c.pending = nil
	sess := c.sess
	c.sess = nil
	c.phase = PhaseIdle
	c.failure = nil
	c.mutex.Unlock()

	var err error
	if pending != nil {
		err = pending.Close(false)
	}
	if sess != nil {
		errClose := sess.dev.Close(false)
		if err == nil {
			err = errClose
		}
		c.events.push(EventDisconnected, "info", "controller disconnected")
	}
	return err
}

func (c *Core) IsConnected() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.sess != nil
}

// firstReport is what the pump hands to the waiting handshake: the
// transport-check payload, or the read error if the device died before
// producing one.
type firstReport struct {
	data []byte
	err  error
}

// readPump delivers input reports: the first one to the transport
// check, the rest to the streaming session. It stops when the device
// read fails (closed or unplugged) or when its generation is stale.
func (c *Core) readPump(gen int, dev Device, first chan<- firstReport) {
	buf := make([]byte, 256)
	delivered := false
	for {
		n, err := dev.Read(buf)
		if err != nil {
			if !delivered {
				// fail the waiting handshake instead of leaving it
				// blocked on a device that will never report
				select {
				case first <- firstReport{err: err}:
				default:
				}
			}
			c.pumpClosed(gen, err)
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		if !delivered {
			delivered = true
			select {
			case first <- firstReport{data: data}:
			default:
			}
			continue
		}
		if !c.handleReport(gen, data) {
			return
		}
	}
}

// pumpClosed handles a failing device read. During streaming that
// means the controller was unplugged; mid-handshake the error has
// already been handed to the waiting handshake, whose teardown owns
// the handle.
func (c *Core) pumpClosed(gen int, err error) {
	c.mutex.Lock()
	stale := c.gen != gen || c.sess == nil
	c.mutex.Unlock()
	if stale {
		return
	}
	c.Log("device read failed, releasing session: " + err.Error())
	errDisc := c.Disconnect()
	if errDisc != nil {
		// just log, the device is gone anyway
		c.Log("release after removal: " + errDisc.Error())
	}
}

// handleReport is the per-report dispatch: telemetry accumulation,
// the corner-pin heuristic and battery/NVS passthrough. Returns false
// when the subscription is stale so the pump clears itself.
func (c *Core) handleReport(gen int, data []byte) bool {
	c.mutex.Lock()
	if c.gen != gen {
		c.mutex.Unlock()
		return false
	}
	if c.sess == nil || c.phase != PhaseStreaming {
		// the owning handshake has not committed yet; a streaming
		// controller keeps sending while identification runs, so these
		// reports are dropped without killing the pump
		c.mutex.Unlock()
		return true
	}
	sess := c.sess

	rep, err := sess.dec.Decode(data)
	if err != nil {
		c.mutex.Unlock()
		c.Log("report decode: " + err.Error())
		return true
	}
	sess.lastReport = rep

	for i, s := range []*controller.Stick{rep.State.Left, rep.State.Right} {
		if s != nil && i < len(sess.circ) {
			sess.circ[i].Observe(s.X, s.Y)
		}
	}

	if !sess.calibWarned && !c.modalOpen &&
		(cornerPinned(rep.State.Left) || cornerPinned(rep.State.Right)) {
		sess.calibWarned = true
		c.events.push(EventCalibrationWarning, "warning",
			"a stick reads full deflection on both axes; the stored calibration looks corrupt")
	}

	var actions []func()
	if rep.Nv != nil {
		actions = c.updateNvLocked(sess, rep.Nv)
	}
	c.mutex.Unlock()

	for _, a := range actions {
		a()
	}
	return true
}

func (c *Core) lockNv(locker controller.NvLocker) error {
	return locker.LockNv(context.Background())
}

// RefreshNv re-queries the calibration flash lock state on demand.
func (c *Core) RefreshNv(ctx context.Context) (*controller.NvStatus, error) {
	c.mutex.Lock()
	sess := c.sess
	gen := c.gen
	c.mutex.Unlock()
	if sess == nil {
		return nil, ErrNotConnected
	}
	refresher, ok := sess.dec.(controller.NvRefresher)
	if !ok {
		return nil, fmt.Errorf("%s: nv status not supported", sess.dec.Model())
	}

	nv, err := refresher.RefreshNv(ctx)
	if err != nil {
		return nil, err
	}

	c.mutex.Lock()
	if c.gen != gen || c.sess == nil {
		c.mutex.Unlock()
		return nv, nil
	}
	actions := c.updateNvLocked(sess, nv)
	c.mutex.Unlock()
	for _, a := range actions {
		a()
	}
	return nv, nil
}

// SetModalOpen mirrors the page's modal state; the corner-pin warning
// stays quiet while a modal is up.
func (c *Core) SetModalOpen(open bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.modalOpen = open
}

// StateSnapshot is what /state renders.
type StateSnapshot struct {
	Phase             string                    `json:"phase"`
	Connected         bool                      `json:"connected"`
	Failure           string                    `json:"failure,omitempty"`
	Model             string                    `json:"model,omitempty"`
	Path              string                    `json:"path,omitempty"`
	Vendor            uint16                    `json:"vendor,omitempty"`
	Product           uint16                    `json:"product,omitempty"`
	Info              *controller.Info          `json:"info,omitempty"`
	UIConfig          *controller.UIConfig      `json:"uiConfig,omitempty"`
	Nv                *controller.NvStatus      `json:"nv,omitempty"`
	DisableMask       uint32                    `json:"disableMask"`
	Disabled          bool                      `json:"disabled"`
	AllowedControls   []string                  `json:"allowedControls,omitempty"`
	CalibrationWarned bool                      `json:"calibrationWarned"`
	Battery           *controller.BatteryStatus `json:"battery,omitempty"`
	ModalOpen         bool                      `json:"modalOpen"`
}

func (c *Core) State() StateSnapshot {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	snap := StateSnapshot{
		Phase:     c.phase.String(),
		Connected: c.sess != nil,
		ModalOpen: c.modalOpen,
	}
	if c.failure != nil {
		snap.Failure = c.failure.Error()
	}
	sess := c.sess
	if sess == nil {
		return snap
	}
	snap.Model = sess.dec.Model().String()
	snap.Path = sess.info.Path
	snap.Vendor = sess.info.VendorID
	snap.Product = sess.info.ProductID
	snap.Info = sess.ctrlInfo
	cfg := sess.uiConfig
	snap.UIConfig = &cfg
	snap.Nv = sess.nv
	snap.DisableMask = sess.disableMask
	snap.Disabled = sess.disableMask&controller.DisableClone != 0
	if snap.Disabled {
		snap.AllowedControls = AlwaysEnabledControls
	}
	snap.CalibrationWarned = sess.calibWarned
	if sess.lastReport != nil {
		batt := sess.lastReport.State.Battery
		snap.Battery = &batt
	}
	return snap
}

// TelemetrySnapshot is what /telemetry renders: the per-stick
// circularity profiles plus the last decoded report for consumers
// that render outside the report callback.
type TelemetrySnapshot struct {
	Buckets    int                `json:"buckets"`
	Sticks     [][]float64        `json:"sticks"`
	LastReport *controller.Report `json:"lastReport,omitempty"`
}

func (c *Core) Telemetry() TelemetrySnapshot {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	snap := TelemetrySnapshot{Buckets: c.buckets}
	if c.sess == nil {
		return snap
	}
	for _, h := range c.sess.circ {
		snap.Sticks = append(snap.Sticks, h.Buckets())
	}
	snap.LastReport = c.sess.lastReport
	return snap
}

// ResetTelemetry zeroes the circularity histograms; the page calls it
// when the display mode switches or a new calibration pass starts.
// The corner-pin warning is per session and stays latched.
func (c *Core) ResetTelemetry() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.sess == nil {
		return
	}
	for _, h := range c.sess.circ {
		h.Reset()
	}
}

// LastState is the last decoded absolute state, for consumers that
// render on a timer instead of per report.
func (c *Core) LastState() *controller.State {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.sess == nil || c.sess.lastReport == nil {
		return nil
	}
	st := c.sess.lastReport.State
	return &st
}

type EnumerateEntry struct {
	Path    string `json:"path"`
	Vendor  uint16 `json:"vendor"`
	Product uint16 `json:"product"`
	Model   string `json:"model,omitempty"`
	Session bool   `json:"session"`
}

type EnumerateEntries []EnumerateEntry

func (entries EnumerateEntries) Sort() {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path < entries[j].Path
	})
}

// Enumerate lists the chooser candidates (manual matching rules) and
// marks the one bound to the active session.
func (c *Core) Enumerate() (EnumerateEntries, error) {
	infos, err := c.bus.Enumerate()
	if err != nil {
		return nil, err
	}

	c.mutex.Lock()
	sessPath := ""
	if c.sess != nil {
		sessPath = c.sess.info.Path
	}
	c.mutex.Unlock()

	entries := make(EnumerateEntries, 0, len(infos))
	for _, info := range Match(infos, true) {
		e := EnumerateEntry{
			Path:    info.Path,
			Vendor:  info.VendorID,
			Product: info.ProductID,
			Session: info.Path == sessPath,
		}
		if spec, ok := controller.Lookup(info.VendorID, info.ProductID); ok {
			e.Model = spec.Model.String()
		}
		entries = append(entries, e)
	}
	entries.Sort()
	return entries, nil
}

// Listen long-polls until the candidate list differs from the one the
// client last saw.
func (c *Core) Listen(ctx context.Context, entries EnumerateEntries) (EnumerateEntries, error) {
	c.Log("listen starting")

	const (
		iterMax   = 600
		iterDelay = 500 * time.Millisecond
	)

	entries.Sort()

	for i := 0; i < iterMax; i++ {
		e, err := c.Enumerate()
		if err != nil {
			return nil, err
		}
		if !reflect.DeepEqual(entries, e) {
			return e, nil
		}
		select {
		case <-ctx.Done():
			c.Log("listen request closed")
			return nil, nil
		case <-time.After(iterDelay):
		}
	}
	return entries, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
