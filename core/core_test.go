package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dualshock-tools/calibd-go/controller"
	"github.com/dualshock-tools/calibd-go/memorywriter"
)

func testWriter(t *testing.T) *memorywriter.MemoryWriter {
	t.Helper()
	mw, err := memorywriter.New(1000, 100, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	return mw
}

type fakeDevice struct {
	mutex    sync.Mutex
	reports  chan []byte
	closed   bool
	features map[byte][]byte
	sent     [][]byte
	writes   [][]byte
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		reports:  make(chan []byte, 64),
		features: make(map[byte][]byte),
	}
}

func (d *fakeDevice) Read(p []byte) (int, error) {
	data, ok := <-d.reports
	if !ok {
		return 0, errors.New("device gone")
	}
	return copy(p, data), nil
}

func (d *fakeDevice) Write(p []byte) (int, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	cp := make([]byte, len(p))
	copy(cp, p)
	d.writes = append(d.writes, cp)
	return len(p), nil
}

func (d *fakeDevice) SendFeatureReport(p []byte) (int, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	cp := make([]byte, len(p))
	copy(cp, p)
	d.sent = append(d.sent, cp)
	return len(p), nil
}

func (d *fakeDevice) GetFeatureReport(p []byte) (int, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	resp, ok := d.features[p[0]]
	if !ok {
		return 0, errors.New("unsupported feature report")
	}
	return copy(p, resp), nil
}

func (d *fakeDevice) Close(disconnected bool) error {
	d.unplug()
	return nil
}

// unplug simulates the cable being pulled: the pending Read fails.
func (d *fakeDevice) unplug() {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if !d.closed {
		d.closed = true
		close(d.reports)
	}
}

func (d *fakeDevice) sentFeatures(id byte) int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	n := 0
	for _, p := range d.sent {
		if len(p) > 0 && p[0] == id {
			n++
		}
	}
	return n
}

func (d *fakeDevice) isClosed() bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.closed
}

type fakeBus struct {
	mutex   sync.Mutex
	infos   []Info
	devices map[string]*fakeDevice
	ops     []string
}

func newFakeBus() *fakeBus {
	return &fakeBus{devices: make(map[string]*fakeDevice)}
}

func (b *fakeBus) Enumerate() ([]Info, error) {
	return b.infos, nil
}

func (b *fakeBus) Connect(path string) (Device, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.ops = append(b.ops, "connect:"+path)
	d, ok := b.devices[path]
	if !ok {
		return nil, errors.New("device not found")
	}
	return d, nil
}

func (b *fakeBus) Close(path string) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.ops = append(b.ops, "close:"+path)
	return nil
}

func (b *fakeBus) Has(path string) bool { return true }

func (b *fakeBus) opLog() []string {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	out := make([]string, len(b.ops))
	copy(out, b.ops)
	return out
}

// canned DS4 identity answers

func ds4InfoFeature() []byte {
	buf := make([]byte, 49)
	buf[0] = 0xa3
	copy(buf[1:], "Jul 10 2020")
	copy(buf[17:], "12:00:00")
	buf[33] = 0x00
	buf[34] = 0xb0
	buf[35] = 0x00
	buf[36] = 0x90 // firmware 0x9000, recent enough
	return buf
}

func ds4NvFeature(code byte) []byte {
	buf := make([]byte, 8)
	buf[0] = 0x10
	buf[1] = code
	return buf
}

func ds4Report() []byte {
	r := make([]byte, 63)
	r[0], r[1], r[2], r[3] = 0x80, 0x80, 0x80, 0x80
	r[34] = 0x80 // touchpad inactive
	return r
}

func ds4Info(path string, opened bool) Info {
	return Info{
		Path:      path,
		VendorID:  controller.VendorSony,
		ProductID: controller.ProductDS4V2,
		Opened:    opened,
		Collections: []Collection{
			{UsagePage: usagePageGenericDesktop, Usage: usageGamepad},
		},
	}
}

func newTestCore(bus Bus, t *testing.T) *Core {
	c := New(bus, testWriter(t), 8)
	c.settleDelay = time.Millisecond
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectNoCandidates(t *testing.T) {
	bus := newFakeBus()
	c := newTestCore(bus, t)

	// auto path stays silent
	err := c.Connect(context.Background(), false)
	if err != nil {
		t.Errorf("auto connect with no devices: %v", err)
	}
	if got := c.State().Phase; got != "idle" {
		t.Errorf("phase after silent failure = %s, want idle", got)
	}

	// manual path surfaces the error
	err = c.Connect(context.Background(), true)
	if !errors.Is(err, ErrNoDevice) {
		t.Errorf("manual connect with no devices = %v, want ErrNoDevice", err)
	}
	if len(bus.opLog()) != 0 {
		t.Errorf("no device should have been opened, ops = %v", bus.opLog())
	}
	if c.IsConnected() {
		t.Error("session must stay unconnected")
	}
}

func TestConnectTooManyCandidates(t *testing.T) {
	bus := newFakeBus()
	bus.infos = []Info{ds4Info("a", false), ds4Info("b", false)}
	c := newTestCore(bus, t)

	err := c.Connect(context.Background(), true)
	if !errors.Is(err, ErrTooManyDevices) {
		t.Errorf("connect = %v, want ErrTooManyDevices", err)
	}
	if len(bus.opLog()) != 0 {
		t.Errorf("no device should have been opened, ops = %v", bus.opLog())
	}
	if c.IsConnected() {
		t.Error("session must end disconnected")
	}
}

func connectableDS4() (*fakeBus, *fakeDevice) {
	bus := newFakeBus()
	bus.infos = []Info{ds4Info("pad", false)}
	dev := newFakeDevice()
	dev.features[0xa3] = ds4InfoFeature()
	dev.features[0x10] = ds4NvFeature(0) // locked
	dev.reports <- ds4Report()
	bus.devices["pad"] = dev
	return bus, dev
}

func TestConnectSuccess(t *testing.T) {
	bus, _ := connectableDS4()
	c := newTestCore(bus, t)

	err := c.Connect(context.Background(), true)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !c.IsConnected() {
		t.Fatal("not connected after successful handshake")
	}

	snap := c.State()
	if snap.Phase != "streaming" {
		t.Errorf("phase = %s, want streaming", snap.Phase)
	}
	if snap.Model != "DualShock 4 (v2)" {
		t.Errorf("model = %s", snap.Model)
	}
	if snap.UIConfig == nil || !snap.UIConfig.ShowNvTools {
		t.Errorf("ui config not resolved: %+v", snap.UIConfig)
	}
	if snap.Nv == nil || snap.Nv.State != controller.NvLocked {
		t.Errorf("nv = %+v, want locked", snap.Nv)
	}

	// a second connect while active is silently ignored
	err = c.Connect(context.Background(), true)
	if err != nil {
		t.Errorf("second connect: %v", err)
	}
}

func TestReportsDuringHandshakeKeepStreaming(t *testing.T) {
	bus, dev := connectableDS4()
	// a real controller streams continuously, so more reports queue up
	// while identification is still running
	for i := 0; i < 10; i++ {
		dev.reports <- ds4Report()
	}
	c := newTestCore(bus, t)

	if err := c.Connect(context.Background(), true); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if got := c.State().Phase; got != "streaming" {
		t.Fatalf("phase = %s, want streaming", got)
	}

	// the pump must still be alive to serve the committed session
	rep := ds4Report()
	rep[4] = 0x10
	dev.reports <- rep
	waitFor(t, "report processed after commit", func() bool {
		st := c.LastState()
		return st != nil && st.Buttons != 0
	})
}

func TestReadFailureDuringHandshake(t *testing.T) {
	bus, dev := connectableDS4()
	// device dies before producing a single report
	<-dev.reports
	dev.unplug()
	c := newTestCore(bus, t)

	err := c.Connect(context.Background(), true)
	if err == nil {
		t.Fatal("connect should fail when the device read fails")
	}
	if !strings.Contains(err.Error(), "054c") {
		t.Errorf("error %q should name the vendor id", err)
	}
	if got := c.State().Phase; got != "failed" {
		t.Errorf("phase = %s, want failed", got)
	}
	if c.IsConnected() {
		t.Error("session must end disconnected")
	}
}

func TestConnectWirelessTransportRejected(t *testing.T) {
	bus, dev := connectableDS4()
	// drain and replace the first report with a bluetooth-sized one
	<-dev.reports
	dev.reports <- make([]byte, 77)
	c := newTestCore(bus, t)

	err := c.Connect(context.Background(), true)
	if !errors.Is(err, ErrWirelessTransport) {
		t.Fatalf("connect = %v, want ErrWirelessTransport", err)
	}
	waitFor(t, "device closed", dev.isClosed)
	snap := c.State()
	if snap.Phase != "failed" {
		t.Errorf("phase = %s, want failed", snap.Phase)
	}
	if !strings.Contains(snap.Failure, "wireless") {
		t.Errorf("failure = %q, want wireless remediation", snap.Failure)
	}
	if c.IsConnected() {
		t.Error("session must end disconnected")
	}
}

func TestConnectRecyclesOpenHandle(t *testing.T) {
	bus, _ := connectableDS4()
	bus.infos[0].Opened = true
	c := newTestCore(bus, t)

	err := c.Connect(context.Background(), true)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	ops := bus.opLog()
	if len(ops) != 2 || ops[0] != "close:pad" || ops[1] != "connect:pad" {
		t.Errorf("ops = %v, want close before connect", ops)
	}
}

func TestConnectInvalidIdentity(t *testing.T) {
	bus, dev := connectableDS4()
	delete(dev.features, 0xa3) // identity query will fail
	c := newTestCore(bus, t)

	err := c.Connect(context.Background(), true)
	if err == nil {
		t.Fatal("connect should fail when the identity query fails")
	}
	if !strings.Contains(err.Error(), "054c") {
		t.Errorf("error %q should name the vendor id", err)
	}
	waitFor(t, "device closed", dev.isClosed)
	if c.IsConnected() {
		t.Error("session must end disconnected")
	}
}

func TestConnectNegativeIdentity(t *testing.T) {
	bus := newFakeBus()
	bus.infos = []Info{{
		Path:      "ds",
		VendorID:  controller.VendorSony,
		ProductID: controller.ProductDualSense,
	}}
	dev := newFakeDevice()
	// short version reply: decoder answers, but with ok=false
	dev.features[0x20] = []byte{0x20, 1, 2, 3}
	dev.reports <- ds4Report()
	bus.devices["ds"] = dev
	c := newTestCore(bus, t)

	err := c.Connect(context.Background(), true)
	if !errors.Is(err, ErrInvalidDevice) {
		t.Fatalf("connect = %v, want ErrInvalidDevice", err)
	}
	waitFor(t, "device closed", dev.isClosed)
}

func dsEdgeVersionFeature() []byte {
	buf := make([]byte, 64)
	buf[0] = 0x20
	copy(buf[1:], "Sep 1 2023")
	copy(buf[12:], "08:00:00")
	buf[44] = 0x10
	buf[45] = 0x03 // firmware 0x0310
	buf[46] = 0x01
	return buf
}

func TestConnectPendingReboot(t *testing.T) {
	bus := newFakeBus()
	bus.infos = []Info{{
		Path:      "edge",
		VendorID:  controller.VendorSony,
		ProductID: controller.ProductDualSenseEdge,
	}}
	dev := newFakeDevice()
	dev.features[0x20] = dsEdgeVersionFeature()
	dev.features[0x81] = []byte{0x81, 2, 0, 0, 0} // pending reboot
	dev.reports <- ds4Report()
	bus.devices["edge"] = dev
	c := newTestCore(bus, t)

	err := c.Connect(context.Background(), true)
	if !errors.Is(err, ErrPendingReboot) {
		t.Fatalf("connect = %v, want ErrPendingReboot", err)
	}
	waitFor(t, "device closed", dev.isClosed)
	if !strings.Contains(c.State().Failure, "reconnect") {
		t.Errorf("failure %q should instruct a physical reconnect", c.State().Failure)
	}
}

func TestNvUnlockedIssuesLockOnce(t *testing.T) {
	bus, dev := connectableDS4()
	dev.features[0x10] = ds4NvFeature(1) // unlocked
	c := newTestCore(bus, t)

	err := c.Connect(context.Background(), true)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	waitFor(t, "lock command", func() bool { return dev.sentFeatures(0xa0) == 1 })
	// give a stray duplicate a chance to show up
	time.Sleep(20 * time.Millisecond)
	if got := dev.sentFeatures(0xa0); got != 1 {
		t.Errorf("lock commands = %d, want exactly 1", got)
	}
}

func TestCalibrationWarningOneShot(t *testing.T) {
	bus, dev := connectableDS4()
	c := newTestCore(bus, t)

	if err := c.Connect(context.Background(), true); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// centered reading never warns
	dev.reports <- ds4Report()
	// corner-pinned reading, repeated
	pinned := ds4Report()
	pinned[0], pinned[1] = 0xff, 0xff
	for i := 0; i < 5; i++ {
		dev.reports <- pinned
	}

	waitFor(t, "calibration warning", func() bool {
		return countEvents(c, EventCalibrationWarning) == 1
	})
	time.Sleep(20 * time.Millisecond)
	if got := countEvents(c, EventCalibrationWarning); got != 1 {
		t.Errorf("calibration warnings = %d, want exactly 1", got)
	}
	if !c.State().CalibrationWarned {
		t.Error("sticky flag not set")
	}
}

func TestHalfDeflectionNeverWarns(t *testing.T) {
	bus, dev := connectableDS4()
	c := newTestCore(bus, t)

	if err := c.Connect(context.Background(), true); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// full x, centered y
	rep := ds4Report()
	rep[0] = 0xff
	dev.reports <- rep

	waitFor(t, "report processed", func() bool { return c.LastState() != nil })
	if got := countEvents(c, EventCalibrationWarning); got != 0 {
		t.Errorf("calibration warnings = %d, want 0", got)
	}
}

func TestDisconnectTwiceIsNoop(t *testing.T) {
	bus, _ := connectableDS4()
	c := newTestCore(bus, t)

	if err := c.Connect(context.Background(), true); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.Disconnect(); err != nil {
		t.Errorf("first disconnect: %v", err)
	}
	if err := c.Disconnect(); err != nil {
		t.Errorf("second disconnect: %v", err)
	}
	if got := c.State().Phase; got != "idle" {
		t.Errorf("phase = %s, want idle", got)
	}
}

func TestDeviceRemovalReleasesSession(t *testing.T) {
	bus, dev := connectableDS4()
	c := newTestCore(bus, t)

	if err := c.Connect(context.Background(), true); err != nil {
		t.Fatalf("connect: %v", err)
	}
	dev.unplug()
	waitFor(t, "session release", func() bool { return !c.IsConnected() })
	if got := c.State().Phase; got != "idle" {
		t.Errorf("phase = %s, want idle", got)
	}
}

func countEvents(c *Core, kind string) int {
	n := 0
	for _, e := range c.events.since(0) {
		if e.Kind == kind {
			n++
		}
	}
	return n
}
