package hid

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dualshock-tools/calibd-go/controller"
	"github.com/dualshock-tools/calibd-go/core"
	"github.com/dualshock-tools/calibd-go/memorywriter"
)

// UDP-emulated controller, so the daemon and the page can be exercised
// with no hardware attached. An emulator binds two ports: a stream
// port carrying raw 63-byte input reports (and output reports back),
// and a control port answering pings and feature report exchanges.

const (
	emulatorPrefix  = "emulator"
	emulatorNetwork = "udp"

	// control request framing
	emulatorGetFeature  = 0x47
	emulatorSendFeature = 0x53
)

var (
	emulatorPing = []byte("PINGPING")
	emulatorPong = []byte("PONGPONG")
)

const emulatorTimeout = 500 * time.Millisecond

// PortTouple is one emulated controller: stream port and control port.
type PortTouple struct {
	Stream  int
	Control int
}

type Emulator struct {
	touples []PortTouple
	log     *memorywriter.MemoryWriter

	mutex sync.Mutex
	open  map[string]*emulatorDevice
}

func InitEmulator(touples []PortTouple, log *memorywriter.MemoryWriter) (*Emulator, error) {
	return &Emulator{
		touples: touples,
		log:     log,
		open:    make(map[string]*emulatorDevice),
	}, nil
}

func (b *Emulator) Has(path string) bool {
	return strings.HasPrefix(path, emulatorPrefix)
}

func (b *Emulator) Enumerate() ([]core.Info, error) {
	var infos []core.Info

	for _, t := range b.touples {
		if !b.ping(t.Control) {
			continue
		}
		path := emulatorPrefix + strconv.Itoa(t.Stream)
		infos = append(infos, core.Info{
			Path:      path,
			VendorID:  controller.VendorSony,
			ProductID: controller.ProductDualSense,
			Opened:    b.isOpen(path),
			Collections: []core.Collection{
				{UsagePage: 0x01, Usage: 0x05},
			},
		})
	}
	return infos, nil
}

func (b *Emulator) ping(port int) bool {
	conn, err := net.Dial(emulatorNetwork, "127.0.0.1:"+strconv.Itoa(port))
	if err != nil {
		return false
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(emulatorTimeout)); err != nil {
		return false
	}
	if _, err := conn.Write(emulatorPing); err != nil {
		return false
	}
	buf := make([]byte, len(emulatorPong))
	n, err := conn.Read(buf)
	if err != nil {
		return false
	}
	return string(buf[:n]) == string(emulatorPong)
}

func (b *Emulator) Connect(path string) (core.Device, error) {
	b.log.Log("opening " + path)
	port, err := strconv.Atoi(strings.TrimPrefix(path, emulatorPrefix))
	if err != nil {
		return nil, fmt.Errorf("bad emulator path %q", path)
	}
	var touple *PortTouple
	for i := range b.touples {
		if b.touples[i].Stream == port {
			touple = &b.touples[i]
		}
	}
	if touple == nil {
		return nil, ErrNotFound
	}

	stream, err := net.Dial(emulatorNetwork, "127.0.0.1:"+strconv.Itoa(touple.Stream))
	if err != nil {
		return nil, err
	}
	control, err := net.Dial(emulatorNetwork, "127.0.0.1:"+strconv.Itoa(touple.Control))
	if err != nil {
		stream.Close()
		return nil, err
	}

	d := &emulatorDevice{
		bus:     b,
		path:    path,
		stream:  stream,
		control: control,
	}
	b.mutex.Lock()
	b.open[path] = d
	b.mutex.Unlock()

	// announce ourselves so the emulator starts streaming
	_, err = stream.Write(emulatorPing)
	if err != nil {
		d.Close(false)
		return nil, err
	}
	return d, nil
}

func (b *Emulator) Close(path string) error {
	b.mutex.Lock()
	d := b.open[path]
	b.mutex.Unlock()
	if d == nil {
		return nil
	}
	return d.Close(false)
}

func (b *Emulator) isOpen(path string) bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	_, ok := b.open[path]
	return ok
}

func (b *Emulator) forget(path string) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	delete(b.open, path)
}

type emulatorDevice struct {
	bus     *Emulator
	path    string
	stream  net.Conn
	control net.Conn

	controlMutex sync.Mutex
}

// Read blocks for the next input report datagram; the emulator sends
// the 63-byte payload without a report id, same as the hidapi wrapper
// after stripping.
func (d *emulatorDevice) Read(p []byte) (int, error) {
	return d.stream.Read(p)
}

func (d *emulatorDevice) Write(p []byte) (int, error) {
	return d.stream.Write(p)
}

func (d *emulatorDevice) SendFeatureReport(p []byte) (int, error) {
	d.controlMutex.Lock()
	defer d.controlMutex.Unlock()

	req := append([]byte{emulatorSendFeature}, p...)
	if err := d.control.SetDeadline(time.Now().Add(emulatorTimeout)); err != nil {
		return 0, err
	}
	if _, err := d.control.Write(req); err != nil {
		return 0, err
	}
	// ack carries no payload
	buf := make([]byte, 8)
	if _, err := d.control.Read(buf); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (d *emulatorDevice) GetFeatureReport(p []byte) (int, error) {
	d.controlMutex.Lock()
	defer d.controlMutex.Unlock()

	if len(p) == 0 {
		return 0, fmt.Errorf("empty feature report buffer")
	}
	if err := d.control.SetDeadline(time.Now().Add(emulatorTimeout)); err != nil {
		return 0, err
	}
	if _, err := d.control.Write([]byte{emulatorGetFeature, p[0]}); err != nil {
		return 0, err
	}
	buf := make([]byte, len(p))
	n, err := d.control.Read(buf)
	if err != nil {
		return 0, err
	}
	return copy(p, buf[:n]), nil
}

func (d *emulatorDevice) Close(disconnected bool) error {
	d.bus.forget(d.path)
	errStream := d.stream.Close()
	errControl := d.control.Close()
	if disconnected {
		return nil
	}
	if errStream != nil {
		return errStream
	}
	return errControl
}
