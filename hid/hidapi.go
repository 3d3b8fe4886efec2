package hid

import (
	"fmt"
	"strings"
	"sync"

	hidapi "github.com/sstallion/go-hid"

	"github.com/dualshock-tools/calibd-go/core"
	"github.com/dualshock-tools/calibd-go/memorywriter"
)

const hidapiPrefix = "hidapi-"

// HIDAPI is the real backend over the hidapi library. It tracks which
// handles it currently holds so the core can recognize a stale handle
// (left open by a crashed run) and recycle it.
type HIDAPI struct {
	log *memorywriter.MemoryWriter

	mutex sync.Mutex
	open  map[string]*hidDevice
}

func InitHIDAPI(log *memorywriter.MemoryWriter) (*HIDAPI, error) {
	if err := hidapi.Init(); err != nil {
		return nil, fmt.Errorf("hidapi init: %w", err)
	}
	return &HIDAPI{
		log:  log,
		open: make(map[string]*hidDevice),
	}, nil
}

// Teardown releases the hidapi library on daemon exit.
func (b *HIDAPI) Teardown() error {
	return hidapi.Exit()
}

func (b *HIDAPI) Has(path string) bool {
	return strings.HasPrefix(path, hidapiPrefix)
}

func (b *HIDAPI) Enumerate() ([]core.Info, error) {
	var infos []core.Info

	err := hidapi.Enumerate(hidapi.VendorIDAny, hidapi.ProductIDAny,
		func(info *hidapi.DeviceInfo) error {
			infos = append(infos, core.Info{
				Path:      hidapiPrefix + info.Path,
				VendorID:  info.VendorID,
				ProductID: info.ProductID,
				Opened:    b.isOpen(hidapiPrefix + info.Path),
				Collections: []core.Collection{
					{UsagePage: info.UsagePage, Usage: info.Usage},
				},
			})
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("hidapi enumerate: %w", err)
	}
	return infos, nil
}

func (b *HIDAPI) Connect(path string) (core.Device, error) {
	b.log.Log("opening " + path)
	raw, err := hidapi.OpenPath(strings.TrimPrefix(path, hidapiPrefix))
	if err != nil {
		return nil, fmt.Errorf("hidapi open: %w", err)
	}
	d := &hidDevice{
		bus:  b,
		path: path,
		dev:  raw,
	}
	b.mutex.Lock()
	b.open[path] = d
	b.mutex.Unlock()
	return d, nil
}

func (b *HIDAPI) Close(path string) error {
	b.mutex.Lock()
	d := b.open[path]
	b.mutex.Unlock()
	if d == nil {
		// nothing of ours is open there; the OS marked it busy for
		// someone else and there is nothing we can recycle
		return nil
	}
	b.log.Log("closing stale handle " + path)
	return d.Close(false)
}

func (b *HIDAPI) isOpen(path string) bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	_, ok := b.open[path]
	return ok
}

func (b *HIDAPI) forget(path string) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	delete(b.open, path)
}

type hidDevice struct {
	bus  *HIDAPI
	path string
	dev  *hidapi.Device
}

// Read strips the leading report id byte: the supported controllers
// all use numbered input reports and the decoders work on the 63-byte
// payload the way the browser page does.
func (d *hidDevice) Read(p []byte) (int, error) {
	buf := make([]byte, len(p)+1)
	n, err := d.dev.Read(buf)
	if err != nil {
		return 0, err
	}
	if n < 1 {
		return 0, nil
	}
	n = copy(p, buf[1:n])
	return n, nil
}

func (d *hidDevice) Write(p []byte) (int, error) {
	return d.dev.Write(p)
}

func (d *hidDevice) SendFeatureReport(p []byte) (int, error) {
	return d.dev.SendFeatureReport(p)
}

func (d *hidDevice) GetFeatureReport(p []byte) (int, error) {
	return d.dev.GetFeatureReport(p)
}

func (d *hidDevice) Close(disconnected bool) error {
	d.bus.forget(d.path)
	err := d.dev.Close()
	if disconnected {
		// device is gone, close errors carry no information
		return nil
	}
	return err
}
