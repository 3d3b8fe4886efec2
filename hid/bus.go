package hid

import (
	"errors"

	"github.com/dualshock-tools/calibd-go/core"
)

var ErrNotFound = errors.New("device not found")

// Bus aggregates backends (real hidapi, UDP emulator) behind the
// core.Bus interface; paths are backend-prefixed so dispatch is by
// ownership.
type Bus struct {
	buses []core.Bus
}

func Init(buses ...core.Bus) *Bus {
	return &Bus{
		buses: buses,
	}
}

func (b *Bus) Has(path string) bool {
	for _, bus := range b.buses {
		if bus.Has(path) {
			return true
		}
	}
	return false
}

func (b *Bus) Enumerate() ([]core.Info, error) {
	var infos []core.Info

	for _, bus := range b.buses {
		l, err := bus.Enumerate()
		if err != nil {
			return nil, err
		}
		infos = append(infos, l...)
	}
	return infos, nil
}

func (b *Bus) Connect(path string) (core.Device, error) {
	for _, bus := range b.buses {
		if bus.Has(path) {
			return bus.Connect(path)
		}
	}
	return nil, ErrNotFound
}

func (b *Bus) Close(path string) error {
	for _, bus := range b.buses {
		if bus.Has(path) {
			return bus.Close(path)
		}
	}
	return ErrNotFound
}
