// Package usb implements the core transport interfaces over real USB
// stacks: a libusb-backed gousb bus and a hidapi bus. Backends are
// multiplexed by path prefix so a process can run either or both.
package usb

import (
	"errors"

	"github.com/cinderblock/smooth-control/core"
)

// Motor controller identity on the bus.
const (
	VendorID  = 0x1209
	ProductID = 0x5420
)

var ErrNotFound = errors.New("device not found")

// USB multiplexes several backends behind one core.Bus.
type USB struct {
	buses []core.Bus
}

func Init(buses ...core.Bus) *USB {
	return &USB{buses: buses}
}

func (b *USB) Has(path string) bool {
	for _, bus := range b.buses {
		if bus.Has(path) {
			return true
		}
	}
	return false
}

func (b *USB) Enumerate() ([]core.Info, error) {
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

func (b *USB) Connect(path string) (core.Device, error) {
	for _, bus := range b.buses {
		if bus.Has(path) {
			return bus.Connect(path)
		}
	}
	return nil, ErrNotFound
}
