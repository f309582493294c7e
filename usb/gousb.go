package usb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/gousb"

	"github.com/cinderblock/smooth-control/core"
	"github.com/cinderblock/smooth-control/internal/logs"
)

const (
	gousbPrefix = "usb"

	motorConfig = 1
	motorIface  = 0

	// HID class SET_REPORT(feature) control transfer
	setReportRequestType = uint8(gousb.ControlOut | gousb.ControlClass | gousb.ControlInterface)
	setReportRequest     = 0x09
	setReportValue       = 0x0300

	// bound on a single inbound transfer; a stuck transfer fails with a
	// timeout error instead of hanging the pump
	readTimeout = time.Second
)

// GoUSB is the libusb-backed bus.
type GoUSB struct {
	ctx *gousb.Context
	log *logs.Logger

	vendor  gousb.ID
	product gousb.ID
}

// InitGoUSB opens a libusb context matching vid/pid (0 for the defaults).
func InitGoUSB(log *logs.Logger, vid, pid uint16) (*GoUSB, error) {
	if vid == 0 {
		vid = VendorID
	}
	if pid == 0 {
		pid = ProductID
	}
	log.Log("init")
	return &GoUSB{
		ctx:     gousb.NewContext(),
		log:     log,
		vendor:  gousb.ID(vid),
		product: gousb.ID(pid),
	}, nil
}

func (b *GoUSB) Close() {
	b.log.Log("context close (should happen only on exit)")
	_ = b.ctx.Close()
}

func (b *GoUSB) Has(path string) bool {
	return strings.HasPrefix(path, gousbPrefix)
}

func (b *GoUSB) match(desc *gousb.DeviceDesc) bool {
	return desc.Vendor == b.vendor && desc.Product == b.product
}

func pathOf(desc *gousb.DeviceDesc) string {
	return fmt.Sprintf("%s%d.%d", gousbPrefix, desc.Bus, desc.Address)
}

// Enumerate lists matched devices without keeping them open; identity
// probing happens in Connect.
func (b *GoUSB) Enumerate() ([]core.Info, error) {
	var infos []core.Info
	devs, err := b.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if b.match(desc) {
			infos = append(infos, core.Info{
				Path:      pathOf(desc),
				VendorID:  int(desc.Vendor),
				ProductID: int(desc.Product),
			})
		}
		return false
	})
	for _, d := range devs {
		_ = d.Close()
	}
	if err != nil {
		return nil, err
	}
	return infos, nil
}

// Connect opens the device at path and reads its serial number string
// descriptor. A failed serial read closes the device and reports an
// identity-probe failure for the registry to retry.
func (b *GoUSB) Connect(path string) (core.Device, error) {
	opened, err := b.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return b.match(desc) && pathOf(desc) == path
	})
	if err != nil {
		for _, d := range opened {
			_ = d.Close()
		}
		return nil, err
	}
	if len(opened) == 0 {
		return nil, ErrNotFound
	}
	dev := opened[0]
	for _, d := range opened[1:] {
		_ = d.Close()
	}

	if err := dev.SetAutoDetach(true); err != nil {
		// not supported everywhere, claiming may still succeed
		b.log.Log("auto-detach not available: " + err.Error())
	}

	serial, err := dev.SerialNumber()
	if err != nil {
		_ = dev.Close()
		return nil, fmt.Errorf("identity probe %s: %w", path, err)
	}
	serial = strings.TrimRight(serial, "\x00")

	return &gousbDevice{
		bus:    b,
		dev:    dev,
		path:   path,
		serial: serial,
	}, nil
}

type gousbDevice struct {
	bus    *GoUSB
	dev    *gousb.Device
	path   string
	serial string
}

func (d *gousbDevice) Path() string   { return d.path }
func (d *gousbDevice) Serial() string { return d.serial }

func (d *gousbDevice) Close() error {
	d.bus.log.Log("close " + d.path)
	return d.dev.Close()
}

// Claim claims the motor interface and locates its interrupt IN
// endpoint. The kernel HID driver is detached by SetAutoDetach during
// Connect on platforms that hold one.
func (d *gousbDevice) Claim() (core.Interface, error) {
	cfg, err := d.dev.Config(motorConfig)
	if err != nil {
		return nil, fmt.Errorf("config %d: %w", motorConfig, err)
	}
	intf, err := cfg.Interface(motorIface, 0)
	if err != nil {
		_ = cfg.Close()
		return nil, fmt.Errorf("claim interface %d: %w", motorIface, err)
	}

	var in *gousb.InEndpoint
	for _, ep := range intf.Setting.Endpoints {
		if ep.Direction == gousb.EndpointDirectionIn {
			in, err = intf.InEndpoint(ep.Number)
			break
		}
	}
	if err == nil && in == nil {
		err = fmt.Errorf("no IN endpoint on interface %d", motorIface)
	}
	if err != nil {
		intf.Close()
		_ = cfg.Close()
		return nil, err
	}

	return &gousbInterface{dev: d, cfg: cfg, intf: intf, in: in}, nil
}

type gousbInterface struct {
	dev  *gousbDevice
	cfg  *gousb.Config
	intf *gousb.Interface
	in   *gousb.InEndpoint
}

func (i *gousbInterface) Number() int { return i.intf.Setting.Number }

func (i *gousbInterface) ReadReport(buf []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
	defer cancel()
	n, err := i.in.ReadContext(ctx, buf)
	if err != nil {
		return n, classify(err)
	}
	return n, nil
}

func (i *gousbInterface) SendReport(data []byte) (int, error) {
	n, err := i.dev.dev.Control(
		setReportRequestType,
		setReportRequest,
		setReportValue,
		uint16(i.intf.Setting.Number),
		data,
	)
	if err != nil {
		return n, classify(err)
	}
	return n, nil
}

func (i *gousbInterface) Release() {
	i.intf.Close()
	_ = i.cfg.Close()
}

// classify maps libusb errors onto the core transport sentinels. libusb
// docs promise only NO_DEVICE on disconnect, but IO/PIPE/OTHER show up
// in practice too; a timed-out transfer is treated as a stall so the
// pump just resubmits.
func classify(err error) error {
	switch {
	case errors.Is(err, gousb.ErrorPipe),
		errors.Is(err, gousb.ErrorTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s", core.ErrStall, err)
	case errors.Is(err, gousb.ErrorNoDevice),
		errors.Is(err, gousb.ErrorIO),
		errors.Is(err, gousb.ErrorOther):
		return fmt.Errorf("%w: %s", core.ErrDisconnect, err)
	}
	return err
}
