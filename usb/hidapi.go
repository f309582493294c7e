package usb

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/karalabe/hid"

	"github.com/cinderblock/smooth-control/core"
	"github.com/cinderblock/smooth-control/internal/logs"
)

const hidapiPrefix = "hid"

// HIDAPI is the hidapi-backed bus, for platforms where the kernel HID
// driver owns the device and raw libusb claiming is unavailable. The
// serial number comes straight from enumeration, so identity probing
// cannot fail separately from opening.
type HIDAPI struct {
	log     *logs.Logger
	vendor  uint16
	product uint16
}

func InitHIDAPI(log *logs.Logger, vid, pid uint16) (*HIDAPI, error) {
	if !hid.Supported() {
		return nil, fmt.Errorf("hidapi not supported on this platform")
	}
	if vid == 0 {
		vid = VendorID
	}
	if pid == 0 {
		pid = ProductID
	}
	return &HIDAPI{log: log, vendor: vid, product: pid}, nil
}

func (b *HIDAPI) Has(path string) bool {
	return strings.HasPrefix(path, hidapiPrefix)
}

// identify hashes the platform path; raw hidapi paths leak host details
// and vary in format per OS.
func identify(info *hid.DeviceInfo) string {
	digest := sha256.Sum256([]byte(info.Path))
	return hidapiPrefix + hex.EncodeToString(digest[:8])
}

func (b *HIDAPI) Enumerate() ([]core.Info, error) {
	var infos []core.Info
	for _, dev := range hid.Enumerate(b.vendor, b.product) {
		infos = append(infos, core.Info{
			Path:      identify(&dev),
			VendorID:  int(dev.VendorID),
			ProductID: int(dev.ProductID),
		})
	}
	return infos, nil
}

func (b *HIDAPI) Connect(path string) (core.Device, error) {
	for _, info := range hid.Enumerate(b.vendor, b.product) {
		if identify(&info) != path {
			continue
		}
		serial := strings.TrimRight(info.Serial, "\x00")
		if serial == "" {
			return nil, fmt.Errorf("identity probe %s: empty serial", path)
		}
		d, err := info.Open()
		if err != nil {
			return nil, err
		}
		return &hidDevice{
			log:    b.log,
			dev:    d,
			path:   path,
			serial: serial,
			iface:  info.Interface,
		}, nil
	}
	return nil, ErrNotFound
}

type hidDevice struct {
	log    *logs.Logger
	dev    *hid.Device
	path   string
	serial string
	iface  int
}

func (d *hidDevice) Path() string   { return d.path }
func (d *hidDevice) Serial() string { return d.serial }

func (d *hidDevice) Close() error {
	d.log.Log("close " + d.path)
	return d.dev.Close()
}

// Claim is a no-op structurally: hidapi claimed the interface at open.
func (d *hidDevice) Claim() (core.Interface, error) {
	return &hidInterface{dev: d}, nil
}

type hidInterface struct {
	dev *hidDevice
}

func (i *hidInterface) Number() int { return i.dev.iface }

func (i *hidInterface) ReadReport(buf []byte) (int, error) {
	n, err := i.dev.dev.Read(buf)
	if err != nil {
		// hidapi reports no error class; a failed read means the
		// device went away
		return n, fmt.Errorf("%w: %s", core.ErrDisconnect, err)
	}
	return n, nil
}

// SendReport goes through hidapi's write path, which issues the
// set-report transfer for devices without an interrupt OUT endpoint.
func (i *hidInterface) SendReport(data []byte) (int, error) {
	n, err := i.dev.dev.Write(data)
	if err != nil {
		return n, fmt.Errorf("%w: %s", core.ErrDisconnect, err)
	}
	return n, nil
}

func (i *hidInterface) Release() {}
