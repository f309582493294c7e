// Package core holds the driver logic: the process-wide connection
// registry mapping motor serial numbers to live devices and consumers,
// and the per-serial session that claims a device and exchanges reports.
//
// The usb package is not imported here; transports are abstract
// interfaces implemented there. That keeps this package free of cgo and
// lets tests drive the registry and sessions with in-memory fakes.
package core

import "errors"

// Info describes one matched device seen on a bus, before its identity
// is probed.
type Info struct {
	Path      string
	VendorID  int
	ProductID int
}

// Bus enumerates and opens motor devices. Implemented by the usb package.
type Bus interface {
	Enumerate() ([]Info, error)
	// Connect opens the device at path and resolves its serial number.
	// A failed serial read is an identity-probe error; the registry
	// retries it with backoff rather than giving up on the device.
	Connect(path string) (Device, error)
	Has(path string) bool
}

// Device is one open motor device whose identity is known.
type Device interface {
	Path() string
	Serial() string
	// Claim claims the motor interface, detaching a held kernel driver
	// first on platforms that require it.
	Claim() (Interface, error)
	Close() error
}

// Interface is a claimed motor interface: the inbound report stream and
// the outbound control-transfer path.
type Interface interface {
	Number() int
	// ReadReport blocks for one inbound report, bounded by the
	// transport's transfer timeout.
	ReadReport(buf []byte) (int, error)
	// SendReport submits one set-report control transfer.
	SendReport(data []byte) (int, error)
	Release()
}

// Transport error classes. Backends wrap their native errors with these
// sentinels so the session can classify without knowing the backend.
var (
	// ErrStall is a transient NAK/stall; polling resubmits, outbound
	// paths treat it as benign.
	ErrStall = errors.New("transport: transfer stalled")
	// ErrDisconnect means the device vanished mid-transfer.
	ErrDisconnect = errors.New("transport: device disconnected")
	// ErrClosedDevice means the transfer raced a local close.
	ErrClosedDevice = errors.New("transport: closed device")
)

// Configuration errors: programmer mistakes, never retried.
var (
	ErrConsumerExists = errors.New("registry: consumer already registered for serial")
	ErrNoRecord       = errors.New("registry: no record for serial")
	ErrWriteBusy      = errors.New("session: previous write still in flight")
	ErrSessionClosed  = errors.New("session: closed")
	ErrNotAttached    = errors.New("session: device not attached")
)
