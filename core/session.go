package core

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cinderblock/smooth-control/internal/logs"
	"github.com/cinderblock/smooth-control/protocol"
)

// SessionState is the lifecycle of one session. Closed is terminal.
type SessionState int

const (
	Detached SessionState = iota
	Attaching
	Attached
	Closed
)

func (s SessionState) String() string {
	switch s {
	case Detached:
		return "detached"
	case Attaching:
		return "attaching"
	case Attached:
		return "attached"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Status is the event clients observe on state transitions.
type Status string

const (
	StatusConnected Status = "connected"
	StatusMissing   Status = "missing"
)

// Polling settings. The firmware streams reports at a fixed cadence;
// Polling is the inbound request budget hint. The pump still keeps
// exactly one transfer in flight, the value only sizes backend buffering.
const (
	DefaultPolling = 3
	NoPolling      = -1
)

// SessionOptions configure Open. The zero value polls at DefaultPolling;
// set Polling to NoPolling to drive transfers manually with Read.
type SessionOptions struct {
	Polling int
}

// Session owns the interaction with one physical motor for one serial:
// it claims the device on attach, runs the self-resubmitting inbound
// loop, and serializes outbound command transfers. Create it with Open;
// it registers itself as the registry consumer for its serial.
type Session struct {
	serial   string
	registry *Registry
	log      *logs.Logger
	opts     SessionOptions

	mu         sync.Mutex
	state      SessionState
	dev        Device
	intf       Interface
	generation int // bumped per attach; stale pump completions are dropped

	writeBusy int32 // atomic, enforces the single-outstanding-write rule

	// reusable transfer buffers, each touched by at most one in-flight
	// transfer thanks to the single-in-flight discipline
	outBuf   [1 + protocol.MaxCommandLength]byte
	inBuf    [protocol.ReportLength]byte
	readData protocol.ReadData

	status emitter[Status]
	data   emitter[*protocol.ReadData]
	errs   emitter[error]
}

// Open creates the session for serial and registers it with r. It fails
// with ErrConsumerExists when the serial is already owned.
func Open(r *Registry, serial string, opts SessionOptions, log *logs.Logger) (*Session, error) {
	if opts.Polling == 0 {
		opts.Polling = DefaultPolling
	}
	s := &Session{
		serial:   serial,
		registry: r,
		log:      log,
		opts:     opts,
		state:    Detached,
	}
	if err := r.RegisterConsumer(serial, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) Serial() string { return s.serial }

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnStatus subscribes to connection transitions. Returns unsubscribe.
func (s *Session) OnStatus(fn func(Status)) (unsubscribe func()) {
	return s.status.subscribe(fn)
}

// OnData subscribes to decoded reports. The *ReadData is reused between
// reports; call Clone to retain one beyond the handler.
func (s *Session) OnData(fn func(*protocol.ReadData)) (unsubscribe func()) {
	return s.data.subscribe(fn)
}

// OnError subscribes to the error channel carrying decode failures and
// fatal transport errors alike.
func (s *Session) OnError(fn func(error)) (unsubscribe func()) {
	return s.errs.subscribe(fn)
}

// Attached implements Consumer. The registry calls it when a device with
// this session's serial becomes live.
func (s *Session) Attached(dev Device) {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	s.state = Attaching
	s.mu.Unlock()

	s.log.Log("claiming " + s.serial)
	intf, err := dev.Claim()
	if err != nil {
		s.mu.Lock()
		s.state = Detached
		s.mu.Unlock()
		s.errs.emit(fmt.Errorf("claim %s: %w", s.serial, err))
		return
	}

	s.mu.Lock()
	if s.state != Attaching {
		// a detach or close intervened while the claim was in flight;
		// the handle is dead, do not resurrect it
		s.mu.Unlock()
		intf.Release()
		return
	}
	s.dev = dev
	s.intf = intf
	s.outBuf[0] = byte(intf.Number())
	s.generation++
	gen := s.generation
	s.state = Attached
	polling := s.opts.Polling > 0
	s.mu.Unlock()

	s.status.emit(StatusConnected)
	if polling {
		go s.pump(dev, intf, gen)
	}
}

// Detached implements Consumer. Transfers already in flight may still
// complete afterwards; the pump tolerates their results.
func (s *Session) Detached() {
	s.mu.Lock()
	if s.state != Attached && s.state != Attaching {
		s.mu.Unlock()
		return
	}
	s.state = Detached
	s.dev = nil
	s.intf = nil
	s.mu.Unlock()

	s.status.emit(StatusMissing)
}

// pump is the continuous inbound loop: one in-flight transfer, decode,
// emit, resubmit. It also carries out a deferred close, so the device is
// never closed with a transfer outstanding.
func (s *Session) pump(dev Device, intf Interface, gen int) {
	for {
		n, err := intf.ReadReport(s.inBuf[:])

		s.mu.Lock()
		stale := gen != s.generation
		closed := s.state == Closed
		s.mu.Unlock()

		if stale {
			return
		}
		if closed {
			intf.Release()
			_ = dev.Close()
			return
		}

		if err != nil {
			if errors.Is(err, ErrStall) {
				continue
			}
			if errors.Is(err, ErrClosedDevice) {
				return
			}
			s.errs.emit(err)
			if errors.Is(err, ErrDisconnect) {
				// transport noticed before the registry scan did
				s.Detached()
			}
			return
		}

		if err := protocol.DecodeTo(s.inBuf[:n], &s.readData); err != nil {
			s.errs.emit(err)
			continue
		}
		s.data.emit(&s.readData)
	}
}

// Write encodes and submits one command. Validation happens before
// anything touches the transport; a second write while one is outstanding
// is a precondition violation, not a queue.
func (s *Session) Write(cmd protocol.Command) error {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	intf := s.intf
	s.mu.Unlock()

	var staging [protocol.MaxCommandLength]byte
	n, err := protocol.EncodeTo(staging[:], cmd)
	if err != nil {
		return err
	}

	if !atomic.CompareAndSwapInt32(&s.writeBusy, 0, 1) {
		return ErrWriteBusy
	}
	defer atomic.StoreInt32(&s.writeBusy, 0)

	if intf == nil {
		return ErrNotAttached
	}

	copy(s.outBuf[1:], staging[:n])
	_, err = intf.SendReport(s.outBuf[:1+n])
	if err != nil && errors.Is(err, ErrStall) {
		// the firmware NAKs the status stage on some benign commands
		return nil
	}
	return err
}

// Read performs one manual inbound transfer, for callers driving the
// cadence themselves instead of polling.
func (s *Session) Read() (*protocol.ReadData, error) {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	intf := s.intf
	s.mu.Unlock()

	if intf == nil {
		return nil, ErrNotAttached
	}

	var buf [protocol.ReportLength]byte
	n, err := intf.ReadReport(buf[:])
	if err != nil {
		return nil, err
	}
	return protocol.Decode(buf[:n])
}

// Close ends the session. With polling active the device close is
// deferred until the pump's current inbound cycle completes; otherwise it
// happens here. The session is unregistered as its serial's consumer.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	wasAttached := s.state == Attached
	dev, intf := s.dev, s.intf
	polling := s.opts.Polling > 0
	s.state = Closed
	s.dev = nil
	s.intf = nil
	s.mu.Unlock()

	err := s.registry.UnregisterConsumer(s.serial)

	if wasAttached && dev != nil && !polling {
		intf.Release()
		_ = dev.Close()
	}
	return err
}
