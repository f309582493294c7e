// Package api ties the device registry, motor sessions and the
// telemetry recorder into one surface the HTTP layer talks to. The
// HTTP handlers only convert requests and responses; everything
// stateful happens here.
package api

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cinderblock/smooth-control/core"
	"github.com/cinderblock/smooth-control/internal/logs"
	"github.com/cinderblock/smooth-control/protocol"
	"github.com/cinderblock/smooth-control/recorder"
)

var (
	ErrNotAcquired     = errors.New("motor not acquired")
	ErrAlreadyAcquired = errors.New("motor already acquired")
)

type motor struct {
	session *core.Session
	cancel  []func()

	mu     sync.Mutex
	latest *protocol.ReadData
	at     time.Time
}

type API struct {
	registry *core.Registry
	rec      *recorder.Recorder // nil disables persistence
	logger   *logs.Logger

	mu     sync.Mutex
	motors map[string]*motor
}

// New creates the API surface. rec may be nil when recording is
// disabled in the configuration.
func New(r *core.Registry, rec *recorder.Recorder, logger *logs.Logger) *API {
	return &API{
		registry: r,
		rec:      rec,
		logger:   logger,
		motors:   make(map[string]*motor),
	}
}

// Enumerate lists every device path the registry knows about.
func (a *API) Enumerate() []core.Entry {
	return a.registry.Entries()
}

// Acquire opens a session for serial; telemetry starts flowing into
// the latest-snapshot cache and, when enabled, the recorder. polling
// follows core.SessionOptions semantics.
func (a *API) Acquire(serial string, polling int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.motors[serial]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyAcquired, serial)
	}

	s, err := core.Open(a.registry, serial, core.SessionOptions{Polling: polling}, a.logger)
	if err != nil {
		return err
	}

	m := &motor{session: s}
	m.cancel = append(m.cancel, s.OnData(func(data *protocol.ReadData) {
		m.mu.Lock()
		m.latest = data.Clone()
		m.at = time.Now()
		m.mu.Unlock()
		if a.rec != nil {
			a.rec.Record(serial, data)
		}
	}))
	m.cancel = append(m.cancel, s.OnStatus(func(st core.Status) {
		a.logger.Log(fmt.Sprintf("motor %s %s", serial, st))
		if a.rec == nil {
			return
		}
		switch st {
		case core.StatusConnected:
			if _, err := a.rec.StartRun(serial); err != nil {
				a.logger.Log("recorder run: " + err.Error())
			}
		case core.StatusMissing:
			a.rec.EndRun(serial)
		}
	}))
	m.cancel = append(m.cancel, s.OnError(func(err error) {
		a.logger.Log(fmt.Sprintf("motor %s: %s", serial, err))
	}))

	// the device may have attached before the subscriptions above were
	// wired, in which case the status callback never saw the transition
	if a.rec != nil && s.State() == core.Attached {
		if _, err := a.rec.StartRun(serial); err != nil {
			a.logger.Log("recorder run: " + err.Error())
		}
	}

	a.motors[serial] = m
	return nil
}

// Release closes the session for serial.
func (a *API) Release(serial string) error {
	a.mu.Lock()
	m, ok := a.motors[serial]
	delete(a.motors, serial)
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotAcquired, serial)
	}
	for _, c := range m.cancel {
		c()
	}
	if a.rec != nil {
		a.rec.EndRun(serial)
	}
	return m.session.Close()
}

func (a *API) motor(serial string) (*motor, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.motors[serial]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotAcquired, serial)
	}
	return m, nil
}

// Command builds and sends one outbound report to serial.
func (a *API) Command(serial string, req *CommandRequest) error {
	m, err := a.motor(serial)
	if err != nil {
		return err
	}
	cmd, err := req.Build()
	if err != nil {
		return err
	}
	return m.session.Write(cmd)
}

// Latest returns the most recent decoded report for serial and when it
// arrived. ok is false before the first report lands.
func (a *API) Latest(serial string) (data *protocol.ReadData, at time.Time, ok bool, err error) {
	m, err := a.motor(serial)
	if err != nil {
		return nil, time.Time{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.latest == nil {
		return nil, time.Time{}, false, nil
	}
	return m.latest, m.at, true, nil
}

// ReadNow performs a single manual transfer, for sessions opened
// without polling.
func (a *API) ReadNow(serial string) (*protocol.ReadData, error) {
	m, err := a.motor(serial)
	if err != nil {
		return nil, err
	}
	return m.session.Read()
}

// History returns stored telemetry rows, newest first.
func (a *API) History(ctx context.Context, serial string, limit int) ([]recorder.Sample, error) {
	if a.rec == nil {
		return nil, errors.New("recording is disabled")
	}
	return a.rec.RecentSamples(ctx, serial, limit)
}

// Acquired lists serials with an open session.
func (a *API) Acquired() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.motors))
	for serial := range a.motors {
		out = append(out, serial)
	}
	return out
}

// Close releases every open session.
func (a *API) Close() {
	a.mu.Lock()
	motors := a.motors
	a.motors = make(map[string]*motor)
	a.mu.Unlock()
	for serial, m := range motors {
		for _, c := range m.cancel {
			c()
		}
		if err := m.session.Close(); err != nil {
			a.logger.Log(fmt.Sprintf("close %s: %s", serial, err))
		}
	}
}
