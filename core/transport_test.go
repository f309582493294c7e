package core

import (
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cinderblock/smooth-control/internal/logs"
)

// Transport fakes shared by the registry and session tests. Reads are
// fed through a channel so tests control exactly when the pump's
// in-flight transfer completes.

type readResult struct {
	data []byte
	err  error
}

type fakeInterface struct {
	number int
	reads  chan readResult

	mu       sync.Mutex
	sent     [][]byte
	sendErr  error
	released bool
}

func newFakeInterface() *fakeInterface {
	return &fakeInterface{reads: make(chan readResult, 16)}
}

func (f *fakeInterface) Number() int { return f.number }

func (f *fakeInterface) ReadReport(buf []byte) (int, error) {
	res, ok := <-f.reads
	if !ok {
		return 0, ErrClosedDevice
	}
	if res.err != nil {
		return 0, res.err
	}
	n := copy(buf, res.data)
	return n, nil
}

func (f *fakeInterface) SendReport(data []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return 0, f.sendErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.sent = append(f.sent, cp)
	return len(data), nil
}

func (f *fakeInterface) Release() {
	f.mu.Lock()
	f.released = true
	f.mu.Unlock()
}

func (f *fakeInterface) sentReports() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeInterface) wasReleased() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

type fakeDevice struct {
	path     string
	serial   string
	intf     *fakeInterface
	claimErr error
	closed   int32

	// optional claim gating, for tests that interleave a detach with a
	// claim still in flight
	claimStarted chan struct{}
	claimGate    chan struct{}
}

func (d *fakeDevice) Path() string   { return d.path }
func (d *fakeDevice) Serial() string { return d.serial }

func (d *fakeDevice) Claim() (Interface, error) {
	if d.claimStarted != nil {
		close(d.claimStarted)
	}
	if d.claimGate != nil {
		<-d.claimGate
	}
	if d.claimErr != nil {
		return nil, d.claimErr
	}
	return d.intf, nil
}

func (d *fakeDevice) Close() error {
	atomic.AddInt32(&d.closed, 1)
	return nil
}

func (d *fakeDevice) wasClosed() bool {
	return atomic.LoadInt32(&d.closed) > 0
}

type fakeBus struct {
	mu         sync.Mutex
	infos      []Info
	devices    map[string]*fakeDevice
	connectErr map[string]error
	connectCnt map[string]int
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		devices:    make(map[string]*fakeDevice),
		connectErr: make(map[string]error),
		connectCnt: make(map[string]int),
	}
}

func (b *fakeBus) plug(d *fakeDevice) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.infos = append(b.infos, Info{Path: d.path})
	b.devices[d.path] = d
}

func (b *fakeBus) unplug(path string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	infos := b.infos[:0]
	for _, i := range b.infos {
		if i.Path != path {
			infos = append(infos, i)
		}
	}
	b.infos = infos
	delete(b.devices, path)
}

func (b *fakeBus) Enumerate() ([]Info, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Info, len(b.infos))
	copy(out, b.infos)
	return out, nil
}

func (b *fakeBus) Connect(path string) (Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connectCnt[path]++
	if err := b.connectErr[path]; err != nil {
		return nil, err
	}
	d := b.devices[path]
	if d == nil {
		return nil, ErrDisconnect
	}
	return d, nil
}

func (b *fakeBus) Has(path string) bool { return true }

func (b *fakeBus) connects(path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connectCnt[path]
}

func testLogger() *logs.Logger {
	return &logs.Logger{Writer: io.Discard}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
