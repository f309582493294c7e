package core

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingConsumer struct {
	mu       sync.Mutex
	attached []Device
	detached int
}

func (c *recordingConsumer) Attached(dev Device) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attached = append(c.attached, dev)
}

func (c *recordingConsumer) Detached() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detached++
}

func (c *recordingConsumer) attachCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.attached)
}

func (c *recordingConsumer) detachCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.detached
}

func newTestRegistry(bus Bus) *Registry {
	return NewRegistry(bus, testLogger(), RegistryOptions{
		ProbeBackoff: time.Millisecond,
	})
}

func TestScanAttachesAndNotifiesConsumer(t *testing.T) {
	bus := newFakeBus()
	r := newTestRegistry(bus)

	c := &recordingConsumer{}
	if err := r.RegisterConsumer("MOTOR-1", c); err != nil {
		t.Fatal(err)
	}

	dev := &fakeDevice{path: "usb1.2", serial: "MOTOR-1", intf: newFakeInterface()}
	bus.plug(dev)
	r.scan()

	if c.attachCount() != 1 {
		t.Fatalf("attached %d times", c.attachCount())
	}
	entries := r.Entries()
	if len(entries) != 1 || !entries[0].Attached || !entries[0].Owned || entries[0].Path != "usb1.2" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestRegisterConsumerReplaysLiveDevice(t *testing.T) {
	bus := newFakeBus()
	r := newTestRegistry(bus)

	dev := &fakeDevice{path: "usb1.2", serial: "MOTOR-1", intf: newFakeInterface()}
	bus.plug(dev)
	r.scan()

	c := &recordingConsumer{}
	if err := r.RegisterConsumer("MOTOR-1", c); err != nil {
		t.Fatal(err)
	}
	if c.attachCount() != 1 {
		t.Fatalf("attached %d times, want immediate replay", c.attachCount())
	}
}

func TestSecondConsumerRejected(t *testing.T) {
	r := newTestRegistry(newFakeBus())
	if err := r.RegisterConsumer("MOTOR-1", &recordingConsumer{}); err != nil {
		t.Fatal(err)
	}
	err := r.RegisterConsumer("MOTOR-1", &recordingConsumer{})
	if !errors.Is(err, ErrConsumerExists) {
		t.Fatalf("err = %v, want ErrConsumerExists", err)
	}
}

func TestDetachNotifiesAndCloses(t *testing.T) {
	bus := newFakeBus()
	r := newTestRegistry(bus)

	c := &recordingConsumer{}
	if err := r.RegisterConsumer("MOTOR-1", c); err != nil {
		t.Fatal(err)
	}
	dev := &fakeDevice{path: "usb1.2", serial: "MOTOR-1", intf: newFakeInterface()}
	bus.plug(dev)
	r.scan()

	bus.unplug("usb1.2")
	r.scan()

	if c.detachCount() != 1 {
		t.Fatalf("detached %d times", c.detachCount())
	}
	if !dev.wasClosed() {
		t.Error("dead handle should be closed")
	}
	entries := r.Entries()
	if len(entries) != 1 || entries[0].Attached {
		t.Errorf("entries = %+v", entries)
	}
}

func TestDuplicateSerialNotAdopted(t *testing.T) {
	bus := newFakeBus()
	r := newTestRegistry(bus)

	var dupes []Device
	var mu sync.Mutex
	r.AddAttachListener(func(dev Device, duplicate bool) {
		if duplicate {
			mu.Lock()
			dupes = append(dupes, dev)
			mu.Unlock()
		}
	})

	first := &fakeDevice{path: "usb1.2", serial: "MOTOR-1", intf: newFakeInterface()}
	second := &fakeDevice{path: "usb1.3", serial: "MOTOR-1", intf: newFakeInterface()}
	bus.plug(first)
	r.scan()
	bus.plug(second)
	r.scan()

	mu.Lock()
	n := len(dupes)
	mu.Unlock()
	if n != 1 {
		t.Fatalf("duplicate notifications = %d", n)
	}
	if !second.wasClosed() {
		t.Error("duplicate device should be closed")
	}
	if first.wasClosed() {
		t.Error("original device must stay open")
	}
	entries := r.Entries()
	if len(entries) != 1 || entries[0].Path != "usb1.2" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestDuplicateNotifiedOncePerAttach(t *testing.T) {
	bus := newFakeBus()
	r := newTestRegistry(bus)

	var mu sync.Mutex
	dupes := 0
	r.AddAttachListener(func(dev Device, duplicate bool) {
		if duplicate {
			mu.Lock()
			dupes++
			mu.Unlock()
		}
	})

	bus.plug(&fakeDevice{path: "usb1.2", serial: "MOTOR-1", intf: newFakeInterface()})
	r.scan()
	bus.plug(&fakeDevice{path: "usb1.3", serial: "MOTOR-1", intf: newFakeInterface()})
	for i := 0; i < 5; i++ {
		r.scan()
	}

	mu.Lock()
	n := dupes
	mu.Unlock()
	if n != 1 {
		t.Fatalf("duplicate notifications = %d for one physical attach, want 1", n)
	}
	if got := bus.connects("usb1.3"); got != 1 {
		t.Errorf("duplicate path connected %d times, want 1", got)
	}
}

func TestDuplicateAdoptedAfterPrimaryDetach(t *testing.T) {
	bus := newFakeBus()
	r := newTestRegistry(bus)

	first := &fakeDevice{path: "usb1.2", serial: "MOTOR-1", intf: newFakeInterface()}
	bus.plug(first)
	r.scan()
	bus.plug(&fakeDevice{path: "usb1.3", serial: "MOTOR-1", intf: newFakeInterface()})
	r.scan()

	bus.unplug("usb1.2")
	// the detach frees the serial, so the same scan re-probes and
	// adopts the surviving duplicate
	r.scan()

	entries := r.Entries()
	if len(entries) != 1 || !entries[0].Attached || entries[0].Path != "usb1.3" {
		t.Errorf("entries = %+v, want usb1.3 attached", entries)
	}
}

func TestProbeRetriesWithCap(t *testing.T) {
	bus := newFakeBus()
	bus.mu.Lock()
	bus.infos = append(bus.infos, Info{Path: "usb9.9"})
	bus.connectErr["usb9.9"] = ErrDisconnect
	bus.mu.Unlock()

	r := NewRegistry(bus, testLogger(), RegistryOptions{
		ProbeBackoff:     time.Millisecond,
		MaxProbeAttempts: 2,
	})

	for i := 0; i < 5; i++ {
		r.scan()
		time.Sleep(2 * time.Millisecond)
	}
	if got := bus.connects("usb9.9"); got != 2 {
		t.Fatalf("connect attempts = %d, want 2", got)
	}
}

func TestProbeRetriesForeverByDefault(t *testing.T) {
	bus := newFakeBus()
	bus.mu.Lock()
	bus.infos = append(bus.infos, Info{Path: "usb9.9"})
	bus.connectErr["usb9.9"] = ErrDisconnect
	bus.mu.Unlock()

	r := newTestRegistry(bus)
	for i := 0; i < 4; i++ {
		r.scan()
		time.Sleep(2 * time.Millisecond)
	}
	if got := bus.connects("usb9.9"); got < 4 {
		t.Fatalf("connect attempts = %d, want >= 4", got)
	}
}

func TestProbeRecoversAfterFailure(t *testing.T) {
	bus := newFakeBus()
	dev := &fakeDevice{path: "usb1.2", serial: "MOTOR-1", intf: newFakeInterface()}
	bus.plug(dev)
	bus.mu.Lock()
	bus.connectErr["usb1.2"] = ErrDisconnect
	bus.mu.Unlock()

	r := newTestRegistry(bus)
	r.scan()
	if len(r.Entries()) != 0 {
		t.Fatal("device should not be adopted while probing fails")
	}

	bus.mu.Lock()
	delete(bus.connectErr, "usb1.2")
	bus.mu.Unlock()
	time.Sleep(2 * time.Millisecond)
	r.scan()

	entries := r.Entries()
	if len(entries) != 1 || entries[0].Serial != "MOTOR-1" {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestUnregisterKeepsDeviceOpen(t *testing.T) {
	bus := newFakeBus()
	r := newTestRegistry(bus)

	c := &recordingConsumer{}
	if err := r.RegisterConsumer("MOTOR-1", c); err != nil {
		t.Fatal(err)
	}
	dev := &fakeDevice{path: "usb1.2", serial: "MOTOR-1", intf: newFakeInterface()}
	bus.plug(dev)
	r.scan()

	if err := r.UnregisterConsumer("MOTOR-1"); err != nil {
		t.Fatal(err)
	}
	if dev.wasClosed() {
		t.Error("registry must not close the device on unregister")
	}
	entries := r.Entries()
	if len(entries) != 1 || entries[0].Owned || entries[0].Attached {
		t.Errorf("entries = %+v", entries)
	}
}

func TestUnregisterUnknownSerial(t *testing.T) {
	r := newTestRegistry(newFakeBus())
	if err := r.UnregisterConsumer("NOPE"); !errors.Is(err, ErrNoRecord) {
		t.Fatalf("err = %v, want ErrNoRecord", err)
	}
}

func TestAttachListenerReplayAndUnsubscribe(t *testing.T) {
	bus := newFakeBus()
	r := newTestRegistry(bus)

	dev := &fakeDevice{path: "usb1.2", serial: "MOTOR-1", intf: newFakeInterface()}
	bus.plug(dev)
	r.scan()

	var mu sync.Mutex
	count := 0
	unsub := r.AddAttachListener(func(d Device, duplicate bool) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	mu.Lock()
	replayed := count
	mu.Unlock()
	if replayed != 1 {
		t.Fatalf("replayed %d times", replayed)
	}

	unsub()
	second := &fakeDevice{path: "usb1.3", serial: "MOTOR-2", intf: newFakeInterface()}
	bus.plug(second)
	r.scan()

	mu.Lock()
	final := count
	mu.Unlock()
	if final != 1 {
		t.Fatalf("listener fired after unsubscribe, count = %d", final)
	}
}

func TestEntriesSorted(t *testing.T) {
	bus := newFakeBus()
	r := newTestRegistry(bus)
	bus.plug(&fakeDevice{path: "usb1.3", serial: "B", intf: newFakeInterface()})
	bus.plug(&fakeDevice{path: "usb1.2", serial: "A", intf: newFakeInterface()})
	r.scan()

	entries := r.Entries()
	if len(entries) != 2 || entries[0].Serial != "A" || entries[1].Serial != "B" {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	bus := newFakeBus()
	r := newTestRegistry(bus)
	r.Start()
	r.Start() // ignored
	dev := &fakeDevice{path: "usb1.2", serial: "MOTOR-1", intf: newFakeInterface()}
	bus.plug(dev)
	waitFor(t, "attach", func() bool {
		entries := r.Entries()
		return len(entries) == 1 && entries[0].Attached
	})
	r.Stop()
}
