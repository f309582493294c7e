package core

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cinderblock/smooth-control/internal/logs"
)

// Consumer receives attach and detach notifications for one serial. At
// most one consumer may own a serial for the registry's lifetime.
type Consumer interface {
	Attached(dev Device)
	Detached()
}

// AttachListener observes every physical attach, independent of serial
// ownership. duplicate is set when a second device claims a serial that
// already has a live device; such devices are not adopted.
type AttachListener func(dev Device, duplicate bool)

// RegistryOptions tune the attach-scanning loop.
type RegistryOptions struct {
	// ScanInterval between bus enumerations. Default 500ms.
	ScanInterval time.Duration
	// ProbeBackoff is the fixed delay before re-probing a device whose
	// serial read failed. Default 500ms.
	ProbeBackoff time.Duration
	// MaxProbeAttempts bounds identity-probe retries per path; 0 means
	// retry indefinitely.
	MaxProbeAttempts int
}

// record tracks one serial ever seen or registered for. The registry
// holds a weak association: sessions borrow the device, the record just
// points at it while it is physically present.
type record struct {
	serial   string
	dev      Device
	consumer Consumer
}

type probeState struct {
	attempts int
	next     time.Time
}

// Registry is the process-wide directory of motor serials, live device
// handles and session consumers. Construct one per process (or per test)
// with NewRegistry; there is no ambient global instance.
type Registry struct {
	bus  Bus
	log  *logs.Logger
	opts RegistryOptions

	mu           sync.Mutex
	records      map[string]*record
	byPath       map[string]string // live device path -> serial
	duplicates   map[string]string // rejected duplicate path -> serial
	probes       map[string]*probeState
	listeners    map[int]AttachListener
	nextListener int
	started      bool

	stop chan struct{}
	done chan struct{}
}

func NewRegistry(bus Bus, log *logs.Logger, opts RegistryOptions) *Registry {
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = 500 * time.Millisecond
	}
	if opts.ProbeBackoff <= 0 {
		opts.ProbeBackoff = 500 * time.Millisecond
	}
	return &Registry{
		bus:        bus,
		log:        log,
		opts:       opts,
		records:    make(map[string]*record),
		byPath:     make(map[string]string),
		duplicates: make(map[string]string),
		probes:     make(map[string]*probeState),
		listeners:  make(map[int]AttachListener),
	}
}

// Start begins scanning for already-connected devices and watching for
// attach/detach. Starting twice is a no-op.
func (r *Registry) Start() {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		r.log.Log("start requested twice, ignoring")
		return
	}
	r.started = true
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	r.mu.Unlock()

	r.log.Log("starting attach scan")
	go r.watch()
}

// Stop ends the scan loop. Live devices stay associated; sessions own
// their shutdown.
func (r *Registry) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	stop, done := r.stop, r.done
	r.mu.Unlock()

	close(stop)
	<-done
}

func (r *Registry) watch() {
	defer close(r.done)
	ticker := time.NewTicker(r.opts.ScanInterval)
	defer ticker.Stop()
	for {
		r.scan()
		select {
		case <-r.stop:
			return
		case <-ticker.C:
		}
	}
}

// scan diffs one bus enumeration against the known device set.
func (r *Registry) scan() {
	infos, err := r.bus.Enumerate()
	if err != nil {
		r.log.Log("enumerate error: " + err.Error())
		return
	}

	present := make(map[string]bool, len(infos))
	for _, info := range infos {
		present[info.Path] = true
	}

	r.mu.Lock()
	var gone []string
	for path := range r.byPath {
		if !present[path] {
			gone = append(gone, path)
		}
	}
	for path := range r.probes {
		if !present[path] {
			delete(r.probes, path)
		}
	}
	for path := range r.duplicates {
		if !present[path] {
			delete(r.duplicates, path)
		}
	}
	r.mu.Unlock()

	for _, path := range gone {
		r.handleDetach(path)
	}

	for _, info := range infos {
		r.mu.Lock()
		_, known := r.byPath[info.Path]
		if !known {
			_, known = r.duplicates[info.Path]
		}
		r.mu.Unlock()
		if !known {
			r.probe(info)
		}
	}
}

// probe opens a newly seen device and resolves its identity. Probe
// failures (transient USB enumeration hiccups) are retried with a fixed
// backoff so a bad first read does not permanently exclude a device.
func (r *Registry) probe(info Info) {
	r.mu.Lock()
	ps := r.probes[info.Path]
	if ps == nil {
		ps = &probeState{}
		r.probes[info.Path] = ps
	}
	if time.Now().Before(ps.next) {
		r.mu.Unlock()
		return
	}
	if r.opts.MaxProbeAttempts > 0 && ps.attempts >= r.opts.MaxProbeAttempts {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	dev, err := r.bus.Connect(info.Path)
	if err != nil {
		r.mu.Lock()
		ps.attempts++
		ps.next = time.Now().Add(r.opts.ProbeBackoff)
		attempts := ps.attempts
		r.mu.Unlock()
		r.log.Log(fmt.Sprintf("identity probe failed for %s (attempt %d): %s", info.Path, attempts, err))
		if r.opts.MaxProbeAttempts > 0 && attempts >= r.opts.MaxProbeAttempts {
			r.log.Log("giving up on " + info.Path)
		}
		return
	}

	r.mu.Lock()
	delete(r.probes, info.Path)
	r.mu.Unlock()
	r.handleAttach(dev)
}

// handleAttach adopts a probed device into its serial's record and
// notifies the consumer and the process-wide listeners.
func (r *Registry) handleAttach(dev Device) {
	serial := dev.Serial()

	r.mu.Lock()
	rec := r.records[serial]
	if rec == nil {
		rec = &record{serial: serial}
		r.records[serial] = rec
	}
	if rec.dev != nil {
		// a device is already live for this serial; do not adopt the
		// newcomer, but listeners still hear about it. Remember the path
		// so the next scan does not re-probe and re-announce it.
		r.duplicates[dev.Path()] = serial
		listeners := r.snapshotListeners()
		r.mu.Unlock()
		r.log.Log("duplicate device for serial " + serial)
		for _, l := range listeners {
			l(dev, true)
		}
		_ = dev.Close()
		return
	}
	rec.dev = dev
	r.byPath[dev.Path()] = serial
	consumer := rec.consumer
	listeners := r.snapshotListeners()
	r.mu.Unlock()

	r.log.Log(fmt.Sprintf("attached %s at %s", serial, dev.Path()))
	if consumer != nil {
		consumer.Attached(dev)
	}
	for _, l := range listeners {
		l(dev, false)
	}
}

// handleDetach clears the live device whose path vanished and notifies
// its consumer.
func (r *Registry) handleDetach(path string) {
	r.mu.Lock()
	serial, ok := r.byPath[path]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byPath, path)
	rec := r.records[serial]
	var dev Device
	var consumer Consumer
	if rec != nil && rec.dev != nil && rec.dev.Path() == path {
		dev = rec.dev
		rec.dev = nil
		consumer = rec.consumer
	}
	// rejected duplicates of this serial become adoptable again; the
	// next scan re-probes any that are still present
	for p, s := range r.duplicates {
		if s == serial {
			delete(r.duplicates, p)
		}
	}
	r.mu.Unlock()

	r.log.Log("detached " + serial)
	if consumer != nil {
		consumer.Detached()
	}
	if dev != nil {
		// the handle is dead, release its resources
		_ = dev.Close()
	}
}

// snapshotListeners must be called with r.mu held.
func (r *Registry) snapshotListeners() []AttachListener {
	ids := make([]int, 0, len(r.listeners))
	for id := range r.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]AttachListener, len(ids))
	for i, id := range ids {
		out[i] = r.listeners[id]
	}
	return out
}

// RegisterConsumer attaches c as the single consumer for serial, creating
// the record when the serial has never been seen. When a device is
// already live for the serial, c's Attached fires immediately. A second
// consumer for the same serial is a configuration error.
func (r *Registry) RegisterConsumer(serial string, c Consumer) error {
	r.mu.Lock()
	rec := r.records[serial]
	if rec == nil {
		rec = &record{serial: serial}
		r.records[serial] = rec
	}
	if rec.consumer != nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrConsumerExists, serial)
	}
	rec.consumer = c
	dev := rec.dev
	r.mu.Unlock()

	if dev != nil {
		c.Attached(dev)
	}
	return nil
}

// UnregisterConsumer removes the consumer for serial and drops the
// live-device association without closing it; the departing session owns
// the physical close. A missing record is an invariant violation.
func (r *Registry) UnregisterConsumer(serial string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.records[serial]
	if rec == nil {
		return fmt.Errorf("%w: %q", ErrNoRecord, serial)
	}
	rec.consumer = nil
	if rec.dev != nil {
		delete(r.byPath, rec.dev.Path())
		rec.dev = nil
	}
	return nil
}

// AddAttachListener registers a process-wide attach observer. It is
// replayed immediately against every currently-attached device, then
// called for each future attach. The returned function unsubscribes.
func (r *Registry) AddAttachListener(l AttachListener) (unsubscribe func()) {
	r.mu.Lock()
	id := r.nextListener
	r.nextListener++
	r.listeners[id] = l
	var live []Device
	for _, rec := range r.records {
		if rec.dev != nil {
			live = append(live, rec.dev)
		}
	}
	r.mu.Unlock()

	for _, dev := range live {
		l(dev, false)
	}
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.listeners, id)
	}
}

// Entry is one row of the registry directory, for status and bridge
// listings.
type Entry struct {
	Serial   string `json:"serial"`
	Path     string `json:"path,omitempty"`
	Attached bool   `json:"attached"`
	Owned    bool   `json:"owned"`
}

// Entries lists every known serial, sorted.
func (r *Registry) Entries() []Entry {
	r.mu.Lock()
	entries := make([]Entry, 0, len(r.records))
	for _, rec := range r.records {
		e := Entry{
			Serial:   rec.serial,
			Attached: rec.dev != nil,
			Owned:    rec.consumer != nil,
		}
		if rec.dev != nil {
			e.Path = rec.dev.Path()
		}
		entries = append(entries, e)
	}
	r.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Serial < entries[j].Serial
	})
	return entries
}
