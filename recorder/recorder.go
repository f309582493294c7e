// Package recorder persists telemetry snapshots to a SQLite database.
// Each attach of a motor opens a new recording run so gaps in the data
// line up with physical disconnects.
package recorder

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/cinderblock/smooth-control/internal/logs"
	"github.com/cinderblock/smooth-control/protocol"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	serial     TEXT NOT NULL,
	started_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS samples (
	run_id        TEXT NOT NULL REFERENCES runs(id),
	at            INTEGER NOT NULL,
	state         TEXT NOT NULL,
	fault         INTEGER,
	commutation   INTEGER,
	turns         INTEGER,
	velocity      INTEGER,
	amplitude     INTEGER,
	calibrated    INTEGER,
	control_loops INTEGER,
	crc_failures  INTEGER,
	cpu_temp      INTEGER NOT NULL,
	current       INTEGER NOT NULL,
	vdd           INTEGER NOT NULL,
	v_battery     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS samples_run_at ON samples(run_id, at);
`

const insertSample = `INSERT INTO samples
	(run_id, at, state, fault, commutation, turns, velocity, amplitude,
	 calibrated, control_loops, crc_failures, cpu_temp, current, vdd, v_battery)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// sample is the flattened row written by the queue worker. Extracting
// fields up front keeps the hot subscriber callback free of SQL.
type sample struct {
	runID string
	at    time.Time

	state string

	fault *int64

	commutation *int64
	turns       *int64
	velocity    *int64
	amplitude   *int64
	calibrated  *int64
	loops       *int64
	crcFailures *int64

	cpuTemp  int64
	current  int64
	vdd      int64
	vBattery int64
}

type Recorder struct {
	db  *sql.DB
	log *logs.Logger

	queue   chan sample
	done    chan struct{}
	dropped int32

	mu   sync.Mutex
	runs map[string]string // serial -> open run id
}

// queueSize bounds memory when the disk cannot keep up with the
// device report rate. Overflow drops samples rather than blocking
// the read pump.
const queueSize = 1024

func Open(path string, log *logs.Logger) (*Recorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("recorder schema: %w", err)
	}
	r := &Recorder{
		db:    db,
		log:   log,
		queue: make(chan sample, queueSize),
		done:  make(chan struct{}),
		runs:  make(map[string]string),
	}
	go r.writer()
	return r, nil
}

func (r *Recorder) writer() {
	defer close(r.done)
	for s := range r.queue {
		_, err := r.db.Exec(insertSample,
			s.runID, s.at.UnixMilli(), s.state, s.fault,
			s.commutation, s.turns, s.velocity, s.amplitude,
			s.calibrated, s.loops, s.crcFailures,
			s.cpuTemp, s.current, s.vdd, s.vBattery)
		if err != nil {
			r.log.Log(fmt.Sprintf("recorder insert: %s", err))
		}
	}
}

// StartRun opens a recording run for serial and returns its id. An
// already-open run is kept, so racing callers agree on one run per
// attach; EndRun must separate runs.
func (r *Recorder) StartRun(serial string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.runs[serial]; ok {
		return id, nil
	}
	id := uuid.NewString()
	_, err := r.db.Exec(
		`INSERT INTO runs (id, serial, started_at) VALUES (?, ?, ?)`,
		id, serial, time.Now().UnixMilli())
	if err != nil {
		return "", err
	}
	r.runs[serial] = id
	r.log.Log(fmt.Sprintf("recorder run %s for %s", id, serial))
	return id, nil
}

// EndRun forgets the open run for serial. Rows already queued still
// land under the old run id.
func (r *Recorder) EndRun(serial string) {
	r.mu.Lock()
	delete(r.runs, serial)
	r.mu.Unlock()
}

// Record flattens a snapshot and queues it for the writer. Safe to
// call from a session data subscriber; the ReadData may be reused by
// the caller after Record returns.
func (r *Recorder) Record(serial string, data *protocol.ReadData) {
	r.mu.Lock()
	runID, ok := r.runs[serial]
	r.mu.Unlock()
	if !ok {
		return
	}

	s := sample{
		runID:    runID,
		at:       time.Now(),
		state:    data.State.String(),
		cpuTemp:  int64(data.Common.CPUTemp),
		current:  int64(data.Common.Current),
		vdd:      int64(data.Common.VDD),
		vBattery: int64(data.Common.VBattery),
	}
	switch data.State {
	case protocol.StateFault:
		s.fault = i64(int64(data.Fault.Fault))
	case protocol.StateManual:
		s.amplitude = i64(int64(data.Manual.Amplitude))
		s.velocity = i64(int64(data.Manual.Velocity))
	case protocol.StateNormal:
		n := data.Normal
		s.commutation = i64(int64(n.Position.Commutation))
		s.turns = i64(int64(n.Position.Turns))
		s.velocity = i64(int64(n.Velocity))
		s.amplitude = i64(int64(n.Amplitude))
		s.calibrated = i64(b64(n.Calibrated))
		s.loops = i64(int64(n.ControlLoops))
		s.crcFailures = i64(int64(n.MLXCRCFailures))
	}

	select {
	case r.queue <- s:
	default:
		if atomic.CompareAndSwapInt32(&r.dropped, 0, 1) {
			r.log.Log("recorder queue full, dropping samples")
		}
	}
}

// Sample is a stored telemetry row.
type Sample struct {
	RunID string    `json:"runId"`
	At    time.Time `json:"at"`
	State string    `json:"state"`

	Fault          *int64 `json:"fault,omitempty"`
	Commutation    *int64 `json:"commutation,omitempty"`
	Turns          *int64 `json:"turns,omitempty"`
	Velocity       *int64 `json:"velocity,omitempty"`
	Amplitude      *int64 `json:"amplitude,omitempty"`
	Calibrated     *int64 `json:"calibrated,omitempty"`
	ControlLoops   *int64 `json:"controlLoops,omitempty"`
	MLXCRCFailures *int64 `json:"mlxCrcFailures,omitempty"`

	CPUTemp  int64 `json:"cpuTemp"`
	Current  int64 `json:"current"`
	VDD      int64 `json:"vdd"`
	VBattery int64 `json:"vBattery"`
}

// RecentSamples returns up to limit rows for serial, newest first,
// across all of its runs.
func (r *Recorder) RecentSamples(ctx context.Context, serial string, limit int) ([]Sample, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT s.run_id, s.at, s.state, s.fault, s.commutation, s.turns,
		       s.velocity, s.amplitude, s.calibrated, s.control_loops,
		       s.crc_failures, s.cpu_temp, s.current, s.vdd, s.v_battery
		FROM samples s JOIN runs r ON r.id = s.run_id
		WHERE r.serial = ?
		ORDER BY s.at DESC LIMIT ?`, serial, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		var s Sample
		var at int64
		err := rows.Scan(&s.RunID, &at, &s.State, &s.Fault, &s.Commutation,
			&s.Turns, &s.Velocity, &s.Amplitude, &s.Calibrated,
			&s.ControlLoops, &s.MLXCRCFailures,
			&s.CPUTemp, &s.Current, &s.VDD, &s.VBattery)
		if err != nil {
			return nil, err
		}
		s.At = time.UnixMilli(at)
		out = append(out, s)
	}
	return out, rows.Err()
}

// Close drains the queue and closes the database.
func (r *Recorder) Close() error {
	close(r.queue)
	<-r.done
	return r.db.Close()
}

func i64(v int64) *int64 { return &v }

func b64(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
