// Package logs collects driver logging: an in-memory rotating writer that
// backs the status page and a Logger that annotates lines with their call
// site. The detailed log would be far too chatty for a file, so it lives
// in memory, keeps the first lines from startup, and rotates the rest.
package logs

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// hardcode max line length to bound memory use
const maxLineLength = 500

type MemoryWriter struct {
	maxLineCount int
	lines        [][]byte // lines include newlines
	startLines   [][]byte
	startCount   int
	startTime    time.Time
	printTime    bool
	outWriter    io.Writer
	mutex        sync.Mutex
}

// NewMemoryWriter creates a writer keeping the first startSize lines and
// the last size lines. When out is non-nil every line is copied there too.
func NewMemoryWriter(size, startSize int, printTime bool, out io.Writer) (*MemoryWriter, error) {
	if size < 1 {
		return nil, errors.New("size cannot be <1")
	}
	if startSize < 1 {
		return nil, errors.New("startSize cannot be <1")
	}
	return &MemoryWriter{
		maxLineCount: size,
		lines:        make([][]byte, 0, size),
		startCount:   startSize,
		startLines:   make([][]byte, 0, startSize),
		startTime:    time.Now(),
		printTime:    printTime,
		outWriter:    out,
	}, nil
}

func (m *MemoryWriter) Write(p []byte) (int, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if len(p) > maxLineLength {
		p = p[:maxLineLength]
	}

	var newline []byte
	if !m.printTime {
		newline = make([]byte, len(p))
		copy(newline, p)
	} else {
		now := time.Now()
		elapsed := now.Sub(m.startTime)
		newline = []byte(fmt.Sprintf("[%.6f : %s] %s", elapsed.Seconds(), now.Format("15:04:05"), string(p)))
	}

	if len(m.startLines) < m.startCount {
		// still within the startup window, do not rotate
		m.startLines = append(m.startLines, newline)
	} else {
		for len(m.lines) >= m.maxLineCount {
			m.lines = m.lines[1:]
		}
		m.lines = append(m.lines, newline)
	}

	if m.outWriter != nil {
		if _, err := m.outWriter.Write(newline); err != nil {
			// give up, just print on stdout
			fmt.Println(err)
		}
	}
	return len(p), nil
}

// export writes the log to w, newest lines first, with the startup lines
// at the bottom and header text on top.
func (m *MemoryWriter) export(header string, w io.Writer) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, err := w.Write([]byte(header)); err != nil {
		return err
	}
	for i := len(m.lines) - 1; i >= 0; i-- {
		if _, err := w.Write(m.lines[i]); err != nil {
			return err
		}
	}
	if _, err := w.Write([]byte("...\n")); err != nil {
		return err
	}
	for i := len(m.startLines) - 1; i >= 0; i-- {
		if _, err := w.Write(m.startLines[i]); err != nil {
			return err
		}
	}
	return nil
}

// String exports the log as a string.
func (m *MemoryWriter) String(header string) (string, error) {
	var b bytes.Buffer
	if err := m.export(header, &b); err != nil {
		return "", err
	}
	return b.String(), nil
}

// Gzip exports the log as gzip bytes, for the log download endpoint.
func (m *MemoryWriter) Gzip(header string) ([]byte, error) {
	var buf bytes.Buffer
	gw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	gw.Name = "log.txt"
	if err := m.export(header, gw); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
