package diff

import (
	"encoding/json"
	"io"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Exporter persists generated reports somewhere durable, one per
// configured target (ground: diffexporter.hh's DiffExporter interface).
type Exporter interface {
	Export(r Report2) error
	Close() error
}

// FileExporter writes newline-delimited JSON reports to a rotated log
// file via lumberjack, the way the teacher's logging stack rotates its
// own output.
type FileExporter struct {
	mu  sync.Mutex
	out io.WriteCloser
}

// NewFileExporter opens (or creates) path for append, rotating per the
// given lumberjack policy.
func NewFileExporter(path string, maxSizeMB, maxBackups, maxAgeDays int, compress bool) *FileExporter {
	return &FileExporter{
		out: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			MaxAge:     maxAgeDays,
			Compress:   compress,
		},
	}
}

// Export appends one JSON-encoded report line.
func (e *FileExporter) Export(r Report2) error {
	buf, err := json.Marshal(r)
	if err != nil {
		return err
	}
	buf = append(buf, '\n')
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err = e.out.Write(buf)
	return err
}

// Close closes the underlying rotated log file.
func (e *FileExporter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.out.Close()
}

// MultiSink fans a report out to every target's Exporter, implementing
// ReportSink.
type MultiSink struct {
	mu        sync.RWMutex
	exporters map[string]Exporter
}

// NewMultiSink returns an empty sink.
func NewMultiSink() *MultiSink {
	return &MultiSink{exporters: make(map[string]Exporter)}
}

// SetExporter registers (or replaces) the exporter for a target name.
func (m *MultiSink) SetExporter(target string, e Exporter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exporters[target] = e
}

// ExporterFor returns the exporter registered for a target, if any.
func (m *MultiSink) ExporterFor(target string) (Exporter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.exporters[target]
	return e, ok
}

// Report implements ReportSink by exporting to every target named in the
// report's Results.
func (m *MultiSink) Report(r Report2) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, tr := range r.Results {
		if e, ok := m.exporters[tr.Target]; ok {
			_ = e.Export(r)
		}
	}
}

// Close closes every registered exporter.
func (m *MultiSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var first error
	for _, e := range m.exporters {
		if err := e.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
