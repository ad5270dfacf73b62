// Package syncmetrics collects counters for reconciliation passes and live
// event handling and reports them through plog.
package syncmetrics

import (
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/paulschiretz/pgl-mirror/pkg/plog"
)

// Metrics defines the interface for collecting and reporting mirroring statistics.
type Metrics interface {
	AddFilesMatched(n int64)
	AddFilesCopied(n int64)
	AddFilesRenamed(n int64)
	AddFilesDeleted(n int64)
	AddFilesFailed(n int64)
	AddBytesWritten(n int64)
	AddDirsCreated(n int64)
	AddDirsDeleted(n int64)
	AddDirsMoved(n int64)
	AddEventsHandled(n int64)
	AddEventsSkipped(n int64)
	LogSummary(msg string)

	StartProgress(msg string, interval time.Duration)
	StopProgress()
}

// MirrorMetrics holds the atomic counters for a mirroring session.
// It is the concrete implementation of the Metrics interface.
type MirrorMetrics struct {
	FilesMatched  atomic.Int64
	FilesCopied   atomic.Int64
	FilesRenamed  atomic.Int64
	FilesDeleted  atomic.Int64
	FilesFailed   atomic.Int64
	BytesWritten  atomic.Int64
	DirsCreated   atomic.Int64
	DirsDeleted   atomic.Int64
	DirsMoved     atomic.Int64
	EventsHandled atomic.Int64
	EventsSkipped atomic.Int64

	stopChan  chan struct{}
	startTime time.Time
}

func (m *MirrorMetrics) AddFilesMatched(n int64)  { m.FilesMatched.Add(n) }
func (m *MirrorMetrics) AddFilesCopied(n int64)   { m.FilesCopied.Add(n) }
func (m *MirrorMetrics) AddFilesRenamed(n int64)  { m.FilesRenamed.Add(n) }
func (m *MirrorMetrics) AddFilesDeleted(n int64)  { m.FilesDeleted.Add(n) }
func (m *MirrorMetrics) AddFilesFailed(n int64)   { m.FilesFailed.Add(n) }
func (m *MirrorMetrics) AddBytesWritten(n int64)  { m.BytesWritten.Add(n) }
func (m *MirrorMetrics) AddDirsCreated(n int64)   { m.DirsCreated.Add(n) }
func (m *MirrorMetrics) AddDirsDeleted(n int64)   { m.DirsDeleted.Add(n) }
func (m *MirrorMetrics) AddDirsMoved(n int64)     { m.DirsMoved.Add(n) }
func (m *MirrorMetrics) AddEventsHandled(n int64) { m.EventsHandled.Add(n) }
func (m *MirrorMetrics) AddEventsSkipped(n int64) { m.EventsSkipped.Add(n) }

// StartProgress logs a summary every interval until StopProgress is called.
func (m *MirrorMetrics) StartProgress(msg string, interval time.Duration) {
	m.startTime = time.Now()
	m.stopChan = make(chan struct{})
	ticker := time.NewTicker(interval)
	stop := m.stopChan
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.LogSummary(msg)
			case <-stop:
				return
			}
		}
	}()
}

func (m *MirrorMetrics) StopProgress() {
	if m.stopChan != nil {
		close(m.stopChan)
		m.stopChan = nil
	}
}

// LogSummary prints the counters with a custom message.
// This can be called by a background ticker or at the end of the run.
func (m *MirrorMetrics) LogSummary(msg string) {
	duration := time.Duration(0)
	if !m.startTime.IsZero() {
		duration = time.Since(m.startTime)
	}

	plog.Info(msg,
		"files_matched", m.FilesMatched.Load(),
		"files_copied", m.FilesCopied.Load(),
		"files_renamed", m.FilesRenamed.Load(),
		"files_deleted", m.FilesDeleted.Load(),
		"files_failed", m.FilesFailed.Load(),
		"bytes_written", humanize.IBytes(uint64(m.BytesWritten.Load())),
		"dirs_created", m.DirsCreated.Load(),
		"dirs_deleted", m.DirsDeleted.Load(),
		"dirs_moved", m.DirsMoved.Load(),
		"events_handled", m.EventsHandled.Load(),
		"events_skipped", m.EventsSkipped.Load(),
		"duration", duration.Round(time.Millisecond),
	)
}

// NoopMetrics is an implementation of the Metrics interface that performs no operations.
type NoopMetrics struct{}

func (m *NoopMetrics) AddFilesMatched(n int64)                          {}
func (m *NoopMetrics) AddFilesCopied(n int64)                           {}
func (m *NoopMetrics) AddFilesRenamed(n int64)                          {}
func (m *NoopMetrics) AddFilesDeleted(n int64)                          {}
func (m *NoopMetrics) AddFilesFailed(n int64)                           {}
func (m *NoopMetrics) AddBytesWritten(n int64)                          {}
func (m *NoopMetrics) AddDirsCreated(n int64)                           {}
func (m *NoopMetrics) AddDirsDeleted(n int64)                           {}
func (m *NoopMetrics) AddDirsMoved(n int64)                             {}
func (m *NoopMetrics) AddEventsHandled(n int64)                         {}
func (m *NoopMetrics) AddEventsSkipped(n int64)                         {}
func (m *NoopMetrics) LogSummary(msg string)                            {}
func (m *NoopMetrics) StartProgress(msg string, interval time.Duration) {}
func (m *NoopMetrics) StopProgress()                                    {}

// Statically assert that our types implement the interface.
var _ Metrics = (*MirrorMetrics)(nil)
var _ Metrics = (*NoopMetrics)(nil)
