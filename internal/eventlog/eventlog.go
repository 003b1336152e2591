// Package eventlog persists timestamped byte records from any number of
// producers and compresses them into a single per-controller archive at the
// end of a run.
//
// Producers submit Packages tagged with a source id; a single worker drains
// the bounded queue and appends each entry to a per-source staging file in
// submission order. CompressLogs then folds the staging files into one
// archive with a zstd stream per source.
package eventlog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Reserved source ids. SourceOnset is held back from producers; each stream's
// onset record carries its own producer's source id at timestamp 0.
// SourceAnnotations is the orchestrator's out-of-band channel.
const (
	SourceOnset       uint8 = 0
	SourceAnnotations uint8 = 1
)

// Package is one log record: an opaque payload stamped with its producing
// source and the microsecond offset from that source's onset.
type Package struct {
	Source      uint8
	TimestampUs uint64
	Data        []byte
}

// entryBytes serializes the persisted form: [source u8][timestamp u64][payload].
func (p *Package) entryBytes() []byte {
	buf := make([]byte, 9+len(p.Data))
	buf[0] = p.Source
	binary.LittleEndian.PutUint64(buf[1:], p.TimestampUs)
	copy(buf[9:], p.Data)
	return buf
}

var (
	ErrNotStarted = errors.New("logger not started")
	ErrStopped    = errors.New("logger stopped")
	ErrIntegrity  = errors.New("archive integrity verification failed")
)

// sourceIndex summarizes one source's staging file; CompressLogs verifies
// the archive against it.
type sourceIndex struct {
	entries uint64
	firstTs uint64
	lastTs  uint64
	path    string
}

// Logger is the multi-producer, single-consumer event log.
type Logger struct {
	dir     string
	name    string
	threads int

	mu      sync.RWMutex
	queue   chan Package
	started bool
	stopped bool
	wg      sync.WaitGroup

	// Worker-owned while running; readable after Stop under mu.
	files   map[uint8]*os.File
	indices map[uint8]*sourceIndex
}

// New creates a logger staging into dir. name seeds the archive filename
// (one archive per controller, "<name>_log.zst"). queueDepth bounds the
// submission queue; threads controls compression concurrency.
func New(dir, name string, queueDepth, threads int) (*Logger, error) {
	if name == "" {
		return nil, errors.New("logger name must not be empty")
	}
	if queueDepth <= 0 {
		queueDepth = 1024
	}
	if threads <= 0 {
		threads = 1
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	return &Logger{
		dir:     dir,
		name:    name,
		threads: threads,
		queue:   make(chan Package, queueDepth),
		files:   make(map[uint8]*os.File),
		indices: make(map[uint8]*sourceIndex),
	}, nil
}

// Start spawns the consumer worker. Calling Start on a running logger is a
// no-op.
func (l *Logger) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return ErrStopped
	}
	if l.started {
		return nil
	}
	l.started = true
	l.wg.Add(1)
	go l.run()
	return nil
}

// Started reports whether the logger is accepting submissions.
func (l *Logger) Started() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.started && !l.stopped
}

// Input submits a package. When the queue is full the call blocks rather
// than dropping, preserving per-source ordering.
func (l *Logger) Input(p Package) error {
	// The read lock is held across the send so that Stop cannot close the
	// queue underneath an in-flight submission.
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.started {
		return ErrNotStarted
	}
	if l.stopped {
		return ErrStopped
	}

	// Detach the payload from the caller's buffer: the worker persists
	// asynchronously and producers reuse serialization buffers.
	p.Data = append([]byte(nil), p.Data...)
	l.queue <- p
	return nil
}

// Stop drains the queue, flushes and closes the staging files, and joins the
// worker. Further submissions fail with ErrStopped.
func (l *Logger) Stop() error {
	l.mu.Lock()
	if !l.started || l.stopped {
		l.stopped = true
		l.mu.Unlock()
		return nil
	}
	l.stopped = true
	l.mu.Unlock()

	close(l.queue)
	l.wg.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	for src, f := range l.files {
		if err := f.Sync(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("sync source %d: %w", src, err)
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close source %d: %w", src, err)
		}
	}
	return firstErr
}

// run is the consumer loop.
func (l *Logger) run() {
	defer l.wg.Done()
	for p := range l.queue {
		if err := l.persist(&p); err != nil {
			log.Printf("event log: dropping entry for source %d: %v", p.Source, err)
		}
	}
}

func (l *Logger) persist(p *Package) error {
	idx, ok := l.indices[p.Source]
	if !ok {
		path := filepath.Join(l.dir, fmt.Sprintf("%s_source_%03d.bin", l.name, p.Source))
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return fmt.Errorf("open staging file: %w", err)
		}
		if p.TimestampUs != 0 {
			log.Printf("event log: source %d first entry has timestamp %d, expected onset at 0", p.Source, p.TimestampUs)
		}
		l.files[p.Source] = f
		idx = &sourceIndex{firstTs: p.TimestampUs, path: path}
		l.indices[p.Source] = idx
	}
	if p.TimestampUs < idx.lastTs {
		log.Printf("event log: source %d timestamp regression: %d after %d", p.Source, p.TimestampUs, idx.lastTs)
	}

	entry := p.entryBytes()
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(entry)))
	f := l.files[p.Source]
	if _, err := f.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := f.Write(entry); err != nil {
		return err
	}

	idx.entries++
	idx.lastTs = p.TimestampUs
	return nil
}

// ArchivePath returns the path CompressLogs writes to.
func (l *Logger) ArchivePath() string {
	return filepath.Join(l.dir, l.name+"_log.zst")
}

// sourceList returns the recorded sources in ascending id order. Only valid
// after Stop.
func (l *Logger) sourceList() []uint8 {
	sources := make([]uint8, 0, len(l.indices))
	for src := range l.indices {
		sources = append(sources, src)
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i] < sources[j] })
	return sources
}
