package eventlog

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/edsrzf/mmap-go"
	"github.com/klauspost/compress/zstd"
)

// Archive container layout, all integers little-endian:
//
//	magic "RGLG" | version u8 | source count u8
//	per source:
//	  source id u8 | entry count u64 | first ts u64 | last ts u64 |
//	  compressed length u64 | zstd stream
//
// Each decompressed stream is a sequence of [u64 entry length][entry bytes]
// where an entry is [source u8][timestamp u64][payload...], concatenated in
// timestamp order.
var archiveMagic = []byte("RGLG")

const archiveVersion uint8 = 1

// CompressLogs folds the staging files into the archive. removeSources
// deletes the staging files after a successful (and, when requested,
// verified) write. memoryMapping reads staging files through mmap instead of
// buffered reads. verifyIntegrity re-reads the finished archive and checks
// entry counts and first/last timestamps per source against the
// pre-compression index; on mismatch the staging files are kept regardless
// of removeSources.
func (l *Logger) CompressLogs(removeSources, memoryMapping, verifyIntegrity bool) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started && !l.stopped {
		return "", fmt.Errorf("compress logs: logger still running")
	}

	sources := l.sourceList()
	if len(sources) == 0 {
		return "", fmt.Errorf("compress logs: no entries recorded")
	}

	path := l.ArchivePath()
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("create archive: %w", err)
	}

	header := append(append([]byte(nil), archiveMagic...), archiveVersion, uint8(len(sources)))
	if _, err := out.Write(header); err != nil {
		out.Close()
		return "", fmt.Errorf("write archive header: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(l.threads))
	if err != nil {
		out.Close()
		return "", fmt.Errorf("create compressor: %w", err)
	}
	defer enc.Close()

	for _, src := range sources {
		idx := l.indices[src]
		raw, cleanup, err := readStaging(idx.path, memoryMapping)
		if err != nil {
			out.Close()
			return "", fmt.Errorf("read staging for source %d: %w", src, err)
		}

		ordered, err := sortEntriesByTimestamp(raw)
		cleanup()
		if err != nil {
			out.Close()
			return "", fmt.Errorf("source %d staging corrupt: %w", src, err)
		}

		compressed := enc.EncodeAll(ordered, nil)

		var meta [33]byte
		meta[0] = src
		binary.LittleEndian.PutUint64(meta[1:], idx.entries)
		binary.LittleEndian.PutUint64(meta[9:], idx.firstTs)
		binary.LittleEndian.PutUint64(meta[17:], idx.lastTs)
		binary.LittleEndian.PutUint64(meta[25:], uint64(len(compressed)))
		if _, err := out.Write(meta[:]); err != nil {
			out.Close()
			return "", fmt.Errorf("write source %d header: %w", src, err)
		}
		if _, err := out.Write(compressed); err != nil {
			out.Close()
			return "", fmt.Errorf("write source %d stream: %w", src, err)
		}
	}

	if err := out.Sync(); err != nil {
		out.Close()
		return "", fmt.Errorf("sync archive: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("close archive: %w", err)
	}

	if verifyIntegrity {
		if err := l.verifyArchive(path); err != nil {
			return "", err
		}
	}

	if removeSources {
		for _, src := range sources {
			if err := os.Remove(l.indices[src].path); err != nil {
				return "", fmt.Errorf("remove staging for source %d: %w", src, err)
			}
		}
	}
	return path, nil
}

// verifyArchive re-reads the archive and compares per-source entry counts
// and boundary timestamps against the in-memory index.
func (l *Logger) verifyArchive(path string) error {
	summaries, err := ReadSummaries(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	if len(summaries) != len(l.indices) {
		return fmt.Errorf("%w: archive has %d sources, index has %d", ErrIntegrity, len(summaries), len(l.indices))
	}
	for _, s := range summaries {
		idx, ok := l.indices[s.Source]
		if !ok {
			return fmt.Errorf("%w: archive has unknown source %d", ErrIntegrity, s.Source)
		}
		if s.Entries != idx.entries || s.FirstTs != idx.firstTs || s.LastTs != idx.lastTs {
			return fmt.Errorf("%w: source %d archive (entries=%d first=%d last=%d) vs index (entries=%d first=%d last=%d)",
				ErrIntegrity, s.Source, s.Entries, s.FirstTs, s.LastTs, idx.entries, idx.firstTs, idx.lastTs)
		}
	}
	return nil
}

// SourceSummary describes one stream of an archive as recounted from its
// decompressed entries.
type SourceSummary struct {
	Source  uint8
	Entries uint64
	FirstTs uint64
	LastTs  uint64
}

// ReadSummaries decompresses every stream of an archive and recounts entries
// and boundary timestamps. Used by integrity verification.
func ReadSummaries(path string) ([]SourceSummary, error) {
	streams, err := ReadStreams(path)
	if err != nil {
		return nil, err
	}
	sources := make([]uint8, 0, len(streams))
	for src := range streams {
		sources = append(sources, src)
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i] < sources[j] })

	out := make([]SourceSummary, 0, len(streams))
	for _, src := range sources {
		summary := SourceSummary{Source: src}
		first := true
		if err := WalkEntries(streams[src], func(entrySource uint8, ts uint64, payload []byte) error {
			if entrySource != src {
				return fmt.Errorf("entry tagged source %d inside stream %d", entrySource, src)
			}
			if first {
				summary.FirstTs = ts
				first = false
			}
			summary.LastTs = ts
			summary.Entries++
			return nil
		}); err != nil {
			return nil, err
		}
		out = append(out, summary)
	}
	return out, nil
}

// ReadStreams memory-maps an archive and returns each source's decompressed
// entry stream.
func ReadStreams(path string) (map[uint8][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("map archive: %w", err)
	}
	defer m.Unmap()

	data := []byte(m)
	if len(data) < 6 || !bytes.Equal(data[:4], archiveMagic) || data[4] != archiveVersion {
		return nil, fmt.Errorf("not a log archive: %s", path)
	}
	count := int(data[5])
	offset := 6

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create decompressor: %w", err)
	}
	defer dec.Close()

	streams := make(map[uint8][]byte, count)
	for i := 0; i < count; i++ {
		if offset+33 > len(data) {
			return nil, fmt.Errorf("archive truncated in source header %d", i)
		}
		src := data[offset]
		compLen := binary.LittleEndian.Uint64(data[offset+25:])
		offset += 33
		if offset+int(compLen) > len(data) {
			return nil, fmt.Errorf("archive truncated in source %d stream", src)
		}
		raw, err := dec.DecodeAll(data[offset:offset+int(compLen)], nil)
		if err != nil {
			return nil, fmt.Errorf("decompress source %d: %w", src, err)
		}
		streams[src] = raw
		offset += int(compLen)
	}
	return streams, nil
}

// WalkEntries iterates a decompressed stream, calling fn for each entry.
func WalkEntries(stream []byte, fn func(source uint8, ts uint64, payload []byte) error) error {
	offset := 0
	for offset < len(stream) {
		if offset+8 > len(stream) {
			return io.ErrUnexpectedEOF
		}
		entryLen := int(binary.LittleEndian.Uint64(stream[offset:]))
		offset += 8
		if entryLen < 9 || offset+entryLen > len(stream) {
			return io.ErrUnexpectedEOF
		}
		entry := stream[offset : offset+entryLen]
		if err := fn(entry[0], binary.LittleEndian.Uint64(entry[1:]), entry[9:]); err != nil {
			return err
		}
		offset += entryLen
	}
	return nil
}

// readStaging loads a staging file either through mmap or a plain read. The
// cleanup func releases the mapping; the returned bytes must not be used
// after calling it.
func readStaging(path string, memoryMapping bool) (data []byte, cleanup func(), err error) {
	if !memoryMapping {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, err
		}
		return raw, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	if info.Size() == 0 {
		f.Close()
		return nil, func() {}, nil
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return []byte(m), func() {
		m.Unmap()
		f.Close()
	}, nil
}

// sortEntriesByTimestamp re-serializes a staging stream with its entries
// stably ordered by timestamp. Staging order is submission order, which the
// producers keep timestamp-sorted per source; the stable sort only moves
// entries when a producer misbehaved.
func sortEntriesByTimestamp(raw []byte) ([]byte, error) {
	type span struct {
		ts    uint64
		start int
		end   int
	}
	var spans []span
	if err := WalkEntries(raw, func(_ uint8, ts uint64, _ []byte) error {
		return nil
	}); err != nil {
		return nil, err
	}
	offset := 0
	for offset < len(raw) {
		entryLen := int(binary.LittleEndian.Uint64(raw[offset:]))
		spans = append(spans, span{
			ts:    binary.LittleEndian.Uint64(raw[offset+9:]),
			start: offset,
			end:   offset + 8 + entryLen,
		})
		offset += 8 + entryLen
	}
	sort.SliceStable(spans, func(i, j int) bool { return spans[i].ts < spans[j].ts })

	out := make([]byte, 0, len(raw))
	for _, s := range spans {
		out = append(out, raw[s.start:s.end]...)
	}
	return out, nil
}
