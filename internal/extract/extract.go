// Package extract re-derives typed, aligned time series from a compressed
// run archive: it locates each source's onset stamp, decodes the logged wire
// payloads back into module events, and hands each module's events to its
// interface for columnar conversion.
package extract

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/neurorig/rig-controller/internal/codec"
	"github.com/neurorig/rig-controller/internal/device"
	"github.com/neurorig/rig-controller/internal/eventlog"
	"github.com/neurorig/rig-controller/internal/timing"
)

// ErrNoOnset reports a source stream whose first entry is not the UTC onset
// stamp.
var ErrNoOnset = errors.New("source stream has no onset entry")

// Entry is one logged record, onset excluded.
type Entry struct {
	TimestampUs uint64
	Payload     []byte
}

// Source is one decoded log stream.
type Source struct {
	ID         uint8
	OnsetUTCUs uint64
	Entries    []Entry
}

// WallClockUs converts an onset-relative timestamp to absolute microseconds
// since the UTC epoch.
func (s *Source) WallClockUs(ts uint64) uint64 { return s.OnsetUTCUs + ts }

// ReadArchive memory-maps and decodes an archive into per-source entry
// lists. Every source must open with its onset stamp at timestamp zero.
func ReadArchive(path string) (map[uint8]*Source, error) {
	streams, err := eventlog.ReadStreams(path)
	if err != nil {
		return nil, err
	}

	sources := make(map[uint8]*Source, len(streams))
	for id, stream := range streams {
		src := &Source{ID: id}
		first := true
		err := eventlog.WalkEntries(stream, func(entrySrc uint8, ts uint64, payload []byte) error {
			if entrySrc != id {
				return fmt.Errorf("entry tagged source %d inside stream %d", entrySrc, id)
			}
			if first {
				first = false
				onset, ok := timing.OnsetFromBytes(payload)
				if !ok || ts != 0 {
					return fmt.Errorf("source %d: %w", id, ErrNoOnset)
				}
				src.OnsetUTCUs = onset
				return nil
			}
			src.Entries = append(src.Entries, Entry{
				TimestampUs: ts,
				Payload:     append([]byte(nil), payload...),
			})
			return nil
		})
		if err != nil {
			return nil, err
		}
		if first {
			return nil, fmt.Errorf("source %d: empty stream: %w", id, ErrNoOnset)
		}
		sources[id] = src
	}
	return sources, nil
}

// ModuleEvents groups a controller source's data and state entries by
// routing key and event byte. Entries that are not module messages (command
// echoes, keepalives, host warnings) are skipped.
func ModuleEvents(src *Source) map[codec.RoutingKey]device.EventLog {
	out := make(map[codec.RoutingKey]device.EventLog)
	for _, entry := range src.Entries {
		if len(entry.Payload) == 0 {
			continue
		}
		switch entry.Payload[0] {
		case codec.ProtocolModuleData:
			if len(entry.Payload) < 6 {
				continue
			}
			key := codec.NewRoutingKey(entry.Payload[1], entry.Payload[2])
			event := entry.Payload[4]
			log := out[key]
			if log == nil {
				log = device.EventLog{}
				out[key] = log
			}
			log[event] = append(log[event], device.LoggedEvent{
				TimestampUs: entry.TimestampUs,
				Prototype:   entry.Payload[5],
				Object:      entry.Payload[6:],
			})

		case codec.ProtocolModuleState:
			if len(entry.Payload) != 5 {
				continue
			}
			key := codec.NewRoutingKey(entry.Payload[1], entry.Payload[2])
			event := entry.Payload[4]
			log := out[key]
			if log == nil {
				log = device.EventLog{}
				out[key] = log
			}
			log[event] = append(log[event], device.LoggedEvent{TimestampUs: entry.TimestampUs})
		}
	}
	return out
}

// Host annotation record kinds (orchestrator source).
const (
	HostRecordHardwareState uint8 = 1
	HostRecordRuntimeState  uint8 = 2
	HostRecordGuidance      uint8 = 3
	HostRecordTerminated    uint8 = 4
)

// HostRecord is one decoded orchestrator annotation.
type HostRecord struct {
	TimestampUs uint64
	Kind        uint8
	State       uint8   // hardware/runtime state or guidance flag
	Position    float64 // external-runtime position, Kind == HostRecordTerminated
}

// HostRecords decodes an orchestrator source per the annotation record
// table: the first payload byte selects the record type.
func HostRecords(src *Source) ([]HostRecord, error) {
	out := make([]HostRecord, 0, len(src.Entries))
	for _, entry := range src.Entries {
		if len(entry.Payload) == 0 {
			return nil, fmt.Errorf("empty annotation at %d us", entry.TimestampUs)
		}
		rec := HostRecord{TimestampUs: entry.TimestampUs, Kind: entry.Payload[0]}
		switch rec.Kind {
		case HostRecordHardwareState, HostRecordRuntimeState, HostRecordGuidance:
			if len(entry.Payload) < 2 {
				return nil, fmt.Errorf("annotation kind %d at %d us is truncated", rec.Kind, entry.TimestampUs)
			}
			rec.State = entry.Payload[1]
		case HostRecordTerminated:
			if len(entry.Payload) < 9 {
				return nil, fmt.Errorf("termination annotation at %d us is truncated", entry.TimestampUs)
			}
			rec.Position = math.Float64frombits(binary.LittleEndian.Uint64(entry.Payload[1:]))
		default:
			return nil, fmt.Errorf("unknown annotation kind %d at %d us", rec.Kind, entry.TimestampUs)
		}
		out = append(out, rec)
	}
	return out, nil
}

// ExtractModules runs every module's ParseLoggedData over the grouped
// events of one controller source. Modules with no recorded events still
// produce their (possibly empty) table.
func ExtractModules(src *Source, modules []device.Interface) ([]*device.Table, error) {
	grouped := ModuleEvents(src)
	tables := make([]*device.Table, 0, len(modules))
	for _, m := range modules {
		events := grouped[codec.NewRoutingKey(m.ModuleType(), m.ModuleID())]
		if events == nil {
			events = device.EventLog{}
		}
		table, err := m.ParseLoggedData(events)
		if err != nil {
			return nil, fmt.Errorf("module %d-%d: %w", m.ModuleType(), m.ModuleID(), err)
		}
		tables = append(tables, table)
	}
	return tables, nil
}
