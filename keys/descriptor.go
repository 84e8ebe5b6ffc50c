// Package keys defines the binary key model of the event store: item
// descriptors for runs, subruns and events, dataset path keys, and product
// keys. All integer fields are encoded big-endian so that byte-wise
// lexicographic comparison of encoded keys matches the semantic ordering
// (dataset, run, subrun, event). The layouts are wire formats shared with
// deployed services and must not change.
package keys

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// RunNumber identifies a run within a dataset.
type RunNumber uint64

// SubRunNumber identifies a subrun within a run.
type SubRunNumber uint64

// EventNumber identifies an event within a subrun.
type EventNumber uint64

// The maximum value of each number type is reserved as a sentinel: a
// descriptor with Event == InvalidEventNumber denotes a subrun-level
// descriptor, and so on up the hierarchy.
const (
	InvalidRunNumber    RunNumber    = math.MaxUint64
	InvalidSubRunNumber SubRunNumber = math.MaxUint64
	InvalidEventNumber  EventNumber  = math.MaxUint64
)

// Sizes of the encoded descriptor forms, in bytes.
const (
	UUIDSize             = 16
	RunDescriptorSize    = UUIDSize + 8
	SubRunDescriptorSize = UUIDSize + 16
	DescriptorSize       = UUIDSize + 24
)

// Level is the nesting depth a descriptor refers to. Levels order
// dataset < run < subrun < event; two descriptors at different levels with
// identical prefixes are ordered by level.
type Level uint8

const (
	LevelDataSet Level = iota
	LevelRun
	LevelSubRun
	LevelEvent
)

func (l Level) String() string {
	switch l {
	case LevelDataSet:
		return "dataset"
	case LevelRun:
		return "run"
	case LevelSubRun:
		return "subrun"
	case LevelEvent:
		return "event"
	}
	return fmt.Sprintf("level(%d)", uint8(l))
}

// ItemDescriptor is the 40-byte binary identifier of any item in the
// hierarchy. It is a value type, safely copyable, and can be transported
// between processes in its encoded form.
type ItemDescriptor struct {
	DataSet UUID
	Run     RunNumber
	SubRun  SubRunNumber
	Event   EventNumber
}

// NewRunDescriptor returns a run-level descriptor (subrun and event are
// sentinels).
func NewRunDescriptor(ds UUID, run RunNumber) ItemDescriptor {
	return ItemDescriptor{DataSet: ds, Run: run, SubRun: InvalidSubRunNumber, Event: InvalidEventNumber}
}

// NewSubRunDescriptor returns a subrun-level descriptor.
func NewSubRunDescriptor(ds UUID, run RunNumber, subrun SubRunNumber) ItemDescriptor {
	return ItemDescriptor{DataSet: ds, Run: run, SubRun: subrun, Event: InvalidEventNumber}
}

// NewEventDescriptor returns a full event-level descriptor.
func NewEventDescriptor(ds UUID, run RunNumber, subrun SubRunNumber, event EventNumber) ItemDescriptor {
	return ItemDescriptor{DataSet: ds, Run: run, SubRun: subrun, Event: event}
}

// Level reports the nesting depth this descriptor refers to, derived from
// which number fields carry the sentinel value.
func (d ItemDescriptor) Level() Level {
	if d.Run == InvalidRunNumber {
		return LevelDataSet
	}
	if d.SubRun == InvalidSubRunNumber {
		return LevelRun
	}
	if d.Event == InvalidEventNumber {
		return LevelSubRun
	}
	return LevelEvent
}

// Encode returns the canonical 40-byte big-endian encoding.
func (d ItemDescriptor) Encode() []byte {
	b := make([]byte, DescriptorSize)
	copy(b[:UUIDSize], d.DataSet[:])
	binary.BigEndian.PutUint64(b[16:24], uint64(d.Run))
	binary.BigEndian.PutUint64(b[24:32], uint64(d.SubRun))
	binary.BigEndian.PutUint64(b[32:40], uint64(d.Event))
	return b
}

// EncodeRun returns the 24-byte run descriptor (the first 24 bytes of the
// full encoding).
func (d ItemDescriptor) EncodeRun() []byte {
	return d.Encode()[:RunDescriptorSize]
}

// EncodeSubRun returns the 32-byte subrun descriptor.
func (d ItemDescriptor) EncodeSubRun() []byte {
	return d.Encode()[:SubRunDescriptorSize]
}

// ParentPrefix returns the encoded prefix shared by all siblings of this
// descriptor under its parent: 16 bytes for a run, 24 for a subrun, 32 for
// an event.
func (d ItemDescriptor) ParentPrefix() []byte {
	switch d.Level() {
	case LevelEvent:
		return d.EncodeSubRun()
	case LevelSubRun:
		return d.EncodeRun()
	default:
		b := make([]byte, UUIDSize)
		copy(b, d.DataSet[:])
		return b
	}
}

// DecodeItemDescriptor parses a 40-byte encoded descriptor.
func DecodeItemDescriptor(b []byte) (ItemDescriptor, error) {
	if len(b) != DescriptorSize {
		return ItemDescriptor{}, fmt.Errorf("keys: descriptor must be %d bytes, got %d", DescriptorSize, len(b))
	}
	var d ItemDescriptor
	copy(d.DataSet[:], b[:UUIDSize])
	d.Run = RunNumber(binary.BigEndian.Uint64(b[16:24]))
	d.SubRun = SubRunNumber(binary.BigEndian.Uint64(b[24:32]))
	d.Event = EventNumber(binary.BigEndian.Uint64(b[32:40]))
	return d, nil
}

// Compare orders descriptors first by level, then byte-wise on the encoded
// form. For two descriptors at the same level the byte order equals the
// numeric order of (dataset, run, subrun, event).
func (d ItemDescriptor) Compare(o ItemDescriptor) int {
	l1, l2 := d.Level(), o.Level()
	if l1 != l2 {
		if l1 < l2 {
			return -1
		}
		return 1
	}
	return bytes.Compare(d.Encode(), o.Encode())
}

// Less reports whether d sorts strictly before o.
func (d ItemDescriptor) Less(o ItemDescriptor) bool {
	return d.Compare(o) < 0
}

func (d ItemDescriptor) String() string {
	return fmt.Sprintf("[%s, %d, %d, %d]", d.DataSet, uint64(d.Run), uint64(d.SubRun), uint64(d.Event))
}
