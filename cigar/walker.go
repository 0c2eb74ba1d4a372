// alnqual: a high-performance tool for adding alignment qualities to SAM/BAM files.
// Copyright (c) 2021-2023 imec vzw.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version, and Additional Terms
// (see below).

// This program is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.

// You should have received a copy of the GNU Affero General Public
// License and Additional Terms along with this program. If not, see
// <https://github.com/exascience/alnqual/blob/master/LICENSE.txt>.

// Package cigar interprets the CIGAR operations of alignment records
// against a reference window, producing per-position classification
// events and quality-filtered counts.
package cigar

import (
	"fmt"

	"github.com/exascience/alnqual/fasta"

	"github.com/biogo/hts/sam"
)

// Class is the classification of a single aligned position.
type Class byte

// Valid classifications of aligned positions.
const (
	Match Class = iota
	Mismatch
	Insertion
	Deletion
	Skip
	Unknown
)

// An Event describes one position of an alignment against the
// reference. RefPos is -1 for insertions; ReadPos is -1 and Qual is 0
// for deletions and reference skips. Unknown events carry the
// unrecognized operation type in Op, advance no coordinate, and leave
// both positions -1; Op is meaningless for all other classes.
type Event struct {
	RefPos  int32
	ReadPos int32
	Qual    byte
	Class   Class
	Op      sam.CigarOpType
}

// A MalformedRecordError reports a record whose sequence or quality
// fields are inconsistent with its CIGAR. Such records are rejected
// individually; they do not abort the stream.
type MalformedRecordError struct {
	Name   string
	Reason string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed record %v: %v", e.Name, e.Reason)
}

// ReadLength returns the read length implied by the CIGAR operations.
func ReadLength(cigar sam.Cigar) int {
	length := 0
	for _, op := range cigar {
		length += op.Len() * op.Type().Consumes().Query
	}
	return length
}

// alignmentEnd computes the alignment end coordinate from the anchor
// and the reference-consuming operation lengths. This is the value
// the walk's final reference coordinate is checked against, computed
// here by plain summation rather than by the cursor.
func alignmentEnd(pos int32, cigar sam.Cigar) int32 {
	end := pos
	for _, op := range cigar {
		switch op.Type() {
		case sam.CigarMatch, sam.CigarEqual, sam.CigarMismatch, sam.CigarDeletion, sam.CigarSkipped:
			end += int32(op.Len())
		}
	}
	return end
}

// HasIndel returns whether the CIGAR contains at least one insertion
// or deletion operation.
func HasIndel(cigar sam.Cigar) bool {
	for _, op := range cigar {
		if t := op.Type(); t == sam.CigarInsertion || t == sam.CigarDeletion {
			return true
		}
	}
	return false
}

// HasSkip returns whether the CIGAR contains a reference skip.
func HasSkip(cigar sam.Cigar) bool {
	for _, op := range cigar {
		if op.Type() == sam.CigarSkipped {
			return true
		}
	}
	return false
}

// A Walk is a cursor over the classification events of one alignment
// record against a reference window. The reference coordinate starts
// at the record's position and advances for match, mismatch, deletion
// and skip operations; the read coordinate starts at zero and
// advances for match, mismatch, insertion and soft-clip operations.
// Soft clips, hard clips and padding emit no events.
type Walk struct {
	name     string
	cigar    sam.Cigar
	seq      []byte
	qual     []byte
	window   *fasta.Window
	start    int32
	end      int32
	refPos   int32
	readPos  int32
	opIndex  int
	opOffset int32
	unknown  []sam.CigarOpType
	err      error
}

// NewWalk validates a record against its CIGAR and returns a cursor
// for it. A sequence or quality length that contradicts the CIGAR
// yields a MalformedRecordError. An alignment that runs past the end
// of the reference window is a reference fetch failure and yields an
// ordinary error; it must not be silently truncated.
func NewWalk(rec *sam.Record, window *fasta.Window) (*Walk, error) {
	if rec.Pos < 0 {
		return nil, fmt.Errorf("attempt to walk unmapped record %v", rec.Name)
	}
	readLength := ReadLength(rec.Cigar)
	if rec.Seq.Length != readLength {
		return nil, &MalformedRecordError{
			Name:   rec.Name,
			Reason: fmt.Sprintf("sequence length %v inconsistent with cigar %v", rec.Seq.Length, rec.Cigar),
		}
	}
	if len(rec.Qual) != readLength {
		return nil, &MalformedRecordError{
			Name:   rec.Name,
			Reason: fmt.Sprintf("quality length %v inconsistent with cigar %v", len(rec.Qual), rec.Cigar),
		}
	}
	end := alignmentEnd(int32(rec.Pos), rec.Cigar)
	if end > window.Len() {
		return nil, fmt.Errorf("alignment %v ends at %v, beyond the end of reference sequence %v of length %v", rec.Name, end, window.Contig, window.Len())
	}
	return &Walk{
		name:   rec.Name,
		cigar:  rec.Cigar,
		seq:    rec.Seq.Expand(),
		qual:   rec.Qual,
		window: window,
		start:  int32(rec.Pos),
		end:    end,
		refPos: int32(rec.Pos),
	}, nil
}

// Next returns the next classification event, or false when the walk
// is exhausted. After exhaustion, Err reports whether the walk ended
// on the expected reference coordinate.
func (w *Walk) Next() (Event, bool) {
	for w.opIndex < len(w.cigar) {
		op := w.cigar[w.opIndex]
		length := int32(op.Len())
		if w.opOffset >= length {
			w.opIndex++
			w.opOffset = 0
			continue
		}
		switch op.Type() {
		case sam.CigarMatch, sam.CigarEqual:
			ev := Event{RefPos: w.refPos, ReadPos: w.readPos, Qual: w.qual[w.readPos], Class: Match}
			if w.window.Base(w.refPos) != w.seq[w.readPos] {
				ev.Class = Mismatch
			}
			w.refPos++
			w.readPos++
			w.opOffset++
			return ev, true
		case sam.CigarMismatch:
			ev := Event{RefPos: w.refPos, ReadPos: w.readPos, Qual: w.qual[w.readPos], Class: Mismatch}
			w.refPos++
			w.readPos++
			w.opOffset++
			return ev, true
		case sam.CigarInsertion:
			ev := Event{RefPos: -1, ReadPos: w.readPos, Qual: w.qual[w.readPos], Class: Insertion}
			w.readPos++
			w.opOffset++
			return ev, true
		case sam.CigarDeletion:
			ev := Event{RefPos: w.refPos, ReadPos: -1, Class: Deletion}
			w.refPos++
			w.opOffset++
			return ev, true
		case sam.CigarSkipped:
			ev := Event{RefPos: w.refPos, ReadPos: -1, Class: Skip}
			w.refPos++
			w.opOffset++
			return ev, true
		case sam.CigarSoftClipped:
			w.readPos += length - w.opOffset
			w.opIndex++
			w.opOffset = 0
		case sam.CigarHardClipped, sam.CigarPadded:
			w.opIndex++
			w.opOffset = 0
		default:
			// Unrecognized operation: warn, advance nothing, keep walking.
			w.unknown = append(w.unknown, op.Type())
			w.opIndex++
			w.opOffset = 0
			return Event{RefPos: -1, ReadPos: -1, Class: Unknown, Op: op.Type()}, true
		}
	}
	if w.err == nil && w.refPos != w.end {
		w.err = fmt.Errorf("cigar walk for %v ended at reference position %v instead of %v", w.name, w.refPos, w.end)
	}
	return Event{}, false
}

// Err returns the coordinate postcondition violation of an exhausted
// walk, if any. It returns nil while events remain.
func (w *Walk) Err() error {
	return w.err
}

// UnknownOps returns the unrecognized operation types encountered so
// far, in walk order.
func (w *Walk) UnknownOps() []sam.CigarOpType {
	return w.unknown
}

// Reset rewinds the walk to the first operation so the event sequence
// can be produced again.
func (w *Walk) Reset() {
	w.refPos = w.start
	w.readPos = 0
	w.opIndex = 0
	w.opOffset = 0
	w.unknown = nil
	w.err = nil
}

// A Walker produces the full classification event sequence of one
// alignment record against a reference window. Implementations other
// than the software walker may batch work internally, but must return
// events identical to a software walk of the same record.
type Walker interface {
	Walk(rec *sam.Record, window *fasta.Window) ([]Event, error)
}

// SoftwareWalker is the pure-Go walker.
type SoftwareWalker struct{}

// Walk implements the Walker interface.
func (SoftwareWalker) Walk(rec *sam.Record, window *fasta.Window) ([]Event, error) {
	w, err := NewWalk(rec, window)
	if err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(rec.Qual)+4)
	for ev, ok := w.Next(); ok; ev, ok = w.Next() {
		events = append(events, ev)
	}
	if err := w.Err(); err != nil {
		return nil, err
	}
	return events, nil
}
