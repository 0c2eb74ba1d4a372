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

package filters

import (
	"log"
	"sync/atomic"

	"github.com/biogo/hts/sam"
	"github.com/google/uuid"
	"gopkg.in/fatih/set.v0"
)

// Diagnostics is the side channel for per-record anomalies that do
// not stop the stream. Malformed records and unrecognized CIGAR
// operations are reported here; fatal conditions are returned as
// errors instead. A Diagnostics value is shared by all workers of a
// run.
type Diagnostics struct {
	// RunID uniquely identifies the run in log output.
	RunID string

	unknownOps set.Interface
	contigs    set.Interface
	malformed  int64
	unknown    int64
}

// NewDiagnostics returns an empty diagnostics side channel with a
// fresh run ID.
func NewDiagnostics() *Diagnostics {
	return &Diagnostics{
		RunID:      uuid.New().String(),
		unknownOps: set.New(set.ThreadSafe),
		contigs:    set.New(set.ThreadSafe),
	}
}

func contigName(rec *sam.Record) string {
	if rec.Ref == nil {
		return "*"
	}
	return rec.Ref.Name()
}

// UnknownOp reports an unrecognized CIGAR operation. The first
// occurrence of each operation kind is logged; later occurrences are
// only counted.
func (d *Diagnostics) UnknownOp(op sam.CigarOpType, rec *sam.Record) {
	atomic.AddInt64(&d.unknown, 1)
	d.contigs.Add(contigName(rec))
	if d.unknownOps.Has(op) {
		return
	}
	d.unknownOps.Add(op)
	log.Printf("Warning: unrecognized CIGAR operation %v in record %v; the operation advances no coordinate and is not counted.", op, rec.Name)
}

// Malformed reports a record whose sequence or quality fields
// contradict its CIGAR. The record is rejected individually; the
// stream continues.
func (d *Diagnostics) Malformed(rec *sam.Record, err error) {
	atomic.AddInt64(&d.malformed, 1)
	d.contigs.Add(contigName(rec))
	log.Printf("Warning: %v.", err)
}

// MalformedCount returns the number of malformed records reported so
// far.
func (d *Diagnostics) MalformedCount() int64 {
	return atomic.LoadInt64(&d.malformed)
}

// UnknownOpCount returns the number of unrecognized CIGAR operations
// reported so far.
func (d *Diagnostics) UnknownOpCount() int64 {
	return atomic.LoadInt64(&d.unknown)
}

// LogSummary logs the anomaly tallies of the run, if there were any.
func (d *Diagnostics) LogSummary() {
	malformed := d.MalformedCount()
	unknown := d.UnknownOpCount()
	if malformed == 0 && unknown == 0 {
		return
	}
	log.Printf("Run %v: %v malformed records, %v unrecognized CIGAR operations, affected contigs %v.",
		d.RunID, malformed, unknown, d.contigs.List())
}
