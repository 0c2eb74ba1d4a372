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
	"errors"
	"io"

	"github.com/exascience/alnqual/cigar"
	"github.com/exascience/alnqual/fasta"

	"github.com/biogo/hts/sam"
	"github.com/exascience/pargo/pipeline"
)

type (
	// An AlignmentFilter receives a record which it can modify. It
	// returns true if the record should be kept, and false if the
	// record should be removed.
	AlignmentFilter func(*sam.Record) bool

	// A Filter receives a Header and returns an AlignmentFilter or nil.
	Filter func(*sam.Header) AlignmentFilter

	// A RecordSource yields the records of a SAM/BAM input, both one at
	// a time through Read, which returns io.EOF at the end of the
	// input, and batch-wise as a pargo pipeline source.
	RecordSource interface {
		Header() *sam.Header
		Read() (*sam.Record, error)
		pipeline.Source
	}

	// A PipelineOutput can add nodes to the given pargo
	// pipeline. AddNodes also receives the header that should be added
	// to the output. The records arrive in batches, in input order, and
	// AddNodes must keep that order. Any error should be reported to
	// the pipeline by calling p.SetErr with a non-nil error value.
	PipelineOutput interface {
		AddNodes(p *pipeline.Pipeline, header *sam.Header)
	}

	// A PipelineInput arranges for a pargo pipeline to be properly
	// initialized, arranges for the pipeline to run the given filters,
	// calls output.AddNodes(...), and eventually runs the pipeline. If
	// RunPipeline doesn't encounter an error of its own, it should
	// return the error of its pargo pipeline, if any.
	PipelineInput interface {
		RunPipeline(output PipelineOutput, filters []Filter) error
	}

	// A batch carries a slice of records through the pipeline stages,
	// along with the reference window each record is processed against.
	// windows[i] is nil when records[i] passes through unprocessed
	// (unmapped, or outside the target regions); records[i] is set to
	// nil when the record is dropped. In counting runs,
	// counts and skipped record the per-record event counts and the
	// number of quality-skipped positions; skipped[i] is -1 when
	// records[i] was not counted.
	batch struct {
		records []*sam.Record
		windows []*fasta.Window
		counts  []cigar.Counts
		skipped []int32
	}

	// sequentialOutput is the protocol the strictly sequential driver
	// uses instead of pipeline nodes.
	sequentialOutput interface {
		begin(header *sam.Header) error
		receive(b *batch) error
	}
)

const (
	minBatchSize = 4096
	maxBatchSize = 262144
)

// headerFilters successively calls the given Filter functions on the
// header to generate the corresponding AlignmentFilter predicates.
func headerFilters(header *sam.Header, hdrFilters []Filter) (alnFilters []AlignmentFilter) {
	for _, f := range hdrFilters {
		if f != nil {
			if alnFilter := f(header); alnFilter != nil {
				alnFilters = append(alnFilters, alnFilter)
			}
		}
	}
	return
}

// recordFilter returns a pargo pipeline.Receiver that applies the
// given AlignmentFilter predicates on the slices of record pointers it
// receives, compacting each slice in place.
func recordFilter(alnFilters []AlignmentFilter) pipeline.Receiver {
	return func(_ int, data interface{}) interface{} {
		records := data.([]*sam.Record)
		for i, rec := range records {
			for _, alnFilter := range alnFilters {
				if !alnFilter(rec) {
					n := len(records)
				jLoop:
					for j := i + 1; j < n; j++ {
						rec := records[j]
						for _, alnFilter := range alnFilters {
							if !alnFilter(rec) {
								continue jLoop
							}
						}
						records[i] = rec
						i++
					}
					return records[0:i]
				}
			}
		}
		return records
	}
}

// ComposeFilters takes a Header and a slice of Filter functions,
// generates the corresponding AlignmentFilter predicates, and returns
// a pargo pipeline.Receiver that applies these predicates on the
// slices of record pointers it receives. ComposeFilters may return
// nil if all AlignmentFilters are nil.
func ComposeFilters(header *sam.Header, hdrFilters []Filter) (receiver pipeline.Receiver) {
	if alnFilters := headerFilters(header, hdrFilters); len(alnFilters) > 0 {
		receiver = recordFilter(alnFilters)
	}
	return
}

// A Driver streams records from an input through the configured
// processing steps to an output, preserving input order. For every
// mapped record inside the target regions, the driver ensures the
// reference window cache covers the record's contig, runs the CIGAR
// walk, and applies the configured subset of annotator and counter.
// All other records pass through unprocessed.
type Driver struct {
	Input       RecordSource
	Cache       *fasta.Cache
	Walker      cigar.Walker
	Diagnostics *Diagnostics

	// Annotator attaches alignment quality tags when non-nil.
	Annotator *Annotator

	// Counter is the prototype for per-record event counting when
	// non-nil. Each worker counts with its own copy.
	Counter *cigar.Counter

	// Regions restricts processing to overlapping records when
	// non-nil.
	Regions *Regions

	// RemoveMalformed drops malformed records from the output instead
	// of passing them through unchanged.
	RemoveMalformed bool

	// Threads selects the strictly sequential driver (<= 1) or the
	// batched driver that preserves output order (> 1).
	Threads int
}

// NewDriver returns a Driver for the given input and reference with
// the default software walker and fresh diagnostics.
func NewDriver(input RecordSource, refs fasta.References) *Driver {
	return &Driver{
		Input:       input,
		Cache:       fasta.NewCache(refs),
		Walker:      cigar.SoftwareWalker{},
		Diagnostics: NewDiagnostics(),
	}
}

// RunPipeline implements the PipelineInput interface for Driver
// values.
func (d *Driver) RunPipeline(output PipelineOutput, filters []Filter) error {
	if d.Walker == nil {
		d.Walker = cigar.SoftwareWalker{}
	}
	if d.Diagnostics == nil {
		d.Diagnostics = NewDiagnostics()
	}
	header := d.Input.Header()
	alnFilters := headerFilters(header, filters)
	if d.Threads <= 1 {
		if out, ok := output.(sequentialOutput); ok {
			return d.runSequential(out, header, alnFilters)
		}
	}
	var p pipeline.Pipeline
	p.Source(d.Input)
	p.SetVariableBatchSize(minBatchSize, maxBatchSize)
	if len(alnFilters) > 0 {
		p.Add(pipeline.LimitedPar(0, pipeline.Receive(recordFilter(alnFilters))))
	}
	p.Add(pipeline.StrictOrd(d.attachWindows()))
	if d.Threads > 1 {
		p.Add(pipeline.LimitedPar(0, d.processRecords()))
	} else {
		p.Add(pipeline.StrictOrd(d.processRecords()))
	}
	output.AddNodes(&p, header)
	p.Run()
	return p.Err()
}

// runSequential is the strictly sequential driver: one record at a
// time, no concurrent record processing, forward-only writes.
func (d *Driver) runSequential(out sequentialOutput, header *sam.Header, alnFilters []AlignmentFilter) error {
	if err := out.begin(header); err != nil {
		return err
	}
	b := &batch{
		records: make([]*sam.Record, 1),
		windows: make([]*fasta.Window, 1),
	}
recordLoop:
	for {
		rec, err := d.Input.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		for _, alnFilter := range alnFilters {
			if !alnFilter(rec) {
				continue recordLoop
			}
		}
		window, err := d.window(rec)
		if err != nil {
			return err
		}
		b.records[0], b.windows[0] = rec, window
		b.counts, b.skipped = nil, nil
		if err := d.processBatch(b); err != nil {
			return err
		}
		if err := out.receive(b); err != nil {
			return err
		}
	}
}

// window resolves the reference window for a record, or nil if the
// record passes through unprocessed.
func (d *Driver) window(rec *sam.Record) (*fasta.Window, error) {
	if rec.Flags&sam.Unmapped != 0 || rec.Ref == nil || rec.Pos < 0 {
		return nil, nil
	}
	if d.Regions != nil && !d.Regions.Overlaps(rec) {
		return nil, nil
	}
	return d.Cache.Ensure(rec.Ref.ID(), rec.Ref.Name())
}

// attachWindows returns a pargo pipeline.Filter that turns slices of
// record pointers into batches with their reference windows resolved.
// The node must run strictly ordered: the window cache keeps a single
// contig resident and assumes it sees the records in input order.
func (d *Driver) attachWindows() pipeline.Filter {
	return func(p *pipeline.Pipeline, _ pipeline.NodeKind, _ *int) (receiver pipeline.Receiver, _ pipeline.Finalizer) {
		receiver = func(_ int, data interface{}) interface{} {
			records := data.([]*sam.Record)
			b := &batch{
				records: records,
				windows: make([]*fasta.Window, len(records)),
			}
			for i, rec := range records {
				window, err := d.window(rec)
				if err != nil {
					p.SetErr(err)
					return b
				}
				b.windows[i] = window
			}
			return b
		}
		return
	}
}

// processRecords returns a pargo pipeline.Filter that runs the CIGAR
// walk and the configured processing steps on the batches it receives.
func (d *Driver) processRecords() pipeline.Filter {
	return func(p *pipeline.Pipeline, _ pipeline.NodeKind, _ *int) (receiver pipeline.Receiver, _ pipeline.Finalizer) {
		receiver = func(_ int, data interface{}) interface{} {
			b := data.(*batch)
			if err := d.processBatch(b); err != nil {
				p.SetErr(err)
			}
			return b
		}
		return
	}
}

func (d *Driver) processBatch(b *batch) error {
	var counter *cigar.Counter
	if d.Counter != nil {
		counter = cigar.NewCounter(d.Counter.MinQual())
		b.counts = make([]cigar.Counts, len(b.records))
		b.skipped = make([]int32, len(b.records))
		for i := range b.skipped {
			b.skipped[i] = -1
		}
	}
	for i, rec := range b.records {
		window := b.windows[i]
		if window == nil {
			continue
		}
		events, err := d.Walker.Walk(rec, window)
		if err != nil {
			var malformed *cigar.MalformedRecordError
			if errors.As(err, &malformed) {
				// Recoverable: the record passes through unprocessed,
				// or is dropped, per the configured policy.
				d.Diagnostics.Malformed(rec, err)
				if d.RemoveMalformed {
					b.records[i] = nil
				}
				continue
			}
			return err
		}
		for _, ev := range events {
			if ev.Class == cigar.Unknown {
				d.Diagnostics.UnknownOp(ev.Op, rec)
			}
		}
		if counter != nil {
			b.counts[i] = counter.CountEvents(events)
			b.skipped[i] = int32(counter.Skipped().Count())
		}
		if d.Annotator != nil {
			d.Annotator.annotate(rec, events, window)
		}
	}
	return nil
}
