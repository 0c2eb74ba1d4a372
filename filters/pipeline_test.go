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
	"context"
	"io"
	"strings"
	"testing"

	"github.com/exascience/alnqual/bed"
	"github.com/exascience/alnqual/cigar"
	"github.com/exascience/alnqual/fasta"

	"github.com/biogo/hts/sam"
	"github.com/exascience/pargo/pipeline"
)

// The reference and the alignments in these tests are the worked
// example of the SAM format specification.
const testRefSeq = "AGCATGTTAGATAAGATAGCTGTGCTAGTAGGCAGTCAGCGCCAT"

func testRefs() fasta.References {
	return fasta.Fasta{"ref": []byte(testRefSeq)}
}

func testHeader(t *testing.T) (*sam.Header, *sam.Reference) {
	t.Helper()
	ref, err := sam.NewReference("ref", "", "", len(testRefSeq), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	header, err := sam.NewHeader(nil, []*sam.Reference{ref})
	if err != nil {
		t.Fatal(err)
	}
	return header, ref
}

func mappedRecord(name string, ref *sam.Reference, pos int, cigar sam.Cigar, seq string, qual byte) *sam.Record {
	quals := make([]byte, len(seq))
	for i := range quals {
		quals[i] = qual
	}
	return &sam.Record{
		Name:  name,
		Ref:   ref,
		Pos:   pos,
		Cigar: cigar,
		Seq:   sam.NewSeq([]byte(seq)),
		Qual:  quals,
	}
}

func unmappedRecord(name string) *sam.Record {
	return &sam.Record{
		Name:  name,
		Pos:   -1,
		Flags: sam.Unmapped,
	}
}

// sliceSource yields records from a slice, both one at a time and as
// a pargo pipeline source.
type sliceSource struct {
	header  *sam.Header
	records []*sam.Record
	next    int
	data    []*sam.Record
}

func (s *sliceSource) Header() *sam.Header { return s.header }

func (s *sliceSource) Read() (*sam.Record, error) {
	if s.next >= len(s.records) {
		return nil, io.EOF
	}
	rec := s.records[s.next]
	s.next++
	return rec, nil
}

func (s *sliceSource) Err() error { return nil }

func (s *sliceSource) Prepare(_ context.Context) int { return len(s.records) }

func (s *sliceSource) Fetch(size int) int {
	n := len(s.records) - s.next
	if n > size {
		n = size
	}
	s.data = s.records[s.next : s.next+n]
	s.next += n
	return n
}

func (s *sliceSource) Data() interface{} { return s.data }

// memOutput collects the driver's output in memory.
type memOutput struct {
	header  *sam.Header
	records []*sam.Record
	counts  []cigar.Counts
	skipped []int32
}

func (out *memOutput) begin(header *sam.Header) error {
	out.header = header
	return nil
}

func (out *memOutput) receive(b *batch) error {
	for i, rec := range b.records {
		if rec == nil {
			continue
		}
		out.records = append(out.records, rec)
		if b.counts != nil {
			out.counts = append(out.counts, b.counts[i])
			out.skipped = append(out.skipped, b.skipped[i])
		}
	}
	return nil
}

func (out *memOutput) AddNodes(p *pipeline.Pipeline, header *sam.Header) {
	if err := out.begin(header); err != nil {
		p.SetErr(err)
		return
	}
	p.Add(pipeline.StrictOrd(pipeline.Receive(func(_ int, data interface{}) interface{} {
		b := data.(*batch)
		if err := out.receive(b); err != nil {
			p.SetErr(err)
		}
		return b
	})))
}

func testRecords(ref *sam.Reference) []*sam.Record {
	return []*sam.Record{
		mappedRecord("perfect", ref, 0, sam.Cigar{sam.NewCigarOp(sam.CigarMatch, 5)}, "AGCAT", 30),
		unmappedRecord("unmapped"),
		mappedRecord("mismatch", ref, 0, sam.Cigar{sam.NewCigarOp(sam.CigarMatch, 5)}, "ATCAT", 30),
		mappedRecord("indel", ref, 6, sam.Cigar{
			sam.NewCigarOp(sam.CigarMatch, 8),
			sam.NewCigarOp(sam.CigarInsertion, 2),
			sam.NewCigarOp(sam.CigarMatch, 4),
			sam.NewCigarOp(sam.CigarDeletion, 1),
			sam.NewCigarOp(sam.CigarMatch, 3),
		}, "TTAGATAAAGGATACTG", 30),
	}
}

func TestDriverSequential(t *testing.T) {
	header, ref := testHeader(t)
	records := testRecords(ref)
	input := &sliceSource{header: header, records: records}
	driver := NewDriver(input, testRefs())
	driver.Counter = cigar.NewCounter(13)
	out := new(memOutput)
	if err := driver.RunPipeline(out, nil); err != nil {
		t.Fatal(err)
	}
	if out.header != header {
		t.Error("header propagation failed")
	}
	if len(out.records) != len(records) {
		t.Fatal("record count failed")
	}
	for i := range records {
		if out.records[i] != records[i] {
			t.Error("record order preservation failed")
		}
	}
	if c := out.counts[0]; c.Matches != 5 || c.Total() != 5 {
		t.Error("perfect record counts failed")
	}
	if out.skipped[1] != -1 || out.counts[1].Total() != 0 {
		t.Error("unmapped record was counted")
	}
	if c := out.counts[2]; c.Matches != 4 || c.Mismatches != 1 {
		t.Error("mismatch record counts failed")
	}
	if c := out.counts[3]; c.Matches != 15 || c.Insertions != 2 || c.Deletions != 1 {
		t.Error("indel record counts failed")
	}
}

func TestDriverParallel(t *testing.T) {
	header, ref := testHeader(t)
	records := testRecords(ref)
	input := &sliceSource{header: header, records: records}
	driver := NewDriver(input, testRefs())
	driver.Counter = cigar.NewCounter(13)
	driver.Threads = 2
	out := new(memOutput)
	if err := driver.RunPipeline(out, nil); err != nil {
		t.Fatal(err)
	}
	if len(out.records) != len(records) {
		t.Fatal("parallel record count failed")
	}
	for i := range records {
		if out.records[i] != records[i] {
			t.Error("parallel order preservation failed")
		}
	}
	if c := out.counts[3]; c.Matches != 15 || c.Insertions != 2 || c.Deletions != 1 {
		t.Error("parallel counts failed")
	}
}

func TestDriverQualityFilter(t *testing.T) {
	header, ref := testHeader(t)
	rec := mappedRecord("lowq", ref, 0, sam.Cigar{sam.NewCigarOp(sam.CigarMatch, 5)}, "AGCAT", 30)
	rec.Qual[2] = 5
	input := &sliceSource{header: header, records: []*sam.Record{rec}}
	driver := NewDriver(input, testRefs())
	driver.Counter = cigar.NewCounter(13)
	out := new(memOutput)
	if err := driver.RunPipeline(out, nil); err != nil {
		t.Fatal(err)
	}
	if c := out.counts[0]; c.Matches != 4 || c.Mismatches != 0 {
		t.Error("quality filter counts failed")
	}
	if out.skipped[0] != 1 {
		t.Error("quality filter skip tally failed")
	}
}

func TestDriverMissingContig(t *testing.T) {
	ref, err := sam.NewReference("chr9", "", "", 1000, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	header, err := sam.NewHeader(nil, []*sam.Reference{ref})
	if err != nil {
		t.Fatal(err)
	}
	rec := mappedRecord("lost", ref, 0, sam.Cigar{sam.NewCigarOp(sam.CigarMatch, 5)}, "AGCAT", 30)
	input := &sliceSource{header: header, records: []*sam.Record{rec}}
	driver := NewDriver(input, testRefs())
	driver.Counter = cigar.NewCounter(13)
	err = driver.RunPipeline(new(memOutput), nil)
	if err == nil || !strings.Contains(err.Error(), "chr9") {
		t.Error("missing contig abort failed")
	}
}

func TestDriverMalformedPolicy(t *testing.T) {
	header, ref := testHeader(t)
	good := mappedRecord("good", ref, 0, sam.Cigar{sam.NewCigarOp(sam.CigarMatch, 5)}, "AGCAT", 30)
	bad := mappedRecord("bad", ref, 0, sam.Cigar{sam.NewCigarOp(sam.CigarMatch, 7)}, "AGCAT", 30)

	// default policy: the malformed record passes through unprocessed
	input := &sliceSource{header: header, records: []*sam.Record{good, bad}}
	driver := NewDriver(input, testRefs())
	driver.Counter = cigar.NewCounter(13)
	out := new(memOutput)
	if err := driver.RunPipeline(out, nil); err != nil {
		t.Fatal(err)
	}
	if len(out.records) != 2 || out.skipped[1] != -1 {
		t.Error("malformed pass-through failed")
	}
	if driver.Diagnostics.MalformedCount() != 1 {
		t.Error("malformed diagnostics failed")
	}

	// removal policy: the malformed record is dropped
	input = &sliceSource{header: header, records: []*sam.Record{good, bad}}
	driver = NewDriver(input, testRefs())
	driver.Counter = cigar.NewCounter(13)
	driver.RemoveMalformed = true
	out = new(memOutput)
	if err := driver.RunPipeline(out, nil); err != nil {
		t.Fatal(err)
	}
	if len(out.records) != 1 || out.records[0] != good {
		t.Error("malformed removal failed")
	}
}

func TestDriverTargetRegions(t *testing.T) {
	header, ref := testHeader(t)
	inside := mappedRecord("inside", ref, 0, sam.Cigar{sam.NewCigarOp(sam.CigarMatch, 5)}, "AGCAT", 30)
	outside := mappedRecord("outside", ref, 20, sam.Cigar{sam.NewCigarOp(sam.CigarMatch, 5)}, "TGTGC", 30)
	input := &sliceSource{header: header, records: []*sam.Record{inside, outside}}

	regions := bed.NewBed()
	regions.AddRegion(bed.Region{Chrom: "ref", Start: 0, End: 10})

	driver := NewDriver(input, testRefs())
	driver.Counter = cigar.NewCounter(13)
	driver.Regions = NewRegions(regions)
	out := new(memOutput)
	if err := driver.RunPipeline(out, nil); err != nil {
		t.Fatal(err)
	}
	if len(out.records) != 2 {
		t.Fatal("region pass-through failed")
	}
	if out.skipped[0] != 0 || out.counts[0].Matches != 5 {
		t.Error("in-region record counts failed")
	}
	if out.skipped[1] != -1 || out.counts[1].Total() != 0 {
		t.Error("out-of-region record was processed")
	}
}

func TestDriverAnnotates(t *testing.T) {
	ref, err := sam.NewReference("chr1", "", "", int(annotWindow.Len()), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	header, err := sam.NewHeader(nil, []*sam.Reference{ref})
	if err != nil {
		t.Fatal(err)
	}
	rec := deletionAnnotRecord()
	rec.Ref = ref
	input := &sliceSource{header: header, records: []*sam.Record{rec}}
	driver := NewDriver(input, fasta.Fasta{"chr1": annotWindow.Seq})
	driver.Annotator = &Annotator{BaseQualities: true, IndelQualities: true}
	out := new(memOutput)
	if err := driver.RunPipeline(out, nil); err != nil {
		t.Fatal(err)
	}
	if _, ok := rec.Tag([]byte("lb")); !ok {
		t.Error("driver base annotation failed")
	}
	if _, ok := rec.Tag([]byte("ai")); !ok {
		t.Error("driver indel annotation failed")
	}
}
