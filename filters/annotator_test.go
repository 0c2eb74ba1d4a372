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
	"reflect"
	"testing"

	"github.com/exascience/alnqual/cigar"
	"github.com/exascience/alnqual/fasta"

	"github.com/biogo/hts/sam"
)

var annotWindow = &fasta.Window{Contig: "chr1", Seq: []byte("GCTACACGGTTCTCAGGGATTCCGACTTAACGGTCAT")}

func annotRecord(name string, pos int, cigar sam.Cigar, seq string) *sam.Record {
	quals := make([]byte, len(seq))
	for i := range quals {
		quals[i] = 40
	}
	return &sam.Record{
		Name:  name,
		Pos:   pos,
		Cigar: cigar,
		Seq:   sam.NewSeq([]byte(seq)),
		Qual:  quals,
	}
}

func cleanAnnotRecord() *sam.Record {
	return annotRecord("clean", 5, sam.Cigar{
		sam.NewCigarOp(sam.CigarMatch, 20),
	}, "ACGGTTCTCAGGGATTCCGA")
}

func deletionAnnotRecord() *sam.Record {
	return annotRecord("del", 5, sam.Cigar{
		sam.NewCigarOp(sam.CigarMatch, 10),
		sam.NewCigarOp(sam.CigarDeletion, 3),
		sam.NewCigarOp(sam.CigarMatch, 10),
	}, "ACGGTTCTCAATTCCGACTT")
}

func walkEvents(t *testing.T, rec *sam.Record) []cigar.Event {
	t.Helper()
	events, err := cigar.SoftwareWalker{}.Walk(rec, annotWindow)
	if err != nil {
		t.Fatal(err)
	}
	return events
}

func tagValue(t *testing.T, rec *sam.Record, tag sam.Tag) string {
	t.Helper()
	aux, ok := rec.Tag([]byte{tag[0], tag[1]})
	if !ok {
		t.Fatalf("tag %v missing", tag)
	}
	return aux.Value().(string)
}

func TestAnnotateAttachesTags(t *testing.T) {
	annotator := &Annotator{BaseQualities: true, IndelQualities: true}
	rec := deletionAnnotRecord()
	annotator.annotate(rec, walkEvents(t, rec), annotWindow)
	if len(tagValue(t, rec, BaseQualitiesTag)) != 20 {
		t.Error("base quality tag failed")
	}
	if len(tagValue(t, rec, InsQualitiesTag)) != 20 || len(tagValue(t, rec, DelQualitiesTag)) != 20 {
		t.Error("indel quality tags failed")
	}
}

func TestAnnotateNoIndelTagsWithoutIndel(t *testing.T) {
	annotator := &Annotator{BaseQualities: true, IndelQualities: true}
	rec := cleanAnnotRecord()
	annotator.annotate(rec, walkEvents(t, rec), annotWindow)
	if _, ok := rec.Tag([]byte("lb")); !ok {
		t.Error("base quality tag failed")
	}
	if _, ok := rec.Tag([]byte("ai")); ok {
		t.Error("unexpected insertion quality tag")
	}
	if _, ok := rec.Tag([]byte("ad")); ok {
		t.Error("unexpected deletion quality tag")
	}
}

func TestAnnotateIdempotence(t *testing.T) {
	annotator := &Annotator{BaseQualities: true, IndelQualities: true}
	rec := deletionAnnotRecord()
	events := walkEvents(t, rec)
	annotator.annotate(rec, events, annotWindow)
	once := append(sam.AuxFields(nil), rec.AuxFields...)
	annotator.annotate(rec, events, annotWindow)
	if !reflect.DeepEqual(once, rec.AuxFields) {
		t.Error("annotator idempotence failed")
	}
}

func TestAnnotateRespectsExistingTags(t *testing.T) {
	annotator := &Annotator{BaseQualities: true}
	rec := cleanAnnotRecord()
	setTag(rec, BaseQualitiesTag, "precomputed")
	fields := append(sam.AuxFields(nil), rec.AuxFields...)
	annotator.annotate(rec, walkEvents(t, rec), annotWindow)
	if !reflect.DeepEqual(fields, rec.AuxFields) {
		t.Error("existing tag was touched")
	}
}

func TestAnnotateRecompute(t *testing.T) {
	annotator := &Annotator{BaseQualities: true, Recompute: true}
	rec := cleanAnnotRecord()
	setTag(rec, BaseQualitiesTag, "stale")
	annotator.annotate(rec, walkEvents(t, rec), annotWindow)
	if value := tagValue(t, rec, BaseQualitiesTag); value == "stale" || len(value) != 20 {
		t.Error("recompute overwrite failed")
	}
}

func TestAnnotateSplicedUntouched(t *testing.T) {
	annotator := &Annotator{BaseQualities: true, IndelQualities: true}
	rec := annotRecord("spliced", 5, sam.Cigar{
		sam.NewCigarOp(sam.CigarMatch, 10),
		sam.NewCigarOp(sam.CigarSkipped, 3),
		sam.NewCigarOp(sam.CigarMatch, 10),
	}, "ACGGTTCTCAATTCCGACTT")
	annotator.annotate(rec, walkEvents(t, rec), annotWindow)
	if len(rec.AuxFields) != 0 {
		t.Error("spliced record was annotated")
	}
}
