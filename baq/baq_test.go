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

package baq

import (
	"testing"

	"github.com/exascience/alnqual/fasta"

	"github.com/biogo/hts/sam"
)

// positions 5-14 and 18-27 flank the homopolymer GGG at 15-17
var baqWindow = &fasta.Window{Contig: "chr1", Seq: []byte("GCTACACGGTTCTCAGGGATTCCGACTTAACGGTCAT")}

func newRecord(name string, pos int, cigar sam.Cigar, seq string, qual []byte) *sam.Record {
	return &sam.Record{
		Name:  name,
		Pos:   pos,
		Cigar: cigar,
		Seq:   sam.NewSeq([]byte(seq)),
		Qual:  qual,
	}
}

func uniformQuals(length int, qual byte) []byte {
	quals := make([]byte, length)
	for i := range quals {
		quals[i] = qual
	}
	return quals
}

func cleanRecord() *sam.Record {
	return newRecord("clean", 5, sam.Cigar{
		sam.NewCigarOp(sam.CigarMatch, 20),
	}, "ACGGTTCTCAGGGATTCCGA", uniformQuals(20, 40))
}

func deletionRecord() *sam.Record {
	return newRecord("del", 5, sam.Cigar{
		sam.NewCigarOp(sam.CigarMatch, 10),
		sam.NewCigarOp(sam.CigarDeletion, 3),
		sam.NewCigarOp(sam.CigarMatch, 10),
	}, "ACGGTTCTCAATTCCGACTT", uniformQuals(20, 40))
}

func insertionRecord() *sam.Record {
	return newRecord("ins", 5, sam.Cigar{
		sam.NewCigarOp(sam.CigarMatch, 10),
		sam.NewCigarOp(sam.CigarInsertion, 2),
		sam.NewCigarOp(sam.CigarMatch, 10),
	}, "ACGGTTCTCATTGGGATTCCGA", uniformQuals(22, 40))
}

func TestRealignClean(t *testing.T) {
	rec := cleanRecord()
	quals := Model{}.Realign(rec, baqWindow)
	if quals == nil {
		t.Fatal("clean realignment failed")
	}
	if len(quals.Base) != 20 || len(quals.Ins) != 20 || len(quals.Del) != 20 {
		t.Error("clean quality lengths failed")
	}
	for i, q := range quals.Base {
		if q > rec.Qual[i] {
			t.Error("clean quality cap failed")
		}
	}
	// a clean alignment keeps its base qualities away from the read
	// ends, where the model allows alternative entry and exit points
	for i := 2; i <= 17; i++ {
		if quals.Base[i] != 40 {
			t.Error("clean interior quality failed")
		}
	}
	for _, i := range []int{0, 1, 18, 19} {
		if quals.Base[i] < 25 {
			t.Error("clean end quality failed")
		}
	}
	for i := range quals.Ins {
		if quals.Ins[i] > 5 || quals.Del[i] > 10 {
			t.Error("clean indel confidence failed")
		}
	}
}

func TestRealignDeletion(t *testing.T) {
	rec := deletionRecord()
	quals := Model{}.Realign(rec, baqWindow)
	if quals == nil {
		t.Fatal("deletion realignment failed")
	}
	// the deletion follows the tenth aligned base
	if quals.Del[9] < 20 {
		t.Error("deletion confidence failed")
	}
	if quals.Del[4] > 10 || quals.Ins[4] > 5 || quals.Ins[9] > 5 {
		t.Error("deletion flank confidence failed")
	}
	for i := 3; i <= 6; i++ {
		if quals.Base[i] != 40 || quals.Base[i+10] != 40 {
			t.Error("deletion flank quality failed")
		}
	}
}

func TestRealignInsertion(t *testing.T) {
	rec := insertionRecord()
	quals := Model{}.Realign(rec, baqWindow)
	if quals == nil {
		t.Fatal("insertion realignment failed")
	}
	if quals.Ins[10] < 20 || quals.Ins[11] < 20 {
		t.Error("insertion confidence failed")
	}
	if quals.Ins[4] > 5 || quals.Del[4] > 10 {
		t.Error("insertion flank confidence failed")
	}
	// inserted bases are not aligned bases, so their base qualities
	// stay untouched
	if quals.Base[10] != 40 || quals.Base[11] != 40 {
		t.Error("inserted base quality failed")
	}
}

func TestRealignExtended(t *testing.T) {
	rec := deletionRecord()
	plain := Model{}.Realign(rec, baqWindow)
	extended := Model{Extended: true}.Realign(rec, baqWindow)
	if plain == nil || extended == nil {
		t.Fatal("extended realignment failed")
	}
	// smoothing never lowers a quality below the plain model
	for i := range plain.Base {
		if extended.Base[i] < plain.Base[i] {
			t.Error("extended quality smoothing failed")
		}
		if extended.Base[i] > rec.Qual[i] {
			t.Error("extended quality cap failed")
		}
	}
}

func TestRealignSkips(t *testing.T) {
	model := Model{}
	rec := cleanRecord()
	rec.Flags |= sam.Unmapped
	if model.Realign(rec, baqWindow) != nil {
		t.Error("unmapped skip failed")
	}
	empty := newRecord("empty", 5, nil, "", nil)
	if model.Realign(empty, baqWindow) != nil {
		t.Error("empty skip failed")
	}
	spliced := newRecord("spliced", 5, sam.Cigar{
		sam.NewCigarOp(sam.CigarMatch, 10),
		sam.NewCigarOp(sam.CigarSkipped, 3),
		sam.NewCigarOp(sam.CigarMatch, 10),
	}, "ACGGTTCTCAATTCCGACTT", uniformQuals(20, 40))
	if model.Realign(spliced, baqWindow) != nil {
		t.Error("spliced skip failed")
	}
	clipped := newRecord("clipped", 5, sam.Cigar{
		sam.NewCigarOp(sam.CigarSoftClipped, 5),
	}, "ACGGT", uniformQuals(5, 40))
	if model.Realign(clipped, baqWindow) != nil {
		t.Error("unaligned skip failed")
	}
}

func TestRealignReuse(t *testing.T) {
	// repeated realignments reuse pooled scratch matrices and must
	// not leak state between records
	first := Model{}.Realign(deletionRecord(), baqWindow)
	Model{}.Realign(insertionRecord(), baqWindow)
	second := Model{}.Realign(deletionRecord(), baqWindow)
	if first == nil || second == nil {
		t.Fatal("repeated realignment failed")
	}
	for i := range first.Base {
		if first.Base[i] != second.Base[i] || first.Ins[i] != second.Ins[i] || first.Del[i] != second.Del[i] {
			t.Error("repeated realignment determinism failed")
		}
	}
}

func TestGlocalTotalProbability(t *testing.T) {
	encode := func(seq string) []byte {
		b := make([]byte, len(seq))
		for i := 0; i < len(seq); i++ {
			b[i] = baseTo2Bit[seq[i]]
		}
		return b
	}
	// the aligned span of the clean and the deletion record, with
	// flanks on both sides as Realign would provide
	ref := encode("TACACGGTTCTCAGGGATTCCGACTTAA")
	for _, query := range []string{
		"ACGGTTCTCAGGGATTCCGA",
		"ACGGTTCTCAATTCCGACTT",
	} {
		q2bit := encode(query)
		p := getGlocalMatrices()
		state := make([]int, len(query))
		q := make([]byte, len(query))
		insQ := make([]byte, len(query))
		delQ := make([]byte, len(query))
		pb := p.glocal(ref, q2bit, uniformQuals(len(query), 40), defaultGlocalParams, state, q, insQ, delQ)
		putGlocalMatrices(p)
		// the backward pass folds back to the total probability of the
		// model, which is 1 up to rounding when the band captures the
		// alignment
		if !(pb > 0.99 && pb < 1.01) {
			t.Errorf("total probability failed for %v: %v", query, pb)
		}
	}
}

func TestPhred33(t *testing.T) {
	if Phred33([]byte{0, 7, 40, 93, 99}) != "!(I~~" {
		t.Error("phred encoding failed")
	}
	if Phred33(nil) != "" {
		t.Error("empty phred encoding failed")
	}
}

func BenchmarkRealign(b *testing.B) {
	model := Model{}
	rec := deletionRecord()
	for i := 0; i < b.N; i++ {
		if model.Realign(rec, baqWindow) == nil {
			b.Fatal("realignment failed")
		}
	}
}
