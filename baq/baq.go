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

// Package baq computes base and indel alignment qualities by
// realigning records against the reference with a banded pair hidden
// Markov model. The base alignment quality of a base bounds how
// trustworthy its position in the alignment is; capping base
// qualities by it suppresses spurious mismatches around true indels.
package baq

import (
	"github.com/exascience/alnqual/fasta"

	"github.com/biogo/hts/sam"
)

// A Model computes alignment qualities. The zero value computes
// default base alignment qualities; with Extended set, the qualities
// of each aligned stretch are smoothed by a running maximum from both
// sides, which is more sensitive but less specific.
type Model struct {
	Extended bool
}

// Qualities are the alignment qualities of one record. Base holds the
// base qualities capped by the base alignment qualities. Ins and Del
// hold the phred-scaled confidence that the base is part of an
// insertion, respectively that a deletion immediately follows the
// base. All three have the length of the read.
type Qualities struct {
	Base []byte
	Ins  []byte
	Del  []byte
}

// Realign computes the alignment qualities of a record against the
// reference window of its contig. It returns nil for records the
// model does not apply to: unmapped records, empty sequences,
// alignments without aligned bases, and spliced alignments. It also
// returns nil when the banded model cannot decode the alignment with
// confidence; such records keep their original qualities.
func (model Model) Realign(rec *sam.Record, window *fasta.Window) *Qualities {
	if rec.Flags&sam.Unmapped != 0 || rec.Pos < 0 || rec.Seq.Length == 0 {
		return nil
	}

	// delimit the aligned part of the read and of the reference
	x, y := rec.Pos, 0
	yb, ye, xb, xe := -1, -1, -1, -1
	for _, co := range rec.Cigar {
		length := co.Len()
		switch co.Type() {
		case sam.CigarMatch, sam.CigarEqual, sam.CigarMismatch:
			if yb < 0 {
				yb = y
			}
			if xb < 0 {
				xb = x
			}
			ye, xe = y+length, x+length
			x += length
			y += length
		case sam.CigarSoftClipped, sam.CigarInsertion:
			y += length
		case sam.CigarDeletion:
			x += length
		case sam.CigarSkipped:
			// spliced alignments are left alone
			return nil
		}
	}
	if yb < 0 || xb < 0 {
		return nil
	}

	queryLength := rec.Seq.Length
	conf := defaultGlocalParams
	if d := absInt((xe - xb) - (ye - yb)); d > conf.bw {
		conf.bw = d + 3
	}
	xb -= yb + conf.bw/2
	if xb < 0 {
		xb = 0
	}
	xe += queryLength - ye + conf.bw/2
	if xe-xb-queryLength > conf.bw {
		xb += (xe - xb - queryLength - conf.bw) / 2
		xe -= (xe - xb - queryLength - conf.bw) / 2
	}
	if refLength := int(window.Len()); xe > refLength {
		xe = refLength
	}
	if xe <= xb {
		return nil
	}

	p := getGlocalMatrices()
	defer putGlocalMatrices(p)

	p.query = ensureBytes(p.query, queryLength)
	seq := rec.Seq.Expand()
	for i, base := range seq {
		p.query[i] = baseTo2Bit[base]
	}
	p.ref = ensureBytes(p.ref, xe-xb)
	for i := xb; i < xe; i++ {
		p.ref[i-xb] = baseTo2Bit[window.Base(int32(i))]
	}
	p.state = ensureInts(p.state, queryLength)
	p.q = ensureBytes(p.q, queryLength)

	insQ := make([]byte, queryLength)
	delQ := make([]byte, queryLength)
	pb := p.glocal(p.ref, p.query, rec.Qual, conf, p.state, p.q, insQ, delQ)
	if !(pb > 0.9 && pb < 1.1) {
		return nil
	}

	baq := make([]byte, queryLength)
	copy(baq, rec.Qual)
	if !model.Extended {
		model.capQualities(rec, xb, p.state, p.q, baq)
	} else {
		p.left = ensureBytes(p.left, queryLength)
		p.right = ensureBytes(p.right, queryLength)
		model.smoothQualities(rec, xb, p.state, p.q, p.left, p.right, baq)
		for i, qual := range rec.Qual {
			baq[i] = minUint8(qual, baq[i])
		}
	}
	return &Qualities{Base: baq, Ins: insQ, Del: delQ}
}

// capQualities caps the base quality of every aligned base by the
// confidence of its posterior state, and zeroes bases whose posterior
// state disagrees with the alignment.
func (model Model) capQualities(rec *sam.Record, xb int, state []int, q, baq []byte) {
	x, y := rec.Pos, 0
	for _, co := range rec.Cigar {
		length := co.Len()
		switch co.Type() {
		case sam.CigarMatch, sam.CigarEqual, sam.CigarMismatch:
			for i := y; i < y+length; i++ {
				if state[i]&3 != 0 || state[i]>>2 != x-xb+(i-y) {
					baq[i] = 0
				} else {
					baq[i] = minUint8(baq[i], q[i])
				}
			}
			x += length
			y += length
		case sam.CigarSoftClipped, sam.CigarInsertion:
			y += length
		case sam.CigarDeletion:
			x += length
		}
	}
}

// smoothQualities assigns every aligned base the confidence of its
// posterior state, then caps each aligned stretch by the running
// maxima from its left and its right, so that isolated uncertain
// bases inside a confident stretch are not over-penalized.
func (model Model) smoothQualities(rec *sam.Record, xb int, state []int, q, left, right, baq []byte) {
	x, y := rec.Pos, 0
	for _, co := range rec.Cigar {
		length := co.Len()
		switch co.Type() {
		case sam.CigarMatch, sam.CigarEqual, sam.CigarMismatch:
			for i := y; i < y+length; i++ {
				if state[i]&3 != 0 || state[i]>>2 != x-xb+(i-y) {
					baq[i] = 0
				} else {
					baq[i] = q[i]
				}
			}
			left[y] = baq[y]
			for i := y + 1; i < y+length; i++ {
				left[i] = maxUint8(baq[i], left[i-1])
			}
			right[y+length-1] = baq[y+length-1]
			for i := y + length - 2; i >= y; i-- {
				right[i] = maxUint8(baq[i], right[i+1])
			}
			for i := y; i < y+length; i++ {
				baq[i] = minUint8(left[i], right[i])
			}
			x += length
			y += length
		case sam.CigarSoftClipped, sam.CigarInsertion:
			y += length
		case sam.CigarDeletion:
			x += length
		}
	}
}

// Phred33 encodes phred scores as an ASCII string with offset 33,
// capping at '~'. This is the representation of the alignment quality
// tags.
func Phred33(quals []byte) string {
	ascii := make([]byte, len(quals))
	for i, q := range quals {
		if q > 93 {
			q = 93
		}
		ascii[i] = q + 33
	}
	return string(ascii)
}
