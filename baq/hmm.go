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
	"math"
	"sync"
)

type glocalParams struct {
	d, e float64
	bw   int
}

// gap open probability, gap extension probability, and band width of
// the glocal alignment model
var defaultGlocalParams = glocalParams{d: 0.001, e: 0.1, bw: 7}

const (
	// emission probability of a mismatching base, spread over the
	// three disagreeing nucleotides
	mismatchEmission = 0.33333333333
	// flat emission probability of an inserted base
	insertionEmission = 0.25
)

var qualToErrorProb [256]float64

func init() {
	for i := range qualToErrorProb {
		qualToErrorProb[i] = math.Pow(10, float64(i)/-10)
	}
}

// base codes above 3 are treated as fully ambiguous
var baseTo2Bit [256]byte

func init() {
	for i := range baseTo2Bit {
		baseTo2Bit[i] = 4
	}
	baseTo2Bit['A'], baseTo2Bit['a'] = 0, 0
	baseTo2Bit['C'], baseTo2Bit['c'] = 1, 1
	baseTo2Bit['G'], baseTo2Bit['g'] = 2, 2
	baseTo2Bit['T'], baseTo2Bit['t'] = 3, 3
}

type float64Matrix struct {
	cols  int
	array []float64
}

func (m *float64Matrix) ensureSize(rows, cols int) {
	m.cols = cols
	totalSize := rows * cols
	if totalSize <= cap(m.array) {
		m.array = m.array[:totalSize]
		for i := range m.array {
			m.array[i] = 0
		}
	} else {
		m.array = make([]float64, totalSize)
	}
}

func (m *float64Matrix) rowView(row int) []float64 {
	offset := row * m.cols
	return m.array[offset : offset+m.cols]
}

// glocalMatrices holds the scratch state for one glocal run. The
// matrices are fetched from a pool so that repeated runs over a
// stream of records reuse their backing memory.
type glocalMatrices struct {
	f, b  float64Matrix
	s     []float64
	state []int
	q     []byte
	query []byte
	ref   []byte
	left  []byte
	right []byte
}

var glocalMatricesPool = sync.Pool{New: func() interface{} { return new(glocalMatrices) }}

func getGlocalMatrices() *glocalMatrices {
	return glocalMatricesPool.Get().(*glocalMatrices)
}

func putGlocalMatrices(p *glocalMatrices) {
	glocalMatricesPool.Put(p)
}

func ensureFloats(s []float64, size int) []float64 {
	if cap(s) < size {
		return make([]float64, size)
	}
	return s[:size]
}

func ensureInts(s []int, size int) []int {
	if cap(s) < size {
		return make([]int, size)
	}
	return s[:size]
}

func ensureBytes(s []byte, size int) []byte {
	if cap(s) < size {
		return make([]byte, size)
	}
	return s[:size]
}

// setU maps a banded cell to its offset in a matrix row. Row i covers
// the reference positions i-bw..i+bw; every cell holds the three
// states of one query/reference position pair.
func setU(bw, i, k int) int {
	x := i - bw
	if x < 0 {
		x = 0
	}
	return (k - x + 1) * 3
}

// phredFromProbability converts a posterior state probability to the
// phred score of the complementary error probability, capped at 99.
func phredFromProbability(p float64) byte {
	e := 1 - p
	if e <= 0 {
		return 99
	}
	q := int(-4.343*math.Log(e) + 0.499)
	if q > 100 {
		q = 99
	}
	return byte(q)
}

// glocal runs the banded forward/backward algorithm of a hidden
// Markov model that aligns query globally and ref locally, with match,
// insertion and deletion states per banded cell. ref and query are
// 2-bit encoded, iqual holds the base qualities of the query.
//
// For every query base, glocal reports the maximum a posteriori state
// in state (reference offset shifted left twice, low bits 0 for a
// match and 1 for an insertion) and its phred-scaled confidence in q,
// and derives phred-scaled insertion and deletion qualities insQ and
// delQ from the posteriors of the same run. The insertion quality of
// a base is the confidence that the base itself is inserted; the
// deletion quality is the confidence that a deletion immediately
// follows it.
//
// The return value is the total probability of the backward pass,
// which is 1 up to rounding when the band has captured the alignment;
// callers reject decodings where it diverges.
func (p *glocalMatrices) glocal(ref, query, iqual []byte, c glocalParams, state []int, q, insQ, delQ []byte) float64 {
	refLength, queryLength := len(ref), len(query)
	if refLength <= 0 || queryLength <= 0 {
		return 0
	}

	bw := refLength
	if queryLength > bw {
		bw = queryLength
	}
	if bw > c.bw {
		bw = c.bw
	}
	if d := absInt(refLength - queryLength); bw < d {
		bw = d
	}
	bw2 := bw*2 + 1
	rowWidth := bw2*3 + 6

	p.f.ensureSize(queryLength+1, rowWidth)
	p.b.ensureSize(queryLength+1, rowWidth)
	p.s = ensureFloats(p.s, queryLength+2)

	// transition probabilities; entering and leaving the model are
	// uniform over the query
	sM := 1 / float64(2*queryLength+2)
	sI := sM
	var m [9]float64
	m[0] = (1 - c.d - c.d) * (1 - sM)
	m[1] = c.d * (1 - sM)
	m[2] = c.d * (1 - sM)
	m[3] = (1 - c.e) * (1 - sI)
	m[4] = c.e * (1 - sI)
	m[6] = 1 - c.e
	m[8] = c.e
	bM := (1 - c.d) / float64(refLength)
	bI := c.d / float64(refLength)

	emission := func(r, y byte, errProb float64) float64 {
		if r > 3 || y > 3 {
			return 1
		}
		if r == y {
			return 1 - errProb
		}
		return errProb * mismatchEmission
	}

	// forward
	p.f.rowView(0)[setU(bw, 0, 0)] = 1
	p.s[0] = 1
	{
		fi := p.f.rowView(1)
		end := bw + 1
		if refLength < end {
			end = refLength
		}
		errProb := qualToErrorProb[iqual[0]]
		sum := 0.0
		for k := 1; k <= end; k++ {
			e := emission(ref[k-1], query[0], errProb)
			u := setU(bw, 1, k)
			fi[u] = e * bM
			fi[u+1] = insertionEmission * bI
			sum += fi[u] + fi[u+1]
		}
		p.s[1] = sum
		for k := setU(bw, 1, 1); k <= setU(bw, 1, end)+2; k++ {
			fi[k] /= sum
		}
	}
	for i := 2; i <= queryLength; i++ {
		fi := p.f.rowView(i)
		fi1 := p.f.rowView(i - 1)
		errProb := qualToErrorProb[iqual[i-1]]
		qyi := query[i-1]
		beg, end := 1, refLength
		if x := i - bw; beg < x {
			beg = x
		}
		if x := i + bw; end > x {
			end = x
		}
		sum := 0.0
		for k := beg; k <= end; k++ {
			e := emission(ref[k-1], qyi, errProb)
			u := setU(bw, i, k)
			v11 := setU(bw, i-1, k-1)
			v10 := setU(bw, i-1, k)
			v01 := setU(bw, i, k-1)
			fi[u] = e * (m[0]*fi1[v11] + m[3]*fi1[v11+1] + m[6]*fi1[v11+2])
			fi[u+1] = insertionEmission * (m[1]*fi1[v10] + m[4]*fi1[v10+1])
			fi[u+2] = m[2]*fi[v01] + m[8]*fi[v01+2]
			sum += fi[u] + fi[u+1] + fi[u+2]
		}
		p.s[i] = sum
		for k := setU(bw, i, beg); k <= setU(bw, i, end)+2; k++ {
			fi[k] /= sum
		}
	}
	{
		fi := p.f.rowView(queryLength)
		sum := 0.0
		for k := 1; k <= refLength; k++ {
			u := setU(bw, queryLength, k)
			if u < 3 || u >= bw2*3+3 {
				continue
			}
			sum += fi[u]*sM + fi[u+1]*sI
		}
		p.s[queryLength+1] = sum
	}

	// backward
	{
		bi := p.b.rowView(queryLength)
		for k := 1; k <= refLength; k++ {
			u := setU(bw, queryLength, k)
			if u < 3 || u >= bw2*3+3 {
				continue
			}
			bi[u] = sM / p.s[queryLength] / p.s[queryLength+1]
			bi[u+1] = sI / p.s[queryLength] / p.s[queryLength+1]
		}
	}
	for i := queryLength - 1; i >= 1; i-- {
		bi := p.b.rowView(i)
		bi1 := p.b.rowView(i + 1)
		errProb := qualToErrorProb[iqual[i]]
		qyi1 := query[i]
		beg, end := 1, refLength
		if x := i - bw; beg < x {
			beg = x
		}
		if x := i + bw; end > x {
			end = x
		}
		for k := end; k >= beg; k-- {
			u := setU(bw, i, k)
			v11 := setU(bw, i+1, k+1)
			v10 := setU(bw, i+1, k)
			v01 := setU(bw, i, k+1)
			var e float64
			if k < refLength {
				e = emission(ref[k], qyi1, errProb) * bi1[v11]
			}
			bi[u] = e*m[0] + insertionEmission*m[1]*bi1[v10+1] + m[2]*bi[v01+2]
			bi[u+1] = e*m[3] + insertionEmission*m[4]*bi1[v10+1]
			if i > 1 {
				bi[u+2] = e*m[6] + m[8]*bi[v01+2]
			}
		}
		scale := 1 / p.s[i]
		for k := setU(bw, i, beg); k <= setU(bw, i, end)+2; k++ {
			bi[k] *= scale
		}
	}
	// the total probability folds the backward pass over the entry
	// transitions and first-base emissions, the singularity cell of
	// row 0
	pb := 0.0
	{
		b1 := p.b.rowView(1)
		end := bw + 1
		if refLength < end {
			end = refLength
		}
		errProb := qualToErrorProb[iqual[0]]
		for k := 1; k <= end; k++ {
			u := setU(bw, 1, k)
			if u < 3 || u >= bw2*3+3 {
				continue
			}
			e := emission(ref[k-1], query[0], errProb)
			pb += e*b1[u]*bM + insertionEmission*b1[u+1]*bI
		}
		pb /= p.s[0]
	}

	// posterior decoding
	for i := 1; i <= queryLength; i++ {
		fi := p.f.rowView(i)
		bi := p.b.rowView(i)
		beg, end := 1, refLength
		if x := i - bw; beg < x {
			beg = x
		}
		if x := i + bw; end > x {
			end = x
		}
		sum, max := 0.0, 0.0
		var sumIns, maxDel float64
		maxK := -1
		for k := beg; k <= end; k++ {
			u := setU(bw, i, k)
			z := fi[u] * bi[u]
			if z > max {
				max, maxK = z, (k-1)<<2
			}
			sum += z
			z = fi[u+1] * bi[u+1]
			if z > max {
				max, maxK = z, (k-1)<<2|1
			}
			sum += z
			sumIns += z
			// a path visits at most one match or insertion state per
			// row but can pass through several deletion states, so
			// the deletion evidence is the strongest single cell
			// rather than the row total
			if z = fi[u+2] * bi[u+2]; z > maxDel {
				maxDel = z
			}
		}
		state[i-1] = maxK
		q[i-1] = phredFromProbability(max / sum)
		insQ[i-1] = phredFromProbability(sumIns / sum)
		delQ[i-1] = phredFromProbability(maxDel / sum)
	}
	return pb
}

func minUint8(x, y uint8) uint8 {
	if x < y {
		return x
	}
	return y
}

func maxUint8(x, y uint8) uint8 {
	if x > y {
		return x
	}
	return y
}

func absInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
