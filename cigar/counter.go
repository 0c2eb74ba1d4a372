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

package cigar

import (
	"github.com/bits-and-blooms/bitset"

	"github.com/exascience/alnqual/fasta"

	"github.com/biogo/hts/sam"
)

// Counts are the quality-filtered event tallies of one or more
// alignment records. Insertions and deletions are counted per base,
// not per run.
type Counts struct {
	Matches    int
	Mismatches int
	Insertions int
	Deletions  int
}

// Add accumulates other into c.
func (c *Counts) Add(other Counts) {
	c.Matches += other.Matches
	c.Mismatches += other.Mismatches
	c.Insertions += other.Insertions
	c.Deletions += other.Deletions
}

// Total returns the sum of all four tallies.
func (c Counts) Total() int {
	return c.Matches + c.Mismatches + c.Insertions + c.Deletions
}

// A Counter tallies match, mismatch, insertion and deletion events
// whose base quality reaches a minimum. Match, mismatch and insertion
// events below the minimum are skipped but still advance the walk, so
// filtering never disturbs the coordinates of later events. Deletions
// carry no base quality and are always counted. Reference skips and
// unrecognized operations are never counted.
type Counter struct {
	minQual byte
	skipped *bitset.BitSet
}

// NewCounter returns a counter with the given minimum base quality.
func NewCounter(minQual byte) *Counter {
	return &Counter{minQual: minQual, skipped: bitset.New(0)}
}

// MinQual returns the minimum base quality of the counter.
func (c *Counter) MinQual() byte {
	return c.minQual
}

func (c *Counter) tally(ev Event, counts *Counts) {
	switch ev.Class {
	case Match:
		if ev.Qual >= c.minQual {
			counts.Matches++
		} else {
			c.skipped.Set(uint(ev.ReadPos))
		}
	case Mismatch:
		if ev.Qual >= c.minQual {
			counts.Mismatches++
		} else {
			c.skipped.Set(uint(ev.ReadPos))
		}
	case Insertion:
		if ev.Qual >= c.minQual {
			counts.Insertions++
		} else {
			c.skipped.Set(uint(ev.ReadPos))
		}
	case Deletion:
		counts.Deletions++
	}
}

// CountEvents tallies an event sequence. The tallies start from zero
// on every call.
func (c *Counter) CountEvents(events []Event) (counts Counts) {
	c.skipped.ClearAll()
	for _, ev := range events {
		c.tally(ev, &counts)
	}
	return counts
}

// Count walks one record against a reference window and tallies its
// events. The tallies start from zero on every call.
func (c *Counter) Count(rec *sam.Record, window *fasta.Window) (counts Counts, err error) {
	walk, err := NewWalk(rec, window)
	if err != nil {
		return counts, err
	}
	c.skipped.ClearAll()
	for ev, ok := walk.Next(); ok; ev, ok = walk.Next() {
		c.tally(ev, &counts)
	}
	if err := walk.Err(); err != nil {
		return Counts{}, err
	}
	return counts, nil
}

// Skipped returns the read positions that the most recent count
// excluded for low base quality. The result is only valid until the
// next count.
func (c *Counter) Skipped() *bitset.BitSet {
	return c.skipped
}
