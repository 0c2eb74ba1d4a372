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

	"github.com/exascience/alnqual/bed"

	"github.com/biogo/hts/sam"
	"github.com/biogo/store/interval"
)

// regionInterval adapts a bed region to the biogo interval tree.
type regionInterval struct {
	start, end int
	id         uintptr
}

// Overlap uses half-open interval indexing, like BED itself.
func (i regionInterval) Overlap(b interval.IntRange) bool {
	return i.end > b.Start && i.start < b.End
}

func (i regionInterval) ID() uintptr { return i.id }

func (i regionInterval) Range() interval.IntRange {
	return interval.IntRange{Start: i.start, End: i.end}
}

// Regions is a set of target regions that restricts which records a
// run processes. Records that do not overlap any region pass through
// unprocessed. Lookup is per contig through an interval tree, so the
// regions need not be disjoint or sorted.
type Regions struct {
	trees map[string]*interval.IntTree
}

// NewRegions builds the interval trees for the regions of a bed file.
func NewRegions(b bed.Bed) *Regions {
	trees := make(map[string]*interval.IntTree)
	var id uintptr
	for chrom, regions := range b.RegionMap {
		tree := &interval.IntTree{}
		for _, region := range regions {
			iv := regionInterval{start: int(region.Start), end: int(region.End), id: id}
			if err := tree.Insert(iv, false); err != nil {
				log.Panic(err)
			}
			id++
		}
		tree.AdjustRanges()
		trees[chrom] = tree
	}
	return &Regions{trees: trees}
}

// Overlaps returns whether the record's alignment span overlaps at
// least one target region.
func (r *Regions) Overlaps(rec *sam.Record) bool {
	if rec.Ref == nil {
		return false
	}
	tree := r.trees[rec.Ref.Name()]
	if tree == nil {
		return false
	}
	query := regionInterval{start: rec.Pos, end: rec.End()}
	return len(tree.Get(query)) > 0
}
