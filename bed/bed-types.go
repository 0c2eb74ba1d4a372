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

// Package bed handles BED files for restricting a run to target
// regions.
package bed

import "sort"

// Bed is a struct for representing the contents of a BED file. See
// https://genome.ucsc.edu/FAQ/FAQformat.html#format1
type Bed struct {
	// Maps chromosome name onto bed regions.
	RegionMap map[string][]Region
}

// A Region is a struct for representing intervals as defined in a BED
// file. Start is zero-based inclusive, End exclusive. See
// https://genome.ucsc.edu/FAQ/FAQformat.html#format1
type Region struct {
	Chrom string
	Start int32
	End   int32
}

// NewBed allocates and initializes an empty bed.
func NewBed() Bed {
	return Bed{RegionMap: make(map[string][]Region)}
}

// AddRegion adds a region to the bed region map.
func (bed Bed) AddRegion(region Region) {
	bed.RegionMap[region.Chrom] = append(bed.RegionMap[region.Chrom], region)
}

// A function for sorting the bed regions.
func sortRegions(bed Bed) {
	for _, regions := range bed.RegionMap {
		sort.SliceStable(regions, func(i, j int) bool {
			return regions[i].Start < regions[j].Start
		})
	}
}
