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

package bed

import (
	"bufio"
	"log"
	"strings"

	"github.com/exascience/alnqual/internal"
	"github.com/exascience/alnqual/utils"
)

// ParseBed parses a BED file, which may be gzip-compressed. Track
// lines and any optional fields beyond the end coordinate are
// ignored. See https://genome.ucsc.edu/FAQ/FAQformat.html#format1
func ParseBed(filename string) Bed {
	bed := NewBed()

	file := internal.FileOpen(filename)
	defer internal.Close(file)

	scanner := bufio.NewScanner(utils.HandleGzip(bufio.NewReader(file)))

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" ||
			strings.HasPrefix(line, "#") ||
			strings.HasPrefix(line, "track") ||
			strings.HasPrefix(line, "browser") {
			continue
		}
		data := strings.Split(line, "\t")
		if len(data) < 3 {
			log.Panicf("badly formatted bed file %v - invalid number of fields", filename)
		}
		bed.AddRegion(Region{
			Chrom: data[0],
			Start: int32(internal.ParseInt(data[1], 10, 32)),
			End:   int32(internal.ParseInt(data[2], 10, 32)),
		})
	}
	if err := scanner.Err(); err != nil {
		log.Panic(err)
	}
	// Make sure bed regions are sorted.
	sortRegions(bed)
	return bed
}
