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

package fasta

import (
	"fmt"
	"log"

	"github.com/bits-and-blooms/bitset"
)

// A Window holds the reference sequence of one contig, indexed by
// absolute genomic coordinate. Windows are replaced, never mutated.
type Window struct {
	Contig string
	Seq    []byte
}

// Len returns the length of the reference contig.
func (w *Window) Len() int32 {
	return int32(len(w.Seq))
}

// Base returns the reference base at an absolute position.
func (w *Window) Base(pos int32) byte {
	return w.Seq[pos]
}

// A Cache keeps the reference window for the contig currently being
// processed. At most one window is resident at a time. A Cache is
// owned by a single stream driver and is not safe for concurrent use.
type Cache struct {
	refs    References
	window  *Window
	visited *bitset.BitSet
}

// NewCache returns a cache on top of the given reference sequences.
func NewCache(refs References) *Cache {
	return &Cache{
		refs:    refs,
		visited: bitset.New(64),
	}
}

// Ensure returns the reference window for the given contig, fetching
// it from the underlying reference when the contig differs from the
// currently resident one. A contig the reference cannot supply is a
// configuration error, not a per-record anomaly, so Ensure reports it
// as an error for the driver to abort on.
//
// Reloading a contig that was already resident earlier in the run is
// legal but means the input is not coordinate-sorted; Ensure logs a
// warning because it defeats the single-window working set.
func (c *Cache) Ensure(id int, contig string) (*Window, error) {
	if c.window != nil && c.window.Contig == contig {
		return c.window, nil
	}
	seq := c.refs.Seq(contig)
	if seq == nil {
		return nil, fmt.Errorf("failed to find sequence %v in the reference", contig)
	}
	if id >= 0 {
		if c.visited.Test(uint(id)) {
			log.Printf("Warning: reference for %v reloaded; input does not appear to be coordinate-sorted.", contig)
		}
		c.visited.Set(uint(id))
	}
	c.window = &Window{Contig: contig, Seq: seq}
	return c.window, nil
}

// Resident returns the currently resident window, or nil.
func (c *Cache) Resident() *Window {
	return c.window
}
