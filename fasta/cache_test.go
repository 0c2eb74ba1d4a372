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
	"strings"
	"testing"
)

func testRefs() Fasta {
	return Fasta{
		"chr1": []byte("ACGTACGT"),
		"chr2": []byte("TTTTAAAA"),
	}
}

func TestCacheEnsure(t *testing.T) {
	cache := NewCache(testRefs())
	window, err := cache.Ensure(0, "chr1")
	if err != nil {
		t.Fatal(err)
	}
	if window.Contig != "chr1" || window.Len() != 8 || window.Base(4) != 'A' {
		t.Error("window contents failed")
	}
	if cache.Resident() != window {
		t.Error("window residency failed")
	}
}

func TestCacheReuse(t *testing.T) {
	cache := NewCache(testRefs())
	first, err := cache.Ensure(0, "chr1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := cache.Ensure(0, "chr1")
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("window reuse failed")
	}
}

func TestCacheContigChange(t *testing.T) {
	cache := NewCache(testRefs())
	if _, err := cache.Ensure(0, "chr1"); err != nil {
		t.Fatal(err)
	}
	window, err := cache.Ensure(1, "chr2")
	if err != nil {
		t.Fatal(err)
	}
	if window.Contig != "chr2" || window.Base(0) != 'T' {
		t.Error("window replacement failed")
	}
	if cache.Resident() != window {
		t.Error("single window residency failed")
	}
	// revisiting a contig is legal, if inefficient
	window, err = cache.Ensure(0, "chr1")
	if err != nil {
		t.Fatal(err)
	}
	if window.Contig != "chr1" {
		t.Error("window revisit failed")
	}
}

func TestCacheMissingContig(t *testing.T) {
	cache := NewCache(testRefs())
	_, err := cache.Ensure(2, "chrM")
	if err == nil || !strings.Contains(err.Error(), "chrM") {
		t.Error("missing contig detection failed")
	}
}
