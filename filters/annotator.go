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

	"github.com/exascience/alnqual/baq"
	"github.com/exascience/alnqual/cigar"
	"github.com/exascience/alnqual/fasta"

	"github.com/biogo/hts/sam"
)

// The alignment quality tags. All three are phred+33 strings of the
// read length.
var (
	// BaseQualitiesTag holds the base qualities capped by the base
	// alignment qualities.
	BaseQualitiesTag = sam.NewTag("lb")
	// InsQualitiesTag holds the per-base insertion alignment
	// qualities.
	InsQualitiesTag = sam.NewTag("ai")
	// DelQualitiesTag holds the per-base deletion alignment
	// qualities.
	DelQualitiesTag = sam.NewTag("ad")
)

// An Annotator attaches alignment quality tags to records. With
// Recompute unset, records that already carry the requested tags are
// left untouched, so re-running the annotator is a no-op; with
// Recompute set, existing tag values are overwritten. Indel quality
// tags are only ever attached to records whose CIGAR contains an
// insertion or a deletion.
type Annotator struct {
	Model          baq.Model
	BaseQualities  bool
	IndelQualities bool
	Recompute      bool
}

func hasTag(rec *sam.Record, tag sam.Tag) bool {
	for _, field := range rec.AuxFields {
		if field.Tag() == tag {
			return true
		}
	}
	return false
}

func setTag(rec *sam.Record, tag sam.Tag, value string) {
	aux, err := sam.NewAux(tag, value)
	if err != nil {
		log.Panic(err)
	}
	for i, field := range rec.AuxFields {
		if field.Tag() == tag {
			rec.AuxFields[i] = aux
			return
		}
	}
	rec.AuxFields = append(rec.AuxFields, aux)
}

// annotate attaches the configured alignment quality tags to one
// record, given its classification events and the reference window of
// its contig. Records the probability model does not apply to are
// left untouched.
func (a *Annotator) annotate(rec *sam.Record, events []cigar.Event, window *fasta.Window) {
	hasIndel := false
	for _, ev := range events {
		switch ev.Class {
		case cigar.Insertion, cigar.Deletion:
			hasIndel = true
		case cigar.Skip:
			// spliced alignments fall outside the realignment model
			return
		}
	}
	wantBase := a.BaseQualities
	wantIndel := a.IndelQualities && hasIndel
	if !a.Recompute {
		if wantBase && hasTag(rec, BaseQualitiesTag) {
			wantBase = false
		}
		if wantIndel && hasTag(rec, InsQualitiesTag) && hasTag(rec, DelQualitiesTag) {
			wantIndel = false
		}
	}
	if !wantBase && !wantIndel {
		return
	}
	quals := a.Model.Realign(rec, window)
	if quals == nil {
		return
	}
	if wantBase {
		setTag(rec, BaseQualitiesTag, baq.Phred33(quals.Base))
	}
	if wantIndel {
		setTag(rec, InsQualitiesTag, baq.Phred33(quals.Ins))
		setTag(rec, DelQualitiesTag, baq.Phred33(quals.Del))
	}
}
