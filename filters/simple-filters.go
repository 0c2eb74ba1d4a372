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

	"github.com/exascience/alnqual/utils"

	"github.com/biogo/hts/sam"
	"github.com/google/uuid"
)

// AddPGLine returns a filter for adding a @PG record for this
// invocation to the header, chained to the last program already
// present.
func AddPGLine(command string) Filter {
	return func(header *sam.Header) AlignmentFilter {
		id := utils.ProgramName + "-" + uuid.New().String()
		previous := ""
		if progs := header.Progs(); len(progs) > 0 {
			previous = progs[len(progs)-1].UID()
		}
		program := sam.NewProgram(id, utils.ProgramName, command, previous, utils.ProgramVersion)
		if err := header.AddProgram(program); err != nil {
			log.Panic(err)
		}
		return nil
	}
}

// RemoveQualityTags returns a filter for removing the alignment
// quality tags from each record, so a recompute run never leaves
// stale values behind on records the model no longer applies to.
func RemoveQualityTags(_ *sam.Header) AlignmentFilter {
	return func(rec *sam.Record) bool {
		fields := rec.AuxFields[:0]
		for _, field := range rec.AuxFields {
			switch field.Tag() {
			case BaseQualitiesTag, InsQualitiesTag, DelQualitiesTag:
			default:
				fields = append(fields, field)
			}
		}
		rec.AuxFields = fields
		return true
	}
}
