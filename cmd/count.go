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

package cmd

import (
	"flag"
	"fmt"
	"log"
	"os"
	"runtime"

	"github.com/exascience/alnqual/bed"
	"github.com/exascience/alnqual/cigar"
	"github.com/exascience/alnqual/fasta"
	"github.com/exascience/alnqual/filters"
)

// CountHelp is the help string for the count command.
const CountHelp = "\ncount parameters:\n" +
	"alnqual count sam-file reference-fasta\n" +
	"[--min-base-quality n]\n" +
	"[--per-read file[.gz|.lz4]]\n" +
	"[--lz4hc]\n" +
	"[--target-regions bed-file]\n" +
	"[--remove-malformed]\n" +
	"[--nr-of-threads n]\n" +
	"[--log-path path]\n" +
	"[--timed]\n" +
	"[--profile prefix]\n"

// Count implements the count command: it walks the mapped records of
// the input against the reference and tallies match, mismatch,
// insertion and deletion counts, subject to a minimum base quality.
// The run totals are logged; per-read counts can be written to a
// table.
func Count() error {
	var (
		perRead, targetRegions, logPath, profile string
		lz4hc, removeMalformed, timed            bool
		minBaseQuality, nrOfThreads              int
	)

	var flags flag.FlagSet

	flags.IntVar(&minBaseQuality, "min-base-quality", 13, "minimum base quality for counting matches, mismatches, and insertions")
	flags.StringVar(&perRead, "per-read", "", "write per-read counts to the specified file")
	flags.BoolVar(&lz4hc, "lz4hc", false, "use the high-compression lz4 variant for the per-read counts")
	flags.StringVar(&targetRegions, "target-regions", "", "bed file with regions to restrict the counting to")
	flags.BoolVar(&removeMalformed, "remove-malformed", false, "exclude malformed records instead of reporting them only")
	flags.IntVar(&nrOfThreads, "nr-of-threads", 0, "number of worker threads")
	flags.StringVar(&logPath, "log-path", "", "write log files to the specified directory")
	flags.BoolVar(&timed, "timed", false, "measure the runtime")
	flags.StringVar(&profile, "profile", "", "write a runtime profile to the specified file")

	parseFlags(flags, 4, CountHelp)

	samFile := getFilename(os.Args[2], CountHelp)
	refFile := getFilename(os.Args[3], CountHelp)

	setLogOutput(logPath)

	sanityChecksFailed := !checkExist("", samFile)
	sanityChecksFailed = !checkExist("", refFile) || sanityChecksFailed
	if perRead != "" {
		sanityChecksFailed = !checkCreate("--per-read", perRead) || sanityChecksFailed
	}
	if targetRegions != "" {
		sanityChecksFailed = !checkExist("--target-regions", targetRegions) || sanityChecksFailed
	}
	if minBaseQuality < 0 || minBaseQuality > 255 {
		log.Printf("Error: Invalid minimum base quality %v.\n", minBaseQuality)
		sanityChecksFailed = true
	}
	if sanityChecksFailed {
		fmt.Fprint(os.Stderr, CountHelp)
		os.Exit(1)
	}

	if nrOfThreads > 0 {
		runtime.GOMAXPROCS(nrOfThreads)
	}

	var regions *filters.Regions
	if targetRegions != "" {
		regions = filters.NewRegions(bed.ParseBed(targetRegions))
	}

	var err error
	timedRun(timed, profile, "Counting alignment events.", 1, func() {
		err = runCount(samFile, refFile, perRead, byte(minBaseQuality), lz4hc, regions, removeMalformed, nrOfThreads)
	})
	return err
}

func runCount(samFile, refFile, perRead string, minBaseQuality byte, lz4hc bool, regions *filters.Regions, removeMalformed bool, nrOfThreads int) (err error) {
	input, err := filters.Open(samFile)
	if err != nil {
		return err
	}
	defer func() {
		if nerr := input.Close(); err == nil {
			err = nerr
		}
	}()

	refs, closeRefs := fasta.Open(refFile)
	defer closeRefs()

	output, err := filters.NewCountsOutput(perRead, lz4hc)
	if err != nil {
		return err
	}

	driver := filters.NewDriver(input, refs)
	driver.Counter = cigar.NewCounter(minBaseQuality)
	driver.Regions = regions
	driver.RemoveMalformed = removeMalformed
	driver.Threads = nrOfThreads

	err = driver.RunPipeline(output, nil)
	if nerr := output.Close(); err == nil {
		err = nerr
	}
	if err != nil {
		return err
	}
	output.LogTotals()
	driver.Diagnostics.LogSummary()
	return nil
}
