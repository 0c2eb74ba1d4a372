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
	"bytes"
	"flag"
	"fmt"
	"log"
	"os"
	"runtime"

	"github.com/exascience/alnqual/baq"
	"github.com/exascience/alnqual/bed"
	"github.com/exascience/alnqual/fasta"
	"github.com/exascience/alnqual/filters"
)

// AnnotateHelp is the help string for the annotate command.
const AnnotateHelp = "\nannotate parameters:\n" +
	"alnqual annotate sam-file reference-fasta\n" +
	"[--output-file file]\n" +
	"[--output-type [sam | bam]]\n" +
	"[--no-base-qualities]\n" +
	"[--no-indel-qualities]\n" +
	"[--plain-baq]\n" +
	"[--recompute]\n" +
	"[--target-regions bed-file]\n" +
	"[--remove-malformed]\n" +
	"[--nr-of-threads n]\n" +
	"[--log-path path]\n" +
	"[--timed]\n" +
	"[--profile prefix]\n" +
	"\nThe attached tags are only valid for the alignment they were computed\n" +
	"against, so annotate must be the last postprocessing step before\n" +
	"downstream analysis.\n"

// Annotate implements the annotate command: it streams records from
// the input, attaches base and indel alignment quality tags to the
// mapped records, and writes every record to the output in input
// order.
func Annotate() error {
	var (
		outputFile, outputType, targetRegions, logPath, profile                        string
		noBaseQualities, noIndelQualities, plainBAQ, recompute, removeMalformed, timed bool
		nrOfThreads                                                                    int
	)

	var flags flag.FlagSet

	flags.StringVar(&outputFile, "output-file", "/dev/stdout", "output file")
	flags.StringVar(&outputType, "output-type", "", "format of the output file (sam or bam)")
	flags.BoolVar(&noBaseQualities, "no-base-qualities", false, "do not compute base alignment qualities")
	flags.BoolVar(&noIndelQualities, "no-indel-qualities", false, "do not compute indel alignment qualities")
	flags.BoolVar(&plainBAQ, "plain-baq", false, "use the default instead of the extended BAQ model")
	flags.BoolVar(&recompute, "recompute", false, "overwrite alignment quality tags that are already present")
	flags.StringVar(&targetRegions, "target-regions", "", "bed file with regions to restrict the annotation to")
	flags.BoolVar(&removeMalformed, "remove-malformed", false, "drop malformed records instead of passing them through")
	flags.IntVar(&nrOfThreads, "nr-of-threads", 0, "number of worker threads")
	flags.StringVar(&logPath, "log-path", "", "write log files to the specified directory")
	flags.BoolVar(&timed, "timed", false, "measure the runtime")
	flags.StringVar(&profile, "profile", "", "write a runtime profile to the specified file")

	parseFlags(flags, 4, AnnotateHelp)

	samFile := getFilename(os.Args[2], AnnotateHelp)
	refFile := getFilename(os.Args[3], AnnotateHelp)

	setLogOutput(logPath)

	sanityChecksFailed := !checkExist("", samFile)
	sanityChecksFailed = !checkExist("", refFile) || sanityChecksFailed
	sanityChecksFailed = !checkCreate("--output-file", outputFile) || sanityChecksFailed
	if !checkOutputFormat(outputType) {
		sanityChecksFailed = true
	}
	if targetRegions != "" {
		sanityChecksFailed = !checkExist("--target-regions", targetRegions) || sanityChecksFailed
	}
	if noBaseQualities && noIndelQualities {
		log.Println("Error: Both base and indel alignment qualities are disabled, nothing to do.")
		sanityChecksFailed = true
	}
	if sanityChecksFailed {
		fmt.Fprint(os.Stderr, AnnotateHelp)
		os.Exit(1)
	}

	if nrOfThreads > 0 {
		runtime.GOMAXPROCS(nrOfThreads)
	}

	// reconstruct the command line for the @PG CL field
	var command bytes.Buffer
	fmt.Fprint(&command, os.Args[0], " annotate ", samFile, " ", refFile,
		" --output-file ", outputFile)
	if outputType != "" {
		fmt.Fprint(&command, " --output-type ", outputType)
	}
	if noBaseQualities {
		fmt.Fprint(&command, " --no-base-qualities")
	}
	if noIndelQualities {
		fmt.Fprint(&command, " --no-indel-qualities")
	}
	if plainBAQ {
		fmt.Fprint(&command, " --plain-baq")
	}
	if recompute {
		fmt.Fprint(&command, " --recompute")
	}
	if targetRegions != "" {
		fmt.Fprint(&command, " --target-regions ", targetRegions)
	}
	if removeMalformed {
		fmt.Fprint(&command, " --remove-malformed")
	}
	if nrOfThreads > 0 {
		fmt.Fprint(&command, " --nr-of-threads ", nrOfThreads)
	}
	if logPath != "" {
		fmt.Fprint(&command, " --log-path ", logPath)
	}
	if timed {
		fmt.Fprint(&command, " --timed")
	}
	if profile != "" {
		fmt.Fprint(&command, " --profile ", profile)
	}

	annotator := &filters.Annotator{
		Model:          baq.Model{Extended: !plainBAQ},
		BaseQualities:  !noBaseQualities,
		IndelQualities: !noIndelQualities,
		Recompute:      recompute,
	}

	var regions *filters.Regions
	if targetRegions != "" {
		regions = filters.NewRegions(bed.ParseBed(targetRegions))
	}

	var err error
	timedRun(timed, profile, "Annotating alignment qualities.", 1, func() {
		err = runAnnotate(samFile, refFile, outputFile, outputType, annotator, regions, removeMalformed, nrOfThreads, command.String())
	})
	return err
}

func runAnnotate(samFile, refFile, outputFile, outputType string, annotator *filters.Annotator, regions *filters.Regions, removeMalformed bool, nrOfThreads int, command string) (err error) {
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

	output, err := filters.Create(outputFile, outputType)
	if err != nil {
		return err
	}
	defer func() {
		if nerr := output.Close(); err == nil {
			err = nerr
		}
	}()

	driver := filters.NewDriver(input, refs)
	driver.Annotator = annotator
	driver.Regions = regions
	driver.RemoveMalformed = removeMalformed
	driver.Threads = nrOfThreads

	hdrFilters := []filters.Filter{filters.AddPGLine(command)}
	if annotator.Recompute {
		hdrFilters = append(hdrFilters, filters.RemoveQualityTags)
	}

	if err := driver.RunPipeline(output, hdrFilters); err != nil {
		return err
	}
	driver.Diagnostics.LogSummary()
	return nil
}
