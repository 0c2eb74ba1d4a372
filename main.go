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

// alnqual adds base and indel alignment qualities to .sam/.bam files,
// and computes alignment statistics against a reference.
//
// Please see https://github.com/exascience/alnqual for a
// documentation of the tool, and below (and/or
// https://godoc.org/github.com/ExaScience/alnqual) for the API
// documentation.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/exascience/alnqual/cmd"
)

func printHelp() {
	fmt.Fprintln(os.Stderr, "Available commands: annotate, count")
	fmt.Fprint(os.Stderr, "\n", cmd.AnnotateHelp)
	fmt.Fprint(os.Stderr, "\n", cmd.CountHelp)
}

func main() {
	fmt.Fprintln(os.Stderr, cmd.ProgramMessage)
	if len(os.Args) < 2 {
		log.Println("Incorrect number of parameters.")
		fmt.Fprint(os.Stderr, cmd.HelpMessage, "\n")
		printHelp()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "annotate":
		err = cmd.Annotate()
	case "count":
		err = cmd.Count()
	case "help", "-help", "--help", "-h", "--h":
		printHelp()
	default:
		log.Printf("Unknown command %v.\n", os.Args[1])
		printHelp()
		os.Exit(1)
	}
	if err != nil {
		log.Fatal(err)
	}
}
