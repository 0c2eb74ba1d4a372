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
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/biogo/hts/bam"
	"github.com/biogo/hts/sam"
	"github.com/exascience/pargo/pipeline"
)

// SAM file extensions.
const (
	SamExt = ".sam"
	BamExt = ".bam"
)

type (
	// recordReader is the common interface of the biogo SAM and BAM
	// readers.
	recordReader interface {
		Read() (*sam.Record, error)
	}

	// An InputFile is a SAM or BAM file for input. It yields records
	// one at a time through Read, and batch-wise as a pargo pipeline
	// source.
	InputFile struct {
		name   string
		file   *os.File
		reader recordReader
		header *sam.Header
		data   []*sam.Record
		err    error
	}
)

// Open opens a SAM or BAM file for input. Files with a .bam extension
// are read as BAM; anything else is read as SAM. If the name is
// "/dev/stdin", the input is read from standard input as SAM.
func Open(name string) (*InputFile, error) {
	input := &InputFile{name: name}
	var r io.Reader
	if name == "/dev/stdin" {
		r = os.Stdin
	} else {
		file, err := os.Open(name)
		if err != nil {
			return nil, err
		}
		input.file = file
		r = file
	}
	if filepath.Ext(name) == BamExt {
		reader, err := bam.NewReader(r, 0)
		if err != nil {
			_ = input.Close()
			return nil, err
		}
		input.reader = reader
		input.header = reader.Header()
	} else {
		reader, err := sam.NewReader(bufio.NewReader(r))
		if err != nil {
			_ = input.Close()
			return nil, err
		}
		input.reader = reader
		input.header = reader.Header()
	}
	return input, nil
}

// Close closes the SAM/BAM input file.
func (f *InputFile) Close() error {
	if closer, ok := f.reader.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			if f.file != nil {
				_ = f.file.Close()
			}
			return err
		}
	}
	if f.file != nil {
		return f.file.Close()
	}
	return nil
}

// Header returns the header of the SAM/BAM input file.
func (f *InputFile) Header() *sam.Header {
	return f.header
}

// Read returns the next record, or io.EOF at the end of the input.
func (f *InputFile) Read() (*sam.Record, error) {
	return f.reader.Read()
}

// Err implements the method of the pipeline.Source interface.
func (f *InputFile) Err() error {
	return f.err
}

// Prepare implements the method of the pipeline.Source interface. The
// number of records in the input is not known up front.
func (f *InputFile) Prepare(_ context.Context) int {
	return -1
}

// Fetch implements the method of the pipeline.Source interface.
func (f *InputFile) Fetch(size int) int {
	data := make([]*sam.Record, 0, size)
	for len(data) < size {
		rec, err := f.reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			f.err = err
			break
		}
		data = append(data, rec)
	}
	f.data = data
	return len(data)
}

// Data implements the method of the pipeline.Source interface.
func (f *InputFile) Data() interface{} {
	return f.data
}

type (
	// recordWriter is the common interface of the biogo SAM and BAM
	// writers.
	recordWriter interface {
		Write(*sam.Record) error
	}

	// An OutputFile is a SAM or BAM file for output. It receives
	// records either from the sequential driver or as pargo pipeline
	// nodes, in input order, and skips records that were dropped
	// upstream.
	OutputFile struct {
		name   string
		format string
		file   *os.File
		buf    *bufio.Writer
		writer recordWriter
	}
)

// Create opens a SAM or BAM file for output. When format is empty,
// the format follows the filename extension, defaulting to SAM. If
// the name is "/dev/stdout", the output is written to standard
// output. The header is written when the driver provides it.
func Create(name, format string) (*OutputFile, error) {
	output := &OutputFile{name: name}
	switch strings.ToLower(format) {
	case "sam", "bam":
		output.format = strings.ToLower(format)
	default:
		if filepath.Ext(name) == BamExt {
			output.format = "bam"
		} else {
			output.format = "sam"
		}
	}
	if name == "/dev/stdout" {
		output.buf = bufio.NewWriter(os.Stdout)
	} else {
		file, err := os.Create(name)
		if err != nil {
			return nil, err
		}
		output.file = file
		output.buf = bufio.NewWriter(file)
	}
	return output, nil
}

// begin implements the sequentialOutput protocol: it writes the
// header before the first record.
func (f *OutputFile) begin(header *sam.Header) error {
	if f.format == "bam" {
		writer, err := bam.NewWriter(f.buf, header, 0)
		if err != nil {
			return err
		}
		f.writer = writer
		return nil
	}
	writer, err := sam.NewWriter(f.buf, header, sam.FlagDecimal)
	if err != nil {
		return err
	}
	f.writer = writer
	return nil
}

// receive implements the sequentialOutput protocol: it writes the
// records of one batch in order.
func (f *OutputFile) receive(b *batch) error {
	for _, rec := range b.records {
		if rec == nil {
			continue
		}
		if err := f.writer.Write(rec); err != nil {
			return err
		}
	}
	return nil
}

// AddNodes implements the PipelineOutput interface. The writer node
// runs strictly ordered so the output preserves the input order.
func (f *OutputFile) AddNodes(p *pipeline.Pipeline, header *sam.Header) {
	if err := f.begin(header); err != nil {
		p.SetErr(err)
		return
	}
	p.Add(pipeline.StrictOrd(pipeline.Receive(func(_ int, data interface{}) interface{} {
		b := data.(*batch)
		if err := f.receive(b); err != nil {
			p.SetErr(err)
		}
		return b
	})))
}

// Close flushes and closes the SAM/BAM output file.
func (f *OutputFile) Close() error {
	var err error
	if closer, ok := f.writer.(io.Closer); ok {
		err = closer.Close()
	}
	if nerr := f.buf.Flush(); err == nil {
		err = nerr
	}
	if f.file != nil {
		if nerr := f.file.Close(); err == nil {
			err = nerr
		}
	}
	return err
}
