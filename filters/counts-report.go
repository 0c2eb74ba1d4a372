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
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"

	"github.com/exascience/alnqual/cigar"

	"github.com/biogo/hts/sam"
	"github.com/exascience/pargo/pipeline"
	"github.com/klauspost/compress/gzip"
	"github.com/pierrec/lz4"
	"golang.org/x/sync/errgroup"
)

// A CountsOutput consumes the per-record counts of a counting run. It
// accumulates the run totals, and optionally streams a per-read
// counts table to a report file. Records are consumed in input order
// and not written anywhere else.
type CountsOutput struct {
	// Totals accumulates the counts over all counted records.
	Totals cigar.Counts

	// Records and Counted tally all records seen and the subset that
	// was walked and counted.
	Records int64
	Counted int64

	report *countsReport
}

// NewCountsOutput returns a counts output. With a non-empty report
// filename, per-read counts are written there as a tab-separated
// table, compressed according to the filename extension: gzip for
// .gz, lz4 for .lz4, with the high-compression lz4 variant when lz4hc
// is set.
func NewCountsOutput(reportFile string, lz4hc bool) (*CountsOutput, error) {
	out := new(CountsOutput)
	if reportFile != "" {
		report, err := newCountsReport(reportFile, lz4hc)
		if err != nil {
			return nil, err
		}
		out.report = report
	}
	return out, nil
}

// begin implements the sequentialOutput protocol.
func (out *CountsOutput) begin(_ *sam.Header) error {
	if out.report != nil {
		out.report.writeHeader()
	}
	return nil
}

// receive implements the sequentialOutput protocol: it accumulates
// the counts of one batch and appends its table lines.
func (out *CountsOutput) receive(b *batch) error {
	for i, rec := range b.records {
		if rec == nil {
			continue
		}
		out.Records++
		if b.skipped == nil || b.skipped[i] < 0 {
			continue
		}
		out.Counted++
		out.Totals.Add(b.counts[i])
		if out.report != nil {
			out.report.writeRecord(rec, b.counts[i], b.skipped[i])
		}
	}
	return nil
}

// AddNodes implements the PipelineOutput interface. The accumulator
// node runs strictly ordered so the report preserves the input order.
func (out *CountsOutput) AddNodes(p *pipeline.Pipeline, header *sam.Header) {
	if err := out.begin(header); err != nil {
		p.SetErr(err)
		return
	}
	p.Add(pipeline.StrictOrd(pipeline.Receive(func(_ int, data interface{}) interface{} {
		b := data.(*batch)
		if err := out.receive(b); err != nil {
			p.SetErr(err)
		}
		return b
	})))
}

// Close finishes the report file, if any.
func (out *CountsOutput) Close() error {
	if out.report != nil {
		return out.report.close()
	}
	return nil
}

// LogTotals logs the run totals.
func (out *CountsOutput) LogTotals() {
	log.Printf("Counted %v of %v records: %v matches, %v mismatches, %v inserted bases, %v deleted bases.",
		out.Counted, out.Records,
		out.Totals.Matches, out.Totals.Mismatches, out.Totals.Insertions, out.Totals.Deletions)
}

// A countsReport writes the per-read counts table. Lines are handed
// to a writer goroutine so compressing the table does not stall the
// accumulator.
type countsReport struct {
	file  *os.File
	lines chan []byte
	g     *errgroup.Group
}

func newCountsReport(filename string, lz4hc bool) (*countsReport, error) {
	file, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	report := &countsReport{
		file:  file,
		lines: make(chan []byte, 64),
	}
	g, _ := errgroup.WithContext(context.Background())
	report.g = g
	lines := report.lines
	ext := filepath.Ext(filename)
	g.Go(func() error {
		var writer io.Writer
		var finish func() error
		switch ext {
		case ".gz":
			zw := gzip.NewWriter(file)
			writer, finish = zw, zw.Close
		case ".lz4":
			lzw := lz4.NewWriter(file)
			if lz4hc {
				lzw.Header = lz4.Header{CompressionLevel: 9}
			}
			writer, finish = lzw, lzw.Close
		default:
			writer, finish = file, func() error { return nil }
		}
		for line := range lines {
			if _, err := writer.Write(line); err != nil {
				for range lines {
				}
				return err
			}
		}
		return finish()
	})
	return report, nil
}

func (report *countsReport) writeHeader() {
	report.lines <- []byte("name\tcontig\tpos\tmatches\tmismatches\tinsertions\tdeletions\tlow-quality\n")
}

func (report *countsReport) writeRecord(rec *sam.Record, counts cigar.Counts, skipped int32) {
	contig := "*"
	if rec.Ref != nil {
		contig = rec.Ref.Name()
	}
	line := make([]byte, 0, len(rec.Name)+len(contig)+48)
	line = append(line, rec.Name...)
	line = append(line, '\t')
	line = append(line, contig...)
	line = append(line, '\t')
	line = strconv.AppendInt(line, int64(rec.Pos)+1, 10)
	line = append(line, '\t')
	line = strconv.AppendInt(line, int64(counts.Matches), 10)
	line = append(line, '\t')
	line = strconv.AppendInt(line, int64(counts.Mismatches), 10)
	line = append(line, '\t')
	line = strconv.AppendInt(line, int64(counts.Insertions), 10)
	line = append(line, '\t')
	line = strconv.AppendInt(line, int64(counts.Deletions), 10)
	line = append(line, '\t')
	line = strconv.AppendInt(line, int64(skipped), 10)
	line = append(line, '\n')
	report.lines <- line
}

func (report *countsReport) close() error {
	close(report.lines)
	err := report.g.Wait()
	if nerr := report.file.Close(); err == nil {
		err = nerr
	}
	if err != nil {
		return fmt.Errorf("error writing counts report: %w", err)
	}
	return nil
}
