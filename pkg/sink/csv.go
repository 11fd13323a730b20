// Package sink writes extracted rows to delimited files. A sink appends in
// arrival order, writes the header row exactly once (on file creation, from
// the resolved schema order), and can report its data row count for
// post-sync verification. Optional gzip or zstd compression wraps the file;
// both formats tolerate append-mode multi-member output.
package sink

import (
	"bufio"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/ajitpratap0/tablesync/pkg/errors"
)

// Compression algorithms supported by the sink
const (
	CompressionNone = ""
	CompressionGzip = "gzip"
	CompressionZstd = "zstd"
)

// Options configures a sink
type Options struct {
	// Delimiter defaults to ','
	Delimiter rune
	// Compression is one of "", "gzip", "zstd"
	Compression string
}

// CSVSink appends rows to one delimited file
type CSVSink struct {
	path string
	opts Options

	file   *os.File
	comp   io.WriteCloser // nil when uncompressed
	writer *csv.Writer

	created bool
	rows    int64
}

// Open opens (or creates) the destination file for appending. When truncate
// is set any existing file is removed first (full refresh semantics). The
// header is written only when the file is newly created.
func Open(path string, header []string, truncate bool, opts Options) (*CSVSink, error) {
	if opts.Delimiter == 0 {
		opts.Delimiter = ','
	}

	if truncate {
		if err := Remove(path); err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to create output directory")
	}

	_, statErr := os.Stat(path)
	existed := statErr == nil

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to open output file")
	}

	s := &CSVSink{path: path, opts: opts, file: file, created: !existed}

	var w io.Writer = file
	switch opts.Compression {
	case CompressionNone:
	case CompressionGzip:
		s.comp = gzip.NewWriter(file)
		w = s.comp
	case CompressionZstd:
		zw, err := zstd.NewWriter(file)
		if err != nil {
			_ = file.Close()
			return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to create zstd writer")
		}
		s.comp = zw
		w = zw
	default:
		_ = file.Close()
		return nil, errors.New(errors.ErrorTypeConfig, "unknown compression algorithm: "+opts.Compression)
	}

	s.writer = csv.NewWriter(w)
	s.writer.Comma = opts.Delimiter

	if s.created && len(header) > 0 {
		if err := s.writer.Write(header); err != nil {
			_ = s.Close()
			return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to write header row")
		}
	}

	return s, nil
}

// Path returns the destination path
func (s *CSVSink) Path() string {
	return s.path
}

// Created reports whether this open created the file (header was written)
func (s *CSVSink) Created() bool {
	return s.created
}

// WriteRows appends rows in the given order
func (s *CSVSink) WriteRows(rows [][]string) error {
	for _, row := range rows {
		if err := s.writer.Write(row); err != nil {
			return errors.Wrap(err, errors.ErrorTypeFile, "failed to write row")
		}
	}
	s.rows += int64(len(rows))
	return nil
}

// Flush pushes buffered rows through the compressor to the file. After
// Flush returns nil, flushed rows survive a process crash (modulo OS page
// cache; Sync is left to Close to keep per-batch cost bounded).
func (s *CSVSink) Flush() error {
	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to flush rows")
	}
	if s.comp != nil {
		type flusher interface{ Flush() error }
		if f, ok := s.comp.(flusher); ok {
			if err := f.Flush(); err != nil {
				return errors.Wrap(err, errors.ErrorTypeFile, "failed to flush compressor")
			}
		}
	}
	return nil
}

// RowsWritten returns the data rows written through this sink instance
func (s *CSVSink) RowsWritten() int64 {
	return s.rows
}

// Close flushes and closes the sink
func (s *CSVSink) Close() error {
	if err := s.Flush(); err != nil {
		_ = s.file.Close()
		return err
	}
	if s.comp != nil {
		if err := s.comp.Close(); err != nil {
			_ = s.file.Close()
			return errors.Wrap(err, errors.ErrorTypeFile, "failed to close compressor")
		}
	}
	if err := s.file.Sync(); err != nil {
		_ = s.file.Close()
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to sync output file")
	}
	if err := s.file.Close(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to close output file")
	}
	return nil
}

// Remove deletes the destination file if it exists
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to remove output file")
	}
	return nil
}

// RowCount returns the number of data rows (excluding the header) in the
// destination file. A missing file counts as zero rows.
func RowCount(path string, opts Options) (int64, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.Wrap(err, errors.ErrorTypeFile, "failed to open output file")
	}
	defer func() { _ = file.Close() }()

	var r io.Reader = file
	switch opts.Compression {
	case CompressionNone:
	case CompressionGzip:
		gz, err := gzip.NewReader(file)
		if err != nil {
			return 0, errors.Wrap(err, errors.ErrorTypeFile, "failed to open gzip stream")
		}
		gz.Multistream(true)
		defer func() { _ = gz.Close() }()
		r = gz
	case CompressionZstd:
		zr, err := zstd.NewReader(file)
		if err != nil {
			return 0, errors.Wrap(err, errors.ErrorTypeFile, "failed to open zstd stream")
		}
		defer zr.Close()
		r = zr.IOReadCloser()
	default:
		return 0, errors.New(errors.ErrorTypeConfig, "unknown compression algorithm: "+opts.Compression)
	}

	var lines int64
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		lines++
	}
	if err := scanner.Err(); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeFile, "failed to count rows")
	}

	if lines == 0 {
		return 0, nil
	}
	// First line is the header
	return lines - 1, nil
}
