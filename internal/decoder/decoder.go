// Package decoder turns blob bytes into an ordered stream of log lines,
// transparently handling gzip compression.
package decoder

import (
	"bufio"
	"bytes"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/logamizer/logamizer/internal/model"
)

// maxLineBytes caps a single line; access logs never legitimately exceed it.
const maxLineBytes = 1 << 20

var gzipMagic = []byte{0x1f, 0x8b}

// Line is one content line with its 1-based position in the file.
type Line struct {
	Number int
	Text   string
}

// Counters reports how many lines the reader has seen so far.
type Counters struct {
	TotalLines int
	EmptyLines int
}

// LineReader streams lines from a (possibly gzipped) log file. Empty lines
// and comment lines starting with '#' are skipped but counted.
type LineReader struct {
	scanner  *bufio.Scanner
	closer   io.Closer
	lineNum  int
	counters Counters
	err      error
}

// Open wraps r in a line reader. Gzip is detected by the .gz filename
// suffix or by the stream's magic bytes. A broken compression stream
// surfaces as a DecodeError.
func Open(r io.Reader, filename string) (*LineReader, error) {
	br := bufio.NewReaderSize(r, 64*1024)

	magic, err := br.Peek(2)
	gzipped := strings.HasSuffix(filename, ".gz") ||
		(err == nil && bytes.Equal(magic, gzipMagic))

	var src io.Reader = br
	var closer io.Closer
	if gzipped {
		zr, zerr := gzip.NewReader(br)
		if zerr != nil {
			return nil, &model.DecodeError{Key: filename, Err: zerr}
		}
		src = zr
		closer = zr
	}

	sc := bufio.NewScanner(src)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	return &LineReader{scanner: sc, closer: closer}, nil
}

// Next returns the next content line. It never fails on content; a false
// return means end of stream (check Err for a truncated gzip stream).
func (lr *LineReader) Next() (Line, bool) {
	for lr.scanner.Scan() {
		lr.lineNum++
		lr.counters.TotalLines++
		text := lr.scanner.Text()

		trimmed := strings.TrimSpace(text)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			lr.counters.EmptyLines++
			continue
		}
		return Line{Number: lr.lineNum, Text: text}, true
	}
	if serr := lr.scanner.Err(); serr != nil {
		lr.err = serr
	}
	return Line{}, false
}

// Counters returns the running line counters.
func (lr *LineReader) Counters() Counters {
	return lr.counters
}

// Err returns the stream error encountered mid-read, if any.
func (lr *LineReader) Err() error {
	return lr.err
}

// Close releases the gzip reader when one is in use.
func (lr *LineReader) Close() error {
	if lr.closer != nil {
		return lr.closer.Close()
	}
	return nil
}
