/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package h1

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/badu/reqengine/headers"
)

// chunkedWriter encodes writes as HTTP/1 chunked transfer coding, the
// teacher's chunk_writer.go algorithm, trimmed to what the client side
// needs (no trailer-declaration bookkeeping — trailers, when present, are
// written by the caller via WriteTrailers before Close).
type chunkedWriter struct {
	w        io.Writer
	trailers headers.Headers
}

func (c *chunkedWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if _, err := fmt.Fprintf(c.w, "%x\r\n", len(p)); err != nil {
		return 0, err
	}
	if _, err := c.w.Write(p); err != nil {
		return 0, err
	}
	if _, err := io.WriteString(c.w, "\r\n"); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteTrailers declares trailers to emit after the terminating chunk.
func (c *chunkedWriter) WriteTrailers(t headers.Headers) { c.trailers = t }

func (c *chunkedWriter) Close() error {
	if _, err := io.WriteString(c.w, "0\r\n"); err != nil {
		return err
	}
	if c.trailers.Len() > 0 {
		if err := c.trailers.WriteTo(stringWriterAdapter{c.w}, nil); err != nil {
			return err
		}
	}
	_, err := io.WriteString(c.w, "\r\n")
	return err
}

type stringWriterAdapter struct{ w io.Writer }

func (s stringWriterAdapter) WriteString(str string) (int, error) { return io.WriteString(s.w, str) }

// ChunkedReader decodes HTTP/1 chunked transfer coding, per spec.md §4.3
// "chunked with optional trailers", grounded on the teacher's
// utils_chunks.go (readChunkLine/removeChunkExtension) and
// transfer_body_reader.go.
type ChunkedReader struct {
	r        *bufio.Reader
	n        int64 // bytes left in current chunk, -1 = need next chunk header
	err      error
	trailers headers.Headers
	done     bool
}

func NewChunkedReader(r *bufio.Reader) *ChunkedReader {
	return &ChunkedReader{r: r, n: -1}
}

func (cr *ChunkedReader) Read(p []byte) (n int, err error) {
	if cr.err != nil {
		return 0, cr.err
	}
	for {
		if cr.n == 0 {
			if err := cr.discardCRLF(); err != nil {
				cr.err = err
				return 0, err
			}
			cr.n = -1
		}
		if cr.n < 0 {
			size, err := cr.readChunkHeader()
			if err != nil {
				cr.err = err
				return 0, err
			}
			cr.n = size
			if size == 0 {
				if err := cr.readTrailers(); err != nil {
					cr.err = err
					return 0, err
				}
				cr.done = true
				cr.err = io.EOF
				return 0, io.EOF
			}
		}
		if len(p) == 0 {
			return 0, nil
		}
		toRead := p
		if int64(len(toRead)) > cr.n {
			toRead = toRead[:cr.n]
		}
		n, err = cr.r.Read(toRead)
		cr.n -= int64(n)
		if err != nil && err != io.EOF {
			cr.err = err
		}
		return n, err
	}
}

// Trailers returns the trailers parsed after the terminating chunk; call
// only after Read has returned io.EOF (spec.md §3 "trailers promise").
func (cr *ChunkedReader) Trailers() headers.Headers { return cr.trailers }

func (cr *ChunkedReader) discardCRLF() error {
	line, err := readChunkLine(cr.r)
	if err != nil {
		return err
	}
	if len(line) != 0 {
		return errors.New("h1: malformed chunked encoding (missing CRLF)")
	}
	return nil
}

func (cr *ChunkedReader) readChunkHeader() (int64, error) {
	line, err := readChunkLine(cr.r)
	if err != nil {
		return 0, err
	}
	line = removeChunkExtension(line)
	if len(line) == 0 {
		return 0, errors.New("h1: empty chunk size line")
	}
	n, err := strconv.ParseInt(string(line), 16, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("h1: malformed chunk size %q", line)
	}
	return n, nil
}

func (cr *ChunkedReader) readTrailers() error {
	b := headers.NewBuilder()
	for {
		line, err := readChunkLine(cr.r)
		if err != nil {
			return err
		}
		if len(line) == 0 {
			break
		}
		i := bytes.IndexByte(line, ':')
		if i < 0 {
			return fmt.Errorf("h1: malformed trailer line %q", line)
		}
		name := string(bytes.TrimSpace(line[:i]))
		value := string(bytes.TrimLeft(line[i+1:], " \t"))
		b.Add(name, value)
	}
	cr.trailers = b.Build()
	return nil
}

// readChunkLine reads one line (up to \n), trims trailing whitespace, and
// returns it without the terminator — ported from the teacher's
// utils_chunks.go readChunkLine.
func readChunkLine(b *bufio.Reader) ([]byte, error) {
	p, err := b.ReadSlice('\n')
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		} else if err == bufio.ErrBufferFull {
			err = errLineTooLong
		}
		return nil, err
	}
	if len(p) > maxLineLength {
		return nil, errLineTooLong
	}
	return trimTrailingWhitespace(p), nil
}

func trimTrailingWhitespace(b []byte) []byte {
	for len(b) > 0 && isASCIISpace(b[len(b)-1]) {
		b = b[:len(b)-1]
	}
	return b
}

func isASCIISpace(b byte) bool { return b == ' ' || b == '\t' || b == '\n' || b == '\r' }

// removeChunkExtension strips "; token=value" chunk extensions, ported
// from the teacher's utils_chunks.go.
func removeChunkExtension(p []byte) []byte {
	if i := bytes.IndexByte(p, ';'); i >= 0 {
		return p[:i]
	}
	return p
}
