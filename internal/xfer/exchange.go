/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package xfer

import (
	"io"

	"github.com/badu/reqengine/headers"
	"github.com/badu/reqengine/hurl"
	"github.com/badu/reqengine/internal/h1"
	"github.com/badu/reqengine/internal/h2"
)

// Exchange binds one call's request/response cycle to a stream on a
// Connection (spec.md C6): write the request, read the response headers
// and body, exactly once per attempt. A new Exchange is created for every
// retry/redirect (spec.md §4.8 "each attempt is a fresh Exchange").
type Exchange struct {
	conn *Connection

	// set only for h2 connections
	streamID uint32
}

// WriteRequest sends the request line/headers and, when body is
// non-nil, streams the body, choosing framing per spec.md §4.3's
// precedence (explicit Content-Length > explicit chunked > known length
// > chunked) for HTTP/1, or HPACK-encoded pseudo-headers plus DATA frames
// for HTTP/2.
func (c *Connection) WriteRequest(method string, u *hurl.URL, hdrs headers.Headers, body io.Reader, bodyLen int64) (*Exchange, error) {
	if c.h2conn != nil {
		return c.writeRequestH2(method, u, hdrs, body, bodyLen)
	}
	return c.writeRequestH1(method, u, hdrs, body, bodyLen)
}

func (c *Connection) writeRequestH1(method string, u *hurl.URL, hdrs headers.Headers, body io.Reader, bodyLen int64) (*Exchange, error) {
	c.markAllocated()
	if err := c.h1.WriteRequestLine(method, u.RequestTarget()); err != nil {
		return nil, err
	}
	if err := c.h1.WriteHeader("Host", u.HostHeader()); err != nil {
		return nil, err
	}
	contentLength, hasContentLength := parseContentLength(hdrs)
	chunkedPresent := headerHasToken(hdrs, "Transfer-Encoding", "chunked")
	for i := 0; i < hdrs.Len(); i++ {
		if err := c.h1.WriteHeader(hdrs.Name(i), hdrs.Value(i)); err != nil {
			return nil, err
		}
	}
	hasBody := body != nil
	bw, err := c.h1.FinishHeaders(hasContentLength, contentLength, chunkedPresent, bodyLen, hasBody)
	if err != nil {
		return nil, err
	}
	if hasBody {
		if _, err := io.Copy(bw, body); err != nil {
			bw.Close()
			return nil, err
		}
	}
	if err := bw.Close(); err != nil {
		return nil, err
	}
	if err := c.h1.Flush(); err != nil {
		return nil, err
	}
	return &Exchange{conn: c}, nil
}

func headerHasToken(h headers.Headers, name, token string) bool {
	for _, v := range h.Values(name) {
		if v == token {
			return true
		}
	}
	return false
}

func (c *Connection) writeRequestH2(method string, u *hurl.URL, hdrs headers.Headers, body io.Reader, bodyLen int64) (*Exchange, error) {
	id, err := c.h2conn.NewStream(method, u.HostHeader(), u.RequestTarget(), hdrs, body != nil)
	if err != nil {
		return nil, err
	}
	c.markAllocated()
	if body != nil {
		buf := make([]byte, 32*1024)
		for {
			n, rerr := body.Read(buf)
			if n > 0 {
				if werr := c.h2conn.WriteData(id, buf[:n], false); werr != nil {
					return nil, werr
				}
			}
			if rerr == io.EOF {
				break
			}
			if rerr != nil {
				return nil, rerr
			}
		}
		if err := c.h2conn.EndStream(id); err != nil {
			return nil, err
		}
	}
	return &Exchange{conn: c, streamID: id}, nil
}

// ReadResponse reads the status line/headers, blocking until they are
// fully available, and returns a body reader (spec.md C6
// "read_response_headers"/"response_body_source").
func (e *Exchange) ReadResponse() (int, string, headers.Headers, io.ReadCloser, error) {
	if e.conn.h2conn != nil {
		return e.readResponseH2()
	}
	return e.readResponseH1()
}

func (e *Exchange) readResponseH1() (int, string, headers.Headers, io.ReadCloser, error) {
	codec := e.conn.h1
	status, err := codec.ReadStatusLine()
	if err != nil {
		return 0, "", headers.Empty, nil, err
	}
	hdrs, err := codec.ReadHeaders()
	if err != nil {
		return 0, "", headers.Empty, nil, err
	}

	contentLength, hasContentLength := parseContentLength(hdrs)
	chunked := headerHasToken(hdrs, "Transfer-Encoding", "chunked")
	decoding, err := h1.ChooseBodyDecoding(status.Code, chunked, contentLength, hasContentLength)
	if err != nil {
		return 0, "", headers.Empty, nil, err
	}

	var body io.Reader
	switch decoding {
	case h1.DecodeChunked:
		codec.EnterResponseBody(true)
		body = h1.NewChunkedReader(codec.Reader())
	case h1.DecodeFixedLength:
		codec.EnterResponseBody(contentLength != 0)
		body = h1.NewFixedLengthReader(codec.Reader(), contentLength)
	case h1.DecodeUntilClose:
		codec.EnterResponseBody(true)
		body = h1.NewUntilCloseReader(codec.Reader())
	default:
		codec.EnterResponseBody(false)
		codec.Reset()
		body = emptyReader{}
	}
	return status.Code, status.Reason, hdrs, &bodyCloser{r: body, codec: codec, reused: decoding != h1.DecodeUntilClose}, nil
}

func (e *Exchange) readResponseH2() (int, string, headers.Headers, io.ReadCloser, error) {
	hdrs, err := e.conn.h2conn.ReadHeaders(e.streamID)
	if err != nil {
		return 0, "", headers.Empty, nil, err
	}
	status := 0
	if sv := hdrs.Get("status"); sv != "" {
		status = atoiStrict(sv)
	}
	return status, "", hdrs, &h2BodyReader{conn: e.conn.h2conn, id: e.streamID}, nil
}

func atoiStrict(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func parseContentLength(h headers.Headers) (int64, bool) {
	v := h.Get("Content-Length")
	if v == "" {
		return 0, false
	}
	var n int64
	for _, c := range v {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int64(c-'0')
	}
	return n, true
}

type emptyReader struct{}

func (emptyReader) Read([]byte) (int, error) { return 0, io.EOF }

// bodyCloser resets the HTTP/1 codec to Idle once the body has been fully
// drained, making the connection eligible for pooling again (spec.md §4.2
// "Idle after full body read").
type bodyCloser struct {
	r      io.Reader
	codec  *h1.Codec
	reused bool
}

func (b *bodyCloser) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err == io.EOF && b.reused {
		b.codec.Reset()
	}
	return n, err
}

// Close drains and discards any unread bytes so the underlying
// connection can still be pooled, then resets the codec to Idle.
func (b *bodyCloser) Close() error {
	_, _ = io.Copy(io.Discard, b.r)
	if b.reused {
		b.codec.Reset()
	}
	return nil
}

// Trailers exposes the chunked reader's trailers, when present (spec.md
// §3 "carries a trailers promise").
func (b *bodyCloser) Trailers() headers.Headers {
	if cr, ok := b.r.(*h1.ChunkedReader); ok {
		return cr.Trailers()
	}
	return headers.Empty
}

// h2BodyReader adapts Connection.ReadData's chunked channel delivery to
// io.Reader.
type h2BodyReader struct {
	conn *h2.Connection
	id   uint32
	buf  []byte
}

func (r *h2BodyReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		chunk, err := r.conn.ReadData(r.id)
		if err != nil {
			return 0, err
		}
		r.buf = chunk
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *h2BodyReader) Close() error {
	_, _ = io.Copy(io.Discard, r)
	return nil
}

// Trailers returns the trailers delivered with the final HEADERS frame
// (spec.md §3 "trailers promise").
func (r *h2BodyReader) Trailers() headers.Headers {
	return r.conn.Trailers(r.id)
}
