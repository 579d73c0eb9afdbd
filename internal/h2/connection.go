/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package h2 implements the HTTP/2 codec state machine (spec.md §4.4,
// C5): SETTINGS negotiation, HPACK header compression, stream
// multiplexing with flow control, and GOAWAY-driven graceful shutdown.
// Framing and HPACK itself are delegated to golang.org/x/net/http2 and
// golang.org/x/net/http2/hpack (see DESIGN.md); everything above that —
// the stream table, window accounting, the reader-loop dispatch, and the
// client-stream-id invariant — is hand-written against spec.md, the way
// the pack's own vendored copies of x/net/http2 build a Transport on top
// of the same public Framer.
package h2

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/badu/reqengine/headers"
	"github.com/badu/reqengine/internal/rlog"
)

// DefaultInitialWindowSize is the connection-level flow-control window a
// new connection starts with, before any SETTINGS exchange (RFC 7540
// §6.9.2), per spec.md §6 "initial connection window follows defaults".
const DefaultInitialWindowSize = 65535

// clientPreface is sent by the client before the first SETTINGS frame
// (RFC 7540 §3.5), required for both ALPN-negotiated and prior-knowledge
// connections (spec.md §6 "prior-knowledge support").
const clientPreface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// streamState mirrors spec.md §4.4's per-stream state machine.
type streamState int

const (
	StreamIdle streamState = iota
	StreamOpen
	StreamHalfClosedLocal
	StreamHalfClosedRemote
	StreamClosed
)

// ErrRefusedStream is delivered to streams whose id exceeds the peer's
// last-good-stream-id after GOAWAY; spec.md §4.4 says it "is retryable on
// a fresh connection".
var ErrRefusedStream = errors.New("h2: stream refused, retry on a new connection")

// ErrPushDisabled is returned for any PUSH_PROMISE frame, since
// SETTINGS_ENABLE_PUSH=0 is mandatory (spec.md §4.4, §6).
var ErrPushDisabled = errors.New("h2: server push is disabled")

// stream is one multiplexed HTTP/2 logical request/response pair.
type stream struct {
	id    uint32
	state streamState

	sendWindow int64
	recvWindow int64

	headers     headers.Headers
	headersDone chan struct{}
	headersErr  error

	data       chan []byte
	dataClosed bool
	trailers   headers.Headers

	sinkWindowCh chan struct{} // signaled when sendWindow grows

	mu sync.Mutex
}

// Connection is one HTTP/2 connection's codec state: settings, hpack
// tables, the stream map, and flow-control windows (spec.md §4.4).
type Connection struct {
	conn   net.Conn
	framer *http2.Framer

	hpackEnc *hpack.Encoder
	hpackBuf *encBuf
	hpackDec *hpack.Decoder

	writeMu sync.Mutex // serializes the writer, per spec.md §4.4/§5

	mu              sync.Mutex
	streams         map[uint32]*stream
	nextStreamID    uint32
	lastGoodStream  uint32
	goAwayReceived  bool
	noNewExchanges  bool

	peerMaxConcurrentStreams uint32
	peerInitialWindowSize    uint32
	connSendWindow           int64
	connRecvWindow           int64

	log rlog.Logger

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

type encBuf struct{ b []byte }

func (e *encBuf) Write(p []byte) (int, error) { e.b = append(e.b, p...); return len(p), nil }
func (e *encBuf) Reset()                      { e.b = e.b[:0] }

// Dial wraps an already-negotiated net.Conn (TLS handshake + ALPN, or
// prior-knowledge cleartext, both happen in internal/xfer) into an
// HTTP/2 Connection: sends the client preface and initial SETTINGS, and
// starts the single dedicated reader task (spec.md §4.4, §5).
func Dial(conn net.Conn, log rlog.Logger) (*Connection, error) {
	c := &Connection{
		conn:                     conn,
		framer:                   http2.NewFramer(conn, bufio.NewReaderSize(conn, 4096)),
		streams:                  map[uint32]*stream{},
		nextStreamID:             1,
		peerMaxConcurrentStreams: 100,
		peerInitialWindowSize:    DefaultInitialWindowSize,
		connSendWindow:           DefaultInitialWindowSize,
		connRecvWindow:           DefaultInitialWindowSize,
		log:                      log,
		closed:                   make(chan struct{}),
	}
	c.hpackBuf = &encBuf{}
	c.hpackEnc = hpack.NewEncoder(c.hpackBuf)
	c.hpackDec = hpack.NewDecoder(4096, nil)
	c.framer.MaxHeaderListSize = 1 << 20

	if _, err := conn.Write([]byte(clientPreface)); err != nil {
		return nil, fmt.Errorf("h2: writing preface: %w", err)
	}
	if err := c.framer.WriteSettings(
		http2.Setting{ID: http2.SettingEnablePush, Val: 0}, // SETTINGS_ENABLE_PUSH=0, per spec.md §4.4/§6
		http2.Setting{ID: http2.SettingInitialWindowSize, Val: DefaultInitialWindowSize},
	); err != nil {
		return nil, fmt.Errorf("h2: writing initial settings: %w", err)
	}

	go c.readLoop()
	return c, nil
}

// IsMultiplexed always reports true for HTTP/2 (spec.md §4.2 "HTTP/2
// with capacity").
func (c *Connection) IsMultiplexed() bool { return true }

// HasCapacity reports whether another stream can be opened under the
// peer's SETTINGS_MAX_CONCURRENT_STREAMS and GOAWAY state.
func (c *Connection) HasCapacity() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.noNewExchanges {
		return false
	}
	return uint32(len(c.streams)) < c.peerMaxConcurrentStreams
}

// NoNewExchanges reports whether a GOAWAY (or a fatal read-loop error)
// has made this connection ineligible for new streams.
func (c *Connection) NoNewExchanges() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.noNewExchanges
}

// StreamCount returns the number of open streams, for the pool's
// AllocationCount-style accounting.
func (c *Connection) StreamCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams)
}

// NewStream opens a new client-initiated stream: writes HEADERS (HPACK
// encoded from hdrs) and returns the stream id; the response is read with
// ReadHeaders and ReadData. If hasRequestBody, the caller writes the body
// via WriteData.
// Stream ids strictly increase by 2, staying odd (spec.md §4.4, §8).
func (c *Connection) NewStream(method, authority, path string, hdrs headers.Headers, hasRequestBody bool) (uint32, error) {
	c.mu.Lock()
	if c.noNewExchanges {
		c.mu.Unlock()
		return 0, ErrRefusedStream
	}
	id := c.nextStreamID
	c.nextStreamID += 2
	st := &stream{
		id:           id,
		state:        StreamOpen,
		sendWindow:   int64(c.peerInitialWindowSize),
		recvWindow:   DefaultInitialWindowSize,
		headersDone:  make(chan struct{}),
		data:         make(chan []byte, 8),
		sinkWindowCh: make(chan struct{}, 1),
	}
	c.streams[id] = st
	c.mu.Unlock()

	block := c.encodeHeaders(method, authority, path, hdrs)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	err := c.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      id,
		BlockFragment: block,
		EndStream:     !hasRequestBody,
		EndHeaders:    true,
	})
	return id, err
}

func (c *Connection) encodeHeaders(method, authority, path string, hdrs headers.Headers) []byte {
	c.hpackBuf.Reset()
	c.hpackEnc.WriteField(hpack.HeaderField{Name: ":method", Value: method})
	c.hpackEnc.WriteField(hpack.HeaderField{Name: ":scheme", Value: "https"})
	c.hpackEnc.WriteField(hpack.HeaderField{Name: ":authority", Value: authority})
	c.hpackEnc.WriteField(hpack.HeaderField{Name: ":path", Value: path})
	for i := 0; i < hdrs.Len(); i++ {
		name, value := hdrs.Name(i), hdrs.Value(i)
		if name == "Host" || name == "Connection" {
			continue // forbidden pseudo/hop-by-hop in HTTP/2, RFC 7540 §8.1.2.2
		}
		c.hpackEnc.WriteField(hpack.HeaderField{Name: lowerASCII(name), Value: value})
	}
	out := make([]byte, len(c.hpackBuf.b))
	copy(out, c.hpackBuf.b)
	return out
}

func lowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// WriteData writes one DATA frame for stream id, blocking until the
// stream's flow-control window admits len(p) bytes (spec.md §4.4 "Request
// body sink blocks when window is exhausted").
func (c *Connection) WriteData(id uint32, p []byte, endStream bool) error {
	c.mu.Lock()
	st := c.streams[id]
	c.mu.Unlock()
	if st == nil {
		return fmt.Errorf("h2: unknown stream %d", id)
	}
	if len(p) == 0 {
		if !endStream {
			return nil
		}
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return c.framer.WriteData(id, true, nil)
	}
	for len(p) > 0 {
		st.mu.Lock()
		for st.sendWindow <= 0 {
			st.mu.Unlock()
			select {
			case <-st.sinkWindowCh:
			case <-c.closed:
				return c.closeErr
			}
			st.mu.Lock()
		}
		n := int64(len(p))
		if n > st.sendWindow {
			n = st.sendWindow
		}
		if n > int64(c.connSendWindow) {
			n = c.connSendWindow
		}
		st.sendWindow -= n
		st.mu.Unlock()
		if n == 0 {
			continue
		}

		chunk := p[:n]
		p = p[n:]
		c.writeMu.Lock()
		err := c.framer.WriteData(id, endStream && len(p) == 0, chunk)
		c.writeMu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// EndStream writes a zero-length END_STREAM DATA frame, for requests
// with no body.
func (c *Connection) EndStream(id uint32) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.framer.WriteData(id, true, nil)
}

// ReadHeaders blocks until stream id's response HEADERS have been fully
// received (spec.md C6 "read_response_headers").
func (c *Connection) ReadHeaders(id uint32) (headers.Headers, error) {
	c.mu.Lock()
	st := c.streams[id]
	c.mu.Unlock()
	if st == nil {
		return headers.Empty, fmt.Errorf("h2: unknown stream %d", id)
	}
	select {
	case <-st.headersDone:
		return st.headers, st.headersErr
	case <-c.closed:
		return headers.Empty, c.closeErr
	}
}

// ReadData returns the next chunk of response body bytes for stream id,
// or io.EOF once END_STREAM has been processed. Consuming bytes grows the
// stream and connection receive windows and may emit WINDOW_UPDATE
// (spec.md §4.4 "it may emit a WINDOW_UPDATE").
func (c *Connection) ReadData(id uint32) ([]byte, error) {
	c.mu.Lock()
	st := c.streams[id]
	c.mu.Unlock()
	if st == nil {
		return nil, fmt.Errorf("h2: unknown stream %d", id)
	}
	chunk, ok := <-st.data
	if !ok {
		return nil, io.EOF
	}
	c.replenishWindow(st, int64(len(chunk)))
	return chunk, nil
}

// Trailers returns the trailers delivered with the final HEADERS frame,
// if any (spec.md §4.4 "Trailers").
func (c *Connection) Trailers(id uint32) headers.Headers {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st := c.streams[id]; st != nil {
		return st.trailers
	}
	return headers.Empty
}

func (c *Connection) replenishWindow(st *stream, n int64) {
	if n == 0 {
		return
	}
	st.mu.Lock()
	st.recvWindow -= n
	grow := st.recvWindow < DefaultInitialWindowSize/2
	streamInc := DefaultInitialWindowSize - st.recvWindow
	if grow {
		st.recvWindow = DefaultInitialWindowSize
	}
	st.mu.Unlock()

	c.mu.Lock()
	c.connRecvWindow -= n
	growConn := c.connRecvWindow < DefaultInitialWindowSize/2
	connInc := DefaultInitialWindowSize - c.connRecvWindow
	if growConn {
		c.connRecvWindow = DefaultInitialWindowSize
	}
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if grow {
		_ = c.framer.WriteWindowUpdate(st.id, uint32(streamInc))
	}
	if growConn {
		_ = c.framer.WriteWindowUpdate(0, uint32(connInc))
	}
}

// ResetStream sends RST_STREAM with CANCEL, the cancellation primitive
// for HTTP/2 (spec.md §4.4, §5 "Cancellation").
func (c *Connection) ResetStream(id uint32) error {
	c.mu.Lock()
	if st, ok := c.streams[id]; ok {
		st.state = StreamClosed
		delete(c.streams, id)
	}
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.framer.WriteRSTStream(id, http2.ErrCodeCancel)
}

// Ping sends a PING frame. Nothing in the engine calls it: the connection
// pool's cleaner closes idle connections by age and count and sends no PING.
func (c *Connection) Ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	var data [8]byte
	return c.framer.WritePing(false, data)
}

// Close tears down the connection.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = io.ErrClosedPipe
		close(c.closed)
		c.conn.Close()
	})
	return nil
}
