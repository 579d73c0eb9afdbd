/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package h2

import (
	"fmt"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/badu/reqengine/headers"
)

// readLoop is the connection's single dedicated reader task (spec.md
// §4.4, §5 "exactly one read goroutine"), dispatching each frame the way
// the pack's vendored Transport.readLoop/processX methods do, but against
// our own Connection/stream bookkeeping rather than net/http's.
func (c *Connection) readLoop() {
	err := c.readLoopInner()
	c.mu.Lock()
	c.noNewExchanges = true
	pending := make([]*stream, 0, len(c.streams))
	for _, st := range c.streams {
		pending = append(pending, st)
	}
	c.mu.Unlock()
	for _, st := range pending {
		c.failStream(st, err)
	}
	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.closed)
	})
	c.conn.Close()
}

func (c *Connection) readLoopInner() error {
	var headerBlock []byte
	var headerStreamID uint32
	var headerEndStream bool

	for {
		f, err := c.framer.ReadFrame()
		if err != nil {
			return err
		}
		switch f := f.(type) {
		case *http2.DataFrame:
			if err := c.processData(f); err != nil {
				return err
			}
		case *http2.HeadersFrame:
			headerBlock = append([]byte(nil), f.HeaderBlockFragment()...)
			headerStreamID = f.StreamID
			headerEndStream = f.StreamEnded()
			if f.HeadersEnded() {
				if err := c.processHeaderBlock(headerStreamID, headerBlock, headerEndStream); err != nil {
					return err
				}
				headerBlock = nil
			}
		case *http2.ContinuationFrame:
			headerBlock = append(headerBlock, f.HeaderBlockFragment()...)
			if f.HeadersEnded() {
				if err := c.processHeaderBlock(headerStreamID, headerBlock, headerEndStream); err != nil {
					return err
				}
				headerBlock = nil
			}
		case *http2.RSTStreamFrame:
			c.processResetStream(f)
		case *http2.SettingsFrame:
			if err := c.processSettings(f); err != nil {
				return err
			}
		case *http2.PingFrame:
			if err := c.processPing(f); err != nil {
				return err
			}
		case *http2.GoAwayFrame:
			c.processGoAway(f)
		case *http2.WindowUpdateFrame:
			c.processWindowUpdate(f)
		case *http2.PushPromiseFrame:
			// SETTINGS_ENABLE_PUSH=0 was advertised; a conforming peer never
			// sends this, per spec.md §4.4/§6 "push is refused".
			return ErrPushDisabled
		default:
			// unknown frame types are ignored per RFC 7540 §4.1.
		}
	}
}

func (c *Connection) processData(f *http2.DataFrame) error {
	c.mu.Lock()
	st := c.streams[f.StreamID]
	c.mu.Unlock()
	if st == nil {
		return nil // stream already closed/reset; ignore per RFC 7540 §6.1
	}
	if p := f.Data(); len(p) > 0 {
		buf := append([]byte(nil), p...)
		select {
		case st.data <- buf:
		case <-c.closed:
			return nil
		}
	}
	if f.StreamEnded() {
		c.closeStreamData(st)
	}
	return nil
}

func (c *Connection) processHeaderBlock(streamID uint32, block []byte, endStream bool) error {
	c.mu.Lock()
	st := c.streams[streamID]
	c.mu.Unlock()
	if st == nil {
		return nil
	}

	b := headers.NewBuilder()
	var status string
	decoder := c.hpackDec
	decoder.SetEmitFunc(func(f hpack.HeaderField) {
		if f.Name == ":status" {
			status = f.Value
			b.Add("Status", f.Value)
			return
		}
		if len(f.Name) > 0 && f.Name[0] == ':' {
			return // pseudo-headers other than :status carry no client-facing meaning here
		}
		b.Add(headers.CanonicalName(f.Name), f.Value)
	})
	if _, err := decoder.Write(block); err != nil {
		return fmt.Errorf("h2: hpack decode: %w", err)
	}

	st.mu.Lock()
	alreadyGotHeaders := st.headers.Len() > 0 || status != ""
	if status != "" && !headersDoneClosed(st) {
		st.headers = b.Build()
		st.mu.Unlock()
		close(st.headersDone)
	} else if alreadyGotHeaders {
		// second HEADERS frame on this stream carries trailers, per
		// spec.md §4.4 "Trailers" and RFC 7540 §8.1.
		st.trailers = b.Build()
		st.mu.Unlock()
	} else {
		st.mu.Unlock()
	}

	_ = status // :status presence validated implicitly by headersDone being closed
	if endStream {
		c.closeStreamData(st)
	}
	return nil
}

func headersDoneClosed(st *stream) bool {
	select {
	case <-st.headersDone:
		return true
	default:
		return false
	}
}

func (c *Connection) closeStreamData(st *stream) {
	st.mu.Lock()
	if !st.dataClosed {
		st.dataClosed = true
		close(st.data)
	}
	st.mu.Unlock()

	c.mu.Lock()
	if c.streams[st.id] == st {
		delete(c.streams, st.id)
	}
	c.mu.Unlock()
}

func (c *Connection) failStream(st *stream, err error) {
	st.mu.Lock()
	if !headersDoneClosed(st) {
		st.headersErr = err
		st.mu.Unlock()
		close(st.headersDone)
	} else {
		st.mu.Unlock()
	}
	st.mu.Lock()
	if !st.dataClosed {
		st.dataClosed = true
		close(st.data)
	}
	st.mu.Unlock()
}

func (c *Connection) processResetStream(f *http2.RSTStreamFrame) {
	c.mu.Lock()
	st := c.streams[f.StreamID]
	delete(c.streams, f.StreamID)
	c.mu.Unlock()
	if st != nil {
		c.failStream(st, fmt.Errorf("h2: stream reset by peer: %s", f.ErrCode))
	}
}

func (c *Connection) processSettings(f *http2.SettingsFrame) error {
	if f.IsAck() {
		return nil
	}
	f.ForeachSetting(func(s http2.Setting) error {
		switch s.ID {
		case http2.SettingMaxConcurrentStreams:
			c.mu.Lock()
			c.peerMaxConcurrentStreams = s.Val
			c.mu.Unlock()
		case http2.SettingInitialWindowSize:
			c.mu.Lock()
			delta := int64(s.Val) - int64(c.peerInitialWindowSize)
			c.peerInitialWindowSize = s.Val
			for _, st := range c.streams {
				st.mu.Lock()
				st.sendWindow += delta
				st.mu.Unlock()
				nonBlockingSignal(st.sinkWindowCh)
			}
			c.mu.Unlock()
		}
		return nil
	})
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.framer.WriteSettingsAck()
}

func (c *Connection) processPing(f *http2.PingFrame) error {
	if f.IsAck() {
		return nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.framer.WritePing(true, f.Data)
}

// processGoAway marks the connection as refusing new streams above
// LastStreamID and fails any streams opened past that point with
// ErrRefusedStream, the retryable-on-a-new-connection signal (spec.md
// §4.4 "GOAWAY ... retry on a new connection").
func (c *Connection) processGoAway(f *http2.GoAwayFrame) {
	c.mu.Lock()
	c.goAwayReceived = true
	c.noNewExchanges = true
	c.lastGoodStream = f.LastStreamID
	var refused []*stream
	for id, st := range c.streams {
		if id > f.LastStreamID {
			refused = append(refused, st)
			delete(c.streams, id)
		}
	}
	c.mu.Unlock()
	for _, st := range refused {
		c.failStream(st, ErrRefusedStream)
	}
}

func (c *Connection) processWindowUpdate(f *http2.WindowUpdateFrame) {
	if f.StreamID == 0 {
		c.mu.Lock()
		c.connSendWindow += int64(f.Increment)
		c.mu.Unlock()
		return
	}
	c.mu.Lock()
	st := c.streams[f.StreamID]
	c.mu.Unlock()
	if st == nil {
		return
	}
	st.mu.Lock()
	st.sendWindow += int64(f.Increment)
	st.mu.Unlock()
	nonBlockingSignal(st.sinkWindowCh)
}

func nonBlockingSignal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
