package h2

import (
	"bufio"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/badu/reqengine/headers"
	"github.com/badu/reqengine/internal/rlog"
)

// fakeServer plays the server half of the HTTP/2 handshake directly on
// top of a net.Conn, bypassing TLS/ALPN (internal/xfer's job) to exercise
// just the codec state machine.
type fakeServer struct {
	conn   net.Conn
	framer *http2.Framer
}

func newFakeServer(t *testing.T, conn net.Conn) *fakeServer {
	t.Helper()
	buf := make([]byte, len(clientPreface))
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, clientPreface, string(buf))
	return &fakeServer{conn: conn, framer: http2.NewFramer(conn, bufio.NewReader(conn))}
}

func (s *fakeServer) readClientSettings(t *testing.T) {
	t.Helper()
	f, err := s.framer.ReadFrame()
	require.NoError(t, err)
	_, ok := f.(*http2.SettingsFrame)
	require.True(t, ok)
	require.NoError(t, s.framer.WriteSettings())
	require.NoError(t, s.framer.WriteSettingsAck())
}

func (s *fakeServer) readSettingsAck(t *testing.T) {
	t.Helper()
	f, err := s.framer.ReadFrame()
	require.NoError(t, err)
	sf, ok := f.(*http2.SettingsFrame)
	require.True(t, ok)
	require.True(t, sf.IsAck())
}

func (s *fakeServer) readHeaders(t *testing.T) *http2.HeadersFrame {
	t.Helper()
	f, err := s.framer.ReadFrame()
	require.NoError(t, err)
	hf, ok := f.(*http2.HeadersFrame)
	require.True(t, ok)
	return hf
}

func (s *fakeServer) respondOK(t *testing.T, streamID uint32, body []byte) {
	t.Helper()
	var buf encBuf
	enc := hpack.NewEncoder(&buf)
	require.NoError(t, enc.WriteField(hpack.HeaderField{Name: ":status", Value: "200"}))
	require.NoError(t, enc.WriteField(hpack.HeaderField{Name: "content-type", Value: "text/plain"}))
	require.NoError(t, s.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID: streamID, BlockFragment: buf.b, EndHeaders: true,
	}))
	require.NoError(t, s.framer.WriteData(streamID, true, body))
}

func TestConnectionRoundTripGET(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	srvReady := make(chan *fakeServer, 1)
	go func() {
		srv := newFakeServer(t, serverConn)
		srv.readClientSettings(t)
		srvReady <- srv
	}()

	conn, err := Dial(clientConn, rlog.Nop)
	require.NoError(t, err)
	defer conn.Close()

	srv := <-srvReady
	go srv.readSettingsAck(t)

	var hf *http2.HeadersFrame
	got := make(chan *http2.HeadersFrame, 1)
	go func() { got <- srv.readHeaders(t) }()

	id, err := conn.NewStream("GET", "example.com", "/", headers.Empty, false)
	require.NoError(t, err)
	require.Equal(t, uint32(1), id)

	select {
	case hf = <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server to observe HEADERS")
	}
	require.Equal(t, id, hf.StreamID)
	require.True(t, hf.StreamEnded())

	srv.respondOK(t, id, []byte("hello"))

	respHeaders, err := conn.ReadHeaders(id)
	require.NoError(t, err)
	require.Equal(t, "text/plain", respHeaders.Get("Content-Type"))

	chunk, err := conn.ReadData(id)
	require.NoError(t, err)
	require.Equal(t, "hello", string(chunk))

	_, err = conn.ReadData(id)
	require.ErrorIs(t, err, io.EOF)
}

func TestConnectionGoAwayRefusesNewStreams(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	srvReady := make(chan *fakeServer, 1)
	go func() {
		srv := newFakeServer(t, serverConn)
		srv.readClientSettings(t)
		srvReady <- srv
	}()

	conn, err := Dial(clientConn, rlog.Nop)
	require.NoError(t, err)
	defer conn.Close()

	srv := <-srvReady
	go srv.readSettingsAck(t)

	require.NoError(t, srv.framer.WriteGoAway(0, http2.ErrCodeNo, nil))

	require.Eventually(t, func() bool { return conn.NoNewExchanges() }, 2*time.Second, 10*time.Millisecond)

	_, err = conn.NewStream("GET", "example.com", "/", headers.Empty, false)
	require.ErrorIs(t, err, ErrRefusedStream)
}
