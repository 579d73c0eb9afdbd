package xfer

import (
	"bufio"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/badu/reqengine/headers"
	"github.com/badu/reqengine/hurl"
	"github.com/badu/reqengine/internal/h1"
)

func TestExchangeWriteRequestAndReadResponseH1(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	u, err := hurl.Parse("http://example.com/widgets")
	require.NoError(t, err)

	conn := &Connection{conn: clientConn, proto: "http/1.1", h1: h1.NewCodec(clientConn, clientConn)}

	serverDone := make(chan error, 1)
	go func() { serverDone <- serveOneH1(serverConn) }()

	hdrs := headers.NewBuilder().Add("Accept", "text/plain").Build()
	ex, err := conn.WriteRequest("GET", u, hdrs, nil, 0)
	require.NoError(t, err)
	require.NoError(t, <-serverDone)

	code, _, respHeaders, body, err := ex.ReadResponse()
	require.NoError(t, err)
	require.Equal(t, 200, code)
	require.Equal(t, "text/plain", respHeaders.Get("Content-Type"))

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	require.Equal(t, "ok", string(data))
}

// serveOneH1 reads the client's request line/headers off conn (discarding
// them, since this test only exercises the client-side Exchange) and
// writes a canned 200 response.
func serveOneH1(conn net.Conn) error {
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return err
		}
		if line == "\r\n" {
			break
		}
	}
	_, err := io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 2\r\n\r\nok")
	return err
}
