package reqengine

import (
	"io"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	"github.com/badu/reqengine/headers"
	"github.com/badu/reqengine/hurl"
)

func mustTestURL(t *testing.T, raw string) *hurl.URL {
	t.Helper()
	u, err := hurl.Parse(raw)
	require.NoError(t, err)
	return u
}

func newRootChain(interceptors ...Interceptor) *Chain {
	return &Chain{interceptors: interceptors, index: -1, call: &Call{client: &Client{}}}
}

func TestChainProceedTwiceWithoutClosingPriorResponseErrors(t *testing.T) {
	terminalCalls := 0
	terminal := func(c *Chain) (*Response, error) {
		terminalCalls++
		return &Response{Body: io.NopCloser(strings.NewReader(""))}, nil
	}

	var inner *Chain
	first := func(c *Chain) (*Response, error) {
		inner = c
		return c.Proceed(c.Request())
	}

	root := newRootChain(first, terminal)
	req := &Request{Method: "GET", URL: mustTestURL(t, "http://example.com/")}

	resp, err := root.Proceed(req)
	require.NoError(t, err)
	require.NotNil(t, resp)
	require.Equal(t, 1, terminalCalls)

	_, err = inner.Proceed(req)
	require.Error(t, err) // previous response (resp) never closed

	require.NoError(t, resp.Close())
	_, err = inner.Proceed(req)
	require.NoError(t, err)
	require.Equal(t, 2, terminalCalls)
}

func TestBridgeInterceptorRequestsAndDecodesGzip(t *testing.T) {
	var buf strings.Builder
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte("hello, world"))
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	terminal := func(c *Chain) (*Response, error) {
		req := c.Request()
		require.Equal(t, "gzip", req.Headers.Get("Accept-Encoding"))
		respHeaders := headers.NewBuilder().Set("Content-Encoding", "gzip").Build()
		return &Response{Headers: respHeaders, Body: io.NopCloser(strings.NewReader(buf.String()))}, nil
	}
	root := newRootChain(bridgeInterceptor, terminal)

	resp, err := root.Proceed(&Request{Method: "GET", URL: mustTestURL(t, "http://example.com/"), Headers: headers.Empty})
	require.NoError(t, err)
	require.False(t, resp.Headers.Has("Content-Encoding"))

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "hello, world", string(data))
	require.NoError(t, resp.Close())
}

func TestBridgeInterceptorLeavesExplicitAcceptEncodingAlone(t *testing.T) {
	terminal := func(c *Chain) (*Response, error) {
		require.Equal(t, "identity", c.Request().Headers.Get("Accept-Encoding"))
		return &Response{Headers: headers.Empty, Body: io.NopCloser(strings.NewReader("plain"))}, nil
	}
	root := newRootChain(bridgeInterceptor, terminal)

	req := &Request{
		Method:  "GET",
		URL:     mustTestURL(t, "http://example.com/"),
		Headers: headers.NewBuilder().Add("Accept-Encoding", "identity").Build(),
	}
	resp, err := root.Proceed(req)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "plain", string(data))
}
