package reqengine

import (
	"bytes"
	"crypto/tls"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/badu/reqengine/addr"
	"github.com/badu/reqengine/cache"
	"github.com/badu/reqengine/event"
	"github.com/badu/reqengine/headers"
	"github.com/badu/reqengine/hurl"
)

func mustURL(t *testing.T, raw string) *hurl.URL {
	t.Helper()
	u, err := hurl.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestDeriveAddressOverridesHostPortAndDropsTLSForPlaintext(t *testing.T) {
	base := &addr.Address{Host: "template.invalid", Port: 443, TLSConfig: nil}
	got := deriveAddress(base, mustURL(t, "https://example.com:8443/x"))
	require.Equal(t, "example.com", got.Host)
	require.Equal(t, 8443, got.Port)

	base2 := &addr.Address{Host: "template.invalid", Port: 443, TLSConfig: &tls.Config{}}
	got2 := deriveAddress(base2, mustURL(t, "http://example.com/x"))
	require.Nil(t, got2.TLSConfig)
}

func TestReqInfoReflectsBodyReplayability(t *testing.T) {
	noBody := &Request{Method: "GET", URL: mustURL(t, "http://example.com/")}
	info := reqInfo(noBody)
	require.True(t, info.Replayable)
	require.False(t, info.OneShot)

	oneShot := &Request{
		Method: "POST",
		URL:    mustURL(t, "http://example.com/"),
		Body:   &Body{OneShot: true, Open: func() (io.Reader, error) { return nil, nil }},
	}
	info = reqInfo(oneShot)
	require.True(t, info.OneShot)
	require.False(t, info.Replayable)
}

func TestEntryToResponseServesStoredFields(t *testing.T) {
	e := cache.Entry{
		ResponseCode:    200,
		ResponseHeaders: headers.NewBuilder().Add("ETag", `"abc"`).Build(),
		Protocol:        "http/1.1",
		ReceivedAt:      1700000000,
		Body:            []byte("hello"),
	}
	resp := entryToResponse(e, nil)
	require.Equal(t, 200, resp.Code)
	require.Equal(t, "http/1.1", resp.Protocol)
	require.Equal(t, `"abc"`, resp.Headers.Get("ETag"))
	require.Equal(t, int64(1700000000000), resp.ReceivedAtMillis)

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
}

func TestReadAllAndRestoreAllowsSecondRead(t *testing.T) {
	resp := &Response{Body: &bytesBody{r: bytes.NewReader([]byte("payload"))}}
	first, err := readAllAndRestore(resp)
	require.NoError(t, err)
	require.Equal(t, "payload", string(first))

	second, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "payload", string(second))
}

func TestEmptyBodyReturnsEOFImmediately(t *testing.T) {
	var b emptyBody
	n, err := b.Read(make([]byte, 8))
	require.Zero(t, n)
	require.ErrorIs(t, err, io.EOF)
	require.NoError(t, b.Close())
}

// TestCacheInterceptorRevalidationPopulatesNetworkAndCacheResponse covers
// the named 304-revalidation scenario: the merged response must expose
// both the 304's own code via NetworkResponse and the stale entry via
// CacheResponse (spec.md §8 scenario 4).
func TestCacheInterceptorRevalidationPopulatesNetworkAndCacheResponse(t *testing.T) {
	store, err := cache.NewLRUStore(10)
	require.NoError(t, err)

	u := mustURL(t, "http://example.com/resource")
	key := cache.Key(u.String())
	stored := cache.Entry{
		RequestMethod:   "GET",
		ResponseCode:    200,
		ResponseHeaders: headers.NewBuilder().Add("ETag", `"v1"`).Add("Cache-Control", "max-age=0").Build(),
		Protocol:        "http/1.1",
		ReceivedAt:      time.Now().Unix() - 3600,
		Body:            []byte("cached body"),
	}
	store.Put(key, stored)

	client := &Client{Cache: store}
	call := &Call{client: client}

	networkStub := func(ch *Chain) (*Response, error) {
		require.Equal(t, `"v1"`, ch.Request().Headers.Get("If-None-Match"))
		return &Response{
			Code:    304,
			Headers: headers.NewBuilder().Add("ETag", `"v2"`).Build(),
			Body:    io.NopCloser(strings.NewReader("")),
		}, nil
	}

	req := &Request{Method: "GET", URL: u}
	root := &Chain{
		interceptors: []Interceptor{call.cacheInterceptor, networkStub},
		index:        -1,
		request:      req,
		call:         call,
	}

	resp, err := root.Proceed(req)
	require.NoError(t, err)
	require.NotNil(t, resp)

	require.NotNil(t, resp.NetworkResponse)
	require.Equal(t, 304, resp.NetworkResponse.Code)

	require.NotNil(t, resp.CacheResponse)
	require.Equal(t, 200, resp.CacheResponse.Code)

	require.Equal(t, `"v2"`, resp.Headers.Get("ETag")) // conditional header merged from the 304

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "cached body", string(data))

	updated, ok := store.Get(key)
	require.True(t, ok)
	require.Equal(t, `"v2"`, updated.ResponseHeaders.Get("ETag"))
}

func TestCallCancelFiresCanceledEventExactlyOnce(t *testing.T) {
	fires := 0
	client := &Client{
		EventFactory: func(event.CallInfo) event.Listener {
			return event.Listener{Canceled: func(event.CallInfo) { fires++ }}
		},
		RetryOnConnectionFailure: true,
		FollowRedirects:          true,
	}
	call := newCall(client, &Request{Method: "GET", URL: mustURL(t, "http://example.com/")})

	call.Cancel()
	call.Cancel()

	require.True(t, call.isCanceled())
	require.Equal(t, 1, fires)
}
