package cache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/badu/reqengine/headers"
)

func TestStrategyNoStoredCandidateGoesToNetwork(t *testing.T) {
	d := Strategy(headers.Empty, false, nil, 1000)
	require.True(t, d.SendNetworkRequest)
	require.Nil(t, d.CachedResponse)
}

func TestStrategyOnlyIfCachedWithNoStoredFails(t *testing.T) {
	d := Strategy(headers.Empty, true, nil, 1000)
	require.True(t, d.OnlyIfCachedFail)
}

func TestStrategyFreshEntryServedFromCache(t *testing.T) {
	stored := &Entry{
		ResponseHeaders: headers.NewBuilder().Add("Cache-Control", "max-age=60").Build(),
		ReceivedAt:      1000,
	}
	d := Strategy(headers.Empty, false, stored, 1030)
	require.False(t, d.SendNetworkRequest)
	require.NotNil(t, d.CachedResponse)
}

func TestStrategyStaleEntryWithETagRevalidates(t *testing.T) {
	stored := &Entry{
		ResponseHeaders: headers.NewBuilder().
			Add("Cache-Control", "max-age=60").
			Add("ETag", `"v1"`).
			Build(),
		ReceivedAt: 1000,
	}
	d := Strategy(headers.Empty, false, stored, 2000)
	require.True(t, d.SendNetworkRequest)
	require.Equal(t, `"v1"`, d.NetworkRequestHeaders.Get("If-None-Match"))
	require.Equal(t, stored, d.CachedResponse)
}

func TestStrategyVaryMismatchMisses(t *testing.T) {
	stored := &Entry{
		RequestHeaders:  headers.NewBuilder().Add("Accept-Language", "en").Build(),
		ResponseHeaders: headers.NewBuilder().Add("Cache-Control", "max-age=60").Add("Vary", "Accept-Language").Build(),
		ReceivedAt:      1000,
	}
	req := headers.NewBuilder().Add("Accept-Language", "fr").Build()
	d := Strategy(req, false, stored, 1010)
	require.True(t, d.SendNetworkRequest)
	require.Nil(t, d.CachedResponse)
}

func TestMerge304OverwritesConditionalHeadersOnly(t *testing.T) {
	stored := Entry{
		ResponseHeaders: headers.NewBuilder().
			Add("ETag", `"v1"`).
			Add("Content-Type", "text/plain").
			Build(),
		Body: []byte("A"),
	}
	resp304 := headers.NewBuilder().Add("ETag", `"v2"`).Add("Date", "Mon, 01 Jan 2024 00:00:00 GMT").Build()

	merged := Merge304(stored, resp304, 2000)
	require.Equal(t, `"v2"`, merged.ResponseHeaders.Get("ETag"))
	require.Equal(t, "text/plain", merged.ResponseHeaders.Get("Content-Type"))
	require.Equal(t, []byte("A"), merged.Body)
}

func TestCanWriteRejectsNonIdempotentMethod(t *testing.T) {
	require.False(t, CanWrite("POST", 200, headers.Empty, false, false))
	require.True(t, CanWrite("GET", 200, headers.Empty, false, false))
	require.False(t, CanWrite("GET", 418, headers.Empty, false, false))
}

func TestCanWriteRejectsAuthenticatedUnlessAllowed(t *testing.T) {
	require.False(t, CanWrite("GET", 200, headers.Empty, true, false))
	require.True(t, CanWrite("GET", 200, headers.Empty, true, true))
}

func TestLRUStoreRoundTrip(t *testing.T) {
	s, err := NewLRUStore(8)
	require.NoError(t, err)
	key := Key("http://example.com/a")
	s.Put(key, Entry{ResponseCode: 200})
	got, ok := s.Get(key)
	require.True(t, ok)
	require.Equal(t, 200, got.ResponseCode)

	s.Delete(key)
	_, ok = s.Get(key)
	require.False(t, ok)
}
