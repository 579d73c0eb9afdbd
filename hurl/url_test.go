package hurl

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRoundTrip(t *testing.T) {
	cases := []string{
		"http://example.com/",
		"https://Example.COM:8443/a/b?x=1&y=&z",
		"http://example.com/path%20with%20space?q=%26",
	}
	for _, raw := range cases {
		u, err := Parse(raw)
		require.NoError(t, err, raw)
		u2, err := Parse(u.String())
		require.NoError(t, err)
		require.True(t, u.Equal(u2), "round trip mismatch for %q -> %q", raw, u.String())
	}
}

func TestDefaultPortOmittedFromHostHeader(t *testing.T) {
	u, err := Parse("https://example.com:443/x")
	require.NoError(t, err)
	require.Equal(t, "example.com", u.HostHeader())
}

func TestRejectsUnsupportedScheme(t *testing.T) {
	_, err := Parse("ftp://example.com/")
	require.Error(t, err)
}

func TestASCIIHostLowercased(t *testing.T) {
	u, err := Parse("http://EXAMPLE.com/")
	require.NoError(t, err)
	require.Equal(t, "example.com", u.Host)
}

func TestFragmentExcludedFromEquality(t *testing.T) {
	a, _ := Parse("http://example.com/p#frag1")
	b, _ := Parse("http://example.com/p#frag2")
	require.True(t, a.Equal(b))
}

func TestResolveRelativeLocation(t *testing.T) {
	base, _ := Parse("https://example.com/a/b")
	r, err := base.Resolve("/c/d?x=1")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/c/d?x=1", r.String())
}
