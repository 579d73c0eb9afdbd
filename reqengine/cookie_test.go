package reqengine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/badu/reqengine/headers"
	"github.com/badu/reqengine/hurl"
)

func mustCookieURL(t *testing.T, raw string) *hurl.URL {
	t.Helper()
	u, err := hurl.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestParseSetCookiesReadsAttributes(t *testing.T) {
	h := headers.NewBuilder().
		Add("Set-Cookie", "session=abc123; Path=/app; Domain=example.com; Secure; HttpOnly").
		Add("Set-Cookie", "lang=en").
		Build()

	cookies := ParseSetCookies(h)
	require.Len(t, cookies, 2)

	require.Equal(t, "session", cookies[0].Name)
	require.Equal(t, "abc123", cookies[0].Value)
	require.Equal(t, "/app", cookies[0].Path)
	require.Equal(t, "example.com", cookies[0].Domain)
	require.True(t, cookies[0].Secure)
	require.True(t, cookies[0].HttpOnly)

	require.Equal(t, "lang", cookies[1].Name)
	require.Equal(t, "en", cookies[1].Value)
}

func TestParseSetCookieRejectsInvalidName(t *testing.T) {
	h := headers.NewBuilder().Add("Set-Cookie", "bad name=value").Build()
	require.Empty(t, ParseSetCookies(h))
}

func TestMemoryCookieJarRoundTripsHostOnlyCookie(t *testing.T) {
	jar := NewMemoryCookieJar()
	u := mustCookieURL(t, "https://example.com/app/page")

	jar.SetCookies(u, []Cookie{{Name: "session", Value: "abc123", Secure: true}})

	got := jar.Cookies(u)
	require.Len(t, got, 1)
	require.Equal(t, "session", got[0].Name)

	// host-only cookie must not be sent to a different host.
	other := mustCookieURL(t, "https://other.com/app/page")
	require.Empty(t, jar.Cookies(other))

	// Secure cookie must not be sent over plaintext.
	plain := mustCookieURL(t, "http://example.com/app/page")
	require.Empty(t, jar.Cookies(plain))
}

func TestMemoryCookieJarDomainCookieMatchesSubdomains(t *testing.T) {
	jar := NewMemoryCookieJar()
	u := mustCookieURL(t, "https://www.example.com/")
	jar.SetCookies(u, []Cookie{{Name: "tracking", Value: "1", Domain: "example.com"}})

	sub := mustCookieURL(t, "https://api.example.com/v1")
	require.Len(t, jar.Cookies(sub), 1)

	unrelated := mustCookieURL(t, "https://example.org/")
	require.Empty(t, jar.Cookies(unrelated))
}

func TestMemoryCookieJarExpiresOnNegativeMaxAge(t *testing.T) {
	jar := NewMemoryCookieJar()
	u := mustCookieURL(t, "https://example.com/")
	jar.SetCookies(u, []Cookie{{Name: "a", Value: "1"}})
	require.Len(t, jar.Cookies(u), 1)

	jar.SetCookies(u, []Cookie{{Name: "a", Value: "1", MaxAge: -1}})
	require.Empty(t, jar.Cookies(u))
}

func TestMemoryCookieJarExpiresOnPastExpiry(t *testing.T) {
	jar := NewMemoryCookieJar()
	u := mustCookieURL(t, "https://example.com/")
	jar.SetCookies(u, []Cookie{{Name: "a", Value: "1", Expires: time.Now().Add(-time.Hour)}})
	require.Empty(t, jar.Cookies(u))
}

func TestDefaultCookiePathDerivesFromRequestPath(t *testing.T) {
	require.Equal(t, "/app", defaultCookiePath("/app/page"))
	require.Equal(t, "/", defaultCookiePath("/"))
	require.Equal(t, "/", defaultCookiePath(""))
}

func TestRequestCookieHeaderJoinsPairs(t *testing.T) {
	got := requestCookieHeader([]Cookie{{Name: "a", Value: "1"}, {Name: "b", Value: "2"}})
	require.Equal(t, "a=1; b=2", got)
}
