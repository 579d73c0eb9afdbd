package followup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/badu/reqengine/addr"
	"github.com/badu/reqengine/headers"
	"github.com/badu/reqengine/hurl"
)

type fakeAuth struct {
	calls  int
	result *addr.AuthResult
}

func (f *fakeAuth) Authenticate(route *addr.Route, code int, h headers.Headers) (*addr.AuthResult, error) {
	f.calls++
	return f.result, nil
}

func mustURL(t *testing.T, raw string) *hurl.URL {
	t.Helper()
	u, err := hurl.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestAuthenticatorCalledOncePerChallenge(t *testing.T) {
	p := &Policy{RetryOnConnectionFailure: true}
	auth := &fakeAuth{result: &addr.AuthResult{Header: "Authorization", Value: "Basic xyz"}}
	req := RequestInfo{Method: "POST", URL: mustURL(t, "http://example.com/x"), Replayable: true}

	d, err := p.ForResponse(req, 401, headers.Empty, auth, nil, nil)
	require.NoError(t, err)
	require.Equal(t, FollowUp, d.Action)
	require.Equal(t, "Authorization", d.AuthHeader)
	require.Equal(t, 1, auth.calls)

	d2, err := p.ForResponse(req, 401, headers.Empty, auth, nil, nil)
	require.NoError(t, err)
	require.Equal(t, Surface, d2.Action)
	require.Equal(t, 1, auth.calls, "authenticator must not be invoked twice for the same challenge")
}

func TestRedirect303ConvertsToGETAndDropsBody(t *testing.T) {
	p := &Policy{FollowRedirects: true}
	req := RequestInfo{Method: "PUT", URL: mustURL(t, "http://example.com/x"), Replayable: true}
	h := headers.NewBuilder().Add("Location", "/y").Build()

	d, err := p.ForResponse(req, 303, h, nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, FollowUp, d.Action)
	require.Equal(t, "GET", d.Method)
	require.True(t, d.DropBody)
}

func Test307PreservesMethodAndBodyWhenReplayable(t *testing.T) {
	p := &Policy{FollowRedirects: true}
	req := RequestInfo{Method: "POST", URL: mustURL(t, "http://example.com/x"), Replayable: true}
	h := headers.NewBuilder().Add("Location", "/y").Build()

	d, err := p.ForResponse(req, 307, h, nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, FollowUp, d.Action)
	require.Equal(t, "POST", d.Method)
	require.False(t, d.DropBody)
}

func Test307SurfacesWhenBodyOneShot(t *testing.T) {
	p := &Policy{FollowRedirects: true}
	req := RequestInfo{Method: "POST", URL: mustURL(t, "http://example.com/x"), OneShot: true}
	h := headers.NewBuilder().Add("Location", "/y").Build()

	d, err := p.ForResponse(req, 307, h, nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, Surface, d.Action)
}

func Test503WithPositiveRetryAfterSurfaces(t *testing.T) {
	p := &Policy{RetryOnConnectionFailure: true}
	req := RequestInfo{Method: "GET", URL: mustURL(t, "http://example.com/x"), Replayable: true}
	h := headers.NewBuilder().Add("Retry-After", "5").Build()

	d, err := p.ForResponse(req, 503, h, nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, Surface, d.Action)
}

func Test408ResendsOnceThenSurfaces(t *testing.T) {
	p := &Policy{RetryOnConnectionFailure: true}
	req := RequestInfo{Method: "GET", URL: mustURL(t, "http://example.com/x"), Replayable: true}

	d, err := p.ForResponse(req, 408, headers.Empty, nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, Resend, d.Action)

	d2, err := p.ForResponse(req, 408, headers.Empty, nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, Surface, d2.Action, "hard-capped at one resend")
}

func TestHTTPSToHTTPRedirectSurfacesWithoutFollowSSLRedirects(t *testing.T) {
	p := &Policy{FollowRedirects: true, FollowSSLRedirects: false}
	req := RequestInfo{Method: "GET", URL: mustURL(t, "https://example.com/x")}
	h := headers.NewBuilder().Add("Location", "http://example.com/y").Build()

	d, err := p.ForResponse(req, 302, h, nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, Surface, d.Action)
}

func TestHTTPSToHTTPRedirectFollowedWhenFollowSSLRedirectsSet(t *testing.T) {
	p := &Policy{FollowRedirects: true, FollowSSLRedirects: true}
	req := RequestInfo{Method: "GET", URL: mustURL(t, "https://example.com/x")}
	h := headers.NewBuilder().Add("Location", "http://example.com/y").Build()

	d, err := p.ForResponse(req, 302, h, nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, FollowUp, d.Action)
	require.Equal(t, "http://example.com/y", d.URL.String())
}

func TestHTTPToHTTPSRedirectNeverGatedByFollowSSLRedirects(t *testing.T) {
	p := &Policy{FollowRedirects: true, FollowSSLRedirects: false}
	req := RequestInfo{Method: "GET", URL: mustURL(t, "http://example.com/x")}
	h := headers.NewBuilder().Add("Location", "https://example.com/y").Build()

	d, err := p.ForResponse(req, 302, h, nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, FollowUp, d.Action, "an upgrade is not the downgrade follow_ssl_redirects guards")
}

func Test408ResendCarriesBackOffWait(t *testing.T) {
	p := &Policy{RetryOnConnectionFailure: true}
	req := RequestInfo{Method: "GET", URL: mustURL(t, "http://example.com/x"), Replayable: true}

	d, err := p.ForResponse(req, 408, headers.Empty, nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, Resend, d.Action)
	require.Greater(t, d.Wait, time.Duration(0))
}

func TestFallbackHandshakeRetryCarriesBackOffWait(t *testing.T) {
	p := &Policy{RetryOnConnectionFailure: true}
	req := RequestInfo{Method: "GET", URL: mustURL(t, "https://example.com/x"), Replayable: true}

	d := p.ForError(req, false, true, true, true)
	require.Equal(t, RetryNewRoute, d.Action)
	require.Greater(t, d.Wait, time.Duration(0))
}

func TestPlainConnectionRetryCarriesNoBackOffWait(t *testing.T) {
	p := &Policy{RetryOnConnectionFailure: true}
	req := RequestInfo{Method: "GET", URL: mustURL(t, "http://example.com/x"), Replayable: true}

	d := p.ForError(req, false, false, false, true)
	require.Equal(t, RetryNewRoute, d.Action)
	require.Zero(t, d.Wait)
}

func TestFollowUpCapEnforced(t *testing.T) {
	p := &Policy{FollowRedirects: true}
	req := RequestInfo{Method: "GET", URL: mustURL(t, "http://example.com/x")}
	h := headers.NewBuilder().Add("Location", "/next").Build()

	for i := 0; i < MaxFollowUps; i++ {
		d, err := p.ForResponse(req, 302, h, nil, nil, nil)
		require.NoError(t, err)
		require.Equal(t, FollowUp, d.Action)
	}
	_, err := p.ForResponse(req, 302, h, nil, nil, nil)
	require.ErrorIs(t, err, ErrTooManyFollowUps)
}
