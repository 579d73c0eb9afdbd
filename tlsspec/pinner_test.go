package tlsspec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDoubleWildcardPinMatch(t *testing.T) {
	p := &Pinner{Pins: []Pin{{Pattern: "**.example.com", Hash: "sha256/X"}}}

	for _, host := range []string{"example.com", "a.example.com", "a.b.example.com"} {
		require.Len(t, p.FindPins(host), 1, "expected match for %s", host)
	}
	for _, host := range []string{"xample.com", "dexample.com"} {
		require.Empty(t, p.FindPins(host), "expected no match for %s", host)
	}
}

func TestSingleWildcardPinMatchesOneLabel(t *testing.T) {
	p := &Pinner{Pins: []Pin{{Pattern: "*.example.com", Hash: "sha256/X"}}}
	require.Len(t, p.FindPins("a.example.com"), 1)
	require.Empty(t, p.FindPins("example.com"))
	require.Empty(t, p.FindPins("a.b.example.com"))
}
