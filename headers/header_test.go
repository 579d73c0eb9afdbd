package headers

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestOrderAndDuplicatesPreserved(t *testing.T) {
	h := NewBuilder().
		Add("X-B", "2").
		Add("x-a", "1").
		Add("X-B", "3").
		Build()

	require.Equal(t, []string{"X-B", "X-A"}, h.Names())
	require.Equal(t, []string{"2", "3"}, h.Values("x-b"))
	require.Equal(t, "2", h.Get("X-B"))
}

func TestSetReplacesAllValues(t *testing.T) {
	h := NewBuilder().Add("A", "1").Add("A", "2").Build()
	h = h.WithSet("a", "3")
	require.Equal(t, []string{"3"}, h.Values("A"))
}

func TestCaseInsensitiveCanonicalization(t *testing.T) {
	require.Equal(t, "Content-Type", CanonicalName("content-type"))
	require.Equal(t, "Etag", CanonicalName("etag")) // not a perfect title-case, matches net/textproto behavior
}

func TestWriteToSortsAndExcludes(t *testing.T) {
	h := NewBuilder().Add("B", "2").Add("A", "1").Build()
	var sb strings.Builder
	require.NoError(t, h.WriteTo(&sb, map[string]bool{"B": true}))
	require.Equal(t, "A: 1\r\n", sb.String())
}

func TestInvalidNameRejected(t *testing.T) {
	require.Panics(t, func() {
		NewBuilder().Add("bad name", "v")
	})
}

func TestMultimapMatchesExpectedShape(t *testing.T) {
	h := NewBuilder().Add("X-B", "2").Add("x-a", "1").Add("X-B", "3").Build()
	want := map[string][]string{"X-B": {"2", "3"}, "X-A": {"1"}}
	if diff := cmp.Diff(want, h.Multimap()); diff != "" {
		t.Fatalf("Multimap() mismatch (-want +got):\n%s", diff)
	}
}
