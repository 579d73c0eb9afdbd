package event

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecorderRecordsCallStartBeforeEnd(t *testing.T) {
	rec := &Recorder{}
	l := rec.Attach(Listener{})
	info := CallInfo{CallID: "c1"}

	l.CallStart(info)
	l.RequestHeadersStart(info)
	l.RequestHeadersEnd(info, 0)
	l.ResponseHeadersStart(info)
	l.ResponseHeadersEnd(info, 200)
	l.ResponseBodyStart(info)
	l.ResponseBodyEnd(info, 3)
	l.CallEnd(info)

	require.Equal(t, []string{
		"call_start",
		"request_headers_start", "request_headers_end",
		"response_headers_start", "response_headers_end",
		"response_body_start", "response_body_end",
		"call_end",
	}, rec.Seq)
}

func TestNoopFactoryHasNoHooks(t *testing.T) {
	l := Noop(CallInfo{})
	require.Nil(t, l.CallStart)
}
