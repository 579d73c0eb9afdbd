package connpool

import (
	"testing"
	"time"

	"github.com/badu/reqengine/addr"
	"github.com/badu/reqengine/internal/rlog"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	addr            *addr.Address
	route           *addr.Route
	protocol        string
	multiplexed     bool
	capacity        bool
	noNewExchanges  bool
	allocations     int
	idleAt          time.Time
	closed          bool
}

func (f *fakeConn) Address() *addr.Address     { return f.addr }
func (f *fakeConn) Route() *addr.Route         { return f.route }
func (f *fakeConn) Protocol() string           { return f.protocol }
func (f *fakeConn) IsMultiplexed() bool        { return f.multiplexed }
func (f *fakeConn) HasCapacity() bool          { return f.capacity }
func (f *fakeConn) NoNewExchanges() bool       { return f.noNewExchanges }
func (f *fakeConn) AllocationCount() int       { return f.allocations }
func (f *fakeConn) IdleAt() time.Time          { return f.idleAt }
func (f *fakeConn) SetIdleAt(t time.Time)      { f.idleAt = t }
func (f *fakeConn) Close() error               { f.closed = true; return nil }

func TestAcquireReturnsIdleHTTP1Conn(t *testing.T) {
	p := New(10, time.Minute, rlog.Nop)
	a := &addr.Address{Host: "example.com", Port: 80}
	c := &fakeConn{addr: a, protocol: "http/1.1", idleAt: time.Now()}
	p.Put(c)

	got := p.Acquire(a, false)
	require.Equal(t, c, got)
}

func TestAcquireSkipsNoNewExchanges(t *testing.T) {
	p := New(10, time.Minute, rlog.Nop)
	a := &addr.Address{Host: "example.com", Port: 80}
	c := &fakeConn{addr: a, protocol: "http/1.1", noNewExchanges: true, idleAt: time.Now()}
	p.Put(c)

	require.Nil(t, p.Acquire(a, false))
}

func TestAcquireEquivalentAddressSharesBucket(t *testing.T) {
	p := New(10, time.Minute, rlog.Nop)
	a1 := &addr.Address{Host: "example.com", Port: 443}
	a2 := &addr.Address{Host: "example.com", Port: 443}
	c := &fakeConn{addr: a1, protocol: "http/1.1", idleAt: time.Now()}
	p.Put(c)

	require.Equal(t, c, p.Acquire(a2, false))
}

func TestAcquireRequiresMultiplexCapacity(t *testing.T) {
	p := New(10, time.Minute, rlog.Nop)
	a := &addr.Address{Host: "example.com", Port: 443}
	c := &fakeConn{addr: a, protocol: "h2", multiplexed: true, capacity: false, idleAt: time.Now()}
	p.Put(c)

	require.Nil(t, p.Acquire(a, true))
}

func TestEvictAllClosesConnections(t *testing.T) {
	p := New(10, time.Minute, rlog.Nop)
	a := &addr.Address{Host: "example.com", Port: 80}
	c := &fakeConn{addr: a, protocol: "http/1.1", idleAt: time.Now()}
	p.Put(c)

	p.EvictAll()
	require.True(t, c.closed)
	require.Equal(t, 0, p.Size())
}
