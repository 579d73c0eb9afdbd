package routeplan

import (
	"context"
	"net"
	"testing"

	"github.com/badu/reqengine/addr"
	"github.com/badu/reqengine/event"
	"github.com/badu/reqengine/hurl"
	"github.com/stretchr/testify/require"
)

type fakeDNS struct{ ips []net.IP }

func (f fakeDNS) LookupHost(ctx context.Context, host string) ([]net.IP, error) {
	return f.ips, nil
}

func TestPlanDirectCrossProduct(t *testing.T) {
	a := &addr.Address{Host: "example.com", Port: 443, DNS: fakeDNS{ips: []net.IP{net.ParseIP("1.1.1.1"), net.ParseIP("2.2.2.2")}}}
	u, _ := hurl.Parse("https://example.com/")
	p := &Planner{Address: a, URL: u, Database: NewDatabase(), Listener: event.Listener{}, CallInfo: event.CallInfo{}}

	routes, err := p.Plan(context.Background())
	require.NoError(t, err)
	require.Len(t, routes, 2)
	require.True(t, routes[0].Proxy.IsDirect())
	require.Equal(t, 443, routes[0].Port)
}

func TestPlanSkipsFailedRoutes(t *testing.T) {
	a := &addr.Address{Host: "example.com", Port: 80, DNS: fakeDNS{ips: []net.IP{net.ParseIP("1.1.1.1")}}}
	u, _ := hurl.Parse("http://example.com/")
	db := NewDatabase()
	p := &Planner{Address: a, URL: u, Database: db}

	routes, err := p.Plan(context.Background())
	require.NoError(t, err)
	require.Len(t, routes, 1)

	db.Failed(routes[0])
	routes, err = p.Plan(context.Background())
	require.NoError(t, err)
	require.Empty(t, routes)
}

func TestPlanNoAddressesErrors(t *testing.T) {
	a := &addr.Address{Host: "example.com", Port: 80, DNS: fakeDNS{}}
	u, _ := hurl.Parse("http://example.com/")
	p := &Planner{Address: a, URL: u, Database: NewDatabase()}
	_, err := p.Plan(context.Background())
	require.ErrorIs(t, err, ErrNoAddresses)
}
