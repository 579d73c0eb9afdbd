package reqengine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/badu/reqengine/addr"
)

func TestNewClientAppliesDefaultsAndOptions(t *testing.T) {
	address := &addr.Address{Host: "example.com", Port: 80}
	client, err := NewClient(address, WithMaxRequests(10), WithMaxRequestsPerHost(2))
	require.NoError(t, err)
	defer client.Close()

	require.Equal(t, 10, client.Dispatcher.maxRequests)
	require.Equal(t, 2, client.Dispatcher.maxRequestsPerHost)
	require.True(t, client.FollowRedirects)
	require.True(t, client.RetryOnConnectionFailure)
}

func TestNewClientRejectsInvalidConfig(t *testing.T) {
	address := &addr.Address{Host: "example.com", Port: 80}
	_, err := NewClient(address, WithMaxRequests(0))
	require.Error(t, err)
}

func TestWithKeepAliveIsHonored(t *testing.T) {
	address := &addr.Address{Host: "example.com", Port: 80}
	client, err := NewClient(address, WithKeepAlive(30*time.Second))
	require.NoError(t, err)
	defer client.Close()
	require.Equal(t, 30*time.Second, client.Pool.KeepAlive)
}
