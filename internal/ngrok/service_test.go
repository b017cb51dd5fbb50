package ngrok

import (
	"context"
	"testing"

	"toptrack/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServiceDisabled(t *testing.T) {
	svc, err := NewService(&config.TunnelConfig{Enabled: false}, nil)
	require.NoError(t, err)
	assert.Nil(t, svc)

	// a disabled service is a no-op
	assert.NoError(t, svc.StartTunnel(context.Background(), "127.0.0.1:8090"))
	assert.Equal(t, "", svc.GetPublicURL())
	assert.NoError(t, svc.Stop())
	svc.Wait()
}

func TestNewServiceRequiresToken(t *testing.T) {
	t.Setenv("NGROK_AUTHTOKEN", "")
	_, err := NewService(&config.TunnelConfig{Enabled: true}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NGROK_AUTHTOKEN")
}

func TestTrafficPolicy(t *testing.T) {
	policy := TrafficPolicy("github")
	assert.Contains(t, policy, "type: oauth")
	assert.Contains(t, policy, "provider: github")
}
