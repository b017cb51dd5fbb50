package ngrok

import (
	"context"
	"fmt"
	"os"

	"toptrack/internal/config"

	"github.com/sirupsen/logrus"
	"golang.ngrok.com/ngrok/v2"
)

// Service exposes the control API through an ngrok endpoint
type Service struct {
	config *config.TunnelConfig
	agent  ngrok.Agent
	tunnel ngrok.EndpointForwarder
	logger *logrus.Entry
}

// NewService creates a tunnel service. It returns nil when the tunnel is
// disabled; a nil *Service is safe to use.
func NewService(cfg *config.TunnelConfig, logger *logrus.Entry) (*Service, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	authToken := cfg.AuthToken
	if authToken == "" {
		authToken = os.Getenv("NGROK_AUTHTOKEN")
	}
	if authToken == "" {
		return nil, fmt.Errorf("ngrok auth token not found. Set NGROK_AUTHTOKEN in .env file or config")
	}

	agent, err := ngrok.NewAgent(ngrok.WithAuthtoken(authToken))
	if err != nil {
		return nil, fmt.Errorf("failed to create ngrok agent: %w", err)
	}

	return &Service{
		config: cfg,
		agent:  agent,
		logger: logger.WithField("component", "tunnel"),
	}, nil
}

// TrafficPolicy returns the OAuth traffic policy for provider
func TrafficPolicy(provider string) string {
	return fmt.Sprintf(`
on_http_request:
  - actions:
      - type: oauth
        config:
          provider: %s
`, provider)
}

func (s *Service) endpointOptions() []ngrok.EndpointOption {
	var opts []ngrok.EndpointOption
	if s.config.Domain != "" {
		opts = append(opts, ngrok.WithURL(s.config.Domain))
	}
	if s.config.EnableAuth {
		opts = append(opts, ngrok.WithTrafficPolicy(TrafficPolicy(s.config.AuthProvider)))
	}
	return opts
}

// StartTunnel forwards the public endpoint to localAddress
func (s *Service) StartTunnel(ctx context.Context, localAddress string) error {
	if s == nil {
		return nil
	}

	s.logger.Info("Starting ngrok tunnel...")

	tunnel, err := s.agent.Forward(ctx, ngrok.WithUpstream(localAddress), s.endpointOptions()...)
	if err != nil {
		return fmt.Errorf("failed to create ngrok tunnel: %w", err)
	}
	s.tunnel = tunnel

	s.logger.WithFields(logrus.Fields{
		"public_url": tunnel.URL().String(),
		"upstream":   localAddress,
		"oauth":      s.config.EnableAuth,
	}).Info("Ngrok tunnel active")
	return nil
}

// GetPublicURL returns the public URL of the tunnel
func (s *Service) GetPublicURL() string {
	if s == nil || s.tunnel == nil {
		return ""
	}
	return s.tunnel.URL().String()
}

// Stop stops the ngrok tunnel
func (s *Service) Stop() error {
	if s == nil || s.tunnel == nil {
		return nil
	}
	s.logger.Info("Stopping ngrok tunnel...")
	return s.tunnel.Close()
}

// Wait waits for the tunnel to close
func (s *Service) Wait() {
	if s == nil || s.tunnel == nil {
		return
	}
	<-s.tunnel.Done()
}
