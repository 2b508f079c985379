// Package discovery registers the HTTP API with a Consul agent.
package discovery

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/rs/zerolog"
)

// Service describes one registration.
type Service struct {
	ID      string
	Name    string
	Tags    []string
	Address string
	Port    int
	// HealthURL, when set, adds an HTTP check.
	HealthURL       string
	CheckInterval   time.Duration
	CheckTimeout    time.Duration
	DeregisterAfter time.Duration
}

// Consul wraps an agent client.
type Consul struct {
	client *api.Client
	logger zerolog.Logger
}

func NewConsul(address string, logger zerolog.Logger) (*Consul, error) {
	cfg := api.DefaultConfig()
	if address != "" {
		cfg.Address = address
	}
	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create consul client: %w", err)
	}
	return &Consul{client: client, logger: logger.With().Str("component", "discovery").Logger()}, nil
}

func (c *Consul) Register(svc Service) error {
	reg := &api.AgentServiceRegistration{
		ID:      svc.ID,
		Name:    svc.Name,
		Tags:    svc.Tags,
		Address: svc.Address,
		Port:    svc.Port,
	}
	if svc.HealthURL != "" {
		reg.Check = &api.AgentServiceCheck{
			HTTP:                           svc.HealthURL,
			Interval:                       orDefault(svc.CheckInterval, 10*time.Second).String(),
			Timeout:                        orDefault(svc.CheckTimeout, 2*time.Second).String(),
			DeregisterCriticalServiceAfter: orDefault(svc.DeregisterAfter, time.Minute).String(),
		}
	}
	if err := c.client.Agent().ServiceRegister(reg); err != nil {
		return fmt.Errorf("register %s: %w", svc.ID, err)
	}
	c.logger.Info().Str("service_id", svc.ID).Str("name", svc.Name).Int("port", svc.Port).Msg("service registered")
	return nil
}

func (c *Consul) Deregister(serviceID string) error {
	if err := c.client.Agent().ServiceDeregister(serviceID); err != nil {
		return fmt.Errorf("deregister %s: %w", serviceID, err)
	}
	c.logger.Info().Str("service_id", serviceID).Msg("service deregistered")
	return nil
}

// ServiceFor builds a registration for a listener address such as ":8080".
// An empty host is replaced by the machine's hostname.
func ServiceFor(name, listenAddr string) (Service, error) {
	host, portStr, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return Service{}, fmt.Errorf("parse listen address %q: %w", listenAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Service{}, fmt.Errorf("parse port %q: %w", portStr, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		if host, err = os.Hostname(); err != nil {
			return Service{}, fmt.Errorf("resolve hostname: %w", err)
		}
	}
	return Service{
		ID:        fmt.Sprintf("%s-%s-%d", name, host, port),
		Name:      name,
		Tags:      []string{"chatrelay", "http"},
		Address:   host,
		Port:      port,
		HealthURL: fmt.Sprintf("http://%s/healthz", net.JoinHostPort(host, portStr)),
	}, nil
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
