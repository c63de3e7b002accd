package consul

import (
	"log/slog"
	"net"
	"strconv"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	conf "github.com/webitel/data-exporter/config"
	"github.com/webitel/data-exporter/internal/errors"
	"github.com/webitel/data-exporter/registry"
)

// ConsulRegistry keeps the service registered in consul with a TTL check.
// Register starts a background loop refreshing the check twice per interval;
// Deregister stops the loop and removes the registration.
type ConsulRegistry struct {
	client  *consulapi.Client
	service *consulapi.AgentServiceRegistration
	checkID string
	stop    chan struct{}
}

func NewConsulRegistry(config *conf.ConsulConfig) (*ConsulRegistry, error) {
	if config.Id == "" {
		return nil, errors.Internal(
			"service id is empty! (set it by '-id' flag)",
			errors.WithID("consul.registry.new.service_id"),
		)
	}

	host, rawPort, err := net.SplitHostPort(config.PublicAddress)
	if err != nil {
		return nil, errors.Internal(
			"unable to parse public address",
			errors.WithID("consul.registry.new.parse_address"),
			errors.WithCause(err),
		)
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil {
		return nil, errors.Internal(
			"unable to parse public port",
			errors.WithID("consul.registry.new.parse_port"),
			errors.WithCause(err),
		)
	}

	apiConf := consulapi.DefaultConfig()
	apiConf.Address = config.Address
	client, err := consulapi.NewClient(apiConf)
	if err != nil {
		return nil, errors.Internal(
			err.Error(),
			errors.WithID("consul.registry.new.client"),
		)
	}

	return &ConsulRegistry{
		client: client,
		service: &consulapi.AgentServiceRegistration{
			ID:      config.Id,
			Name:    registry.ServiceName,
			Address: host,
			Port:    port,
			Check: &consulapi.AgentServiceCheck{
				DeregisterCriticalServiceAfter: registry.DeregisterCriticalServiceAfter.String(),
				TTL:                            registry.CheckInterval.String(),
			},
		},
		stop: make(chan struct{}),
	}, nil
}

func (c *ConsulRegistry) Register() error {
	if err := c.client.Agent().ServiceRegister(c.service); err != nil {
		return errors.Internal(
			err.Error(),
			errors.WithID("consul.registry.register"),
		)
	}

	checkID, err := c.findServiceCheck()
	if err != nil {
		return err
	}
	c.checkID = checkID

	go c.runServiceCheck()
	return nil
}

func (c *ConsulRegistry) Deregister() error {
	if err := c.client.Agent().ServiceDeregister(c.service.ID); err != nil {
		return errors.Internal(
			err.Error(),
			errors.WithID("consul.registry.deregister"),
		)
	}
	close(c.stop)
	slog.Info("data_exporter.registry.deregistered", slog.String("service_id", c.service.ID))
	return nil
}

// findServiceCheck resolves the agent-assigned check id for our registration.
func (c *ConsulRegistry) findServiceCheck() (string, error) {
	checks, err := c.client.Agent().Checks()
	if err != nil {
		return "", errors.Internal(
			err.Error(),
			errors.WithID("consul.registry.register.get_checks"),
		)
	}
	for _, check := range checks {
		if check.ServiceID == c.service.ID {
			return check.CheckID, nil
		}
	}
	return "", errors.Internal(
		"service check not found",
		errors.WithID("consul.registry.register.check_missing"),
	)
}

func (c *ConsulRegistry) runServiceCheck() {
	// pass the check right away so the service never starts critical
	if err := c.passTTL(); err == nil {
		slog.Info("data_exporter.registry.registered", slog.String("service_id", c.service.ID))
	}

	ticker := time.NewTicker(registry.CheckInterval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			slog.Info("data_exporter.registry.check_loop_stopped")
			return
		case <-ticker.C:
			_ = c.passTTL()
		}
	}
}

func (c *ConsulRegistry) passTTL() error {
	err := c.client.Agent().UpdateTTL(c.checkID, "success", "pass")
	if err != nil {
		slog.Error("data_exporter.registry.ttl_update_error", slog.String("error", err.Error()))
	}
	return err
}
