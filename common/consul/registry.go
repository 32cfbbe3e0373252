package consul

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	consul "github.com/hashicorp/consul/api"
)

const (
	// ServiceName is the name under which the transfer scheduler registers itself.
	ServiceName = "bde-scheduler"

	checkInterval = 10 * time.Second
)

var (
	ErrNoAddress = errors.New("registry: can not find local ip")
)

// NewClient returns a new Client with connection to consul.
//
// controlInterface is the name of the network interface that carries control traffic (e.g., "eth1"). If it is
// empty, the first non-loopback IPv4 address is advertised.
func NewClient(addr string, controlInterface string) (*Client, error) {
	cfg := consul.DefaultConfig()
	cfg.Address = addr

	c, err := consul.NewClient(cfg)
	if err != nil {
		return nil, err
	}

	cli := &Client{Client: c, controlInterface: controlInterface}
	config.InitLogger(&cli.logger, "Consul ")

	return cli, nil
}

// Client provides an interface for communicating with registry
type Client struct {
	*consul.Client

	controlInterface string

	logger logger.Logger
}

// ipv4Of returns the IPv4 addresses among addrs, skipping loopback addresses.
func ipv4Of(addrs []net.Addr) []net.IP {
	var ips []net.IP
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			if ipnet.IP.To4() != nil {
				ips = append(ips, ipnet.IP)
			}
		}
	}

	return ips
}

// LocalIP looks for the address of the network device dedicated to control traffic.
// If no control interface is configured, or it has no usable address, LocalIP returns the first non-loopback
// IPv4 address.
func (c *Client) LocalIP() (string, error) {
	if c.controlInterface != "" {
		iface, err := net.InterfaceByName(c.controlInterface)
		if err != nil {
			c.logger.Error("Control interface \"%s\" is not available: %v", c.controlInterface, err)
		} else if addrs, err := iface.Addrs(); err == nil {
			if ips := ipv4Of(addrs); len(ips) > 0 {
				c.logger.Info("Control traffic is routed to the dedicated interface %s (%s)", c.controlInterface, ips[0])
				return ips[0].String(), nil
			}

			c.logger.Warn("Control interface \"%s\" has no IPv4 address.", c.controlInterface)
		}
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}

	ips := ipv4Of(addrs)
	if len(ips) == 0 {
		return "", ErrNoAddress
	}

	return ips[0].String(), nil
}

// Register a service with registry. meta is attached to the registration. If metricsPort is positive, the
// service's /metrics endpoint is registered as its health check.
func (c *Client) Register(name string, id string, ip string, port int, metricsPort int, meta map[string]string) error {
	if ip == "" {
		var err error
		ip, err = c.LocalIP()
		if err != nil {
			return err
		}
	}

	reg := &consul.AgentServiceRegistration{
		ID:      id,
		Name:    name,
		Port:    port,
		Address: ip,
		Meta:    meta,
	}

	if metricsPort > 0 {
		reg.Check = &consul.AgentServiceCheck{
			HTTP:     fmt.Sprintf("http://%s:%d/metrics", ip, metricsPort),
			Interval: checkInterval.String(),
		}
	}

	c.logger.Info("Trying to register service [ name: %s, id: %s, address: %s:%d ]", name, id, ip, port)
	return c.Agent().ServiceRegister(reg)
}

// Deregister removes the service address from registry
func (c *Client) Deregister(id string) error {
	return c.Agent().ServiceDeregister(id)
}
