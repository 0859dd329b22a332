//go:build tinygo

package config

import (
	_ "embed"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// Defaults for device configuration.
// These can be overridden by placing a non-empty value in the corresponding .text file.
const (
	DefaultHostname    = "dualboot"
	DefaultUpdatePort  = 3232
	DefaultReadTimeout = 30 * time.Second
)

// Environment-specific configuration. An empty broker.text disables the
// boot announcement.
var (
	//go:embed broker.text
	brokerAddr string

	//go:embed clientid.text
	clientID string
)

// Optional overrides for defaults (empty file = use default).
var (
	//go:embed hostname.text
	hostnameOverride string

	//go:embed update_port.text
	updatePortOverride string

	//go:embed read_timeout.text
	readTimeoutOverride string
)

// BrokerAddr returns the MQTT broker address from broker.text file.
// Format: "host:port" e.g., "192.168.1.100:1883"
func BrokerAddr() (netip.AddrPort, error) {
	addr := strings.TrimSpace(brokerAddr)
	return netip.ParseAddrPort(addr)
}

// ClientID returns the MQTT client ID from clientid.text file, or the hostname.
func ClientID() string {
	if id := strings.TrimSpace(clientID); id != "" {
		return id
	}
	return Hostname()
}

// Hostname returns the DHCP hostname.
func Hostname() string {
	if override := strings.TrimSpace(hostnameOverride); override != "" {
		return override
	}
	return DefaultHostname
}

// UpdatePort returns the TCP port the update server listens on.
func UpdatePort() uint16 {
	if override := strings.TrimSpace(updatePortOverride); override != "" {
		if p, err := strconv.ParseUint(override, 10, 16); err == nil && p != 0 {
			return uint16(p)
		}
	}
	return DefaultUpdatePort
}

// ReadTimeout returns the idle timeout for reads from an update client.
func ReadTimeout() time.Duration {
	if override := strings.TrimSpace(readTimeoutOverride); override != "" {
		if d, err := time.ParseDuration(override); err == nil {
			return d
		}
	}
	return DefaultReadTimeout
}
