package mqtt

import (
	"crypto/tls"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/printmesh/printmesh-core/internal/infrastructure/config"
)

// Connection constants.
const (
	// defaultConnectTimeout is the maximum time to wait for the broker handshake.
	defaultConnectTimeout = 10 * time.Second

	// defaultReconnectInterval caps the delay between reconnect attempts.
	defaultReconnectInterval = 3 * time.Second

	// defaultPublishTimeout is the maximum time to wait for publish acknowledgment.
	defaultPublishTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 1000 // milliseconds

	// defaultKeepAlive is the keepalive interval for the connection.
	defaultKeepAlive = 60 * time.Second

	// maxQoS is the maximum QoS level supported.
	maxQoS = 2

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12
)

// buildClientOptions creates paho MQTT options from PrintMesh config.
//
// This configures:
//   - Broker URL (tcp:// or ssl:// based on TLS setting)
//   - Client ID for identification
//   - Authentication credentials (if provided)
//   - Auto-reconnect with backoff capped at the configured interval
//   - TLS configuration (if enabled)
//   - Clean session mode
//
// The initial connection does not retry: Connect() either succeeds within
// the handshake timeout or fails with ErrConnectionFailed. Reconnection
// after an established session is lost is automatic.
func buildClientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	// Broker URL
	scheme := "tcp"
	if cfg.Broker.TLS {
		scheme = "ssl"
	}
	brokerURL := fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker.Host, cfg.Broker.Port)
	opts.AddBroker(brokerURL)

	// Client identification
	opts.SetClientID(cfg.Broker.ClientID)

	// Authentication (if credentials provided)
	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Token)
	}

	// Clean session - start fresh on connect (no persistent session on broker).
	// Subscription recovery is handled locally by the registry replay.
	opts.SetCleanSession(true)

	// Initial connect fails fast; only established sessions auto-reconnect.
	opts.SetConnectRetry(false)
	opts.SetAutoReconnect(true)

	// Paho's auto-reconnect backs off from one second, doubling per
	// attempt; the configured interval is the ceiling, not a fixed delay.
	interval := cfg.GetReconnectInterval()
	if interval <= 0 {
		interval = defaultReconnectInterval
	}
	opts.SetMaxReconnectInterval(interval)

	// Connection timeout
	timeout := cfg.GetConnectTimeout()
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	opts.SetConnectTimeout(timeout)

	// Keepalive - detects dead connections without application traffic
	opts.SetKeepAlive(defaultKeepAlive)

	// TLS configuration if enabled
	if cfg.Broker.TLS {
		tlsConfig := &tls.Config{
			MinVersion: tlsMinVersion,
		}
		opts.SetTLSConfig(tlsConfig)
	}

	return opts
}
