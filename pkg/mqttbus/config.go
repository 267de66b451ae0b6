// Package mqttbus provides the MQTT transport for the curation services: a
// shared client configuration, a thin single-connection client for the
// bridge's explicitly managed legs, and an auto-reconnecting consumer for
// ingestion.
package mqttbus

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the connection parameters for one MQTT broker leg.
type Config struct {
	// BrokerURL is the full URL of the broker, e.g. "tls://mqtt.example.com:8883".
	BrokerURL string
	// Topic is the subscription filter for consuming legs. Publishing legs
	// may leave it empty.
	Topic string
	// ClientIDPrefix prefixes the MQTT client ID. A unique suffix is added
	// per connection, which most brokers require.
	ClientIDPrefix string
	// Username and Password authenticate with the broker. Both empty is
	// accepted for brokers that allow anonymous access.
	Username string
	Password string
	// QoS is the quality-of-service level used for subscriptions and
	// publishes on this leg (0, 1 or 2). Messages are never retained.
	QoS byte
	// KeepAlive is the interval of client keep-alive pings.
	KeepAlive time.Duration
	// ConnectTimeout bounds one connection attempt.
	ConnectTimeout time.Duration
	// PublishTimeout bounds the background wait for a publish token.
	PublishTimeout time.Duration
	// ReconnectWaitMax caps the Paho auto-reconnect interval. Only the
	// ingestion consumer uses auto-reconnect; the bridge manages its own.
	ReconnectWaitMax time.Duration

	// CACertFile is an optional CA certificate for verifying the broker.
	CACertFile string
	// ClientCertFile and ClientKeyFile enable mTLS when both are set.
	ClientCertFile string
	ClientKeyFile  string
	// InsecureSkipVerify skips TLS certificate verification. Not for
	// production.
	InsecureSkipVerify bool
}

// Env variable suffixes for the MQTT configuration. A leg prefix like
// "UNCURATED" turns EnvBrokerURL into "UNCURATED_MQTT_BROKER_URL".
const (
	EnvBrokerURL             = "MQTT_BROKER_URL"
	EnvTopic                 = "MQTT_TOPIC"
	EnvClientIDPrefix        = "MQTT_CLIENT_ID_PREFIX"
	EnvUsername              = "MQTT_USERNAME"
	EnvPassword              = "MQTT_PASSWORD"
	EnvQOS                   = "MQTT_QOS"
	EnvKeepAliveSeconds      = "MQTT_KEEP_ALIVE_SECONDS"
	EnvConnectTimeoutSeconds = "MQTT_CONNECT_TIMEOUT_SECONDS"
	EnvCACertFile            = "MQTT_CA_CERT_FILE"
	EnvClientCertFile        = "MQTT_CLIENT_CERT_FILE"
	EnvClientKeyFile         = "MQTT_CLIENT_KEY_FILE"
	EnvSkipVerify            = "MQTT_INSECURE_SKIP_VERIFY"
)

func envKey(prefix, suffix string) string {
	if prefix == "" {
		return suffix
	}
	return prefix + "_" + suffix
}

// LoadConfigWithEnv loads one leg's configuration from environment
// variables. The prefix distinguishes legs sharing a process, e.g.
// "UNCURATED" and "CURATED"; an empty prefix reads the bare MQTT_* names.
// Unset or unparsable values fall back to defaults.
func LoadConfigWithEnv(prefix string) *Config {
	cfg := &Config{
		BrokerURL:        os.Getenv(envKey(prefix, EnvBrokerURL)),
		Topic:            os.Getenv(envKey(prefix, EnvTopic)),
		ClientIDPrefix:   "curation-",
		Username:         os.Getenv(envKey(prefix, EnvUsername)),
		Password:         os.Getenv(envKey(prefix, EnvPassword)),
		QoS:              1,
		KeepAlive:        60 * time.Second,
		ConnectTimeout:   10 * time.Second,
		PublishTimeout:   10 * time.Second,
		ReconnectWaitMax: 120 * time.Second,
		CACertFile:       os.Getenv(envKey(prefix, EnvCACertFile)),
		ClientCertFile:   os.Getenv(envKey(prefix, EnvClientCertFile)),
		ClientKeyFile:    os.Getenv(envKey(prefix, EnvClientKeyFile)),
	}
	if v := os.Getenv(envKey(prefix, EnvClientIDPrefix)); v != "" {
		cfg.ClientIDPrefix = v
	}
	if v := os.Getenv(envKey(prefix, EnvQOS)); v != "" {
		if qos, err := strconv.Atoi(v); err == nil && qos >= 0 && qos <= 2 {
			cfg.QoS = byte(qos)
		}
	}
	if v := os.Getenv(envKey(prefix, EnvKeepAliveSeconds)); v != "" {
		if d, err := time.ParseDuration(v + "s"); err == nil {
			cfg.KeepAlive = d
		}
	}
	if v := os.Getenv(envKey(prefix, EnvConnectTimeoutSeconds)); v != "" {
		if d, err := time.ParseDuration(v + "s"); err == nil {
			cfg.ConnectTimeout = d
		}
	}
	if os.Getenv(envKey(prefix, EnvSkipVerify)) == "true" {
		cfg.InsecureSkipVerify = true
	}
	return cfg
}

// NewTLSConfig assembles a tls.Config from the certificate settings.
func NewTLSConfig(cfg *Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.CACertFile != "" {
		caCert, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("read CA cert file %s: %w", cfg.CACertFile, err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("append CA cert from %s", cfg.CACertFile)
		}
		tlsConfig.RootCAs = caCertPool
	}
	if cfg.ClientCertFile != "" && cfg.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate/key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}
