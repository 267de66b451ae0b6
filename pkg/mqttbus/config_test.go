package mqttbus_test

import (
	"testing"
	"time"

	"github.com/illmade-knight/go-curation/pkg/mqttbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigWithEnv(t *testing.T) {
	t.Run("Default values are set correctly", func(t *testing.T) {
		cfg := mqttbus.LoadConfigWithEnv("")
		require.NotNil(t, cfg)
		assert.Equal(t, 60*time.Second, cfg.KeepAlive)
		assert.Equal(t, 10*time.Second, cfg.ConnectTimeout)
		assert.Equal(t, byte(1), cfg.QoS)
		assert.Equal(t, "curation-", cfg.ClientIDPrefix)
		assert.False(t, cfg.InsecureSkipVerify)
	})

	t.Run("Values are loaded from environment", func(t *testing.T) {
		t.Setenv("MQTT_BROKER_URL", "tls://broker.example.com:8883")
		t.Setenv("MQTT_TOPIC", "#")
		t.Setenv("MQTT_QOS", "2")
		t.Setenv("MQTT_KEEP_ALIVE_SECONDS", "30")
		t.Setenv("MQTT_CONNECT_TIMEOUT_SECONDS", "5")
		t.Setenv("MQTT_INSECURE_SKIP_VERIFY", "true")

		cfg := mqttbus.LoadConfigWithEnv("")
		assert.Equal(t, "tls://broker.example.com:8883", cfg.BrokerURL)
		assert.Equal(t, "#", cfg.Topic)
		assert.Equal(t, byte(2), cfg.QoS)
		assert.Equal(t, 30*time.Second, cfg.KeepAlive)
		assert.Equal(t, 5*time.Second, cfg.ConnectTimeout)
		assert.True(t, cfg.InsecureSkipVerify)
	})

	t.Run("Leg prefix selects its own variables", func(t *testing.T) {
		t.Setenv("UNCURATED_MQTT_BROKER_URL", "tcp://uncurated:1883")
		t.Setenv("CURATED_MQTT_BROKER_URL", "tcp://curated:1883")
		t.Setenv("UNCURATED_MQTT_QOS", "0")

		uncurated := mqttbus.LoadConfigWithEnv("UNCURATED")
		curated := mqttbus.LoadConfigWithEnv("CURATED")
		assert.Equal(t, "tcp://uncurated:1883", uncurated.BrokerURL)
		assert.Equal(t, byte(0), uncurated.QoS)
		assert.Equal(t, "tcp://curated:1883", curated.BrokerURL)
		assert.Equal(t, byte(1), curated.QoS)
	})

	t.Run("Invalid values fall back to defaults", func(t *testing.T) {
		t.Setenv("MQTT_QOS", "7")
		t.Setenv("MQTT_KEEP_ALIVE_SECONDS", "not-a-number")

		cfg := mqttbus.LoadConfigWithEnv("")
		assert.Equal(t, byte(1), cfg.QoS, "QoS should default if env var is out of range")
		assert.Equal(t, 60*time.Second, cfg.KeepAlive, "KeepAlive should default if env var is invalid")
	})
}
