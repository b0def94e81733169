package mqttsource_test

import (
	"testing"

	"github.com/jimmy777/ditto-connectivity/pkg/connection"
	"github.com/jimmy777/ditto-connectivity/pkg/mqttsource"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConsumer_Validation(t *testing.T) {
	sources := []connection.Source{{Address: "telemetry/+/temperature"}}

	t.Run("missing broker URL", func(t *testing.T) {
		_, err := mqttsource.NewConsumer(mqttsource.ClientConfig{}, "conn-1", sources, zerolog.Nop())
		assert.Error(t, err)
	})

	t.Run("no sources", func(t *testing.T) {
		cfg := mqttsource.DefaultClientConfig()
		cfg.BrokerURL = "tcp://localhost:1883"
		_, err := mqttsource.NewConsumer(cfg, "conn-1", nil, zerolog.Nop())
		assert.Error(t, err)
	})

	t.Run("valid config", func(t *testing.T) {
		cfg := mqttsource.DefaultClientConfig()
		cfg.BrokerURL = "tcp://localhost:1883"
		c, err := mqttsource.NewConsumer(cfg, "conn-1", sources, zerolog.Nop())
		require.NoError(t, err)
		assert.NotNil(t, c.Messages())
		assert.False(t, c.IsConnected())
	})
}
