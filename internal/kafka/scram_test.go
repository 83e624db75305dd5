package kafka

import (
	"testing"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplySASL(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		config := sarama.NewConfig()
		require.NoError(t, applySASL(config, nil))
		require.NoError(t, applySASL(config, &SASLConfig{}))
		assert.False(t, config.Net.SASL.Enable)
	})

	t.Run("scram-sha-512", func(t *testing.T) {
		config := sarama.NewConfig()
		require.NoError(t, applySASL(config, &SASLConfig{Mechanism: "scram-sha-512", User: "u", Password: "p"}))
		assert.True(t, config.Net.SASL.Enable)
		assert.Equal(t, sarama.SASLMechanism(sarama.SASLTypeSCRAMSHA512), config.Net.SASL.Mechanism)
		require.NotNil(t, config.Net.SASL.SCRAMClientGeneratorFunc)

		client := config.Net.SASL.SCRAMClientGeneratorFunc()
		require.NoError(t, client.Begin("u", "p", ""))
		first, err := client.Step("")
		require.NoError(t, err)
		assert.Contains(t, first, "n=u")
		assert.False(t, client.Done())
	})

	t.Run("plain", func(t *testing.T) {
		config := sarama.NewConfig()
		require.NoError(t, applySASL(config, &SASLConfig{Mechanism: "PLAIN", User: "u", Password: "p"}))
		assert.Equal(t, sarama.SASLMechanism(sarama.SASLTypePlaintext), config.Net.SASL.Mechanism)
		assert.Nil(t, config.Net.SASL.SCRAMClientGeneratorFunc)
	})

	t.Run("unsupported", func(t *testing.T) {
		assert.Error(t, applySASL(sarama.NewConfig(), &SASLConfig{Mechanism: "GSSAPI"}))
	})
}
