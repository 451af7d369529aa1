package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PAYME_KEY", "testkey")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, DefaultLogLevel, cfg.LogLevel)
	assert.Equal(t, int64(DefaultPriceTiyin), cfg.DefaultPriceTiyin)
	assert.Equal(t, DefaultRateLimit, cfg.RateLimitRPM)
	assert.Equal(t, int64(DefaultStoreMS), cfg.StoreTimeoutMS)
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())
}

func TestLoad_RequiresAGatewaySecret(t *testing.T) {
	t.Setenv("PAYME_KEY", "")
	t.Setenv("CLICK_SECRET_KEY", "")

	_, err := Load()
	require.Error(t, err)
}

func TestLoad_ClickNeedsServiceID(t *testing.T) {
	t.Setenv("PAYME_KEY", "")
	t.Setenv("CLICK_SECRET_KEY", "secret")
	t.Setenv("CLICK_SERVICE_ID", "")

	_, err := Load()
	require.Error(t, err)

	t.Setenv("CLICK_SERVICE_ID", "12345")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "12345", cfg.ClickServiceID)
}

func TestLoad_BotNeedsChannel(t *testing.T) {
	t.Setenv("PAYME_KEY", "testkey")
	t.Setenv("BOT_TOKEN", "123:abc")
	t.Setenv("TG_CHANNEL_ID", "")

	_, err := Load()
	require.Error(t, err)

	t.Setenv("TG_CHANNEL_ID", "-1001234567890")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "-1001234567890", cfg.TGChannelID)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PAYME_KEY", "testkey")
	t.Setenv("PORT", "9090")
	t.Setenv("ENV", "production")
	t.Setenv("DEFAULT_PRICE_TIYIN", "500000")
	t.Setenv("RATE_LIMIT_RPM", "30")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, int64(500000), cfg.DefaultPriceTiyin)
	assert.Equal(t, 30, cfg.RateLimitRPM)
}

func TestLoad_NegativePriceRejected(t *testing.T) {
	t.Setenv("PAYME_KEY", "testkey")
	t.Setenv("DEFAULT_PRICE_TIYIN", "-1")

	_, err := Load()
	require.Error(t, err)
}
