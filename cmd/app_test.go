package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/akylbek/payment-system/payment-reconciler/internal/config"
	"github.com/akylbek/payment-system/payment-reconciler/internal/idempotency"
	"github.com/akylbek/payment-system/payment-reconciler/internal/repository"
)

func debugConfig(t *testing.T, provider string) *config.Config {
	t.Helper()
	env := map[string]string{
		"DEBUG_MODE":             "true",
		"GATEWAY_PROVIDER":       provider,
		"GATEWAY_CLIENT_ID":      "app-id",
		"GATEWAY_CLIENT_SECRET":  "secret",
		"GATEWAY_WEBHOOK_SECRET": "whsec",
	}
	cfg, err := config.FromLookup(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	require.NoError(t, err)
	return cfg
}

func TestNewAppInDebugModeUsesInMemoryBackends(t *testing.T) {
	cfg := debugConfig(t, config.ProviderCashfree)
	a, err := newApp(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, &repository.MemoryRepository{}, a.repo)
	assert.IsType(t, &idempotency.MemoryStore{}, a.store)
	assert.NotNil(t, a.sweeper)
}

func TestNewGatewayByProvider(t *testing.T) {
	gw, _ := newGateway(debugConfig(t, config.ProviderStripe))
	assert.Equal(t, "stripe", gw.Name())

	gw, _ = newGateway(debugConfig(t, config.ProviderCashfree))
	assert.Equal(t, "cashfree", gw.Name())
}

func TestRetryPolicyFromConfig(t *testing.T) {
	p := retryPolicy(config.Retry{MaxAttempts: 4, BaseDelay: 2 * time.Second, Multiplier: 3}, zaptest.NewLogger(t))
	assert.Equal(t, 4, p.MaxAttempts)
	assert.Equal(t, 2*time.Second, p.BaseDelay)
	assert.NotNil(t, p.OnRetry)
	assert.NotNil(t, p.Retryable)
}

func TestMask(t *testing.T) {
	assert.Equal(t, "***", mask("abc"))
	assert.Equal(t, "ap**id", mask("app-id"))
}
