package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gpio-relay/internal/auth"
)

func TestTokenCommand_MintsOperatorToken(t *testing.T) {
	t.Setenv("MASTER_SECRET", "s3cret")

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"token", "--operator", "ops"})
	require.NoError(t, root.Execute())

	claims, err := auth.VerifyOperatorToken(strings.TrimSpace(out.String()), auth.DefaultTokenConfig("s3cret"))
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Operator)
}

func TestTokenCommand_RequiresSecret(t *testing.T) {
	t.Setenv("MASTER_SECRET", "")

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"token"})
	assert.Error(t, root.Execute())
}

func TestLoadConfig_FlagsOverrideEnv(t *testing.T) {
	t.Setenv("PORT", "4000")
	t.Setenv("LOG_LEVEL", "info")

	cfg, err := loadConfig(&flags{port: 5000, logLevel: "debug"})
	require.NoError(t, err)
	assert.Equal(t, 5000, cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)

	cfg, err = loadConfig(&flags{})
	require.NoError(t, err)
	assert.Equal(t, 4000, cfg.Port)

	_, err = loadConfig(&flags{port: 70000})
	assert.Error(t, err)
}
