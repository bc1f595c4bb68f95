package config

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("OWNER_ADDRESS", "0x00000000000000000000000000000000000000aa")
	t.Setenv("ORACLE_ADDRESS", "0x00000000000000000000000000000000000000bb")
	t.Setenv("SIGNER_URL", "http://signer:9000")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("MAX_ATTESTATION_AGE", "5m")

	cfg, err := Load(New())
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress("0xaa"), cfg.Owner)
	require.Equal(t, "8080", cfg.Port)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	require.Equal(t, 5*time.Minute, cfg.MaxAttestationAge)
	require.Equal(t, time.Minute, cfg.MaxClockSkew)
	require.Equal(t, uint16(42), cfg.SS58Prefix)
}

func TestLoadRejectsIncomplete(t *testing.T) {
	t.Setenv("OWNER_ADDRESS", "nobody")
	_, err := Load(New())
	require.Error(t, err)
	require.Contains(t, err.Error(), "OWNER_ADDRESS")
	require.Contains(t, err.Error(), "ORACLE_ADDRESS")
	require.Contains(t, err.Error(), "SIGNER_KEY")
}

func TestSettingsAndFlagsOverride(t *testing.T) {
	t.Setenv("OWNER_ADDRESS", "0x00000000000000000000000000000000000000aa")
	t.Setenv("ORACLE_ADDRESS", "0x00000000000000000000000000000000000000bb")
	t.Setenv("SIGNER_KEY", "aa")
	t.Setenv("PORT", "9000")

	v := New()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("log-level", "info", "")
	require.NoError(t, BindFlags(v, flags))
	require.NoError(t, flags.Parse([]string{"--log-level=debug"}))
	ApplySettings(v, map[string]string{"discord_channel": "123", "unknown": "x"})

	cfg, err := Load(v)
	require.NoError(t, err)
	require.Equal(t, "9000", cfg.Port)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, "123", cfg.DiscordChannel)
}
