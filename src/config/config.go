package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds everything murmurd needs to start.
type Config struct {
	Port      string
	PublicURL string
	TLSCert   string
	TLSKey    string
	LogLevel  string
	LogFormat string
	DataDir   string

	MySQLDSN string
	RedisURL string

	JWTSecret      string
	AllowedOrigins []string
	RateLimit      float64 // requests per second per caller
	RateBurst      int

	ChainID           int64
	VerifyingContract common.Address
	Owner             common.Address
	OracleAddress     string
	SignerKey         string // hex secp256k1 key
	SignerSeed        string // sr25519 mnemonic
	SignerURL         string // remote signer, used when no local key is set
	SS58Prefix        uint16
	MaxAttestationAge time.Duration
	MaxClockSkew      time.Duration
	SettleInterval    time.Duration

	DiscordToken   string
	DiscordChannel string
}

// keys maps viper keys to the environment variables they are read from.
var keys = map[string]string{
	"port":                "PORT",
	"public_url":          "PUBLIC_URL",
	"tls_cert_file":       "TLS_CERT_FILE",
	"tls_key_file":        "TLS_KEY_FILE",
	"log_level":           "LOG_LEVEL",
	"log_format":          "LOG_FORMAT",
	"data_dir":            "DATA_DIR",
	"mysql_dsn":           "MYSQL_DSN",
	"redis_url":           "REDIS_URL",
	"jwt_secret":          "JWT_SECRET",
	"allowed_origins":     "ALLOWED_ORIGINS",
	"rate_limit":          "RATE_LIMIT",
	"rate_burst":          "RATE_BURST",
	"chain_id":            "CHAIN_ID",
	"verifying_contract":  "VERIFYING_CONTRACT",
	"owner_address":       "OWNER_ADDRESS",
	"oracle_address":      "ORACLE_ADDRESS",
	"signer_key":          "SIGNER_KEY",
	"signer_seed":         "SIGNER_SEED",
	"signer_url":          "SIGNER_URL",
	"ss58_prefix":         "SS58_PREFIX",
	"max_attestation_age": "MAX_ATTESTATION_AGE",
	"max_clock_skew":      "MAX_CLOCK_SKEW",
	"settle_interval":     "SETTLE_INTERVAL",
	"discord_token":       "DISCORD_TOKEN",
	"discord_channel":     "DISCORD_CHANNEL",
}

// New returns a viper instance with defaults and environment bindings.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault("port", "8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("data_dir", "data")
	v.SetDefault("redis_url", "redis://localhost:6379/0")
	v.SetDefault("allowed_origins", "http://localhost:3000")
	v.SetDefault("rate_limit", 5.0)
	v.SetDefault("rate_burst", 20)
	v.SetDefault("chain_id", 1)
	v.SetDefault("ss58_prefix", 42)
	v.SetDefault("max_attestation_age", "10m")
	v.SetDefault("max_clock_skew", "1m")
	v.SetDefault("settle_interval", "5m")
	for key, env := range keys {
		_ = v.BindEnv(key, env)
	}
	return v
}

// BindFlags lets command line flags override the environment.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var err error
	flags.VisitAll(func(f *pflag.Flag) {
		key := strings.ReplaceAll(f.Name, "-", "_")
		if _, ok := keys[key]; ok && err == nil {
			err = v.BindPFlag(key, f)
		}
	})
	return err
}

// ApplySettings overlays settings stored in the database. Stored settings win
// over the environment, as they can be changed without a restart.
func ApplySettings(v *viper.Viper, settings map[string]string) {
	for name, value := range settings {
		if _, ok := keys[name]; ok && value != "" {
			v.Set(name, value)
		}
	}
}

// Load reads and validates the configuration.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		Port:              v.GetString("port"),
		PublicURL:         v.GetString("public_url"),
		TLSCert:           v.GetString("tls_cert_file"),
		TLSKey:            v.GetString("tls_key_file"),
		LogLevel:          v.GetString("log_level"),
		LogFormat:         v.GetString("log_format"),
		DataDir:           v.GetString("data_dir"),
		MySQLDSN:          v.GetString("mysql_dsn"),
		RedisURL:          v.GetString("redis_url"),
		JWTSecret:         v.GetString("jwt_secret"),
		AllowedOrigins:    parseCSV(v.GetString("allowed_origins")),
		RateLimit:         v.GetFloat64("rate_limit"),
		RateBurst:         v.GetInt("rate_burst"),
		ChainID:           v.GetInt64("chain_id"),
		OracleAddress:     strings.TrimSpace(v.GetString("oracle_address")),
		SignerKey:         v.GetString("signer_key"),
		SignerSeed:        v.GetString("signer_seed"),
		SignerURL:         v.GetString("signer_url"),
		SS58Prefix:        uint16(v.GetUint("ss58_prefix")),
		MaxAttestationAge: v.GetDuration("max_attestation_age"),
		MaxClockSkew:      v.GetDuration("max_clock_skew"),
		SettleInterval:    v.GetDuration("settle_interval"),
		DiscordToken:      v.GetString("discord_token"),
		DiscordChannel:    v.GetString("discord_channel"),
	}

	var problems []string
	if cfg.ChainID <= 0 {
		problems = append(problems, "CHAIN_ID must be positive")
	}
	if raw := v.GetString("verifying_contract"); raw != "" {
		if !common.IsHexAddress(raw) {
			problems = append(problems, "VERIFYING_CONTRACT is not an address")
		}
		cfg.VerifyingContract = common.HexToAddress(raw)
	}
	raw := v.GetString("owner_address")
	if !common.IsHexAddress(raw) {
		problems = append(problems, "OWNER_ADDRESS is not set to an address")
	}
	cfg.Owner = common.HexToAddress(raw)
	if cfg.OracleAddress == "" {
		problems = append(problems, "ORACLE_ADDRESS is not set")
	}
	if cfg.SignerKey == "" && cfg.SignerSeed == "" && cfg.SignerURL == "" {
		problems = append(problems, "one of SIGNER_KEY, SIGNER_SEED or SIGNER_URL is required")
	}
	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		problems = append(problems, "TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}
	if cfg.RateLimit <= 0 || cfg.RateBurst <= 0 {
		problems = append(problems, "RATE_LIMIT and RATE_BURST must be positive")
	}
	if len(problems) > 0 {
		return cfg, fmt.Errorf("invalid configuration: %w", errors.New(strings.Join(problems, "; ")))
	}
	return cfg, nil
}

func parseCSV(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';' || r == ' '
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if trimmed := strings.TrimSpace(f); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
