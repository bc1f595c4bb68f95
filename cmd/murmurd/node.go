package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bwmarrin/discordgo"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gorm.io/gorm"

	"github.com/stake-plus/murmur-protocol/src/attest"
	"github.com/stake-plus/murmur-protocol/src/config"
	"github.com/stake-plus/murmur-protocol/src/data"
	"github.com/stake-plus/murmur-protocol/src/events"
	"github.com/stake-plus/murmur-protocol/src/logging"
	"github.com/stake-plus/murmur-protocol/src/metrics"
	"github.com/stake-plus/murmur-protocol/src/notify"
	"github.com/stake-plus/murmur-protocol/src/protocol"
	"github.com/stake-plus/murmur-protocol/src/storage"
	"github.com/stake-plus/murmur-protocol/src/webclient"
)

const contentTTL = 30 * 24 * time.Hour

// node holds everything a running daemon owns.
type node struct {
	cfg      config.Config
	log      zerolog.Logger
	store    *storage.DB
	sql      *gorm.DB
	rdb      *redis.Client
	discord  *discordgo.Session
	registry *prometheus.Registry
	metrics  *metrics.Collector
	proto    *protocol.Protocol
	content  *data.ContentStore
}

func addNodeFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("port", "", "HTTP listen port")
	f.String("data-dir", "", "protocol store directory")
	f.String("log-level", "", "debug, info, warn or error")
	f.String("log-format", "", "json or console")
	f.String("mysql-dsn", "", "MySQL mirror DSN, empty disables the mirror")
	f.String("redis-url", "", "redis URL")
}

// loadConfig reads env and flags, then overlays settings stored in MySQL
// when a mirror is configured.
func loadConfig(cmd *cobra.Command) (*viper.Viper, config.Config, error) {
	v := config.New()
	if err := config.BindFlags(v, cmd.Flags()); err != nil {
		return nil, config.Config{}, err
	}
	cfg, err := config.Load(v)
	return v, cfg, err
}

func openNode(ctx context.Context, cmd *cobra.Command) (*node, error) {
	v, cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	log, err := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	n := &node{cfg: cfg, log: log}

	if cfg.MySQLDSN != "" {
		if n.sql, err = data.ConnectMySQL(cfg.MySQLDSN, log); err != nil {
			return nil, fmt.Errorf("mysql: %w", err)
		}
		if err := data.Migrate(n.sql); err != nil {
			return nil, fmt.Errorf("migrate mirror: %w", err)
		}
		settings, err := data.LoadSettings(n.sql)
		if err != nil {
			return nil, err
		}
		config.ApplySettings(v, settings)
		if n.cfg, err = config.Load(v); err != nil {
			return nil, err
		}
		cfg = n.cfg
	} else {
		log.Warn().Msg("MYSQL_DSN not set, running without the reporting mirror")
	}

	if n.store, err = storage.Open(cfg.DataDir, log); err != nil {
		n.Close()
		return nil, err
	}

	if n.rdb, err = data.NewRedis(ctx, cfg.RedisURL); err != nil {
		n.Close()
		return nil, err
	}
	n.content = data.NewContentStore(n.rdb, contentTTL)

	n.registry = prometheus.NewRegistry()
	n.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	n.metrics = metrics.NewCollector(n.registry)

	bus := events.NewBus(log, n.metrics, data.NewStream(n.rdb, log))
	if n.sql != nil {
		bus.Subscribe(data.NewMirror(n.sql, log))
	}
	if cfg.DiscordToken != "" && cfg.DiscordChannel != "" {
		if n.discord, err = notify.Open(cfg.DiscordToken); err != nil {
			n.Close()
			return nil, err
		}
		bus.Subscribe(notify.NewAnnouncer(n.discord, cfg.DiscordChannel, cfg.PublicURL, log))
	}

	clk := clock.New()
	domain := attest.NewDomain(cfg.ChainID, cfg.VerifyingContract)
	signer, err := openSigner(ctx, cfg, domain, clk, log)
	if err != nil {
		n.Close()
		return nil, err
	}
	log.Info().Str("signer", signer.Address()).Str("oracle", cfg.OracleAddress).Msg("attestation keys")

	n.proto, err = protocol.New(n.store, protocol.Config{
		Owner:             cfg.Owner,
		Domain:            domain,
		Oracle:            cfg.OracleAddress,
		MaxAttestationAge: cfg.MaxAttestationAge,
		MaxClockSkew:      cfg.MaxClockSkew,
	}, signer, bus, n.metrics, clk, log)
	if err != nil {
		n.Close()
		return nil, err
	}
	return n, nil
}

// openSigner picks the settlement signer: a local secp256k1 key, then an
// sr25519 seed, then a remote signing service.
func openSigner(ctx context.Context, cfg config.Config, domain attest.Domain, clk clock.Clock, log zerolog.Logger) (attest.Signer, error) {
	switch {
	case cfg.SignerKey != "":
		return attest.NewLocalSigner(cfg.SignerKey, domain)
	case cfg.SignerSeed != "":
		return attest.NewSr25519SignerFromSeed(cfg.SignerSeed, cfg.SS58Prefix, domain)
	default:
		verifier := attest.NewVerifier(domain, clk, cfg.MaxAttestationAge, cfg.MaxClockSkew)
		return webclient.DialSigner(ctx, cfg.SignerURL, verifier, webclient.SignerOptions{}, log)
	}
}

func (n *node) jwtSecret() []byte {
	if n.cfg.JWTSecret != "" {
		return []byte(n.cfg.JWTSecret)
	}
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	n.log.Warn().Msg("JWT_SECRET not set, using a random secret; tokens will not survive a restart")
	return []byte(hex.EncodeToString(buf))
}

func (n *node) Close() error {
	var result error
	if n.discord != nil {
		if err := n.discord.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if n.rdb != nil {
		if err := n.rdb.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if n.sql != nil {
		if sqlDB, err := n.sql.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	if n.store != nil {
		if err := n.store.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}
