package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/stake-plus/murmur-protocol/src/api/webserver"
	"github.com/stake-plus/murmur-protocol/src/types"
)

func serveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the protocol node and HTTP API",
		RunE:  runServe,
	}
	addNodeFlags(cmd)
	cmd.Flags().Duration("settle-interval", 0, "how often pending VP is settled, 0 keeps the configured value")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n, err := openNode(ctx, cmd)
	if err != nil {
		return err
	}
	defer func() {
		if err := n.Close(); err != nil {
			n.log.Error().Err(err).Msg("shutdown")
		}
	}()

	if n.cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := webserver.New(webserver.Options{
		JWTSecret:      n.jwtSecret(),
		AllowedOrigins: n.cfg.AllowedOrigins,
		RateLimit:      n.cfg.RateLimit,
		RateBurst:      n.cfg.RateBurst,
	}, webserver.Deps{
		Protocol: n.proto,
		Nonces:   webserver.NewRedisNonces(n.rdb),
		Content:  n.content,
		Metrics:  n.metrics,
		Gatherer: n.registry,
		Log:      n.log,
	})

	srv := &http.Server{
		Addr:              ":" + n.cfg.Port,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if n.cfg.TLSCert != "" {
		reloader, err := webserver.NewTLSReloader(n.cfg.TLSCert, n.cfg.TLSKey, n.log)
		if err != nil {
			return err
		}
		srv.TLSConfig = reloader.Config()
		go reloader.Watch(ctx)
	}

	go settleLoop(ctx, n)

	errs := make(chan error, 1)
	go func() {
		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()
	n.log.Info().Str("port", n.cfg.Port).Bool("tls", srv.TLSConfig != nil).Msg("murmurd listening")

	select {
	case <-ctx.Done():
	case err := <-errs:
		return err
	}
	n.log.Info().Msg("shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// settleLoop periodically signs and applies pending VP consumption so
// balances converge without an external relayer.
func settleLoop(ctx context.Context, n *node) {
	interval := n.cfg.SettleInterval
	if interval <= 0 {
		n.log.Info().Msg("periodic settlement disabled")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		settled, err := n.proto.SettleAll(ctx)
		switch {
		case err != nil && types.Code(err) != "internal":
			n.log.Warn().Err(err).Int("settled", settled).Msg("settlement round stopped early")
		case err != nil:
			n.log.Error().Err(err).Int("settled", settled).Msg("settlement round failed")
		case settled > 0:
			n.log.Info().Int("settled", settled).Msg("settled pending VP")
		}
	}
}
