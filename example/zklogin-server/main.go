// Command zklogin-server runs the sign-in bridge: it forwards authorization
// requests to Google and Microsoft, routes callbacks back to web or mobile
// clients, and provisions zkLogin material.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/mnehpets/zkauth/auth"
	"github.com/mnehpets/zkauth/bridge"
	"github.com/mnehpets/zkauth/config"
	"github.com/mnehpets/zkauth/epoch"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:           "zklogin-server",
	Short:         "Run the zkLogin sign-in bridge",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func init() {
	rootCmd.Flags().StringVar(&configFile, "config", "", "config file (default ./zkauth.yaml)")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		bootLog := zerolog.New(os.Stderr).With().Timestamp().Logger()
		bootLog.Error().Err(err).Msg("zklogin-server")
		stop()
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if err := cfg.ValidateServer(); err != nil {
		return err
	}
	logger := cfg.Log.Logger(cmd.ErrOrStderr())
	ctx := cmd.Context()

	opts := bridge.Options{
		PublicURL:   cfg.Server.PublicURL,
		WebRedirect: cfg.Server.WebRedirect,
		AppScheme:   cfg.Server.AppScheme,
		CORSOrigins: cfg.Server.CORSOrigins,
		DisableHSTS: cfg.Server.DisableHSTS,
		Logger:      logger,
	}
	if cfg.Server.DevEpoch != 0 {
		opts.EpochSource = epoch.Static(cfg.Server.DevEpoch)
		logger.Warn().Uint64("epoch", cfg.Server.DevEpoch).Msg("serving a static development epoch")
	}

	registry := bridge.NewRegistry()
	srv := bridge.New(registry, opts)
	callback := srv.CallbackURL()

	clients := map[auth.Provider]string{
		auth.Google:    cfg.Server.Google.ClientID,
		auth.Microsoft: cfg.Server.Microsoft.ClientID,
	}
	scopes := []string{oidc.ScopeOpenID, "profile", "email"}
	for _, p := range auth.Providers {
		clientID := clients[p]
		if clientID == "" {
			continue
		}
		if err := register(ctx, registry, p, clientID, scopes, callback, cfg.Server.Discovery); err != nil {
			return fmt.Errorf("register %s: %w", p, err)
		}
		logger.Info().Str("provider", p.String()).Msg("provider enabled")
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown")
		}
	}()

	logger.Info().Str("addr", cfg.Server.Addr).Str("callback", callback).Msg("bridge listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func register(ctx context.Context, reg *bridge.Registry, p auth.Provider, clientID string, scopes []string, callback string, discovery bool) error {
	if discovery {
		var opts []bridge.OIDCProviderOption
		if p == auth.Microsoft {
			// The common endpoint reports a tenant-specific issuer.
			opts = append(opts, bridge.WithSkipIssuerCheck())
		}
		return reg.RegisterOIDCProvider(ctx, p, bridge.Issuer(p), clientID, scopes, callback, opts...)
	}
	ep, ok := bridge.StaticEndpoint(p)
	if !ok {
		return auth.ErrUnknownProvider
	}
	reg.RegisterOAuth2Provider(p, &oauth2.Config{
		ClientID:    clientID,
		Endpoint:    ep,
		RedirectURL: callback,
		Scopes:      scopes,
	})
	return nil
}
