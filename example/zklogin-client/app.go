package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/mnehpets/zkauth/auth"
	"github.com/mnehpets/zkauth/bridge"
	"github.com/mnehpets/zkauth/config"
	"github.com/mnehpets/zkauth/epoch"
	"github.com/mnehpets/zkauth/session"
	"github.com/mnehpets/zkauth/store"
	"github.com/mnehpets/zkauth/zklogin"
)

// app is the wired client. It is built once per command.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	epochs  epoch.Source
	manager *session.Manager
	closers []io.Closer
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	durable, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	layout := store.DefaultLayout()
	kv := store.NewRouter(layout, durable, store.NewMemory())

	httpClient := &http.Client{Timeout: cfg.Client.RequestTimeout}
	a.epochs = epoch.NewRPC(cfg.Client.RPCURL, httpClient)

	provisioner := zklogin.NewProvisioner(cfg.Client.BackendURL,
		zklogin.WithHTTPClient(httpClient),
		zklogin.WithRetry(cfg.Client.MaxRetries, cfg.Client.BaseDelay),
		zklogin.WithProvisionerLogger(logger),
	)
	checker := zklogin.NewChecker(a.epochs, provisioner, kv, zklogin.WithCheckerLogger(logger))

	requests := auth.NewRegistry()
	for _, p := range auth.Providers {
		requests.Register(auth.NewRequest(p,
			auth.DefaultConfig(p, cfg.Client.RedirectURI),
			auth.BackendEndpoint(cfg.Client.BackendURL)))
	}

	exOpts := []auth.ExchangerOption{
		auth.WithExchangeClient(httpClient),
		auth.WithExchangerLogger(logger),
	}
	if cfg.Client.VerifyIDTokens {
		vs, err := verifiers(ctx, cfg.Client)
		if err != nil {
			return nil, err
		}
		exOpts = append(exOpts, vs...)
	}
	exchanger := auth.NewExchanger(cfg.Client.BackendURL, exOpts...)

	a.manager = session.New(session.Options{
		Store:    kv,
		Layout:   layout,
		Checker:  checker,
		Requests: requests,
		Prompter: auth.NewLoopbackPrompter(auth.WithPrompterLogger(logger)),
		Handler:  session.NewResponseHandler(exchanger, kv, session.WithHandlerLogger(logger)),
		Platform: auth.Platform(cfg.Client.Platform),
		Logger:   logger,
	})
	return a, nil
}

func (a *app) openStore(ctx context.Context) (store.KeyValueStore, error) {
	c := a.cfg.Client
	switch c.Store {
	case config.StoreMemory:
		return store.NewMemory(), nil
	case config.StoreSQLite:
		db, err := sql.Open("sqlite", c.StorePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		a.closers = append(a.closers, db)
		db.SetMaxOpenConns(1)
		s := store.NewSQL(db)
		if err := s.Init(ctx); err != nil {
			return nil, fmt.Errorf("init sqlite store: %w", err)
		}
		return s, nil
	default:
		key, err := c.StoreKeyBytes()
		if err != nil {
			return nil, fmt.Errorf("decode store key: %w", err)
		}
		sealer, err := store.NewSealer(c.StoreKeyID, map[string][]byte{c.StoreKeyID: key})
		if err != nil {
			return nil, err
		}
		return store.NewFile(c.StorePath, sealer), nil
	}
}

// verifiers discovers the signing keys of every provider with a configured
// audience.
func verifiers(ctx context.Context, c config.ClientConfig) ([]auth.ExchangerOption, error) {
	audiences := map[auth.Provider]string{
		auth.Google:    c.GoogleClientID,
		auth.Microsoft: c.MicrosoftClientID,
	}
	var opts []auth.ExchangerOption
	for _, p := range auth.Providers {
		aud := audiences[p]
		if aud == "" {
			continue
		}
		dctx := ctx
		if p == auth.Microsoft {
			dctx = oidc.InsecureIssuerURLContext(ctx, bridge.Issuer(p))
		}
		provider, err := oidc.NewProvider(dctx, bridge.Issuer(p))
		if err != nil {
			return nil, fmt.Errorf("discover %s: %w", p, err)
		}
		cfg := &oidc.Config{ClientID: aud}
		if p == auth.Microsoft {
			cfg.SkipIssuerCheck = true
		}
		opts = append(opts, auth.WithVerifier(p, provider.Verifier(cfg)))
	}
	return opts, nil
}

func (a *app) Close() {
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("close")
		}
	}
}
