// Command oauthextd serves pushed authorization requests, backchannel
// authentication and token exchange with DPoP and mTLS bound tokens.
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-jose/go-jose/v4"

	oauthext "github.com/giantswarm/oauth-ext"
	"github.com/giantswarm/oauth-ext/ciba"
	"github.com/giantswarm/oauth-ext/instrumentation"
	"github.com/giantswarm/oauth-ext/scopepolicy"
	"github.com/giantswarm/oauth-ext/security"
	"github.com/giantswarm/oauth-ext/server"
	"github.com/giantswarm/oauth-ext/storage/memory"
	"github.com/giantswarm/oauth-ext/storage/valkey"
)

const shutdownTimeout = 15 * time.Second

// backend is a storage backend the registry can write to
type backend interface {
	server.Backend
	registrar
}

func main() {
	opts, err := LoadOptions(os.Args[1:])
	if err != nil {
		slog.Error("Failed to load options", "error", err)
		os.Exit(1)
	}

	logger := newLogger(opts)
	slog.SetDefault(logger)

	if err := run(opts, logger); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(opts *Options) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(opts.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if opts.LogJSON {
		return slog.New(slog.NewJSONHandler(os.Stdout, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, handlerOpts))
}

func run(opts *Options, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, release, err := openStore(opts, logger)
	if err != nil {
		return err
	}
	defer release()

	if opts.RegistryFile != "" {
		reg, err := LoadRegistry(opts.RegistryFile)
		if err != nil {
			return err
		}
		if err := reg.Apply(ctx, store); err != nil {
			return err
		}
		logger.Info("Registry applied",
			"scopes", len(reg.Scopes),
			"users", len(reg.Users),
			"clients", len(reg.Clients))
	}

	config, err := buildConfig(opts, logger)
	if err != nil {
		return err
	}

	srv, err := oauthext.NewServer(oauthext.NewStores(store), config)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	mux := http.NewServeMux()
	oauthext.NewHandler(srv, logger).RegisterRoutes(mux)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	httpServer := &http.Server{
		Addr:              opts.Listen,
		Handler:           security.RequestIDMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if opts.TLSCert != "" {
		// Certificates are requested but verified by the client authenticator,
		// which also accepts registered self-signed certificates.
		httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			ClientAuth: tls.RequestClientCert,
		}
	}

	servers := []*http.Server{httpServer}
	errCh := make(chan error, 2)

	go func() {
		logger.Info("Listening", "addr", opts.Listen, "issuer", opts.Issuer, "tls", opts.TLSCert != "")
		var err error
		if opts.TLSCert != "" {
			err = httpServer.ListenAndServeTLS(opts.TLSCert, opts.TLSKey)
		} else {
			err = httpServer.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if opts.AdminListen != "" {
		adminMux := http.NewServeMux()
		(&approvals{server: srv, logger: logger}).register(adminMux)
		adminServer := &http.Server{
			Addr:              opts.AdminListen,
			Handler:           adminMux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		servers = append(servers, adminServer)

		go func() {
			logger.Info("Approval endpoint listening", "addr", opts.AdminListen)
			if err := adminServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for _, s := range servers {
		if err := s.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP shutdown incomplete", "addr", s.Addr, "error", err)
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server shutdown incomplete", "error", err)
	}
	return serveErr
}

func openStore(opts *Options, logger *slog.Logger) (backend, func(), error) {
	switch opts.Storage {
	case "valkey":
		store, err := valkey.New(valkey.Config{
			Address:   opts.Valkey.Address,
			Password:  opts.Valkey.Password,
			DB:        opts.Valkey.DB,
			KeyPrefix: opts.Valkey.KeyPrefix,
			Logger:    logger,

			BackchannelRetention: opts.CIBARetention,
		})
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Using Valkey storage", "addr", opts.Valkey.Address)
		return store, store.Close, nil
	default:
		store := memory.New()
		store.SetBackchannelRetention(opts.CIBARetention)
		logger.Warn("Using in-memory storage (not persistent, single instance only)")
		return store, store.Stop, nil
	}
}

func buildConfig(opts *Options, logger *slog.Logger) (*oauthext.Config, error) {
	config := &oauthext.Config{
		Issuer:            opts.Issuer,
		AllowInsecureHTTP: opts.AllowInsecure,
		DPoP: oauthext.DPoPConfig{
			RequireNonce: opts.Security.RequireNonce,
		},
		MTLS: oauthext.MTLSConfig{
			TrustCertificateHeaders: opts.Security.TrustProxy,
			EndpointAliases:         opts.MTLSAliases,
		},
		CIBA: oauthext.CIBAConfig{
			UserCodeSupported:   opts.CIBAUserCode,
			NotificationTimeout: opts.NotificationTimeout,
			Notifier:            ciba.NewHTTPNotifier(&http.Client{Timeout: opts.NotificationTimeout}, logger),
		},
		TokenExchange: oauthext.TokenExchangeConfig{Disabled: opts.DisableExchange},
		Token:         oauthext.TokenConfig{AccessTokenTTL: opts.AccessTokenTTL},
		RateLimit: oauthext.RateLimitConfig{
			Rate:              opts.Security.RateLimit,
			ClientRate:        opts.Security.ClientLimit,
			TrustProxy:        opts.Security.TrustProxy,
			TrustedProxyCount: opts.Security.ProxyCount,
		},
		Security: oauthext.SecurityConfig{
			EnableAuditLogging: opts.Security.Audit,
		},
		Instrumentation: instrumentation.Config{
			Enabled:     opts.Telemetry,
			ServiceName: "oauthextd",
		},
		Logger: logger,
	}

	if opts.PolicyFile != "" {
		policy, err := scopepolicy.LoadFile(opts.PolicyFile)
		if err != nil {
			return nil, err
		}
		config.Policy = policy
		logger.Info("Scope policy loaded", "name", policy.Name)
	}

	if opts.SigningKeys != "" {
		keys, err := loadJWKS(opts.SigningKeys)
		if err != nil {
			return nil, err
		}
		config.SigningKeys = keys
	}

	if opts.Security.EncryptionKey != "" {
		key, err := security.KeyFromBase64(opts.Security.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("invalid encryption key: %w", err)
		}
		config.Security.EncryptionKey = key
	}

	return config, nil
}

func loadJWKS(path string) (jose.JSONWebKeySet, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator supplied path
	if err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("failed to read signing keys: %w", err)
	}
	var keys jose.JSONWebKeySet
	if err := json.Unmarshal(data, &keys); err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("failed to parse signing keys: %w", err)
	}
	return keys, nil
}
