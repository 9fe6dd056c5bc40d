package oauthext

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/giantswarm/oauth-ext/instrumentation"
	"github.com/giantswarm/oauth-ext/security"
	"github.com/giantswarm/oauth-ext/server"
)

// Server is the extension server the Handler serves
type Server = server.Server

// Stores groups the storage backends of a Server
type Stores = server.Stores

// NewStores returns Stores backed entirely by one store
func NewStores(b server.Backend) Stores {
	return server.NewStores(b)
}

// NewServer creates an extension server with its security collaborators:
// instrumentation, the audit logger, rate limiters and at-rest encryption,
// each enabled by the corresponding Config section.
func NewServer(stores Stores, config *Config) (*Server, error) {
	if config == nil {
		config = &Config{}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	srv, err := server.New(stores, config.serverConfig(), logger)
	if err != nil {
		return nil, err
	}

	var inst *instrumentation.Instrumentation
	if config.Instrumentation.Enabled {
		inst, err = instrumentation.New(config.Instrumentation)
		if err != nil {
			_ = srv.Shutdown(context.Background())
			return nil, fmt.Errorf("failed to initialize instrumentation: %w", err)
		}
		srv.SetInstrumentation(inst)
	}

	if config.Security.EnableAuditLogging {
		auditor := security.NewAuditor(logger, true)
		auditor.SetInstrumentation(inst)
		srv.SetAuditor(auditor)
	}

	if len(config.Security.EncryptionKey) > 0 {
		enc, err := security.NewEncryptor(config.Security.EncryptionKey)
		if err != nil {
			_ = srv.Shutdown(context.Background())
			return nil, fmt.Errorf("failed to create encryptor: %w", err)
		}
		srv.SetEncryptor(enc)
		logger.Info("Pushed request encryption at rest enabled")
	}

	if config.RateLimit.Rate > 0 {
		burst := config.RateLimit.Burst
		if burst <= 0 {
			burst = config.RateLimit.Rate * 2
		}
		srv.SetRateLimiter(security.NewRateLimiter(float64(config.RateLimit.Rate), burst, logger))
	}
	if config.RateLimit.ClientRate > 0 {
		burst := config.RateLimit.ClientBurst
		if burst <= 0 {
			burst = config.RateLimit.ClientRate * 2
		}
		srv.SetClientRateLimiter(security.NewRateLimiter(float64(config.RateLimit.ClientRate), burst, logger))
	}

	return srv, nil
}
