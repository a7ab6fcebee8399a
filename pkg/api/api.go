package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethpandaops/gatekeeper/pkg/auth"
	"github.com/ethpandaops/gatekeeper/pkg/cluster"
	"github.com/ethpandaops/gatekeeper/pkg/config"
	"github.com/ethpandaops/gatekeeper/pkg/credstore"
	"github.com/ethpandaops/gatekeeper/pkg/gate"
	"github.com/ethpandaops/gatekeeper/pkg/privilege"
	"github.com/ethpandaops/gatekeeper/pkg/storage"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Deps are the started collaborators the server routes requests to.
type Deps struct {
	Storage  storage.Storage
	Store    credstore.Store
	Cluster  cluster.Registry
	Registry *privilege.Registry
	Hasher   auth.PasswordHasher
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.Config
	storage    storage.Storage
	store      credstore.Store
	cluster    cluster.Registry
	registry   *privilege.Registry
	hasher     auth.PasswordHasher
	authn      auth.Authenticator
	gate       gate.Gate
	httpServer *http.Server
	wg         sync.WaitGroup
}

// NewServer creates a new API server wired to the given collaborators.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.Config,
	deps Deps,
) Server {
	return newServer(log, cfg, deps)
}

func newServer(
	log logrus.FieldLogger,
	cfg *config.Config,
	deps Deps,
) *server {
	log = log.WithField("component", "api")

	hasher := deps.Hasher
	if hasher == nil {
		hasher = auth.NewBcryptHasher()
	}

	resolver := privilege.NewResolver(log, deps.Store, deps.Registry)

	authn := auth.NewAuthenticator(log, deps.Store, resolver, auth.Options{
		SessionTTL: cfg.Auth.SessionTTLDuration(),
		Hasher:     hasher,
	})

	return &server{
		log:      log,
		cfg:      cfg,
		storage:  deps.Storage,
		store:    deps.Store,
		cluster:  deps.Cluster,
		registry: deps.Registry,
		hasher:   hasher,
		authn:    authn,
		gate: gate.NewGate(
			log, authn, deps.Registry, deps.Cluster, headerNames(&cfg.Auth),
		),
	}
}

func headerNames(cfg *config.AuthConfig) auth.HeaderNames {
	return auth.HeaderNames{
		SessionHeader: cfg.SessionHeader,
		SessionCookie: cfg.SessionCookie,
		APIKeyHeader:  cfg.APIKeyHeader,
	}
}

// Start binds the listener and starts serving.
func (s *server) Start(_ context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.Server.Listen).
			Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	s.log.Info("API server stopped")

	return nil
}
