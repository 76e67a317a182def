// Package server is the composition root: it opens the store, loads
// credentials, wires enrollment, registry, jobs, dispatcher, hub and
// the REST API together, and supervises their lifecycles.
package server

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/colony/pkg/api"
	"github.com/cuemby/colony/pkg/config"
	"github.com/cuemby/colony/pkg/dispatcher"
	"github.com/cuemby/colony/pkg/enroll"
	"github.com/cuemby/colony/pkg/events"
	"github.com/cuemby/colony/pkg/hub"
	"github.com/cuemby/colony/pkg/jobs"
	"github.com/cuemby/colony/pkg/log"
	"github.com/cuemby/colony/pkg/metrics"
	"github.com/cuemby/colony/pkg/registry"
	"github.com/cuemby/colony/pkg/security"
	"github.com/cuemby/colony/pkg/storage"
)

const shutdownTimeout = 15 * time.Second

// Server is a fully wired Colony coordinator
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	store     *storage.BoltStore
	broker    *events.Broker
	creds     *security.CredentialStore
	tokens    *security.BootstrapTokens
	enroll    *enroll.Service
	registry  *registry.Registry
	jobs      *jobs.Service
	machine   *dispatcher.Machine
	disp      *dispatcher.Dispatcher
	hub       *hub.Hub
	listener  *hub.Listener
	rest      *api.Server
	collector *metrics.Collector
}

// New builds a server from configuration. Nothing is started yet.
func New(cfg *config.Config) (*Server, error) {
	logger := log.WithComponent("server")

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	serverID := cfg.ServerID
	if serverID == "" {
		serverID, err = loadServerID(cfg.DataDir)
		if err != nil {
			store.Close()
			return nil, err
		}
	}

	keybox, err := newKeybox(serverID)
	if err != nil {
		store.Close()
		return nil, err
	}

	broker := events.NewBroker()
	creds := security.NewCredentialStore(serverID, store, keybox)
	tokens := security.NewBootstrapTokens(store)
	enrollSvc := enroll.NewService(store, creds, tokens, broker)

	reg := registry.NewRegistry(store, broker, cfg.HeartbeatTimeout)
	jobSvc := jobs.NewService(store, broker, jobs.Defaults{
		MaxRetries: cfg.MaxRetryAttempts,
		Timeout:    cfg.DefaultJobTimeout,
	})
	machine := dispatcher.NewMachine(store, store, broker)
	disp := dispatcher.New(dispatcher.Config{
		Tick:           cfg.DispatchTick,
		AckTimeout:     cfg.AckTimeout,
		PerAgentQueue:  cfg.PerAgentQueue,
		RetryBaseDelay: cfg.RetryBaseDelay,
		RetryMaxDelay:  cfg.RetryMaxDelay,
	}, machine, store, reg, jobSvc)
	jobSvc.SetDispatcher(disp)
	reg.OnAgentLost(disp.ReassignAgent)

	h := hub.New(hub.Config{
		ServerID:        serverID,
		RequireCertAuth: cfg.RequireCertificateAuth,
		AllowAnonymous:  cfg.AllowAnonymous,
	}, reg, disp, jobSvc, enrollSvc, tokens, store)
	disp.SetSender(h)

	rest := api.NewServer(cfg.APIAddr, jobSvc, reg, machine, enrollSvc, tokens, creds, h)

	return &Server{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		broker:    broker,
		creds:     creds,
		tokens:    tokens,
		enroll:    enrollSvc,
		registry:  reg,
		jobs:      jobSvc,
		machine:   machine,
		disp:      disp,
		hub:       h,
		listener:  hub.NewListener(h, cfg.HubAddr),
		rest:      rest,
		collector: metrics.NewCollector(reg, store),
	}, nil
}

// Run starts every component and blocks until ctx is cancelled or a
// listener fails. Shutdown is graceful: listeners drain, the
// dispatcher stops, the store closes last.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info().
		Str("hub_addr", s.cfg.HubAddr).
		Str("api_addr", s.cfg.APIAddr).
		Str("data_dir", s.cfg.DataDir).
		Msg("starting colony server")

	if err := s.creds.InitializeServerKeys(ctx); err != nil {
		return fmt.Errorf("initialize credentials: %w", err)
	}
	if err := s.ensureBootstrapToken(ctx); err != nil {
		return err
	}

	s.broker.Start()
	if err := s.registry.Restore(ctx); err != nil {
		return fmt.Errorf("restore registry: %w", err)
	}
	if err := s.jobs.Restore(ctx); err != nil {
		return fmt.Errorf("restore jobs: %w", err)
	}
	if err := s.disp.Start(ctx); err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}
	s.registry.Start(ctx)
	s.collector.Start()

	metrics.RegisterComponent("store", true, "bolt store open")
	metrics.RegisterComponent("hub", true, "listening")
	metrics.RegisterComponent("api", true, "listening")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.listener.ListenAndServe(); err != nil {
			metrics.UpdateComponent("hub", false, err.Error())
			return fmt.Errorf("hub listener: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := s.rest.Start(); err != nil {
			metrics.UpdateComponent("api", false, err.Error())
			return fmt.Errorf("rest listener: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.shutdown()
		return nil
	})

	err := g.Wait()
	if err != nil && ctx.Err() != nil {
		// Cancellation, not failure
		err = nil
	}
	return err
}

func (s *Server) shutdown() {
	s.logger.Info().Msg("shutting down")

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.listener.Shutdown(drainCtx); err != nil {
		s.logger.Warn().Err(err).Msg("hub listener shutdown")
	}
	if err := s.rest.Shutdown(drainCtx); err != nil {
		s.logger.Warn().Err(err).Msg("rest listener shutdown")
	}

	s.collector.Stop()
	s.registry.Stop()
	s.disp.Stop()
	s.broker.Stop()
	if err := s.store.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("store close")
	}
	s.logger.Info().Msg("shutdown complete")
}

// ensureBootstrapToken generates the initial admission token once and
// prints the plaintext, which is never recoverable afterwards.
func (s *Server) ensureBootstrapToken(ctx context.Context) error {
	_, err := s.tokens.Current(ctx)
	if err == nil {
		return nil
	}

	plaintext, _, err := s.tokens.Generate(ctx, s.cfg.BootstrapAutoApprove)
	if err != nil {
		return fmt.Errorf("generate bootstrap token: %w", err)
	}
	s.logger.Info().Msg("bootstrap token generated; shown once below")
	fmt.Printf("Bootstrap token: %s\n", plaintext)
	return nil
}

// loadServerID reads or creates the persistent server identity
func loadServerID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "server-id")
	data, err := os.ReadFile(path)
	if err == nil {
		return strings.TrimSpace(string(data)), nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("read server id: %w", err)
	}

	id := "colony-" + uuid.New().String()[:8]
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist server id: %w", err)
	}
	return id, nil
}

// newKeybox builds the key-at-rest box from COLONY_KEY_PASSPHRASE, or
// derives a machine-local key from the server identity when unset.
func newKeybox(serverID string) (*security.Keybox, error) {
	if pass := os.Getenv("COLONY_KEY_PASSPHRASE"); pass != "" {
		return security.NewKeyboxFromPassphrase(pass)
	}
	return security.NewKeybox(security.DeriveKeyFromServerID(serverID))
}
