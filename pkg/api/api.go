package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/perflens/perflens/pkg/alert"
	"github.com/perflens/perflens/pkg/annotate"
	"github.com/perflens/perflens/pkg/config"
	"github.com/perflens/perflens/pkg/grafana"
	"github.com/perflens/perflens/pkg/lifecycle"
	"github.com/perflens/perflens/pkg/queue"
	"github.com/perflens/perflens/pkg/snapshot"
	"github.com/perflens/perflens/pkg/store"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.Config
	store      store.Store
	queues     queue.Store
	dispatcher annotate.Dispatcher
	correlator *alert.Correlator
	processor  *lifecycle.Processor
	httpServer *http.Server
	wg         sync.WaitGroup
	done       chan struct{}
}

// NewServer creates a new API server.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.Config,
) Server {
	return &server{
		log:  log.WithField("component", "api"),
		cfg:  cfg,
		done: make(chan struct{}),
	}
}

// Start initializes the store and queues, seeds configuration data, wires
// the processing components, and starts the HTTP server.
func (s *server) Start(ctx context.Context) error {
	// Create and start the database store.
	s.store = store.NewStore(s.log, &s.cfg.Database)
	if err := s.store.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	// Seed correlation rules and dashboards from the seed file.
	if s.cfg.SeedFile != "" {
		seed, err := config.LoadSeed(s.cfg.SeedFile)
		if err != nil {
			return fmt.Errorf("loading seed file: %w", err)
		}

		if err := s.store.Seed(ctx, seed); err != nil {
			return fmt.Errorf("seeding store: %w", err)
		}
	}

	// Durable snapshot job queues.
	visibilityTimeout, err := s.cfg.VisibilityTimeout()
	if err != nil {
		return err
	}

	s.queues = queue.NewStore(s.log, &s.cfg.Database, visibilityTimeout)
	if err := s.queues.Start(ctx); err != nil {
		return fmt.Errorf("starting queue store: %w", err)
	}

	// Annotation dispatcher: the single worker that talks to the dashboard
	// product.
	s.dispatcher = annotate.NewDispatcher(
		s.log, grafana.NewClient(&s.cfg.Grafana), s.store,
	)

	if err := s.dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("starting annotation dispatcher: %w", err)
	}

	s.correlator = alert.NewCorrelator(s.log, s.store, s.dispatcher)

	producer := snapshot.NewProducer(
		s.log, s.store, s.queues, s.cfg.Defaults, s.cfg.Grafana,
	)

	s.processor = lifecycle.NewProcessor(
		s.log,
		s.store,
		s.cfg.Defaults,
		producer,
		lifecycle.NewNoopClassifier(),
		lifecycle.NewAnalysisClient(s.log, s.cfg.Analysis),
	)

	// Build router and HTTP server.
	router := s.buildRouter()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start the background maintenance loops.
	maintenanceInterval, err := s.cfg.MaintenanceInterval()
	if err != nil {
		return err
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.runMaintenance(ctx, maintenanceInterval)
	}()

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

// Stop gracefully shuts down the HTTP server, the dispatcher, and the
// stores.
func (s *server) Stop() error {
	close(s.done)

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

	if s.dispatcher != nil {
		if err := s.dispatcher.Stop(); err != nil {
			s.log.WithError(err).Warn("Annotation dispatcher stop error")
		}
	}

	if s.queues != nil {
		if err := s.queues.Stop(); err != nil {
			s.log.WithError(err).Warn("Queue store stop error")
		}
	}

	if s.store != nil {
		if err := s.store.Stop(); err != nil {
			return fmt.Errorf("stopping store: %w", err)
		}
	}

	s.log.Info("API server stopped")

	return nil
}
