package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/aparcar/asu/buildfix/internal/artifact"
	"github.com/aparcar/asu/buildfix/internal/broadcast"
	"github.com/aparcar/asu/buildfix/internal/builder"
	"github.com/aparcar/asu/buildfix/internal/config"
	"github.com/aparcar/asu/buildfix/internal/db"
	"github.com/aparcar/asu/buildfix/internal/events"
	"github.com/aparcar/asu/buildfix/internal/fixer"
	"github.com/aparcar/asu/buildfix/internal/logfields"
	"github.com/aparcar/asu/buildfix/internal/metrics"
	"github.com/aparcar/asu/buildfix/internal/models"
	"github.com/aparcar/asu/buildfix/internal/orchestrator"
	"github.com/aparcar/asu/buildfix/internal/redisstore"
	prom "github.com/prometheus/client_golang/prometheus"
)

// service holds the wired components shared by all commands
type service struct {
	db             *db.DB
	status         models.StatusStore
	broadcaster    *broadcast.Broadcaster
	controller     *orchestrator.Controller
	metricsHandler http.Handler
	closers        []func() error
}

// newService wires every component from cfg. When echo is set, build output
// is also written there line by line.
func newService(ctx context.Context, cfg *config.Config, echo io.Writer) (*service, error) {
	svc := &service{}

	// Initialize database
	database, err := db.NewDB(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	svc.db = database
	svc.closers = append(svc.closers, database.Close)
	slog.Debug("Database initialized", logfields.Path(cfg.DatabasePath))

	var logStore models.LogStore
	switch cfg.StatusBackend {
	case "redis":
		store, err := redisstore.Connect(ctx, cfg)
		if err != nil {
			svc.Close()
			return nil, err
		}
		svc.closers = append(svc.closers, store.Close)
		svc.status = store
		logStore = store
	default:
		svc.status = database
		logStore = database
	}

	var recorder metrics.Recorder = metrics.NoopRecorder{}
	if cfg.MetricsEnabled {
		reg := prom.NewRegistry()
		recorder = metrics.NewPrometheusRecorder(reg)
		svc.metricsHandler = metrics.HTTPHandler(reg)
	}

	var publisher events.Publisher = events.NoopPublisher{}
	if cfg.NATSURL != "" {
		nats, err := events.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix)
		if err != nil {
			svc.Close()
			return nil, err
		}
		svc.closers = append(svc.closers, nats.Close)
		publisher = nats
	}

	// Initialize builder
	runner, err := builder.New(cfg)
	if err != nil {
		svc.Close()
		return nil, fmt.Errorf("failed to initialize builder: %w", err)
	}

	svc.broadcaster = broadcast.New(logStore, broadcast.Options{
		Buffer:   cfg.SubscriberBuffer,
		Recorder: recorder,
	})

	var logs orchestrator.LogPublisher = svc.broadcaster
	if echo != nil {
		logs = echoPublisher{LogPublisher: svc.broadcaster, w: echo}
	}

	dispatcher := fixer.NewDispatcher(
		fixer.NewHTTPClient(cfg.FixerURL, cfg.FixTimeout()),
		fixer.Options{Descriptor: cfg.BuildDescriptor, SkipDirs: []string{cfg.ArtifactDir}},
	)

	svc.controller = orchestrator.New(orchestrator.Deps{
		Runner:   runner,
		Verifier: artifact.FromConfig(cfg),
		Fixer:    dispatcher,
		Logs:     logs,
		Status:   svc.status,
		Recorder: recorder,
		Events:   publisher,
	}, orchestrator.OptionsFromConfig(cfg))

	return svc, nil
}

// Close releases connections in reverse order of creation
func (s *service) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			slog.Warn("Failed to close component", logfields.Error(err))
		}
	}
	s.closers = nil
}

// echoPublisher copies every published line to w
type echoPublisher struct {
	orchestrator.LogPublisher
	w io.Writer
}

func (e echoPublisher) Publish(ctx context.Context, project, line string) (models.LogEvent, error) {
	fmt.Fprintln(e.w, line)
	return e.LogPublisher.Publish(ctx, project, line)
}
