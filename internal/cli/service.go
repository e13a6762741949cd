package cli

import (
	"context"
	"fmt"

	"github.com/resetprep/resetprep/internal/agent"
	"github.com/resetprep/resetprep/internal/config"
	"github.com/resetprep/resetprep/internal/core"
	"github.com/resetprep/resetprep/internal/logging"
	"github.com/resetprep/resetprep/internal/sensors"
	"github.com/resetprep/resetprep/internal/store"
)

// service bundles the wired orchestration stack for one process.
type service struct {
	cfg        config.Config
	log        *logging.Logger
	store      *store.MemoryStore
	sensors    *sensors.FakeSensors
	prober     *sensors.MarkerProber
	cache      *core.StatusCache
	detector   *core.SyncDetector
	machine    *core.StateMachine
	calculator *core.QuotaCalculator
	evaluator  *core.QuotaEvaluator
	warnings   *core.WarningManager
	resolver   *core.ErrorResolver
	orch       *core.Orchestrator
	dispatcher *agent.Dispatcher
}

// buildService loads the configuration and wires every component. The
// returned service owns the log file; callers must Close it.
func buildService() (*service, error) {
	base := getBaseDir()
	cfg, err := config.Load(base)
	if err != nil {
		return nil, err
	}

	log, err := logging.New(base)
	if err != nil {
		// Logging is best effort; a nil logger drops output.
		fmt.Printf("Warning: log file unavailable: %v\n", err)
	}

	st := store.NewMemoryStore()
	sen := sensors.NewFakeSensors()
	prober := sensors.NewMarkerProber()
	cache := core.NewStatusCache(cfg.Cache.StatusTTL, cfg.Cache.SweepInterval)
	detector := core.NewSyncDetector(sen, prober, cache, log)
	calculator := core.NewQuotaCalculator(prober, cfg.Quota, log)
	evaluator := core.NewQuotaEvaluator(cfg.Quota)
	warnings := core.NewWarningManager(st, cfg.Warnings, cfg.Quota, log)

	quota := func(ctx context.Context, userID string) int64 {
		q, err := st.GetQuotaStatus(ctx, userID)
		if err != nil {
			return -1
		}
		return q.AvailableSpaceMB
	}

	machine := core.NewStateMachine()
	// The resolver's controller only force-syncs; it never waits on a scope.
	noScope := func() ([]string, error) { return nil, nil }
	resolver := core.NewErrorResolver(st, core.NewSyncController(detector, prober, noScope, cfg.Sync, log), quota, log)
	orch := core.NewOrchestrator(st, machine, detector, warnings, resolver, quota, cfg.Orchestrator, log)
	dispatcher := agent.NewDispatcher(orch, st, log)

	return &service{
		cfg:        cfg,
		log:        log,
		store:      st,
		sensors:    sen,
		prober:     prober,
		cache:      cache,
		detector:   detector,
		machine:    machine,
		calculator: calculator,
		evaluator:  evaluator,
		warnings:   warnings,
		resolver:   resolver,
		orch:       orch,
		dispatcher: dispatcher,
	}, nil
}

// controllerFor builds a sync controller scoped to one user's synced folders.
func (s *service) controllerFor(userID string) *core.SyncController {
	scope := func() ([]string, error) {
		return s.sensors.GetSyncedFolders(userID)
	}
	return core.NewSyncController(s.detector, s.prober, scope, s.cfg.Sync, s.log)
}

func (s *service) Close() {
	if s.log != nil {
		s.log.Close()
	}
}
