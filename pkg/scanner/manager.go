package scanner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vyvo/buildfarm/pkg/dispatch"
	"github.com/vyvo/buildfarm/pkg/store"
)

// Manager runs a Scanner per known worker and periodically picks up workers
// registered after startup.
type Manager struct {
	store        store.Store
	interactor   *dispatch.Interactor
	newClient    ClientFactory
	scanInterval time.Duration
	pollInterval time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	running map[string]struct{}
	wg      sync.WaitGroup
}

func NewManager(st store.Store, in *dispatch.Interactor, newClient ClientFactory, scanInterval, pollInterval time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		store:        st,
		interactor:   in,
		newClient:    newClient,
		scanInterval: scanInterval,
		pollInterval: pollInterval,
		logger:       logger,
		running:      make(map[string]struct{}),
	}
}

// Run starts scanners for all known workers and watches for new ones until
// ctx is cancelled, then waits for every scanner to stop.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.startNewScanners(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.wg.Wait()
			return nil
		case <-ticker.C:
			if err := m.startNewScanners(ctx); err != nil {
				m.logger.Error("checking for new workers", "error", err)
			}
		}
	}
}

func (m *Manager) startNewScanners(ctx context.Context) error {
	workers, err := m.store.ListWorkers(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range workers {
		if _, ok := m.running[w.Name]; ok {
			continue
		}
		m.running[w.Name] = struct{}{}
		s := New(w.Name, m.store, m.interactor, m.newClient, m.scanInterval, m.logger)
		m.logger.Info("starting scanner", "worker", w.Name)
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			s.Run(ctx)
		}()
	}
	return nil
}
