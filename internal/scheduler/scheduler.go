// Package scheduler drives automatic list refreshes from cron expressions.
// Schedules are evaluated in the Europe/Paris timezone; a bounded worker
// pool caps concurrent imports and ticks that wait longer than the misfire
// grace are dropped rather than executed late.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Maneox/List-IQ/internal/domain"
	"github.com/Maneox/List-IQ/internal/pkg/logger"
)

const (
	// DefaultSchedule replaces invalid cron expressions.
	DefaultSchedule = "*/5 * * * *"
	// DefaultWorkers bounds concurrent imports.
	DefaultWorkers = 20
	// DefaultMisfireGrace drops ticks that queued for longer than this.
	DefaultMisfireGrace = time.Hour
)

// ListSource provides the lists to schedule.
type ListSource interface {
	ListLists(ctx context.Context) ([]domain.List, error)
}

// Importer runs one refresh.
type Importer interface {
	Import(ctx context.Context, listID int64, force bool) domain.ImportResult
}

// Scheduler owns the cron runner and the entry for every automatic list.
type Scheduler struct {
	store    ListSource
	importer Importer
	cron     *cron.Cron
	sem      chan struct{}
	grace    time.Duration

	mu      sync.Mutex
	entries map[int64]cron.EntryID
	running bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Scheduler. workers <= 0 and grace <= 0 take the defaults.
// The Europe/Paris location is required; construction fails without tzdata.
func New(store ListSource, importer Importer, workers int, grace time.Duration) (*Scheduler, error) {
	loc, err := time.LoadLocation("Europe/Paris")
	if err != nil {
		return nil, err
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if grace <= 0 {
		grace = DefaultMisfireGrace
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:    store,
		importer: importer,
		cron:     cron.New(cron.WithLocation(loc)),
		sem:      make(chan struct{}, workers),
		grace:    grace,
		entries:  make(map[int64]cron.EntryID),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start loads every automatic list and begins ticking. Idempotent.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	if err := s.Rebuild(ctx); err != nil {
		return err
	}
	s.cron.Start()
	logger.Info("scheduler started", "entries", len(s.entries))
	return nil
}

// Stop halts ticking and waits for in-flight imports to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	stopCtx := s.cron.Stop()
	s.cancel()
	<-stopCtx.Done()
	s.wg.Wait()
	logger.Info("scheduler stopped")
}

// Rebuild resynchronizes the cron entries with storage: every active
// automatic list gets exactly one entry, everything else is removed.
func (s *Scheduler) Rebuild(ctx context.Context) error {
	lists, err := s.store.ListLists(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := map[int64]bool{}
	for i := range lists {
		l := lists[i]
		if l.UpdateType != domain.UpdateAutomatic || !l.IsActive {
			continue
		}
		wanted[l.ID] = true
		s.scheduleLocked(&l)
	}
	for id, entry := range s.entries {
		if !wanted[id] {
			s.cron.Remove(entry)
			delete(s.entries, id)
		}
	}
	return nil
}

// Reschedule installs or replaces the entry for one list, removing it when
// the list is no longer automatic or active.
func (s *Scheduler) Reschedule(l *domain.List) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.UpdateType != domain.UpdateAutomatic || !l.IsActive {
		s.unscheduleLocked(l.ID)
		return
	}
	s.scheduleLocked(l)
}

// Unschedule removes a list's entry, e.g. on deletion.
func (s *Scheduler) Unschedule(listID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unscheduleLocked(listID)
}

func (s *Scheduler) scheduleLocked(l *domain.List) {
	s.unscheduleLocked(l.ID)

	spec := l.UpdateSchedule
	if _, err := cron.ParseStandard(spec); err != nil {
		logger.Warn("invalid cron expression, using default",
			"list_id", l.ID, "expression", spec, "default", DefaultSchedule)
		spec = DefaultSchedule
	}

	listID := l.ID
	entry, err := s.cron.AddFunc(spec, func() { s.dispatch(listID) })
	if err != nil {
		logger.Error("schedule failed", "list_id", listID, "error", err.Error())
		return
	}
	s.entries[listID] = entry
}

func (s *Scheduler) unscheduleLocked(listID int64) {
	if entry, ok := s.entries[listID]; ok {
		s.cron.Remove(entry)
		delete(s.entries, listID)
	}
}

// dispatch queues one tick into the worker pool. The importer's own
// in-flight guard keeps per-list imports serialized; the pool only bounds
// total concurrency.
func (s *Scheduler) dispatch(listID int64) {
	tick := time.Now()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case s.sem <- struct{}{}:
			defer func() { <-s.sem }()
		case <-s.ctx.Done():
			return
		}
		if waited := time.Since(tick); waited > s.grace {
			logger.Warn("dropping stale tick", "list_id", listID, "queued_for", waited.String())
			return
		}
		if s.ctx.Err() != nil {
			return
		}
		res := s.importer.Import(s.ctx, listID, false)
		if res.Status == domain.ImportFailed {
			logger.Warn("scheduled import failed", "list_id", listID, "kind", string(res.Kind), "error", res.Message)
		}
	}()
}
