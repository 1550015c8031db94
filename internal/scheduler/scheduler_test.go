package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Maneox/List-IQ/internal/domain"
)

type stubSource struct {
	mu    sync.Mutex
	lists []domain.List
}

func (s *stubSource) ListLists(context.Context) ([]domain.List, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.List(nil), s.lists...), nil
}

type stubImporter struct {
	mu    sync.Mutex
	calls []int64
}

func (s *stubImporter) Import(_ context.Context, listID int64, _ bool) domain.ImportResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, listID)
	return domain.Succeeded(0)
}

func automaticList(id int64, schedule string) domain.List {
	return domain.List{
		ID:             id,
		UpdateType:     domain.UpdateAutomatic,
		UpdateSchedule: schedule,
		IsActive:       true,
	}
}

func TestRebuildSchedulesAutomaticListsOnly(t *testing.T) {
	src := &stubSource{lists: []domain.List{
		automaticList(1, "*/5 * * * *"),
		{ID: 2, UpdateType: domain.UpdateManual, IsActive: true},
		{ID: 3, UpdateType: domain.UpdateAutomatic, UpdateSchedule: "0 * * * *", IsActive: false},
	}}
	s, err := New(src, &stubImporter{}, 2, time.Hour)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Rebuild(context.Background()); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if len(s.entries) != 1 {
		t.Fatalf("entries = %d, want only the active automatic list", len(s.entries))
	}
	if _, ok := s.entries[1]; !ok {
		t.Error("list 1 should be scheduled")
	}
}

func TestRebuildRemovesStaleEntries(t *testing.T) {
	src := &stubSource{lists: []domain.List{automaticList(1, "*/5 * * * *")}}
	s, _ := New(src, &stubImporter{}, 2, time.Hour)
	s.Rebuild(context.Background())

	src.mu.Lock()
	src.lists = nil
	src.mu.Unlock()
	s.Rebuild(context.Background())
	if len(s.entries) != 0 {
		t.Errorf("entries = %d after list removal", len(s.entries))
	}
}

func TestInvalidCronFallsBackToDefault(t *testing.T) {
	src := &stubSource{lists: []domain.List{automaticList(1, "not a cron line")}}
	s, _ := New(src, &stubImporter{}, 2, time.Hour)
	if err := s.Rebuild(context.Background()); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if _, ok := s.entries[1]; !ok {
		t.Fatal("invalid expression must still schedule with the default")
	}
}

func TestRescheduleRemovesDeactivated(t *testing.T) {
	src := &stubSource{}
	s, _ := New(src, &stubImporter{}, 2, time.Hour)

	l := automaticList(4, "*/10 * * * *")
	s.Reschedule(&l)
	if _, ok := s.entries[4]; !ok {
		t.Fatal("list should be scheduled")
	}

	l.IsActive = false
	s.Reschedule(&l)
	if _, ok := s.entries[4]; ok {
		t.Error("deactivated list should be unscheduled")
	}
}

func TestDispatchRunsImport(t *testing.T) {
	imp := &stubImporter{}
	s, _ := New(&stubSource{}, imp, 2, time.Hour)

	s.dispatch(9)
	s.wg.Wait()

	imp.mu.Lock()
	defer imp.mu.Unlock()
	if len(imp.calls) != 1 || imp.calls[0] != 9 {
		t.Errorf("calls = %v", imp.calls)
	}
}

func TestDispatchDropsStaleTick(t *testing.T) {
	imp := &stubImporter{}
	s, _ := New(&stubSource{}, imp, 1, time.Millisecond)

	// Fill the only worker slot so the next tick queues past the grace.
	s.sem <- struct{}{}
	s.dispatch(9)
	time.Sleep(20 * time.Millisecond)
	<-s.sem
	s.wg.Wait()

	imp.mu.Lock()
	defer imp.mu.Unlock()
	if len(imp.calls) != 0 {
		t.Errorf("stale tick should be dropped, calls = %v", imp.calls)
	}
}

func TestStartStop(t *testing.T) {
	src := &stubSource{lists: []domain.List{automaticList(1, "0 0 1 1 *")}}
	s, _ := New(src, &stubImporter{}, 2, time.Hour)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("double Start: %v", err)
	}
	s.Stop()
	s.Stop()
}
