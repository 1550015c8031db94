package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Maneox/List-IQ/internal/domain"
)

const (
	runKeyPrefix = "listiq:run:"
	runTTL       = 24 * time.Hour
)

// RunState is the live progress of an in-flight or recently finished
// import, visible to the API while the pipeline works.
type RunState struct {
	RunID      string              `json:"run_id"`
	ListID     int64               `json:"list_id"`
	Phase      string              `json:"phase"` // fetching, decoding, storing, publishing, done
	Status     domain.ImportStatus `json:"status,omitempty"`
	Rows       int                 `json:"rows"`
	StartedAt  time.Time           `json:"started_at"`
	UpdatedAt  time.Time           `json:"updated_at"`
	FinishedAt *time.Time          `json:"finished_at,omitempty"`
	Message    string              `json:"message,omitempty"`
}

// RunTracker publishes import progress. Redis is preferred so multiple
// replicas share state; without Redis it falls back to process memory.
type RunTracker struct {
	redis *redis.Client // optional

	mu     sync.RWMutex
	states map[int64]*RunState
}

// NewRunTracker creates a tracker. redisClient may be nil.
func NewRunTracker(redisClient *redis.Client) *RunTracker {
	return &RunTracker{
		redis:  redisClient,
		states: make(map[int64]*RunState),
	}
}

// Begin records the start of an import for a list.
func (t *RunTracker) Begin(ctx context.Context, listID int64) {
	now := time.Now()
	t.save(ctx, &RunState{
		RunID:     uuid.New().String(),
		ListID:    listID,
		Phase:     "fetching",
		StartedAt: now,
		UpdatedAt: now,
	})
}

// Progress updates the current phase and row count.
func (t *RunTracker) Progress(ctx context.Context, listID int64, phase string, rows int) {
	state, ok := t.Get(ctx, listID)
	if !ok {
		state = &RunState{ListID: listID, StartedAt: time.Now()}
	}
	state.Phase = phase
	state.Rows = rows
	state.UpdatedAt = time.Now()
	t.save(ctx, state)
}

// Finish records the terminal result of an import.
func (t *RunTracker) Finish(ctx context.Context, listID int64, res domain.ImportResult) {
	state, ok := t.Get(ctx, listID)
	if !ok {
		state = &RunState{ListID: listID, StartedAt: res.StartedAt}
	}
	now := time.Now()
	state.Phase = "done"
	state.Status = res.Status
	state.Rows = res.Rows
	state.UpdatedAt = now
	state.FinishedAt = &now
	switch res.Status {
	case domain.ImportFailed:
		state.Message = res.Message
	case domain.ImportSkipped:
		state.Message = res.SkipReason
	}
	t.save(ctx, state)
}

// Get returns the latest known state for a list.
func (t *RunTracker) Get(ctx context.Context, listID int64) (*RunState, bool) {
	if t.redis != nil {
		blob, err := t.redis.Get(ctx, runKey(listID)).Bytes()
		if err == nil {
			var state RunState
			if json.Unmarshal(blob, &state) == nil {
				return &state, true
			}
		}
		if err != redis.Nil {
			// Redis briefly down: fall through to memory.
			t.mu.RLock()
			defer t.mu.RUnlock()
			if s, ok := t.states[listID]; ok {
				copied := *s
				return &copied, true
			}
		}
		return nil, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.states[listID]
	if !ok {
		return nil, false
	}
	copied := *s
	return &copied, true
}

func (t *RunTracker) save(ctx context.Context, state *RunState) {
	if t.redis != nil {
		if blob, err := json.Marshal(state); err == nil {
			if err := t.redis.Set(ctx, runKey(state.ListID), blob, runTTL).Err(); err == nil {
				return
			}
		}
	}
	t.mu.Lock()
	t.states[state.ListID] = state
	t.mu.Unlock()
}

func runKey(listID int64) string {
	return fmt.Sprintf("%s%d", runKeyPrefix, listID)
}
