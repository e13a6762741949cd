package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/resetprep/resetprep/internal/model"
)

// MemoryStore is an in-process Store used by tests and demo runs.
// Each method is atomic under the store mutex, mirroring the per-operation
// transactional contract of the real backend.
type MemoryStore struct {
	mu          sync.RWMutex
	migrations  map[string]*model.MigrationState
	transitions []model.StateTransition
	backups     map[string]*model.BackupOperation
	syncErrors  map[string]*model.SyncFileError
	cloudStatus map[string]*model.OneDriveStatus
	quota       map[string]*model.QuotaStatus
	warnings    map[string]*model.QuotaWarning
	escalations map[string]*model.ITEscalation
	delays      map[string]*model.DelayRequest
	events      []model.SystemEvent
	clock       func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		migrations:  make(map[string]*model.MigrationState),
		backups:     make(map[string]*model.BackupOperation),
		syncErrors:  make(map[string]*model.SyncFileError),
		cloudStatus: make(map[string]*model.OneDriveStatus),
		quota:       make(map[string]*model.QuotaStatus),
		warnings:    make(map[string]*model.QuotaWarning),
		escalations: make(map[string]*model.ITEscalation),
		delays:      make(map[string]*model.DelayRequest),
		clock:       time.Now,
	}
}

// SetClock injects a deterministic clock for tests.
func (s *MemoryStore) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if clock != nil {
		s.clock = clock
	}
}

func userKey(userID string) string {
	return strings.ToLower(strings.TrimSpace(userID))
}

func (s *MemoryStore) GetMigrationState(ctx context.Context, userID string) (*model.MigrationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.migrations[userKey(userID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (s *MemoryStore) PutMigrationState(ctx context.Context, state *model.MigrationState) error {
	if state == nil || state.UserID == "" {
		return fmt.Errorf("store: migration state requires a user id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *state
	s.migrations[userKey(state.UserID)] = &cp
	return nil
}

// UpdateMigrationState applies mutate to the current row and commits the
// result atomically. The mutation sees a private copy; returning an error
// leaves the stored row untouched.
func (s *MemoryStore) UpdateMigrationState(ctx context.Context, userID string, mutate func(*model.MigrationState) error) (*model.MigrationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.migrations[userKey(userID)]
	if !ok {
		return nil, ErrNotFound
	}
	working := *st
	if err := mutate(&working); err != nil {
		return nil, err
	}
	s.migrations[userKey(userID)] = &working
	cp := working
	return &cp, nil
}

// ListActiveMigrations returns every migration not yet in a terminal state.
func (s *MemoryStore) ListActiveMigrations(ctx context.Context) ([]*model.MigrationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.MigrationState
	for _, st := range s.migrations {
		if st.State.IsTerminal() {
			continue
		}
		cp := *st
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *MemoryStore) AppendTransition(ctx context.Context, tr model.StateTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tr.Timestamp.IsZero() {
		tr.Timestamp = s.clock()
	}
	s.transitions = append(s.transitions, tr)
	return nil
}

func (s *MemoryStore) TransitionHistory(ctx context.Context, userID string) ([]model.StateTransition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.StateTransition
	for _, tr := range s.transitions {
		if userKey(tr.UserID) == userKey(userID) {
			out = append(out, tr)
		}
	}
	return out, nil
}

func (s *MemoryStore) PutBackupOperation(ctx context.Context, op *model.BackupOperation) error {
	if op == nil {
		return fmt.Errorf("store: nil backup operation")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	cp := *op
	s.backups[op.ID] = &cp
	return nil
}

func (s *MemoryStore) GetBackupOperation(ctx context.Context, opID string) (*model.BackupOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	op, ok := s.backups[opID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *op
	return &cp, nil
}

func (s *MemoryStore) ListBackupOperations(ctx context.Context, userID string) ([]*model.BackupOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.BackupOperation
	for _, op := range s.backups {
		if userKey(op.UserID) == userKey(userID) {
			cp := *op
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *MemoryStore) CountFailedBackups(ctx context.Context, userID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, op := range s.backups {
		if userKey(op.UserID) != userKey(userID) || op.Status != model.BackupFailed {
			continue
		}
		when := op.StartedAt
		if op.CompletedAt != nil {
			when = *op.CompletedAt
		}
		if !when.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) PutSyncError(ctx context.Context, e *model.SyncFileError) error {
	if e == nil {
		return fmt.Errorf("store: nil sync error")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock()
	}
	cp := *e
	s.syncErrors[e.ID] = &cp
	return nil
}

func (s *MemoryStore) ListUnresolvedSyncErrors(ctx context.Context, userID string) ([]*model.SyncFileError, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.SyncFileError
	for _, e := range s.syncErrors {
		if userKey(e.UserID) == userKey(userID) && !e.Resolved {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CountSyncErrors(ctx context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, e := range s.syncErrors {
		if userKey(e.UserID) == userKey(userID) && !e.Resolved {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) PutOneDriveStatus(ctx context.Context, userID string, status *model.OneDriveStatus) error {
	if status == nil {
		return fmt.Errorf("store: nil status snapshot")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *status
	s.cloudStatus[userKey(userID)] = &cp
	return nil
}

func (s *MemoryStore) GetOneDriveStatus(ctx context.Context, userID string) (*model.OneDriveStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.cloudStatus[userKey(userID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (s *MemoryStore) PutQuotaStatus(ctx context.Context, status *model.QuotaStatus) error {
	if status == nil || status.UserID == "" {
		return fmt.Errorf("store: quota status requires a user id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *status
	s.quota[userKey(status.UserID)] = &cp
	return nil
}

func (s *MemoryStore) GetQuotaStatus(ctx context.Context, userID string) (*model.QuotaStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quota[userKey(userID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *q
	return &cp, nil
}

func (s *MemoryStore) PutQuotaWarning(ctx context.Context, w *model.QuotaWarning) error {
	if w == nil {
		return fmt.Errorf("store: nil quota warning")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = s.clock()
	}
	cp := *w
	s.warnings[w.ID] = &cp
	return nil
}

func (s *MemoryStore) ListQuotaWarnings(ctx context.Context, userID string) ([]*model.QuotaWarning, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.QuotaWarning
	for _, w := range s.warnings {
		if userKey(w.UserID) == userKey(userID) {
			cp := *w
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ResolveQuotaWarning(ctx context.Context, warningID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.warnings[warningID]
	if !ok {
		return ErrNotFound
	}
	now := s.clock()
	w.IsResolved = true
	w.ResolvedAt = &now
	return nil
}

func (s *MemoryStore) PutEscalation(ctx context.Context, e *model.ITEscalation) error {
	if e == nil {
		return fmt.Errorf("store: nil escalation")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock()
	}
	if e.Status == "" {
		e.Status = model.EscalationOpen
	}
	cp := *e
	s.escalations[e.ID] = &cp
	return nil
}

func (s *MemoryStore) ListOpenEscalations(ctx context.Context, userID string) ([]*model.ITEscalation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.ITEscalation
	for _, e := range s.escalations {
		if e.Status != model.EscalationOpen {
			continue
		}
		if userID != "" && userKey(e.UserID) != userKey(userID) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ResolveEscalation(ctx context.Context, escalationID, notes string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.escalations[escalationID]
	if !ok {
		return ErrNotFound
	}
	now := s.clock()
	e.Status = model.EscalationResolved
	e.ResolvedAt = &now
	e.ResolutionNotes = notes
	return nil
}

func (s *MemoryStore) PutDelayRequest(ctx context.Context, d *model.DelayRequest) error {
	if d == nil {
		return fmt.Errorf("store: nil delay request")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.clock()
	}
	cp := *d
	s.delays[d.ID] = &cp
	return nil
}

func (s *MemoryStore) ListDelayRequests(ctx context.Context, userID string) ([]*model.DelayRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.DelayRequest
	for _, d := range s.delays {
		if userKey(d.UserID) == userKey(userID) {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, ev model.SystemEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.clock()
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *MemoryStore) ListEvents(ctx context.Context, userID string, limit int) ([]model.SystemEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.SystemEvent
	for i := len(s.events) - 1; i >= 0; i-- {
		ev := s.events[i]
		if userID != "" && userKey(ev.UserID) != userKey(userID) {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
