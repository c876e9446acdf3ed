package store

import (
	"context"
	"sort"
	"sync"
	"time"

	appErr "runbox/pkg/errors"
)

// MemoryStore is an in-process Store used by tests and single-node
// deployments that do not need durability across restarts.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]*Submission
	byToken map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]*Submission),
		byToken: make(map[string]string),
	}
}

func (s *MemoryStore) Create(ctx context.Context, sub *Submission) error {
	if sub == nil || sub.ID == "" {
		return appErr.ValidationError("id", "required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[sub.ID]; ok {
		return appErr.Newf(appErr.StoreError, "duplicate submission id %s", sub.ID)
	}
	cp := *sub
	s.byID[sub.ID] = &cp
	if sub.Token != "" {
		s.byToken[sub.Token] = sub.ID
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, idOrToken string) (*Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookupLocked(idOrToken)
}

func (s *MemoryStore) GetBatch(ctx context.Context, tokens []string) ([]*Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Submission, len(tokens))
	for i, token := range tokens {
		if sub, err := s.lookupLocked(token); err == nil {
			out[i] = sub
		}
	}
	return out, nil
}

func (s *MemoryStore) lookupLocked(idOrToken string) (*Submission, error) {
	id := idOrToken
	if mapped, ok := s.byToken[idOrToken]; ok {
		id = mapped
	}
	sub, ok := s.byID[id]
	if !ok {
		return nil, appErr.New(appErr.SubmissionNotFound)
	}
	cp := *sub
	return &cp, nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, patch Patch) (*Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.byID[id]
	if !ok {
		return nil, appErr.New(appErr.SubmissionNotFound)
	}
	if sub.Status.IsTerminal() {
		cp := *sub
		return &cp, nil
	}
	if patch.Status != nil {
		sub.Status = *patch.Status
	}
	if patch.Limits != nil {
		sub.Limits = *patch.Limits
	}
	cp := *sub
	return &cp, nil
}

func (s *MemoryStore) MarkTerminal(ctx context.Context, id string, res TerminalResult) (*Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.byID[id]
	if !ok {
		return nil, appErr.New(appErr.SubmissionNotFound)
	}
	if sub.Status.IsTerminal() {
		cp := *sub
		return &cp, appErr.New(appErr.AlreadyTerminal)
	}
	sub.Status = res.Status
	sub.Stdout = res.Stdout
	sub.Stderr = res.Stderr
	sub.CompileOutput = res.CompileOutput
	sub.ExitCode = res.ExitCode
	sub.ExitSignal = res.ExitSignal
	sub.Time = res.Time
	sub.WallTime = res.WallTime
	sub.MemoryKB = res.MemoryKB
	sub.Message = res.Message
	if res.Limits != nil {
		sub.Limits = *res.Limits
	}
	now := time.Now()
	if now.Before(sub.CreatedAt) {
		now = sub.CreatedAt
	}
	sub.FinishedAt = &now
	cp := *sub
	return &cp, nil
}

func (s *MemoryStore) ListByStatus(ctx context.Context, statuses ...Status) ([]*Submission, error) {
	wanted := make(map[Status]bool, len(statuses))
	for _, st := range statuses {
		wanted[st] = true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Submission
	for _, sub := range s.byID {
		if wanted[sub.Status] {
			cp := *sub
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
