// Package service is the engine handle: it owns intake validation, record
// creation, dispatch, retrieval and cancellation. All transports (HTTP,
// CLI) speak to this layer.
package service

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeromicro/go-zero/core/logx"

	"runbox/internal/dispatch"
	"runbox/internal/event"
	"runbox/internal/registry"
	"runbox/internal/store"
	appErr "runbox/pkg/errors"
)

const (
	// maxSourceBytes bounds source_code at intake.
	maxSourceBytes = 1 << 20
	// maxStdinBytes bounds stdin at intake.
	maxStdinBytes = 1 << 20
	// maxInlineArchiveBytes bounds inline base64 additional_files; larger
	// archives go through object storage by key.
	maxInlineArchiveBytes = 8 << 20

	// waitSlack pads the synchronous wait beyond the wall limit.
	waitSlack = 2 * time.Second

	version = "1.0.0"
)

// Service coordinates the engine components.
type Service struct {
	store         store.Store
	dispatcher    *dispatch.Dispatcher
	registry      *registry.Registry
	broadcaster   *event.Broadcaster
	queueCapacity int
	startedAt     time.Time

	statsMu     sync.Mutex
	total       uint64
	cpuTotalSec float64
	cpuSamples  uint64
}

// New creates the service. queueCapacity mirrors the dispatcher's
// MaxQueueSize so intake can reject before writing a record.
func New(st store.Store, d *dispatch.Dispatcher, reg *registry.Registry, b *event.Broadcaster, queueCapacity int) (*Service, error) {
	if st == nil || d == nil || reg == nil {
		return nil, fmt.Errorf("store, dispatcher and registry are required")
	}
	if queueCapacity <= 0 {
		queueCapacity = 100
	}
	return &Service{
		store:         st,
		dispatcher:    d,
		registry:      reg,
		broadcaster:   b,
		queueCapacity: queueCapacity,
		startedAt:     time.Now(),
	}, nil
}

// Submit validates the payload, persists the queued record and enqueues it.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*store.Submission, error) {
	logger := logx.WithContext(ctx)

	lang, err := s.resolveLanguage(req)
	if err != nil {
		return nil, err
	}
	if err := validatePayload(req); err != nil {
		return nil, err
	}
	// Reject a full queue before writing anything.
	if s.dispatcher.Stats().Pending >= s.QueueCapacity() {
		return nil, appErr.New(appErr.QueueFull)
	}

	sub := &store.Submission{
		ID:                   uuid.NewString(),
		Token:                uuid.NewString(),
		LanguageKey:          lang.Key,
		SourceCode:           req.SourceCode,
		Stdin:                req.Stdin,
		ExpectedOutput:       req.ExpectedOutput,
		CompilerOptions:      req.CompilerOptions,
		CommandLineArguments: req.CommandLineArguments,
		AdditionalFiles:      req.AdditionalFiles,
		AdditionalFilesKey:   req.AdditionalFilesKey,
		Limits:               req.limits().Merge(lang.DefaultLimits),
		NumberOfRuns:         req.NumberOfRuns,
		Flags:                req.flags(),
		CallbackURL:          req.CallbackURL,
		Priority:             req.Priority,
		Status:               store.StatusQueued,
		CreatedAt:            time.Now(),
	}

	if err := s.store.Create(ctx, sub); err != nil {
		logger.Errorf("create submission failed: %v", err)
		return nil, err
	}
	if s.broadcaster != nil {
		s.broadcaster.StatusChanged(sub)
	}

	if err := s.dispatcher.Submit(sub.ID, sub.Priority); err != nil {
		// Lost the capacity race; the record must not linger as an
		// orphan the next restart would resurrect.
		_, _ = s.store.MarkTerminal(ctx, sub.ID, store.TerminalResult{
			Status:  store.StatusInternalError,
			Message: "rejected at intake: " + err.Error(),
		})
		return nil, err
	}

	s.statsMu.Lock()
	s.total++
	s.statsMu.Unlock()

	return sub, nil
}

// SubmitAndWait submits and blocks until the record is terminal, bounded by
// the wall-time limit plus slack.
func (s *Service) SubmitAndWait(ctx context.Context, req SubmitRequest) (*store.Submission, error) {
	var events <-chan event.StatusEvent
	var cancel func()
	if s.broadcaster != nil {
		events, cancel = s.broadcaster.Subscribe(64)
		defer cancel()
	}

	sub, err := s.Submit(ctx, req)
	if err != nil {
		return nil, err
	}

	deadline := time.Duration(sub.Limits.WallTime*float64(time.Second)) + waitSlack
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	// Poll as the fallback: the broadcaster drops events for slow
	// observers and the terminal write may have raced the subscription.
	poll := time.NewTicker(250 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, appErr.Wrap(ctx.Err(), appErr.Timeout)
		case <-timer.C:
			current, err := s.store.Get(ctx, sub.ID)
			if err != nil {
				return nil, err
			}
			return current, nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.SubmissionID == sub.ID && ev.Terminal {
				return s.store.Get(ctx, sub.ID)
			}
		case <-poll.C:
			current, err := s.store.Get(ctx, sub.ID)
			if err != nil {
				return nil, err
			}
			if current.Status.IsTerminal() {
				return current, nil
			}
		}
	}
}

// SubmitBatch accepts an ordered list and returns per-item results in the
// same order.
func (s *Service) SubmitBatch(ctx context.Context, reqs []SubmitRequest) []BatchItem {
	items := make([]BatchItem, len(reqs))
	for i, req := range reqs {
		sub, err := s.Submit(ctx, req)
		if err != nil {
			items[i] = BatchItem{Error: err.Error()}
			continue
		}
		items[i] = BatchItem{Token: sub.Token}
	}
	return items
}

// Get returns the current record for a token.
func (s *Service) Get(ctx context.Context, token string) (*store.Submission, error) {
	if token == "" {
		return nil, appErr.ValidationError("token", "required")
	}
	return s.store.Get(ctx, token)
}

// GetBatch returns records for a token list in order; unknown tokens are
// nil entries.
func (s *Service) GetBatch(ctx context.Context, tokens []string) ([]*store.Submission, error) {
	if len(tokens) == 0 {
		return nil, appErr.ValidationError("tokens", "required")
	}
	return s.store.GetBatch(ctx, tokens)
}

// Cancel cancels a non-terminal submission. For a terminal one it returns
// the record unchanged: there is nothing to cancel.
func (s *Service) Cancel(ctx context.Context, token string) (*store.Submission, error) {
	sub, err := s.store.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	if sub.Status.IsTerminal() {
		return sub, nil
	}

	switch s.dispatcher.Cancel(ctx, sub.ID) {
	case dispatch.CancelRemoved:
		return s.store.Get(ctx, sub.ID)
	case dispatch.CancelCancelling:
		// The worker finishes the terminal transition; report current
		// state.
		return s.store.Get(ctx, sub.ID)
	case dispatch.CancelAlreadyDone:
		return s.store.Get(ctx, sub.ID)
	default:
		// Not tracked by the dispatcher: a queued record from before a
		// restart that was never re-enqueued. Terminal-cancel directly.
		final, err := s.store.MarkTerminal(ctx, sub.ID, store.TerminalResult{
			Status:  store.StatusCancelled,
			Message: "Execution cancelled",
		})
		if err != nil && !appErr.Is(err, appErr.AlreadyTerminal) {
			return nil, err
		}
		return final, nil
	}
}

// Subscribe exposes the status event stream to transports.
func (s *Service) Subscribe(buffer int) (<-chan event.StatusEvent, func()) {
	if s.broadcaster == nil {
		ch := make(chan event.StatusEvent)
		close(ch)
		return ch, func() {}
	}
	return s.broadcaster.Subscribe(buffer)
}

// Languages lists the catalog.
func (s *Service) Languages() []LanguageInfo {
	langs := s.registry.Languages()
	out := make([]LanguageInfo, 0, len(langs))
	for _, lang := range langs {
		out = append(out, LanguageInfo{
			ID:         lang.ID,
			Key:        lang.Key,
			Name:       lang.Name,
			Version:    lang.Version,
			CompileCmd: lang.CompileCmd,
			RunCmd:     lang.RunCmd,
		})
	}
	return out
}

// Stats reports the engine snapshot.
func (s *Service) Stats() EngineStats {
	ds := s.dispatcher.Stats()
	s.statsMu.Lock()
	total := s.total
	avg := 0.0
	if s.cpuSamples > 0 {
		avg = s.cpuTotalSec / float64(s.cpuSamples)
	}
	s.statsMu.Unlock()
	return EngineStats{
		TotalSubmissions:     total,
		ActiveExecutions:     ds.Running,
		QueuedExecutions:     ds.Pending,
		CompletedExecutions:  ds.Completed,
		FailedExecutions:     ds.Failed,
		AverageExecutionTime: avg,
		UptimeSeconds:        int64(time.Since(s.startedAt).Seconds()),
	}
}

// Health reports liveness.
func (s *Service) Health() HealthResponse {
	return HealthResponse{
		Status:    "healthy",
		Engine:    "runbox",
		Version:   version,
		Timestamp: time.Now().Format(time.RFC3339),
	}
}

// ObserveTerminal folds a terminal record into the lifetime aggregates.
// Wired into the dispatcher's OnTerminal chain.
func (s *Service) ObserveTerminal(sub *store.Submission) {
	if sub == nil || sub.Time == nil {
		return
	}
	s.statsMu.Lock()
	s.cpuTotalSec += *sub.Time
	s.cpuSamples++
	s.statsMu.Unlock()
}

// QueueCapacity exposes the configured backpressure bound.
func (s *Service) QueueCapacity() int {
	return s.queueCapacity
}

func (s *Service) resolveLanguage(req SubmitRequest) (registry.Language, error) {
	key := req.Language
	if key == "" && req.LanguageID > 0 {
		key = strconv.Itoa(req.LanguageID)
	}
	if key == "" {
		return registry.Language{}, appErr.ValidationError("language", "required")
	}
	return s.registry.Lookup(key)
}

func validatePayload(req SubmitRequest) error {
	if req.SourceCode == "" {
		return appErr.New(appErr.MissingSource)
	}
	if len(req.SourceCode) > maxSourceBytes {
		return appErr.New(appErr.PayloadTooLarge).WithMessage("source code is too large")
	}
	if len(req.Stdin) > maxStdinBytes {
		return appErr.New(appErr.PayloadTooLarge).WithMessage("stdin is too large")
	}
	if len(req.AdditionalFiles) > maxInlineArchiveBytes {
		return appErr.New(appErr.PayloadTooLarge).WithMessage("inline additional files are too large, upload them and pass additional_files_key")
	}
	if req.NumberOfRuns < 0 || req.NumberOfRuns > 20 {
		return appErr.ValidationError("number_of_runs", "must be between 1 and 20")
	}
	return nil
}
