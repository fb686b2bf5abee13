// Package services wires sessions, sandboxes, drivers, and the bounded
// worker pool into the search workflow the HTTP layer exposes.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/cascade-search/rlm/pkg/audit"
	"github.com/cascade-search/rlm/pkg/bus"
	"github.com/cascade-search/rlm/pkg/cascade"
	"github.com/cascade-search/rlm/pkg/config"
	"github.com/cascade-search/rlm/pkg/driver"
	"github.com/cascade-search/rlm/pkg/evidence"
	"github.com/cascade-search/rlm/pkg/llm"
	"github.com/cascade-search/rlm/pkg/quality"
	"github.com/cascade-search/rlm/pkg/sandbox"
	"github.com/cascade-search/rlm/pkg/session"
	"github.com/cascade-search/rlm/pkg/tools"
)

// ErrPoolFull is returned when the active-search cap is reached.
var ErrPoolFull = errors.New("search pool full")

// StartRequest is one search submission.
type StartRequest struct {
	Query     string
	SessionID string // empty starts a new session

	// Optional per-search overrides.
	MaxIterations int
	Context       any // bound into the sandbox as context / context_N
}

// StartResult identifies the scheduled search.
type StartResult struct {
	SearchID  string `json:"search_id"`
	SessionID string `json:"session_id"`
}

// SearchService owns the bus registry, the cancel registry, the
// bounded worker pool, and session bootstrap.
type SearchService struct {
	cfg      *config.Config
	sessions *session.Manager
	cascade  *cascade.Client
	overview *cascade.Overview

	rootLM     llm.Completer
	subLM      llm.Completer
	classifyLM llm.Completer

	baseCtx context.Context

	mu      sync.Mutex
	buses   map[string]*bus.Bus
	cancels map[string]context.CancelFunc

	slots chan struct{}
	wg    sync.WaitGroup
	log   *slog.Logger
}

// NewSearchService builds the service and its LM clients. ctx is the
// process lifetime: searches are cancelled when it ends.
func NewSearchService(ctx context.Context, cfg *config.Config, sessions *session.Manager) (*SearchService, error) {
	rootLM, err := llm.New(cfg.Backend, cfg.Model, "")
	if err != nil {
		return nil, fmt.Errorf("root model: %w", err)
	}
	subLM, err := llm.New(cfg.Backend, cfg.SubModel, "")
	if err != nil {
		return nil, fmt.Errorf("sub model: %w", err)
	}
	classifyLM, err := llm.New(cfg.Backend, cfg.ClassifyModel, "")
	if err != nil {
		return nil, fmt.Errorf("classify model: %w", err)
	}

	overview, err := cascade.LoadOverview(cfg.OverviewPath)
	if err != nil {
		return nil, err
	}

	return &SearchService{
		cfg:        cfg,
		sessions:   sessions,
		cascade:    cascade.NewClient(cfg.CascadeURL, cfg.CascadeKey),
		overview:   overview,
		rootLM:     rootLM,
		subLM:      subLM,
		classifyLM: classifyLM,
		baseCtx:    ctx,
		buses:      make(map[string]*bus.Bus),
		cancels:    make(map[string]context.CancelFunc),
		slots:      make(chan struct{}, cfg.Workers),
		log:        slog.Default(),
	}, nil
}

// UseCompleters replaces the LM clients. Test seam for deterministic
// completions; call before the first StartSearch.
func (s *SearchService) UseCompleters(root, sub, classify llm.Completer) {
	s.rootLM, s.subLM, s.classifyLM = root, sub, classify
}

// StartSearch validates capacity and session state, registers the bus,
// and schedules the driver on the pool. Returns immediately.
func (s *SearchService) StartSearch(req StartRequest) (*StartResult, error) {
	searchID := uuid.New().String()
	b := bus.New()
	searchCtx, cancel := context.WithCancel(s.baseCtx)

	// Capacity check and registration share one critical section so
	// racing submissions cannot overshoot MaxActive.
	s.mu.Lock()
	if len(s.cancels) >= s.cfg.MaxActive {
		s.mu.Unlock()
		cancel()
		return nil, ErrPoolFull
	}
	s.buses[searchID] = b
	s.cancels[searchID] = cancel
	s.mu.Unlock()

	release := func() {
		cancel()
		s.mu.Lock()
		delete(s.buses, searchID)
		delete(s.cancels, searchID)
		s.mu.Unlock()
	}

	var sess *session.Session
	var err error
	isNew := req.SessionID == ""
	if isNew {
		sess, err = s.newSession(req.Query)
		if err == nil {
			sess, err = s.sessions.Create(sess, searchID, b)
		}
	} else {
		sess, err = s.sessions.PrepareFollowUp(req.SessionID, searchID, b)
	}
	if err != nil {
		release()
		return nil, err
	}

	s.wg.Add(1)
	go s.runSearch(searchCtx, cancel, sess, b, searchID, req, isNew)

	return &StartResult{SearchID: searchID, SessionID: sess.ID}, nil
}

// runSearch is the worker body: wait for a pool slot, bootstrap what is
// left, run the driver, clean up.
func (s *SearchService) runSearch(ctx context.Context, cancel context.CancelFunc, sess *session.Session, b *bus.Bus, searchID string, req StartRequest, isNew bool) {
	defer s.wg.Done()
	defer cancel()
	defer s.sessions.ClearActive(sess.ID)
	defer func() {
		s.mu.Lock()
		delete(s.cancels, searchID)
		s.mu.Unlock()
	}()

	// Queue for a worker slot; a cancel while queued still produces a
	// terminal event for stream consumers.
	select {
	case s.slots <- struct{}{}:
		defer func() { <-s.slots }()
	case <-ctx.Done():
		driver.NewStreamLogger(b, nil).Cancelled()
		return
	}

	writer, err := audit.NewWriter(s.cfg.AuditDir, searchID, map[string]any{
		"search_id":  searchID,
		"session_id": sess.ID,
		"query":      req.Query,
		"root_model": s.rootLM.Model(),
		"backend":    s.cfg.Backend,
	})
	if err != nil {
		s.log.Warn("audit disabled for search", "search_id", searchID, "error", err)
		writer = nil
	} else {
		defer writer.Close()
	}

	logger := driver.NewStreamLogger(b, writer)
	logger.Metadata(map[string]any{
		"search_id":  searchID,
		"session_id": sess.ID,
		"query":      req.Query,
		"root_model": s.rootLM.Model(),
	})

	sc := sess.Context
	sc.Ctx = ctx
	sc.Question = req.Query
	sc.Bus = b
	sc.Tracker = tools.NewTracker(b, sess.Sandbox.NoteNestedCall)
	sc.Spawn = s.spawnFunc(writer)

	if isNew && s.overview != nil {
		sc.Classification = tools.ClassifyQuestion(sc, req.Query)
	}
	if req.Context != nil {
		sess.Sandbox.BindContext(req.Context)
		sess.Driver.ContextCount++
	}

	drv := sess.Driver
	drv.Bus = b
	drv.Logger = logger
	drv.RootPrompt = rootPrompt(req.Query, sc)
	drv.PriorSearches = sess.SearchCount() - 1
	if req.MaxIterations > 0 {
		drv.MaxIterations = req.MaxIterations
	}

	answer, err := drv.Run(ctx)
	switch {
	case errors.Is(err, bus.ErrCancelled):
		s.log.Info("search cancelled", "search_id", searchID)
	case err != nil:
		s.log.Error("search failed", "search_id", searchID, "error", err)
	default:
		s.log.Info("search complete", "search_id", searchID, "answer_len", len(answer))
	}
}

// newSession builds the per-session object graph: store, gate, search
// context, sandbox with the tool namespace, and the driver shell.
func (s *SearchService) newSession(query string) (*session.Session, error) {
	store := evidence.NewStore()
	gate := quality.NewGate(store)

	sc := &tools.SearchContext{
		Question:           query,
		Cascade:            s.cascade,
		Collection:         s.cfg.Collection,
		Collections:        s.cfg.Collections,
		MultiMode:          s.cfg.MultiMode(),
		Store:              store,
		Gate:               gate,
		Root:               s.rootLM,
		Sub:                s.subLM,
		Classify:           s.classifyLM,
		Overview:           s.overview,
		Depth:              0,
		MaxDelegationDepth: s.cfg.MaxDelegationDepth,
		SubIterations:      s.cfg.SubIterations,
	}

	// Builtins close over sc; Spawn and the per-search fields are
	// filled in by runSearch before any fragment executes.
	sb, err := sandbox.New("", tools.Builtins(sc))
	if err != nil {
		// A sandbox that failed bootstrap has no tool namespace; a
		// session around it would be useless.
		return nil, fmt.Errorf("session sandbox: %w", err)
	}

	drv := &driver.Driver{
		LM:            s.rootLM,
		Sandbox:       sb,
		MaxIterations: s.cfg.MaxIterations,
		NoExec:        s.cfg.MaxDepth == 0,
	}

	return &session.Session{
		Driver:  drv,
		Sandbox: sb,
		Context: sc,
	}, nil
}

// spawnFunc builds the delegation hook for one search: children share
// the search's audit file and surface on the parent bus as
// sub_iteration events.
func (s *SearchService) spawnFunc(writer *audit.Writer) tools.SpawnFunc {
	return func(ctx context.Context, subQuestion string, depth int, childBus bus.Emitter) (*tools.ChildResult, error) {
		childStore := evidence.NewStore()
		childGate := quality.NewGate(childStore)

		csc := &tools.SearchContext{
			Ctx:                ctx,
			Question:           subQuestion,
			Cascade:            s.cascade,
			Collection:         s.cfg.Collection,
			Collections:        s.cfg.Collections,
			MultiMode:          s.cfg.MultiMode(),
			Bus:                childBus,
			Store:              childStore,
			Gate:               childGate,
			Root:               s.subLM,
			Sub:                s.subLM,
			Classify:           s.classifyLM,
			Overview:           s.overview,
			Depth:              depth,
			MaxDelegationDepth: s.cfg.MaxDelegationDepth,
			SubIterations:      s.cfg.SubIterations,
			Spawn:              s.spawnFunc(writer),
		}

		csb, err := sandbox.New("", tools.Builtins(csc))
		if err != nil {
			return nil, err
		}
		defer csb.Close()
		csc.Tracker = tools.NewTracker(childBus, csb.NoteNestedCall)

		drv := &driver.Driver{
			LM:            s.subLM,
			Sandbox:       csb,
			Bus:           childBus,
			Logger:        driver.NewChildStreamLogger(childBus, writer),
			MaxIterations: tools.ChildBudget(depth, s.cfg.SubIterations),
			RootPrompt:    rootPrompt(subQuestion, csc),
			NoExec:        s.cfg.MaxDepth == 0,
		}

		answer, err := drv.Run(ctx)
		if err != nil {
			return nil, err
		}
		return &tools.ChildResult{
			Answer:      answer,
			Store:       childStore,
			SearchesRun: childStore.SearchCount(),
		}, nil
	}
}

// Cancel flags the bus and cancels the worker context. Reports whether
// the search id was known.
func (s *SearchService) Cancel(searchID string) bool {
	s.mu.Lock()
	b, known := s.buses[searchID]
	cancel := s.cancels[searchID]
	s.mu.Unlock()

	if !known {
		return false
	}
	b.Cancel()
	if cancel != nil {
		cancel()
	}
	return true
}

// Bus returns the bus for a search id.
func (s *SearchService) Bus(searchID string) (*bus.Bus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buses[searchID]
	return b, ok
}

// ReleaseBus drops a finished bus from the registry. Called by the SSE
// gateway after its post-terminal drain.
func (s *SearchService) ReleaseBus(searchID string) {
	s.mu.Lock()
	delete(s.buses, searchID)
	s.mu.Unlock()
}

// ActiveSearches returns the number of searches currently scheduled.
func (s *SearchService) ActiveSearches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cancels)
}

// Health probes the downstream retrieval API.
func (s *SearchService) Health(ctx context.Context) error {
	return s.cascade.Health(ctx)
}

// CascadeURL returns the configured downstream base URL.
func (s *SearchService) CascadeURL() string {
	return s.cascade.BaseURL()
}

// Shutdown waits for in-flight searches to finish or ctx to expire.
func (s *SearchService) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
