package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/strobehq/strobe/internal/config"
	"github.com/strobehq/strobe/internal/dwarf"
	"github.com/strobehq/strobe/internal/errs"
	"github.com/strobehq/strobe/internal/framing"
	"github.com/strobehq/strobe/internal/logging"
	"github.com/strobehq/strobe/internal/store"
)

// reapInterval is how often the per-session reaper probes target
// liveness, the poll-with-deadline lifecycle idiom.
const reapInterval = 500 * time.Millisecond

// Coordinator is the daemon's session coordinator. One instance per
// daemon process.
type Coordinator struct {
	store    *store.Store
	dwarf    *dwarf.Cache
	spawner  Spawner
	settings func(projectRoot string) *config.Store
	logger   *logging.Logger

	// maxTotalHooks is the hard cap on hooks across all sessions;
	// matches beyond it are truncated with a warning.
	maxTotalHooks int

	mu         sync.RWMutex
	sessions   map[string]*Session
	conns      map[string]*Connection
	totalHooks int
}

// NewCoordinator builds a Coordinator over st, resolving DWARF through
// cache and spawning targets through spawner. settings maps a project
// root to its layered settings store, re-read per call.
func NewCoordinator(st *store.Store, cache *dwarf.Cache, spawner Spawner, settings func(string) *config.Store, logger *logging.Logger) *Coordinator {
	if logger == nil {
		logger = logging.Default()
	}
	if settings == nil {
		settings = func(root string) *config.Store {
			return config.New(config.DefaultGlobalPath(), config.ProjectPath(root))
		}
	}
	return &Coordinator{
		store:         st,
		dwarf:         cache,
		spawner:       spawner,
		settings:      settings,
		logger:        logger,
		maxTotalHooks: 2000,
		sessions:      make(map[string]*Session),
		conns:         make(map[string]*Connection),
	}
}

// SetMaxTotalHooks overrides the global hook cap, for tests and tuned
// deployments.
func (c *Coordinator) SetMaxTotalHooks(n int) { c.maxTotalHooks = n }

// LaunchRequest is the launch(...) tool surface.
type LaunchRequest struct {
	Command      string
	Args         []string
	ProjectRoot  string
	Language     string // optional hint
	SymbolsPath  string // optional; defaults to Command
	Env          []string
	EventCap     int // 0 means the settings default
	KeepExisting bool
}

// Launch spawns a target with instrumentation attached and returns the
// new session id.
func (c *Coordinator) Launch(ctx context.Context, connID string, req LaunchRequest) (string, error) {
	cfg := c.settings(req.ProjectRoot)
	eventCap := req.EventCap
	if eventCap == 0 {
		eventCap = cfg.Int("session.event_cap", 200_000)
	}
	if err := ValidateEventCap(eventCap); err != nil {
		return "", err
	}

	maxSessions := cfg.Int("session.max_concurrent", 50)
	c.mu.RLock()
	count := len(c.sessions)
	prior := c.sessionForBinaryLocked(connID, req.Command)
	c.mu.RUnlock()
	if count >= maxSessions {
		return "", errs.New("session.launch", errs.KindValidation,
			fmt.Sprintf("concurrent session limit of %d reached", maxSessions))
	}
	if prior != nil {
		// Unless the client asked otherwise, a double-launch for the
		// same binary auto-stops the old session first.
		if req.KeepExisting {
			return "", errs.NewSession("session.launch", prior.ID, errs.KindSessionExists,
				"a session for this binary already exists on this connection")
		}
		if err := c.Stop(ctx, prior.ID, false); err != nil {
			c.logger.Warn("auto-stop of prior session failed", "session", prior.ID, "error", err)
		}
	}

	language := DetectLanguage(req.Command, req.ProjectRoot, req.Language)

	s := &Session{
		ConnID:      connID,
		BinaryPath:  req.Command,
		ProjectRoot: req.ProjectRoot,
		Language:    language,
		EventCap:    eventCap,
		CreatedAt:   time.Now(),
		status:      StatusRunning,
		confirmer:   framing.NewConfirmer(),
		hooks:       make(map[uint32]HookInfo),
		hooksByName: make(map[string][]uint32),
		breakpoints: make(map[string]breakpointInfo),
		paused:      make(map[uint32]PausedInfo),
	}

	target, err := c.spawner.Spawn(req.Command, req.Args, req.ProjectRoot, req.Env, func(msg any) {
		c.HandleAgentMessage(s, msg)
	})
	if err != nil {
		return "", err
	}
	s.target = target
	s.PID = target.PID()
	s.worker = newWorker()

	c.mu.Lock()
	s.ID = GenerateID(req.Command, s.CreatedAt, func(id string) bool {
		_, taken := c.sessions[id]
		return taken
	})
	c.sessions[s.ID] = s
	if conn, ok := c.conns[connID]; ok {
		conn.sessions[s.ID] = struct{}{}
	}
	c.mu.Unlock()

	// DWARF parse on a worker, native targets only. The session is
	// usable immediately; trace/breakpoint requests block on Resolver().
	if language == LanguageNative {
		symbols := req.SymbolsPath
		if symbols == "" {
			symbols = req.Command
		}
		s.resolverReady = make(chan struct{})
		go func() {
			r, err := c.dwarf.GetOrParse(symbols)
			if r != nil {
				s.ImageBase = r.ImageBase
				if load := target.LoadAddress(); load != 0 {
					s.Slide = load - r.ImageBase
				}
			}
			s.resolver = r
			s.resolverErr = err
			close(s.resolverReady)
		}()
	}

	batchSize := cfg.Int("store.batch_size", 100)
	interval := time.Duration(cfg.Int("store.batch_interval_ms", 10)) * time.Millisecond
	if err := c.store.CreateSession(ctx, s.ID, s.PID, req.Command, req.ProjectRoot, language, s.ImageBase, s.Slide, s.CreatedAt.UnixNano()); err != nil {
		c.removeSession(s.ID)
		target.Kill()
		return "", err
	}
	s.writer = store.NewBatchWriter(c.store, s.ID, eventCap, batchSize, interval, c.logger)

	go c.reap(s)

	// Trace patterns registered before this binary had a session are
	// applied now, off the launch path so the client gets its session id
	// without waiting on the DWARF parse.
	if pending := c.TakePendingPatterns(connID, req.Command); len(pending) > 0 {
		go func() {
			if _, err := c.ApplyTrace(context.Background(), s.ID, TraceRequest{Add: pending}); err != nil {
				c.logger.Warn("pending trace patterns failed", "session", s.ID, "error", err)
			}
		}()
	}

	c.logger.Info("session created", "session", s.ID, "pid", s.PID, "language", language)
	return s.ID, nil
}

// reap polls the target and flips the session to exited the first time
// the liveness probe fails.
func (c *Coordinator) reap(s *Session) {
	for {
		time.Sleep(reapInterval)
		switch s.Status() {
		case StatusStopped, StatusRetained:
			return
		}
		if !s.target.Alive() {
			s.setStatus(StatusExited)
			c.store.SetSessionStatus(context.Background(), s.ID, string(StatusExited))
			c.logger.Info("target exited", "session", s.ID, "pid", s.PID)
			return
		}
	}
}

func (c *Coordinator) sessionForBinaryLocked(connID, binary string) *Session {
	for _, s := range c.sessions {
		if s.ConnID == connID && s.BinaryPath == binary && s.Status() == StatusRunning {
			return s
		}
	}
	return nil
}

// Get returns a session by id.
func (c *Coordinator) Get(sessionID string) (*Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[sessionID]
	if !ok {
		return nil, errs.NewSession("session.get", sessionID, errs.KindSessionNotFound,
			"no such session")
	}
	return s, nil
}

// List returns every live session, newest first.
func (c *Coordinator) List() []*Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Stop halts a session: paused threads are force-resumed so no target
// thread stays blocked, the target is killed, and the writer is flushed.
// With retain set the session record survives for later queries.
func (c *Coordinator) Stop(ctx context.Context, sessionID string, retain bool) error {
	s, err := c.Get(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	// Resume-before-detach discipline: every paused thread gets a
	// resume dispatched before the process is torn down.
	for _, p := range s.PausedThreads() {
		c.resumeThread(s, p.ThreadID, nil)
	}

	if s.Status() == StatusRunning {
		s.target.Kill()
	}
	status := StatusStopped
	if retain {
		status = StatusRetained
	}
	s.mu.Lock()
	s.retained = retain
	s.mu.Unlock()
	s.setStatus(status)
	c.store.SetSessionStatus(ctx, sessionID, string(status))

	s.worker.close()
	s.writer.Close()

	if !retain {
		s.mu.RLock()
		installed := len(s.hooks)
		s.mu.RUnlock()
		c.mu.Lock()
		c.totalHooks -= installed
		c.mu.Unlock()
	}
	c.logger.Info("session stopped", "session", sessionID, "retained", retain)
	return nil
}

// Delete removes a session and every one of its events from the store
//.
func (c *Coordinator) Delete(ctx context.Context, sessionID string) error {
	if err := c.Stop(ctx, sessionID, false); err != nil {
		return err
	}
	if err := c.store.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	c.removeSession(sessionID)
	return nil
}

func (c *Coordinator) removeSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[sessionID]; ok {
		if conn, ok := c.conns[s.ConnID]; ok {
			delete(conn.sessions, sessionID)
		}
		delete(c.sessions, sessionID)
	}
}

// confirmTimeout resolves the bounded wait for agent acks.
func (c *Coordinator) confirmTimeout(s *Session) time.Duration {
	cfg := c.settings(s.ProjectRoot)
	return time.Duration(cfg.Int("agent.confirm_timeout_ms", 5000)) * time.Millisecond
}

// sendAndAwait serializes one message to the agent through the session
// worker and blocks on its confirmation. No coordinator lock is held
// across the wait.
func (c *Coordinator) sendAndAwait(ctx context.Context, s *Session, batchID string, msg any) (any, error) {
	s.confirmer.Register(batchID)
	s.worker.do(func() {
		if err := s.target.Send(msg); err != nil {
			c.logger.Error("send to agent failed", "session", s.ID, "error", err)
		}
	})
	return s.confirmer.Await(ctx, batchID, c.confirmTimeout(s))
}

// resumeThread dispatches a resume message and removes the daemon-side
// paused entry — removed exactly when the resume is issued, not before.
func (c *Coordinator) resumeThread(s *Session, threadID uint32, oneShot []uint64) {
	s.mu.Lock()
	delete(s.paused, threadID)
	s.mu.Unlock()
	msg := framing.ResumeMessage{ThreadID: threadID, OneShot: oneShot}
	s.worker.do(func() {
		if err := s.target.Send(msg); err != nil {
			c.logger.Error("resume send failed", "session", s.ID, "thread", threadID, "error", err)
		}
	})
}

// HandleAgentMessage routes one inbound framed message from a session's
// agent: acks to the confirmation table, events to the store writer,
// pause notifications to the paused-threads mirror. Malformed events are
// logged and dropped; the session continues.
func (c *Coordinator) HandleAgentMessage(s *Session, msg any) {
	switch m := msg.(type) {
	case framing.InstallHooksAck:
		s.confirmer.Deliver(m.BatchID, m)
	case framing.RemoveHooksAck:
		s.confirmer.Deliver(m.BatchID, m)
	case framing.SetBreakpointAck:
		s.confirmer.Deliver(m.BatchID, m)
	case framing.RemoveBreakpointAck:
		s.confirmer.Deliver(m.BatchID, m)
	case framing.SetWatchesAck:
		s.confirmer.Deliver(m.BatchID, m)
	case framing.ReadMemoryResponse:
		s.confirmer.Deliver(m.BatchID, m)
	case framing.WriteMemoryAck:
		s.confirmer.Deliver(m.BatchID, m)

	case framing.EventsBatchMessage:
		for _, w := range m.Events {
			s.writer.Submit(wireToEvent(s.ID, w))
		}
	case framing.PausedMessage:
		c.handlePaused(s, m)
	case framing.LogpointMessage:
		s.writer.Submit(store.Event{
			SessionID:   s.ID,
			TimestampNs: time.Now().UnixNano(),
			ThreadID:    m.ThreadID,
			Kind:        store.KindLogpoint,
			Text:        m.Text,
		})
	case framing.ConditionErrorMessage:
		s.writer.Submit(store.Event{
			SessionID:   s.ID,
			TimestampNs: time.Now().UnixNano(),
			Kind:        store.KindConditionError,
			Text:        m.TargetID + ": " + m.Err,
		})
	case framing.OverflowMessage:
		s.mu.Lock()
		s.eventsDropped += int64(m.Dropped)
		s.mu.Unlock()
		s.writer.Submit(store.Event{
			SessionID:   s.ID,
			TimestampNs: time.Now().UnixNano(),
			Kind:        store.KindOverflow,
			Text:        fmt.Sprintf("ring buffer overflow: %d events dropped", m.Dropped),
		})
	case framing.CrashMessage:
		s.writer.Submit(store.Event{
			SessionID:   s.ID,
			TimestampNs: time.Now().UnixNano(),
			Kind:        store.KindCrash,
			Text:        m.Reason,
		})
		s.setStatus(StatusExited)
	default:
		c.logger.Warn("unknown agent message dropped", "session", s.ID)
	}
}

func (c *Coordinator) handlePaused(s *Session, m framing.PausedMessage) {
	info := PausedInfo{
		ThreadID:      m.ThreadID,
		BreakpointID:  m.BreakpointID,
		Address:       m.Address - s.Slide,
		File:          m.File,
		Line:          m.Line,
		Backtrace:     m.Backtrace,
		Locals:        m.Locals,
		ReturnAddress: m.ReturnAddress,
	}
	if info.ReturnAddress != 0 {
		info.ReturnAddress -= s.Slide
	}
	// Decorate with file:line from the line table when the agent didn't
	// know them (breakpoint and one-shot step pauses carry only an
	// address). Non-blocking: a pause racing the launch-time DWARF parse
	// just goes undecorated rather than stalling the ingress loop.
	if info.File == "" && s.resolverReady != nil {
		select {
		case <-s.resolverReady:
			if s.resolver != nil {
				if file, line, err := s.resolver.ResolveAddress(info.Address); err == nil {
					info.File, info.Line = file, line
				}
			}
		default:
		}
	}

	s.mu.Lock()
	s.paused[m.ThreadID] = info
	s.mu.Unlock()

	s.writer.Submit(store.Event{
		SessionID:   s.ID,
		TimestampNs: time.Now().UnixNano(),
		ThreadID:    m.ThreadID,
		Kind:        store.KindPause,
		SourceFile:  info.File,
		Line:        info.Line,
		Text:        m.BreakpointID,
	})
}

func wireToEvent(sessionID string, w framing.EventWire) store.Event {
	e := store.Event{
		SessionID:    sessionID,
		TimestampNs:  w.TimestampNs,
		ThreadID:     w.ThreadID,
		Kind:         store.EventKind(w.Kind),
		FunctionName: w.FunctionName,
		RawName:      w.FunctionName,
		DurationNs:   w.DurationNs,
		Text:         w.Text,
		Sampled:      w.Sampled,
	}
	switch e.Kind {
	case store.KindFunctionEnter:
		e.Arguments = fmt.Sprintf("[%d,%d]", w.Arg0, w.Arg1)
	case store.KindFunctionExit:
		e.ReturnValue = fmt.Sprintf("%d", w.ReturnValue)
	}
	if len(w.WatchValues) > 0 {
		e.WatchValues = watchValuesJSON(w.WatchValues)
	}
	return e
}

func watchValuesJSON(vals map[string]uint64) string {
	out := "{"
	first := true
	for k, v := range vals {
		if !first {
			out += ","
		}
		first = false
		out += fmt.Sprintf("%q:%d", k, v)
	}
	return out + "}"
}

// Query reads events from the store; it never touches the agent.
// The second return is the session's cumulative dropped-event count for
// the tool surface's events-dropped field.
func (c *Coordinator) Query(ctx context.Context, sessionID string, f store.Filters, limit int) (store.QueryResult, int64, error) {
	s, err := c.Get(sessionID)
	if err != nil {
		return store.QueryResult{}, 0, err
	}
	res, err := c.store.Query(ctx, sessionID, f, limit)
	if err != nil {
		return store.QueryResult{}, 0, err
	}
	s.mu.RLock()
	dropped := s.eventsDropped
	s.mu.RUnlock()
	return res, dropped, nil
}

// newBatchID mints a correlation handle for one agent round-trip.
func newBatchID() string { return uuid.NewString() }
