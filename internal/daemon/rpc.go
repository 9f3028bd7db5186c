package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"

	"github.com/strobehq/strobe/internal/errs"
	"github.com/strobehq/strobe/internal/pause"
	"github.com/strobehq/strobe/internal/session"
	"github.com/strobehq/strobe/internal/store"
)

// Request is one line-framed JSON-RPC-style request.
type Request struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Response is the reply to one Request.
type Response struct {
	ID     int64     `json:"id"`
	Result any       `json:"result,omitempty"`
	Error  *ErrorObj `json:"error,omitempty"`
}

// ErrorObj carries an error on the wire: a taxonomy code and a
// human-readable message.
type ErrorObj struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func errorObj(err error) *ErrorObj {
	var e *errs.Error
	if errors.As(err, &e) {
		return &ErrorObj{Code: string(e.Kind), Message: e.Error()}
	}
	return &ErrorObj{Code: string(errs.KindInternal), Message: err.Error()}
}

// LaunchParams is the launch(...) request shape.
type LaunchParams struct {
	Command      string   `json:"command"`
	Args         []string `json:"args,omitempty"`
	ProjectRoot  string   `json:"project_root"`
	Language     string   `json:"language,omitempty"`
	SymbolsPath  string   `json:"symbols_path,omitempty"`
	Env          []string `json:"env,omitempty"`
	EventCap     int      `json:"event_cap,omitempty"`
	KeepExisting bool     `json:"keep_existing,omitempty"`
}

// SessionParams is the session(...) request shape.
type SessionParams struct {
	Action    string `json:"action"` // status | stop | list | delete
	SessionID string `json:"session_id,omitempty"`
	Retain    bool   `json:"retain,omitempty"`
}

// TraceParams is the trace(...) request shape.
type TraceParams struct {
	SessionID string `json:"session_id"`
	Add       []struct {
		Pattern string `json:"pattern"`
		Full    bool   `json:"full,omitempty"`
	} `json:"add,omitempty"`
	Remove  []string `json:"remove,omitempty"`
	Watches []struct {
		Expr         string   `json:"expr"`
		FuncPatterns []string `json:"func_patterns,omitempty"`
	} `json:"watches,omitempty"`
}

// QueryParams is the query(...) request shape.
type QueryParams struct {
	SessionID          string   `json:"session_id"`
	Kinds              []string `json:"kinds,omitempty"`
	FunctionName       string   `json:"function_name,omitempty"`
	FunctionContains   string   `json:"function_contains,omitempty"`
	FunctionRegex      string   `json:"function_regex,omitempty"`
	SourceFile         string   `json:"source_file,omitempty"`
	SourceFileContains string   `json:"source_file_contains,omitempty"`
	ThreadID           *uint32  `json:"thread_id,omitempty"`
	ThreadNameContains string   `json:"thread_name_contains,omitempty"`
	TimeFromNs         *int64   `json:"time_from_ns,omitempty"`
	TimeToNs           *int64   `json:"time_to_ns,omitempty"`
	DurationFromNs     *int64   `json:"duration_from_ns,omitempty"`
	DurationToNs       *int64   `json:"duration_to_ns,omitempty"`
	Cursor             int64    `json:"cursor,omitempty"`
	Limit              int      `json:"limit,omitempty"`
}

// QueryReply carries events plus pagination and drop accounting.
type QueryReply struct {
	Events        []store.Event `json:"events"`
	HasMore       bool          `json:"has_more"`
	LastID        int64         `json:"last_id"`
	EventsDropped int64         `json:"events_dropped"`
}

// BreakpointParams is the breakpoint(...) request shape.
type BreakpointParams struct {
	SessionID string `json:"session_id"`
	Add       []struct {
		Pattern   string `json:"pattern,omitempty"`
		File      string `json:"file,omitempty"`
		Line      int    `json:"line,omitempty"`
		Condition string `json:"condition,omitempty"`
		HitCount  int    `json:"hit_count,omitempty"`
		Message   string `json:"message,omitempty"`
	} `json:"add,omitempty"`
	Remove []string `json:"remove,omitempty"`
}

// ContinueParams is the continue(...) request shape.
type ContinueParams struct {
	SessionID string `json:"session_id"`
	ThreadID  uint32 `json:"thread_id,omitempty"`
	Action    string `json:"action"`
}

// MemoryParams is the memory(...) request shape.
type MemoryParams struct {
	SessionID string            `json:"session_id"`
	Action    string            `json:"action"` // read | write
	Targets   []string          `json:"targets,omitempty"`
	Writes    map[string]uint64 `json:"writes,omitempty"`
	Poll      bool              `json:"poll,omitempty"`
}

// SessionInfo is the status/list reply shape.
type SessionInfo struct {
	ID          string `json:"id"`
	PID         int    `json:"pid"`
	BinaryPath  string `json:"binary_path"`
	ProjectRoot string `json:"project_root"`
	Language    string `json:"language"`
	Status      string `json:"status"`
	HookCount   int    `json:"hook_count"`
	EventCount  int    `json:"event_count"`
	Paused      int    `json:"paused_threads"`
}

// dispatch routes one request to the coordinator. connID identifies the
// issuing client connection for ownership bookkeeping.
func (s *Server) dispatch(ctx context.Context, connID string, req Request) Response {
	resp := Response{ID: req.ID}

	fail := func(err error) Response {
		resp.Error = errorObj(err)
		return resp
	}

	switch req.Method {
	case "launch":
		var p LaunchParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return fail(errs.Wrap("daemon.rpc", errs.KindValidation, err))
		}
		id, err := s.coord.Launch(ctx, connID, session.LaunchRequest{
			Command:      p.Command,
			Args:         p.Args,
			ProjectRoot:  p.ProjectRoot,
			Language:     p.Language,
			SymbolsPath:  p.SymbolsPath,
			Env:          p.Env,
			EventCap:     p.EventCap,
			KeepExisting: p.KeepExisting,
		})
		if err != nil {
			return fail(err)
		}
		resp.Result = map[string]string{"session_id": id}

	case "session":
		var p SessionParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return fail(errs.Wrap("daemon.rpc", errs.KindValidation, err))
		}
		result, err := s.handleSession(ctx, p)
		if err != nil {
			return fail(err)
		}
		resp.Result = result

	case "trace":
		var p TraceParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return fail(errs.Wrap("daemon.rpc", errs.KindValidation, err))
		}
		treq := session.TraceRequest{Remove: p.Remove}
		for _, a := range p.Add {
			treq.Add = append(treq.Add, session.TracePattern{Pattern: a.Pattern, Full: a.Full})
		}
		for _, w := range p.Watches {
			treq.Watches = append(treq.Watches, session.WatchSpec{Expr: w.Expr, FuncPatterns: w.FuncPatterns})
		}
		res, err := s.coord.ApplyTrace(ctx, p.SessionID, treq)
		if err != nil {
			return fail(err)
		}
		resp.Result = res

	case "query":
		var p QueryParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return fail(errs.Wrap("daemon.rpc", errs.KindValidation, err))
		}
		reply, err := s.handleQuery(ctx, p)
		if err != nil {
			return fail(err)
		}
		resp.Result = reply

	case "breakpoint":
		var p BreakpointParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return fail(errs.Wrap("daemon.rpc", errs.KindValidation, err))
		}
		breq := session.BreakpointRequest{Remove: p.Remove}
		for _, a := range p.Add {
			breq.Add = append(breq.Add, session.BreakpointSpec{
				Pattern:   a.Pattern,
				File:      a.File,
				Line:      a.Line,
				Condition: a.Condition,
				HitCount:  a.HitCount,
				Message:   a.Message,
			})
		}
		res, err := s.coord.ApplyBreakpoints(ctx, p.SessionID, breq)
		if err != nil {
			return fail(err)
		}
		resp.Result = res

	case "continue":
		var p ContinueParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return fail(errs.Wrap("daemon.rpc", errs.KindValidation, err))
		}
		res, err := s.coord.Continue(ctx, p.SessionID, p.ThreadID, pause.Action(p.Action))
		if err != nil {
			return fail(err)
		}
		resp.Result = res

	case "memory":
		var p MemoryParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return fail(errs.Wrap("daemon.rpc", errs.KindValidation, err))
		}
		switch p.Action {
		case "read":
			res, err := s.coord.ReadMemory(ctx, p.SessionID, p.Targets, p.Poll)
			if err != nil {
				return fail(err)
			}
			resp.Result = res
		case "write":
			written, err := s.coord.WriteMemory(ctx, p.SessionID, p.Writes)
			if err != nil {
				return fail(err)
			}
			resp.Result = map[string]int{"written": written}
		default:
			return fail(errs.New("daemon.rpc", errs.KindValidation, "memory action must be read or write"))
		}

	default:
		return fail(errs.New("daemon.rpc", errs.KindValidation, "unknown method: "+req.Method))
	}
	return resp
}

func (s *Server) handleSession(ctx context.Context, p SessionParams) (any, error) {
	switch p.Action {
	case "list":
		infos := []SessionInfo{}
		for _, sess := range s.coord.List() {
			infos = append(infos, s.sessionInfo(ctx, sess.ID))
		}
		return infos, nil
	case "status":
		if _, err := s.coord.Get(p.SessionID); err != nil {
			return nil, err
		}
		return s.sessionInfo(ctx, p.SessionID), nil
	case "stop":
		if err := s.coord.Stop(ctx, p.SessionID, p.Retain); err != nil {
			return nil, err
		}
		return map[string]bool{"stopped": true}, nil
	case "delete":
		if err := s.coord.Delete(ctx, p.SessionID); err != nil {
			return nil, err
		}
		return map[string]bool{"deleted": true}, nil
	default:
		return nil, errs.New("daemon.rpc", errs.KindValidation, "unknown session action: "+p.Action)
	}
}

func (s *Server) sessionInfo(ctx context.Context, id string) SessionInfo {
	sess, err := s.coord.Get(id)
	if err != nil {
		return SessionInfo{ID: id}
	}
	count, _ := s.store.EventCount(ctx, id)
	return SessionInfo{
		ID:          sess.ID,
		PID:         sess.PID,
		BinaryPath:  sess.BinaryPath,
		ProjectRoot: sess.ProjectRoot,
		Language:    sess.Language,
		Status:      string(sess.Status()),
		HookCount:   sess.HookCount(),
		EventCount:  count,
		Paused:      len(sess.PausedThreads()),
	}
}

func (s *Server) handleQuery(ctx context.Context, p QueryParams) (QueryReply, error) {
	f := store.Filters{
		FunctionNameEq:   p.FunctionName,
		FunctionNameLike: p.FunctionContains,
		SourceFileEq:     p.SourceFile,
		SourceFileLike:   p.SourceFileContains,
		ThreadID:         p.ThreadID,
		ThreadNameLike:   p.ThreadNameContains,
		TimeFromNs:       p.TimeFromNs,
		TimeToNs:         p.TimeToNs,
		DurationFromNs:   p.DurationFromNs,
		DurationToNs:     p.DurationToNs,
		Cursor:           p.Cursor,
	}
	for _, k := range p.Kinds {
		f.Kinds = append(f.Kinds, store.EventKind(k))
	}

	res, dropped, err := s.coord.Query(ctx, p.SessionID, f, p.Limit)
	if err != nil {
		return QueryReply{}, err
	}

	events := res.Events
	// The regex flavor of the function-name filter is applied
	// daemon-side: SQLite carries no REGEXP by default, and a filtered
	// page keeps its cursor semantics (LastID still advances past every
	// scanned row).
	if p.FunctionRegex != "" {
		re, err := regexp.Compile(p.FunctionRegex)
		if err != nil {
			return QueryReply{}, errs.Wrap("daemon.rpc", errs.KindValidation, err)
		}
		filtered := events[:0]
		for _, e := range events {
			if (e.Kind == store.KindFunctionEnter || e.Kind == store.KindFunctionExit) && re.MatchString(e.FunctionName) {
				filtered = append(filtered, e)
			}
		}
		events = filtered
	}

	return QueryReply{
		Events:        events,
		HasMore:       res.HasMore,
		LastID:        res.LastID,
		EventsDropped: dropped,
	}, nil
}
