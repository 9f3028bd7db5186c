package framing

import (
	"encoding/json"
	"fmt"
)

// envelope is the on-wire form of every framed message: a type tag plus
// the payload, one JSON object per line over the transport.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Marshal wraps msg in its typed envelope.
func Marshal(msg any) ([]byte, error) {
	t, ok := typeTag(msg)
	if !ok {
		return nil, fmt.Errorf("framing: unknown message type %T", msg)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: t, Payload: payload})
}

// Unmarshal decodes one envelope back to its concrete message value.
func Unmarshal(data []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	msg, ok := newByTag(env.Type)
	if !ok {
		return nil, fmt.Errorf("framing: unknown message tag %q", env.Type)
	}
	if err := json.Unmarshal(env.Payload, msg); err != nil {
		return nil, err
	}
	return deref(msg), nil
}

func typeTag(msg any) (string, bool) {
	switch msg.(type) {
	case InstallHooksMessage:
		return "install-hooks", true
	case InstallHooksAck:
		return "install-hooks-ack", true
	case RemoveHooksMessage:
		return "remove-hooks", true
	case RemoveHooksAck:
		return "remove-hooks-ack", true
	case SetBreakpointMessage:
		return "set-breakpoint", true
	case SetBreakpointAck:
		return "set-breakpoint-ack", true
	case RemoveBreakpointMessage:
		return "remove-breakpoint", true
	case RemoveBreakpointAck:
		return "remove-breakpoint-ack", true
	case SetWatchesMessage:
		return "set-watches", true
	case SetWatchesAck:
		return "set-watches-ack", true
	case ResumeMessage:
		return "resume", true
	case ReadMemoryMessage:
		return "read-memory", true
	case ReadMemoryResponse:
		return "read-response", true
	case WriteMemoryMessage:
		return "write-memory", true
	case WriteMemoryAck:
		return "write-response", true
	case EventsBatchMessage:
		return "events-batch", true
	case PausedMessage:
		return "paused", true
	case LogpointMessage:
		return "logpoint", true
	case ConditionErrorMessage:
		return "condition-error", true
	case OverflowMessage:
		return "overflow", true
	case CrashMessage:
		return "crash", true
	}
	return "", false
}

func newByTag(tag string) (any, bool) {
	switch tag {
	case "install-hooks":
		return &InstallHooksMessage{}, true
	case "install-hooks-ack":
		return &InstallHooksAck{}, true
	case "remove-hooks":
		return &RemoveHooksMessage{}, true
	case "remove-hooks-ack":
		return &RemoveHooksAck{}, true
	case "set-breakpoint":
		return &SetBreakpointMessage{}, true
	case "set-breakpoint-ack":
		return &SetBreakpointAck{}, true
	case "remove-breakpoint":
		return &RemoveBreakpointMessage{}, true
	case "remove-breakpoint-ack":
		return &RemoveBreakpointAck{}, true
	case "set-watches":
		return &SetWatchesMessage{}, true
	case "set-watches-ack":
		return &SetWatchesAck{}, true
	case "resume":
		return &ResumeMessage{}, true
	case "read-memory":
		return &ReadMemoryMessage{}, true
	case "read-response":
		return &ReadMemoryResponse{}, true
	case "write-memory":
		return &WriteMemoryMessage{}, true
	case "write-response":
		return &WriteMemoryAck{}, true
	case "events-batch":
		return &EventsBatchMessage{}, true
	case "paused":
		return &PausedMessage{}, true
	case "logpoint":
		return &LogpointMessage{}, true
	case "condition-error":
		return &ConditionErrorMessage{}, true
	case "overflow":
		return &OverflowMessage{}, true
	case "crash":
		return &CrashMessage{}, true
	}
	return nil, false
}

// deref unwraps the pointer newByTag allocated so callers switch on value
// types, the same shapes Marshal accepts.
func deref(msg any) any {
	switch m := msg.(type) {
	case *InstallHooksMessage:
		return *m
	case *InstallHooksAck:
		return *m
	case *RemoveHooksMessage:
		return *m
	case *RemoveHooksAck:
		return *m
	case *SetBreakpointMessage:
		return *m
	case *SetBreakpointAck:
		return *m
	case *RemoveBreakpointMessage:
		return *m
	case *RemoveBreakpointAck:
		return *m
	case *SetWatchesMessage:
		return *m
	case *SetWatchesAck:
		return *m
	case *ResumeMessage:
		return *m
	case *ReadMemoryMessage:
		return *m
	case *ReadMemoryResponse:
		return *m
	case *WriteMemoryMessage:
		return *m
	case *WriteMemoryAck:
		return *m
	case *EventsBatchMessage:
		return *m
	case *PausedMessage:
		return *m
	case *LogpointMessage:
		return *m
	case *ConditionErrorMessage:
		return *m
	case *OverflowMessage:
		return *m
	case *CrashMessage:
		return *m
	}
	return msg
}
