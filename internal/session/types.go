// Package session provides in-memory conversation session storage with
// TTL-based expiry and optional JSON snapshot persistence.
//
// Responsibilities: hold per-session conversation history (turns), expire
// idle sessions, and serialize concurrent requests for the same session.
// Thread Safety: Store is safe for concurrent use; Session values returned
// from the store are snapshots owned by the caller.
package session

import (
	"time"
)

// Session represents a conversation session.
//
// Values returned by the store are defensive copies; mutating them does not
// affect stored state. All writes go through Store methods.
type Session struct {
	ID         string            `json:"id"`
	Turns      []Turn            `json:"turns"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	LastActive time.Time         `json:"last_active"`
}

// Turn records one completed request/response exchange, including every tool
// call the assistant made while producing the response.
type Turn struct {
	UserMessage      string           `json:"user_message"`
	AssistantMessage string           `json:"assistant_message"`
	ToolCalls        []ToolCallRecord `json:"tool_calls,omitempty"`
	At               time.Time        `json:"at"`
}

// ToolCallRecord captures a single tool invocation made during a turn.
// Result holds the tool output on success; Error holds the final error
// message when all attempts failed.
type ToolCallRecord struct {
	Tool      string         `json:"tool"`
	Args      map[string]any `json:"args,omitempty"`
	Result    string         `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	Retries   int            `json:"retries"`
	StartedAt time.Time      `json:"started_at"`
	Duration  time.Duration  `json:"duration"`
}

// clone returns a deep copy of the session.
func (s *Session) clone() *Session {
	cp := &Session{
		ID:         s.ID,
		CreatedAt:  s.CreatedAt,
		LastActive: s.LastActive,
	}
	if s.Turns != nil {
		cp.Turns = make([]Turn, len(s.Turns))
		copy(cp.Turns, s.Turns)
		for i := range cp.Turns {
			if tc := s.Turns[i].ToolCalls; tc != nil {
				cp.Turns[i].ToolCalls = make([]ToolCallRecord, len(tc))
				copy(cp.Turns[i].ToolCalls, tc)
			}
		}
	}
	if s.Metadata != nil {
		cp.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}
