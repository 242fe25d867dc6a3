package services

import (
	"context"
	"fmt"
	"sync"

	"github.com/icube-dev/traego/internal/trace"
	"github.com/icube-dev/traego/internal/transport"
)

// Qualification is the account's solo-mode entitlement.
type Qualification struct {
	Qualified       bool     `json:"qualified"`
	CanUseSolo      bool     `json:"can_use_solo"`
	PlanType        string   `json:"plan_type"`
	Features        []string `json:"features"`
	MaxSessions     int      `json:"max_sessions"`
	CurrentSessions int      `json:"current_sessions"`
}

// SoloSession is one solo-mode session.
type SoloSession struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// SoloStatus is a snapshot of the solo state.
type SoloStatus struct {
	Qualified     bool           `json:"qualified"`
	CanUse        bool           `json:"can_use"`
	ModeEnabled   bool           `json:"mode_enabled"`
	SessionsCount int            `json:"sessions_count"`
	Qualification *Qualification `json:"qualification,omitempty"`
}

// Solo wraps the solo-mode endpoints: qualification, mode toggling and
// session management.
type Solo struct {
	tp *transport.Transport

	mu            sync.Mutex
	qualification *Qualification
	enabled       bool
	sessions      []SoloSession
}

// NewSolo creates the solo service.
func NewSolo(tp *transport.Transport) *Solo {
	return &Solo{tp: tp}
}

// Qualification fetches and caches the entitlement.
func (s *Solo) Qualification(ctx context.Context) (*Qualification, error) {
	env, err := s.tp.Execute(ctx, transport.Request{
		Method: "GET",
		Path:   "/trae/api/v1/trae_solo_qualification",
		Kind:   trace.KindSolo,
	})
	if err != nil {
		return nil, err
	}

	var q Qualification
	if err := env.Decode(&q); err != nil {
		return nil, fmt.Errorf("decode qualification: %w", err)
	}

	s.mu.Lock()
	s.qualification = &q
	s.mu.Unlock()
	return &q, nil
}

// CanUse reports whether solo mode is usable, fetching the
// qualification if it hasn't been yet.
func (s *Solo) CanUse(ctx context.Context) bool {
	s.mu.Lock()
	q := s.qualification
	s.mu.Unlock()
	if q == nil {
		fetched, err := s.Qualification(ctx)
		if err != nil {
			return false
		}
		q = fetched
	}
	return q.CanUseSolo
}

// Enable turns solo mode on. Requires a usable qualification.
func (s *Solo) Enable(ctx context.Context) error {
	if !s.CanUse(ctx) {
		return fmt.Errorf("account not qualified for solo mode")
	}

	_, err := s.tp.Execute(ctx, transport.Request{
		Method: "POST",
		Path:   "/trae/api/v1/trae_solo/enable",
		Kind:   trace.KindSolo,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.enabled = true
	s.mu.Unlock()
	return nil
}

// Disable turns solo mode off.
func (s *Solo) Disable(ctx context.Context) error {
	_, err := s.tp.Execute(ctx, transport.Request{
		Method: "POST",
		Path:   "/trae/api/v1/trae_solo/disable",
		Kind:   trace.KindSolo,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.enabled = false
	s.mu.Unlock()
	return nil
}

// Sessions fetches the active solo sessions.
func (s *Solo) Sessions(ctx context.Context) ([]SoloSession, error) {
	env, err := s.tp.Execute(ctx, transport.Request{
		Method: "GET",
		Path:   "/trae/api/v1/trae_solo/sessions",
		Kind:   trace.KindSolo,
	})
	if err != nil {
		return nil, err
	}

	var payload struct {
		Sessions []SoloSession `json:"sessions"`
	}
	if err := env.Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode solo sessions: %w", err)
	}

	s.mu.Lock()
	s.sessions = payload.Sessions
	s.mu.Unlock()
	return payload.Sessions, nil
}

// CreateSession starts a new solo session.
func (s *Solo) CreateSession(ctx context.Context, name string) (*SoloSession, error) {
	body := map[string]any{}
	if name != "" {
		body["name"] = name
	}

	env, err := s.tp.Execute(ctx, transport.Request{
		Method: "POST",
		Path:   "/trae/api/v1/trae_solo/sessions",
		Body:   body,
		Kind:   trace.KindSolo,
	})
	if err != nil {
		return nil, err
	}

	var payload struct {
		Session SoloSession `json:"session"`
	}
	if err := env.Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode created session: %w", err)
	}

	s.mu.Lock()
	s.sessions = append(s.sessions, payload.Session)
	s.mu.Unlock()
	return &payload.Session, nil
}

// EndSession terminates a solo session.
func (s *Solo) EndSession(ctx context.Context, sessionID string) error {
	_, err := s.tp.Execute(ctx, transport.Request{
		Method: "DELETE",
		Path:   "/trae/api/v1/trae_solo/sessions/" + sessionID,
		Kind:   trace.KindSolo,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	kept := s.sessions[:0]
	for _, sess := range s.sessions {
		if sess.ID != sessionID {
			kept = append(kept, sess)
		}
	}
	s.sessions = kept
	s.mu.Unlock()
	return nil
}

// Status returns a local snapshot without network calls.
func (s *Solo) Status() SoloStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := SoloStatus{
		ModeEnabled:   s.enabled,
		SessionsCount: len(s.sessions),
		Qualification: s.qualification,
	}
	if s.qualification != nil {
		st.Qualified = s.qualification.Qualified
		st.CanUse = s.qualification.CanUseSolo
	}
	return st
}
