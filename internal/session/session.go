// Package session keeps per-login conversation state: history, the last
// turn's tool trace and the business audit status.
package session

import (
	"context"
	"errors"
	"slices"
	"time"

	"abi-agent/internal/convo"
	"abi-agent/internal/tools"

	"github.com/google/uuid"
)

// PendingAudit is the audit status before the first audit run.
const PendingAudit = "Pending (Run Audit)"

// ErrNotFound is returned for unknown or expired tokens.
var ErrNotFound = errors.New("session not found")

// Session is one authenticated conversation.
type Session struct {
	Token         string        `json:"token"`
	Username      string        `json:"username"`
	Persona       tools.Persona `json:"persona"`
	CustomerID    string        `json:"customer_id,omitempty"`
	History       []convo.Turn  `json:"history"`
	Audit         []convo.Step  `json:"audit"`
	RevenueStatus string        `json:"revenue_status"`
	DelayStatus   string        `json:"delay_status"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// New starts a session with a random token.
func New(username string, persona tools.Persona, customerID string) *Session {
	now := time.Now().UTC()
	return &Session{
		Token:         uuid.NewString(),
		Username:      username,
		Persona:       persona,
		CustomerID:    customerID,
		RevenueStatus: PendingAudit,
		DelayStatus:   PendingAudit,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// AppendTurn records a prompt and its answer. The audit log holds only the
// latest turn's steps.
func (s *Session) AppendTurn(prompt, answer string, steps []convo.Step) {
	s.History = append(s.History,
		convo.Turn{Role: "user", Content: prompt},
		convo.Turn{Role: "assistant", Content: answer},
	)
	s.Audit = slices.Clone(steps)
	s.UpdatedAt = time.Now().UTC()
}

// Reset clears the conversation and audit state.
func (s *Session) Reset() {
	s.History = nil
	s.Audit = nil
	s.RevenueStatus = PendingAudit
	s.DelayStatus = PendingAudit
	s.UpdatedAt = time.Now().UTC()
}

func (s *Session) clone() *Session {
	c := *s
	c.History = slices.Clone(s.History)
	c.Audit = slices.Clone(s.Audit)
	return &c
}

// Store persists sessions by token.
type Store interface {
	Get(ctx context.Context, token string) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Delete(ctx context.Context, token string) error
}
