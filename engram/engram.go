// Package engram records agent working memory: the decisions, actions, and
// dead ends of a single run, committed as one content-addressed object when
// the session closes.
//
// Engrams are advisory. Failures recording or storing them must never abort
// the work they describe.
package engram

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// Outcome is the terminal disposition of a session.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeFailed  Outcome = "failed"
)

// Engram is one completed session, serialized to a single object.
//
// The content address is the BLAKE3 hex digest of the canonical encoding,
// which is the compact JSON of the struct with ContentHash cleared, plus a
// trailing newline. Field order is fixed by the struct definition; changing
// it changes every address.
type Engram struct {
	SessionID uuid.UUID         `json:"session_id"`
	TenantID  uuid.UUID         `json:"tenant_id"`
	AgentID   string            `json:"agent_id"`
	Intent    string            `json:"intent"`
	Context   map[string]string `json:"context,omitempty"`
	Decisions []Decision        `json:"decisions"`
	Actions   []Action          `json:"actions"`
	DeadEnds  []DeadEnd         `json:"dead_ends"`
	Outcome   Outcome           `json:"outcome"`
	Summary   string            `json:"summary,omitempty"`
	StartedAt time.Time         `json:"started_at"`
	ClosedAt  time.Time         `json:"closed_at"`

	ContentHash string `json:"content_hash,omitempty"`
}

// Decision is a choice made between alternatives.
type Decision struct {
	Description  string        `json:"description"`
	Alternatives []Alternative `json:"alternatives,omitempty"`
	Chosen       string        `json:"chosen"`
	Rationale    string        `json:"rationale,omitempty"`
	// Confidence is in [0,1]; zero means unreported.
	Confidence float64   `json:"confidence,omitempty"`
	At         time.Time `json:"at"`
}

// Alternative is an option that was considered and rejected.
type Alternative struct {
	Option          string `json:"option"`
	RejectedBecause string `json:"rejected_because,omitempty"`
}

// Action is one unit of work the agent performed.
type Action struct {
	Kind    string         `json:"kind"`
	Target  string         `json:"target"`
	Outcome string         `json:"outcome"`
	Counts  map[string]int `json:"counts,omitempty"`
	At      time.Time      `json:"at"`
}

// DeadEnd is an approach that did not pan out, kept so later runs don't
// repeat it.
type DeadEnd struct {
	Description string    `json:"description"`
	Evidence    string    `json:"evidence,omitempty"`
	At          time.Time `json:"at"`
}

// Canonical reports the canonical encoding of the engram, the bytes the
// content address is computed over.
func (e *Engram) Canonical() ([]byte, error) {
	c := *e
	c.ContentHash = ""
	b, err := json.Marshal(&c)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// Address computes the content address over the canonical encoding.
func (e *Engram) Address() (string, error) {
	b, err := e.Canonical()
	if err != nil {
		return "", err
	}
	return addressOf(b), nil
}

func addressOf(canonical []byte) string {
	sum := blake3.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}
