package room

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cardroom/internal/storage"
)

// OpMove relocates a card to another zone.
const OpMove = "move"

var (
	// ErrInvalidOperation covers unsupported types and malformed operations.
	ErrInvalidOperation = errors.New("invalid operation")
	// ErrMissingVersion is returned when the client did not declare clientV.
	ErrMissingVersion = fmt.Errorf("%w: clientV is required", ErrInvalidOperation)
	// ErrUnknownCard is returned when an operation references a missing card.
	ErrUnknownCard = fmt.Errorf("%w: unknown card", ErrInvalidOperation)
	// ErrPersistence wraps failures of the durable store.
	ErrPersistence = errors.New("persistence failure")
)

// ConflictError reports that the client computed its operation against a stale
// version. State is the authoritative room the client should rebase on.
type ConflictError struct {
	ClientVersion  int64
	CurrentVersion int64
	State          *State
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict: client at %d, room at %d", e.ClientVersion, e.CurrentVersion)
}

// ClientOp is an operation as submitted by a client.
type ClientOp struct {
	Type    string `json:"type"`
	CardID  string `json:"cardId"`
	ToZone  string `json:"toZone"`
	ClientV *int64 `json:"clientV"`
	// OpID optionally identifies the submission so a retry of an already
	// applied operation can be recognized.
	OpID string `json:"opId,omitempty"`
}

// Operation is an accepted, versioned mutation as stored in the log and sent
// to observers.
type Operation struct {
	Type    string `json:"type"`
	CardID  string `json:"cardId"`
	ToZone  string `json:"toZone"`
	Version int64  `json:"version"`
	OpID    string `json:"opId,omitempty"`
}

// Result is the outcome of a successful Apply.
type Result struct {
	Delta     Operation `json:"delta"`
	Version   int64     `json:"version"`
	State     *State    `json:"state"`
	Duplicate bool      `json:"duplicate,omitempty"`
}

// validate checks the operation against the room without mutating it.
func (op ClientOp) validate(s *State) error {
	if op.Type != OpMove {
		return fmt.Errorf("%w: unsupported type %q", ErrInvalidOperation, op.Type)
	}
	if op.ClientV == nil {
		return ErrMissingVersion
	}
	if strings.TrimSpace(op.CardID) == "" {
		return fmt.Errorf("%w: cardId is required", ErrInvalidOperation)
	}
	if strings.TrimSpace(op.ToZone) == "" {
		return fmt.Errorf("%w: toZone is required", ErrInvalidOperation)
	}
	if s.cardIndex(op.CardID) < 0 {
		return fmt.Errorf("%w %q", ErrUnknownCard, op.CardID)
	}
	return nil
}

// applyOp mutates s in place. It is deterministic in (s, op) so replay
// reproduces the live state.
func applyOp(s *State, op Operation) error {
	switch op.Type {
	case OpMove:
		i := s.cardIndex(op.CardID)
		if i < 0 {
			return fmt.Errorf("%w %q", ErrUnknownCard, op.CardID)
		}
		s.Cards[i].Zone = op.ToZone
	default:
		return fmt.Errorf("%w: unsupported type %q", ErrInvalidOperation, op.Type)
	}
	s.Version = op.Version
	applied := op
	s.lastApplied = &applied
	return nil
}

// Replay applies entries to a copy of base in version order. Entries must be
// contiguous, starting at base.Version+1.
func Replay(base *State, entries []storage.LogEntry) (*State, error) {
	state := base.Clone()
	for _, entry := range entries {
		if entry.Version != state.Version+1 {
			return nil, fmt.Errorf("log gap in room %q: have version %d, next entry %d", state.ID, state.Version, entry.Version)
		}
		var op Operation
		if err := json.Unmarshal(entry.Op, &op); err != nil {
			return nil, fmt.Errorf("decode op %d: %w", entry.Version, err)
		}
		op.Version = entry.Version
		if err := applyOp(state, op); err != nil {
			return nil, fmt.Errorf("replay op %d: %w", entry.Version, err)
		}
	}
	return state, nil
}
