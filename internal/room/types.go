package room

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Card is one piece on the board. Fields other than id and zone are carried
// through unchanged in Extra.
type Card struct {
	ID    string
	Zone  string
	Extra map[string]json.RawMessage
}

// Clone returns a copy that shares no memory with c.
func (c Card) Clone() Card {
	out := Card{ID: c.ID, Zone: c.Zone}
	out.Extra = cloneRaw(c.Extra)
	return out
}

// MarshalJSON writes id, zone and the opaque payload as one flat object.
func (c Card) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(c.Extra)+2)
	for k, v := range c.Extra {
		fields[k] = v
	}
	id, _ := json.Marshal(c.ID)
	zone, _ := json.Marshal(c.Zone)
	fields["id"] = id
	fields["zone"] = zone
	return marshalSorted(fields)
}

// UnmarshalJSON splits id and zone from the rest of the object.
func (c *Card) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	var card Card
	if raw, ok := fields["id"]; ok {
		if err := json.Unmarshal(raw, &card.ID); err != nil {
			return fmt.Errorf("card id: %w", err)
		}
		delete(fields, "id")
	}
	if raw, ok := fields["zone"]; ok {
		if err := json.Unmarshal(raw, &card.Zone); err != nil {
			return fmt.Errorf("card %q zone: %w", card.ID, err)
		}
		delete(fields, "zone")
	}
	if len(fields) > 0 {
		card.Extra = fields
	}
	*c = card
	return nil
}

// State is the full board of one room.
type State struct {
	ID      string
	Version int64
	Cards   []Card
	// Extra holds template fields beyond id, version and cards.
	Extra map[string]json.RawMessage

	// lastApplied is the most recent operation. Replay rebuilds it and only
	// snapshots persist it.
	lastApplied *Operation
}

// Clone returns a deep copy of s.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := &State{
		ID:      s.ID,
		Version: s.Version,
		Extra:   cloneRaw(s.Extra),
	}
	if s.Cards != nil {
		out.Cards = make([]Card, len(s.Cards))
		for i, c := range s.Cards {
			out.Cards[i] = c.Clone()
		}
	}
	if s.lastApplied != nil {
		op := *s.lastApplied
		out.lastApplied = &op
	}
	return out
}

// Card returns the card with id and whether it exists.
func (s *State) Card(id string) (Card, bool) {
	if i := s.cardIndex(id); i >= 0 {
		return s.Cards[i].Clone(), true
	}
	return Card{}, false
}

func (s *State) cardIndex(id string) int {
	for i := range s.Cards {
		if s.Cards[i].ID == id {
			return i
		}
	}
	return -1
}

type stateJSON struct {
	ID      string `json:"id"`
	Version int64  `json:"version"`
	Cards   []Card `json:"cards"`
}

// MarshalJSON writes the room as {id, version, cards, ...extra}.
func (s State) MarshalJSON() ([]byte, error) {
	fields, err := s.fields()
	if err != nil {
		return nil, err
	}
	return marshalSorted(fields)
}

func (s State) fields() (map[string]json.RawMessage, error) {
	cards := s.Cards
	if cards == nil {
		cards = []Card{}
	}
	fields := make(map[string]json.RawMessage, len(s.Extra)+3)
	for k, v := range s.Extra {
		fields[k] = v
	}
	var err error
	if fields["id"], err = json.Marshal(s.ID); err != nil {
		return nil, err
	}
	if fields["version"], err = json.Marshal(s.Version); err != nil {
		return nil, err
	}
	if fields["cards"], err = json.Marshal(cards); err != nil {
		return nil, err
	}
	return fields, nil
}

// snapshotLastOpKey holds the last applied operation inside a snapshot.
const snapshotLastOpKey = "lastOp"

// encodeSnapshot is MarshalJSON plus the last applied operation, so a retry
// can still be recognized after the room is rebuilt from the snapshot.
func encodeSnapshot(s *State) ([]byte, error) {
	fields, err := s.fields()
	if err != nil {
		return nil, err
	}
	if s.lastApplied != nil {
		if fields[snapshotLastOpKey], err = json.Marshal(s.lastApplied); err != nil {
			return nil, err
		}
	}
	return marshalSorted(fields)
}

func decodeSnapshot(data []byte) (*State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if raw, ok := s.Extra[snapshotLastOpKey]; ok {
		var op Operation
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, fmt.Errorf("snapshot last op: %w", err)
		}
		s.lastApplied = &op
		delete(s.Extra, snapshotLastOpKey)
		if len(s.Extra) == 0 {
			s.Extra = nil
		}
	}
	return &s, nil
}

// UnmarshalJSON reads a room or template document.
func (s *State) UnmarshalJSON(data []byte) error {
	var known stateJSON
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	delete(fields, "id")
	delete(fields, "version")
	delete(fields, "cards")

	*s = State{ID: known.ID, Version: known.Version, Cards: known.Cards}
	if len(fields) > 0 {
		s.Extra = fields
	}
	return nil
}

func cloneRaw(in map[string]json.RawMessage) map[string]json.RawMessage {
	if in == nil {
		return nil
	}
	out := make(map[string]json.RawMessage, len(in))
	for k, v := range in {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// marshalSorted writes fields in key order so equal values encode identically.
func marshalSorted(fields map[string]json.RawMessage) ([]byte, error) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		v := fields[k]
		if len(v) == 0 {
			v = json.RawMessage("null")
		}
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
