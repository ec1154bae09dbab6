package domain

import (
	"bytes"
	"encoding/json"
	"fmt"

	"worknode/internal/lifecycle"
)

type ChangeKind string

const (
	KindStatusChange  ChangeKind = "status_change"
	KindRelation      ChangeKind = "relation"
	KindGrouping      ChangeKind = "grouping"
	KindDecomposition ChangeKind = "decomposition"
)

// ProposedChange is the closed set of mutations a Confirmation can authorize.
type ProposedChange interface {
	Kind() ChangeKind
	isProposedChange()
}

type StatusChange struct {
	From lifecycle.Status `json:"from" validate:"status"`
	To   lifecycle.Status `json:"to" validate:"status"`
}

type RelationChange struct {
	FromNodeID   string `json:"from_node_id" validate:"nonblank"`
	ToNodeID     string `json:"to_node_id" validate:"nonblank,nefield=FromNodeID"`
	RelationType string `json:"relation_type" validate:"nonblank"`
}

type GroupingChange struct {
	NodeIDs []string `json:"node_ids" validate:"min=2,unique,dive,nonblank"`
	Label   string   `json:"label" validate:"nonblank"`
}

type DecompositionChange struct {
	ParentNodeID string      `json:"parent_node_id" validate:"nonblank"`
	Children     []ChildSpec `json:"children" validate:"min=1,dive"`
}

type ChildSpec struct {
	Title         string           `json:"title" validate:"nonblank"`
	Context       string           `json:"context,omitempty"`
	InitialStatus lifecycle.Status `json:"initial_status,omitempty" validate:"omitempty,status"`
}

func (StatusChange) Kind() ChangeKind        { return KindStatusChange }
func (RelationChange) Kind() ChangeKind      { return KindRelation }
func (GroupingChange) Kind() ChangeKind      { return KindGrouping }
func (DecompositionChange) Kind() ChangeKind { return KindDecomposition }

func (StatusChange) isProposedChange()        {}
func (RelationChange) isProposedChange()      {}
func (GroupingChange) isProposedChange()      {}
func (DecompositionChange) isProposedChange() {}

// ChangeEnvelope is the stored and wire form of a ProposedChange.
type ChangeEnvelope struct {
	Type    ChangeKind      `json:"type" enum:"status_change,relation,grouping,decomposition"`
	Payload json.RawMessage `json:"payload"`
}

// Envelope wraps c with its type tag.
func Envelope(c ProposedChange) (ChangeEnvelope, error) {
	if c == nil {
		return ChangeEnvelope{}, ValidationError{Field: "proposed_change", Reason: "required"}
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return ChangeEnvelope{}, fmt.Errorf("marshal %s: %w", c.Kind(), err)
	}
	return ChangeEnvelope{Type: c.Kind(), Payload: payload}, nil
}

// EncodeChange returns the canonical JSON form of c.
func EncodeChange(c ProposedChange) ([]byte, error) {
	env, err := Envelope(c)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// DecodeChange parses the canonical JSON form produced by EncodeChange.
func DecodeChange(data []byte) (ProposedChange, error) {
	var env ChangeEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, ValidationError{Field: "proposed_change", Reason: err.Error()}
	}
	return env.Decode()
}

// Decode unwraps the envelope into its concrete variant.
func (env ChangeEnvelope) Decode() (ProposedChange, error) {
	var (
		c   ProposedChange
		err error
	)
	switch env.Type {
	case KindStatusChange:
		var v StatusChange
		err = decodePayload(env.Payload, &v)
		c = v
	case KindRelation:
		var v RelationChange
		err = decodePayload(env.Payload, &v)
		c = v
	case KindGrouping:
		var v GroupingChange
		err = decodePayload(env.Payload, &v)
		c = v
	case KindDecomposition:
		var v DecompositionChange
		err = decodePayload(env.Payload, &v)
		c = v
	default:
		return nil, ValidationError{Field: "proposed_change.type", Reason: fmt.Sprintf("unknown change type %q", env.Type)}
	}
	if err != nil {
		return nil, ValidationError{Field: "proposed_change.payload", Reason: err.Error()}
	}
	return c, nil
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("payload required")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// SameChange compares two changes by their canonical encoding.
func SameChange(a, b ProposedChange) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ea, errA := EncodeChange(a)
	eb, errB := EncodeChange(b)
	return errA == nil && errB == nil && bytes.Equal(ea, eb)
}
