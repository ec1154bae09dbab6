package server

import (
	"worknode/internal/domain"
	"worknode/internal/engine"
	"worknode/internal/lifecycle"
)

// Request payloads

type CreateNodeRequest struct {
	Title       string   `json:"title"`
	Context     *string  `json:"context,omitempty"`
	ParentID    *string  `json:"parent_id,omitempty"`
	Status      *string  `json:"status,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	DueDate     *string  `json:"due_date,omitempty" doc:"YYYY-MM-DD or a phrase such as 'next friday'"`
}

type UpdateNodeRequest struct {
	Title       *string  `json:"title,omitempty"`
	Context     *string  `json:"context,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	DueDate     *string  `json:"due_date,omitempty" doc:"empty string clears the due date"`
}

type MoveNodeRequest struct {
	NewParentID       *string  `json:"new_parent_id,omitempty" doc:"null or omitted moves the node to the root level"`
	OrderedSiblingIDs []string `json:"ordered_sibling_ids,omitempty"`
}

type ApplyStatusRequest struct {
	ConfirmationID string `json:"confirmation_id"`
	ToStatus       string `json:"to_status"`
	Reason         string `json:"reason,omitempty"`
}

type CascadeRequest struct {
	TargetStatus string `json:"target_status" enum:"done,cooling,dormant,cancelled"`
}

type EstimateRequest struct {
	Text string `json:"text"`
}

type IssueConfirmationRequest struct {
	SubjectNodeID  string                `json:"subject_node_id"`
	ProposedChange domain.ChangeEnvelope `json:"proposed_change"`
}

type DevLoginRequest struct {
	ActorID    string `json:"actor_id"`
	ActorClass string `json:"actor_class,omitempty" enum:"human,agent,batch,internal"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type ConfirmationResponse struct {
	ID             string                `json:"id"`
	SubjectNodeID  string                `json:"subject_node_id"`
	ActorID        string                `json:"actor_id"`
	ActorClass     string                `json:"actor_class"`
	ProposedChange domain.ChangeEnvelope `json:"proposed_change"`
	Consumed       bool                  `json:"consumed"`
	ConsumedAt     *string               `json:"consumed_at,omitempty"`
	IssuedAt       string                `json:"issued_at"`
	ExpiresAt      string                `json:"expires_at"`
}

type CascadeResponse struct {
	TargetStatus string   `json:"target_status"`
	UpdatedCount int      `json:"updated_count"`
	UpdatedIDs   []string `json:"updated_ids"`
}

type StatusChangeResponse struct {
	NodeID     string           `json:"node_id"`
	FromStatus string           `json:"from_status"`
	ToStatus   string           `json:"to_status"`
	Changed    bool             `json:"changed"`
	Cascade    *CascadeResponse `json:"cascade,omitempty"`
	Warnings   []string         `json:"warnings,omitempty"`
}

type RelationResponse struct {
	ID           string   `json:"id"`
	FromNodeID   string   `json:"from_node_id"`
	ToNodeID     string   `json:"to_node_id"`
	RelationType string   `json:"relation_type"`
	Warnings     []string `json:"warnings,omitempty"`
}

type GroupingResponse struct {
	GroupID     string   `json:"group_id"`
	Label       string   `json:"label"`
	MemberCount int      `json:"member_count"`
	Warnings    []string `json:"warnings,omitempty"`
}

type DecompositionResponse struct {
	ParentNodeID    string                `json:"parent_node_id"`
	CreatedChildren []engine.CreatedChild `json:"created_children"`
	Warnings        []string              `json:"warnings,omitempty"`
}

type TransitionsResponse struct {
	NodeID  string   `json:"node_id"`
	Current string   `json:"current_status"`
	Valid   []string `json:"valid_transitions"`
}

type EstimateResponse struct {
	Current   string  `json:"current_status"`
	Suggested *string `json:"suggested_status"`
}

type historyList struct {
	Items []domain.HistoryEntry `json:"items"`
}

func confirmationResponse(c domain.Confirmation) (ConfirmationResponse, error) {
	env, err := domain.Envelope(c.Change)
	if err != nil {
		return ConfirmationResponse{}, err
	}
	return ConfirmationResponse{
		ID:             c.ID,
		SubjectNodeID:  c.SubjectNodeID,
		ActorID:        c.ActorID,
		ActorClass:     c.ActorClass,
		ProposedChange: env,
		Consumed:       c.Consumed,
		ConsumedAt:     c.ConsumedAt,
		IssuedAt:       c.IssuedAt,
		ExpiresAt:      c.ExpiresAt,
	}, nil
}

func cascadeResponse(r engine.CascadeResult) CascadeResponse {
	ids := r.UpdatedIDs
	if ids == nil {
		ids = []string{}
	}
	return CascadeResponse{TargetStatus: string(r.Target), UpdatedCount: r.UpdatedCount, UpdatedIDs: ids}
}

func statusStrings(in []lifecycle.Status) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, string(s))
	}
	return out
}

func nonNilSlice(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
