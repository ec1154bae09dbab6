package domain

import "worknode/internal/lifecycle"

type Node struct {
	ID           string           `json:"id"`
	OwnerID      string           `json:"owner_id"`
	Title        string           `json:"title"`
	Context      string           `json:"context,omitempty"`
	Status       lifecycle.Status `json:"status"`
	Temperature  float64          `json:"temperature"`
	DueDate      *string          `json:"due_date,omitempty" format:"date"`
	ParentID     *string          `json:"parent_id,omitempty"`
	SiblingOrder int              `json:"sibling_order"`
	CreatedAt    string           `json:"created_at" format:"date-time"`
	UpdatedAt    string           `json:"updated_at" format:"date-time"`
}

type Edge struct {
	ParentID  string `json:"parent_id"`
	ChildID   string `json:"child_id"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Group struct {
	ID        string   `json:"id"`
	OwnerID   string   `json:"owner_id"`
	Label     string   `json:"label"`
	Members   []string `json:"members"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}

type Relation struct {
	ID           string `json:"id"`
	FromNodeID   string `json:"from_node_id"`
	ToNodeID     string `json:"to_node_id"`
	RelationType string `json:"relation_type"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

// Confirmation authorizes exactly one application of Change against SubjectNodeID.
type Confirmation struct {
	ID            string
	SubjectNodeID string
	ActorID       string
	ActorClass    string
	Change        ProposedChange
	Consumed      bool
	ConsumedAt    *string
	IssuedAt      string
	ExpiresAt     string
}

// Provenance records what produced a history entry.
type Provenance string

const (
	ProvenanceConfirmation Provenance = "confirmation"
	ProvenanceCascade      Provenance = "cascade"
	ProvenanceDirect       Provenance = "direct"
)

// HistoryEntry is append-only. FromStatus equals ToStatus for memo entries.
type HistoryEntry struct {
	ID                 int64            `json:"id"`
	NodeID             string           `json:"node_id"`
	FromStatus         lifecycle.Status `json:"from_status"`
	ToStatus           lifecycle.Status `json:"to_status"`
	Reason             string           `json:"reason"`
	Provenance         Provenance       `json:"provenance" enum:"confirmation,cascade,direct"`
	ConfirmationID     *string          `json:"confirmation_id,omitempty"`
	IssuerID           *string          `json:"issuer_id,omitempty"`
	IssuerClass        *string          `json:"issuer_class,omitempty"`
	ProposedChangeJSON *string          `json:"proposed_change_json,omitempty"`
	CreatedAt          string           `json:"created_at" format:"date-time"`
}

// StatusChanged reports whether the entry moved the node to a new status.
func (h HistoryEntry) StatusChanged() bool {
	return h.FromStatus != h.ToStatus
}
