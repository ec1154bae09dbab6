package worknodesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal worknode HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	// ActorID and ActorClass are sent as headers when no token is set; the server
	// honours them only with allow_legacy_actor_header enabled.
	ActorID    string
	ActorClass string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

type Node struct {
	ID           string  `json:"id"`
	OwnerID      string  `json:"owner_id"`
	Title        string  `json:"title"`
	Context      string  `json:"context,omitempty"`
	Status       string  `json:"status"`
	Temperature  float64 `json:"temperature"`
	DueDate      *string `json:"due_date,omitempty"`
	ParentID     *string `json:"parent_id,omitempty"`
	SiblingOrder int     `json:"sibling_order"`
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at"`
}

// ProposedChange is the tagged form of a change awaiting confirmation.
type ProposedChange struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewChange marshals payload under the given type tag.
func NewChange(changeType string, payload any) (ProposedChange, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return ProposedChange{}, err
	}
	return ProposedChange{Type: changeType, Payload: raw}, nil
}

type Confirmation struct {
	ID             string         `json:"id"`
	SubjectNodeID  string         `json:"subject_node_id"`
	ActorID        string         `json:"actor_id"`
	ActorClass     string         `json:"actor_class"`
	ProposedChange ProposedChange `json:"proposed_change"`
	Consumed       bool           `json:"consumed"`
	ConsumedAt     *string        `json:"consumed_at,omitempty"`
	IssuedAt       string         `json:"issued_at"`
	ExpiresAt      string         `json:"expires_at"`
}

type CascadeResult struct {
	TargetStatus string   `json:"target_status"`
	UpdatedCount int      `json:"updated_count"`
	UpdatedIDs   []string `json:"updated_ids"`
}

type StatusChangeResult struct {
	NodeID     string         `json:"node_id"`
	FromStatus string         `json:"from_status"`
	ToStatus   string         `json:"to_status"`
	Changed    bool           `json:"changed"`
	Cascade    *CascadeResult `json:"cascade,omitempty"`
	Warnings   []string       `json:"warnings,omitempty"`
}

type RelationResult struct {
	ID           string   `json:"id"`
	FromNodeID   string   `json:"from_node_id"`
	ToNodeID     string   `json:"to_node_id"`
	RelationType string   `json:"relation_type"`
	Warnings     []string `json:"warnings,omitempty"`
}

type GroupingResult struct {
	GroupID     string   `json:"group_id"`
	Label       string   `json:"label"`
	MemberCount int      `json:"member_count"`
	Warnings    []string `json:"warnings,omitempty"`
}

type CreatedChild struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type DecompositionResult struct {
	ParentNodeID    string         `json:"parent_node_id"`
	CreatedChildren []CreatedChild `json:"created_children"`
	Warnings        []string       `json:"warnings,omitempty"`
}

type HistoryEntry struct {
	ID                 int64   `json:"id"`
	NodeID             string  `json:"node_id"`
	FromStatus         string  `json:"from_status"`
	ToStatus           string  `json:"to_status"`
	Reason             string  `json:"reason"`
	Provenance         string  `json:"provenance"`
	ConfirmationID     *string `json:"confirmation_id,omitempty"`
	IssuerID           *string `json:"issuer_id,omitempty"`
	IssuerClass        *string `json:"issuer_class,omitempty"`
	ProposedChangeJSON *string `json:"proposed_change_json,omitempty"`
	CreatedAt          string  `json:"created_at"`
}

// APIError wraps non-2xx responses. Code and Details come from the error envelope
// when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// CreateNode creates a node owned by the caller.
func (c *Client) CreateNode(ctx context.Context, title, parentID string) (Node, error) {
	body := map[string]any{"title": title}
	if parentID != "" {
		body["parent_id"] = parentID
	}
	var resp Node
	err := c.do(ctx, http.MethodPost, "nodes", body, &resp)
	return resp, err
}

func (c *Client) GetNode(ctx context.Context, id string) (Node, error) {
	var resp Node
	err := c.do(ctx, http.MethodGet, "nodes/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// IssueConfirmation asks the server to confirm change against subjectNodeID.
func (c *Client) IssueConfirmation(ctx context.Context, subjectNodeID string, change ProposedChange) (Confirmation, error) {
	body := map[string]any{"subject_node_id": subjectNodeID, "proposed_change": change}
	var resp Confirmation
	err := c.do(ctx, http.MethodPost, "confirmations", body, &resp)
	return resp, err
}

func (c *Client) ApplyStatusChange(ctx context.Context, nodeID, confirmationID, toStatus, reason string) (StatusChangeResult, error) {
	body := map[string]any{"confirmation_id": confirmationID, "to_status": toStatus}
	if reason != "" {
		body["reason"] = reason
	}
	var resp StatusChangeResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("nodes/%s/status", url.PathEscape(nodeID)), body, &resp)
	return resp, err
}

func (c *Client) ApplyRelationDiff(ctx context.Context, confirmationID string) (RelationResult, error) {
	var resp RelationResult
	err := c.do(ctx, http.MethodPost, c.applyPath(confirmationID, "relation"), nil, &resp)
	return resp, err
}

func (c *Client) ApplyGroupingDiff(ctx context.Context, confirmationID string) (GroupingResult, error) {
	var resp GroupingResult
	err := c.do(ctx, http.MethodPost, c.applyPath(confirmationID, "grouping"), nil, &resp)
	return resp, err
}

func (c *Client) ApplyDecompositionDiff(ctx context.Context, confirmationID string) (DecompositionResult, error) {
	var resp DecompositionResult
	err := c.do(ctx, http.MethodPost, c.applyPath(confirmationID, "decomposition"), nil, &resp)
	return resp, err
}

// MoveNode reparents nodeID; an empty newParentID moves it to the root level.
func (c *Client) MoveNode(ctx context.Context, nodeID, newParentID string, orderedSiblingIDs []string) (Node, error) {
	body := map[string]any{}
	if newParentID != "" {
		body["new_parent_id"] = newParentID
	}
	if len(orderedSiblingIDs) > 0 {
		body["ordered_sibling_ids"] = orderedSiblingIDs
	}
	var resp Node
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("nodes/%s/move", url.PathEscape(nodeID)), body, &resp)
	return resp, err
}

func (c *Client) CascadeStatus(ctx context.Context, nodeID, targetStatus string) (CascadeResult, error) {
	var resp CascadeResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("nodes/%s/cascade", url.PathEscape(nodeID)), map[string]any{"target_status": targetStatus}, &resp)
	return resp, err
}

func (c *Client) GetValidTransitions(ctx context.Context, nodeID string) ([]string, error) {
	var resp struct {
		Valid []string `json:"valid_transitions"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("nodes/%s/transitions", url.PathEscape(nodeID)), nil, &resp)
	return resp.Valid, err
}

// GetHistory returns up to limit entries, newest first.
func (c *Client) GetHistory(ctx context.Context, nodeID string, limit int) ([]HistoryEntry, error) {
	endpoint := fmt.Sprintf("nodes/%s/history", url.PathEscape(nodeID))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Items []HistoryEntry `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) applyPath(confirmationID, protocol string) string {
	return fmt.Sprintf("confirmations/%s/apply/%s", url.PathEscape(confirmationID), protocol)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
		if c.ActorClass != "" {
			req.Header.Set("X-Actor-Class", c.ActorClass)
		}
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeAPIError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
	}
	return apiErr
}

func (c *Client) base() string {
	basePath := strings.Trim(c.BasePath, "/")
	if basePath == "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + basePath
}
