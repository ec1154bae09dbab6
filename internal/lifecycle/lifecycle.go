package lifecycle

import (
	"fmt"
	"sort"
	"strings"
)

// Status is the lifecycle state of a node.
type Status string

const (
	Captured        Status = "captured"
	Clarifying      Status = "clarifying"
	Ready           Status = "ready"
	InProgress      Status = "in_progress"
	Delegated       Status = "delegated"
	WaitingExternal Status = "waiting_external"
	Scheduled       Status = "scheduled"
	Blocked         Status = "blocked"
	NeedsDecision   Status = "needs_decision"
	NeedsReview     Status = "needs_review"
	Cooling         Status = "cooling"
	Dormant         Status = "dormant"
	Reactivated     Status = "reactivated"
	Done            Status = "done"
	Cancelled       Status = "cancelled"
)

// Phase groups statuses for display and filtering.
type Phase string

const (
	PhaseEntry    Phase = "entry"
	PhaseActive   Phase = "active"
	PhaseStalled  Phase = "stalled"
	PhaseDormant  Phase = "dormant"
	PhaseTerminal Phase = "terminal"
)

// All lists every status in declaration order.
var All = []Status{
	Captured, Clarifying, Ready,
	InProgress, Delegated, WaitingExternal, Scheduled,
	Blocked, NeedsDecision, NeedsReview,
	Cooling, Dormant, Reactivated,
	Done, Cancelled,
}

var phases = map[Status]Phase{
	Captured:        PhaseEntry,
	Clarifying:      PhaseEntry,
	Ready:           PhaseEntry,
	InProgress:      PhaseActive,
	Delegated:       PhaseActive,
	WaitingExternal: PhaseActive,
	Scheduled:       PhaseActive,
	Blocked:         PhaseStalled,
	NeedsDecision:   PhaseStalled,
	NeedsReview:     PhaseStalled,
	Cooling:         PhaseDormant,
	Dormant:         PhaseDormant,
	Reactivated:     PhaseDormant,
	Done:            PhaseTerminal,
	Cancelled:       PhaseTerminal,
}

// transitions lists the statuses directly reachable from each status.
// Self transitions are implied and never listed.
var transitions = map[Status][]Status{
	Captured:        {Clarifying, Ready, InProgress, Scheduled, Delegated, Cooling, Dormant, Done, Cancelled},
	Clarifying:      {Ready, NeedsDecision, Blocked, Cooling, Dormant, Cancelled},
	Ready:           {InProgress, Scheduled, Delegated, Blocked, Cooling, Dormant, Done, Cancelled},
	InProgress:      {Ready, WaitingExternal, Delegated, Blocked, NeedsDecision, NeedsReview, Cooling, Done, Cancelled},
	Delegated:       {InProgress, WaitingExternal, Blocked, NeedsReview, Done, Cancelled},
	WaitingExternal: {InProgress, Blocked, NeedsReview, Cooling, Done, Cancelled},
	Scheduled:       {Ready, InProgress, Cooling, Done, Cancelled},
	Blocked:         {Ready, InProgress, NeedsDecision, Cooling, Dormant, Cancelled},
	NeedsDecision:   {Clarifying, Ready, InProgress, Cooling, Dormant, Cancelled},
	NeedsReview:     {InProgress, NeedsDecision, Done, Cancelled},
	Cooling:         {Dormant, Reactivated, Cancelled},
	Dormant:         {Reactivated, Cancelled},
	Reactivated:     {Clarifying, Ready, InProgress, Scheduled, Cooling, Cancelled},
	Done:            {Reactivated},
	Cancelled:       {Reactivated},
}

var cascadeTargets = map[Status]bool{
	Done:      true,
	Cooling:   true,
	Dormant:   true,
	Cancelled: true,
}

// Parse validates a raw status string.
func Parse(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", raw)
	}
	return s, nil
}

func (s Status) Valid() bool {
	_, ok := phases[s]
	return ok
}

func (s Status) String() string { return string(s) }

func (s Status) Phase() Phase { return phases[s] }

// IsTerminal reports whether s closes the node. Terminal nodes only leave via Reactivated.
func (s Status) IsTerminal() bool { return phases[s] == PhaseTerminal }

// InActiveView reports whether nodes in s belong to the active working set.
func (s Status) InActiveView() bool {
	return s.Valid() && !s.IsTerminal() && s != Dormant
}

// IsCascadeTarget reports whether reaching s propagates to descendants.
func (s Status) IsCascadeTarget() bool { return cascadeTargets[s] }

// IsValidTransition reports whether a node may move from one status to another.
func IsValidTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidTransitions returns the statuses directly reachable from s.
func ValidTransitions(s Status) []Status {
	out := make([]Status, len(transitions[s]))
	copy(out, transitions[s])
	return out
}

// CascadeTargets returns the statuses that propagate to descendants, sorted.
func CascadeTargets() []Status {
	out := make([]Status, 0, len(cascadeTargets))
	for s := range cascadeTargets {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ActiveStatuses returns the statuses shown in the active working set.
func ActiveStatuses() []Status {
	var out []Status
	for _, s := range All {
		if s.InActiveView() {
			out = append(out, s)
		}
	}
	return out
}
