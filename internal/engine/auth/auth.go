package auth

import (
	"fmt"
	"strings"
)

// Class identifies the kind of caller behind a request.
type Class string

const (
	Human    Class = "human"
	Agent    Class = "agent"
	Batch    Class = "batch"
	Internal Class = "internal"
)

// Actor is an authenticated caller.
type Actor struct {
	ID    string `json:"id"`
	Class Class  `json:"class"`
}

// ForbiddenError indicates the actor class may not perform the action.
type ForbiddenError struct {
	Class  Class
	Action string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("actor class %s may not %s", e.Class, e.Action)
}

// ParseClass validates a class name. Empty input defaults to human.
func ParseClass(raw string) (Class, error) {
	c := Class(strings.ToLower(strings.TrimSpace(raw)))
	switch c {
	case "":
		return Human, nil
	case Human, Agent, Batch, Internal:
		return c, nil
	}
	return "", fmt.Errorf("unknown actor class %q", raw)
}

// Confirmable reports whether the class goes through the confirm/apply protocol.
// Batch and internal callers never do, and so may never mutate node state.
func (c Class) Confirmable() bool {
	return c == Human || c == Agent
}

// Require returns a ForbiddenError unless a may perform action.
func Require(a Actor, action string) error {
	if a.ID == "" {
		return ForbiddenError{Class: a.Class, Action: action + " without an actor id"}
	}
	if !a.Class.Confirmable() {
		return ForbiddenError{Class: a.Class, Action: action}
	}
	return nil
}
