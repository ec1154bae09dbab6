package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"worknode/internal/config"
	"worknode/internal/confirm"
	"worknode/internal/domain"
	"worknode/internal/engine/auth"
	"worknode/internal/history"
	"worknode/internal/lifecycle"
	"worknode/internal/repo"
	"worknode/internal/telemetry"
	"worknode/internal/tree"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Config *config.Config
	Logger *slog.Logger
	Now    func() time.Time
	NewID  func() string

	locks *keyedMutex
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Config: cfg,
		Logger: slog.Default(),
		Now:    time.Now,
		locks:  newKeyedMutex(),
	}
}

var (
	ErrCycle    = tree.ErrCycle
	ErrSelfMove = tree.ErrSelfMove
)

// InvalidTransitionError carries the reachable set so callers can self-correct.
type InvalidTransitionError struct {
	From  lifecycle.Status
	To    lifecycle.Status
	Valid []lifecycle.Status
}

func (e InvalidTransitionError) Error() string {
	valid := make([]string, len(e.Valid))
	for i, s := range e.Valid {
		valid[i] = string(s)
	}
	return fmt.Sprintf("invalid transition %s -> %s (valid: %s)", e.From, e.To, strings.Join(valid, ", "))
}

// PartialFailureError means some steps of a multi-step operation were committed
// before Err stopped it. Applied lists the ids already written.
type PartialFailureError struct {
	Op      string
	Applied []string
	Err     error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("%s partially applied (%d committed): %v", e.Op, len(e.Applied), e.Err)
}

func (e *PartialFailureError) Unwrap() error { return e.Err }

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) registry() confirm.Registry {
	return confirm.Registry{Repo: e.Repo, Now: e.now, NewID: e.NewID}
}

func (e Engine) historyLog() history.Log {
	return history.Log{Repo: e.Repo, Now: e.now}
}

func (e Engine) lockTable() *keyedMutex {
	if e.locks != nil {
		return e.locks
	}
	return defaultLocks
}

func (e Engine) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := telemetry.Tracer("worknode/engine").Start(ctx, "engine."+name, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// getNode wraps repo.ErrNotFound with the missing id.
func (e Engine) getNode(ctx context.Context, tx *sql.Tx, id string) (domain.Node, error) {
	n, err := e.Repo.GetNode(ctx, tx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return n, fmt.Errorf("node %s: %w", id, repo.ErrNotFound)
	}
	return n, err
}

// index builds the hierarchy for one owner's nodes.
func (e Engine) index(ctx context.Context, tx *sql.Tx, ownerID string) (*tree.Index, error) {
	nodes, err := e.Repo.ListNodes(ctx, tx, repo.NodeFilter{OwnerID: ownerID})
	if err != nil {
		return nil, err
	}
	edges, err := e.Repo.ListEdges(ctx, tx, ownerID)
	if err != nil {
		return nil, err
	}
	refs := make([]tree.NodeRef, 0, len(nodes))
	for _, n := range nodes {
		ref := tree.NodeRef{ID: n.ID, SiblingOrder: n.SiblingOrder, CreatedAt: n.CreatedAt}
		if n.ParentID != nil {
			ref.ParentID = *n.ParentID
		}
		refs = append(refs, ref)
	}
	links := make([]tree.Link, 0, len(edges))
	for _, ed := range edges {
		links = append(links, tree.Link{ParentID: ed.ParentID, ChildID: ed.ChildID})
	}
	return tree.Build(refs, links), nil
}

// claim marks the Confirmation consumed as the first write of tx, so a redemption
// from another connection either waits for the write lock and then loses the
// conditional update, or wins it and makes this one fail. A lost race or a lock
// timeout aborts the mutation. Any other failure to write the flag is rolled
// back on its own and reported as deferred: the mutation goes ahead and
// consumption is retried once it has committed.
func (e Engine) claim(ctx context.Context, tx *sql.Tx, confirmationID string) (deferred bool, err error) {
	release, rollback, err := repo.Savepoint(ctx, tx, "claim")
	if err != nil {
		return false, err
	}
	err = e.registry().ConsumeIn(ctx, tx, confirmationID)
	switch {
	case err == nil:
		return false, release()
	case errors.Is(err, confirm.ErrAlreadyConsumed), errors.Is(err, repo.ErrNotFound), repo.IsBusy(err):
		return false, err
	}
	e.logger().Warn("consuming confirmation with its mutation failed; retrying after commit",
		"confirmation_id", confirmationID, "err", err)
	if rerr := rollback(); rerr != nil {
		return false, fmt.Errorf("%w (rollback: %v)", err, rerr)
	}
	return true, nil
}

// settle finishes consumption for a claim that was deferred.
func (e Engine) settle(ctx context.Context, confirmationID string, deferred bool) []string {
	if !deferred {
		return nil
	}
	return e.consume(ctx, confirmationID)
}

// consume marks a Confirmation used after its mutation committed. Failure never
// undoes the mutation; it is retried, logged and returned as a warning.
func (e Engine) consume(ctx context.Context, confirmationID string) []string {
	reg := e.registry()
	bo := backoff.NewExponentialBackOff()
	var retry config.RetryConfig
	if e.Config != nil {
		retry = e.Config.Confirmations.ConsumeRetry
	}
	if retry.InitialInterval > 0 {
		bo.InitialInterval = retry.InitialInterval
	}
	bo.MaxElapsedTime = retry.MaxElapsed
	if bo.MaxElapsedTime <= 0 {
		bo.MaxElapsedTime = 2 * time.Second
	}
	err := backoff.Retry(func() error {
		err := reg.Consume(ctx, confirmationID)
		if errors.Is(err, confirm.ErrAlreadyConsumed) || errors.Is(err, repo.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(bo, ctx))
	if err == nil {
		return nil
	}
	telemetry.ConsumeFailed()
	e.logger().Warn("confirmation not marked consumed after apply",
		"confirmation_id", confirmationID, "err", err)
	return []string{fmt.Sprintf("confirmation %s was applied but not marked consumed: %v", confirmationID, err)}
}

// resultLabel buckets an error for metrics.
func resultLabel(err error) string {
	var (
		verr domain.ValidationError
		terr InvalidTransitionError
		ferr auth.ForbiddenError
		perr *PartialFailureError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &perr):
		return "partial"
	case errors.Is(err, repo.ErrNotFound):
		return "not_found"
	case errors.Is(err, confirm.ErrAlreadyConsumed):
		return "already_consumed"
	case errors.Is(err, confirm.ErrExpired):
		return "expired"
	case errors.Is(err, confirm.ErrMismatch):
		return "mismatch"
	case errors.Is(err, repo.ErrConflict):
		return "conflict"
	case errors.Is(err, ErrCycle), errors.Is(err, ErrSelfMove):
		return "cycle"
	case errors.As(err, &verr):
		return "invalid"
	case errors.As(err, &terr):
		return "invalid_transition"
	case errors.As(err, &ferr):
		return "forbidden"
	default:
		return "error"
	}
}

// keyedMutex serializes work per key, e.g. one Confirmation id or one sibling list.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

var defaultLocks = newKeyedMutex()

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: map[string]*refLock{}}
}

// Lock acquires every key in sorted order and returns the matching unlock.
func (k *keyedMutex) Lock(keys ...string) func() {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	var held []string
	for i, key := range sorted {
		if i > 0 && key == sorted[i-1] {
			continue
		}
		k.mu.Lock()
		l, ok := k.locks[key]
		if !ok {
			l = &refLock{}
			k.locks[key] = l
		}
		l.refs++
		k.mu.Unlock()
		l.Lock()
		held = append(held, key)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			k.mu.Lock()
			l := k.locks[held[i]]
			l.refs--
			if l.refs == 0 {
				delete(k.locks, held[i])
			}
			k.mu.Unlock()
			l.Unlock()
		}
	}
}

func confirmationKey(id string) string { return "confirmation:" + id }

func siblingsKey(ownerID, parentID string) string { return "siblings:" + ownerID + ":" + parentID }
