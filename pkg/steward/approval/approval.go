package approval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Status is an action's position in the review lifecycle.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
)

// Action is one queued item awaiting review.
type Action struct {
	// ID is the unique action identifier.
	ID string `json:"id"`

	// ActionType names the action kind (e.g. "clarify", "respond").
	ActionType string `json:"action_type"`

	// Target is where the action would land: "channel:chatID:messageID".
	Target string `json:"target"`

	// ProposedContent is the text that would be posted.
	ProposedContent string `json:"proposed_content"`

	// TriggerContext is the observed message that prompted the action,
	// shown to the reviewer.
	TriggerContext string `json:"trigger_context"`

	// Status is the review state.
	Status Status `json:"status"`

	// CreatedAt is the enqueue timestamp.
	CreatedAt time.Time `json:"created_at"`

	// ExpiresAt is when an unreviewed action lapses.
	ExpiresAt time.Time `json:"expires_at"`

	// ResolvedAt is when the action was approved or denied.
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`

	// ResolvedBy identifies the reviewer.
	ResolvedBy string `json:"resolved_by,omitempty"`
}

// Expired reports whether the action's TTL has lapsed relative to now.
func (a *Action) Expired(now time.Time) bool {
	return a.Status == StatusPending && now.After(a.ExpiresAt)
}

// OnApproved delivers an approved action to its target.
type OnApproved func(ctx context.Context, action *Action) error

// Queue is the persistent approval queue.
type Queue struct {
	cfg    Config
	store  *Store
	logger *slog.Logger

	// deliver posts approved content to its target. Optional; when nil
	// approval only changes status.
	deliver OnApproved
}

// NewQueue opens the queue over its SQLite store.
func NewQueue(cfg Config, logger *slog.Logger) (*Queue, error) {
	cfg = cfg.Effective()
	store, err := OpenStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening approval store: %w", err)
	}
	return &Queue{
		cfg:    cfg,
		store:  store,
		logger: logger.With("component", "approvals"),
	}, nil
}

// SetDeliverer installs the callback invoked when an action is approved.
func (q *Queue) SetDeliverer(fn OnApproved) { q.deliver = fn }

// Close releases the underlying store.
func (q *Queue) Close() error { return q.store.Close() }

// Enqueue adds a pending action. A zero expiresAt applies the
// configured default TTL.
func (q *Queue) Enqueue(ctx context.Context, actionType, target, proposedContent, triggerContext string, expiresAt time.Time) (*Action, error) {
	if !q.cfg.Enabled {
		return nil, fmt.Errorf("approval queue disabled")
	}

	now := time.Now().UTC()
	if expiresAt.IsZero() {
		expiresAt = now.Add(time.Duration(q.cfg.DefaultTTLMin) * time.Minute)
	}

	action := &Action{
		ID:              uuid.New().String(),
		ActionType:      actionType,
		Target:          target,
		ProposedContent: proposedContent,
		TriggerContext:  triggerContext,
		Status:          StatusPending,
		CreatedAt:       now,
		ExpiresAt:       expiresAt.UTC(),
	}

	if err := q.store.Insert(ctx, action); err != nil {
		return nil, fmt.Errorf("enqueueing action: %w", err)
	}

	q.logger.Info("action queued for review",
		"id", action.ID,
		"type", actionType,
		"target", target,
		"expires_at", action.ExpiresAt.Format(time.RFC3339),
	)
	return action, nil
}

// Approve resolves a pending action and delivers it when a deliverer is
// installed. Approving an already-expired action fails.
func (q *Queue) Approve(ctx context.Context, id, reviewer string) (*Action, error) {
	action, err := q.resolve(ctx, id, reviewer, StatusApproved)
	if err != nil {
		return nil, err
	}

	if q.deliver != nil {
		if err := q.deliver(ctx, action); err != nil {
			q.logger.Error("approved action delivery failed", "id", id, "error", err)
			return action, fmt.Errorf("delivering approved action: %w", err)
		}
	}

	q.logger.Info("action approved", "id", id, "reviewer", reviewer)
	return action, nil
}

// Deny resolves a pending action without delivering it.
func (q *Queue) Deny(ctx context.Context, id, reviewer string) (*Action, error) {
	action, err := q.resolve(ctx, id, reviewer, StatusDenied)
	if err != nil {
		return nil, err
	}
	q.logger.Info("action denied", "id", id, "reviewer", reviewer)
	return action, nil
}

// Get returns one action by ID.
func (q *Queue) Get(ctx context.Context, id string) (*Action, error) {
	return q.store.Get(ctx, id)
}

// ListPending returns pending actions oldest first.
func (q *Queue) ListPending(ctx context.Context) ([]*Action, error) {
	return q.store.ListByStatus(ctx, StatusPending)
}

// SweepExpired marks lapsed pending actions as expired and reports how
// many were swept.
func (q *Queue) SweepExpired(ctx context.Context) (int, error) {
	n, err := q.store.ExpireBefore(ctx, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("sweeping expired actions: %w", err)
	}
	if n > 0 {
		q.logger.Info("expired actions swept", "count", n)
	}
	return n, nil
}

func (q *Queue) resolve(ctx context.Context, id, reviewer string, status Status) (*Action, error) {
	action, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if action.Status != StatusPending {
		return nil, fmt.Errorf("action %s is %s, not pending", id, action.Status)
	}
	if action.Expired(time.Now().UTC()) {
		_, _ = q.store.ExpireBefore(ctx, time.Now().UTC())
		return nil, fmt.Errorf("action %s has expired", id)
	}

	now := time.Now().UTC()
	action.Status = status
	action.ResolvedAt = &now
	action.ResolvedBy = reviewer
	if err := q.store.UpdateResolution(ctx, action); err != nil {
		return nil, fmt.Errorf("resolving action: %w", err)
	}
	return action, nil
}
