package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fleetwatch/fleetwatch/modules/storage"
	"github.com/fleetwatch/fleetwatch/pkg/model"
)

// EnqueueRequest is the core-facing enqueue surface.
type EnqueueRequest struct {
	DeviceID   int64                 `json:"deviceId"`
	Type       string                `json:"type"`
	Priority   model.CommandPriority `json:"priority"`
	Params     map[string]string     `json:"params,omitempty"`
	ExpiresAt  time.Time             `json:"expiresAt,omitempty"`
	MaxRetries *int                  `json:"maxRetries,omitempty"`
	Operator   string                `json:"operator,omitempty"`
}

// Enqueue persists a PENDING command and its queue entry, then wakes the
// dispatch loop.
func (d *Dispatcher) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if req.Type == "" {
		return "", fmt.Errorf("command type is required")
	}
	if _, err := d.store.DeviceByID(ctx, req.DeviceID); err != nil {
		return "", fmt.Errorf("device %d: %w", req.DeviceID, err)
	}

	now := d.now().UTC()
	maxRetries := d.cfg.DefaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}

	cmd := &model.Command{
		ID:         uuid.NewString(),
		DeviceID:   req.DeviceID,
		Operator:   req.Operator,
		Type:       req.Type,
		Priority:   req.Priority,
		Status:     model.CommandPending,
		Params:     req.Params,
		MaxRetries: maxRetries,
		ExpiresAt:  req.ExpiresAt,
		CreatedAt:  now,
	}

	// expiry check on enqueue
	if cmd.Expired(now) {
		cmd.Status = model.CommandExpired
		cmd.DoneAt = now
		if err := d.store.InsertCommand(ctx, cmd); err != nil {
			return "", err
		}
		return cmd.ID, nil
	}

	if err := d.store.InsertCommand(ctx, cmd); err != nil {
		return "", err
	}
	err := d.store.UpsertQueueEntry(ctx, &model.QueueEntry{
		CommandID:  cmd.ID,
		DeviceID:   cmd.DeviceID,
		Priority:   cmd.Priority,
		EnqueuedAt: now,
		Active:     true,
	})
	if err != nil {
		return "", err
	}

	d.Wake()
	return cmd.ID, nil
}

// Cancel aborts a command that has not been sent yet.
func (d *Dispatcher) Cancel(ctx context.Context, id, reason string) error {
	cmd, err := d.store.CommandByID(ctx, id)
	if err != nil {
		return err
	}
	if cmd.Status != model.CommandPending {
		return fmt.Errorf("%w: command %s is %s", storage.ErrConflict, id, cmd.Status)
	}

	u := storage.CommandUpdate{At: d.now().UTC()}
	if reason != "" {
		u.Error = &reason
	}
	if err := d.store.UpdateCommandStatus(ctx, id, model.CommandPending, model.CommandCancelled, u); err != nil {
		return err
	}
	return d.store.DeactivateQueueEntry(ctx, id)
}

// Retry reactivates a FAILED command, optionally resetting its retry budget.
func (d *Dispatcher) Retry(ctx context.Context, id string, resetCount bool) error {
	cmd, err := d.store.CommandByID(ctx, id)
	if err != nil {
		return err
	}
	if cmd.Status != model.CommandFailed {
		return fmt.Errorf("%w: command %s is %s, only FAILED can be retried", storage.ErrConflict, id, cmd.Status)
	}

	now := d.now().UTC()
	u := storage.CommandUpdate{At: now}
	if resetCount {
		zero := 0
		u.RetryCount = &zero
	}
	if err := d.store.UpdateCommandStatus(ctx, id, model.CommandFailed, model.CommandPending, u); err != nil {
		return err
	}

	err = d.store.UpsertQueueEntry(ctx, &model.QueueEntry{
		CommandID:  cmd.ID,
		DeviceID:   cmd.DeviceID,
		Priority:   cmd.Priority,
		EnqueuedAt: now,
		Active:     true,
	})
	if err != nil {
		return err
	}
	d.Wake()
	return nil
}

// CreateTemplate registers a reusable command template.
func (d *Dispatcher) CreateTemplate(ctx context.Context, t *model.CommandTemplate) error {
	if t.Name == "" || t.Type == "" {
		return fmt.Errorf("template name and type are required")
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = d.cfg.DefaultMaxRetries
	}
	return d.store.InsertTemplate(ctx, t)
}

// UseTemplate composes a command from a template with parameter overrides and
// enqueues it.
func (d *Dispatcher) UseTemplate(ctx context.Context, templateID, deviceID int64, overrides map[string]string) (string, error) {
	t, err := d.store.TemplateByID(ctx, templateID)
	if err != nil {
		return "", err
	}

	params := make(map[string]string, len(t.Params)+len(overrides))
	for k, v := range t.Params {
		params[k] = v
	}
	for k, v := range overrides {
		params[k] = v
	}

	id, err := d.Enqueue(ctx, EnqueueRequest{
		DeviceID:   deviceID,
		Type:       t.Type,
		Priority:   t.Priority,
		Params:     params,
		MaxRetries: &t.MaxRetries,
	})
	if err != nil {
		return "", err
	}
	if err := d.store.IncrementTemplateUse(ctx, templateID); err != nil {
		return "", err
	}
	return id, nil
}

// Schedule registers a command for deferred, optionally repeating, execution.
func (d *Dispatcher) Schedule(ctx context.Context, sc *model.ScheduledCommand) error {
	if sc.Type == "" {
		return fmt.Errorf("command type is required")
	}
	if _, err := d.store.DeviceByID(ctx, sc.DeviceID); err != nil {
		return fmt.Errorf("device %d: %w", sc.DeviceID, err)
	}
	if sc.EarliestAt.IsZero() {
		sc.EarliestAt = d.now().UTC()
	}
	if sc.MaxRetries == 0 {
		sc.MaxRetries = d.cfg.DefaultMaxRetries
	}
	return d.store.InsertScheduledCommand(ctx, sc)
}
