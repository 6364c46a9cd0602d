// Package dispatch delivers outbox messages to external agents with
// at-least-once semantics.
package dispatch

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"shipline/internal/config"
	"shipline/internal/domain"
	"shipline/internal/events"
	"shipline/internal/metrics"
	"shipline/internal/repo"
)

const (
	defaultTimeout  = 10 * time.Second
	defaultInterval = 5 * time.Second
	defaultBatch    = 50
	maxBackoff      = time.Hour
	maxErrorBody    = 4096
	tokenTTL        = 5 * time.Minute
)

// ErrEndpointDisabled is returned for messages whose endpoint is not active.
var ErrEndpointDisabled = errors.New("agent endpoint disabled")

// TaskPayload is the body of a task.dispatch message.
type TaskPayload struct {
	ProjectID       string `json:"project_id"`
	IterationID     string `json:"iteration_id"`
	IterationTaskID string `json:"iteration_task_id"`
	RepoName        string `json:"repo_name"`
}

type Dispatcher struct {
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Client *http.Client
	Logger *slog.Logger
	Now    func() time.Time
	// OnDead runs after a message is marked dead and its effects committed.
	OnDead func(ctx context.Context, msg domain.OutboxMessage)
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

func (d *Dispatcher) client() *http.Client {
	if d.Client != nil {
		return d.Client
	}
	return http.DefaultClient
}

type claims struct {
	Kind string `json:"kind"`
	jwt.RegisteredClaims
}

func (d *Dispatcher) sign(msg domain.OutboxMessage, secret string) (string, error) {
	now := d.now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Kind: msg.Kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "shipline",
			Subject:   msg.IdempotencyKey,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	})
	return tok.SignedString([]byte(secret))
}

// Deliver makes one POST of msg to its endpoint.
func (d *Dispatcher) Deliver(ctx context.Context, msg domain.OutboxMessage) error {
	ep, ok := d.Config.Agents.Endpoint(msg.Endpoint)
	if !ok || !ep.Active() {
		return fmt.Errorf("%w: %s", ErrEndpointDisabled, msg.Endpoint)
	}
	timeout := defaultTimeout
	if ep.TimeoutSeconds > 0 {
		timeout = time.Duration(ep.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader([]byte(msg.Payload)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", msg.IdempotencyKey)
	req.Header.Set("X-Shipline-Kind", msg.Kind)
	req.Header.Set("X-Shipline-Delivery", msg.ID)
	if strings.TrimSpace(ep.Secret) != "" {
		token, err := d.sign(msg, ep.Secret)
		if err != nil {
			return fmt.Errorf("sign delivery: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := d.client().Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Backoff is the delay before attempt n+1 after n failed attempts.
func Backoff(base time.Duration, attempts int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// Attempt delivers msg once and records the outcome. A failure on the last
// allowed attempt marks the message dead and, for task dispatches, fails
// the task. The delivery error is returned alongside the recorded state.
func (d *Dispatcher) Attempt(ctx context.Context, msg domain.OutboxMessage) (bool, error) {
	attempts := msg.Attempts + 1
	deliverErr := d.Deliver(ctx, msg)
	now := d.now()
	ts := domain.Timestamp(now)
	if deliverErr == nil {
		err := d.Repo.WithTx(ctx, func(tx *sql.Tx) error {
			if err := d.Repo.MarkOutboxDeliveredTx(ctx, tx, msg.ID, attempts, ts); err != nil {
				return err
			}
			return d.Events.Append(ctx, tx, events.OutboxMessageDelivered, projectOf(msg), "outbox_message", msg.ID, events.Payload{"kind": msg.Kind, "attempts": attempts})
		})
		if err != nil {
			return false, err
		}
		metrics.OutboxDeliveries.WithLabelValues(msg.Kind, "delivered").Inc()
		d.logger().InfoContext(ctx, "outbox message delivered", "id", msg.ID, "kind", msg.Kind, "endpoint", msg.Endpoint, "attempts", attempts)
		return true, nil
	}

	if attempts < d.Config.Dispatch.MaxAttempts {
		base := time.Duration(d.Config.Dispatch.BackoffSeconds) * time.Second
		next := domain.Timestamp(now.Add(Backoff(base, attempts)))
		if err := d.Repo.MarkOutboxRetry(ctx, msg.ID, attempts, deliverErr.Error(), next); err != nil {
			return false, errors.Join(deliverErr, err)
		}
		metrics.OutboxDeliveries.WithLabelValues(msg.Kind, "retry").Inc()
		d.logger().WarnContext(ctx, "outbox delivery failed", "id", msg.ID, "kind", msg.Kind, "attempts", attempts, "next_attempt_at", next, "error", deliverErr)
		return false, deliverErr
	}

	err := d.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := d.Repo.MarkOutboxDeadTx(ctx, tx, msg.ID, attempts, deliverErr.Error()); err != nil {
			return err
		}
		if err := d.Events.Append(ctx, tx, events.OutboxMessageDead, projectOf(msg), "outbox_message", msg.ID, events.Payload{"kind": msg.Kind, "attempts": attempts, "error": deliverErr.Error()}); err != nil {
			return err
		}
		if msg.Kind == domain.OutboxKindTaskDispatch {
			return d.failTaskTx(ctx, tx, msg, ts)
		}
		return nil
	})
	if err != nil {
		return false, errors.Join(deliverErr, err)
	}
	metrics.OutboxDeliveries.WithLabelValues(msg.Kind, "dead").Inc()
	d.logger().ErrorContext(ctx, "outbox message dead", "id", msg.ID, "kind", msg.Kind, "attempts", attempts, "error", deliverErr)
	if d.OnDead != nil {
		msg.Status = domain.OutboxStatusDead
		msg.Attempts = attempts
		msg.LastError = deliverErr.Error()
		d.OnDead(ctx, msg)
	}
	return false, deliverErr
}

func (d *Dispatcher) failTaskTx(ctx context.Context, tx *sql.Tx, msg domain.OutboxMessage, ts string) error {
	var p TaskPayload
	if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
		return fmt.Errorf("decode task payload of %s: %w", msg.ID, err)
	}
	task, err := d.Repo.GetTaskTx(ctx, tx, p.IterationTaskID)
	if err != nil {
		return err
	}
	if task.Status != domain.TaskStatusInProgress {
		return nil
	}
	if err := d.Repo.UpdateTaskStatusTx(ctx, tx, task.ID, domain.TaskStatusFailed, ts); err != nil {
		return err
	}
	return d.Events.Append(ctx, tx, events.TaskStatusChanged, p.ProjectID, "iteration_task", task.ID, events.Payload{
		"from": task.Status, "to": domain.TaskStatusFailed, "reason": "dispatch exhausted",
	})
}

func projectOf(msg domain.OutboxMessage) string {
	var p struct {
		ProjectID string `json:"project_id"`
	}
	_ = json.Unmarshal([]byte(msg.Payload), &p)
	return p.ProjectID
}

// Flush attempts every due message once and reports how many were delivered.
func (d *Dispatcher) Flush(ctx context.Context) (int, error) {
	batch := d.Config.Dispatch.Batch
	if batch <= 0 {
		batch = defaultBatch
	}
	due, err := d.Repo.DueOutbox(ctx, domain.Timestamp(d.now()), batch)
	if err != nil {
		return 0, fmt.Errorf("load due outbox: %w", err)
	}
	delivered := 0
	for _, msg := range due {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
		ok, _ := d.Attempt(ctx, msg)
		if ok {
			delivered++
		}
	}
	return delivered, nil
}

// Run flushes on every tick until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	interval := time.Duration(d.Config.Dispatch.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := d.Flush(ctx); err != nil && ctx.Err() == nil {
			d.logger().ErrorContext(ctx, "outbox flush failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
