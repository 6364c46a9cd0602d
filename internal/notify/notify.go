// Package notify sends best-effort email notifications about task and
// build progress.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"shipline/internal/domain"
	"shipline/internal/metrics"
	"shipline/internal/provider/rest"
)

const DefaultTimeout = 15 * time.Second

type Message struct {
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Text    string   `json:"text"`
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Notifier accepts messages without blocking the caller.
type Notifier interface {
	Notify(ctx context.Context, msg Message)
}

// EmailSender posts to a Resend-compatible /emails endpoint.
type EmailSender struct {
	REST *rest.Client
	From string
}

func (s *EmailSender) Send(ctx context.Context, msg Message) error {
	if len(msg.To) == 0 {
		return nil
	}
	body := map[string]any{"from": s.From, "to": msg.To, "subject": msg.Subject, "text": msg.Text}
	if err := s.REST.Do(ctx, http.MethodPost, "/emails", nil, body, nil); err != nil {
		return fmt.Errorf("send email %q: %w", msg.Subject, err)
	}
	return nil
}

// LogSender only logs. Used when no email provider is configured.
type LogSender struct {
	Logger *slog.Logger
}

func (s LogSender) Send(ctx context.Context, msg Message) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification", "subject", msg.Subject, "recipients", len(msg.To))
	return nil
}

// Background sends on a goroutine with a timeout. Failures are logged and
// counted, never returned.
type Background struct {
	Sender  Sender
	Timeout time.Duration
	Logger  *slog.Logger

	wg sync.WaitGroup
}

func (b *Background) Notify(ctx context.Context, msg Message) {
	if len(msg.To) == 0 {
		return
	}
	timeout := b.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		if err := b.Sender.Send(sendCtx, msg); err != nil {
			metrics.Notifications.WithLabelValues("error").Inc()
			b.logger().WarnContext(sendCtx, "notification failed", "subject", msg.Subject, "error", err)
			return
		}
		metrics.Notifications.WithLabelValues("sent").Inc()
	}()
}

// Wait blocks until every pending send has finished.
func (b *Background) Wait() { b.wg.Wait() }

func (b *Background) logger() *slog.Logger {
	if b.Logger == nil {
		return slog.Default()
	}
	return b.Logger
}

// Discard drops every message.
type Discard struct{}

func (Discard) Notify(context.Context, Message) {}

func statusLabel(status string) string {
	switch status {
	case domain.TaskStatusDone:
		return "Completed"
	case domain.TaskStatusFailed:
		return "Failed"
	case domain.TaskStatusInProgress:
		return "In Progress"
	default:
		return "To Do"
	}
}

func recipients(users []string, operator string) []string {
	out := append([]string(nil), users...)
	if operator == "" {
		return out
	}
	for _, u := range out {
		if u == operator {
			return out
		}
	}
	return append(out, operator)
}

// TaskStatusMessage describes a task status change to the project's users
// and the operator copy address.
func TaskStatusMessage(o domain.TaskOwnership, operator string) Message {
	subject := fmt.Sprintf("%s: Task %s for %s Sprint", o.Project.Name, statusLabel(o.Task.Status), o.Iteration.Type)
	text := fmt.Sprintf("Organization: %s\nProject: %s\nIteration: %s (%s)\nTask: %s\nTeam: %s\nStatus: %s\n",
		o.Organization.Name, o.Project.Name, o.Iteration.ID, o.Iteration.Type, o.Task.Name, o.Task.Team, o.Task.Status)
	if o.Task.Description != "" {
		text += "\n" + o.Task.Description + "\n"
	}
	return Message{To: recipients(o.Emails(), operator), Subject: subject, Text: text}
}

// IterationDoneMessage reports that every task of an iteration finished.
func IterationDoneMessage(project domain.Project, users []domain.User, it domain.Iteration, operator string) Message {
	own := domain.TaskOwnership{Users: users}
	return Message{
		To:      recipients(own.Emails(), operator),
		Subject: fmt.Sprintf("%s: %s Sprint Completed", project.Name, it.Type),
		Text:    fmt.Sprintf("Project: %s\nIteration: %s\nAll tasks have been processed.\n", project.Name, it.ID),
	}
}

// BuildSucceededMessage reports a healthy build.
func BuildSucceededMessage(project domain.Project, users []domain.User, b domain.RepositoryBuild, operator string) Message {
	own := domain.TaskOwnership{Users: users}
	kind := "Frontend"
	if b.Type == domain.BuildTypeAPI {
		kind = "Backend"
	}
	return Message{
		To:      recipients(own.Emails(), operator),
		Subject: fmt.Sprintf("%s: %s Build Succeeded", project.Name, kind),
		Text:    fmt.Sprintf("Project: %s\nIteration: %s\nBuild: %s\nFix attempts: %d\n", project.Name, b.IterationID, b.Type, b.FixAttempts),
	}
}
