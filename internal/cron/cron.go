// Package cron enqueues scheduled messages, covering heartbeats and other
// recurring prompts. Fired messages enter the normal incoming queue and are
// routed like any other message.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/jlia0/tinyclaw/internal/config"
	"github.com/jlia0/tinyclaw/internal/queue"
)

// DefaultChannel tags scheduled messages without an explicit channel.
const DefaultChannel = "cron"

// Enqueuer fires configured schedules into the incoming queue.
type Enqueuer struct {
	q         *queue.FileQueue
	schedules []config.ScheduleConfig
	gron      *gronx.Gronx
}

// New validates every schedule's cron expression up front.
func New(q *queue.FileQueue, schedules []config.ScheduleConfig) (*Enqueuer, error) {
	gron := gronx.New()
	for _, sc := range schedules {
		if sc.ID == "" || sc.Message == "" {
			return nil, fmt.Errorf("schedule needs id and message: %+v", sc)
		}
		if !gron.IsValid(sc.Cron) {
			return nil, fmt.Errorf("schedule %s: invalid cron expression %q", sc.ID, sc.Cron)
		}
	}
	return &Enqueuer{q: q, schedules: schedules, gron: gron}, nil
}

// Run checks schedules once per minute, aligned to the minute boundary, until
// ctx is cancelled.
func (e *Enqueuer) Run(ctx context.Context) error {
	if len(e.schedules) == 0 {
		<-ctx.Done()
		return nil
	}
	slog.Info("cron: running", "schedules", len(e.schedules))

	for {
		now := time.Now()
		next := now.Truncate(time.Minute).Add(time.Minute)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(next.Sub(now)):
		}
		e.fire(next)
	}
}

// fire enqueues every schedule due at now.
func (e *Enqueuer) fire(now time.Time) {
	for _, sc := range e.schedules {
		due, err := e.gron.IsDue(sc.Cron, now)
		if err != nil {
			slog.Warn("cron: due check failed", "schedule", sc.ID, "error", err)
			continue
		}
		if !due {
			continue
		}
		channel := sc.Channel
		if channel == "" {
			channel = DefaultChannel
		}
		msg := &queue.IncomingMessage{
			Channel:   channel,
			Sender:    "scheduler",
			SenderID:  sc.ID,
			Message:   sc.Message,
			Timestamp: now.UnixMilli(),
			MessageID: fmt.Sprintf("%s_%d", sc.ID, now.Unix()),
			Agent:     sc.Agent,
		}
		if err := e.q.Enqueue(msg, ""); err != nil {
			slog.Error("cron: enqueue failed", "schedule", sc.ID, "error", err)
			continue
		}
		slog.Info("cron: schedule fired", "schedule", sc.ID, "agent", sc.Agent)
	}
}
