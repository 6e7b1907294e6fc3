package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/rabbitmq/amqp091-go"

	"github.com/mgrif/pageforge/internal/pipeline"
	"github.com/mgrif/pageforge/internal/taskamqp"
)

type Handler struct {
	Runner *pipeline.Runner // required
}

// Run processes one delivery. Malformed messages and failed runs are
// nacked without requeue; a redelivery of a finished task is acked.
func (h *Handler) Run(ctx context.Context, m amqp091.Delivery) {
	t, err := taskamqp.DecodeTask(m.Body)
	if err != nil {
		slog.Error("invalid message body", "err", err)
		_ = m.Nack(false, false)
		return
	}

	outcome, err := h.Runner.Run(ctx, t)
	if err != nil {
		if errors.Is(err, pipeline.ErrAlreadyDone) {
			slog.Info("task already done", "task_id", t.ID)
			_ = m.Ack(false)
			return
		}
		slog.Error("didn't run task", "task_id", t.ID, "err", err)
		_ = m.Nack(false, false)
		return
	}

	slog.Info("task done", "task_id", t.ID, "status", outcome.Status)
	_ = m.Ack(false)
}
