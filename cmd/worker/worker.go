package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/mgrif/pageforge/internal/pipeline"
	"github.com/mgrif/pageforge/internal/retry"
	"github.com/mgrif/pageforge/internal/taskamqp"
)

// reconnectPolicy paces reconnection to the queue after a lost connection.
var reconnectPolicy = retry.Policy{
	BaseDelay: 500 * time.Millisecond,
	MaxDelay:  time.Minute,
	Jitter:    true,
}

type Worker struct {
	AMQPURL string           // required
	Runner  *pipeline.Runner // required

	// PoolSize caps concurrently processed tasks. It doubles as the AMQP
	// prefetch count so the broker never hands this worker more than it
	// can run.
	PoolSize int // required
}

func (w *Worker) Run(ctx context.Context) error {
	retries := 0
	for {
		consumeErr := func() error {
			broker, err := taskamqp.Dial(w.AMQPURL)
			if err != nil {
				return err
			}
			defer func() {
				_ = broker.Close()
			}()

			deliveries, err := broker.ConsumeTasks(w.PoolSize)
			if err != nil {
				return err
			}

			slog.Info("starting consuming")
			sem := make(chan struct{}, w.PoolSize)
			var wg sync.WaitGroup
			for m := range deliveries {
				if retries > 0 {
					slog.Info("recovered", "retries", retries)
					retries = 0
				}
				sem <- struct{}{}
				wg.Add(1)
				go func(m amqp091.Delivery) {
					defer wg.Done()
					defer func() { <-sem }()
					handler := &Handler{Runner: w.Runner}
					handler.Run(ctx, m)
				}(m)
			}
			wg.Wait()

			return errors.New("delivery channel is closed")
		}()
		slog.Error("didn't consume", "err", consumeErr)

		retries++
		select {
		case <-time.After(reconnectPolicy.WaitDuration(retries-1, false)):
		case <-ctx.Done():
			return ctx.Err()
		}
		slog.Info("retrying", "retries", retries)
	}
}
