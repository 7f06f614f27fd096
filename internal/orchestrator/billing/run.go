// Package billing drains the Stripe event queue into quota grants.
package billing

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/config"
	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/pgmq"
	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/service"
)

// Options controls polling and retries.
type Options struct {
	Queue          string
	DeadLetter     string
	PollTimeoutSec int
	PollMaxMsg     int
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Queue:          cfg.BillingQueueName,
		DeadLetter:     cfg.BillingDeadLetterQueueName,
		PollTimeoutSec: cfg.BillingPollTimeoutSec,
		PollMaxMsg:     cfg.BillingPollMaxMsg,
		MaxRetries:     cfg.BillingMaxRetries,
		BackoffInitial: time.Duration(cfg.BillingBackoffInitialSec) * time.Second,
		BackoffMax:     time.Duration(cfg.BillingBackoffMaxSec) * time.Second,
	}
}

// visibility hides a message for longer than all retries of it can take.
func (o Options) visibility() int {
	return int(o.BackoffMax.Seconds())*max(o.MaxRetries, 1) + 30
}

// sleep waits for d or until ctx is done.
var sleep = func(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Run starts the billing orchestrator. It returns when ctx is canceled.
func Run(ctx context.Context, logger zerolog.Logger, queue pgmq.Queue, svc service.BillingService, opts Options) error {
	logger = logger.With().Str("orchestrator", "billing").Logger()
	logger.Info().Str("queue", opts.Queue).Str("dlq", opts.DeadLetter).Msg("Starting billing orchestrator")
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Shutting down billing orchestrator")
			return nil
		default:
		}

		msgs, err := queue.ReadWithPoll(ctx, opts.Queue, opts.visibility(), opts.PollTimeoutSec, max(opts.PollMaxMsg, 1))
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			logger.Error().Err(err).Msg("Error reading billing queue")
			sleep(ctx, time.Second)
			continue
		}
		for _, msg := range msgs {
			process(ctx, logger, queue, svc, opts, msg)
		}
	}
}

func process(ctx context.Context, logger zerolog.Logger, queue pgmq.Queue, svc service.BillingService, opts Options, msg *pgmq.Message) {
	log := logger.With().Int64("msg_id", msg.ID).Int("read_ct", msg.ReadCt).Logger()

	backoff := opts.BackoffInitial
	var lastErr error
	for attempt := 1; attempt <= max(opts.MaxRetries, 1); attempt++ {
		lastErr = svc.Fulfill(ctx, msg.Data)
		if lastErr == nil {
			break
		}
		if errors.Is(lastErr, service.ErrPermanent) {
			log.Error().Err(lastErr).Msg("Billing event cannot be fulfilled")
			break
		}
		if ctx.Err() != nil {
			// Leave the message; it becomes visible again after the timeout.
			return
		}
		log.Warn().Err(lastErr).Int("attempt", attempt).Msg("Billing fulfillment failed, retrying")
		sleep(ctx, backoff)
		backoff = min(backoff*2, opts.BackoffMax)
	}

	if lastErr != nil {
		if _, err := queue.Send(context.WithoutCancel(ctx), opts.DeadLetter, msg.Data); err != nil {
			log.Error().Err(err).Str("dlq", opts.DeadLetter).Msg("Failed to send message to dead-letter queue")
			return
		}
		log.Warn().Err(lastErr).Msg("Moved billing event to DLQ")
	}
	if err := queue.Delete(context.WithoutCancel(ctx), opts.Queue, []int64{msg.ID}); err != nil {
		log.Error().Err(err).Msg("Error deleting billing message")
	}
}
