// Package worker runs reward evaluation from the event bus and the periodic
// bonus expiry sweep.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/loyalty/internal/bus"
	"github.com/opensource-finance/loyalty/internal/domain"
	"github.com/opensource-finance/loyalty/internal/ledger"
	"github.com/opensource-finance/loyalty/internal/pipeline"
)

// Worker consumes evaluation requests from the EventBus.
type Worker struct {
	bus      domain.EventBus
	pipeline *pipeline.Pipeline
	ledger   *ledger.Ledger

	mu            sync.Mutex
	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// ExpirySweepInterval is how often expired bonuses are forfeited.
	// Zero disables the sweep.
	ExpirySweepInterval time.Duration

	// SweepOnly skips the evaluation subscription.
	SweepOnly bool
}

// EvaluateReply answers an evaluation sent with Request.
type EvaluateReply struct {
	Decision *domain.RewardDecision `json:"decision,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

// NewWorker creates a new async worker.
func NewWorker(b domain.EventBus, p *pipeline.Pipeline, l *ledger.Ledger) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      b,
		pipeline: p,
		ledger:   l,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to evaluation requests and starts the expiry sweep.
func (w *Worker) Start(cfg Config) error {
	if !cfg.SweepOnly {
		sub, err := w.bus.Subscribe(w.ctx, domain.TopicRewardEvaluate, w.handleEvaluate)
		if err != nil {
			return err
		}

		w.mu.Lock()
		w.subscriptions = append(w.subscriptions, sub)
		w.mu.Unlock()
	}

	if cfg.ExpirySweepInterval > 0 {
		w.wg.Add(1)
		go w.sweepLoop(cfg.ExpirySweepInterval)
	}

	slog.Info("worker started",
		"consume_evaluations", !cfg.SweepOnly,
		"expiry_sweep_interval", cfg.ExpirySweepInterval.String(),
	)
	return nil
}

// handleEvaluate runs one evaluation request through the pipeline. The
// pipeline publishes the decision; requesters waiting on a reply also get
// it directly.
func (w *Worker) handleEvaluate(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var req pipeline.Request
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		slog.Error("failed to parse evaluation request",
			"message_id", msg.ID,
			"error", err,
		)
		w.reply(ctx, msg, EvaluateReply{Error: "invalid request payload"})
		return err
	}
	if req.TraceID == "" {
		req.TraceID = msg.ID
	}

	decision, err := w.pipeline.Process(ctx, req)
	if err != nil {
		slog.Error("evaluation failed",
			"message_id", msg.ID,
			"trace_id", req.TraceID,
			"error", err,
		)
		w.reply(ctx, msg, EvaluateReply{Error: err.Error()})
		return err
	}

	w.reply(ctx, msg, EvaluateReply{Decision: decision})

	slog.Debug("evaluation message processed",
		"message_id", msg.ID,
		"player_id", decision.PlayerID,
		"issued", decision.IssuedCount(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (w *Worker) reply(ctx context.Context, msg *domain.Message, r EvaluateReply) {
	if msg.ReplyTo == "" {
		return
	}
	payload, err := json.Marshal(r)
	if err != nil {
		slog.Error("failed to marshal reply", "error", err)
		return
	}
	if err := bus.Reply(ctx, w.bus, msg, payload); err != nil {
		slog.Error("failed to send reply",
			"message_id", msg.ID,
			"error", err,
		)
	}
}

func (w *Worker) sweepLoop(interval time.Duration) {
	defer w.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Sweep(w.ctx); err != nil {
				slog.Error("bonus expiry sweep failed", "error", err)
			}
		}
	}
}

// Sweep forfeits expired bonuses once and publishes one event per expired
// wallet.
func (w *Worker) Sweep(ctx context.Context) (*ledger.ExpiryReport, error) {
	report, err := w.ledger.ExpireBonuses(ctx)
	if err != nil {
		return nil, err
	}

	for _, t := range report.Transactions {
		payload, err := json.Marshal(t)
		if err != nil {
			continue
		}
		if err := w.bus.Publish(ctx, domain.TopicBonusExpired, payload); err != nil {
			slog.Error("failed to publish bonus expiry",
				"player_id", t.PlayerID,
				"error", err,
			)
		}
	}
	return report, nil
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil
	w.mu.Unlock()

	w.wg.Wait()

	slog.Info("worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
