// Package pipeline runs one reward cycle for a player: rule evaluation,
// profit validation, fraud scoring, penalty adjustment and issuance.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/loyalty/internal/domain"
	"github.com/opensource-finance/loyalty/internal/fraud"
	"github.com/opensource-finance/loyalty/internal/ledger"
	"github.com/opensource-finance/loyalty/internal/rules"
	"github.com/opensource-finance/loyalty/internal/safety"
	"github.com/opensource-finance/loyalty/internal/segment"
)

// ErrInvalidRequest is returned for requests without a usable player state.
var ErrInvalidRequest = errors.New("invalid request")

var tracer = otel.Tracer("loyalty-pipeline")

// AuditSink persists decisions and abuse signals. The SQL repository
// satisfies it.
type AuditSink interface {
	SaveDecision(ctx context.Context, decision *domain.RewardDecision) error
	SaveAbuseSignals(ctx context.Context, signals []domain.AbuseSignal) error
	ListAbuseSignals(ctx context.Context, playerID string, unresolvedOnly bool) ([]domain.AbuseSignal, error)
}

// Request is one evaluation request.
type Request struct {
	State    *domain.PlayerState `json:"player"`
	Activity []domain.Activity   `json:"activity,omitempty"`
	DryRun   bool                `json:"dry_run,omitempty"`
	MinROI   *float64            `json:"min_roi,omitempty"`
	Limit    int                 `json:"limit,omitempty"`
	TraceID  string              `json:"trace_id,omitempty"`
}

// AbuseAlert is published when a cycle raises signals or a penalty.
type AbuseAlert struct {
	PlayerID string               `json:"player_id"`
	Score    int                  `json:"abuse_score"`
	Penalty  domain.PenaltyAction `json:"penalty"`
	Signals  []domain.AbuseSignal `json:"signals"`
	TraceID  string               `json:"trace_id,omitempty"`
}

// Config holds the pipeline settings.
type Config struct {
	Pipeline     domain.PipelineConfig
	Segmentation domain.SegmentationConfig
	MaxWorkers   int
}

// Pipeline wires the core components together. Audit and bus are optional.
type Pipeline struct {
	engine *rules.Engine
	gate   *safety.ProfitGate
	scorer *fraud.Scorer
	ledger *ledger.Ledger
	audit  AuditSink
	bus    domain.EventBus
	cfg    Config
	now    func() time.Time
}

// New creates a pipeline.
func New(engine *rules.Engine, gate *safety.ProfitGate, scorer *fraud.Scorer, l *ledger.Ledger, audit AuditSink, bus domain.EventBus, cfg Config) *Pipeline {
	if cfg.Pipeline.ReducedRewardFactor <= 0 {
		cfg.Pipeline.ReducedRewardFactor = 0.5
	}
	if cfg.Pipeline.IncreasedWageringFactor <= 0 {
		cfg.Pipeline.IncreasedWageringFactor = 2.0
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 10
	}
	if cfg.Segmentation == (domain.SegmentationConfig{}) {
		cfg.Segmentation = domain.DefaultSegmentationConfig()
	}
	return &Pipeline{
		engine: engine,
		gate:   gate,
		scorer: scorer,
		ledger: l,
		audit:  audit,
		bus:    bus,
		cfg:    cfg,
		now:    time.Now,
	}
}

// SetClock overrides the clock used for decision timestamps.
func (p *Pipeline) SetClock(now func() time.Time) {
	p.now = now
}

// Process runs one cycle. Business rejections are reported per outcome in
// the decision; the error is only set for invalid requests and failures
// that stop the whole cycle.
func (p *Pipeline) Process(ctx context.Context, req Request) (*domain.RewardDecision, error) {
	if req.State == nil || req.State.PlayerID == "" {
		return nil, fmt.Errorf("%w: player state with player_id is required", ErrInvalidRequest)
	}
	start := time.Now()

	ctx, span := tracer.Start(ctx, "pipeline.Process",
		trace.WithAttributes(
			attribute.String("player.id", req.State.PlayerID),
			attribute.Bool("dry_run", req.DryRun),
		),
	)
	defer span.End()

	// Work on a copy; the caller's snapshot stays untouched.
	state := *req.State
	if segment.Ensure(&state, p.cfg.Segmentation) {
		slog.Debug("segment classified",
			"player_id", state.PlayerID,
			"segment", state.Segment,
		)
	}
	span.SetAttributes(attribute.String("player.segment", string(state.Segment)))

	decision := &domain.RewardDecision{
		ID:        uuid.New().String(),
		PlayerID:  state.PlayerID,
		Segment:   state.Segment,
		Outcomes:  []domain.RewardOutcome{},
		Penalty:   domain.PenaltyNone,
		DryRun:    req.DryRun,
		TraceID:   traceIDFor(req.TraceID, span),
		Timestamp: p.now().UTC(),
	}
	if decision.TraceID == "" {
		decision.TraceID = decision.ID
	}

	// Issuing cycles for the same player run one at a time from the cap
	// check to the cap update.
	release := func() {}
	if !req.DryRun {
		held, err := p.gate.Hold(ctx, state.PlayerID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		release = sync.OnceFunc(held)
	}
	defer release()

	// 1. Rule Engine
	eval := p.evaluate(ctx, &state, req.Limit)
	decision.Failures = eval.Failures
	decision.RulesEvaluated = eval.RulesEvaluated

	// 2. Profit Safety Gate
	checks, err := p.validate(ctx, &state, eval.Rewards, req.MinROI)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	// 3. Fraud Scorer
	assessment, err := p.assess(ctx, &state, req.Activity)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	decision.Signals = assessment.Signals
	decision.AbuseScore = assessment.Score
	decision.Penalty = assessment.Penalty

	// 4. Penalty adjustment and Wallet Ledger
	for i, reward := range eval.Rewards {
		decision.Outcomes = append(decision.Outcomes, p.settle(ctx, reward, checks[i], assessment.Penalty, req.DryRun))
	}
	release()

	decision.TotalMs = time.Since(start).Milliseconds()
	span.SetAttributes(
		attribute.Int("rewards.proposed", len(eval.Rewards)),
		attribute.Int("rewards.issued", decision.IssuedCount()),
		attribute.Int("abuse.score", decision.AbuseScore),
	)

	p.record(ctx, decision)
	p.publish(ctx, decision)

	slog.Info("reward cycle processed",
		"player_id", decision.PlayerID,
		"decision_id", decision.ID,
		"segment", decision.Segment,
		"proposed", len(eval.Rewards),
		"issued", decision.IssuedCount(),
		"abuse_score", decision.AbuseScore,
		"penalty", decision.Penalty,
		"dry_run", decision.DryRun,
		"trace_id", decision.TraceID,
		"duration_ms", decision.TotalMs,
	)
	return decision, nil
}

func (p *Pipeline) evaluate(ctx context.Context, state *domain.PlayerState, limit int) *rules.Evaluation {
	_, span := tracer.Start(ctx, "rules.Evaluate")
	defer span.End()

	eval := p.engine.EvaluateAndCreateRewards(state, limit)
	span.SetAttributes(
		attribute.Int("rules.evaluated", eval.RulesEvaluated),
		attribute.Int("rules.matched", eval.RulesMatched),
	)
	return eval
}

// validate checks every proposal against the gate. Amounts approved earlier
// in the cycle count towards the caps of later ones.
func (p *Pipeline) validate(ctx context.Context, state *domain.PlayerState, rewards []domain.ProposedReward, minROI *float64) ([]domain.ProfitCheck, error) {
	ctx, span := tracer.Start(ctx, "safety.ValidateReward")
	defer span.End()

	checks := make([]domain.ProfitCheck, len(rewards))
	pending := 0.0
	for i, reward := range rewards {
		check, err := p.gate.ValidateReward(ctx, state, reward.Amount, reward.RewardType, safety.Options{
			MinROI:        minROI,
			EligibleGames: reward.EligibleGames,
			Pending:       pending,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to validate reward %s: %w", reward.RuleID, err)
		}
		if check.Approved {
			pending += reward.Amount
		}
		checks[i] = check
	}
	return checks, nil
}

func (p *Pipeline) assess(ctx context.Context, state *domain.PlayerState, activity []domain.Activity) (fraud.Assessment, error) {
	ctx, span := tracer.Start(ctx, "fraud.Assess")
	defer span.End()

	var prior []domain.AbuseSignal
	if p.audit != nil {
		var err error
		prior, err = p.audit.ListAbuseSignals(ctx, state.PlayerID, true)
		if err != nil {
			return fraud.Assessment{}, fmt.Errorf("failed to load abuse signals: %w", err)
		}
	}

	a := p.scorer.Assess(state, activity, prior)
	span.SetAttributes(
		attribute.Int("abuse.score", a.Score),
		attribute.String("abuse.penalty", string(a.Penalty)),
	)
	return a, nil
}

// settle applies the penalty to one approved reward and issues it.
func (p *Pipeline) settle(ctx context.Context, reward domain.ProposedReward, check domain.ProfitCheck, penalty domain.PenaltyAction, dryRun bool) domain.RewardOutcome {
	c := check
	outcome := domain.RewardOutcome{Reward: reward, Profit: &c}

	if !check.Approved {
		outcome.Rejection = check.Rejection
		outcome.Reason = check.Reason
		return outcome
	}
	if penalty == domain.PenaltyBlocked {
		outcome.Rejection = domain.FraudBlocked
		outcome.Reason = "issuance blocked by abuse score"
		return outcome
	}

	outcome.Reward = p.adjust(reward, penalty)
	if dryRun {
		outcome.Rejection = domain.RejectionDryRun
		outcome.Reason = "dry run: reward approved but not issued"
		return outcome
	}

	ctx, span := tracer.Start(ctx, "ledger.IssueReward",
		trace.WithAttributes(attribute.String("rule.id", reward.RuleID)),
	)
	defer span.End()

	t, err := p.ledger.IssueReward(ctx, outcome.Reward)
	if err != nil {
		span.RecordError(err)
		slog.Error("failed to issue reward",
			"player_id", reward.PlayerID,
			"rule_id", reward.RuleID,
			"error", err,
		)
		outcome.Rejection = domain.LedgerRejected
		outcome.Reason = err.Error()
		return outcome
	}

	if err := p.gate.RecordIssued(ctx, reward.PlayerID, outcome.Reward.Amount, t.CreatedAt); err != nil {
		slog.Error("failed to record issued amount",
			"player_id", reward.PlayerID,
			"rule_id", reward.RuleID,
			"error", err,
		)
	}

	outcome.Issued = true
	outcome.Transaction = t
	outcome.Reason = "issued"
	if penalty != domain.PenaltyNone {
		outcome.Reason = "issued with penalty " + string(penalty)
	}
	return outcome
}

// adjust narrows a reward according to the penalty. The wagering
// requirement stays proportional to the amount when the amount is reduced.
func (p *Pipeline) adjust(reward domain.ProposedReward, penalty domain.PenaltyAction) domain.ProposedReward {
	switch penalty {
	case domain.PenaltyReducedRewards:
		f := p.cfg.Pipeline.ReducedRewardFactor
		reward.Amount = round2(reward.Amount * f)
		reward.WageringRequired = round2(reward.WageringRequired * f)
	case domain.PenaltyIncreasedWagering:
		reward.WageringRequired = round2(reward.WageringRequired * p.cfg.Pipeline.IncreasedWageringFactor)
	}
	return reward
}

// record persists signals and the decision. Failures are logged; the
// ledger has already committed at this point.
func (p *Pipeline) record(ctx context.Context, decision *domain.RewardDecision) {
	if p.audit == nil {
		return
	}
	if err := p.audit.SaveAbuseSignals(ctx, decision.Signals); err != nil {
		slog.Error("failed to save abuse signals",
			"player_id", decision.PlayerID,
			"error", err,
		)
	}
	if err := p.audit.SaveDecision(ctx, decision); err != nil {
		slog.Error("failed to save decision",
			"player_id", decision.PlayerID,
			"decision_id", decision.ID,
			"error", err,
		)
	}
}

func (p *Pipeline) publish(ctx context.Context, decision *domain.RewardDecision) {
	if p.bus == nil {
		return
	}

	p.emit(ctx, domain.TopicRewardDecision, decision)

	for _, o := range decision.Outcomes {
		if o.Issued {
			p.emit(ctx, domain.TopicRewardIssued, o)
		}
	}

	if len(decision.Signals) > 0 || decision.Penalty != domain.PenaltyNone {
		p.emit(ctx, domain.TopicAbuseAlert, AbuseAlert{
			PlayerID: decision.PlayerID,
			Score:    decision.AbuseScore,
			Penalty:  decision.Penalty,
			Signals:  decision.Signals,
			TraceID:  decision.TraceID,
		})
	}
}

func (p *Pipeline) emit(ctx context.Context, topic string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to marshal event",
			"topic", topic,
			"error", err,
		)
		return
	}
	if err := p.bus.Publish(ctx, topic, payload); err != nil {
		slog.Error("failed to publish event",
			"topic", topic,
			"error", err,
		)
	}
}

// BatchResult is the outcome of one player in a batch.
type BatchResult struct {
	PlayerID string                 `json:"player_id"`
	Decision *domain.RewardDecision `json:"decision,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

// ProcessBatch runs each request as an independent unit. One player's
// failure is recorded in its result and never aborts the batch.
func (p *Pipeline) ProcessBatch(ctx context.Context, reqs []Request) []BatchResult {
	results := make([]BatchResult, len(reqs))
	var wg sync.WaitGroup

	sem := make(chan struct{}, p.cfg.MaxWorkers)

	for i, req := range reqs {
		wg.Add(1)
		go func(idx int, r Request) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			results[idx] = p.processOne(ctx, r)
		}(i, req)
	}

	wg.Wait()
	return results
}

func (p *Pipeline) processOne(ctx context.Context, req Request) (res BatchResult) {
	if req.State != nil {
		res.PlayerID = req.State.PlayerID
	}
	if err := ctx.Err(); err != nil {
		res.Error = err.Error()
		return res
	}
	defer func() {
		if r := recover(); r != nil {
			res.Decision = nil
			res.Error = fmt.Sprintf("processing panicked: %v", r)
			slog.Error("batch unit panicked",
				"player_id", res.PlayerID,
				"panic", r,
			)
		}
	}()

	decision, err := p.Process(ctx, req)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Decision = decision
	return res
}

func traceIDFor(requested string, span trace.Span) string {
	if requested != "" {
		return requested
	}
	if sc := span.SpanContext(); sc.TraceID().IsValid() {
		return sc.TraceID().String()
	}
	return ""
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
