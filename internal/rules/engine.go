// Package rules provides the reward rule engine.
package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/opensource-finance/loyalty/internal/condition"
	"github.com/opensource-finance/loyalty/internal/domain"
	"github.com/opensource-finance/loyalty/internal/formula"
)

// ErrInvalidRule is returned for rules whose reward config cannot be used.
var ErrInvalidRule = errors.New("invalid rule")

// RuleSource supplies active rules, typically the repository.
type RuleSource interface {
	ListActiveRules(ctx context.Context) ([]*domain.RewardRule, error)
}

// Engine matches reward rules against player snapshots.
type Engine struct {
	mu            sync.RWMutex
	compiledRules map[string]*CompiledRule
	invalidRules  map[string]domain.RuleFailure
	maxWorkers    int
	defaultLimit  int
	now           func() time.Time
}

// CompiledRule holds a rule with its parsed conditions and formula.
type CompiledRule struct {
	Rule       *domain.RewardRule
	Conditions condition.Set
	Formula    *formula.Formula
}

// Evaluation is the Rule Engine result for one player.
type Evaluation struct {
	PlayerID       string                  `json:"player_id"`
	Rewards        []domain.ProposedReward `json:"rewards"`
	Failures       []domain.RuleFailure    `json:"failures,omitempty"`
	RulesEvaluated int                     `json:"rules_evaluated"`
	RulesMatched   int                     `json:"rules_matched"`
}

// NewEngine creates a rule engine.
func NewEngine(cfg domain.RulesConfig) *Engine {
	maxWorkers := cfg.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 10
	}
	limit := cfg.MaxRewardsPerEvaluation
	if limit <= 0 {
		limit = 1
	}
	return &Engine{
		compiledRules: make(map[string]*CompiledRule),
		invalidRules:  make(map[string]domain.RuleFailure),
		maxWorkers:    maxWorkers,
		defaultLimit:  limit,
		now:           time.Now,
	}
}

// SetClock overrides the clock used for reward expiry.
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

// ValidateRule compiles a rule without loading it.
func (e *Engine) ValidateRule(rule *domain.RewardRule) error {
	_, _, err := compileRule(rule)
	return err
}

// LoadRule compiles and loads a single rule, replacing any rule with the same ID.
func (e *Engine) LoadRule(rule *domain.RewardRule) error {
	compiled, stage, err := compileRule(rule)

	e.mu.Lock()
	defer e.mu.Unlock()

	if err != nil {
		if rule != nil {
			delete(e.compiledRules, rule.ID)
			e.invalidRules[rule.ID] = domain.RuleFailure{RuleID: rule.ID, Stage: stage, Reason: err.Error()}
		}
		return err
	}
	delete(e.invalidRules, rule.ID)
	if !rule.Active {
		delete(e.compiledRules, rule.ID)
		return nil
	}
	e.compiledRules[rule.ID] = compiled
	return nil
}

// LoadRules loads rules one by one. A rule that fails to compile is
// recorded and reported; it does not prevent the others from loading.
func (e *Engine) LoadRules(rules []*domain.RewardRule) []domain.RuleFailure {
	var failures []domain.RuleFailure
	for _, rule := range rules {
		if err := e.LoadRule(rule); err != nil {
			failures = append(failures, failureFor(rule, err))
		}
	}
	return failures
}

// ReloadRules replaces the whole rule set atomically.
func (e *Engine) ReloadRules(rules []*domain.RewardRule) []domain.RuleFailure {
	compiled := make(map[string]*CompiledRule, len(rules))
	invalid := make(map[string]domain.RuleFailure)
	var failures []domain.RuleFailure

	for _, rule := range rules {
		if rule == nil || !rule.Active {
			continue
		}
		cr, stage, err := compileRule(rule)
		if err != nil {
			f := domain.RuleFailure{RuleID: rule.ID, Stage: stage, Reason: err.Error()}
			invalid[rule.ID] = f
			failures = append(failures, f)
			slog.Warn("rule failed to compile",
				"rule_id", rule.ID,
				"stage", stage,
				"error", err,
			)
			continue
		}
		compiled[rule.ID] = cr
	}

	e.mu.Lock()
	e.compiledRules = compiled
	e.invalidRules = invalid
	e.mu.Unlock()

	return failures
}

// Refresh reloads the rule set from src.
func (e *Engine) Refresh(ctx context.Context, src RuleSource) ([]domain.RuleFailure, error) {
	rules, err := src.ListActiveRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active rules: %w", err)
	}
	return e.ReloadRules(rules), nil
}

// RulesCount returns the number of loaded, valid rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// GetLoadedRules returns loaded rules in evaluation order.
func (e *Engine) GetLoadedRules() []*domain.RewardRule {
	compiled, _ := e.snapshot()
	rules := make([]*domain.RewardRule, len(compiled))
	for i, cr := range compiled {
		rules[i] = cr.Rule
	}
	return rules
}

// InvalidRules returns the rules that failed to compile, sorted by ID.
func (e *Engine) InvalidRules() []domain.RuleFailure {
	_, invalid := e.snapshot()
	return invalid
}

// Close clears all loaded rules.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = make(map[string]*CompiledRule)
	e.invalidRules = make(map[string]domain.RuleFailure)
	return nil
}

// snapshot copies the rule set in priority order: priority descending,
// then rule ID ascending.
func (e *Engine) snapshot() ([]*CompiledRule, []domain.RuleFailure) {
	e.mu.RLock()
	compiled := make([]*CompiledRule, 0, len(e.compiledRules))
	for _, cr := range e.compiledRules {
		compiled = append(compiled, cr)
	}
	invalid := make([]domain.RuleFailure, 0, len(e.invalidRules))
	for _, f := range e.invalidRules {
		invalid = append(invalid, f)
	}
	e.mu.RUnlock()

	SortCompiled(compiled)
	sort.Slice(invalid, func(i, j int) bool { return invalid[i].RuleID < invalid[j].RuleID })
	return compiled, invalid
}

// SortCompiled orders rules by priority descending, then ID ascending.
func SortCompiled(rules []*CompiledRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		a, b := rules[i].Rule, rules[j].Rule
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.ID < b.ID
	})
}

// SortRules orders rules by priority descending, then ID ascending.
func SortRules(rules []*domain.RewardRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
}

// GetApplicableRules returns the active rules whose conditions match
// state, in evaluation order. Rules that failed to compile are reported.
func (e *Engine) GetApplicableRules(state *domain.PlayerState) ([]*domain.RewardRule, []domain.RuleFailure) {
	compiled, failures := e.snapshot()
	var matched []*domain.RewardRule
	for _, cr := range compiled {
		if cr.Conditions.Match(state) {
			matched = append(matched, cr.Rule)
		}
	}
	return matched, failures
}

// CalculateRewardAmount evaluates the rule's formula against state and
// clamps it to [0, max_amount].
func (e *Engine) CalculateRewardAmount(rule *domain.RewardRule, state *domain.PlayerState) (float64, error) {
	if rule == nil {
		return 0, fmt.Errorf("%w: rule is required", ErrInvalidRule)
	}

	e.mu.RLock()
	cr, ok := e.compiledRules[rule.ID]
	e.mu.RUnlock()

	var f *formula.Formula
	if ok && cr.Rule.RewardConfig.Formula == rule.RewardConfig.Formula {
		f = cr.Formula
	} else {
		compiled, err := formula.Compile(rule.RewardConfig.Formula)
		if err != nil {
			return 0, err
		}
		f = compiled
	}
	return amountFor(f, rule, state)
}

func amountFor(f *formula.Formula, rule *domain.RewardRule, state *domain.PlayerState) (float64, error) {
	raw, err := f.Eval(state.NumericVariables())
	if err != nil {
		return 0, err
	}
	return Clamp(raw, rule.RewardConfig.MaxAmount), nil
}

// Clamp bounds an amount to [0, max] and rounds it to cents.
func Clamp(amount, max float64) float64 {
	amount = math.Min(amount, max)
	amount = math.Max(amount, 0)
	return math.Round(amount*100) / 100
}

// EvaluateAndCreateRewards walks the applicable rules in order and proposes
// up to limit rewards. A limit <= 0 uses the configured default (1: the first
// matching rule wins). Rules that compute to zero or fail are skipped.
func (e *Engine) EvaluateAndCreateRewards(state *domain.PlayerState, limit int) *Evaluation {
	if limit <= 0 {
		limit = e.defaultLimit
	}

	if state == nil {
		return &Evaluation{Rewards: []domain.ProposedReward{}}
	}

	compiled, failures := e.snapshot()

	e.mu.RLock()
	now := e.now()
	e.mu.RUnlock()

	eval := &Evaluation{
		PlayerID: state.PlayerID,
		Rewards:  []domain.ProposedReward{},
		Failures: failures,
	}

	for _, cr := range compiled {
		if len(eval.Rewards) >= limit {
			break
		}
		eval.RulesEvaluated++

		if !cr.Conditions.Match(state) {
			continue
		}
		eval.RulesMatched++

		amount, err := amountFor(cr.Formula, cr.Rule, state)
		if err != nil {
			eval.Failures = append(eval.Failures, domain.RuleFailure{
				RuleID: cr.Rule.ID,
				Stage:  domain.StageFormula,
				Reason: err.Error(),
			})
			slog.Warn("rule formula failed",
				"rule_id", cr.Rule.ID,
				"player_id", state.PlayerID,
				"error", err,
			)
			continue
		}
		if amount <= 0 {
			continue
		}

		eval.Rewards = append(eval.Rewards, NewProposedReward(cr.Rule, state.PlayerID, amount, now))
	}

	return eval
}

// NewProposedReward builds the proposal for a matched rule.
func NewProposedReward(rule *domain.RewardRule, playerID string, amount float64, now time.Time) domain.ProposedReward {
	rc := rule.RewardConfig
	reward := domain.ProposedReward{
		RuleID:     rule.ID,
		RuleName:   rule.Name,
		PlayerID:   playerID,
		RewardType: rc.RewardType,
		Amount:     amount,
		Currency:   rc.RewardType.Currency(),
	}
	if rc.WageringRequirement != nil {
		reward.WageringRequired = math.Round(amount*(*rc.WageringRequirement)*100) / 100
	}
	if rc.ExpiryHours != nil {
		expires := now.Add(time.Duration(*rc.ExpiryHours * float64(time.Hour)))
		reward.ExpiresAt = &expires
	}
	if len(rc.EligibleGames) > 0 {
		reward.EligibleGames = append([]string(nil), rc.EligibleGames...)
	}
	if rc.MaxBet != nil {
		m := *rc.MaxBet
		reward.MaxBet = &m
	}
	return reward
}

// BatchResult is the evaluation of one player in a batch.
type BatchResult struct {
	PlayerID   string      `json:"player_id"`
	Evaluation *Evaluation `json:"evaluation,omitempty"`
	Err        error       `json:"-"`
}

// EvaluateBatch evaluates many players concurrently. Each player is an
// independent unit: a failure for one never affects another.
func (e *Engine) EvaluateBatch(ctx context.Context, states []*domain.PlayerState, limit int) []BatchResult {
	results := make([]BatchResult, len(states))
	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, e.maxWorkers)

	for i, state := range states {
		wg.Add(1)
		go func(idx int, s *domain.PlayerState) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			results[idx] = e.evaluateOne(ctx, s, limit)
		}(i, state)
	}

	wg.Wait()
	return results
}

func (e *Engine) evaluateOne(ctx context.Context, state *domain.PlayerState, limit int) (res BatchResult) {
	if state == nil {
		return BatchResult{Err: fmt.Errorf("%w: player state is required", ErrInvalidRule)}
	}
	res.PlayerID = state.PlayerID
	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}
	defer func() {
		if r := recover(); r != nil {
			res.Evaluation = nil
			res.Err = fmt.Errorf("evaluation panicked: %v", r)
		}
	}()
	res.Evaluation = e.EvaluateAndCreateRewards(state, limit)
	return res
}

// compileRule validates and compiles a rule. The returned stage names the
// part that failed.
func compileRule(rule *domain.RewardRule) (*CompiledRule, string, error) {
	if rule == nil {
		return nil, domain.StageCompile, fmt.Errorf("%w: rule is required", ErrInvalidRule)
	}
	if rule.ID == "" {
		return nil, domain.StageCompile, fmt.Errorf("%w: id is required", ErrInvalidRule)
	}

	rc := rule.RewardConfig
	switch {
	case !rc.RewardType.Valid():
		return nil, domain.StageCompile, fmt.Errorf("%w: rule %s: unknown reward type %q", ErrInvalidRule, rule.ID, rc.RewardType)
	case rc.MaxAmount < 0:
		return nil, domain.StageCompile, fmt.Errorf("%w: rule %s: max_amount must not be negative", ErrInvalidRule, rule.ID)
	case rc.WageringRequirement != nil && *rc.WageringRequirement < 0:
		return nil, domain.StageCompile, fmt.Errorf("%w: rule %s: wagering_requirement must not be negative", ErrInvalidRule, rule.ID)
	case rc.ExpiryHours != nil && *rc.ExpiryHours <= 0:
		return nil, domain.StageCompile, fmt.Errorf("%w: rule %s: expiry_hours must be positive", ErrInvalidRule, rule.ID)
	case rc.MaxBet != nil && *rc.MaxBet <= 0:
		return nil, domain.StageCompile, fmt.Errorf("%w: rule %s: max_bet must be positive", ErrInvalidRule, rule.ID)
	}

	conds, err := condition.Parse(rule.Conditions)
	if err != nil {
		return nil, domain.StageCondition, fmt.Errorf("failed to compile conditions for rule %s: %w", rule.ID, err)
	}

	f, err := formula.Compile(rc.Formula)
	if err != nil {
		return nil, domain.StageFormula, fmt.Errorf("failed to compile formula for rule %s: %w", rule.ID, err)
	}

	return &CompiledRule{Rule: rule, Conditions: conds, Formula: f}, "", nil
}

func failureFor(rule *domain.RewardRule, err error) domain.RuleFailure {
	id := ""
	if rule != nil {
		id = rule.ID
	}
	stage := domain.StageCompile
	switch {
	case errors.Is(err, condition.ErrCondition):
		stage = domain.StageCondition
	case errors.Is(err, formula.ErrFormula):
		stage = domain.StageFormula
	}
	return domain.RuleFailure{RuleID: id, Stage: stage, Reason: err.Error()}
}
