// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/loyalty/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository and ledger.Store using
// database/sql. Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New opens the configured database and runs migrations.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	db, err := open(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveRule inserts or replaces a reward rule.
func (r *SQLRepository) SaveRule(ctx context.Context, rule *domain.RewardRule) error {
	if rule == nil || rule.ID == "" {
		return fmt.Errorf("%w: rule id is required", ErrInvalidInput)
	}

	conditions, err := json.Marshal(rule.Conditions)
	if err != nil {
		return fmt.Errorf("failed to marshal conditions: %w", err)
	}
	rewardConfig, err := json.Marshal(rule.RewardConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal reward config: %w", err)
	}

	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	query := `
		INSERT INTO reward_rules (
			id, name, description, priority, active, conditions, reward_config, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			priority = excluded.priority,
			active = excluded.active,
			conditions = excluded.conditions,
			reward_config = excluded.reward_config,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Name, rule.Description, rule.Priority, boolToInt(rule.Active),
		string(conditions), string(rewardConfig), rule.CreatedAt, rule.UpdatedAt,
	)
	return err
}

const ruleColumns = `id, name, description, priority, active, conditions, reward_config, created_at, updated_at`

// GetRule retrieves a rule by ID, active or not.
func (r *SQLRepository) GetRule(ctx context.Context, ruleID string) (*domain.RewardRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM reward_rules WHERE id = ?`

	rule, err := scanRule(r.db.QueryRowContext(ctx, r.rebind(query), ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rule, err
}

// ListRules retrieves all rules ordered by priority.
func (r *SQLRepository) ListRules(ctx context.Context) ([]*domain.RewardRule, error) {
	return r.listRules(ctx, `SELECT `+ruleColumns+` FROM reward_rules ORDER BY priority DESC, id`)
}

// ListActiveRules retrieves the active rules.
func (r *SQLRepository) ListActiveRules(ctx context.Context) ([]*domain.RewardRule, error) {
	return r.listRules(ctx, `SELECT `+ruleColumns+` FROM reward_rules WHERE active = 1 ORDER BY priority DESC, id`)
}

func (r *SQLRepository) listRules(ctx context.Context, query string, args ...any) ([]*domain.RewardRule, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.RewardRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRule(s scanner) (*domain.RewardRule, error) {
	var rule domain.RewardRule
	var description sql.NullString
	var active int
	var conditions, rewardConfig string

	if err := s.Scan(
		&rule.ID, &rule.Name, &description, &rule.Priority, &active,
		&conditions, &rewardConfig, &rule.CreatedAt, &rule.UpdatedAt,
	); err != nil {
		return nil, err
	}

	rule.Description = description.String
	rule.Active = active == 1
	if err := json.Unmarshal([]byte(conditions), &rule.Conditions); err != nil {
		return nil, fmt.Errorf("failed to parse conditions for rule %s: %w", rule.ID, err)
	}
	if err := json.Unmarshal([]byte(rewardConfig), &rule.RewardConfig); err != nil {
		return nil, fmt.Errorf("failed to parse reward config for rule %s: %w", rule.ID, err)
	}
	return &rule, nil
}

// SaveDecision stores an orchestration decision in reward_history.
func (r *SQLRepository) SaveDecision(ctx context.Context, decision *domain.RewardDecision) error {
	if decision == nil || decision.ID == "" {
		return fmt.Errorf("%w: decision id is required", ErrInvalidInput)
	}

	payload, err := json.Marshal(decision)
	if err != nil {
		return fmt.Errorf("failed to marshal decision: %w", err)
	}

	query := `
		INSERT INTO reward_history (
			id, player_id, segment, issued_count, abuse_score, penalty, dry_run, trace_id, decision, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		decision.ID, decision.PlayerID, string(decision.Segment), decision.IssuedCount(),
		decision.AbuseScore, string(decision.Penalty), boolToInt(decision.DryRun), decision.TraceID,
		string(payload), decision.Timestamp.UTC(),
	)
	return err
}

// GetDecision retrieves a decision by ID.
func (r *SQLRepository) GetDecision(ctx context.Context, decisionID string) (*domain.RewardDecision, error) {
	query := `SELECT decision FROM reward_history WHERE id = ?`

	var payload string
	err := r.db.QueryRowContext(ctx, r.rebind(query), decisionID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var decision domain.RewardDecision
	if err := json.Unmarshal([]byte(payload), &decision); err != nil {
		return nil, fmt.Errorf("failed to parse decision %s: %w", decisionID, err)
	}
	return &decision, nil
}

// ListDecisions returns a player's most recent decisions, newest first.
func (r *SQLRepository) ListDecisions(ctx context.Context, playerID string, limit int) ([]*domain.RewardDecision, error) {
	query := `SELECT decision FROM reward_history WHERE player_id = ? ORDER BY created_at DESC` + limitClause(limit)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), playerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var decisions []*domain.RewardDecision
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var decision domain.RewardDecision
		if err := json.Unmarshal([]byte(payload), &decision); err != nil {
			return nil, fmt.Errorf("failed to parse decision: %w", err)
		}
		decisions = append(decisions, &decision)
	}
	return decisions, rows.Err()
}

// SaveAbuseSignals stores signals in one transaction.
func (r *SQLRepository) SaveAbuseSignals(ctx context.Context, signals []domain.AbuseSignal) error {
	if len(signals) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := r.rebind(`
		INSERT INTO abuse_signals (id, player_id, signal_type, severity, details, resolved, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	for _, s := range signals {
		if s.ID == "" || s.PlayerID == "" {
			return fmt.Errorf("%w: signal id and player id are required", ErrInvalidInput)
		}
		if _, err := tx.ExecContext(ctx, query,
			s.ID, s.PlayerID, string(s.Type), s.Severity, s.Details, boolToInt(s.Resolved), s.DetectedAt.UTC(),
		); err != nil {
			return fmt.Errorf("failed to save signal %s: %w", s.ID, err)
		}
	}
	return tx.Commit()
}

// ListAbuseSignals returns a player's signals, newest first.
func (r *SQLRepository) ListAbuseSignals(ctx context.Context, playerID string, unresolvedOnly bool) ([]domain.AbuseSignal, error) {
	query := `
		SELECT id, player_id, signal_type, severity, details, resolved, detected_at
		FROM abuse_signals
		WHERE player_id = ?
	`
	if unresolvedOnly {
		query += ` AND resolved = 0`
	}
	query += ` ORDER BY detected_at DESC`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), playerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var signals []domain.AbuseSignal
	for rows.Next() {
		var s domain.AbuseSignal
		var details sql.NullString
		var resolved int
		if err := rows.Scan(&s.ID, &s.PlayerID, &s.Type, &s.Severity, &details, &resolved, &s.DetectedAt); err != nil {
			return nil, err
		}
		s.Details = details.String
		s.Resolved = resolved == 1
		signals = append(signals, s)
	}
	return signals, rows.Err()
}

// ResolveAbuseSignal marks a signal resolved so it stops counting towards
// the abuse score.
func (r *SQLRepository) ResolveAbuseSignal(ctx context.Context, signalID string) error {
	result, err := r.db.ExecContext(ctx, r.rebind(`UPDATE abuse_signals SET resolved = 1 WHERE id = ?`), signalID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}

func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return " LIMIT " + strconv.Itoa(limit)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
