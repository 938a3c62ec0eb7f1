package repository

// Schema definitions for the loyalty database.
// Compatible with both SQLite and PostgreSQL.

const schemaRewardRules = `
CREATE TABLE IF NOT EXISTS reward_rules (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT,
    priority INTEGER NOT NULL DEFAULT 0,
    active INTEGER NOT NULL DEFAULT 1,
    conditions TEXT NOT NULL,
    reward_config TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reward_rules_active ON reward_rules(active, priority);
`

// Money columns are TEXT holding exact decimal strings.
const schemaWallets = `
CREATE TABLE IF NOT EXISTS wallets (
    player_id TEXT PRIMARY KEY,
    lp_balance TEXT NOT NULL,
    rp_balance TEXT NOT NULL,
    bonus_balance TEXT NOT NULL,
    tickets_balance TEXT NOT NULL,
    bonus_wagering_required TEXT NOT NULL,
    bonus_wagering_completed TEXT NOT NULL,
    bonus_expiry TIMESTAMP,
    bonus_max_bet TEXT,
    bonus_eligible_games TEXT,
    has_bonus INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_wallets_bonus_expiry ON wallets(has_bonus, bonus_expiry);
`

const schemaLedgerTransactions = `
CREATE TABLE IF NOT EXISTS ledger_transactions (
    id TEXT PRIMARY KEY,
    player_id TEXT NOT NULL,
    type TEXT NOT NULL,
    currency TEXT NOT NULL,
    amount TEXT NOT NULL,
    balance_before TEXT NOT NULL,
    balance_after TEXT NOT NULL,
    reference TEXT,
    description TEXT,
    metadata TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ledger_transactions_player ON ledger_transactions(player_id, created_at);
`

// reward_history holds one row per orchestration decision.
const schemaRewardHistory = `
CREATE TABLE IF NOT EXISTS reward_history (
    id TEXT PRIMARY KEY,
    player_id TEXT NOT NULL,
    segment TEXT,
    issued_count INTEGER NOT NULL,
    abuse_score INTEGER NOT NULL,
    penalty TEXT NOT NULL,
    dry_run INTEGER NOT NULL DEFAULT 0,
    trace_id TEXT,
    decision TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reward_history_player ON reward_history(player_id, created_at);
`

const schemaAbuseSignals = `
CREATE TABLE IF NOT EXISTS abuse_signals (
    id TEXT PRIMARY KEY,
    player_id TEXT NOT NULL,
    signal_type TEXT NOT NULL,
    severity INTEGER NOT NULL,
    details TEXT,
    resolved INTEGER NOT NULL DEFAULT 0,
    detected_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_abuse_signals_player ON abuse_signals(player_id, resolved);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaRewardRules,
		schemaWallets,
		schemaLedgerTransactions,
		schemaRewardHistory,
		schemaAbuseSignals,
	}
}
