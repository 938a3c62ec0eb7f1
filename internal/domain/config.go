package domain

import (
	"time"
)

// Config holds the complete loyalty engine configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines which backing services are used
	Tier Tier `json:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	KV         KVConfig         `json:"kv"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Core
	Rules        RulesConfig        `json:"rules"`
	Profit       ProfitConfig       `json:"profit"`
	Fraud        FraudConfig        `json:"fraud"`
	Ledger       LedgerConfig       `json:"ledger"`
	Segmentation SegmentationConfig `json:"segmentation"`
	Pipeline     PipelineConfig     `json:"pipeline"`

	// AsyncWorker enables the bus-driven evaluation worker.
	AsyncWorker bool `json:"asyncWorker"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite, in-memory counters and channels
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL, Redis and NATS
	TierPro Tier = "pro"
)

// RulesConfig configures the Rule Engine.
type RulesConfig struct {
	// MaxRewardsPerEvaluation bounds proposals per player per cycle.
	// 1 means the first matching rule wins.
	MaxRewardsPerEvaluation int `json:"maxRewardsPerEvaluation"`

	// MaxWorkers bounds batch evaluation concurrency.
	MaxWorkers int `json:"maxWorkers"`
}

// ProfitConfig configures the Profit Safety Gate.
type ProfitConfig struct {
	HouseEdge      float64            `json:"houseEdge"`
	GameHouseEdges map[string]float64 `json:"gameHouseEdges,omitempty"`

	// RetentionMultipliers scale the projected wager per segment and reward type.
	RetentionMultipliers map[Segment]map[RewardType]float64 `json:"retentionMultipliers"`
	DefaultRetention     float64                            `json:"defaultRetention"`

	// The historical wager is RecentWagered projected from LookbackDays to ProjectionDays.
	LookbackDays   int `json:"lookbackDays"`
	ProjectionDays int `json:"projectionDays"`

	// Per-player issuance caps; zero disables a period.
	DailyCap   float64 `json:"dailyCap"`
	WeeklyCap  float64 `json:"weeklyCap"`
	MonthlyCap float64 `json:"monthlyCap"`
}

// FraudConfig configures the Fraud Scorer.
type FraudConfig struct {
	Severities     map[SignalType]int `json:"severities"`
	SeverityWeight int                `json:"severityWeight"`

	WithdrawalWindow time.Duration `json:"withdrawalWindow"`

	MinBetSample    int     `json:"minBetSample"`
	RecentBetWindow int     `json:"recentBetWindow"`
	BetSpikeRatio   float64 `json:"betSpikeRatio"`

	WinRateThreshold float64 `json:"winRateThreshold"`
	MinWinRateSample float64 `json:"minWinRateSample"`

	DepositEpsilon float64 `json:"depositEpsilon"`

	CustomRules []CustomSignalRule `json:"customRules,omitempty"`
}

// CustomSignalRule is an administrator-defined abuse check.
type CustomSignalRule struct {
	ID         string     `json:"id"`
	SignalType SignalType `json:"signalType"`
	Expression string     `json:"expression"`
	Severity   int        `json:"severity"`
	Details    string     `json:"details,omitempty"`
}

// LedgerConfig configures the Wallet Ledger.
type LedgerConfig struct {
	LockTTL             time.Duration `json:"lockTtl"`
	ExpirySweepInterval time.Duration `json:"expirySweepInterval"`
}

// SegmentationConfig holds segment classification thresholds.
type SegmentationConfig struct {
	NewPlayerWagerThreshold float64 `json:"newPlayerWagerThreshold"`
	VIPWagerThreshold       float64 `json:"vipWagerThreshold"`
	VIPSessionThreshold     int     `json:"vipSessionThreshold"`
	WinningRatio            float64 `json:"winningRatio"`
	BreakevenTolerance      float64 `json:"breakevenTolerance"`
}

// PipelineConfig configures how penalties narrow rewards.
type PipelineConfig struct {
	ReducedRewardFactor     float64 `json:"reducedRewardFactor"`
	IncreasedWageringFactor float64 `json:"increasedWageringFactor"`
}

// DefaultRetentionMultipliers returns the illustrative retention table.
func DefaultRetentionMultipliers() map[Segment]map[RewardType]float64 {
	return map[Segment]map[RewardType]float64{
		SegmentLosing: {
			RewardBonusBalance: 1.8, RewardCashback: 1.5, RewardLoyaltyPoints: 1.2,
		},
		SegmentBreakeven: {
			RewardBonusBalance: 1.5, RewardCashback: 1.4, RewardLoyaltyPoints: 1.3,
		},
		SegmentWinning: {
			RewardBonusBalance: 1.1, RewardCashback: 1.1, RewardLoyaltyPoints: 1.2,
		},
		SegmentNew: {
			RewardBonusBalance: 2.0, RewardCashback: 1.6, RewardLoyaltyPoints: 1.4,
		},
		SegmentVIP: {
			RewardBonusBalance: 1.3, RewardCashback: 1.4, RewardLoyaltyPoints: 1.5,
		},
	}
}

// DefaultProfitConfig returns the Profit Safety Gate defaults.
func DefaultProfitConfig() ProfitConfig {
	return ProfitConfig{
		HouseEdge: 0.05,
		GameHouseEdges: map[string]float64{
			"slots":     0.05,
			"roulette":  0.027,
			"blackjack": 0.005,
			"poker":     0.05,
		},
		RetentionMultipliers: DefaultRetentionMultipliers(),
		DefaultRetention:     1.0,
		LookbackDays:         30,
		ProjectionDays:       30,
		DailyCap:             1000,
		WeeklyCap:            5000,
		MonthlyCap:           20000,
	}
}

// DefaultFraudConfig returns the Fraud Scorer defaults.
func DefaultFraudConfig() FraudConfig {
	return FraudConfig{
		Severities: map[SignalType]int{
			SignalBonusOnlyPlay:       5,
			SignalImmediateWithdrawal: 7,
			SignalBetManipulation:     8,
			SignalAbnormalWinRate:     9,
			SignalMultiAccount:        6,
			SignalManualReview:        10,
		},
		SeverityWeight:   10,
		WithdrawalWindow: 24 * time.Hour,
		MinBetSample:     10,
		RecentBetWindow:  20,
		BetSpikeRatio:    10,
		WinRateThreshold: 1.2,
		MinWinRateSample: 1000,
		DepositEpsilon:   0.01,
	}
}

// DefaultSegmentationConfig returns the segmentation thresholds.
func DefaultSegmentationConfig() SegmentationConfig {
	return SegmentationConfig{
		NewPlayerWagerThreshold: 1000,
		VIPWagerThreshold:       100000,
		VIPSessionThreshold:     100,
		WinningRatio:            1.1,
		BreakevenTolerance:      0.05,
	}
}

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./loyalty.db",
		},
		KV: KVConfig{
			Type:        "memory",
			MaxCounters: 100000,
			KeyPrefix:   "loyalty",
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Rules: RulesConfig{
			MaxRewardsPerEvaluation: 1,
			MaxWorkers:              10,
		},
		Profit:       DefaultProfitConfig(),
		Fraud:        DefaultFraudConfig(),
		Segmentation: DefaultSegmentationConfig(),
		Ledger: LedgerConfig{
			LockTTL:             10 * time.Second,
			ExpirySweepInterval: time.Hour,
		},
		Pipeline: PipelineConfig{
			ReducedRewardFactor:     0.5,
			IncreasedWageringFactor: 2.0,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "loyalty",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "loyalty",
	}
	cfg.KV = KVConfig{
		Type:      "redis",
		RedisAddr: "localhost:6379",
		KeyPrefix: "loyalty",
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
		NATSQueueGroup:    "loyalty-workers",
	}
	cfg.AsyncWorker = true
	cfg.Tracing.Enabled = true
	return cfg
}
