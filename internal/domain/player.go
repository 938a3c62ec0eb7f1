package domain

// Segment is the behavioral classification of a player.
type Segment string

const (
	SegmentNew       Segment = "NEW"
	SegmentWinning   Segment = "WINNING"
	SegmentBreakeven Segment = "BREAKEVEN"
	SegmentLosing    Segment = "LOSING"
	SegmentVIP       Segment = "VIP"
)

// Valid reports whether s is a known segment.
func (s Segment) Valid() bool {
	switch s {
	case SegmentNew, SegmentWinning, SegmentBreakeven, SegmentLosing, SegmentVIP:
		return true
	}
	return false
}

// PlayerState is a read-only snapshot of a player built by the analytics
// layer before each evaluation.
type PlayerState struct {
	PlayerID string  `json:"player_id"`
	Segment  Segment `json:"segment"`
	Tier     string  `json:"tier,omitempty"`

	TotalDeposited  float64 `json:"total_deposited"`
	TotalWagered    float64 `json:"total_wagered"`
	TotalWon        float64 `json:"total_won"`
	NetPnL          float64 `json:"net_pnl"`
	SessionCount    int     `json:"session_count"`
	RiskScore       float64 `json:"risk_score"`
	BonusAbuseScore float64 `json:"bonus_abuse_score"`
	WinLossRatio    float64 `json:"win_loss_ratio"`

	// DaysSinceLastDeposit is nil for players that never deposited.
	DaysSinceLastDeposit *int `json:"days_since_last_deposit,omitempty"`

	// DepositAmount is the deposit that triggered this evaluation, if any.
	DepositAmount *float64 `json:"deposit_amount,omitempty"`

	// RecentWagered is the amount wagered over the profit gate lookback window.
	RecentWagered float64 `json:"recent_wagered"`

	// Balances keyed by currency.
	Balances map[Currency]float64 `json:"balances,omitempty"`
}

// FieldKind tags the type carried by a FieldValue.
type FieldKind int

const (
	KindNumber FieldKind = iota + 1
	KindString
	KindBool
)

// FieldValue is a single resolved player field.
type FieldValue struct {
	Kind FieldKind
	Num  float64
	Str  string
	Bool bool
}

// NumberValue wraps a float as a FieldValue.
func NumberValue(v float64) FieldValue { return FieldValue{Kind: KindNumber, Num: v} }

// StringValue wraps a string as a FieldValue.
func StringValue(v string) FieldValue { return FieldValue{Kind: KindString, Str: v} }

// BoolValue wraps a bool as a FieldValue.
func BoolValue(v bool) FieldValue { return FieldValue{Kind: KindBool, Bool: v} }

// NetLoss is -net_pnl for losing players and 0 otherwise.
func (p *PlayerState) NetLoss() float64 {
	if p.NetPnL < 0 {
		return -p.NetPnL
	}
	return 0
}

// NetWin is net_pnl for winning players and 0 otherwise.
func (p *PlayerState) NetWin() float64 {
	if p.NetPnL > 0 {
		return p.NetPnL
	}
	return 0
}

func (p *PlayerState) balance(c Currency) (FieldValue, bool) {
	v, ok := p.Balances[c]
	if !ok {
		return FieldValue{}, false
	}
	return NumberValue(v), true
}

// Field resolves a named field, including derived ones. The second return
// value is false when the field is unknown or not present in this snapshot.
func (p *PlayerState) Field(name string) (FieldValue, bool) {
	switch name {
	case "player_id":
		return StringValue(p.PlayerID), true
	case "segment":
		return StringValue(string(p.Segment)), p.Segment != ""
	case "tier":
		return StringValue(p.Tier), p.Tier != ""
	case "total_deposited":
		return NumberValue(p.TotalDeposited), true
	case "total_wagered":
		return NumberValue(p.TotalWagered), true
	case "total_won":
		return NumberValue(p.TotalWon), true
	case "net_pnl":
		return NumberValue(p.NetPnL), true
	case "session_count":
		return NumberValue(float64(p.SessionCount)), true
	case "risk_score":
		return NumberValue(p.RiskScore), true
	case "bonus_abuse_score":
		return NumberValue(p.BonusAbuseScore), true
	case "win_loss_ratio":
		return NumberValue(p.WinLossRatio), true
	case "recent_wagered":
		return NumberValue(p.RecentWagered), true
	case "days_since_last_deposit":
		if p.DaysSinceLastDeposit == nil {
			return FieldValue{}, false
		}
		return NumberValue(float64(*p.DaysSinceLastDeposit)), true
	case "deposit_amount":
		if p.DepositAmount == nil {
			return FieldValue{}, false
		}
		return NumberValue(*p.DepositAmount), true

	// derived
	case "net_loss":
		return NumberValue(p.NetLoss()), true
	case "net_win":
		return NumberValue(p.NetWin()), true
	case "lp_balance":
		return p.balance(CurrencyLP)
	case "rp_balance":
		return p.balance(CurrencyRP)
	case "bonus_balance":
		return p.balance(CurrencyBonus)
	case "tickets_balance":
		return p.balance(CurrencyTickets)
	}
	return FieldValue{}, false
}

// FieldNames lists every name Field can resolve.
var FieldNames = []string{
	"player_id", "segment", "tier",
	"total_deposited", "total_wagered", "total_won", "net_pnl",
	"session_count", "risk_score", "bonus_abuse_score", "win_loss_ratio",
	"recent_wagered", "days_since_last_deposit", "deposit_amount",
	"net_loss", "net_win",
	"lp_balance", "rp_balance", "bonus_balance", "tickets_balance",
}

// KnownField reports whether name is in the field table.
func KnownField(name string) bool {
	for _, f := range FieldNames {
		if f == name {
			return true
		}
	}
	return false
}

// NumericVariables returns every numeric field present in the snapshot,
// keyed by field name. Formula evaluation binds against this table.
func (p *PlayerState) NumericVariables() map[string]float64 {
	vars := make(map[string]float64, len(FieldNames))
	for _, name := range FieldNames {
		v, ok := p.Field(name)
		if ok && v.Kind == KindNumber {
			vars[name] = v.Num
		}
	}
	return vars
}
