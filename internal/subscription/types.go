package subscription

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"funding-arb/internal/connector"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusExecuting Status = "executing"
	StatusError     Status = "error"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type Mode string

const (
	Hedged    Mode = "HEDGED"
	NonHedged Mode = "NON_HEDGED"
)

type TPSLMode string

const (
	TPSLPricePercent   TPSLMode = "price_percent"
	TPSLFundingPercent TPSLMode = "funding_percent"
)

const (
	DefaultExecutionDelay  = 5 * time.Second
	DefaultFundingInterval = 8 * time.Hour
)

var (
	ErrInvalidConfig = errors.New("invalid subscription config")
	ErrNotFound      = errors.New("subscription not found")
)

// Leg is the per-cycle state of one side of the trade.
type Leg struct {
	CredentialID string  `msgpack:"credential_id" json:"credential_id"`
	Exchange     string  `msgpack:"exchange" json:"exchange"`
	Quantity     float64 `msgpack:"quantity" json:"quantity"`
	EntryPrice   float64 `msgpack:"entry_price" json:"entry_price"`
	ExitPrice    float64 `msgpack:"exit_price" json:"exit_price"`
	TakeProfit   float64 `msgpack:"take_profit" json:"take_profit,omitempty"`
	StopLoss     float64 `msgpack:"stop_loss" json:"stop_loss,omitempty"`
}

type Subscription struct {
	ID              string              `msgpack:"id" json:"id"`
	UserID          string              `msgpack:"user_id" json:"user_id"`
	Symbol          string              `msgpack:"symbol" json:"symbol"`
	FundingRate     float64             `msgpack:"funding_rate" json:"funding_rate"`
	FundingAt       time.Time           `msgpack:"funding_at" json:"funding_at"`
	FundingInterval time.Duration       `msgpack:"funding_interval" json:"funding_interval"`
	Direction       connector.Direction `msgpack:"direction" json:"direction"`
	Quantity        float64             `msgpack:"quantity" json:"quantity"`
	Leverage        int                 `msgpack:"leverage" json:"leverage"`
	Margin          float64             `msgpack:"margin" json:"margin"`
	Mode            Mode                `msgpack:"mode" json:"mode"`
	TakeProfitPct   float64             `msgpack:"take_profit_pct" json:"take_profit_pct,omitempty"`
	StopLossPct     float64             `msgpack:"stop_loss_pct" json:"stop_loss_pct,omitempty"`
	TPSLMode        TPSLMode            `msgpack:"tpsl_mode" json:"tpsl_mode,omitempty"`
	ExecutionDelay  time.Duration       `msgpack:"execution_delay" json:"execution_delay"`
	Recurring       bool                `msgpack:"recurring" json:"recurring"`

	Primary Leg  `msgpack:"primary" json:"primary"`
	Hedge   *Leg `msgpack:"hedge" json:"hedge,omitempty"`

	Status          Status    `msgpack:"status" json:"status"`
	ExpectedFunding float64   `msgpack:"expected_funding" json:"expected_funding"`
	RealizedPnL     float64   `msgpack:"-" json:"realized_pnl"`
	TotalFees       float64   `msgpack:"-" json:"total_fees"`
	Cycles          int       `msgpack:"-" json:"cycles"`
	LastError       string    `msgpack:"last_error" json:"last_error,omitempty"`
	Critical        bool      `msgpack:"critical" json:"critical,omitempty"`
	CreatedAt       time.Time `msgpack:"created_at" json:"created_at"`
	UpdatedAt       time.Time `msgpack:"updated_at" json:"updated_at"`
}

func (s *Subscription) Hedged() bool {
	return s.Mode == Hedged && s.Hedge != nil
}

func (s *Subscription) HasTPSL() bool {
	return s.TakeProfitPct > 0 || s.StopLossPct > 0
}

// Legs returns the configured legs, primary first.
func (s *Subscription) Legs() []*Leg {
	if s.Hedged() {
		return []*Leg{&s.Primary, s.Hedge}
	}
	return []*Leg{&s.Primary}
}

// ResetCycle clears the per-cycle entry/exit fields.
func (s *Subscription) ResetCycle() {
	for _, leg := range s.Legs() {
		leg.EntryPrice = 0
		leg.ExitPrice = 0
		leg.TakeProfit = 0
		leg.StopLoss = 0
	}
	s.ExpectedFunding = 0
	s.LastError = ""
	s.Critical = false
}

func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	out := *s
	if s.Hedge != nil {
		hedge := *s.Hedge
		out.Hedge = &hedge
	}
	return &out
}

// Request is the caller-facing subscribe configuration.
type Request struct {
	UserID            string              `json:"user_id" yaml:"user_id"`
	Symbol            string              `json:"symbol" yaml:"symbol"`
	FundingRate       float64             `json:"funding_rate" yaml:"funding_rate"`
	FundingAt         time.Time           `json:"funding_at" yaml:"funding_at"`
	FundingInterval   time.Duration       `json:"funding_interval" yaml:"funding_interval"`
	Direction         connector.Direction `json:"direction" yaml:"direction"`
	Quantity          float64             `json:"quantity" yaml:"quantity"`
	Leverage          int                 `json:"leverage" yaml:"leverage"`
	Margin            float64             `json:"margin" yaml:"margin"`
	Mode              Mode                `json:"mode" yaml:"mode"`
	TakeProfitPct     float64             `json:"take_profit_pct" yaml:"take_profit_pct"`
	StopLossPct       float64             `json:"stop_loss_pct" yaml:"stop_loss_pct"`
	TPSLMode          TPSLMode            `json:"tpsl_mode" yaml:"tpsl_mode"`
	ExecutionDelay    time.Duration       `json:"execution_delay" yaml:"execution_delay"`
	Recurring         bool                `json:"recurring" yaml:"recurring"`
	PrimaryCredential string              `json:"primary_credential" yaml:"primary_credential"`
	HedgeCredential   string              `json:"hedge_credential" yaml:"hedge_credential"`
}

func (r Request) Validate() error {
	var problems []string
	if strings.TrimSpace(r.UserID) == "" {
		problems = append(problems, "user_id is required")
	}
	if strings.TrimSpace(r.Symbol) == "" {
		problems = append(problems, "symbol is required")
	}
	if r.FundingAt.IsZero() {
		problems = append(problems, "funding_at is required")
	}
	if !r.Direction.Valid() {
		problems = append(problems, "direction must be long or short")
	}
	if r.Quantity <= 0 && (r.Margin <= 0 || r.Leverage <= 0) {
		problems = append(problems, "quantity or margin with leverage is required")
	}
	if r.Leverage < 0 || r.Margin < 0 {
		problems = append(problems, "leverage and margin must be >= 0")
	}
	if r.TakeProfitPct < 0 || r.StopLossPct < 0 {
		problems = append(problems, "take_profit_pct and stop_loss_pct must be >= 0")
	}
	if r.ExecutionDelay < 0 {
		problems = append(problems, "execution_delay must be >= 0")
	}
	if strings.TrimSpace(r.PrimaryCredential) == "" {
		problems = append(problems, "primary_credential is required")
	}
	switch r.Mode {
	case Hedged:
		if strings.TrimSpace(r.HedgeCredential) == "" {
			problems = append(problems, "hedge_credential is required in HEDGED mode")
		}
	case NonHedged:
	default:
		problems = append(problems, fmt.Sprintf("unknown mode %q", r.Mode))
	}
	switch r.TPSLMode {
	case "", TPSLPricePercent, TPSLFundingPercent:
	default:
		problems = append(problems, fmt.Sprintf("unknown tpsl_mode %q", r.TPSLMode))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// New builds a subscription in active status from a validated request.
func New(id string, r Request, now time.Time) *Subscription {
	delay := r.ExecutionDelay
	if delay == 0 {
		delay = DefaultExecutionDelay
	}
	interval := r.FundingInterval
	if interval == 0 {
		interval = DefaultFundingInterval
	}
	tpslMode := r.TPSLMode
	if tpslMode == "" {
		tpslMode = TPSLPricePercent
	}
	sub := &Subscription{
		ID:              id,
		UserID:          strings.TrimSpace(r.UserID),
		Symbol:          strings.ToUpper(strings.TrimSpace(r.Symbol)),
		FundingRate:     r.FundingRate,
		FundingAt:       r.FundingAt.UTC(),
		FundingInterval: interval,
		Direction:       r.Direction,
		Quantity:        r.Quantity,
		Leverage:        r.Leverage,
		Margin:          r.Margin,
		Mode:            r.Mode,
		TakeProfitPct:   r.TakeProfitPct,
		StopLossPct:     r.StopLossPct,
		TPSLMode:        tpslMode,
		ExecutionDelay:  delay,
		Recurring:       r.Recurring,
		Primary:         Leg{CredentialID: r.PrimaryCredential, Quantity: r.Quantity},
		Status:          StatusActive,
		CreatedAt:       now.UTC(),
		UpdatedAt:       now.UTC(),
	}
	if r.Mode == Hedged {
		sub.Hedge = &Leg{CredentialID: r.HedgeCredential, Quantity: r.Quantity}
	}
	return sub
}
