// Package types provides shared type definitions for the strategy engine.
package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// InstrumentKey uniquely identifies a tradable or holdable unit as
// "venue:type:asset", e.g. "wallet:spot:ETH" or "okx:perp:ETH-USDT".
type InstrumentKey string

// ParseInstrumentKey validates and returns an instrument key.
func ParseInstrumentKey(s string) (InstrumentKey, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", fmt.Errorf("invalid instrument key %q: want venue:type:asset", s)
	}
	return InstrumentKey(s), nil
}

// Venue returns the venue segment of the key.
func (k InstrumentKey) Venue() string {
	parts := strings.SplitN(string(k), ":", 3)
	return parts[0]
}

// Kind returns the instrument type segment of the key (spot, perp, staked, loan...).
func (k InstrumentKey) Kind() string {
	parts := strings.SplitN(string(k), ":", 3)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// Asset returns the asset segment of the key.
func (k InstrumentKey) Asset() string {
	parts := strings.SplitN(string(k), ":", 3)
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}

// MarketSnapshot is an immutable timestamped set of prices per instrument.
type MarketSnapshot struct {
	Timestamp time.Time                         `json:"timestamp"`
	Prices    map[InstrumentKey]decimal.Decimal `json:"prices"`
}

// Price returns the price for an instrument, if present.
func (s *MarketSnapshot) Price(k InstrumentKey) (decimal.Decimal, bool) {
	p, ok := s.Prices[k]
	return p, ok
}

// PositionSnapshot is a read-only copy of ledger balances at a point in time.
// Instruments with zero balance are omitted.
type PositionSnapshot struct {
	Timestamp time.Time                         `json:"timestamp"`
	Balances  map[InstrumentKey]decimal.Decimal `json:"balances"`
}

// Balance returns the balance for an instrument (zero if absent).
func (s *PositionSnapshot) Balance(k InstrumentKey) decimal.Decimal {
	return s.Balances[k]
}

// ExposureSnapshot holds per-instrument and aggregate exposure, derived
// fresh each cycle and never mutated.
type ExposureSnapshot struct {
	Timestamp time.Time                         `json:"timestamp"`
	Exposures map[InstrumentKey]decimal.Decimal `json:"exposures"`
	Aggregate decimal.Decimal                   `json:"aggregate"`
}

// RiskLevel is the discrete severity of a risk assessment.
type RiskLevel string

const (
	RiskLevelOK       RiskLevel = "OK"
	RiskLevelWarning  RiskLevel = "WARNING"
	RiskLevelCritical RiskLevel = "CRITICAL"
)

// Severity orders risk levels for worst-case comparison.
func (l RiskLevel) Severity() int {
	switch l {
	case RiskLevelWarning:
		return 1
	case RiskLevelCritical:
		return 2
	default:
		return 0
	}
}

// WorstRiskLevel returns the more severe of two levels.
func WorstRiskLevel(a, b RiskLevel) RiskLevel {
	if b.Severity() > a.Severity() {
		return b
	}
	return a
}

// RiskAssessment holds named risk metrics, per-venue levels and the
// worst-case overall level.
type RiskAssessment struct {
	Timestamp   time.Time                  `json:"timestamp"`
	Metrics     map[string]decimal.Decimal `json:"metrics"`
	VenueLevels map[string]RiskLevel       `json:"venueLevels"`
	Overall     RiskLevel                  `json:"overall"`
}

// PnLComponent is the per-instrument contribution to a PnL record.
type PnLComponent struct {
	Realized   decimal.Decimal `json:"realized"`
	Unrealized decimal.Decimal `json:"unrealized"`
}

// PnLRecord holds realized and unrealized PnL with per-instrument
// attribution. Attribution components sum to the totals.
type PnLRecord struct {
	Timestamp   time.Time                      `json:"timestamp"`
	Trigger     TriggerSource                  `json:"trigger"`
	Realized    decimal.Decimal                `json:"realized"`
	Unrealized  decimal.Decimal                `json:"unrealized"`
	Attribution map[InstrumentKey]PnLComponent `json:"attribution"`
}

// Total returns realized + unrealized PnL.
func (r *PnLRecord) Total() decimal.Decimal {
	return r.Realized.Add(r.Unrealized)
}

// Action is the decision outcome of a full-loop cycle.
type Action string

const (
	ActionMaintain     Action = "MAINTAIN"
	ActionRebalance    Action = "REBALANCE"
	ActionHedge        Action = "HEDGE"
	ActionLeverageUp   Action = "LEVERAGE_UP"
	ActionLeverageDown Action = "LEVERAGE_DOWN"
	ActionExit         Action = "EXIT"
)

// Priority ranks decisions for downstream consumers.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityMedium   Priority = "MEDIUM"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// Direction is the side of an instruction.
type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
)

// Instruction is a single venue-directed order request.
type Instruction struct {
	ID         string          `json:"id"`
	Instrument InstrumentKey   `json:"instrument"`
	Direction  Direction       `json:"direction"`
	Size       decimal.Decimal `json:"size"`
	Venue      string          `json:"venue"`
}

// InstructionOutcome is the terminal state of a routed instruction.
type InstructionOutcome string

const (
	OutcomeSubmitted       InstructionOutcome = "SUBMITTED"
	OutcomeFilled          InstructionOutcome = "FILLED"
	OutcomePartiallyFilled InstructionOutcome = "PARTIALLY_FILLED"
	OutcomeFailed          InstructionOutcome = "FAILED"
	OutcomeTimedOut        InstructionOutcome = "TIMED_OUT"
)

// InstructionResult is the outcome of routing one instruction.
type InstructionResult struct {
	Instruction Instruction        `json:"instruction"`
	Outcome     InstructionOutcome `json:"outcome"`
	FilledSize  decimal.Decimal    `json:"filledSize"`
	FillPrice   decimal.Decimal    `json:"fillPrice"`
	Error       string             `json:"error,omitempty"`
	Latency     time.Duration      `json:"latency"`
}

// FilledDelta returns the signed position delta confirmed by this result.
// Unfilled or failed results contribute nothing.
func (r InstructionResult) FilledDelta() decimal.Decimal {
	switch r.Outcome {
	case OutcomeFilled, OutcomePartiallyFilled:
		if r.Instruction.Direction == DirectionSell {
			return r.FilledSize.Neg()
		}
		return r.FilledSize
	default:
		return decimal.Zero
	}
}

// Decision is the output of one full-loop strategy evaluation. Immutable
// once logged.
type Decision struct {
	Timestamp       time.Time                         `json:"timestamp"`
	Trigger         TriggerSource                     `json:"trigger"`
	Action          Action                            `json:"action"`
	TargetPositions map[InstrumentKey]decimal.Decimal `json:"targetPositions"`
	Instructions    []Instruction                     `json:"instructions"`
	RiskOverride    bool                              `json:"riskOverride"`
	Priority        Priority                          `json:"priority"`
	Reason          string                            `json:"reason,omitempty"`
}

// ExecutionResult aggregates all instruction outcomes of one decision.
type ExecutionResult struct {
	Decision    *Decision           `json:"decision"`
	Results     []InstructionResult `json:"results"`
	StartedAt   time.Time           `json:"startedAt"`
	CompletedAt time.Time           `json:"completedAt"`
}

// Fills returns the results with confirmed (full or partial) fills.
func (r *ExecutionResult) Fills() []InstructionResult {
	var fills []InstructionResult
	for _, res := range r.Results {
		if res.Outcome == OutcomeFilled || res.Outcome == OutcomePartiallyFilled {
			fills = append(fills, res)
		}
	}
	return fills
}

// PartialFailure reports whether some instructions succeeded while others
// failed or timed out.
func (r *ExecutionResult) PartialFailure() bool {
	var ok, bad bool
	for _, res := range r.Results {
		switch res.Outcome {
		case OutcomeFilled, OutcomePartiallyFilled:
			ok = true
		case OutcomeFailed, OutcomeTimedOut:
			bad = true
		}
	}
	return ok && bad
}

// TriggerSource is the reason a cycle was initiated.
type TriggerSource string

const (
	TriggerScheduledTick        TriggerSource = "SCHEDULED_TICK"
	TriggerRiskCritical         TriggerSource = "RISK_CRITICAL"
	TriggerRiskWarningSustained TriggerSource = "RISK_WARNING_SUSTAINED"
	TriggerExternalInstruction  TriggerSource = "EXTERNAL_INSTRUCTION"
)

// EventType categorizes audit-trail events.
type EventType string

const (
	EventRunStarted    EventType = "run_started"
	EventRunStopped    EventType = "run_stopped"
	EventPositionDelta EventType = "position_delta"
	EventExposure      EventType = "exposure"
	EventRisk          EventType = "risk"
	EventPnL           EventType = "pnl"
	EventDecision      EventType = "decision"
	EventInstruction   EventType = "instruction"
	EventCycle         EventType = "cycle"
	EventError         EventType = "error"
)

// Event is one append-only audit-trail record. Sequence ids are monotonic
// per run and their order matches timestamp order.
type Event struct {
	Sequence  uint64         `json:"sequence"`
	Timestamp time.Time      `json:"timestamp"`
	Type      EventType      `json:"type"`
	Source    string         `json:"source"`
	Payload   map[string]any `json:"payload,omitempty"`
}
