// Package execution routes decision instructions to venues and reports
// per-instruction outcomes. Partial failure is a first-class result, not
// an error: the caller applies whatever filled and logs the rest.
package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/helios-quant/strategy-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// VenueInterface is one execution destination. Submit blocks until the
// instruction reaches a terminal outcome or ctx expires; Status and Cancel
// address prior submissions by instruction id.
type VenueInterface interface {
	Name() string
	Submit(ctx context.Context, instr types.Instruction) (*types.InstructionResult, error)
	Cancel(ctx context.Context, instructionID string) error
	Status(ctx context.Context, instructionID string) (types.InstructionOutcome, error)
}

// PriceFunc resolves the fill price for an instrument at submission time.
type PriceFunc func(instrument types.InstrumentKey) (decimal.Decimal, bool)

// PaperVenue simulates fills at prices from an injected price function.
// Failure and latency injection make it usable both for backtests and for
// exercising partial-failure paths in tests.
type PaperVenue struct {
	mu     sync.Mutex
	name   string
	logger *zap.Logger
	price  PriceFunc

	// failNext, when set, fails the next submissions with the given reason.
	failNext int
	failWhy  string
	delay    time.Duration
	// fillRatio scales the filled size; 1 means full fills.
	fillRatio decimal.Decimal

	submitted []types.Instruction
	outcomes  map[string]types.InstructionOutcome
}

// NewPaperVenue creates a paper venue filling at prices from price.
func NewPaperVenue(name string, logger *zap.Logger, price PriceFunc) *PaperVenue {
	return &PaperVenue{
		name:      name,
		logger:    logger.Named("venue." + name),
		price:     price,
		fillRatio: decimal.NewFromInt(1),
		outcomes:  make(map[string]types.InstructionOutcome),
	}
}

// Name returns the venue name.
func (v *PaperVenue) Name() string { return v.name }

// FailNext makes the next n submissions fail with the given reason.
func (v *PaperVenue) FailNext(n int, reason string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failNext = n
	v.failWhy = reason
}

// SetDelay injects a fixed submission latency.
func (v *PaperVenue) SetDelay(d time.Duration) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.delay = d
}

// SetFillRatio scales filled sizes; below 1 yields partial fills.
func (v *PaperVenue) SetFillRatio(r decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.fillRatio = r
}

// Submitted returns every instruction this venue has received.
func (v *PaperVenue) Submitted() []types.Instruction {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]types.Instruction(nil), v.submitted...)
}

// Cancel marks a pending instruction failed. Terminal instructions cannot
// be cancelled.
func (v *PaperVenue) Cancel(_ context.Context, instructionID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	switch v.outcomes[instructionID] {
	case types.OutcomeSubmitted:
		v.outcomes[instructionID] = types.OutcomeFailed
		return nil
	case "":
		return fmt.Errorf("unknown instruction %s", instructionID)
	default:
		return fmt.Errorf("instruction %s already terminal", instructionID)
	}
}

// Status returns the recorded outcome of a prior submission.
func (v *PaperVenue) Status(_ context.Context, instructionID string) (types.InstructionOutcome, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	outcome, ok := v.outcomes[instructionID]
	if !ok {
		return "", fmt.Errorf("unknown instruction %s", instructionID)
	}
	return outcome, nil
}

// Submit fills the instruction at the current price, honoring injected
// delay, failures and the fill ratio.
func (v *PaperVenue) Submit(ctx context.Context, instr types.Instruction) (*types.InstructionResult, error) {
	v.mu.Lock()
	v.submitted = append(v.submitted, instr)
	v.outcomes[instr.ID] = types.OutcomeSubmitted
	delay := v.delay
	ratio := v.fillRatio
	var failWhy string
	if v.failNext > 0 {
		v.failNext--
		failWhy = v.failWhy
	}
	v.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	result := &types.InstructionResult{Instruction: instr}
	defer func() {
		v.mu.Lock()
		v.outcomes[instr.ID] = result.Outcome
		v.mu.Unlock()
	}()

	if failWhy != "" {
		result.Outcome = types.OutcomeFailed
		result.Error = failWhy
		return result, nil
	}

	price, ok := v.price(instr.Instrument)
	if !ok {
		result.Outcome = types.OutcomeFailed
		result.Error = fmt.Sprintf("no price for %s", instr.Instrument)
		return result, nil
	}

	filled := instr.Size.Mul(ratio)
	result.FilledSize = filled
	result.FillPrice = price
	if filled.Equal(instr.Size) {
		result.Outcome = types.OutcomeFilled
	} else {
		result.Outcome = types.OutcomePartiallyFilled
	}

	v.logger.Debug("Filled instruction",
		zap.String("instruction", instr.ID),
		zap.String("instrument", string(instr.Instrument)),
		zap.String("filled", filled.String()),
		zap.String("price", price.String()),
	)
	return result, nil
}
