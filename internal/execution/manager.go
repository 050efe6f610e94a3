package execution

import (
	"context"
	"sync"
	"time"

	"github.com/helios-quant/strategy-engine/pkg/types"
	"go.uber.org/zap"
)

// Manager routes a decision's instructions to their venues concurrently
// and collects all outcomes. One Execute call is one execution cycle; the
// engine guarantees at most one cycle is in flight at a time.
type Manager struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	venues   map[string]VenueInterface
	timeouts map[string]time.Duration
}

// NewManager creates an execution manager with no venues registered.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		logger:   logger.Named("execution"),
		venues:   make(map[string]VenueInterface),
		timeouts: make(map[string]time.Duration),
	}
}

// Register adds a venue with its per-instruction submit timeout.
func (m *Manager) Register(v VenueInterface, submitTimeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.venues[v.Name()] = v
	m.timeouts[v.Name()] = submitTimeout
}

// Execute routes every instruction of the decision to its venue, one
// goroutine per instruction, and waits for all outcomes. Results keep
// instruction order. A venue error, timeout or missing venue becomes a
// FAILED or TIMED_OUT result; Execute itself fails only on internal
// misuse, never on venue behavior.
func (m *Manager) Execute(ctx context.Context, decision *types.Decision) (*types.ExecutionResult, error) {
	result := &types.ExecutionResult{
		Decision:  decision,
		Results:   make([]types.InstructionResult, len(decision.Instructions)),
		StartedAt: time.Now(),
	}

	var wg sync.WaitGroup
	for i, instr := range decision.Instructions {
		m.mu.RLock()
		venue, ok := m.venues[instr.Venue]
		timeout := m.timeouts[instr.Venue]
		m.mu.RUnlock()

		if !ok {
			result.Results[i] = types.InstructionResult{
				Instruction: instr,
				Outcome:     types.OutcomeFailed,
				Error:       (&types.ExecutionError{Venue: instr.Venue, InstructionID: instr.ID, Reason: "venue not registered"}).Error(),
			}
			continue
		}

		wg.Add(1)
		go func(i int, instr types.Instruction, venue VenueInterface, timeout time.Duration) {
			defer wg.Done()
			result.Results[i] = m.submit(ctx, venue, instr, timeout)
		}(i, instr, venue, timeout)
	}
	wg.Wait()

	result.CompletedAt = time.Now()

	filled, failed := 0, 0
	for _, r := range result.Results {
		switch r.Outcome {
		case types.OutcomeFilled, types.OutcomePartiallyFilled:
			filled++
		case types.OutcomeFailed, types.OutcomeTimedOut:
			failed++
		}
	}
	m.logger.Info("Execution cycle complete",
		zap.Int("instructions", len(decision.Instructions)),
		zap.Int("filled", filled),
		zap.Int("failed", failed),
		zap.Duration("elapsed", result.CompletedAt.Sub(result.StartedAt)),
	)
	return result, nil
}

func (m *Manager) submit(ctx context.Context, venue VenueInterface, instr types.Instruction, timeout time.Duration) types.InstructionResult {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := venue.Submit(ctx, instr)
	latency := time.Since(start)

	if err != nil {
		outcome := types.OutcomeFailed
		if ctx.Err() != nil {
			outcome = types.OutcomeTimedOut
		}
		m.logger.Warn("Instruction failed",
			zap.String("venue", venue.Name()),
			zap.String("instruction", instr.ID),
			zap.Error(err),
		)
		return types.InstructionResult{
			Instruction: instr,
			Outcome:     outcome,
			Error:       (&types.ExecutionError{Venue: venue.Name(), InstructionID: instr.ID, Reason: err.Error()}).Error(),
			Latency:     latency,
		}
	}

	out := *res
	out.Latency = latency
	return out
}
