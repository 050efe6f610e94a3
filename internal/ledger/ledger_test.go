package ledger

import (
	"testing"
	"time"

	"github.com/helios-quant/strategy-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	walletETH  = types.InstrumentKey("wallet:spot:ETH")
	stakedWeth = types.InstrumentKey("wallet:staked:weETH")
	okxPerp    = types.InstrumentKey("okx:perp:ETH-USDT")
)

func testUniverse() []types.InstrumentKey {
	return []types.InstrumentKey{walletETH, stakedWeth, okxPerp}
}

func TestApplyDeltaAndSnapshot(t *testing.T) {
	l := New(zap.NewNop(), testUniverse(), nil, nil)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// Stake conversion: ETH out, weETH in.
	if _, err := l.ApplyDelta(walletETH, decimal.NewFromInt(50), "deposit", t0); err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}
	if _, err := l.ApplyDelta(walletETH, decimal.NewFromInt(-50), "stake", t0); err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}
	if _, err := l.ApplyDelta(stakedWeth, decimal.NewFromInt(50), "stake", t0); err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}

	snap := l.Snapshot(t0)
	if len(snap.Balances) != 1 {
		t.Fatalf("expected 1 nonzero balance, got %d: %v", len(snap.Balances), snap.Balances)
	}
	if got := snap.Balance(stakedWeth); !got.Equal(decimal.NewFromInt(50)) {
		t.Errorf("staked balance = %s, want 50", got)
	}
	if got := snap.Balance(walletETH); !got.IsZero() {
		t.Errorf("wallet ETH balance = %s, want 0", got)
	}
}

func TestApplyDeltaRejectsUnknownInstrument(t *testing.T) {
	l := New(zap.NewNop(), testUniverse(), nil, nil)

	_, err := l.ApplyDelta(types.InstrumentKey("binance:spot:BTC"), decimal.NewFromInt(1), "test", time.Now())
	if err == nil {
		t.Fatal("expected error for instrument outside universe")
	}
	if _, ok := err.(*types.UnknownInstrumentError); !ok {
		t.Errorf("error type = %T, want *UnknownInstrumentError", err)
	}
	if l.DeltaCount() != 0 {
		t.Errorf("rejected delta was journaled")
	}
}

func TestInitialBalancesAreJournaled(t *testing.T) {
	initial := map[types.InstrumentKey]decimal.Decimal{
		walletETH: decimal.NewFromInt(10),
	}
	l := New(zap.NewNop(), testUniverse(), initial, nil)

	if l.DeltaCount() != 1 {
		t.Fatalf("DeltaCount = %d, want 1", l.DeltaCount())
	}
	if err := l.Audit(); err != nil {
		t.Errorf("Audit on seeded ledger: %v", err)
	}
}

func TestConservation(t *testing.T) {
	l := New(zap.NewNop(), testUniverse(), nil, nil)
	ts := time.Now()

	deltas := []struct {
		instrument types.InstrumentKey
		delta      int64
	}{
		{walletETH, 100},
		{okxPerp, -40},
		{walletETH, -25},
		{okxPerp, 15},
		{stakedWeth, 7},
	}
	want := make(map[types.InstrumentKey]decimal.Decimal)
	for _, d := range deltas {
		dd := decimal.NewFromInt(d.delta)
		if _, err := l.ApplyDelta(d.instrument, dd, "test", ts); err != nil {
			t.Fatalf("ApplyDelta: %v", err)
		}
		want[d.instrument] = want[d.instrument].Add(dd)
	}

	for instrument, sum := range want {
		if got := l.Balance(instrument); !got.Equal(sum) {
			t.Errorf("balance of %s = %s, want %s", instrument, got, sum)
		}
	}
	if err := l.Audit(); err != nil {
		t.Errorf("Audit: %v", err)
	}
}

type captureRecorder struct {
	events []types.EventType
}

func (r *captureRecorder) Record(_ time.Time, eventType types.EventType, _ string, _ map[string]any) {
	r.events = append(r.events, eventType)
}

func TestEveryDeltaEmitsEvent(t *testing.T) {
	rec := &captureRecorder{}
	l := New(zap.NewNop(), testUniverse(), nil, rec)
	ts := time.Now()

	for i := 0; i < 3; i++ {
		if _, err := l.ApplyDelta(walletETH, decimal.NewFromInt(1), "test", ts); err != nil {
			t.Fatalf("ApplyDelta: %v", err)
		}
	}
	if len(rec.events) != 3 {
		t.Fatalf("recorded %d events, want 3", len(rec.events))
	}
	for _, e := range rec.events {
		if e != types.EventPositionDelta {
			t.Errorf("event type = %s, want %s", e, types.EventPositionDelta)
		}
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	l := New(zap.NewNop(), testUniverse(), nil, nil)
	ts := time.Now()
	if _, err := l.ApplyDelta(walletETH, decimal.NewFromInt(5), "test", ts); err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}

	snap := l.Snapshot(ts)
	snap.Balances[walletETH] = decimal.NewFromInt(999)

	if got := l.Balance(walletETH); !got.Equal(decimal.NewFromInt(5)) {
		t.Errorf("ledger mutated through snapshot: balance = %s", got)
	}
}
