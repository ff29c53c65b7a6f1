package commission

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/lottonet/ledger-core/internal/hierarchy"
	"github.com/lottonet/ledger-core/internal/model"
	"github.com/lottonet/ledger-core/internal/store"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func chainOf(rates ...float64) []hierarchy.Upline {
	chain := make([]hierarchy.Upline, len(rates))
	for i, r := range rates {
		chain[i] = hierarchy.Upline{
			UserID:         string(rune('a' + i)),
			CommissionRate: d(r),
			Level:          i + 1,
			Active:         true,
		}
	}
	return chain
}

// --- Worked example ---

func TestCalculate_ThreeLevelLoss(t *testing.T) {
	res, err := Calculate(d(-200), chainOf(5, 3, 2))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []float64{-10.00, -5.70, -3.69}
	if len(res.Shares) != len(want) {
		t.Fatalf("expected %d shares, got %d", len(want), len(res.Shares))
	}
	for i, w := range want {
		if !res.Shares[i].Amount.Equal(d(w)) {
			t.Errorf("level %d: expected %v, got %s", i+1, w, res.Shares[i].Amount)
		}
	}
	if !res.Distributed.Equal(d(-19.39)) {
		t.Errorf("expected distributed -19.39, got %s", res.Distributed)
	}
	if !res.Remaining.Equal(d(-180.61)) {
		t.Errorf("expected remaining -180.61, got %s", res.Remaining)
	}

	// Base amounts are the remainder entering each level.
	bases := []float64{-200, -190, -184.30}
	for i, b := range bases {
		if !res.Shares[i].BaseAmount.Equal(d(b)) {
			t.Errorf("level %d: expected base %v, got %s", i+1, b, res.Shares[i].BaseAmount)
		}
	}
}

func TestCalculate_Win(t *testing.T) {
	res, err := Calculate(d(970), chainOf(10, 10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Shares[0].Amount.Equal(d(97)) || !res.Shares[1].Amount.Equal(d(87.30)) {
		t.Errorf("unexpected shares: %+v", res.Shares)
	}
	if !res.Remaining.Equal(d(785.70)) {
		t.Errorf("expected remaining 785.70, got %s", res.Remaining)
	}
}

// --- Rounding ---

func TestCalculate_RoundsHalfAwayFromZero(t *testing.T) {
	// 0.25 × 10% = 0.025 → 0.03; -0.25 × 10% = -0.025 → -0.03
	pos, _ := Calculate(d(0.25), chainOf(10))
	if !pos.Shares[0].Amount.Equal(d(0.03)) {
		t.Errorf("expected 0.03, got %s", pos.Shares[0].Amount)
	}
	neg, _ := Calculate(d(-0.25), chainOf(10))
	if !neg.Shares[0].Amount.Equal(d(-0.03)) {
		t.Errorf("expected -0.03, got %s", neg.Shares[0].Amount)
	}
}

func TestCalculate_LaterLevelsUseRoundedRemainder(t *testing.T) {
	// 33.33 × 33.33% = 11.108889 → 11.11; remaining 22.22
	// 22.22 × 33.33% = 7.405926 → 7.41; remaining 14.81
	res, _ := Calculate(d(33.33), chainOf(33.33, 33.33))
	if !res.Shares[1].BaseAmount.Equal(d(22.22)) {
		t.Errorf("second level should see 22.22, got %s", res.Shares[1].BaseAmount)
	}
	if !res.Remaining.Equal(d(14.81)) {
		t.Errorf("expected remaining 14.81, got %s", res.Remaining)
	}
}

// --- Termination ---

func TestCalculate_ZeroRatesEmitNothing(t *testing.T) {
	res, err := Calculate(d(500), chainOf(0, 0, 0, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Shares) != 0 {
		t.Errorf("expected no shares, got %+v", res.Shares)
	}
	if !res.Remaining.Equal(d(500)) {
		t.Errorf("remaining should be untouched, got %s", res.Remaining)
	}
}

func TestCalculate_ZeroProfitEmitsNothing(t *testing.T) {
	res, err := Calculate(decimal.Zero, chainOf(5, 3, 2))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Shares) != 0 {
		t.Errorf("expected no shares, got %+v", res.Shares)
	}
}

func TestCalculate_EmptyChain(t *testing.T) {
	res, err := Calculate(d(-30), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Shares) != 0 || !res.Remaining.Equal(d(-30)) {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestCalculate_StopsBelowOneCent(t *testing.T) {
	// 100% consumes everything at level 1; nothing is left for level 2.
	res, _ := Calculate(d(42.42), chainOf(100, 50))
	if len(res.Shares) != 1 {
		t.Fatalf("expected 1 share, got %d", len(res.Shares))
	}
	if !res.Remaining.IsZero() {
		t.Errorf("expected zero remaining, got %s", res.Remaining)
	}

	// A sub-cent input never starts.
	res, _ = Calculate(d(0.009), chainOf(50))
	if len(res.Shares) != 0 {
		t.Errorf("sub-cent amount should emit nothing, got %+v", res.Shares)
	}
}

func TestCalculate_SkipsLevelsThatRoundToZero(t *testing.T) {
	// 0.10 × 1% = 0.001 → 0.00 at level 1, then 0.10 × 50% = 0.05 at level 2.
	res, _ := Calculate(d(0.10), chainOf(1, 50))
	if len(res.Shares) != 1 || res.Shares[0].Level != 2 {
		t.Errorf("expected a single level-2 share, got %+v", res.Shares)
	}
}

func TestCalculate_InvalidRate(t *testing.T) {
	for _, rate := range []float64{-1, 100.01} {
		if _, err := Calculate(d(100), chainOf(rate)); !errors.Is(err, ErrInvalidRate) {
			t.Errorf("rate %v: expected ErrInvalidRate, got %v", rate, err)
		}
	}
}

// --- Reconciliation ---

func TestCalculate_ReconcilesForRandomChains(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 2000; trial++ {
		length := rng.Intn(101) // 0..100 levels
		rates := make([]float64, length)
		for i := range rates {
			// Rates with up to two decimals in [0, 100].
			rates[i] = float64(rng.Intn(10001)) / 100
		}
		// Profit/loss with cents in [-100000, 100000].
		pl := decimal.New(rng.Int63n(20_000_001)-10_000_000, -2)

		res, err := Calculate(pl, chainOf(rates...))
		if err != nil {
			t.Fatalf("trial %d: unexpected error: %v", trial, err)
		}
		total := res.Distributed.Add(res.Remaining)
		if total.Sub(pl).Abs().GreaterThan(Tolerance) {
			t.Fatalf("trial %d: %s + %s != %s", trial, res.Distributed, res.Remaining, pl)
		}
		for _, s := range res.Shares {
			if s.Amount.Exponent() < -MoneyScale {
				t.Fatalf("trial %d: share %s has more than %d decimals", trial, s.Amount, MoneyScale)
			}
			if s.Amount.Sign() != 0 && s.Amount.Sign() != pl.Sign() {
				t.Fatalf("trial %d: share %s has the wrong sign for %s", trial, s.Amount, pl)
			}
		}
	}
}

func TestReconcile_DetectsDrift(t *testing.T) {
	res := &Result{
		ProfitLoss:  d(100),
		Shares:      []Share{{Amount: d(10)}},
		Distributed: d(10),
		Remaining:   d(89.50),
	}
	if err := Reconcile(res); !errors.Is(err, ErrLedgerInconsistency) {
		t.Errorf("expected ErrLedgerInconsistency, got %v", err)
	}

	res.Remaining = d(90)
	res.Distributed = d(11)
	if err := Reconcile(res); !errors.Is(err, ErrLedgerInconsistency) {
		t.Errorf("expected mismatch between shares and distributed, got %v", err)
	}
}

// --- Calculator ---

func TestCascade_BuildsRows(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	for _, u := range []model.User{
		{ID: "m1", Role: model.RoleModerator, CommissionRate: d(2), Active: true},
		{ID: "s1", Role: model.RoleAgent, UplineID: "m1", TenantID: "m1", CommissionRate: d(3), Active: true},
		{ID: "s2", Role: model.RoleAgent, UplineID: "s1", TenantID: "m1", CommissionRate: d(5), Active: true},
		{ID: "a1", Role: model.RoleAgent, UplineID: "s2", TenantID: "m1", Active: true},
	} {
		u := u
		if err := ms.CreateUser(ctx, &u); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	calc := NewCalculator(hierarchy.NewResolver(), nil)
	bet := &model.Bet{ID: "b1", OwnerID: "a1", TenantID: "m1", TotalAmount: d(30)}

	rows, res, err := calc.Cascade(ctx, ms, bet, d(-200))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 3 || !res.Remaining.Equal(d(-180.61)) {
		t.Fatalf("unexpected cascade: rows=%d remaining=%s", len(rows), res.Remaining)
	}

	wantRecipients := []string{"s2", "s1", "m1"}
	for i, row := range rows {
		if row.RecipientID != wantRecipients[i] {
			t.Errorf("row %d: expected recipient %s, got %s", i, wantRecipients[i], row.RecipientID)
		}
		if row.BetID != "b1" || row.SourceOwnerID != "a1" || row.TenantID != "m1" {
			t.Errorf("row %d: bet/owner/tenant not stamped: %+v", i, row)
		}
		if row.Level != i+1 || row.ID == "" || row.CreatedAt.IsZero() {
			t.Errorf("row %d: bad level/id/time: %+v", i, row)
		}
	}
}
