package settlement_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lottonet/ledger-core/internal/commission"
	"github.com/lottonet/ledger-core/internal/hierarchy"
	"github.com/lottonet/ledger-core/internal/model"
	"github.com/lottonet/ledger-core/internal/settlement"
	"github.com/lottonet/ledger-core/internal/store"
	"github.com/lottonet/ledger-core/internal/tenant"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

const date = "20261017"

// newEnv seeds root(2%) ← m1(3%) ← s1(5%) ← a1 and returns an engine.
func newEnv(t *testing.T, opts ...settlement.Option) (*settlement.Engine, *store.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	ms := store.NewMemoryStore()
	for _, u := range []model.User{
		{ID: "root", Role: model.RoleAdmin, CommissionRate: d(2), Active: true},
		{ID: "m1", Role: model.RoleModerator, UplineID: "root", CommissionRate: d(3), WeeklyLimit: d(10000), Active: true},
		{ID: "s1", Role: model.RoleAgent, UplineID: "m1", TenantID: "m1", CommissionRate: d(5), WeeklyLimit: d(1000), Active: true},
		{ID: "a1", Role: model.RoleAgent, UplineID: "s1", TenantID: "m1", WeeklyLimit: d(1000), Active: true},
	} {
		u := u
		if err := ms.CreateUser(ctx, &u); err != nil {
			t.Fatalf("seed user %s: %v", u.ID, err)
		}
	}
	calc := commission.NewCalculator(hierarchy.NewResolver(), nil)
	return settlement.NewEngine(ms, tenant.NewGuard(nil), calc, opts...), ms
}

func seedBet(t *testing.T, ms *store.MemoryStore, id, owner string, providers []string, sels ...model.Selection) {
	t.Helper()
	total := decimal.Zero
	for _, s := range sels {
		total = total.Add(s.Amount.Mul(decimal.NewFromInt(int64(len(providers)))))
	}
	b := &model.Bet{
		ID:          id,
		OwnerID:     owner,
		TenantID:    "m1",
		Providers:   providers,
		DrawDate:    date,
		Selections:  sels,
		TotalAmount: total,
		Status:      model.BetPending,
		CreatedAt:   time.Now().UTC(),
	}
	if err := ms.InsertBet(context.Background(), b); err != nil {
		t.Fatalf("seed bet %s: %v", id, err)
	}
}

func publish(t *testing.T, ms *store.MemoryStore, provider string, winning ...string) *model.DrawResult {
	t.Helper()
	r := &model.DrawResult{
		ID:          "r-" + provider,
		ProviderRef: provider,
		DrawKey:     provider + "-" + date,
		Winning:     winning,
	}
	if err := ms.UpsertDrawResult(context.Background(), r); err != nil {
		t.Fatalf("publish %s: %v", r.DrawKey, err)
	}
	return r
}

func straight(number string, amount float64) model.Selection {
	return model.Selection{Number: number, BetType: settlement.BetTypeStraight, Amount: d(amount)}
}

func amounts(rows []model.Commission) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Amount.StringFixed(2)
	}
	return out
}

func TestSettle_LostBetCascadesLoss(t *testing.T) {
	ctx := context.Background()
	eng, ms := newEnv(t)
	seedBet(t, ms, "b1", "a1", []string{"MAGNUM"}, straight("4444", 200))
	res := publish(t, ms, "MAGNUM", "1234", "5678", "9012")

	rep, err := eng.Settle(ctx, res)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rep.Settled != 1 || len(rep.Failures) != 0 {
		t.Fatalf("unexpected report: %+v", rep)
	}

	b, _ := ms.GetBet(ctx, "b1")
	if b.Status != model.BetLost || !b.ProfitLoss.Equal(d(-200)) {
		t.Errorf("expected LOST with -200, got %s %s", b.Status, b.ProfitLoss)
	}
	if b.SettledAt == nil || b.ResultRef != "r-MAGNUM" {
		t.Errorf("settlement fields not set: %+v", b)
	}

	rows, _ := ms.ListCommissions(ctx, model.CommissionFilter{BetID: "b1"})
	want := []string{"-10.00", "-5.70", "-3.69"}
	got := amounts(rows)
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("level %d: expected %s, got %s", i+1, want[i], got[i])
		}
		if rows[i].TenantID != "m1" || rows[i].SourceOwnerID != "a1" {
			t.Errorf("level %d: bad attribution %+v", i+1, rows[i])
		}
	}
}

func TestSettle_WonBet(t *testing.T) {
	ctx := context.Background()
	eng, ms := newEnv(t)
	seedBet(t, ms, "b1", "a1", []string{"MAGNUM"}, straight("1234", 1), straight("0000", 1))
	res := publish(t, ms, "MAGNUM", "1234", "5678", "9012")

	if _, err := eng.Settle(ctx, res); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, _ := ms.GetBet(ctx, "b1")
	if b.Status != model.BetWon {
		t.Fatalf("expected WON, got %s", b.Status)
	}
	if !b.Payout.Equal(d(2500)) || !b.ProfitLoss.Equal(d(2498)) {
		t.Errorf("expected payout 2500 / pl 2498, got %s / %s", b.Payout, b.ProfitLoss)
	}
	rows, _ := ms.ListCommissions(ctx, model.CommissionFilter{BetID: "b1"})
	if len(rows) != 3 || !rows[0].Amount.Equal(d(124.9)) {
		t.Errorf("unexpected commissions: %v", amounts(rows))
	}
}

func TestSettle_MultiProviderWaitsThenPartial(t *testing.T) {
	ctx := context.Background()
	eng, ms := newEnv(t)
	seedBet(t, ms, "b1", "a1", []string{"MAGNUM", "TOTO"}, straight("1234", 1))

	rep, err := eng.Settle(ctx, publish(t, ms, "MAGNUM", "1234"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rep.Awaiting != 1 || rep.Settled != 0 {
		t.Fatalf("bet should wait for TOTO, got %+v", rep)
	}
	if b, _ := ms.GetBet(ctx, "b1"); b.Status != model.BetPending {
		t.Fatalf("expected PENDING, got %s", b.Status)
	}

	rep, err = eng.Settle(ctx, publish(t, ms, "TOTO", "9999"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rep.Settled != 1 {
		t.Fatalf("expected settlement once all results exist, got %+v", rep)
	}
	b, _ := ms.GetBet(ctx, "b1")
	if b.Status != model.BetPartial {
		t.Errorf("expected PARTIAL, got %s", b.Status)
	}
	if !b.ProfitLoss.Equal(d(2498)) {
		t.Errorf("expected pl 2498, got %s", b.ProfitLoss)
	}
	if b.ResultRef != "r-MAGNUM,r-TOTO" {
		t.Errorf("unexpected result ref %q", b.ResultRef)
	}
}

func TestSettle_Idempotent(t *testing.T) {
	ctx := context.Background()
	eng, ms := newEnv(t)
	seedBet(t, ms, "b1", "a1", []string{"MAGNUM"}, straight("1234", 1))
	seedBet(t, ms, "b2", "a1", []string{"MAGNUM"}, straight("4444", 10))
	res := publish(t, ms, "MAGNUM", "1234")

	if _, err := eng.Settle(ctx, res); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	before, _ := ms.ListCommissions(ctx, model.CommissionFilter{})
	b1, _ := ms.GetBet(ctx, "b1")

	// A corrected result re-triggers settlement.
	res.Winning = []string{"4444"}
	if err := ms.UpsertDrawResult(ctx, res); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	rep, err := eng.Settle(ctx, res)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if rep.Settled != 0 {
		t.Errorf("second pass should settle nothing, got %+v", rep)
	}

	after, _ := ms.ListCommissions(ctx, model.CommissionFilter{})
	if len(after) != len(before) {
		t.Errorf("expected %d commission rows, got %d", len(before), len(after))
	}
	again, _ := ms.GetBet(ctx, "b1")
	if again.Status != b1.Status || !again.Payout.Equal(b1.Payout) {
		t.Errorf("terminal bet changed: %s → %s", b1.Status, again.Status)
	}
}

func TestSettle_CommissionOnlyOnWins(t *testing.T) {
	ctx := context.Background()
	eng, ms := newEnv(t, settlement.WithCommissionOnLoss(false))
	seedBet(t, ms, "b1", "a1", []string{"MAGNUM"}, straight("4444", 200))

	if _, err := eng.Settle(ctx, publish(t, ms, "MAGNUM", "1234")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b, _ := ms.GetBet(ctx, "b1"); b.Status != model.BetLost {
		t.Fatalf("expected LOST, got %s", b.Status)
	}
	if rows, _ := ms.ListCommissions(ctx, model.CommissionFilter{BetID: "b1"}); len(rows) != 0 {
		t.Errorf("losses should not cascade, got %v", amounts(rows))
	}
}

func TestSettle_BadBetDoesNotAbortBatch(t *testing.T) {
	ctx := context.Background()
	eng, ms := newEnv(t)
	seedBet(t, ms, "b1", "a1", []string{"MAGNUM"}, model.Selection{Number: "1234", BetType: "MYSTERY", Amount: d(5)})
	seedBet(t, ms, "b2", "ghost", []string{"MAGNUM"}, straight("1234", 1))
	seedBet(t, ms, "b3", "a1", []string{"MAGNUM"}, straight("1234", 1))

	var notified []string
	eng = settlement.NewEngine(ms, tenant.NewGuard(nil),
		commission.NewCalculator(hierarchy.NewResolver(), nil),
		settlement.WithListener(func(b model.Bet, _ []model.Commission) { notified = append(notified, b.ID) }),
	)

	rep, err := eng.Settle(ctx, publish(t, ms, "MAGNUM", "1234"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rep.Considered != 3 || rep.Settled != 2 || len(rep.Failures) != 1 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if rep.Failures[0].BetID != "b2" {
		t.Errorf("expected b2 to fail, got %+v", rep.Failures)
	}
	if len(rep.Warnings) != 1 || rep.Warnings[0].BetID != "b1" {
		t.Errorf("expected an unknown-type warning for b1, got %+v", rep.Warnings)
	}

	if b, _ := ms.GetBet(ctx, "b1"); b.Status != model.BetLost {
		t.Errorf("unknown bet type should settle as LOST, got %s", b.Status)
	}
	if b, _ := ms.GetBet(ctx, "b2"); b.Status != model.BetPending {
		t.Errorf("failed bet must roll back to PENDING, got %s", b.Status)
	}
	if b, _ := ms.GetBet(ctx, "b3"); b.Status != model.BetWon {
		t.Errorf("expected b3 WON, got %s", b.Status)
	}
	if len(notified) != 2 {
		t.Errorf("expected 2 listener calls, got %v", notified)
	}
}

func TestSettle_InvalidDrawKey(t *testing.T) {
	eng, _ := newEnv(t)
	if _, err := eng.Settle(context.Background(), &model.DrawResult{DrawKey: "garbage"}); err == nil {
		t.Error("expected error for malformed draw key")
	}
}

func TestSettle_PanickingRuleFailsOnlyItsBet(t *testing.T) {
	ctx := context.Background()
	rules := settlement.NewRules(settlement.DefaultPayoutTable)
	rules.Register("EXPLODE", settlement.RuleFunc(func(model.Selection, *model.DrawResult, settlement.PayoutTable) decimal.Decimal {
		panic("rule exploded")
	}))
	eng, ms := newEnv(t, settlement.WithRules(rules))

	seedBet(t, ms, "b-bad", "a1", []string{"MAGNUM"}, model.Selection{Number: "1234", BetType: "EXPLODE", Amount: d(1)})
	seedBet(t, ms, "b-long", "a1", []string{"MAGNUM"}, model.Selection{Number: strings.Repeat("0", 66), BetType: settlement.BetTypeBox, Amount: d(1)})
	seedBet(t, ms, "b-ok", "a1", []string{"MAGNUM"}, straight("1234", 1))

	rep, err := eng.Settle(ctx, publish(t, ms, "MAGNUM", "1234"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rep.Settled != 2 || len(rep.Failures) != 1 || rep.Failures[0].BetID != "b-bad" {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if !strings.Contains(rep.Failures[0].Err, settlement.ErrRulePanicked.Error()) {
		t.Errorf("expected rule panic failure, got %q", rep.Failures[0].Err)
	}

	if b, _ := ms.GetBet(ctx, "b-bad"); b.Status != model.BetPending {
		t.Errorf("panicking bet must stay PENDING, got %s", b.Status)
	}
	if b, _ := ms.GetBet(ctx, "b-long"); b.Status != model.BetLost {
		t.Errorf("expected long box bet LOST, got %s", b.Status)
	}
	if b, _ := ms.GetBet(ctx, "b-ok"); b.Status != model.BetWon {
		t.Errorf("expected healthy bet WON, got %s", b.Status)
	}

	// A re-run retries only the failed bet and fails it again.
	rep, err = eng.Settle(ctx, publish(t, ms, "MAGNUM", "1234"))
	if err != nil || rep.Considered != 1 || len(rep.Failures) != 1 {
		t.Errorf("unexpected re-run: %+v, %v", rep, err)
	}
}
