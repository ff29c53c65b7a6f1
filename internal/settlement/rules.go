package settlement

import (
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/lottonet/ledger-core/internal/model"
)

// Prize tiers, in the order a DrawResult lists them.
const (
	TierFirst = iota
	TierSecond
	TierThird
	TierSupplementary
	tierCount
)

// PayoutTable holds the multiplier paid per unit staked for each tier.
type PayoutTable [tierCount]decimal.Decimal

// DefaultPayoutTable pays 2500× for first prize down to 180× for a
// supplementary number.
var DefaultPayoutTable = PayoutTable{
	decimal.NewFromInt(2500),
	decimal.NewFromInt(1000),
	decimal.NewFromInt(500),
	decimal.NewFromInt(180),
}

// Rule evaluates one selection against one provider's result and returns
// its payout. A zero payout means no match.
type Rule interface {
	Payout(sel model.Selection, result *model.DrawResult, table PayoutTable) decimal.Decimal
}

// RuleFunc adapts a function to Rule.
type RuleFunc func(sel model.Selection, result *model.DrawResult, table PayoutTable) decimal.Decimal

func (f RuleFunc) Payout(sel model.Selection, result *model.DrawResult, table PayoutTable) decimal.Decimal {
	return f(sel, result, table)
}

// Bet types understood by the default registry.
const (
	BetTypeStraight = "STRAIGHT"
	BetTypeBox      = "BOX"
)

// Rules is a registry of bet-type rules. Safe for concurrent use.
type Rules struct {
	mu    sync.RWMutex
	rules map[string]Rule
	table PayoutTable
}

// NewRules creates a registry with STRAIGHT and BOX installed.
func NewRules(table PayoutTable) *Rules {
	r := &Rules{rules: make(map[string]Rule), table: table}
	r.Register(BetTypeStraight, RuleFunc(straight))
	r.Register(BetTypeBox, RuleFunc(box))
	return r
}

// Register installs or replaces the rule for a bet type.
func (r *Rules) Register(betType string, rule Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[strings.ToUpper(betType)] = rule
}

// Evaluate returns the payout of sel against result. known is false when
// no rule is registered for the selection's bet type; the payout is then
// zero.
func (r *Rules) Evaluate(sel model.Selection, result *model.DrawResult) (payout decimal.Decimal, known bool) {
	r.mu.RLock()
	rule, ok := r.rules[strings.ToUpper(sel.BetType)]
	r.mu.RUnlock()
	if !ok {
		return decimal.Zero, false
	}
	return rule.Payout(sel, result, r.table).Round(2), true
}

// tiers yields (tier, number) pairs from best to worst.
func tiers(result *model.DrawResult, fn func(tier int, number string) bool) {
	for i, n := range result.Winning {
		if i > TierThird {
			break
		}
		if fn(i, n) {
			return
		}
	}
	for _, n := range result.Supplementary {
		if fn(TierSupplementary, n) {
			return
		}
	}
}

// straight pays the best tier whose number equals the selection exactly.
func straight(sel model.Selection, result *model.DrawResult, table PayoutTable) decimal.Decimal {
	payout := decimal.Zero
	tiers(result, func(tier int, number string) bool {
		if number == sel.Number {
			payout = sel.Amount.Mul(table[tier])
			return true
		}
		return false
	})
	return payout
}

// box pays the best tier whose number is any ordering of the selection's
// digits, divided by the number of distinct orderings.
func box(sel model.Selection, result *model.DrawResult, table PayoutTable) decimal.Decimal {
	want := sortedDigits(sel.Number)
	perms := decimal.NewFromBigInt(distinctPermutations(sel.Number), 0)
	payout := decimal.Zero
	tiers(result, func(tier int, number string) bool {
		if len(number) == len(sel.Number) && sortedDigits(number) == want {
			payout = sel.Amount.Mul(table[tier]).Div(perms)
			return true
		}
		return false
	})
	return payout
}

func sortedDigits(s string) string {
	b := []byte(s)
	sort.Slice(b, func(i, j int) bool { return b[i] < b[j] })
	return string(b)
}

// distinctPermutations returns n! / Π(count(c)!) for the characters of s.
func distinctPermutations(s string) *big.Int {
	counts := make(map[rune]int64)
	for _, c := range s {
		counts[c]++
	}
	total := new(big.Int).MulRange(1, int64(len([]rune(s))))
	for _, n := range counts {
		total.Quo(total, new(big.Int).MulRange(1, n))
	}
	if total.Sign() < 1 {
		return big.NewInt(1)
	}
	return total
}
