// Package diff compares two coin lists of the same account.
package diff

import (
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/coinwatch/internal/domain"
)

// Policy controls how the first observation of an account is treated.
type Policy struct {
	// ReportInitialBalances reports every coin of a never seen account as an addition.
	// When false the first observation only seeds the snapshot.
	ReportInitialBalances bool
}

// Result ordered changes plus data quality findings.
type Result struct {
	Changes []domain.Change
	// Duplicates coin types seen more than once in either list.
	Duplicates []string
}

// Compute returns the changes that turn prev into next.
// New side changes keep the order of next, removals follow in the order of prev.
func Compute(prev, next domain.Snapshot, policy Policy) Result {
	oldCoins, oldOrder, oldDup := index(prev.Coins)
	newCoins, newOrder, newDup := index(next.Coins)

	res := Result{Duplicates: mergeUnique(oldDup, newDup)}

	if !prev.Found && !policy.ReportInitialBalances {
		return res
	}

	for _, coinType := range newOrder {
		cur := newCoins[coinType]
		before, ok := oldCoins[coinType]
		if !ok {
			res.Changes = append(res.Changes, newChange(domain.ChangeAdded, cur, decimal.Zero, cur.Balance))
			continue
		}
		if before.Balance.Equal(cur.Balance) {
			continue
		}
		res.Changes = append(res.Changes, newChange(domain.ChangeModified, cur, before.Balance, cur.Balance))
	}

	for _, coinType := range oldOrder {
		if _, ok := newCoins[coinType]; ok {
			continue
		}
		gone := oldCoins[coinType]
		res.Changes = append(res.Changes, newChange(domain.ChangeRemoved, gone, gone.Balance, decimal.Zero))
	}

	return res
}

func newChange(kind domain.ChangeKind, meta domain.CoinBalance, before, after decimal.Decimal) domain.Change {
	return domain.Change{
		Kind:          kind,
		CoinType:      meta.CoinType,
		Name:          meta.Name,
		Symbol:        meta.Symbol,
		BalanceBefore: before.String(),
		BalanceAfter:  after.String(),
		Diff:          after.Sub(before).String(),
	}
}

// index maps comparable coins by type. The last entry of a duplicated type wins,
// the position of its first appearance is kept.
func index(coins []domain.CoinBalance) (map[string]domain.CoinBalance, []string, []string) {
	byType := make(map[string]domain.CoinBalance, len(coins))
	order := make([]string, 0, len(coins))
	var duplicates []string

	for _, coin := range coins {
		if !coin.Comparable() {
			continue
		}
		if _, seen := byType[coin.CoinType]; seen {
			duplicates = append(duplicates, coin.CoinType)
		} else {
			order = append(order, coin.CoinType)
		}
		byType[coin.CoinType] = coin
	}

	return byType, order, duplicates
}

func mergeUnique(lists ...[]string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, list := range lists {
		for _, v := range list {
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

// Engine applies a fixed policy and reports data quality problems.
type Engine struct {
	policy Policy
	l      *zap.Logger
}

// NewEngine creates a diff engine.
func NewEngine(l *zap.Logger, policy Policy) *Engine {
	if l == nil {
		l = zap.NewNop()
	}
	return &Engine{policy: policy, l: l}
}

// Policy returns the configured policy.
func (e *Engine) Policy() Policy {
	return e.policy
}

// Diff computes the changes of one account.
func (e *Engine) Diff(account string, prev, next domain.Snapshot) []domain.Change {
	res := Compute(prev, next, e.policy)
	if len(res.Duplicates) > 0 {
		e.l.Warn("duplicate coin types in balance list, last entry wins",
			zap.String("account", account), zap.Strings("coin_types", res.Duplicates))
	}
	return res.Changes
}
