package notifier

import (
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/vadiminshakov/coinwatch/internal/domain"
)

// Deduper drops changes that were already delivered within the TTL.
// The monitor consults it only for the cycle after a failed snapshot save,
// where the previous diff is detected again.
type Deduper struct {
	seen *cache.Cache
	ttl  time.Duration
}

// NewDeduper returns nil when ttl is not positive. A nil Deduper lets everything through.
func NewDeduper(ttl time.Duration) *Deduper {
	if ttl <= 0 {
		return nil
	}
	return &Deduper{seen: cache.New(ttl, 2*ttl), ttl: ttl}
}

// Filter returns the changes not seen recently for the account, preserving order.
func (d *Deduper) Filter(account string, changes []domain.Change) []domain.Change {
	if d == nil || len(changes) == 0 {
		return changes
	}

	out := make([]domain.Change, 0, len(changes))
	for _, change := range changes {
		key := dedupeKey(account, change)
		if _, found := d.seen.Get(key); found {
			continue
		}
		out = append(out, change)
	}

	return out
}

// Remember marks the changes as delivered for the account.
func (d *Deduper) Remember(account string, changes []domain.Change) {
	if d == nil {
		return
	}
	for _, change := range changes {
		d.seen.Set(dedupeKey(account, change), struct{}{}, d.ttl)
	}
}

func dedupeKey(account string, c domain.Change) string {
	return strings.Join([]string{account, c.CoinType, c.BalanceBefore, c.BalanceAfter}, "|")
}
