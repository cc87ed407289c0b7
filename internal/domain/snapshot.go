package domain

import "time"

// Snapshot last observed coin list of one account.
type Snapshot struct {
	Coins []CoinBalance
	// Found is false when nothing was persisted for the account yet.
	Found     bool
	UpdatedAt time.Time
}

// NewSnapshot wraps a freshly fetched coin list.
func NewSnapshot(coins []CoinBalance) Snapshot {
	if coins == nil {
		coins = []CoinBalance{}
	}
	return Snapshot{Coins: coins, Found: true}
}
