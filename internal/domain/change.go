package domain

import "time"

// ChangeKind classifies a detected difference.
type ChangeKind string

const (
	// ChangeAdded coin appeared in the account.
	ChangeAdded ChangeKind = "added"
	// ChangeModified coin balance moved.
	ChangeModified ChangeKind = "modified"
	// ChangeRemoved coin disappeared from the account.
	ChangeRemoved ChangeKind = "removed"
)

// Change one coin difference between two snapshots.
// Balances are decimal strings so they survive any JSON consumer unchanged.
type Change struct {
	Kind          ChangeKind `json:"kind"`
	CoinType      string     `json:"coinType"`
	Name          string     `json:"name"`
	Symbol        string     `json:"symbol"`
	BalanceBefore string     `json:"balanceBefore"`
	BalanceAfter  string     `json:"balanceAfter"`
	Diff          string     `json:"diff"`
}

// ChangeEvent changes detected for one account during one cycle.
type ChangeEvent struct {
	Timestamp time.Time `json:"ts"`
	CycleID   string    `json:"cycle_id"`
	Account   string    `json:"account"`
	Changes   []Change  `json:"changes"`
}

// ChangeEventRecord bundles an event with the log index it originated from.
type ChangeEventRecord struct {
	Index uint64
	Event ChangeEvent
}
