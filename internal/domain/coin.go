// Package domain defines core data structures used throughout coinwatch.
package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// CoinBalance one coin holding of an account at a point in time.
type CoinBalance struct {
	// CoinType stable coin identifier, e.g. 0x2::sui::SUI.
	CoinType string `json:"coinType"`
	Name     string `json:"coinName"`
	Symbol   string `json:"coinSymbol"`
	// Balance is decoded from the literal JSON value, never through float64.
	Balance decimal.Decimal `json:"balance"`
	// Decimals scale for human readable output only.
	Decimals int32 `json:"decimals"`
}

// Comparable reports whether the coin carries an identity and may be diffed.
func (c CoinBalance) Comparable() bool {
	return strings.TrimSpace(c.CoinType) != ""
}
