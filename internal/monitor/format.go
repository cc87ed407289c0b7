package monitor

import (
	"fmt"

	"github.com/vadiminshakov/coinwatch/internal/domain"
)

// FormatHeader is sent once before the changes of an account.
func FormatHeader(account string) string {
	return "Account " + account
}

// FormatChange renders a single change as a chat message.
func FormatChange(c domain.Change) string {
	return fmt.Sprintf("%s\n %s\n %s\n %s to %s\n diff: %s",
		c.CoinType, c.Name, c.Symbol, c.BalanceBefore, c.BalanceAfter, c.Diff)
}
