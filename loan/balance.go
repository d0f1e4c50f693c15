package loan

import (
	"sync"

	"github.com/shopspring/decimal"
)

// CurrentBalance returns principal minus the principal portion of every
// COMPLETED, non-deleted payment. Pending, failed, reversed and soft-deleted
// payments do not count.
func CurrentBalance(principal decimal.Decimal, payments []Payment) decimal.Decimal {
	balance := principal
	for _, p := range payments {
		if p.Deleted || p.Status != PaymentCompleted {
			continue
		}
		balance = balance.Sub(p.PrincipalPortion)
	}
	return balance
}

// balanceCache memoizes CurrentBalance per loan. Any payment write for a loan
// must invalidate its entry.
type balanceCache struct {
	mu     sync.RWMutex
	values map[LoanID]decimal.Decimal
}

func newBalanceCache() *balanceCache {
	return &balanceCache{values: make(map[LoanID]decimal.Decimal)}
}

func (c *balanceCache) get(id LoanID) (decimal.Decimal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[id]
	return v, ok
}

func (c *balanceCache) put(id LoanID, v decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[id] = v
}

func (c *balanceCache) invalidate(id LoanID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, id)
}

func (c *balanceCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values = make(map[LoanID]decimal.Decimal)
}
