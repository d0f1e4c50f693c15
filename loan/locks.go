package loan

import "sync"

// loanLocks serializes writers per loan. Different loans never contend.
type loanLocks struct {
	mu    sync.Mutex
	locks map[LoanID]*sync.Mutex
}

func newLoanLocks() *loanLocks {
	return &loanLocks{locks: make(map[LoanID]*sync.Mutex)}
}

// Lock acquires the loan's lock and returns its release function.
func (l *loanLocks) Lock(id LoanID) func() {
	l.mu.Lock()
	m, ok := l.locks[id]
	if !ok {
		m = &sync.Mutex{}
		l.locks[id] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
