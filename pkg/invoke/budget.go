package invoke

import (
	"fmt"
	"sync"
)

// Budget caps the USD spend of one run. It is shared by every call in the run.
type Budget struct {
	mu       sync.Mutex
	max      float64
	spent    float64
	lastCost float64
	exceeded string
}

// NewBudget returns a budget of maxUSD. A non-positive max is unlimited.
func NewBudget(maxUSD float64) *Budget {
	return &Budget{max: maxUSD}
}

// check refuses another attempt once spend reached the cap or the last
// attempt's cost would push it over.
func (b *Budget) check() error {
	if b == nil || b.max <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.spent >= b.max {
		b.exceeded = fmt.Sprintf("budget %.2f exceeded (current total %.4f)", b.max, b.spent)
		return fmt.Errorf("%w: %s", ErrBudgetExceeded, b.exceeded)
	}
	if projected := b.spent + b.lastCost; b.lastCost > 0 && projected > b.max {
		b.exceeded = fmt.Sprintf("budget %.2f exceeded (projected total %.4f)", b.max, projected)
		return fmt.Errorf("%w: %s", ErrBudgetExceeded, b.exceeded)
	}
	return nil
}

func (b *Budget) charge(cost float64) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.spent += cost
	if cost > 0 {
		b.lastCost = cost
	}
}

// Spent returns the USD charged so far.
func (b *Budget) Spent() float64 {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spent
}

// Exceeded returns the reason the budget refused an attempt, if it did.
func (b *Budget) Exceeded() string {
	if b == nil {
		return ""
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exceeded
}
