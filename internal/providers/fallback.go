package providers

import "sync"

// FallbackChain walks an ordered list of model references when the current
// model keeps failing. Position persists across turns; a successful turn
// resets it so a recovered primary gets picked up again.
type FallbackChain struct {
	mu     sync.Mutex
	models []ModelRef
	pos    int
}

// NewFallbackChain builds a chain from parsed references. The first entry is
// the primary model.
func NewFallbackChain(models []ModelRef) *FallbackChain {
	return &FallbackChain{models: models}
}

// ParseChain parses a primary reference plus fallback references.
func ParseChain(primary string, fallbacks []string) (*FallbackChain, error) {
	refs := make([]ModelRef, 0, len(fallbacks)+1)
	ref, err := ParseModelRef(primary)
	if err != nil {
		return nil, err
	}
	refs = append(refs, ref)
	for _, fb := range fallbacks {
		ref, err := ParseModelRef(fb)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return &FallbackChain{models: refs}, nil
}

// Current returns the model the chain currently points at.
func (c *FallbackChain) Current() ModelRef {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.models[c.pos]
}

// ShouldFailover reports whether the category warrants advancing the chain
// after retries on the current model are exhausted.
func (c *FallbackChain) ShouldFailover(cat ErrorCategory) bool {
	switch cat {
	case ErrAuth, ErrRateLimit, ErrServerError, ErrTimeout:
		return true
	default:
		return false
	}
}

// Advance moves to the next model. Returns false when the chain is exhausted.
func (c *FallbackChain) Advance() (ModelRef, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pos+1 >= len(c.models) {
		return ModelRef{}, false
	}
	c.pos++
	return c.models[c.pos], true
}

// RecordSuccess resets the chain to the primary model.
func (c *FallbackChain) RecordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pos = 0
}

// Cursor is one turn's private view of the chain. It advances monotonically
// and never observes resets made by other turns finishing concurrently.
type Cursor struct {
	models []ModelRef
	pos    int
}

// Cursor snapshots the chain at its current position.
func (c *FallbackChain) Cursor() *Cursor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &Cursor{models: c.models, pos: c.pos}
}

// Current returns the model the cursor points at.
func (cur *Cursor) Current() ModelRef { return cur.models[cur.pos] }

// Advance moves the cursor to the next model. Returns false when exhausted.
func (cur *Cursor) Advance() (ModelRef, bool) {
	if cur.pos+1 >= len(cur.models) {
		return ModelRef{}, false
	}
	cur.pos++
	return cur.models[cur.pos], true
}

// CommitFailure folds a failed turn's position back into the chain so later
// turns start from the model that was still answering. Never moves the chain
// backwards.
func (c *FallbackChain) CommitFailure(cur *Cursor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur.pos > c.pos {
		c.pos = cur.pos
	}
}

// Exhausted reports whether the chain has no models left to try.
func (c *FallbackChain) Exhausted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pos >= len(c.models)-1
}

// Len returns the number of models in the chain.
func (c *FallbackChain) Len() int { return len(c.models) }
