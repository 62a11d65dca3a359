package feed

import "sync"

// PriceCache holds the last bar close per symbol. The orchestrator
// writes it; the paper broker and anything else needing a mark reads
// it.
type PriceCache struct {
	mu sync.RWMutex
	m  map[string]float64
}

func NewPriceCache() *PriceCache {
	return &PriceCache{m: make(map[string]float64)}
}

func (c *PriceCache) Set(symbol string, price float64) {
	c.mu.Lock()
	c.m[symbol] = price
	c.mu.Unlock()
}

func (c *PriceCache) Get(symbol string) (float64, bool) {
	c.mu.RLock()
	price, ok := c.m[symbol]
	c.mu.RUnlock()
	return price, ok
}
