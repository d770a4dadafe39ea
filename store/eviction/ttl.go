package eviction

// TTL relies on the janitor to sweep expired records and falls back to LRU
// ordering when capacity is exceeded.
type TTL struct {
	*LRU
}

// NewTTL creates a TTL policy.
func NewTTL(opts Options) *TTL {
	return &TTL{LRU: NewLRU(opts)}
}

func (p *TTL) Kind() Kind { return KindTTL }
