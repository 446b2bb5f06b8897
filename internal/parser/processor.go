package parser

import (
	"fmt"
	"time"
)

// Processor turns raw notifications into transactions: identify, look up, extract.
// It holds no mutable state and is safe for concurrent use.
type Processor struct {
	registry *Registry
	loc      *time.Location
}

// Option configures a Processor.
type Option func(*Processor)

// WithLocation sets the zone notification timestamps are read in. Default UTC.
func WithLocation(loc *time.Location) Option {
	return func(p *Processor) {
		if loc != nil {
			p.loc = loc
		}
	}
}

// NewProcessor returns a Processor over registry, or over DefaultRegistry when nil.
func NewProcessor(registry *Registry, opts ...Option) *Processor {
	if registry == nil {
		registry = DefaultRegistry()
	}
	p := &Processor{registry: registry, loc: time.UTC}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Process parses one notification. Failures are deterministic; retrying the same
// email yields the same error.
func (p *Processor) Process(email RawEmail) (TransactionInfo, error) {
	t, token, err := identify(email.Text)
	if err != nil {
		return TransactionInfo{}, err
	}
	entry, ok := p.registry.Lookup(t)
	if !ok {
		return TransactionInfo{}, fmt.Errorf("%s (%q): %w", t, token, ErrUnsupportedTransactionType)
	}
	info, err := Extract(email.Text, entry, p.loc)
	if err != nil {
		return TransactionInfo{}, err
	}
	info.SourceLogID = email.LogID
	return info, nil
}
