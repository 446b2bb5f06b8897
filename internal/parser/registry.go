package parser

import (
	"errors"
	"fmt"
	"sync"
)

// Entry is everything that distinguishes one transaction type's parsing: the
// ordered templates, the canonical name, and whether the money comes in.
type Entry struct {
	Type          TransactionType
	CanonicalName string
	IsIncome      bool
	Templates     []Template
}

// Registry maps transaction types to their entries. It is immutable after construction.
type Registry struct {
	entries map[TransactionType]Entry
}

// NewRegistry validates entries and builds a Registry. Duplicate or invalid types
// and entries without templates are rejected.
func NewRegistry(entries ...Entry) (*Registry, error) {
	r := &Registry{entries: make(map[TransactionType]Entry, len(entries))}
	for _, e := range entries {
		if !e.Type.Valid() {
			return nil, fmt.Errorf("registry: invalid transaction type %d", int(e.Type))
		}
		if _, dup := r.entries[e.Type]; dup {
			return nil, fmt.Errorf("registry: duplicate entry for %s", e.Type)
		}
		if e.CanonicalName == "" {
			return nil, fmt.Errorf("registry: %s has no canonical name", e.Type)
		}
		if len(e.Templates) == 0 {
			return nil, fmt.Errorf("registry: %s has no templates", e.Type)
		}
		for i, t := range e.Templates {
			if t.pattern == nil {
				return nil, fmt.Errorf("registry: %s template %d was not built with NewTemplate", e.Type, i)
			}
		}
		templates := make([]Template, len(e.Templates))
		copy(templates, e.Templates)
		e.Templates = templates
		r.entries[e.Type] = e
	}
	return r, nil
}

// Lookup returns the entry for t.
func (r *Registry) Lookup(t TransactionType) (Entry, bool) {
	e, ok := r.entries[t]
	return e, ok
}

// Types returns the registered types in declaration order.
func (r *Registry) Types() []TransactionType {
	var out []TransactionType
	for _, t := range AllTransactionTypes() {
		if _, ok := r.entries[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

// entryConstructors is the static table the default registry is built from.
// Every TransactionType has exactly one constructor.
var entryConstructors = map[TransactionType]func() Entry{
	Purchase:          purchaseEntry,
	Withdrawal:        withdrawalEntry,
	Payment:           paymentEntry,
	TransferReception: transferReceptionEntry,
	TransferQR:        transferQREntry,
	Transfer:          transferEntry,
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// DefaultRegistry returns the registry of all six supported types. It is built on
// first use and panics if the static tables are inconsistent.
func DefaultRegistry() *Registry {
	defaultOnce.Do(func() {
		r, err := buildDefaultRegistry()
		if err != nil {
			panic(err)
		}
		defaultRegistry = r
	})
	return defaultRegistry
}

func buildDefaultRegistry() (*Registry, error) {
	var errs []error
	entries := make([]Entry, 0, len(entryConstructors))
	for _, t := range AllTransactionTypes() {
		ctor, ok := entryConstructors[t]
		if !ok {
			errs = append(errs, fmt.Errorf("registry: no constructor for %s", t))
			continue
		}
		e := ctor()
		if e.Type != t {
			errs = append(errs, fmt.Errorf("registry: constructor for %s builds %s", t, e.Type))
			continue
		}
		entries = append(entries, e)
	}
	if len(entryConstructors) != len(AllTransactionTypes()) {
		errs = append(errs, fmt.Errorf("registry: %d constructors for %d types", len(entryConstructors), len(AllTransactionTypes())))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return NewRegistry(entries...)
}
