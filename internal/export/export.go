package export

import (
	"context"
	"fmt"
	"time"

	"github.com/kalambet/gastos/internal/storage"
)

// TransactionLister pages through stored transactions.
type TransactionLister interface {
	ListTransactions(f storage.TransactionFilter) ([]storage.Transaction, error)
}

// TransactionSink receives exported transactions.
type TransactionSink interface {
	Put(ctx context.Context, txs []storage.Transaction) (int, error)
}

// exportPage is how many transactions are read from the store at a time.
const exportPage = 200

// Transactions copies every transaction updated after since into sink and returns
// how many were written.
func Transactions(ctx context.Context, store TransactionLister, sink TransactionSink, since time.Time) (int, error) {
	total := 0
	for offset := 0; ; offset += exportPage {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		page, err := store.ListTransactions(storage.TransactionFilter{
			Limit:        exportPage,
			Offset:       offset,
			UpdatedAfter: since,
		})
		if err != nil {
			return total, fmt.Errorf("listing transactions: %w", err)
		}
		if len(page) == 0 {
			return total, nil
		}
		n, err := sink.Put(ctx, page)
		total += n
		if err != nil {
			return total, err
		}
		if len(page) < exportPage {
			return total, nil
		}
	}
}
