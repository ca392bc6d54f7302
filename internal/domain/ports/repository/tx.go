package repository

import (
	"context"

	"github.com/jackc/pgx/v4"
)

type Tx interface{}

var NoTX interface{}

// TransactionManager provides a thin abstraction to execute a function within a
// database transaction, passing the underlying transaction handle via `tx`.
//
// Repository methods that accept a Tx run inside it when non-nil and open their own
// unit of work otherwise. The concrete type of `tx` is infra-defined (pgx.Tx for
// Postgres, a staging journal for the in-memory store).
type TransactionManager interface {
	WithTx(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx Tx) error) error
}
