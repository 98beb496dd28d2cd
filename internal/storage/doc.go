// Package storage provides the durable SQLite queue that drives harvesting,
// processing and auditing.
//
// Every discovered parliamentary record is one row in queue_items, keyed by
// its stable item id. Rows move through a small state machine:
//
//	PENDING ──claim──▶ PROCESSING ──▶ COMPLETED
//	   ▲                  │
//	   │                  ├──▶ FAILED ──retry-failed──▶ PENDING
//	   └───reset-stale────┘
//
// COMPLETED is terminal. Rows are never deleted and occurred_on never
// changes; both are enforced by triggers.
//
// # Basic Usage
//
//	store, err := storage.NewSQLiteStore("parlharvest.db")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	res, err := store.Enqueue(ctx, []storage.NewItem{{
//	    ItemID:     "pq_170001",
//	    ItemType:   types.ItemWrittenQuestion,
//	    OccurredOn: types.MustParseDay("2024-07-04"),
//	}})
//
// # Claiming
//
// Claim is a single UPDATE ... RETURNING statement, so it is atomic under
// SQLite's single writer lock. Workers in one process or in several
// processes sharing the file never receive the same row. Each claim stamps a
// token on the rows it takes; Complete and Fail only succeed while the token
// still matches, and otherwise return ErrClaimLost:
//
//	token := uuid.NewString()
//	items, err := store.Claim(ctx, token, 50)
//	for _, item := range items {
//	    if err := work(item); err != nil {
//	        _ = store.Fail(ctx, item.ItemID, token, retry.Tag(err))
//	        continue
//	    }
//	    _ = store.Complete(ctx, item.ItemID, token)
//	}
//
// # Concurrency
//
// The database runs in WAL mode with a 5s busy timeout, and writes that
// still hit SQLITE_BUSY are retried with a short backoff. Migrations run
// under <db>.lock so processes opening a fresh file do not race the schema.
//
// # Build Modes
//
// The default build uses modernc.org/sqlite (pure Go). Building with
// -tags cgo_sqlite switches to github.com/mattn/go-sqlite3.
package storage
