// Package kvtable provides a typed client over a DynamoDB table with
// conditional writes, cursor pagination and atomic transactions.
//
// A [Client] is bound to one table and an index registry at construction and
// is immutable afterwards. Items are submitted as In and stored as Out; the
// [Parser] given to [New] validates and normalises every write.
//
// # Index Registry
//
// Every registry contains [PrimaryIndex], which identifies items:
//
//	cfg := kvtable.TableConfig{
//	    Name: "tenders",
//	    Indexes: kvtable.Indexes{
//	        kvtable.PrimaryIndex: {Partition: "tenderId"},
//	        "byBuyer":            {Partition: "buyer", Sort: "createdAt"},
//	    },
//	}
//
// # Writes
//
//   - [Client.Put] writes unconditionally
//   - [Client.Create] fails with [ErrConditionalWriteFailed] if the key exists
//   - [Client.PutUpdate] fails with [ErrConditionalWriteFailed] if the key is missing
//   - [Client.Delete] succeeds whether or not the item exists
//
// # Pagination
//
// [Client.Query] and [Client.Scan] return a [Page] whose LastKey must be fed
// back as ExclusiveStartKey. Only a nil LastKey ends the traversal.
// [Client.QueryAll] and [Client.ScanAll] do this until the end.
//
// # Transactions
//
// [Tx] builds deferred items that are committed together by [Tx.Run]:
//
//	tx := tenders.Transaction()
//	a, _ := tx.Create(first)
//	b, _ := tx.PutUpdate(second)
//	err := tx.Run(ctx, a, b)
//
// # Errors
//
// Every failure is an [*OpError] naming the operation, table and key. Match
// the cause with errors.Is against the package sentinels, for example
// [ErrItemNotFound] or [ErrStoreUnavailable].
//
// # Expiry
//
// When [TableConfig].TTLAttribute is set, items whose TTL is <= now are treated
// as absent by reads, excluded from queries and scans, and may be replaced by
// [Client.Create].
package kvtable
