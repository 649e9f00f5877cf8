package ledger

import "context"

// Store persists audit entries. Implementations must never update an entry
// except through SetIntegrityHashes, and only where the hash is still NULL.
type Store interface {
	Insert(ctx context.Context, entry *Entry) error
	// List returns one page of entries (newest first) and the total match count.
	List(ctx context.Context, q Query) ([]*Entry, int, error)
	// ListForVerification returns at most filter.Limit entries, newest first.
	ListForVerification(ctx context.Context, filter VerifyFilter) ([]*Entry, error)
	// ListMissingHash returns up to limit hashless entries strictly after the
	// cursor in (created_at, id) order. A nil cursor starts from the beginning.
	ListMissingHash(ctx context.Context, after *Cursor, limit int) ([]*Entry, error)
	// SetIntegrityHashes applies all updates atomically and returns how many
	// rows changed. Rows that already carry a hash are left untouched.
	SetIntegrityHashes(ctx context.Context, updates []HashUpdate) (int, error)
	Statistics(ctx context.Context, filter StatsFilter) (*Stats, error)
}

// Streamer mirrors entries to an external consumer (SIEM). Publishing is
// best-effort; inside a transaction it happens after commit.
type Streamer interface {
	Publish(ctx context.Context, entry *Entry) error
}
