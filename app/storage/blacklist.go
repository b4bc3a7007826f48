package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"log"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/HerbertGao/BanhammerBot/app/storage/engine"
	"github.com/HerbertGao/BanhammerBot/lib/fingerprint"
)

// GlobalScope is the scope value of the shared global pool. Group scopes are the
// chat ids which are never zero.
const GlobalScope int64 = 0

// Entry is a single blacklist record, immutable once created except deletion.
type Entry struct {
	Scope            int64     `db:"scope"`             // group id or GlobalScope
	Kind             string    `db:"kind"`              // content kind, see fingerprint.Kind
	Fingerprint      string    `db:"fingerprint"`       // canonical content key
	CreatedAt        time.Time `db:"created_at"`        // insertion time
	ContributorGroup int64     `db:"contributor_group"` // group that contributed a global entry, 0 for local
}

func (e *Entry) String() string {
	scope := "global"
	if e.Scope != GlobalScope {
		scope = fmt.Sprintf("group %d", e.Scope)
	}
	return fmt.Sprintf("%s %s:%s", scope, e.Kind, e.Fingerprint)
}

// Blacklist is a storage for blacklist entries, local per-group and global pool
// in the same table distinguished by scope.
type Blacklist struct {
	*engine.SQL
	engine.RWLocker
}

// blacklist-related command constants
const (
	CmdCreateBlacklistTable engine.DBCmd = iota + 100
	CmdCreateBlacklistIndexes
	CmdInsertBlacklistEntry
)

// blacklistQueries holds all blacklist-related queries
var blacklistQueries = engine.NewQueryMap().
	AddSame(CmdCreateBlacklistTable, `CREATE TABLE IF NOT EXISTS blacklist (
        scope BIGINT NOT NULL,
        kind TEXT NOT NULL,
        fingerprint TEXT NOT NULL,
        created_at TIMESTAMP NOT NULL,
        contributor_group BIGINT NOT NULL DEFAULT 0,
        PRIMARY KEY (scope, kind, fingerprint)
    )`).
	AddSame(CmdCreateBlacklistIndexes, `
        CREATE INDEX IF NOT EXISTS idx_blacklist_scope_created ON blacklist(scope, created_at);
        CREATE INDEX IF NOT EXISTS idx_blacklist_contributor ON blacklist(contributor_group)`).
	Add(CmdInsertBlacklistEntry, engine.Query{
		Sqlite: `INSERT OR IGNORE INTO blacklist (scope, kind, fingerprint, created_at, contributor_group)
            VALUES (:scope, :kind, :fingerprint, :created_at, :contributor_group)`,
		Postgres: `INSERT INTO blacklist (scope, kind, fingerprint, created_at, contributor_group)
            VALUES (:scope, :kind, :fingerprint, :created_at, :contributor_group)
            ON CONFLICT (scope, kind, fingerprint) DO NOTHING`,
	})

// NewBlacklist creates a new Blacklist storage
func NewBlacklist(ctx context.Context, db *engine.SQL) (*Blacklist, error) {
	if db == nil {
		return nil, fmt.Errorf("db connection is nil")
	}
	res := &Blacklist{SQL: db, RWLocker: db.MakeLock()}
	cfg := engine.TableConfig{
		Name:          "blacklist",
		CreateTable:   CmdCreateBlacklistTable,
		CreateIndexes: CmdCreateBlacklistIndexes,
		QueriesMap:    blacklistQueries,
	}
	if err := engine.InitTable(ctx, db, cfg); err != nil {
		return nil, fmt.Errorf("failed to init blacklist storage: %w", err)
	}
	return res, nil
}

// Insert adds an entry if not present yet, keyed by (scope, kind, fingerprint).
// Returns true if the entry was newly created, false for a duplicate. Safe under
// concurrent callers proposing the same entry, the unique constraint decides.
func (b *Blacklist) Insert(ctx context.Context, e Entry) (created bool, err error) {
	if e.Fingerprint == "" || strings.TrimSpace(e.Fingerprint) == "" {
		return false, fmt.Errorf("fingerprint cannot be empty")
	}
	if err := fingerprint.Kind(e.Kind).Validate(); err != nil {
		return false, fmt.Errorf("invalid blacklist kind %q: %w", e.Kind, err)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	b.Lock()
	defer b.Unlock()

	query, err := blacklistQueries.Pick(b.Type(), CmdInsertBlacklistEntry)
	if err != nil {
		return false, fmt.Errorf("failed to get insert query: %w", err)
	}

	res, err := b.NamedExecContext(ctx, query, e)
	if err != nil {
		return false, fmt.Errorf("failed to insert blacklist entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected > 0 {
		log.Printf("[INFO] blacklist entry added: %s", e.String())
	}
	return affected > 0, nil
}

// Remove deletes an entry by its full key
func (b *Blacklist) Remove(ctx context.Context, scope int64, kind fingerprint.Kind, fp string) error {
	b.Lock()
	defer b.Unlock()

	query := b.Adopt(`DELETE FROM blacklist WHERE scope = ? AND kind = ? AND fingerprint = ?`)
	res, err := b.ExecContext(ctx, query, scope, kind.String(), fp)
	if err != nil {
		return fmt.Errorf("failed to remove blacklist entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("blacklist entry %s:%s not found in scope %d", kind, fp, scope)
	}
	log.Printf("[INFO] blacklist entry removed: scope:%d, %s:%s", scope, kind, fp)
	return nil
}

// Lookup finds the first entry matching any of the prints in any of the scopes.
// The group's own scope wins over the global pool when both match. Returns nil
// without error if nothing matched.
func (b *Blacklist) Lookup(ctx context.Context, group int64, scopes []int64, prints []fingerprint.Print) (*Entry, error) {
	if len(scopes) == 0 || len(prints) == 0 {
		return nil, nil
	}

	conds := make([]string, 0, len(prints))
	printArgs := make([]any, 0, len(prints)*2)
	for _, p := range prints {
		conds = append(conds, "(kind = ? AND fingerprint = ?)")
		printArgs = append(printArgs, p.Kind.String(), p.Key)
	}

	query := `SELECT scope, kind, fingerprint, created_at, contributor_group FROM blacklist
        WHERE scope IN (?) AND (` + strings.Join(conds, " OR ") + `)
        ORDER BY CASE WHEN scope = ? THEN 0 ELSE 1 END, created_at LIMIT 1`

	args := []any{scopes}
	args = append(args, printArgs...)
	args = append(args, group)
	query, inArgs, err := sqlx.In(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to build lookup query: %w", err)
	}

	b.RLock()
	defer b.RUnlock()

	var entry Entry
	if err := b.GetContext(ctx, &entry, b.Adopt(query), inArgs...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to lookup blacklist: %w", err)
	}
	return &entry, nil
}

// List returns an iterator over all entries of the scope, ordered by insertion time.
// The iterator is finite and restartable, each range over it re-runs the query.
func (b *Blacklist) List(ctx context.Context, scope int64) (iter.Seq[Entry], error) {
	query := b.Adopt(`SELECT scope, kind, fingerprint, created_at, contributor_group
        FROM blacklist WHERE scope = ? ORDER BY created_at, kind, fingerprint`)

	// run the query once up front so a broken connection surfaces as an error
	// to the caller instead of a silently empty iteration
	b.RLock()
	rows, err := b.QueryxContext(ctx, query, scope)
	b.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("failed to query blacklist entries: %w", err)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("failed to close validation rows: %w", err)
	}

	return func(yield func(Entry) bool) {
		b.RLock()
		rows, err := b.QueryxContext(ctx, query, scope)
		b.RUnlock()
		if err != nil {
			return // terminate iteration on query error
		}
		defer rows.Close()
		for rows.Next() {
			var e Entry
			if err := rows.StructScan(&e); err != nil {
				return // terminate iteration on scan error
			}
			if !yield(e) {
				return // stop iteration if `yield` returns false
			}
		}
	}, nil
}

// CleanupInvalid removes entries with empty or blank fingerprints across all scopes.
// Defensive maintenance against upstream normalization bugs, reports count removed.
func (b *Blacklist) CleanupInvalid(ctx context.Context) (int64, error) {
	b.Lock()
	defer b.Unlock()

	res, err := b.ExecContext(ctx, `DELETE FROM blacklist WHERE fingerprint = '' OR trim(fingerprint) = ''`)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup invalid blacklist entries: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected > 0 {
		log.Printf("[INFO] cleaned up %d invalid blacklist entries", affected)
	}
	return affected, nil
}

// GlobalCount returns the number of entries in the global pool
func (b *Blacklist) GlobalCount(ctx context.Context) (int, error) {
	b.RLock()
	defer b.RUnlock()

	var count int
	query := b.Adopt(`SELECT COUNT(*) FROM blacklist WHERE scope = ?`)
	if err := b.GetContext(ctx, &count, query, GlobalScope); err != nil {
		return 0, fmt.Errorf("failed to count global entries: %w", err)
	}
	return count, nil
}

// RemoveContributions deletes all global entries contributed by the group,
// used when the group turns its contribute flag off. Returns count removed.
func (b *Blacklist) RemoveContributions(ctx context.Context, group int64) (int64, error) {
	b.Lock()
	defer b.Unlock()

	query := b.Adopt(`DELETE FROM blacklist WHERE scope = ? AND contributor_group = ?`)
	res, err := b.ExecContext(ctx, query, GlobalScope, group)
	if err != nil {
		return 0, fmt.Errorf("failed to remove contributions of group %d: %w", group, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	log.Printf("[INFO] removed %d global entries contributed by group %d", affected, group)
	return affected, nil
}
