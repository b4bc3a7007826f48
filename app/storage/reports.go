package storage

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/HerbertGao/BanhammerBot/app/storage/engine"
	"github.com/HerbertGao/BanhammerBot/lib/fingerprint"
)

// DefaultReportThreshold is the number of distinct admin reporters promoting
// reported content to the group blacklist.
const DefaultReportThreshold = 3

// reportRetention is how long un-promoted report rows are kept before the sweep
// removes them
const reportRetention = 7 * 24 * time.Hour

// Reports aggregates admin spam reports per (group, content fingerprint) and
// promotes the content to the blacklist once enough distinct admins reported it.
type Reports struct {
	*engine.SQL
	engine.RWLocker
	threshold int
}

// reportRow is a single stored report, one row per distinct reporter
type reportRow struct {
	GroupID     int64     `db:"group_id"`
	Kind        string    `db:"kind"`
	Fingerprint string    `db:"fingerprint"`
	ReporterID  int64     `db:"reporter_id"`
	Snapshot    string    `db:"snapshot"`
	ReportedAt  time.Time `db:"reported_at"`
}

// ReportResult is the outcome of a single report call.
type ReportResult struct {
	AlreadyBlacklisted bool   // content was on the blacklist before this report
	Promoted           *Entry // set when this report crossed the threshold
	Reporters          int    // distinct reporters so far, including this one
}

// reports-related command constants
const (
	CmdCreateReportsTable engine.DBCmd = iota + 200
	CmdCreateReportsIndexes
	CmdAddReport
	CmdInsertPromotedEntry
)

// reportsQueries holds all reports-related queries
var reportsQueries = engine.NewQueryMap().
	AddSame(CmdCreateReportsTable, `CREATE TABLE IF NOT EXISTS reports (
        group_id BIGINT NOT NULL,
        kind TEXT NOT NULL,
        fingerprint TEXT NOT NULL,
        reporter_id BIGINT NOT NULL,
        snapshot TEXT NOT NULL DEFAULT '',
        reported_at TIMESTAMP NOT NULL,
        PRIMARY KEY (group_id, kind, fingerprint, reporter_id)
    )`).
	AddSame(CmdCreateReportsIndexes, `
        CREATE INDEX IF NOT EXISTS idx_reports_group_fp ON reports(group_id, kind, fingerprint);
        CREATE INDEX IF NOT EXISTS idx_reports_reported_at ON reports(reported_at)`).
	Add(CmdAddReport, engine.Query{
		Sqlite: `INSERT OR IGNORE INTO reports (group_id, kind, fingerprint, reporter_id, snapshot, reported_at)
            VALUES (:group_id, :kind, :fingerprint, :reporter_id, :snapshot, :reported_at)`,
		Postgres: `INSERT INTO reports (group_id, kind, fingerprint, reporter_id, snapshot, reported_at)
            VALUES (:group_id, :kind, :fingerprint, :reporter_id, :snapshot, :reported_at)
            ON CONFLICT (group_id, kind, fingerprint, reporter_id) DO NOTHING`,
	}).
	Add(CmdInsertPromotedEntry, engine.Query{
		Sqlite: `INSERT OR IGNORE INTO blacklist (scope, kind, fingerprint, created_at, contributor_group)
            VALUES (?, ?, ?, ?, ?)`,
		Postgres: `INSERT INTO blacklist (scope, kind, fingerprint, created_at, contributor_group)
            VALUES ($1, $2, $3, $4, $5) ON CONFLICT (scope, kind, fingerprint) DO NOTHING`,
	})

// NewReports creates a new Reports storage with the given promotion threshold,
// 0 for the default. Requires the blacklist table to exist, promotion inserts into it.
func NewReports(ctx context.Context, db *engine.SQL, threshold int) (*Reports, error) {
	if db == nil {
		return nil, fmt.Errorf("db connection is nil")
	}
	if threshold <= 0 {
		threshold = DefaultReportThreshold
	}
	res := &Reports{SQL: db, RWLocker: db.MakeLock(), threshold: threshold}
	cfg := engine.TableConfig{
		Name:          "reports",
		CreateTable:   CmdCreateReportsTable,
		CreateIndexes: CmdCreateReportsIndexes,
		QueriesMap:    reportsQueries,
	}
	if err := engine.InitTable(ctx, db, cfg); err != nil {
		return nil, fmt.Errorf("failed to init reports storage: %w", err)
	}
	return res, nil
}

// Threshold returns the distinct-reporter promotion threshold
func (r *Reports) Threshold() int { return r.threshold }

// Report registers a report from reporterID for the content in the group and promotes
// the content to the blacklist at the threshold. The whole add-count-promote sequence
// runs in one transaction, so exactly one of the racing reporters at the boundary
// observes Promoted and duplicates from the same reporter never raise the count.
// Scopes lists where a promoted entry goes (the group itself plus, when the group
// contributes, the global pool).
func (r *Reports) Report(ctx context.Context, group int64, kind fingerprint.Kind, fp string,
	reporterID int64, snapshot string, scopes []int64) (ReportResult, error) {

	if fp == "" {
		return ReportResult{}, fmt.Errorf("fingerprint cannot be empty")
	}
	if err := kind.Validate(); err != nil {
		return ReportResult{}, fmt.Errorf("invalid report kind %q: %w", kind, err)
	}
	if len(scopes) == 0 {
		scopes = []int64{group}
	}

	r.Lock()
	defer r.Unlock()

	tx, err := r.BeginTxx(ctx, nil)
	if err != nil {
		return ReportResult{}, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	// the RWLocker is a no-op on postgres and READ COMMITTED lets two racing
	// reporters each count the same total. serialize per content with an advisory
	// lock, released automatically at commit or rollback
	if r.Type() == engine.Postgres {
		lockKey := fmt.Sprintf("%d:%s:%s", group, kind, fp)
		if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", lockKey); err != nil {
			return ReportResult{}, fmt.Errorf("failed to take report lock: %w", err)
		}
	}

	// already on the group's own blacklist - no-op, reporters are not counted
	var existing int
	checkQuery := r.Adopt(`SELECT COUNT(*) FROM blacklist WHERE scope = ? AND kind = ? AND fingerprint = ?`)
	if err := tx.GetContext(ctx, &existing, checkQuery, group, kind.String(), fp); err != nil {
		return ReportResult{}, fmt.Errorf("failed to check blacklist: %w", err)
	}
	if existing > 0 {
		return ReportResult{AlreadyBlacklisted: true}, nil
	}

	row := reportRow{GroupID: group, Kind: kind.String(), Fingerprint: fp,
		ReporterID: reporterID, Snapshot: snapshot, ReportedAt: time.Now()}
	addQuery, err := reportsQueries.Pick(r.Type(), CmdAddReport)
	if err != nil {
		return ReportResult{}, fmt.Errorf("failed to get add query: %w", err)
	}
	if _, err := sqlx.NamedExecContext(ctx, tx, addQuery, row); err != nil {
		return ReportResult{}, fmt.Errorf("failed to add report: %w", err)
	}

	var count int
	countQuery := r.Adopt(`SELECT COUNT(*) FROM reports WHERE group_id = ? AND kind = ? AND fingerprint = ?`)
	if err := tx.GetContext(ctx, &count, countQuery, group, kind.String(), fp); err != nil {
		return ReportResult{}, fmt.Errorf("failed to count reporters: %w", err)
	}

	res := ReportResult{Reporters: count}
	if count >= r.threshold {
		promoted, err := r.promote(ctx, tx, group, kind, fp, scopes)
		if err != nil {
			return ReportResult{}, err
		}
		if promoted == nil {
			// another transaction won the promotion race
			res.AlreadyBlacklisted = true
		}
		res.Promoted = promoted
	}

	if err := tx.Commit(); err != nil {
		return ReportResult{}, fmt.Errorf("failed to commit report transaction: %w", err)
	}

	if res.Promoted != nil {
		log.Printf("[INFO] reported content promoted to blacklist: %s, reporters: %d", res.Promoted.String(), count)
		if err := r.cleanupOld(ctx); err != nil {
			log.Printf("[WARN] failed to cleanup old reports: %v", err)
		}
	}
	return res, nil
}

// promote inserts the blacklist entries inside the report transaction. The group-scope
// insert decides the race: zero affected rows means someone else promoted first.
func (r *Reports) promote(ctx context.Context, tx *sqlx.Tx, group int64, kind fingerprint.Kind,
	fp string, scopes []int64) (*Entry, error) {

	insertQuery, err := reportsQueries.Pick(r.Type(), CmdInsertPromotedEntry)
	if err != nil {
		return nil, fmt.Errorf("failed to get promote query: %w", err)
	}

	now := time.Now()
	var groupEntry *Entry
	for _, scope := range scopes {
		contributor := int64(0)
		if scope == GlobalScope {
			contributor = group
		}
		e := Entry{Scope: scope, Kind: kind.String(), Fingerprint: fp, CreatedAt: now, ContributorGroup: contributor}
		execRes, err := tx.ExecContext(ctx, insertQuery, e.Scope, e.Kind, e.Fingerprint, e.CreatedAt, e.ContributorGroup)
		if err != nil {
			return nil, fmt.Errorf("failed to insert promoted entry: %w", err)
		}
		if scope != group {
			continue
		}
		affected, err := execRes.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to get affected rows: %w", err)
		}
		if affected > 0 {
			entry := e
			groupEntry = &entry
		}
	}

	// promoted rows served their purpose, drop them
	delQuery := r.Adopt(`DELETE FROM reports WHERE group_id = ? AND kind = ? AND fingerprint = ?`)
	if _, err := tx.ExecContext(ctx, delQuery, group, kind.String(), fp); err != nil {
		return nil, fmt.Errorf("failed to delete promoted reports: %w", err)
	}
	return groupEntry, nil
}

// Reporters returns the current distinct reporter count for the content in the group
func (r *Reports) Reporters(ctx context.Context, group int64, kind fingerprint.Kind, fp string) (int, error) {
	r.RLock()
	defer r.RUnlock()

	var count int
	query := r.Adopt(`SELECT COUNT(*) FROM reports WHERE group_id = ? AND kind = ? AND fingerprint = ?`)
	if err := r.GetContext(ctx, &count, query, group, kind.String(), fp); err != nil {
		return 0, fmt.Errorf("failed to count reporters: %w", err)
	}
	return count, nil
}

// cleanupOld removes report rows that never reached the threshold within the
// retention period
func (r *Reports) cleanupOld(ctx context.Context) error {
	// no lock - called from Report which already holds it
	query := r.Adopt(`DELETE FROM reports WHERE reported_at < ?`)
	cutoff := time.Now().Add(-reportRetention)

	res, err := r.ExecContext(ctx, query, cutoff)
	if err != nil {
		return fmt.Errorf("failed to cleanup old reports: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected > 0 {
		log.Printf("[DEBUG] cleaned up %d stale reports", affected)
	}
	return nil
}
