package storage

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/HerbertGao/BanhammerBot/app/storage/engine"
)

// ActionType is a kind of recorded moderation action
type ActionType string

// enum of recorded action types
const (
	ActionBan          ActionType = "ban"
	ActionUnban        ActionType = "unban"
	ActionDelete       ActionType = "delete"
	ActionSpamReport   ActionType = "spam_report"
	ActionContribution ActionType = "global_contribution"
)

// ActionRecord is a single audit log entry. Every content deletion references the
// blacklist entry or rule reasons that justified it.
type ActionRecord struct {
	ID        int64      `db:"id"`
	GroupID   int64      `db:"group_id"`
	Action    ActionType `db:"action"`
	UserID    int64      `db:"user_id"` // affected user
	Content   string     `db:"content"` // matched fingerprint or message snapshot
	Reason    string     `db:"reason"`
	Timestamp time.Time  `db:"timestamp"`
}

// Actions is a storage for the moderation audit log and active ban tracking
type Actions struct {
	*engine.SQL
	engine.RWLocker
}

// actions-related command constants
const (
	CmdCreateActionsTable engine.DBCmd = iota + 400
	CmdCreateActionsIndexes
)

// actionsQueries holds all action-log related queries
var actionsQueries = engine.NewQueryMap().
	Add(CmdCreateActionsTable, engine.Query{
		Sqlite: `CREATE TABLE IF NOT EXISTS action_log (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            group_id BIGINT NOT NULL,
            action TEXT NOT NULL,
            user_id BIGINT NOT NULL,
            content TEXT NOT NULL DEFAULT '',
            reason TEXT NOT NULL DEFAULT '',
            timestamp TIMESTAMP NOT NULL
        );
        CREATE TABLE IF NOT EXISTS bans (
            group_id BIGINT NOT NULL,
            user_id BIGINT NOT NULL,
            reason TEXT NOT NULL DEFAULT '',
            banned_at TIMESTAMP NOT NULL,
            unbanned_at TIMESTAMP NULL,
            active BOOLEAN NOT NULL DEFAULT true,
            PRIMARY KEY (group_id, user_id, banned_at)
        )`,
		Postgres: `CREATE TABLE IF NOT EXISTS action_log (
            id SERIAL PRIMARY KEY,
            group_id BIGINT NOT NULL,
            action TEXT NOT NULL,
            user_id BIGINT NOT NULL,
            content TEXT NOT NULL DEFAULT '',
            reason TEXT NOT NULL DEFAULT '',
            timestamp TIMESTAMP NOT NULL
        );
        CREATE TABLE IF NOT EXISTS bans (
            group_id BIGINT NOT NULL,
            user_id BIGINT NOT NULL,
            reason TEXT NOT NULL DEFAULT '',
            banned_at TIMESTAMP NOT NULL,
            unbanned_at TIMESTAMP NULL,
            active BOOLEAN NOT NULL DEFAULT true,
            PRIMARY KEY (group_id, user_id, banned_at)
        )`,
	}).
	AddSame(CmdCreateActionsIndexes, `
        CREATE INDEX IF NOT EXISTS idx_action_log_group_time ON action_log(group_id, timestamp);
        CREATE INDEX IF NOT EXISTS idx_bans_group_user ON bans(group_id, user_id, active)`)

// NewActions creates a new Actions storage
func NewActions(ctx context.Context, db *engine.SQL) (*Actions, error) {
	if db == nil {
		return nil, fmt.Errorf("db connection is nil")
	}
	res := &Actions{SQL: db, RWLocker: db.MakeLock()}
	cfg := engine.TableConfig{
		Name:          "action_log",
		CreateTable:   CmdCreateActionsTable,
		CreateIndexes: CmdCreateActionsIndexes,
		QueriesMap:    actionsQueries,
	}
	if err := engine.InitTable(ctx, db, cfg); err != nil {
		return nil, fmt.Errorf("failed to init actions storage: %w", err)
	}
	return res, nil
}

// Log appends a record to the audit log
func (a *Actions) Log(ctx context.Context, rec ActionRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	a.Lock()
	defer a.Unlock()

	query := a.Adopt(`INSERT INTO action_log (group_id, action, user_id, content, reason, timestamp)
        VALUES (?, ?, ?, ?, ?, ?)`)
	if _, err := a.ExecContext(ctx, query, rec.GroupID, rec.Action, rec.UserID, rec.Content,
		rec.Reason, rec.Timestamp); err != nil {
		return fmt.Errorf("failed to add action log record: %w", err)
	}
	return nil
}

// Recent returns the latest audit records for the group, newest first
func (a *Actions) Recent(ctx context.Context, groupID int64, limit int) ([]ActionRecord, error) {
	a.RLock()
	defer a.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	var res []ActionRecord
	query := a.Adopt(`SELECT id, group_id, action, user_id, content, reason, timestamp
        FROM action_log WHERE group_id = ? ORDER BY timestamp DESC, id DESC LIMIT ?`)
	if err := a.SelectContext(ctx, &res, query, groupID, limit); err != nil {
		return nil, fmt.Errorf("failed to get action log: %w", err)
	}
	return res, nil
}

// AddBan records an active ban of the user in the group
func (a *Actions) AddBan(ctx context.Context, groupID, userID int64, reason string) error {
	a.Lock()
	defer a.Unlock()

	query := a.Adopt(`INSERT INTO bans (group_id, user_id, reason, banned_at, active) VALUES (?, ?, ?, ?, true)`)
	if _, err := a.ExecContext(ctx, query, groupID, userID, reason, time.Now()); err != nil {
		return fmt.Errorf("failed to add ban record: %w", err)
	}
	log.Printf("[INFO] ban recorded: group:%d, user:%d, reason:%q", groupID, userID, reason)
	return nil
}

// CloseBan marks the user's active bans in the group as lifted
func (a *Actions) CloseBan(ctx context.Context, groupID, userID int64) error {
	a.Lock()
	defer a.Unlock()

	query := a.Adopt(`UPDATE bans SET active = false, unbanned_at = ? WHERE group_id = ? AND user_id = ? AND active = true`)
	if _, err := a.ExecContext(ctx, query, time.Now(), groupID, userID); err != nil {
		return fmt.Errorf("failed to close ban record: %w", err)
	}
	log.Printf("[INFO] ban lifted: group:%d, user:%d", groupID, userID)
	return nil
}

// IsBanned reports if the user has an active ban in the group
func (a *Actions) IsBanned(ctx context.Context, groupID, userID int64) (bool, error) {
	a.RLock()
	defer a.RUnlock()

	var count int
	query := a.Adopt(`SELECT COUNT(*) FROM bans WHERE group_id = ? AND user_id = ? AND active = true`)
	if err := a.GetContext(ctx, &count, query, groupID, userID); err != nil {
		return false, fmt.Errorf("failed to check ban status: %w", err)
	}
	return count > 0, nil
}
