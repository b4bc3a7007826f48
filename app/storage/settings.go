package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/HerbertGao/BanhammerBot/app/storage/engine"
	"github.com/HerbertGao/BanhammerBot/lib/rules"
)

// GroupSettings is a per-group configuration record, created with defaults on the
// group's first interaction and never auto-deleted.
type GroupSettings struct {
	GroupID          int64     `db:"group_id"`
	LogChannelID     int64     `db:"log_channel_id"`    // 0 means no log channel configured
	GlobalContribute bool      `db:"global_contribute"` // contribute local entries to the global pool
	GlobalUse        bool      `db:"global_use"`        // consult the global pool on matching
	ThresholdsJSON   string    `db:"thresholds"`        // sparse rules.Thresholds overrides as JSON
	CreatedAt        time.Time `db:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"`
}

// Thresholds decodes the stored per-group detection overrides. Empty or broken
// stored value falls back to no overrides, defaults apply downstream.
func (g *GroupSettings) Thresholds() rules.Thresholds {
	if g.ThresholdsJSON == "" {
		return rules.Thresholds{}
	}
	var th rules.Thresholds
	if err := json.Unmarshal([]byte(g.ThresholdsJSON), &th); err != nil {
		log.Printf("[WARN] failed to decode thresholds for group %d: %v", g.GroupID, err)
		return rules.Thresholds{}
	}
	return th
}

// Settings is a storage for per-group configuration
type Settings struct {
	*engine.SQL
	engine.RWLocker
}

// settings-related command constants
const (
	CmdCreateSettingsTable engine.DBCmd = iota + 300
	CmdCreateSettingsIndexes
	CmdInsertDefaultSettings
)

// settingsQueries holds all settings-related queries
var settingsQueries = engine.NewQueryMap().
	AddSame(CmdCreateSettingsTable, `CREATE TABLE IF NOT EXISTS group_settings (
        group_id BIGINT PRIMARY KEY,
        log_channel_id BIGINT NOT NULL DEFAULT 0,
        global_contribute BOOLEAN NOT NULL DEFAULT false,
        global_use BOOLEAN NOT NULL DEFAULT true,
        thresholds TEXT NOT NULL DEFAULT '',
        created_at TIMESTAMP NOT NULL,
        updated_at TIMESTAMP NOT NULL
    )`).
	AddSame(CmdCreateSettingsIndexes,
		`CREATE INDEX IF NOT EXISTS idx_group_settings_contribute ON group_settings(global_contribute)`).
	Add(CmdInsertDefaultSettings, engine.Query{
		Sqlite: `INSERT OR IGNORE INTO group_settings
            (group_id, log_channel_id, global_contribute, global_use, thresholds, created_at, updated_at)
            VALUES (:group_id, :log_channel_id, :global_contribute, :global_use, :thresholds, :created_at, :updated_at)`,
		Postgres: `INSERT INTO group_settings
            (group_id, log_channel_id, global_contribute, global_use, thresholds, created_at, updated_at)
            VALUES (:group_id, :log_channel_id, :global_contribute, :global_use, :thresholds, :created_at, :updated_at)
            ON CONFLICT (group_id) DO NOTHING`,
	})

// NewSettings creates a new Settings storage
func NewSettings(ctx context.Context, db *engine.SQL) (*Settings, error) {
	if db == nil {
		return nil, fmt.Errorf("db connection is nil")
	}
	res := &Settings{SQL: db, RWLocker: db.MakeLock()}
	cfg := engine.TableConfig{
		Name:          "group_settings",
		CreateTable:   CmdCreateSettingsTable,
		CreateIndexes: CmdCreateSettingsIndexes,
		QueriesMap:    settingsQueries,
	}
	if err := engine.InitTable(ctx, db, cfg); err != nil {
		return nil, fmt.Errorf("failed to init settings storage: %w", err)
	}
	return res, nil
}

// Get returns the group's settings, creating the default record on first use.
// Defaults: no log channel, contribute off, global use on, no threshold overrides.
func (s *Settings) Get(ctx context.Context, groupID int64) (GroupSettings, error) {
	s.Lock()
	defer s.Unlock()

	query := s.Adopt(`SELECT group_id, log_channel_id, global_contribute, global_use, thresholds,
        created_at, updated_at FROM group_settings WHERE group_id = ?`)

	var res GroupSettings
	err := s.GetContext(ctx, &res, query, groupID)
	if err == nil {
		return res, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return GroupSettings{}, fmt.Errorf("failed to get settings for group %d: %w", groupID, err)
	}

	now := time.Now()
	res = GroupSettings{GroupID: groupID, GlobalUse: true, CreatedAt: now, UpdatedAt: now}
	insertQuery, err := settingsQueries.Pick(s.Type(), CmdInsertDefaultSettings)
	if err != nil {
		return GroupSettings{}, fmt.Errorf("failed to get insert query: %w", err)
	}
	if _, err := s.NamedExecContext(ctx, insertQuery, res); err != nil {
		return GroupSettings{}, fmt.Errorf("failed to create default settings for group %d: %w", groupID, err)
	}
	log.Printf("[INFO] default settings created for group %d", groupID)
	return res, nil
}

// SetLogChannel sets the group's log channel, 0 clears it
func (s *Settings) SetLogChannel(ctx context.Context, groupID, channelID int64) error {
	if _, err := s.Get(ctx, groupID); err != nil { // make sure the record exists
		return err
	}

	s.Lock()
	defer s.Unlock()

	query := s.Adopt(`UPDATE group_settings SET log_channel_id = ?, updated_at = ? WHERE group_id = ?`)
	if _, err := s.ExecContext(ctx, query, channelID, time.Now(), groupID); err != nil {
		return fmt.Errorf("failed to set log channel for group %d: %w", groupID, err)
	}
	log.Printf("[INFO] log channel for group %d set to %d", groupID, channelID)
	return nil
}

// SetGlobal updates the group's global-pool participation flags. Either flag can be
// nil to leave it unchanged, contribution and consumption toggle independently.
func (s *Settings) SetGlobal(ctx context.Context, groupID int64, contribute, use *bool) error {
	current, err := s.Get(ctx, groupID)
	if err != nil {
		return err
	}
	if contribute != nil {
		current.GlobalContribute = *contribute
	}
	if use != nil {
		current.GlobalUse = *use
	}

	s.Lock()
	defer s.Unlock()

	query := s.Adopt(`UPDATE group_settings SET global_contribute = ?, global_use = ?, updated_at = ?
        WHERE group_id = ?`)
	if _, err := s.ExecContext(ctx, query, current.GlobalContribute, current.GlobalUse, time.Now(), groupID); err != nil {
		return fmt.Errorf("failed to set global flags for group %d: %w", groupID, err)
	}
	log.Printf("[INFO] global flags for group %d: contribute:%v, use:%v",
		groupID, current.GlobalContribute, current.GlobalUse)
	return nil
}

// SetThresholds stores per-group detection overrides
func (s *Settings) SetThresholds(ctx context.Context, groupID int64, th rules.Thresholds) error {
	if _, err := s.Get(ctx, groupID); err != nil {
		return err
	}

	data, err := json.Marshal(th)
	if err != nil {
		return fmt.Errorf("failed to marshal thresholds: %w", err)
	}

	s.Lock()
	defer s.Unlock()

	query := s.Adopt(`UPDATE group_settings SET thresholds = ?, updated_at = ? WHERE group_id = ?`)
	if _, err := s.ExecContext(ctx, query, string(data), time.Now(), groupID); err != nil {
		return fmt.Errorf("failed to set thresholds for group %d: %w", groupID, err)
	}
	return nil
}

// ContributingGroups returns ids of all groups with the contribute flag on
func (s *Settings) ContributingGroups(ctx context.Context) ([]int64, error) {
	s.RLock()
	defer s.RUnlock()

	var res []int64
	query := `SELECT group_id FROM group_settings WHERE global_contribute = true ORDER BY group_id`
	if err := s.SelectContext(ctx, &res, query); err != nil {
		return nil, fmt.Errorf("failed to get contributing groups: %w", err)
	}
	return res, nil
}
