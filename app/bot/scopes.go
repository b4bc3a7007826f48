package bot

import (
	"context"
	"fmt"
	"log"

	"github.com/HerbertGao/BanhammerBot/app/storage"
)

// SharingSettings is the subset of the settings store the coordinator needs
type SharingSettings interface {
	Get(ctx context.Context, groupID int64) (storage.GroupSettings, error)
	SetGlobal(ctx context.Context, groupID int64, contribute, use *bool) error
	ContributingGroups(ctx context.Context) ([]int64, error)
}

// SharingBlacklist is the subset of the blacklist store the coordinator needs
type SharingBlacklist interface {
	GlobalCount(ctx context.Context) (int, error)
	RemoveContributions(ctx context.Context, group int64) (int64, error)
}

// GlobalSharing coordinates the per-group participation in the shared global
// blacklist pool. It is the only reader of the contribute and use flags, the
// rest of the system asks it for scope lists.
type GlobalSharing struct {
	settings  SharingSettings
	blacklist SharingBlacklist
}

// GlobalStats is an aggregate view of the shared pool
type GlobalStats struct {
	Entries            int     `json:"entries"`
	ContributingGroups int     `json:"contributing_groups"`
	Groups             []int64 `json:"groups,omitempty"`
}

// NewGlobalSharing creates the sharing coordinator
func NewGlobalSharing(settings SharingSettings, blacklist SharingBlacklist) *GlobalSharing {
	return &GlobalSharing{settings: settings, blacklist: blacklist}
}

// QueryScopes returns the scopes consulted when matching content posted in the
// group: always the group's own scope, plus the global pool if the use flag is on.
// The local scope goes first, lookup ordering depends on it.
func (g *GlobalSharing) QueryScopes(ctx context.Context, group int64) ([]int64, error) {
	settings, err := g.settings.Get(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("failed to get sharing settings for group %d: %w", group, err)
	}
	res := []int64{group}
	if settings.GlobalUse {
		res = append(res, storage.GlobalScope)
	}
	return res, nil
}

// ContributionScopes returns the scopes a new entry of the group lands in: the
// group's own scope, plus the global pool if the contribute flag is on.
func (g *GlobalSharing) ContributionScopes(ctx context.Context, group int64) ([]int64, error) {
	settings, err := g.settings.Get(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("failed to get sharing settings for group %d: %w", group, err)
	}
	res := []int64{group}
	if settings.GlobalContribute {
		res = append(res, storage.GlobalScope)
	}
	return res, nil
}

// SetGlobal updates the group's participation flags, either can be nil to keep
// the current value. Turning contribute off withdraws the group's previously
// contributed entries from the global pool.
func (g *GlobalSharing) SetGlobal(ctx context.Context, group int64, contribute, use *bool) error {
	current, err := g.settings.Get(ctx, group)
	if err != nil {
		return fmt.Errorf("failed to get sharing settings for group %d: %w", group, err)
	}

	if err := g.settings.SetGlobal(ctx, group, contribute, use); err != nil {
		return fmt.Errorf("failed to update sharing flags for group %d: %w", group, err)
	}

	if contribute != nil && !*contribute && current.GlobalContribute {
		removed, err := g.blacklist.RemoveContributions(ctx, group)
		if err != nil {
			return fmt.Errorf("failed to withdraw contributions of group %d: %w", group, err)
		}
		log.Printf("[INFO] group %d opted out of contribution, %d global entries withdrawn", group, removed)
	}
	return nil
}

// ContributingGroups returns the ids of all groups with the contribute flag on
func (g *GlobalSharing) ContributingGroups(ctx context.Context) ([]int64, error) {
	groups, err := g.settings.ContributingGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get contributing groups: %w", err)
	}
	return groups, nil
}

// Status returns the group's current participation flags
func (g *GlobalSharing) Status(ctx context.Context, group int64) (contribute, use bool, err error) {
	settings, err := g.settings.Get(ctx, group)
	if err != nil {
		return false, false, fmt.Errorf("failed to get sharing settings for group %d: %w", group, err)
	}
	return settings.GlobalContribute, settings.GlobalUse, nil
}

// Stats returns the shared pool aggregates
func (g *GlobalSharing) Stats(ctx context.Context) (GlobalStats, error) {
	count, err := g.blacklist.GlobalCount(ctx)
	if err != nil {
		return GlobalStats{}, fmt.Errorf("failed to count global entries: %w", err)
	}
	groups, err := g.settings.ContributingGroups(ctx)
	if err != nil {
		return GlobalStats{}, fmt.Errorf("failed to get contributing groups: %w", err)
	}
	return GlobalStats{Entries: count, ContributingGroups: len(groups), Groups: groups}, nil
}
