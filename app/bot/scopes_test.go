package bot

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HerbertGao/BanhammerBot/app/storage"
)

type fakeSharingSettings struct {
	byGroup      map[int64]storage.GroupSettings
	contributing []int64
	err          error
}

func (f *fakeSharingSettings) Get(_ context.Context, groupID int64) (storage.GroupSettings, error) {
	if f.err != nil {
		return storage.GroupSettings{}, f.err
	}
	s, ok := f.byGroup[groupID]
	if !ok {
		s = storage.GroupSettings{GroupID: groupID, GlobalUse: true}
	}
	return s, nil
}

func (f *fakeSharingSettings) SetGlobal(_ context.Context, groupID int64, contribute, use *bool) error {
	s, _ := f.Get(context.Background(), groupID)
	if contribute != nil {
		s.GlobalContribute = *contribute
	}
	if use != nil {
		s.GlobalUse = *use
	}
	if f.byGroup == nil {
		f.byGroup = map[int64]storage.GroupSettings{}
	}
	f.byGroup[groupID] = s
	return nil
}

func (f *fakeSharingSettings) ContributingGroups(_ context.Context) ([]int64, error) {
	return f.contributing, f.err
}

type fakeSharingBlacklist struct {
	globalCount int
	withdrawals []int64
}

func (f *fakeSharingBlacklist) GlobalCount(_ context.Context) (int, error) {
	return f.globalCount, nil
}

func (f *fakeSharingBlacklist) RemoveContributions(_ context.Context, group int64) (int64, error) {
	f.withdrawals = append(f.withdrawals, group)
	return 5, nil
}

func TestGlobalSharing_QueryScopes(t *testing.T) {
	settings := &fakeSharingSettings{byGroup: map[int64]storage.GroupSettings{
		100: {GroupID: 100, GlobalUse: true},
		200: {GroupID: 200, GlobalUse: false},
	}}
	g := NewGlobalSharing(settings, &fakeSharingBlacklist{})

	scopes, err := g.QueryScopes(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, []int64{100, storage.GlobalScope}, scopes, "local scope first")

	scopes, err = g.QueryScopes(context.Background(), 200)
	require.NoError(t, err)
	assert.Equal(t, []int64{200}, scopes, "opted out of global matching")
}

func TestGlobalSharing_ContributionScopes(t *testing.T) {
	settings := &fakeSharingSettings{byGroup: map[int64]storage.GroupSettings{
		100: {GroupID: 100, GlobalContribute: true, GlobalUse: true},
	}}
	g := NewGlobalSharing(settings, &fakeSharingBlacklist{})

	scopes, err := g.ContributionScopes(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, []int64{100, storage.GlobalScope}, scopes)

	scopes, err = g.ContributionScopes(context.Background(), 300)
	require.NoError(t, err)
	assert.Equal(t, []int64{300}, scopes, "contribution is opt-in")
}

func TestGlobalSharing_SetGlobal(t *testing.T) {
	t.Run("contribute off withdraws entries", func(t *testing.T) {
		settings := &fakeSharingSettings{byGroup: map[int64]storage.GroupSettings{
			100: {GroupID: 100, GlobalContribute: true, GlobalUse: true},
		}}
		blacklist := &fakeSharingBlacklist{}
		g := NewGlobalSharing(settings, blacklist)

		off := false
		require.NoError(t, g.SetGlobal(context.Background(), 100, &off, nil))
		assert.Equal(t, []int64{100}, blacklist.withdrawals)
	})

	t.Run("contribute off when it was off already does nothing", func(t *testing.T) {
		settings := &fakeSharingSettings{}
		blacklist := &fakeSharingBlacklist{}
		g := NewGlobalSharing(settings, blacklist)

		off := false
		require.NoError(t, g.SetGlobal(context.Background(), 100, &off, nil))
		assert.Empty(t, blacklist.withdrawals)
	})

	t.Run("use toggle never withdraws", func(t *testing.T) {
		settings := &fakeSharingSettings{byGroup: map[int64]storage.GroupSettings{
			100: {GroupID: 100, GlobalContribute: true, GlobalUse: true},
		}}
		blacklist := &fakeSharingBlacklist{}
		g := NewGlobalSharing(settings, blacklist)

		off := false
		require.NoError(t, g.SetGlobal(context.Background(), 100, nil, &off))
		assert.Empty(t, blacklist.withdrawals)
	})
}

func TestGlobalSharing_StatusAndStats(t *testing.T) {
	settings := &fakeSharingSettings{
		byGroup:      map[int64]storage.GroupSettings{100: {GroupID: 100, GlobalContribute: true, GlobalUse: false}},
		contributing: []int64{100, 300},
	}
	g := NewGlobalSharing(settings, &fakeSharingBlacklist{globalCount: 7})

	contribute, use, err := g.Status(context.Background(), 100)
	require.NoError(t, err)
	assert.True(t, contribute)
	assert.False(t, use)

	stats, err := g.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, stats.Entries)
	assert.Equal(t, 2, stats.ContributingGroups)

	groups, err := g.ContributingGroups(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{100, 300}, groups)
}

func TestGlobalSharing_SettingsError(t *testing.T) {
	g := NewGlobalSharing(&fakeSharingSettings{err: errors.New("db down")}, &fakeSharingBlacklist{})

	_, err := g.QueryScopes(context.Background(), 100)
	assert.Error(t, err)

	_, _, err = g.Status(context.Background(), 100)
	assert.Error(t, err)
}
