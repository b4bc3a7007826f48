package events

import (
	"context"
	"errors"
	"iter"
	"sync"
	"testing"

	tbapi "github.com/OvyFlash/telegram-bot-api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HerbertGao/BanhammerBot/app/bot"
	"github.com/HerbertGao/BanhammerBot/app/storage"
	"github.com/HerbertGao/BanhammerBot/lib/fingerprint"
)

type fakeTbAPI struct {
	mu         sync.Mutex
	sent       []tbapi.Chattable
	requests   []tbapi.Chattable
	sendErr    error
	reqOk      bool
	admins     []tbapi.ChatMember
	adminCalls int
	updates    chan tbapi.Update
}

func newFakeTbAPI() *fakeTbAPI { return &fakeTbAPI{reqOk: true, updates: make(chan tbapi.Update, 10)} }

func (f *fakeTbAPI) GetUpdatesChan(tbapi.UpdateConfig) tbapi.UpdatesChannel { return f.updates }

func (f *fakeTbAPI) Send(c tbapi.Chattable) (tbapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c)
	return tbapi.Message{}, f.sendErr
}

func (f *fakeTbAPI) Request(c tbapi.Chattable) (*tbapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	return &tbapi.APIResponse{Ok: f.reqOk}, nil
}

func (f *fakeTbAPI) GetChat(tbapi.ChatInfoConfig) (tbapi.ChatFullInfo, error) {
	return tbapi.ChatFullInfo{}, nil
}

func (f *fakeTbAPI) GetChatAdministrators(tbapi.ChatAdministratorsConfig) ([]tbapi.ChatMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adminCalls++
	return f.admins, nil
}

func (f *fakeTbAPI) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTbAPI) adminCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.adminCalls
}

func (f *fakeTbAPI) lastText(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sent)
	msg, ok := f.sent[len(f.sent)-1].(tbapi.MessageConfig)
	require.True(t, ok)
	return msg.Text
}

type fakeModerator struct {
	reportRes      storage.ReportResult
	reportErr      error
	entry          *storage.Entry
	unbanned       []int64
	removed        []string
	contributed    []fingerprint.Content
	contributeErr  error
	contributedFor int64
}

func (f *fakeModerator) OnEvent(_ context.Context, _ bot.Event) (bot.Decision, error) {
	return bot.Decision{}, nil
}

func (f *fakeModerator) Report(_ context.Context, _ int64, _ bot.Event, _ int64) (storage.ReportResult, error) {
	return f.reportRes, f.reportErr
}

func (f *fakeModerator) AddEntry(_ context.Context, _ int64, _ fingerprint.Content) (*storage.Entry, error) {
	if f.entry == nil {
		return nil, errors.New("no blacklistable content")
	}
	return f.entry, nil
}

func (f *fakeModerator) RemoveEntry(_ context.Context, _ int64, _ fingerprint.Kind, fp string) error {
	f.removed = append(f.removed, fp)
	return nil
}

func (f *fakeModerator) Unban(_ context.Context, _ int64, userID int64) error {
	f.unbanned = append(f.unbanned, userID)
	return nil
}

func (f *fakeModerator) Contribute(_ context.Context, operatorID int64, content fingerprint.Content) (*storage.Entry, int, error) {
	if f.contributeErr != nil {
		return nil, 0, f.contributeErr
	}
	f.contributed = append(f.contributed, content)
	f.contributedFor = operatorID
	return &storage.Entry{Scope: storage.GlobalScope, Kind: "text", Fingerprint: "h1"}, 2, nil
}

type fakeSharing struct {
	contribute, use bool
	stats           bot.GlobalStats
	contributeSet   []bool
	useSet          []bool
}

func (f *fakeSharing) SetGlobal(_ context.Context, _ int64, contribute, use *bool) error {
	if contribute != nil {
		f.contributeSet = append(f.contributeSet, *contribute)
	}
	if use != nil {
		f.useSet = append(f.useSet, *use)
	}
	return nil
}

func (f *fakeSharing) Status(_ context.Context, _ int64) (bool, bool, error) {
	return f.contribute, f.use, nil
}

func (f *fakeSharing) Stats(_ context.Context) (bot.GlobalStats, error) {
	return f.stats, nil
}

type fakeSettingsStore struct {
	logChannels map[int64]int64
}

func (f *fakeSettingsStore) SetLogChannel(_ context.Context, groupID, channelID int64) error {
	if f.logChannels == nil {
		f.logChannels = map[int64]int64{}
	}
	f.logChannels[groupID] = channelID
	return nil
}

func (f *fakeSettingsStore) Get(_ context.Context, groupID int64) (storage.GroupSettings, error) {
	return storage.GroupSettings{GroupID: groupID, GlobalUse: true}, nil
}

type fakeBlacklistView struct {
	entries []storage.Entry
	cleaned int64
}

func (f *fakeBlacklistView) List(_ context.Context, _ int64) (iter.Seq[storage.Entry], error) {
	return func(yield func(storage.Entry) bool) {
		for _, e := range f.entries {
			if !yield(e) {
				return
			}
		}
	}, nil
}

func (f *fakeBlacklistView) CleanupInvalid(_ context.Context) (int64, error) {
	return f.cleaned, nil
}

type adminFixture struct {
	tbAPI     *fakeTbAPI
	moderator *fakeModerator
	sharing   *fakeSharing
	settings  *fakeSettingsStore
	blacklist *fakeBlacklistView
	handler   *admin
}

func newAdminFixture() *adminFixture {
	f := &adminFixture{
		tbAPI:     newFakeTbAPI(),
		moderator: &fakeModerator{},
		sharing:   &fakeSharing{},
		settings:  &fakeSettingsStore{},
		blacklist: &fakeBlacklistView{},
	}
	f.handler = &admin{tbAPI: f.tbAPI, moderator: f.moderator, sharing: f.sharing,
		settings: f.settings, blacklist: f.blacklist}
	return f
}

func adminMsg(text string) *tbapi.Message {
	return &tbapi.Message{
		MessageID: 10,
		Chat:      tbapi.Chat{ID: 100},
		From:      &tbapi.User{ID: 1, UserName: "admin"},
		Text:      text,
	}
}

func TestAdmin_ReportSpam(t *testing.T) {
	t.Run("requires a reply", func(t *testing.T) {
		f := newAdminFixture()
		require.NoError(t, f.handler.handle(context.Background(), "spam", adminMsg("/spam")))
		assert.Contains(t, f.tbAPI.lastText(t), "reply to the message")
	})

	t.Run("below threshold reports count", func(t *testing.T) {
		f := newAdminFixture()
		f.moderator.reportRes = storage.ReportResult{Reporters: 2}
		msg := adminMsg("/spam")
		msg.ReplyToMessage = &tbapi.Message{MessageID: 5, Chat: tbapi.Chat{ID: 100},
			From: &tbapi.User{ID: 42}, Text: "spam text"}

		require.NoError(t, f.handler.handle(context.Background(), "spam", msg))
		assert.Contains(t, f.tbAPI.lastText(t), "2 distinct reporters")
	})

	t.Run("promotion announced", func(t *testing.T) {
		f := newAdminFixture()
		f.moderator.reportRes = storage.ReportResult{Reporters: 3,
			Promoted: &storage.Entry{Scope: 100, Kind: "text", Fingerprint: "h1"}}
		msg := adminMsg("/spam")
		msg.ReplyToMessage = &tbapi.Message{MessageID: 5, Chat: tbapi.Chat{ID: 100},
			From: &tbapi.User{ID: 42}, Text: "spam text"}

		require.NoError(t, f.handler.handle(context.Background(), "spam", msg))
		assert.Contains(t, f.tbAPI.lastText(t), "blacklisted")
	})

	t.Run("already blacklisted", func(t *testing.T) {
		f := newAdminFixture()
		f.moderator.reportRes = storage.ReportResult{AlreadyBlacklisted: true}
		msg := adminMsg("/spam")
		msg.ReplyToMessage = &tbapi.Message{MessageID: 5, Chat: tbapi.Chat{ID: 100},
			From: &tbapi.User{ID: 42}, Text: "spam text"}

		require.NoError(t, f.handler.handle(context.Background(), "spam", msg))
		assert.Contains(t, f.tbAPI.lastText(t), "already blacklisted")
	})
}

func TestAdmin_Blacklist(t *testing.T) {
	t.Run("reply adds entry", func(t *testing.T) {
		f := newAdminFixture()
		f.moderator.entry = &storage.Entry{Scope: 100, Kind: "link", Fingerprint: "https://spam.example.com"}
		msg := adminMsg("/blacklist")
		msg.ReplyToMessage = &tbapi.Message{MessageID: 5, Chat: tbapi.Chat{ID: 100},
			Text: "https://spam.example.com"}

		require.NoError(t, f.handler.handle(context.Background(), "blacklist", msg))
		assert.Contains(t, f.tbAPI.lastText(t), "https://spam.example.com")
	})

	t.Run("no reply lists entries", func(t *testing.T) {
		f := newAdminFixture()
		f.blacklist.entries = []storage.Entry{
			{Scope: 100, Kind: "text", Fingerprint: "h1"},
			{Scope: 100, Kind: "link", Fingerprint: "https://spam.example.com"},
		}
		require.NoError(t, f.handler.handle(context.Background(), "blacklist", adminMsg("/blacklist")))
		text := f.tbAPI.lastText(t)
		assert.Contains(t, text, "h1")
		assert.Contains(t, text, "https://spam.example.com")
	})

	t.Run("empty list reported", func(t *testing.T) {
		f := newAdminFixture()
		require.NoError(t, f.handler.handle(context.Background(), "blacklist", adminMsg("/blacklist")))
		assert.Contains(t, f.tbAPI.lastText(t), "empty")
	})
}

func TestAdmin_Unban(t *testing.T) {
	f := newAdminFixture()

	require.NoError(t, f.handler.handle(context.Background(), "unban", adminMsg("/unban 42")))
	assert.Equal(t, []int64{42}, f.moderator.unbanned)

	require.NoError(t, f.handler.handle(context.Background(), "unban", adminMsg("/unban")))
	assert.Contains(t, f.tbAPI.lastText(t), "usage")

	assert.Error(t, f.handler.handle(context.Background(), "unban", adminMsg("/unban abc")))
}

func TestAdmin_LogChannel(t *testing.T) {
	f := newAdminFixture()

	require.NoError(t, f.handler.handle(context.Background(), "logchannel", adminMsg("/logchannel -100500")))
	assert.Equal(t, int64(-100500), f.settings.logChannels[100])

	require.NoError(t, f.handler.handle(context.Background(), "logchannel", adminMsg("/logchannel clear")))
	assert.Zero(t, f.settings.logChannels[100])
}

func TestAdmin_Global(t *testing.T) {
	f := newAdminFixture()

	require.NoError(t, f.handler.handle(context.Background(), "global", adminMsg("/global contribute on")))
	assert.Equal(t, []bool{true}, f.sharing.contributeSet)
	assert.Empty(t, f.sharing.useSet)

	require.NoError(t, f.handler.handle(context.Background(), "global", adminMsg("/global use off")))
	assert.Equal(t, []bool{false}, f.sharing.useSet)

	require.NoError(t, f.handler.handle(context.Background(), "global", adminMsg("/global bogus on")))
	assert.Contains(t, f.tbAPI.lastText(t), "usage")
}

func TestAdmin_GlobalStatusAndStats(t *testing.T) {
	f := newAdminFixture()
	f.sharing.contribute = true
	f.sharing.use = false
	f.sharing.stats = bot.GlobalStats{Entries: 7, ContributingGroups: 2}

	require.NoError(t, f.handler.handle(context.Background(), "globalstatus", adminMsg("/globalstatus")))
	assert.Contains(t, f.tbAPI.lastText(t), "contribute on, use off")

	require.NoError(t, f.handler.handle(context.Background(), "globalstats", adminMsg("/globalstats")))
	assert.Contains(t, f.tbAPI.lastText(t), "7 entries")
}

func TestAdmin_AdminCall(t *testing.T) {
	t.Run("lists human admins", func(t *testing.T) {
		f := newAdminFixture()
		f.tbAPI.admins = []tbapi.ChatMember{
			{User: &tbapi.User{ID: 1, FirstName: "Alice", UserName: "alice_admin"}},
			{User: &tbapi.User{ID: 2, FirstName: "Bob", LastName: "Smith"}},
			{User: &tbapi.User{ID: 3, UserName: "mod_bot", IsBot: true}},
		}

		require.NoError(t, f.handler.adminCall(adminMsg("@admin help please")))
		text := f.tbAPI.lastText(t)
		assert.Contains(t, text, "Alice @alice_admin")
		assert.Contains(t, text, "Bob Smith")
		assert.NotContains(t, text, "mod_bot", "bots are not summoned")
	})

	t.Run("no admins", func(t *testing.T) {
		f := newAdminFixture()
		f.tbAPI.admins = []tbapi.ChatMember{{User: &tbapi.User{ID: 3, UserName: "mod_bot", IsBot: true}}}

		require.NoError(t, f.handler.adminCall(adminMsg("@admin")))
		assert.Contains(t, f.tbAPI.lastText(t), "no admins")
	})
}

func TestAdmin_CleanupAndHelp(t *testing.T) {
	f := newAdminFixture()
	f.blacklist.cleaned = 3

	require.NoError(t, f.handler.handle(context.Background(), "cleanup", adminMsg("/cleanup")))
	assert.Contains(t, f.tbAPI.lastText(t), "removed 3")

	require.NoError(t, f.handler.handle(context.Background(), "help", adminMsg("/help")))
	assert.Contains(t, f.tbAPI.lastText(t), "/spam")

	require.NoError(t, f.handler.handle(context.Background(), "unknowncmd", adminMsg("/unknowncmd")))
}
