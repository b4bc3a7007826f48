package webapi

import (
	"context"
	"errors"
	"io"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HerbertGao/BanhammerBot/app/bot"
	"github.com/HerbertGao/BanhammerBot/app/storage"
	"github.com/HerbertGao/BanhammerBot/lib/fingerprint"
	"github.com/HerbertGao/BanhammerBot/lib/rules"
)

type fakeModerator struct {
	unbanned  []int64
	removed   []string
	unbanErr  error
	removeErr error
}

func (f *fakeModerator) Unban(_ context.Context, _ int64, userID int64) error {
	if f.unbanErr != nil {
		return f.unbanErr
	}
	f.unbanned = append(f.unbanned, userID)
	return nil
}

func (f *fakeModerator) RemoveEntry(_ context.Context, _ int64, _ fingerprint.Kind, fp string) error {
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removed = append(f.removed, fp)
	return nil
}

type fakeBlacklist struct {
	entries []storage.Entry
	err     error
}

func (f *fakeBlacklist) List(_ context.Context, _ int64) (iter.Seq[storage.Entry], error) {
	if f.err != nil {
		return nil, f.err
	}
	return func(yield func(storage.Entry) bool) {
		for _, e := range f.entries {
			if !yield(e) {
				return
			}
		}
	}, nil
}

type fakeSharing struct {
	stats bot.GlobalStats
}

func (f *fakeSharing) Stats(context.Context) (bot.GlobalStats, error) { return f.stats, nil }

type fakeDetector struct {
	spam bool
	req  rules.Request
}

func (f *fakeDetector) Check(req rules.Request, _ rules.Thresholds) (bool, []rules.Response) {
	f.req = req
	return f.spam, []rules.Response{{Name: "banned words", Spam: f.spam, Details: "checked"}}
}

func testServer() (*Server, *fakeModerator, *fakeBlacklist, *fakeDetector) {
	moderator := &fakeModerator{}
	blacklist := &fakeBlacklist{}
	detector := &fakeDetector{}
	srv := NewServer(Config{
		Version:   "test",
		Moderator: moderator,
		Blacklist: blacklist,
		Sharing:   &fakeSharing{stats: bot.GlobalStats{Entries: 7, ContributingGroups: 2, Groups: []int64{100, 300}}},
		Detector:  detector,
	})
	return srv, moderator, blacklist, detector
}

func TestServer_ListBlacklist(t *testing.T) {
	srv, _, blacklist, _ := testServer()
	blacklist.entries = []storage.Entry{
		{Scope: 100, Kind: "text", Fingerprint: "h1"},
		{Scope: 100, Kind: "link", Fingerprint: "https://spam.example.com"},
	}

	w := httptest.NewRecorder()
	srv.listBlacklistHandler(w, httptest.NewRequest(http.MethodGet, "/blacklist?group=100", http.NoBody))

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `"count":2`)
	assert.Contains(t, body, "https://spam.example.com")
}

func TestServer_ListBlacklist_BadGroup(t *testing.T) {
	srv, _, _, _ := testServer()

	w := httptest.NewRecorder()
	srv.listBlacklistHandler(w, httptest.NewRequest(http.MethodGet, "/blacklist?group=abc", http.NoBody))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	srv.listBlacklistHandler(w, httptest.NewRequest(http.MethodGet, "/blacklist", http.NoBody))
	assert.Equal(t, http.StatusBadRequest, w.Code, "group param required")
}

func TestServer_ListBlacklist_StoreError(t *testing.T) {
	srv, _, blacklist, _ := testServer()
	blacklist.err = errors.New("db down")

	w := httptest.NewRecorder()
	srv.listBlacklistHandler(w, httptest.NewRequest(http.MethodGet, "/blacklist?group=100", http.NoBody))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestServer_DeleteEntry(t *testing.T) {
	srv, moderator, _, _ := testServer()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/blacklist/delete",
		strings.NewReader(`{"group":100,"kind":"text","fingerprint":"h1"}`))
	srv.deleteEntryHandler(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"h1"}, moderator.removed)
	assert.Contains(t, w.Body.String(), `"deleted":true`)
}

func TestServer_DeleteEntry_Errors(t *testing.T) {
	srv, moderator, _, _ := testServer()

	w := httptest.NewRecorder()
	srv.deleteEntryHandler(w, httptest.NewRequest(http.MethodPost, "/blacklist/delete", strings.NewReader("not json")))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	moderator.removeErr = errors.New("no such entry")
	w = httptest.NewRecorder()
	srv.deleteEntryHandler(w, httptest.NewRequest(http.MethodPost, "/blacklist/delete",
		strings.NewReader(`{"group":100,"kind":"text","fingerprint":"nope"}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_GlobalStats(t *testing.T) {
	srv, _, _, _ := testServer()

	w := httptest.NewRecorder()
	srv.globalStatsHandler(w, httptest.NewRequest(http.MethodGet, "/global/stats", http.NoBody))

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `"entries":7`)
	assert.Contains(t, body, `"contributing_groups":2`)
}

func TestServer_Unban(t *testing.T) {
	srv, moderator, _, _ := testServer()

	w := httptest.NewRecorder()
	srv.unbanHandler(w, httptest.NewRequest(http.MethodPost, "/unban",
		strings.NewReader(`{"group":100,"user_id":42}`)))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []int64{42}, moderator.unbanned)

	moderator.unbanErr = errors.New("tg refused")
	w = httptest.NewRecorder()
	srv.unbanHandler(w, httptest.NewRequest(http.MethodPost, "/unban",
		strings.NewReader(`{"group":100,"user_id":42}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_Check(t *testing.T) {
	srv, _, _, detector := testServer()
	detector.spam = true

	w := httptest.NewRecorder()
	srv.checkHandler(w, httptest.NewRequest(http.MethodPost, "/check",
		strings.NewReader(`{"msg":"buy now https://spam.example.com","user_id":42,"user_name":"spammer"}`)))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"spam":true`)
	assert.Equal(t, "buy now https://spam.example.com", detector.req.Msg)
	assert.Equal(t, int64(42), detector.req.UserID)
	assert.Equal(t, 1, detector.req.Links, "links counted from message text")
}

func TestServer_Run(t *testing.T) {
	srv, _, _, _ := testServer()
	srv.ListenAddr = "127.0.0.1:18923"
	srv.Version = "1.0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	var resp *http.Response
	require.Eventually(t, func() bool {
		var err error
		resp, err = http.Get("http://127.0.0.1:18923/ping")
		return err == nil
	}, 2*time.Second, 20*time.Millisecond, "server did not start")
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(body))
	assert.Equal(t, "1.0", resp.Header.Get("App-Version"))

	cancel()
	require.NoError(t, <-done)
}
