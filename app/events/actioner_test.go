package events

import (
	"context"
	"testing"
	"time"

	tbapi "github.com/OvyFlash/telegram-bot-api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTelegramActioner_DeleteMessage(t *testing.T) {
	api := newFakeTbAPI()
	a := &TelegramActioner{TbAPI: api, Retries: 1, RetryDelay: time.Millisecond}

	require.NoError(t, a.DeleteMessage(context.Background(), 100, 7))
	require.Len(t, api.requests, 1)

	del, ok := api.requests[0].(tbapi.DeleteMessageConfig)
	require.True(t, ok)
	assert.Equal(t, int64(100), del.ChatConfig.ChatID)
	assert.Equal(t, 7, del.MessageID)
}

func TestTelegramActioner_BanUser(t *testing.T) {
	api := newFakeTbAPI()
	a := &TelegramActioner{TbAPI: api, BanDuration: time.Hour, Retries: 1, RetryDelay: time.Millisecond}

	require.NoError(t, a.BanUser(context.Background(), 100, 42))
	require.Len(t, api.requests, 1)

	ban, ok := api.requests[0].(tbapi.BanChatMemberConfig)
	require.True(t, ok)
	assert.Equal(t, int64(100), ban.ChatConfig.ChatID)
	assert.Equal(t, int64(42), ban.UserID)
	assert.InDelta(t, time.Now().Add(time.Hour).Unix(), ban.UntilDate, 5)
}

func TestTelegramActioner_BanUser_PermanentByDefault(t *testing.T) {
	api := newFakeTbAPI()
	a := &TelegramActioner{TbAPI: api, Retries: 1, RetryDelay: time.Millisecond}

	require.NoError(t, a.BanUser(context.Background(), 100, 42))
	ban := api.requests[0].(tbapi.BanChatMemberConfig)
	assert.InDelta(t, time.Now().Add(PermanentBanDuration).Unix(), ban.UntilDate, 5)
}

func TestTelegramActioner_UnbanUser(t *testing.T) {
	api := newFakeTbAPI()
	a := &TelegramActioner{TbAPI: api, Retries: 1, RetryDelay: time.Millisecond}

	require.NoError(t, a.UnbanUser(context.Background(), 100, 42))
	unban, ok := api.requests[0].(tbapi.UnbanChatMemberConfig)
	require.True(t, ok)
	assert.True(t, unban.OnlyIfBanned)
}

func TestTelegramActioner_RetriesOnFailure(t *testing.T) {
	api := newFakeTbAPI()
	api.reqOk = false // API keeps refusing
	a := &TelegramActioner{TbAPI: api, Retries: 3, RetryDelay: time.Millisecond}

	err := a.DeleteMessage(context.Background(), 100, 7)
	assert.Error(t, err)
	assert.Len(t, api.requests, 3, "all attempts exhausted")
}

func TestTelegramActioner_SendToLogChannel(t *testing.T) {
	api := newFakeTbAPI()
	a := &TelegramActioner{TbAPI: api, Retries: 1, RetryDelay: time.Millisecond}

	require.NoError(t, a.SendToLogChannel(context.Background(), -100500, "banned user 42"))
	require.NotEmpty(t, api.sent)
	msg, ok := api.sent[0].(tbapi.MessageConfig)
	require.True(t, ok)
	assert.Equal(t, "banned user 42", msg.Text)
}
