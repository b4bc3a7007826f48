package events

import (
	"context"
	"fmt"
	"log"
	"time"

	tbapi "github.com/OvyFlash/telegram-bot-api"
	"github.com/go-pkgz/repeater"
)

// PermanentBanDuration makes the telegram ban permanent:
// restrictions longer than 366 days are treated as forever by the API.
var PermanentBanDuration = time.Hour * 24 * 400

// TelegramActioner executes moderation actions through the telegram API with
// bounded retries, the API drops requests under load often enough to matter.
type TelegramActioner struct {
	TbAPI       TbAPI
	BanDuration time.Duration // 0 means permanent
	Retries     int           // attempts per action, 0 for default
	RetryDelay  time.Duration // delay between attempts, 0 for default
}

func (a *TelegramActioner) retry(ctx context.Context, fun func() error) error {
	retries, delay := a.Retries, a.RetryDelay
	if retries <= 0 {
		retries = 3
	}
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	return repeater.NewDefault(retries, delay).Do(ctx, fun)
}

// DeleteMessage removes the message from the chat
func (a *TelegramActioner) DeleteMessage(ctx context.Context, chatID int64, msgID int) error {
	err := a.retry(ctx, func() error {
		resp, err := a.TbAPI.Request(tbapi.DeleteMessageConfig{
			BaseChatMessage: tbapi.BaseChatMessage{
				ChatConfig: tbapi.ChatConfig{ChatID: chatID},
				MessageID:  msgID,
			},
		})
		if err != nil {
			return err
		}
		if !resp.Ok {
			return fmt.Errorf("response is not Ok: %v", string(resp.Result))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete message %d in chat %d: %w", msgID, chatID, err)
	}
	log.Printf("[INFO] message %d deleted in chat %d", msgID, chatID)
	return nil
}

// BanUser bans the user in the chat for the configured duration.
// The bot must be an administrator with the appropriate rights.
func (a *TelegramActioner) BanUser(ctx context.Context, chatID, userID int64) error {
	duration := a.BanDuration
	if duration <= 0 {
		duration = PermanentBanDuration
	}
	// bans under 30 seconds are treated as permanent by the API, avoid the window
	if duration < 30*time.Second {
		duration = 1 * time.Minute
	}

	err := a.retry(ctx, func() error {
		resp, err := a.TbAPI.Request(tbapi.BanChatMemberConfig{
			ChatMemberConfig: tbapi.ChatMemberConfig{
				ChatConfig: tbapi.ChatConfig{ChatID: chatID},
				UserID:     userID,
			},
			UntilDate: time.Now().Add(duration).Unix(),
		})
		if err != nil {
			return err
		}
		if !resp.Ok {
			return fmt.Errorf("response is not Ok: %v", string(resp.Result))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to ban user %d in chat %d: %w", userID, chatID, err)
	}
	log.Printf("[INFO] user %d banned in chat %d for %v", userID, chatID, duration)
	return nil
}

// UnbanUser lifts the ban without kicking the user out if they rejoined already
func (a *TelegramActioner) UnbanUser(ctx context.Context, chatID, userID int64) error {
	err := a.retry(ctx, func() error {
		resp, err := a.TbAPI.Request(tbapi.UnbanChatMemberConfig{
			ChatMemberConfig: tbapi.ChatMemberConfig{
				ChatConfig: tbapi.ChatConfig{ChatID: chatID},
				UserID:     userID,
			},
			OnlyIfBanned: true,
		})
		if err != nil {
			return err
		}
		if !resp.Ok {
			return fmt.Errorf("response is not Ok: %v", string(resp.Result))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to unban user %d in chat %d: %w", userID, chatID, err)
	}
	log.Printf("[INFO] user %d unbanned in chat %d", userID, chatID)
	return nil
}

// SendToLogChannel posts the moderation notice to the group's log channel
func (a *TelegramActioner) SendToLogChannel(ctx context.Context, channelID int64, text string) error {
	err := a.retry(ctx, func() error {
		return send(tbapi.NewMessage(channelID, escapeMarkDownV1Text(text)), a.TbAPI)
	})
	if err != nil {
		return fmt.Errorf("failed to send to log channel %d: %w", channelID, err)
	}
	return nil
}
