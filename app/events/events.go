// Package events provides the telegram transport: the update listener, admin
// command handlers and the actioner executing deletes and bans. It converts
// telegram updates to moderation events and forwards them to the moderation core.
package events

import (
	"context"
	"fmt"
	"log"
	"strings"

	tbapi "github.com/OvyFlash/telegram-bot-api"

	"github.com/HerbertGao/BanhammerBot/app/bot"
	"github.com/HerbertGao/BanhammerBot/app/storage"
	"github.com/HerbertGao/BanhammerBot/lib/fingerprint"
)

// TbAPI is an interface for telegram bot API, only subset of methods used
type TbAPI interface {
	GetUpdatesChan(config tbapi.UpdateConfig) tbapi.UpdatesChannel
	Send(c tbapi.Chattable) (tbapi.Message, error)
	Request(c tbapi.Chattable) (*tbapi.APIResponse, error)
	GetChat(config tbapi.ChatInfoConfig) (tbapi.ChatFullInfo, error)
	GetChatAdministrators(config tbapi.ChatAdministratorsConfig) ([]tbapi.ChatMember, error)
}

// Moderator is the moderation core as seen by the transport
type Moderator interface {
	OnEvent(ctx context.Context, ev bot.Event) (bot.Decision, error)
	Report(ctx context.Context, group int64, reported bot.Event, reporterID int64) (storage.ReportResult, error)
	AddEntry(ctx context.Context, group int64, content fingerprint.Content) (*storage.Entry, error)
	RemoveEntry(ctx context.Context, group int64, kind fingerprint.Kind, fp string) error
	Unban(ctx context.Context, group, userID int64) error
	Contribute(ctx context.Context, operatorID int64, content fingerprint.Content) (*storage.Entry, int, error)
}

func escapeMarkDownV1Text(text string) string {
	escSymbols := []string{"_", "*", "`", "["}
	for _, esc := range escSymbols {
		text = strings.ReplaceAll(text, esc, "\\"+esc)
	}
	return text
}

// send a message to the telegram as markdown first and if failed - as plain text
func send(tbMsg tbapi.Chattable, tbAPI TbAPI) error {
	withParseMode := func(tbMsg tbapi.Chattable, parseMode string) tbapi.Chattable {
		switch msg := tbMsg.(type) {
		case tbapi.MessageConfig:
			msg.ParseMode = parseMode
			msg.LinkPreviewOptions = tbapi.LinkPreviewOptions{IsDisabled: true}
			return msg
		case tbapi.EditMessageTextConfig:
			msg.ParseMode = parseMode
			msg.LinkPreviewOptions = tbapi.LinkPreviewOptions{IsDisabled: true}
			return msg
		}
		return tbMsg // don't touch other types
	}

	msg := withParseMode(tbMsg, tbapi.ModeMarkdown) // try markdown first
	if _, err := tbAPI.Send(msg); err != nil {
		log.Printf("[WARN] failed to send message as markdown, %v", err)
		msg = withParseMode(tbMsg, "") // try plain text
		if _, err := tbAPI.Send(msg); err != nil {
			return fmt.Errorf("can't send message to telegram: %w", err)
		}
	}
	return nil
}

// transform converts a telegram message to a moderation event. The event id is
// built from the update id, a redelivered update produces the same event.
func transform(updateID int, msg *tbapi.Message) bot.Event {
	ev := bot.Event{
		ID:        fmt.Sprintf("%d:%d:%d", updateID, msg.Chat.ID, msg.MessageID),
		GroupID:   msg.Chat.ID,
		MessageID: msg.MessageID,
		Sent:      msg.Time(),
	}

	if msg.From != nil {
		ev.From = bot.User{ID: msg.From.ID, Username: msg.From.UserName}
		name := strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
		if name != "" {
			ev.From.DisplayName = name
		}
	}

	ev.Content.Text = msg.Text
	if msg.Caption != "" {
		if ev.Content.Text == "" {
			ev.Content.Text = msg.Caption
		} else {
			ev.Content.Text += "\n" + msg.Caption
		}
	}
	if msg.Sticker != nil {
		// the set survives file re-uploads, individual file ids don't
		ev.Content.StickerID = msg.Sticker.FileUniqueID
		if msg.Sticker.SetName != "" {
			ev.Content.StickerID = msg.Sticker.SetName
		}
	}
	if msg.Animation != nil {
		ev.Content.AnimationID = msg.Animation.FileUniqueID
	}
	if msg.ViaBot != nil {
		ev.Content.ViaBotName = msg.ViaBot.UserName
	}
	return ev
}
