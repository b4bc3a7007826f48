package events

import (
	"context"
	"fmt"
	"iter"
	"log"
	"strings"
	"sync"
	"time"

	tbapi "github.com/OvyFlash/telegram-bot-api"
	cache "github.com/go-pkgz/expirable-cache/v3"

	"github.com/HerbertGao/BanhammerBot/app/bot"
	"github.com/HerbertGao/BanhammerBot/app/storage"
)

// adminCacheTTL bounds how long a stale admin list can shield a demoted admin
const adminCacheTTL = 5 * time.Minute

// SettingsStore is the settings access the listener needs
type SettingsStore interface {
	SetLogChannel(ctx context.Context, groupID, channelID int64) error
	Get(ctx context.Context, groupID int64) (storage.GroupSettings, error)
}

// BlacklistView is the read and maintenance access the command handlers need
type BlacklistView interface {
	List(ctx context.Context, scope int64) (iter.Seq[storage.Entry], error)
	CleanupInvalid(ctx context.Context) (int64, error)
}

// TelegramListener listens to tg updates, converts them to moderation events
// and forwards to the moderator. Admin commands are handled inline, regular
// messages each get their own goroutine. Not thread safe, Do is a single call.
type TelegramListener struct {
	TbAPI      TbAPI
	Moderator  Moderator
	Sharing    *bot.GlobalSharing
	Settings   SettingsStore
	Blacklist  BlacklistView
	SuperUsers SuperUsers

	adminHandler *admin
	admins       cache.Cache[int64, []int64] // chat id -> admin user ids
	wg           sync.WaitGroup
}

// Do processes all events, blocking call terminated by ctx cancellation
func (l *TelegramListener) Do(ctx context.Context) error {
	log.Printf("[INFO] start telegram listener")

	l.admins = cache.NewCache[int64, []int64]().WithMaxKeys(1000).WithTTL(adminCacheTTL)
	l.adminHandler = &admin{
		tbAPI:     l.TbAPI,
		moderator: l.Moderator,
		sharing:   l.Sharing,
		settings:  l.Settings,
		blacklist: l.Blacklist,
	}

	u := tbapi.NewUpdate(0)
	u.Timeout = 60

	updates := l.TbAPI.GetUpdatesChan(u)

	defer l.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("telegram update chan closed")
			}
			if update.Message == nil || update.Message.From == nil {
				continue
			}
			if update.Message.Chat.ID == 0 {
				log.Print("[DEBUG] ignoring message not from chat")
				continue
			}
			l.procUpdate(ctx, update)
		}
	}
}

// procUpdate routes one update: private messages to the forward handler, admin
// commands synchronously, everything else to a moderation goroutine
func (l *TelegramListener) procUpdate(ctx context.Context, update tbapi.Update) {
	msg := update.Message

	if msg.Chat.Type == "private" {
		l.procPrivate(ctx, msg)
		return
	}

	fromAdmin := l.isAdmin(msg.Chat.ID, msg.From.ID, msg.From.UserName)

	cmd := command(msg)
	if cmd == "admin" || strings.Contains(strings.ToLower(msg.Text), "@admin") {
		// any group member can summon the admins, via the command or a mention
		if err := l.adminHandler.adminCall(msg); err != nil {
			log.Printf("[WARN] failed to handle admin call: %v", err)
		}
		if cmd != "" {
			return
		}
		// a plain message mentioning @admin is still moderated below
	}

	if cmd != "" {
		if !fromAdmin {
			log.Printf("[DEBUG] command %q from non-admin %q ignored", cmd, msg.From.UserName)
			return
		}
		if err := l.adminHandler.handle(ctx, cmd, msg); err != nil {
			log.Printf("[WARN] failed to process command %q: %v", cmd, err)
			errMsg := tbapi.NewMessage(msg.Chat.ID, "error: "+err.Error())
			if sendErr := send(errMsg, l.TbAPI); sendErr != nil {
				log.Printf("[WARN] failed to send error reply: %v", sendErr)
			}
		}
		return
	}

	ev := transform(update.UpdateID, msg)
	ev.FromIsAdmin = fromAdmin

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if _, err := l.Moderator.OnEvent(ctx, ev); err != nil {
			log.Printf("[WARN] failed to moderate message %d in chat %d: %v", ev.MessageID, ev.GroupID, err)
		}
	}()
}

// procPrivate handles a message sent to the bot directly: a superuser forwards
// a spam message and its content lands on the global blacklist and on every
// contributing group's blacklist
func (l *TelegramListener) procPrivate(ctx context.Context, msg *tbapi.Message) {
	replyTo := func(text string) {
		out := tbapi.NewMessage(msg.Chat.ID, text)
		if err := send(out, l.TbAPI); err != nil {
			log.Printf("[WARN] failed to reply in private chat %d: %v", msg.Chat.ID, err)
		}
	}

	if msg.ForwardOrigin == nil {
		replyTo("forward me the spam message you want blacklisted everywhere")
		return
	}
	if !l.SuperUsers.IsSuper(msg.From.UserName, msg.From.ID) {
		log.Printf("[WARN] private forward from non-superuser %q (%d) rejected", msg.From.UserName, msg.From.ID)
		replyTo("only bot operators can blacklist forwarded messages")
		return
	}

	ev := transform(0, msg)
	entry, groups, err := l.Moderator.Contribute(ctx, msg.From.ID, ev.Content)
	if err != nil {
		log.Printf("[WARN] failed to blacklist forwarded content: %v", err)
		replyTo("error: " + err.Error())
		return
	}
	replyTo(fmt.Sprintf("blacklisted %s:%s globally, %d group blacklists updated",
		entry.Kind, entry.Fingerprint, groups))
}

// isAdmin checks group admin status with a short-lived cache over
// GetChatAdministrators, superusers are admins everywhere
func (l *TelegramListener) isAdmin(chatID, userID int64, userName string) bool {
	if l.SuperUsers.IsSuper(userName, userID) {
		return true
	}

	ids, ok := l.admins.Get(chatID)
	if !ok {
		members, err := l.TbAPI.GetChatAdministrators(tbapi.ChatAdministratorsConfig{
			ChatConfig: tbapi.ChatConfig{ChatID: chatID},
		})
		if err != nil {
			log.Printf("[WARN] failed to get admins for chat %d: %v", chatID, err)
			return false
		}
		ids = make([]int64, 0, len(members))
		for _, m := range members {
			if m.User != nil {
				ids = append(ids, m.User.ID)
			}
		}
		l.admins.Set(chatID, ids, 0)
	}

	for _, id := range ids {
		if id == userID {
			return true
		}
	}
	return false
}

// command extracts the leading bot command of the message, empty if none
func command(msg *tbapi.Message) string {
	if !strings.HasPrefix(msg.Text, "/") {
		return ""
	}
	cmd := strings.Fields(msg.Text)[0]
	cmd = strings.TrimPrefix(cmd, "/")
	if i := strings.Index(cmd, "@"); i >= 0 { // /cmd@botname form
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd)
}
