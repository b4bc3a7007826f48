package events

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tbapi "github.com/OvyFlash/telegram-bot-api"

	"github.com/HerbertGao/BanhammerBot/app/bot"
)

// admin handles group admin commands
type admin struct {
	tbAPI     TbAPI
	moderator Moderator
	sharing   sharingCoordinator
	settings  SettingsStore
	blacklist BlacklistView
}

// sharingCoordinator is the subset of the sharing coordinator the handlers use
type sharingCoordinator interface {
	SetGlobal(ctx context.Context, group int64, contribute, use *bool) error
	Status(ctx context.Context, group int64) (contribute, use bool, err error)
	Stats(ctx context.Context) (bot.GlobalStats, error)
}

const helpText = `moderation commands (group admins only):
/spam - report the replied-to message as spam
/blacklist - blacklist the replied-to message, or list entries without a reply
/unban <user id> - lift the ban for the user
/logchannel <channel id> - set the moderation log channel, "clear" to unset
/global contribute on|off - share this group's entries with the global pool
/global use on|off - consult the global pool when matching
/globalstatus - show this group's global sharing flags
/globalstats - show global pool statistics
/cleanup - remove invalid blacklist entries
/help - this message

@admin or /admin - call the group admins, available to everyone`

// handle dispatches one admin command
func (a *admin) handle(ctx context.Context, cmd string, msg *tbapi.Message) error {
	switch cmd {
	case "spam":
		return a.reportSpam(ctx, msg)
	case "blacklist":
		return a.blacklistCmd(ctx, msg)
	case "unban":
		return a.unban(ctx, msg)
	case "logchannel":
		return a.logChannel(ctx, msg)
	case "global":
		return a.global(ctx, msg)
	case "globalstatus":
		return a.globalStatus(ctx, msg)
	case "globalstats":
		return a.globalStats(ctx, msg)
	case "cleanup":
		return a.cleanup(ctx, msg)
	case "help", "start":
		return a.reply(msg, helpText)
	}
	return nil // unknown commands belong to other bots
}

// adminCall answers the @admin summon with the list of human group admins,
// available to every group member, not only admins
func (a *admin) adminCall(msg *tbapi.Message) error {
	members, err := a.tbAPI.GetChatAdministrators(tbapi.ChatAdministratorsConfig{
		ChatConfig: tbapi.ChatConfig{ChatID: msg.Chat.ID},
	})
	if err != nil {
		return fmt.Errorf("failed to get admins for chat %d: %w", msg.Chat.ID, err)
	}

	names := []string{}
	for _, m := range members {
		if m.User == nil || m.User.IsBot {
			continue
		}
		name := strings.TrimSpace(m.User.FirstName + " " + m.User.LastName)
		if m.User.UserName != "" {
			name = strings.TrimSpace(name + " @" + m.User.UserName)
		}
		if name == "" {
			name = strconv.FormatInt(m.User.ID, 10)
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return a.reply(msg, "this group has no admins to call")
	}
	return a.reply(msg, "group admins:\n"+strings.Join(names, "\n"))
}

func (a *admin) reply(msg *tbapi.Message, text string) error {
	out := tbapi.NewMessage(msg.Chat.ID, text)
	out.ReplyParameters = tbapi.ReplyParameters{MessageID: msg.MessageID}
	return send(out, a.tbAPI)
}

// reportSpam handles /spam, a reply-based report counted per distinct admin
func (a *admin) reportSpam(ctx context.Context, msg *tbapi.Message) error {
	if msg.ReplyToMessage == nil {
		return a.reply(msg, "reply to the message you want to report")
	}

	reported := transform(0, msg.ReplyToMessage)
	res, err := a.moderator.Report(ctx, msg.Chat.ID, reported, msg.From.ID)
	if err != nil {
		return fmt.Errorf("failed to report message: %w", err)
	}

	switch {
	case res.Promoted != nil:
		return a.reply(msg, "content blacklisted, message removed and author banned")
	case res.AlreadyBlacklisted:
		return a.reply(msg, "this content is already blacklisted")
	default:
		return a.reply(msg, fmt.Sprintf("report recorded, %d distinct reporters so far", res.Reporters))
	}
}

// blacklistCmd handles /blacklist: with a reply adds the entry directly,
// without a reply lists the group's entries
func (a *admin) blacklistCmd(ctx context.Context, msg *tbapi.Message) error {
	if msg.ReplyToMessage != nil {
		reported := transform(0, msg.ReplyToMessage)
		entry, err := a.moderator.AddEntry(ctx, msg.Chat.ID, reported.Content)
		if err != nil {
			return fmt.Errorf("failed to add blacklist entry: %w", err)
		}
		return a.reply(msg, fmt.Sprintf("blacklisted %s:%s", entry.Kind, entry.Fingerprint))
	}

	entries, err := a.blacklist.List(ctx, msg.Chat.ID)
	if err != nil {
		return fmt.Errorf("failed to list blacklist: %w", err)
	}

	var sb strings.Builder
	count := 0
	for e := range entries {
		count++
		if count > 50 {
			sb.WriteString("... truncated\n")
			break
		}
		sb.WriteString(fmt.Sprintf("%s: %s\n", e.Kind, e.Fingerprint))
	}
	if count == 0 {
		return a.reply(msg, "blacklist is empty")
	}
	return a.reply(msg, sb.String())
}

// unban handles /unban <user id>
func (a *admin) unban(ctx context.Context, msg *tbapi.Message) error {
	args := strings.Fields(msg.Text)
	if len(args) < 2 {
		return a.reply(msg, "usage: /unban <user id>")
	}
	userID, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid user id %q: %w", args[1], err)
	}
	if err := a.moderator.Unban(ctx, msg.Chat.ID, userID); err != nil {
		return fmt.Errorf("failed to unban: %w", err)
	}
	return a.reply(msg, fmt.Sprintf("user %d unbanned", userID))
}

// logChannel handles /logchannel <channel id>|clear
func (a *admin) logChannel(ctx context.Context, msg *tbapi.Message) error {
	args := strings.Fields(msg.Text)
	if len(args) < 2 {
		return a.reply(msg, `usage: /logchannel <channel id> or /logchannel clear`)
	}

	var channelID int64
	if args[1] != "clear" {
		var err error
		if channelID, err = strconv.ParseInt(args[1], 10, 64); err != nil {
			return fmt.Errorf("invalid channel id %q: %w", args[1], err)
		}
	}
	if err := a.settings.SetLogChannel(ctx, msg.Chat.ID, channelID); err != nil {
		return fmt.Errorf("failed to set log channel: %w", err)
	}
	if channelID == 0 {
		return a.reply(msg, "log channel cleared")
	}
	return a.reply(msg, fmt.Sprintf("log channel set to %d", channelID))
}

// global handles /global contribute|use on|off
func (a *admin) global(ctx context.Context, msg *tbapi.Message) error {
	args := strings.Fields(msg.Text)
	if len(args) < 3 || (args[2] != "on" && args[2] != "off") {
		return a.reply(msg, "usage: /global contribute|use on|off")
	}
	value := args[2] == "on"

	var contribute, use *bool
	switch args[1] {
	case "contribute":
		contribute = &value
	case "use":
		use = &value
	default:
		return a.reply(msg, "usage: /global contribute|use on|off")
	}

	if err := a.sharing.SetGlobal(ctx, msg.Chat.ID, contribute, use); err != nil {
		return fmt.Errorf("failed to update global flags: %w", err)
	}
	return a.reply(msg, fmt.Sprintf("global %s set to %s", args[1], args[2]))
}

// globalStatus handles /globalstatus
func (a *admin) globalStatus(ctx context.Context, msg *tbapi.Message) error {
	contribute, use, err := a.sharing.Status(ctx, msg.Chat.ID)
	if err != nil {
		return fmt.Errorf("failed to get global status: %w", err)
	}
	onOff := func(v bool) string {
		if v {
			return "on"
		}
		return "off"
	}
	return a.reply(msg, fmt.Sprintf("global sharing: contribute %s, use %s", onOff(contribute), onOff(use)))
}

// globalStats handles /globalstats
func (a *admin) globalStats(ctx context.Context, msg *tbapi.Message) error {
	stats, err := a.sharing.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to get global stats: %w", err)
	}
	return a.reply(msg, fmt.Sprintf("global pool: %d entries, %d contributing groups",
		stats.Entries, stats.ContributingGroups))
}

// cleanup handles /cleanup, removing blacklist entries with blank fingerprints
func (a *admin) cleanup(ctx context.Context, msg *tbapi.Message) error {
	removed, err := a.blacklist.CleanupInvalid(ctx)
	if err != nil {
		return fmt.Errorf("failed to cleanup blacklist: %w", err)
	}
	return a.reply(msg, fmt.Sprintf("removed %d invalid entries", removed))
}
