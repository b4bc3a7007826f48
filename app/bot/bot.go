// Package bot implements the moderation core: the orchestrator deciding what
// happens to each incoming message and the coordinator of global blacklist
// sharing. The package is transport-agnostic, telegram specifics stay in events.
package bot

import (
	"fmt"
	"strings"
	"time"

	"github.com/HerbertGao/BanhammerBot/app/storage"
	"github.com/HerbertGao/BanhammerBot/lib/fingerprint"
)

// User defines the sender of a message
type User struct {
	ID          int64  `json:"id"`
	Username    string `json:"user_name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// Event is a single message delivery to moderate. ID is the transport's unique
// delivery identifier, redeliveries carry the same ID.
type Event struct {
	ID          string
	GroupID     int64
	MessageID   int
	From        User
	FromIsAdmin bool
	Content     fingerprint.Content
	Sent        time.Time
}

// Verdict is the outcome category of a moderation decision
type Verdict string

// moderation verdicts
const (
	VerdictClean       Verdict = "clean"
	VerdictBlacklisted Verdict = "blacklisted"
	VerdictRules       Verdict = "rules"
)

// Decision is the result of moderating one event
type Decision struct {
	Verdict     Verdict
	Matched     *storage.Entry // blacklist entry that matched, nil for rule-only verdicts
	RuleReasons []string       // triggered detector rule details
	Replayed    bool           // decision served from the duplicate-delivery cache
}

// Spam reports if the decision requires action on the message
func (d *Decision) Spam() bool { return d.Verdict != VerdictClean }

// Reason renders the human-readable explanation, matched entry first
func (d *Decision) Reason() string {
	parts := []string{}
	if d.Matched != nil {
		parts = append(parts, fmt.Sprintf("blacklisted: %s", d.Matched.String()))
	}
	parts = append(parts, d.RuleReasons...)
	if len(parts) == 0 {
		return "clean"
	}
	return strings.Join(parts, ", ")
}

// DisplayName returns the user's display name, username or id as a fallback
func DisplayName(u User) string {
	name := u.DisplayName
	if name == "" {
		name = u.Username
	}
	if name == "" {
		name = fmt.Sprintf("%d", u.ID)
	}
	return strings.TrimSpace(name)
}
