package bot

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	cache "github.com/go-pkgz/expirable-cache/v3"
	"github.com/hashicorp/go-multierror"

	"github.com/HerbertGao/BanhammerBot/app/storage"
	"github.com/HerbertGao/BanhammerBot/lib/fingerprint"
	"github.com/HerbertGao/BanhammerBot/lib/rules"
)

// BlacklistStore is the blacklist access the moderator needs
type BlacklistStore interface {
	Insert(ctx context.Context, e storage.Entry) (created bool, err error)
	Remove(ctx context.Context, scope int64, kind fingerprint.Kind, fp string) error
	Lookup(ctx context.Context, group int64, scopes []int64, prints []fingerprint.Print) (*storage.Entry, error)
}

// Reporter is the report aggregation access the moderator needs
type Reporter interface {
	Report(ctx context.Context, group int64, kind fingerprint.Kind, fp string,
		reporterID int64, snapshot string, scopes []int64) (storage.ReportResult, error)
	Threshold() int
}

// ScopeResolver provides blacklist scope lists per group
type ScopeResolver interface {
	QueryScopes(ctx context.Context, group int64) ([]int64, error)
	ContributionScopes(ctx context.Context, group int64) ([]int64, error)
	ContributingGroups(ctx context.Context) ([]int64, error)
}

// SettingsReader provides per-group configuration
type SettingsReader interface {
	Get(ctx context.Context, groupID int64) (storage.GroupSettings, error)
}

// Recorder persists the audit log and ban records
type Recorder interface {
	Log(ctx context.Context, rec storage.ActionRecord) error
	AddBan(ctx context.Context, groupID, userID int64, reason string) error
	CloseBan(ctx context.Context, groupID, userID int64) error
}

// Checker runs rule-based spam detection
type Checker interface {
	Check(req rules.Request, th rules.Thresholds) (spam bool, cr []rules.Response)
}

// Actioner executes moderation actions on the platform
type Actioner interface {
	DeleteMessage(ctx context.Context, chatID int64, msgID int) error
	BanUser(ctx context.Context, chatID, userID int64) error
	UnbanUser(ctx context.Context, chatID, userID int64) error
	SendToLogChannel(ctx context.Context, channelID int64, text string) error
}

// defaults for the duplicate-delivery cache
const (
	defaultSeenTTL     = 15 * time.Minute
	defaultSeenMaxKeys = 10000
)

// ModeratorParams is all dependencies of the moderator
type ModeratorParams struct {
	Blacklist BlacklistStore
	Reports   Reporter
	Scopes    ScopeResolver
	Settings  SettingsReader
	Recorder  Recorder
	Detector  Checker
	Actioner  Actioner

	Thresholds  rules.Thresholds // base detection limits, group overrides win
	SeenTTL     time.Duration    // duplicate-delivery window, 0 for default
	SeenMaxKeys int              // duplicate-delivery cache size, 0 for default
	DryRun      bool             // evaluate but never delete or ban
}

// Moderator decides and executes what happens to each incoming message:
// admin skip, blacklist match, rule evaluation, delete-and-ban, audit log.
// Safe for concurrent use, each event is independent.
type Moderator struct {
	ModeratorParams
	seen cache.Cache[string, Decision]
}

// NewModerator creates the moderator with the given dependencies
func NewModerator(params ModeratorParams) *Moderator {
	if params.SeenTTL <= 0 {
		params.SeenTTL = defaultSeenTTL
	}
	if params.SeenMaxKeys <= 0 {
		params.SeenMaxKeys = defaultSeenMaxKeys
	}
	seen := cache.NewCache[string, Decision]().WithMaxKeys(params.SeenMaxKeys).WithTTL(params.SeenTTL)
	return &Moderator{ModeratorParams: params, seen: seen}
}

// OnEvent moderates one message delivery. Redelivery of an already-processed
// event returns the recorded decision and performs no second action. Blacklist
// lookup and rule evaluation run concurrently; a storage failure degrades the
// decision to rules-only instead of failing the event.
func (m *Moderator) OnEvent(ctx context.Context, ev Event) (Decision, error) {
	if ev.ID == "" || ev.GroupID == 0 {
		return Decision{}, fmt.Errorf("%w: event id and group id required", ErrValidation)
	}

	if prev, ok := m.seen.Get(ev.ID); ok {
		prev.Replayed = true
		return prev, nil
	}

	// group admins and owners are never moderated
	if ev.FromIsAdmin {
		decision := Decision{Verdict: VerdictClean}
		m.seen.Set(ev.ID, decision, 0)
		return decision, nil
	}

	settings, err := m.Settings.Get(ctx, ev.GroupID)
	if err != nil {
		log.Printf("[WARN] failed to get settings for group %d, defaults used: %v", ev.GroupID, err)
		settings = storage.GroupSettings{GroupID: ev.GroupID, GlobalUse: true}
	}

	matched, ruleReasons := m.evaluate(ctx, ev, settings)

	decision := Decision{Verdict: VerdictClean, Matched: matched, RuleReasons: ruleReasons}
	if matched != nil {
		decision.Verdict = VerdictBlacklisted
	} else if len(ruleReasons) > 0 {
		decision.Verdict = VerdictRules
	}

	// decision recorded before actions, a redelivery racing the ban never bans twice
	m.seen.Set(ev.ID, decision, 0)

	if !decision.Spam() {
		return decision, nil
	}

	log.Printf("[INFO] spam in group %d from %q: %s", ev.GroupID, DisplayName(ev.From), decision.Reason())
	if err := m.applyAction(ctx, ev, decision, settings.LogChannelID); err != nil {
		return decision, err
	}
	return decision, nil
}

// evaluate runs the blacklist lookup and the rule detector concurrently
func (m *Moderator) evaluate(ctx context.Context, ev Event, settings storage.GroupSettings) (*storage.Entry, []string) {
	var matched *storage.Entry
	var lookupErr error
	var spam bool
	var cr []rules.Response

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		prints := fingerprint.All(ev.Content)
		if len(prints) == 0 {
			return
		}
		scopes, err := m.Scopes.QueryScopes(ctx, ev.GroupID)
		if err != nil {
			lookupErr = err
			return
		}
		matched, lookupErr = m.Blacklist.Lookup(ctx, ev.GroupID, scopes, prints)
	}()

	go func() {
		defer wg.Done()
		req := rules.Request{
			Msg:      ev.Content.Text,
			UserID:   ev.From.ID,
			UserName: ev.From.Username,
			Links:    len(fingerprint.Links(ev.Content.Text)),
		}
		spam, cr = m.Detector.Check(req, settings.Thresholds().Merge(m.Thresholds))
	}()

	wg.Wait()

	if lookupErr != nil {
		// storage down is not a reason to let spam through, rules still apply
		log.Printf("[WARN] blacklist lookup degraded for group %d: %v", ev.GroupID, lookupErr)
		matched = nil
	}

	if !spam {
		return matched, nil
	}
	return matched, rules.Reasons(cr)
}

// applyAction deletes the message, bans the author and writes exactly one audit
// record. Logging failures never undo the action.
func (m *Moderator) applyAction(ctx context.Context, ev Event, decision Decision, logChannelID int64) error {
	if m.DryRun {
		log.Printf("[INFO] dry run, no action on message %d in group %d", ev.MessageID, ev.GroupID)
		return nil
	}

	var actionErrs *multierror.Error
	if err := m.Actioner.DeleteMessage(ctx, ev.GroupID, ev.MessageID); err != nil {
		actionErrs = multierror.Append(actionErrs, fmt.Errorf("delete message %d: %w", ev.MessageID, err))
	}
	if err := m.Actioner.BanUser(ctx, ev.GroupID, ev.From.ID); err != nil {
		actionErrs = multierror.Append(actionErrs, fmt.Errorf("ban user %d: %w", ev.From.ID, err))
	}

	content := ev.Content.Text
	if decision.Matched != nil {
		content = decision.Matched.Fingerprint
	}
	rec := storage.ActionRecord{
		GroupID: ev.GroupID,
		Action:  storage.ActionBan,
		UserID:  ev.From.ID,
		Content: content,
		Reason:  decision.Reason(),
	}
	if err := m.Recorder.Log(ctx, rec); err != nil {
		log.Printf("[WARN] failed to write audit record for group %d: %v", ev.GroupID, err)
	}
	if actionErrs.ErrorOrNil() == nil {
		if err := m.Recorder.AddBan(ctx, ev.GroupID, ev.From.ID, decision.Reason()); err != nil {
			log.Printf("[WARN] failed to write ban record for group %d: %v", ev.GroupID, err)
		}
	}

	if logChannelID != 0 {
		text := fmt.Sprintf("banned %s in group %d: %s", DisplayName(ev.From), ev.GroupID, decision.Reason())
		if err := m.Actioner.SendToLogChannel(ctx, logChannelID, text); err != nil {
			log.Printf("[WARN] failed to notify log channel %d: %v", logChannelID, err)
		}
	}

	if err := actionErrs.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %v", ErrActionRejected, err)
	}
	return nil
}

// Report registers an admin's spam report for the replied-to message, and on
// reaching the reporter threshold promotes the content, deletes the reported
// message and bans its author.
func (m *Moderator) Report(ctx context.Context, group int64, reported Event, reporterID int64) (storage.ReportResult, error) {
	kind, fp := fingerprint.Fingerprint(reported.Content)
	if err := kind.Validate(); err != nil {
		return storage.ReportResult{}, fmt.Errorf("%w: message has no reportable content", ErrValidation)
	}

	scopes, err := m.Scopes.ContributionScopes(ctx, group)
	if err != nil {
		return storage.ReportResult{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	res, err := m.Reports.Report(ctx, group, kind, fp, reporterID, reported.Content.Text, scopes)
	if err != nil {
		return storage.ReportResult{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	rec := storage.ActionRecord{
		GroupID: group,
		Action:  storage.ActionSpamReport,
		UserID:  reported.From.ID,
		Content: fp,
		Reason:  fmt.Sprintf("reported by admin %d, %d of %d", reporterID, res.Reporters, m.Reports.Threshold()),
	}
	if err := m.Recorder.Log(ctx, rec); err != nil {
		log.Printf("[WARN] failed to log report for group %d: %v", group, err)
	}

	if res.Promoted != nil {
		decision := Decision{Verdict: VerdictBlacklisted, Matched: res.Promoted}
		settings, err := m.Settings.Get(ctx, group)
		if err != nil {
			log.Printf("[WARN] failed to get settings for group %d: %v", group, err)
		}
		if err := m.applyAction(ctx, reported, decision, settings.LogChannelID); err != nil {
			return res, err
		}
	}
	return res, nil
}

// AddEntry puts the content straight on the blacklist, the single-admin path.
// Entries land in the group scope and, when the group contributes, the global pool.
func (m *Moderator) AddEntry(ctx context.Context, group int64, content fingerprint.Content) (*storage.Entry, error) {
	kind, fp := fingerprint.Fingerprint(content)
	if err := kind.Validate(); err != nil {
		return nil, fmt.Errorf("%w: message has no blacklistable content", ErrValidation)
	}

	scopes, err := m.Scopes.ContributionScopes(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	var groupEntry *storage.Entry
	for _, scope := range scopes {
		contributor := int64(0)
		if scope == storage.GlobalScope {
			contributor = group
		}
		e := storage.Entry{Scope: scope, Kind: kind.String(), Fingerprint: fp, ContributorGroup: contributor}
		if _, err := m.Blacklist.Insert(ctx, e); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		if scope == group {
			entry := e
			groupEntry = &entry
		}
	}
	return groupEntry, nil
}

// Contribute puts the content on the global blacklist and on the local
// blacklists of every contributing group, the operator path for content
// forwarded to the bot in a private chat. The global entry carries no
// contributor group, a group opting out of contribution never withdraws it.
// Returns the global entry and the number of group blacklists updated.
func (m *Moderator) Contribute(ctx context.Context, operatorID int64, content fingerprint.Content) (*storage.Entry, int, error) {
	kind, fp := fingerprint.Fingerprint(content)
	if err := kind.Validate(); err != nil {
		return nil, 0, fmt.Errorf("%w: message has no blacklistable content", ErrValidation)
	}

	globalEntry := storage.Entry{Scope: storage.GlobalScope, Kind: kind.String(), Fingerprint: fp}
	if _, err := m.Blacklist.Insert(ctx, globalEntry); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	groups, err := m.Scopes.ContributingGroups(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	added := 0
	for _, group := range groups {
		e := storage.Entry{Scope: group, Kind: kind.String(), Fingerprint: fp}
		created, err := m.Blacklist.Insert(ctx, e)
		if err != nil {
			log.Printf("[WARN] failed to add contributed entry to group %d: %v", group, err)
			continue
		}
		if created {
			added++
		}
	}

	rec := storage.ActionRecord{
		GroupID: storage.GlobalScope,
		Action:  storage.ActionContribution,
		UserID:  operatorID,
		Content: fp,
		Reason:  fmt.Sprintf("forwarded by operator %d, %d group blacklists updated", operatorID, added),
	}
	if err := m.Recorder.Log(ctx, rec); err != nil {
		log.Printf("[WARN] failed to log contribution by operator %d: %v", operatorID, err)
	}

	log.Printf("[INFO] operator %d contributed %s:%s to global pool and %d groups", operatorID, kind, fp, added)
	return &globalEntry, added, nil
}

// RemoveEntry deletes a blacklist entry from the group's scope
func (m *Moderator) RemoveEntry(ctx context.Context, group int64, kind fingerprint.Kind, fp string) error {
	if err := m.Blacklist.Remove(ctx, group, kind, fp); err != nil {
		return fmt.Errorf("failed to remove entry: %w", err)
	}
	return nil
}

// Unban lifts the platform ban and closes the ban record, the blacklist entry
// that caused the ban stays.
func (m *Moderator) Unban(ctx context.Context, group, userID int64) error {
	if err := m.Actioner.UnbanUser(ctx, group, userID); err != nil {
		return fmt.Errorf("%w: unban user %d: %v", ErrActionRejected, userID, err)
	}
	if err := m.Recorder.CloseBan(ctx, group, userID); err != nil {
		log.Printf("[WARN] failed to close ban record for user %d in group %d: %v", userID, group, err)
	}
	rec := storage.ActionRecord{GroupID: group, Action: storage.ActionUnban, UserID: userID, Reason: "manual unban"}
	if err := m.Recorder.Log(ctx, rec); err != nil {
		log.Printf("[WARN] failed to log unban for group %d: %v", group, err)
	}
	return nil
}
