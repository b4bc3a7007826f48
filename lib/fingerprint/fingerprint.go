// Package fingerprint normalizes message content into canonical, comparable keys.
// All functions are pure and deterministic, no I/O involved. The keys are what the
// blacklist stores and matches on, so any cosmetic variance (tracking params, case,
// extra whitespace) has to be removed here and nowhere else.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/purell"
)

var errUnsupportedKind = errors.New("unsupported content kind")

// Kind is a content kind the blacklist distinguishes between.
type Kind string

// enum of supported content kinds
const (
	Link        Kind = "link"
	StickerSet  Kind = "sticker"
	Animation   Kind = "gif"
	InlineBot   Kind = "bot"
	Text        Kind = "text"
	Unsupported Kind = ""
)

// String implements Stringer interface
func (k Kind) String() string { return string(k) }

// Validate checks if the kind is one of the supported values
func (k Kind) Validate() error {
	switch k {
	case Link, StickerSet, Animation, InlineBot, Text:
		return nil
	}
	return errUnsupportedKind
}

// Content is the platform-independent view of a single message, the input to fingerprinting.
// Identifier fields are the platform-provided stable ids and used as-is.
type Content struct {
	Text        string // message text or caption
	StickerID   string // sticker file_unique_id
	AnimationID string // animation file_id
	ViaBotName  string // username of the inline bot the message was sent via
}

// Print is a single (kind, key) pair derived from content.
type Print struct {
	Kind Kind
	Key  string
}

// Fingerprint returns the primary (kind, key) of the content, the one used when an
// admin reports the message. Inline-bot attribution wins over the carried media
// because banning the bot kills the whole vector, then media ids, then link-only
// messages, then plain text. Returns Unsupported for empty content, including text
// that normalizes to nothing (punctuation-only messages have no stable key).
func Fingerprint(c Content) (Kind, string) {
	switch {
	case c.ViaBotName != "":
		return InlineBot, strings.ToLower(strings.TrimPrefix(c.ViaBotName, "@"))
	case c.StickerID != "":
		return StickerSet, c.StickerID
	case c.AnimationID != "":
		return Animation, c.AnimationID
	case isOnlyLink(c.Text):
		return Link, NormalizeLink(strings.TrimSpace(c.Text))
	}
	if h := TextHash(c.Text); h != "" {
		return Text, h
	}
	return Unsupported, ""
}

// All returns every matchable print of the content. Unlike Fingerprint it does not
// pick a single winner: a text message with an embedded link produces both a Link
// and a Text print, so a blacklisted link is caught even when wrapped in prose.
func All(c Content) []Print {
	res := []Print{}
	if c.ViaBotName != "" {
		res = append(res, Print{Kind: InlineBot, Key: strings.ToLower(strings.TrimPrefix(c.ViaBotName, "@"))})
	}
	if c.StickerID != "" {
		res = append(res, Print{Kind: StickerSet, Key: c.StickerID})
	}
	if c.AnimationID != "" {
		res = append(res, Print{Kind: Animation, Key: c.AnimationID})
	}
	for _, link := range Links(c.Text) {
		res = append(res, Print{Kind: Link, Key: NormalizeLink(link)})
	}
	if h := TextHash(c.Text); h != "" && !isOnlyLink(c.Text) {
		res = append(res, Print{Kind: Text, Key: h})
	}
	return res
}

// trackingParams are query parameters stripped from links before matching,
// they carry no routing information and are the cheapest blacklist bypass otherwise.
var trackingParams = []string{
	"fbclid", "gclid", "igshid", "mc_eid", "mkt_tok", "msclkid", "ref", "si",
	"utm_campaign", "utm_content", "utm_id", "utm_medium", "utm_source", "utm_term",
}

// NormalizeLink canonicalizes a URL for matching: lowercased scheme/host, sorted query,
// no fragment, no duplicate slashes, no www prefix, tracking parameters removed.
// The result may not be directly usable as a URL, it only has to be stable.
func NormalizeLink(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	// telegram-specific short forms, keep them comparable without inventing a scheme
	if strings.HasPrefix(raw, "@") {
		return strings.ToLower(raw)
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	flags := purell.FlagsUsuallySafeGreedy | purell.FlagRemoveFragment |
		purell.FlagRemoveDuplicateSlashes | purell.FlagRemoveWWW | purell.FlagSortQuery
	clean, err := purell.NormalizeURLString(raw, flags)
	if err != nil {
		return strings.ToLower(raw)
	}

	u, err := url.Parse(clean)
	if err != nil {
		return clean
	}
	u.Scheme = "https" // http/https variants of the same target match the same entry
	u.Host = strings.ToLower(u.Host)
	if u.RawQuery != "" {
		params := u.Query()
		for _, p := range trackingParams {
			params.Del(p)
		}
		u.RawQuery = params.Encode()
	}
	return strings.TrimSuffix(u.String(), "/")
}

// NormalizeText prepares free text for hashing: collapse whitespace, lowercase,
// strip leading/trailing punctuation. Matching is exact-after-normalization, not fuzzy.
func NormalizeText(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	s = strings.ToLower(s)
	s = strings.Trim(s, ".,!?;:\"'`~()[]{}<>|-_*#+= \t\n")
	return s
}

// TextHash returns the fixed-width key for a text message, sha256 over normalized text.
func TextHash(s string) string {
	norm := NormalizeText(s)
	if norm == "" {
		return ""
	}
	h := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(h[:])
}

var (
	linkRe     = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|t\.me/\S+)`)
	onlyLinkRe = regexp.MustCompile(`(?i)^(https?://\S+|www\.\S+|t\.me/\S+|@[a-zA-Z0-9_]+)$`)
)

// Links returns all link-looking substrings of the text
func Links(text string) []string {
	return linkRe.FindAllString(text, -1)
}

// isOnlyLink reports if the whole message is a single link and nothing else
func isOnlyLink(text string) bool {
	return onlyLinkRe.MatchString(strings.TrimSpace(text))
}
