package rules

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
	"unicode"

	"github.com/forPelevin/gomoji"

	"github.com/HerbertGao/BanhammerBot/lib/fingerprint"
)

// Detector evaluates a message against all rules, thread-safe.
// Every rule runs on every call so the result carries all triggered reasons,
// not only the first one - the audit log wants the full picture.
type Detector struct {
	bannedWords []string
	lock        sync.RWMutex
}

// NewDetector makes a new Detector with the given banned words list.
func NewDetector(bannedWords ...string) *Detector {
	d := &Detector{}
	d.setWords(bannedWords)
	return d
}

// Check evaluates the message against all rules with the given thresholds.
// Returns true if any rule triggered and the full list of rule responses.
func (d *Detector) Check(req Request, th Thresholds) (spam bool, cr []Response) {
	th = th.withDefaults()

	cr = append(cr, d.checkBannedWords(req.Msg))
	cr = append(cr, checkLinks(req, th.MaxLinks))
	cr = append(cr, checkCapsRatio(req.Msg, th.MaxCapsRatio, th.MinLetters))
	cr = append(cr, checkRepeatRun(req.Msg, th.MaxRepeatRun))
	cr = append(cr, checkMsgLen(req.Msg, th.MaxMsgLen))
	cr = append(cr, checkEmoji(req.Msg, th.MaxEmoji))

	for _, r := range cr {
		if r.Spam {
			return true, cr
		}
	}
	return false, cr
}

// ReloadWords replaces the banned words list from the reader, one word or phrase
// per line, empty lines and #-comments skipped.
func (d *Detector) ReloadWords(r io.Reader) (int, error) {
	words := []string{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		words = append(words, line)
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("failed to read words: %w", err)
	}
	d.setWords(words)
	return len(words), nil
}

func (d *Detector) setWords(words []string) {
	lowered := make([]string, 0, len(words))
	for _, w := range words {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			lowered = append(lowered, w)
		}
	}
	d.lock.Lock()
	d.bannedWords = lowered
	d.lock.Unlock()
}

// checkBannedWords flags the message if it contains any banned word or phrase,
// case-insensitive substring match
func (d *Detector) checkBannedWords(msg string) Response {
	d.lock.RLock()
	defer d.lock.RUnlock()

	msgLower := strings.ToLower(msg)
	found := []string{}
	for _, w := range d.bannedWords {
		if strings.Contains(msgLower, w) {
			found = append(found, w)
		}
	}
	if len(found) > 0 {
		return Response{Name: "banned words", Spam: true,
			Details: fmt.Sprintf("contains banned words: %s", strings.Join(found, ", "))}
	}
	return Response{Name: "banned words", Spam: false, Details: "no banned words"}
}

// checkLinks flags the message if the number of links exceeds the limit.
// Uses the transport-provided count when available, falls back to extracting
// links from the text with the same patterns the blacklist fingerprints with.
func checkLinks(req Request, limit int) Response {
	links := req.Links
	if links == 0 {
		links = len(fingerprint.Links(req.Msg))
	}
	if links > limit {
		return Response{Name: "links", Spam: true, Details: fmt.Sprintf("too many links %d/%d", links, limit)}
	}
	return Response{Name: "links", Spam: false, Details: fmt.Sprintf("links %d/%d", links, limit)}
}

// checkCapsRatio flags the message if the uppercase share of alphabetic characters
// exceeds the limit. Messages shorter than minLetters are skipped, a few caps
// in them are normal.
func checkCapsRatio(msg string, limit float64, minLetters int) Response {
	letters, caps := 0, 0
	for _, r := range msg {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				caps++
			}
		}
	}
	if letters < minLetters {
		return Response{Name: "caps ratio", Spam: false, Details: "too few letters to judge"}
	}
	ratio := float64(caps) / float64(letters)
	if ratio > limit {
		return Response{Name: "caps ratio", Spam: true,
			Details: fmt.Sprintf("excessive uppercase %.0f%%, limit %.0f%%", ratio*100, limit*100)}
	}
	return Response{Name: "caps ratio", Spam: false,
		Details: fmt.Sprintf("uppercase %.0f%%, limit %.0f%%", ratio*100, limit*100)}
}

// checkRepeatRun flags the message if any alphanumeric character repeats
// consecutively more than the limit
func checkRepeatRun(msg string, limit int) Response {
	var prev rune
	run := 0
	for _, r := range msg {
		if r == prev && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			run++
			if run > limit {
				return Response{Name: "repeated chars", Spam: true,
					Details: fmt.Sprintf("character %q repeated more than %d times", r, limit)}
			}
			continue
		}
		prev, run = r, 1
	}
	return Response{Name: "repeated chars", Spam: false, Details: fmt.Sprintf("no runs over %d", limit)}
}

// checkMsgLen flags the message if its rune length exceeds the limit
func checkMsgLen(msg string, limit int) Response {
	length := len([]rune(msg))
	if length > limit {
		return Response{Name: "message length", Spam: true,
			Details: fmt.Sprintf("message too long %d/%d", length, limit)}
	}
	return Response{Name: "message length", Spam: false, Details: fmt.Sprintf("length %d/%d", length, limit)}
}

// checkEmoji flags the message if it has more emojis than allowed
func checkEmoji(msg string, limit int) Response {
	count := len(gomoji.FindAll(msg))
	if count > limit {
		return Response{Name: "emoji", Spam: true, Details: fmt.Sprintf("too many emojis %d/%d", count, limit)}
	}
	return Response{Name: "emoji", Spam: false, Details: fmt.Sprintf("emojis %d/%d", count, limit)}
}
