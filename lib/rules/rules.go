// Package rules implements the deterministic, per-group configurable spam checks.
// The detector is a pure function of the message features and thresholds: it never
// touches storage and never mutates shared state, except for the banned-words list
// which can be reloaded from a file at runtime.
package rules

import (
	"fmt"
	"strings"
)

// Request is a message to evaluate.
type Request struct {
	Msg      string `json:"msg"`       // message text to check
	UserID   int64  `json:"user_id"`   // sender id, informational only
	UserName string `json:"user_name"` // sender name, informational only
	Links    int    `json:"links"`     // link count provided by the transport, 0 to count from text
}

// Response is a result of a single rule evaluation.
type Response struct {
	Name    string `json:"name"`    // name of the rule
	Spam    bool   `json:"spam"`    // true if the rule triggered
	Details string `json:"details"` // details of the evaluation
}

func (r *Response) String() string {
	spamOrHam := "ham"
	if r.Spam {
		spamOrHam = "spam"
	}
	return fmt.Sprintf("%s: %s, %s", r.Name, spamOrHam, r.Details)
}

// ResponsesToString converts a slice of rule responses to a loggable string
func ResponsesToString(responses []Response) string {
	elems := []string{}
	for _, r := range responses {
		elems = append(elems, "{"+r.String()+"}")
	}
	return "[" + strings.Join(elems, ", ") + "]"
}

// Reasons returns details of triggered rules only, in evaluation order.
func Reasons(responses []Response) []string {
	res := []string{}
	for _, r := range responses {
		if r.Spam {
			res = append(res, r.Name+": "+r.Details)
		}
	}
	return res
}

// Thresholds is a set of per-group detection limits. Zero value of any field means
// "use the system default for it", which keeps stored per-group overrides sparse.
type Thresholds struct {
	MaxLinks     int     `json:"max_links,omitempty"`      // max links in a single message
	MaxCapsRatio float64 `json:"max_caps_ratio,omitempty"` // max ratio of uppercase to all letters
	MaxRepeatRun int     `json:"max_repeat_run,omitempty"` // max run of the same character
	MaxMsgLen    int     `json:"max_msg_len,omitempty"`    // max message length in runes
	MaxEmoji     int     `json:"max_emoji,omitempty"`      // max emoji count in a message
	MinLetters   int     `json:"min_letters,omitempty"`    // min letters for the caps-ratio rule to apply
}

// Default returns the system-wide thresholds used when a group has no overrides.
func Default() Thresholds {
	return Thresholds{
		MaxLinks:     3,
		MaxCapsRatio: 0.7,
		MaxRepeatRun: 5,
		MaxMsgLen:    3500,
		MaxEmoji:     10,
		MinLetters:   10,
	}
}

// Merge fills zero fields of t from base, set fields of t win
func (t Thresholds) Merge(base Thresholds) Thresholds {
	if t.MaxLinks == 0 {
		t.MaxLinks = base.MaxLinks
	}
	if t.MaxCapsRatio == 0 {
		t.MaxCapsRatio = base.MaxCapsRatio
	}
	if t.MaxRepeatRun == 0 {
		t.MaxRepeatRun = base.MaxRepeatRun
	}
	if t.MaxMsgLen == 0 {
		t.MaxMsgLen = base.MaxMsgLen
	}
	if t.MaxEmoji == 0 {
		t.MaxEmoji = base.MaxEmoji
	}
	if t.MinLetters == 0 {
		t.MinLetters = base.MinLetters
	}
	return t
}

// withDefaults fills zero fields from the system defaults
func (t Thresholds) withDefaults() Thresholds {
	return t.Merge(Default())
}
