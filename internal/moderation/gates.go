// Package moderation implements the content gates applied to every inbound
// chat message. Gates run in a fixed order and the first failure wins; a
// message passes only when every gate passes.
package moderation

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxMessageLen is the maximum accepted message length in characters,
// counted after trimming surrounding whitespace.
const MaxMessageLen = 100

// Gate names, in the order the gates run.
const (
	GateLength    = "length"
	GateLink      = "link"
	GateMention   = "mention"
	GateDuplicate = "duplicate"
	GateCaps      = "caps"
	GateScript    = "script"
)

// Compiled regex patterns for content detection.
// These are compiled once at package init and reused for every call,
// making them safe and efficient for concurrent use.
var (
	// linkPattern matches http/https URLs, www. URLs, and bare domains with a
	// well-known TLD. The bare-domain variant accepts an optional path but
	// requires a listed TLD, which keeps version strings like "v2.0" and
	// decimal numbers like "3.14" from matching.
	linkPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf)(/\S*)?)`)

	// mentionPattern matches @-prefixed mention tokens such as "@admin".
	// A bare "@" followed by whitespace does not match.
	mentionPattern = regexp.MustCompile(`@\w+`)
)

// Result is the verdict of running the gate sequence against one message.
type Result struct {
	Blocked bool
	Gate    string
	Reason  string
}

// gate pairs a detection function with metadata used for reporting. match
// receives the trimmed message body and the sender's previous accepted
// message; all gates except the duplicate check ignore the latter.
type gate struct {
	name   string
	reason string
	match  func(body, prev string) bool
}

// gates is the ordered sequence applied by Check. Order matters: the first
// match wins, so "AAAA http://x.io" reports the link, not the shouting.
var gates = []gate{
	{name: GateLength, reason: "Message must be between 1 and 100 characters", match: func(body, _ string) bool {
		n := utf8.RuneCountInString(body)
		return n == 0 || n > MaxMessageLen
	}},
	{name: GateLink, reason: "Links are not allowed", match: func(body, _ string) bool {
		return linkPattern.MatchString(body)
	}},
	{name: GateMention, reason: "Mentions are not allowed", match: func(body, _ string) bool {
		return mentionPattern.MatchString(body)
	}},
	{name: GateDuplicate, reason: "Duplicate of your previous message", match: func(body, prev string) bool {
		return prev != "" && body == prev
	}},
	{name: GateCaps, reason: "All-caps messages are not allowed", match: func(body, _ string) bool {
		return isShouting(body)
	}},
	{name: GateScript, reason: "Message contains unsupported characters", match: func(body, _ string) bool {
		return hasRejectedScript(body)
	}},
}

// Check runs every gate against an inbound message in the fixed order,
// stopping at the first failure. text is the raw client input; prev is the
// sender's previous accepted message ("" when none). It returns the trimmed
// body alongside the verdict; callers store and broadcast the trimmed form.
func Check(text, prev string) (string, Result) {
	body := strings.TrimSpace(text)
	for _, g := range gates {
		if g.match(body, prev) {
			return body, Result{
				Blocked: true,
				Gate:    g.name,
				Reason:  g.reason,
			}
		}
	}
	return body, Result{}
}

// isShouting returns true if, after dropping every non-letter character, at
// least 3 letters remain and all of them are uppercase.
func isShouting(body string) bool {
	letters := 0
	for _, r := range body {
		if !unicode.IsLetter(r) {
			continue
		}
		if !unicode.IsUpper(r) {
			return false
		}
		letters++
	}
	return letters >= 3
}
