// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pattern matches notification messages against a subject/body
// pattern pair and extracts a fixed-width token window from the body.
//
// Token extraction is positional: callers read fields such as a date or a
// time at fixed indices of the split window. The notification format is
// dictated by the third-party systems that send the mails, so the positions
// are configuration, not something this package tries to infer. A format
// change on the sender side silently shifts the tokens.
package pattern

import (
	"strings"
	"unicode/utf8"
)

// Rule is the match configuration of a pattern-matching device.
type Rule struct {
	// Address is the expected mailbox address, compared case-insensitively.
	Address string `yaml:"address"`
	// Subject must equal the message subject exactly.
	Subject string `yaml:"subject"`
	// Body is searched as a case-sensitive substring of the message text.
	Body string `yaml:"body"`
	// Window is the number of characters extracted from the first Body match.
	Window int `yaml:"window"`
}

// Match reports whether a message delivered to origin, with the given
// subject and text, matches the rule. It never panics; missing inputs
// simply do not match.
func (r Rule) Match(origin, subject, text string) bool {
	if origin == "" || subject == "" || text == "" {
		return false
	}
	if !strings.EqualFold(origin, r.Address) {
		return false
	}
	if subject != r.Subject {
		return false
	}
	return strings.Contains(text, r.Body)
}

// Extract applies the rule's body pattern and window to text.
func (r Rule) Extract(text string) ([]string, bool) {
	return Extract(text, r.Body, r.Window)
}

// Extract locates the first occurrence of pattern in text, takes the next
// window characters (clamped to the end of text) and splits them on single
// spaces. The window counts runes, so accented text keeps every token. Consecutive spaces produce empty tokens, which keeps the
// positions stable for a given message layout.
func Extract(text, pattern string, window int) ([]string, bool) {
	start := strings.Index(text, pattern)
	if start < 0 {
		return nil, false
	}
	end := len(text)
	if window >= 0 {
		end = start
		for n := 0; n < window && end < len(text); n++ {
			_, size := utf8.DecodeRuneInString(text[end:])
			end += size
		}
	}
	return strings.Split(text[start:end], " "), true
}

// Token returns tokens[idx], or "" when idx is out of range.
func Token(tokens []string, idx int) string {
	if idx < 0 || idx >= len(tokens) {
		return ""
	}
	return tokens[idx]
}

// Join concatenates the tokens at the given positions with sep. Out of range
// positions contribute empty strings.
func Join(tokens []string, idxs []int, sep string) string {
	parts := make([]string, 0, len(idxs))
	for _, i := range idxs {
		parts = append(parts, Token(tokens, i))
	}
	return strings.Join(parts, sep)
}
