// Package moderation filters relayed text before broadcast. The core
// does not interpret chat; it only hands it to a filter and forwards
// the result.
package moderation

import "strings"

type Filter interface {
	Clean(text string) string
}

// DefaultWords is a minimal built-in list; deployments feed the filter
// from the moderation service's own list.
var DefaultWords = []string{"idiot", "loser", "trash"}

// Wordlist masks listed terms with asterisks, case-insensitively.
type Wordlist struct {
	words []string
}

func NewWordlist(words []string) *Wordlist {
	lowered := make([]string, len(words))
	for i, w := range words {
		lowered[i] = strings.ToLower(w)
	}
	return &Wordlist{words: lowered}
}

func (f *Wordlist) Clean(text string) string {
	lower := strings.ToLower(text)
	for _, w := range f.words {
		if w == "" {
			continue
		}
		for {
			idx := strings.Index(lower, w)
			if idx < 0 {
				break
			}
			mask := strings.Repeat("*", len(w))
			text = text[:idx] + mask + text[idx+len(w):]
			lower = lower[:idx] + mask + lower[idx+len(w):]
		}
	}
	return text
}

// Passthrough forwards text untouched.
type Passthrough struct{}

func (Passthrough) Clean(text string) string { return text }
