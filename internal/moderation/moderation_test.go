package moderation

import "testing"

func TestWordlist_MasksCaseInsensitive(t *testing.T) {
	f := NewWordlist([]string{"scrub"})

	got := f.Clean("nice throw, SCRUB")
	want := "nice throw, *****"
	if got != want {
		t.Fatalf("want %q, got %q", want, got)
	}
}

func TestWordlist_MasksEveryOccurrence(t *testing.T) {
	f := NewWordlist([]string{"bad"})

	got := f.Clean("bad darts, bad luck")
	want := "*** darts, *** luck"
	if got != want {
		t.Fatalf("want %q, got %q", want, got)
	}
}

func TestWordlist_CleanTextUntouched(t *testing.T) {
	f := NewWordlist([]string{"scrub"})
	if got := f.Clean("180!"); got != "180!" {
		t.Fatalf("clean text modified: %q", got)
	}
}

func TestPassthrough(t *testing.T) {
	if got := (Passthrough{}).Clean("anything"); got != "anything" {
		t.Fatalf("passthrough modified text: %q", got)
	}
}
