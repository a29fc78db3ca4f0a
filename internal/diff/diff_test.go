package diff

import (
	"errors"
	"strings"
	"testing"
)

func TestResolveChangesNewChapter(t *testing.T) {
	changes, err := ResolveChanges(KindNewChapter, "", "Once upon a time.\nA second line.")
	if err != nil {
		t.Fatalf("ResolveChanges: %v", err)
	}
	if changes.Original != "" || changes.Diff != "" {
		t.Fatalf("new chapter should carry only the proposed text, got %+v", changes)
	}
	if changes.Additions != 2 || changes.LineCount != 2 {
		t.Fatalf("additions=%d lineCount=%d, want 2/2", changes.Additions, changes.LineCount)
	}
}

func TestResolveChangesDeleteChapter(t *testing.T) {
	changes, err := ResolveChanges(KindDeleteChapter, "line one\nline two\n", "ignored")
	if err != nil {
		t.Fatalf("ResolveChanges: %v", err)
	}
	if changes.Proposed != "" {
		t.Fatalf("delete proposal must be empty, got %q", changes.Proposed)
	}
	if changes.Deletions != 2 || changes.LineCount != 2 {
		t.Fatalf("deletions=%d lineCount=%d, want 2/2", changes.Deletions, changes.LineCount)
	}
}

func TestResolveChangesEditChapter(t *testing.T) {
	original := "The knight rode east.\nThe village slept.\nDawn came slowly.\n"
	proposed := "The knight rode west.\nThe village slept.\nDawn came slowly.\nBirds began to sing.\n"

	changes, err := ResolveChanges(KindEditChapter, original, proposed)
	if err != nil {
		t.Fatalf("ResolveChanges: %v", err)
	}
	if changes.Additions == 0 || changes.Deletions == 0 {
		t.Fatalf("expected both added and removed lines, got +%d -%d", changes.Additions, changes.Deletions)
	}
	if got := changes.Additions + changes.Deletions + changes.Unchanged; got != changes.LineCount {
		t.Fatalf("classified lines %d != lineCount %d", got, changes.LineCount)
	}
	if !strings.Contains(changes.Diff, "+The knight rode west.") {
		t.Errorf("diff missing added line:\n%s", changes.Diff)
	}
	if !strings.Contains(changes.Diff, "-The knight rode east.") {
		t.Errorf("diff missing removed line:\n%s", changes.Diff)
	}
	if !strings.Contains(changes.Diff, " The village slept.") {
		t.Errorf("diff missing unchanged line:\n%s", changes.Diff)
	}
}

func TestResolveChangesDeterministic(t *testing.T) {
	original := "a\nb\nc\n"
	proposed := "a\nB\nc\nd\n"
	first, err := ResolveChanges(KindEditChapter, original, proposed)
	if err != nil {
		t.Fatalf("ResolveChanges: %v", err)
	}
	second, err := ResolveChanges(KindEditChapter, original, proposed)
	if err != nil {
		t.Fatalf("ResolveChanges: %v", err)
	}
	if first != second {
		t.Fatalf("diff is not deterministic:\n%+v\n%+v", first, second)
	}
}

func TestResolveChangesIdenticalContent(t *testing.T) {
	text := "same\nlines\n"
	changes, err := ResolveChanges(KindEditChapter, text, text)
	if err != nil {
		t.Fatalf("ResolveChanges: %v", err)
	}
	if changes.Additions != 0 || changes.Deletions != 0 {
		t.Fatalf("identical content should have no additions/deletions, got +%d -%d", changes.Additions, changes.Deletions)
	}
	if changes.Unchanged != 2 || changes.LineCount != 2 {
		t.Fatalf("unchanged=%d lineCount=%d, want 2/2", changes.Unchanged, changes.LineCount)
	}
}

func TestResolveChangesInvalidKind(t *testing.T) {
	_, err := ResolveChanges(Kind("rename_chapter"), "a", "b")
	if !errors.Is(err, ErrInvalidKind) {
		t.Fatalf("err = %v, want ErrInvalidKind", err)
	}
}
