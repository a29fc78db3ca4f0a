// Package diff computes the change payload carried by a pull request: a
// unified line-based diff of original vs proposed content plus per-line
// classification counts. Pure and deterministic.
package diff

import (
	"errors"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

type Kind string

const (
	KindNewChapter    Kind = "new_chapter"
	KindEditChapter   Kind = "edit_chapter"
	KindDeleteChapter Kind = "delete_chapter"
)

var ErrInvalidKind = errors.New("invalid pull request type")

type Changes struct {
	Original  string `json:"original,omitempty"`
	Proposed  string `json:"proposed"`
	Diff      string `json:"diff,omitempty"`
	LineCount int    `json:"lineCount"`
	Additions int    `json:"additionsCount"`
	Deletions int    `json:"deletionsCount"`
	Unchanged int    `json:"unchangedCount"`
}

// ResolveChanges builds the change payload for a proposal. New chapters carry
// only the proposed text, deletions carry the original with an empty
// proposal, and edits carry a full line diff.
func ResolveChanges(kind Kind, original, proposed string) (Changes, error) {
	switch kind {
	case KindNewChapter:
		return Changes{
			Proposed:  proposed,
			LineCount: countLines(proposed),
			Additions: countLines(proposed),
		}, nil
	case KindDeleteChapter:
		return Changes{
			Original:  original,
			Proposed:  "",
			LineCount: countLines(original),
			Deletions: countLines(original),
		}, nil
	case KindEditChapter:
		return resolveEdit(original, proposed), nil
	default:
		return Changes{}, ErrInvalidKind
	}
}

func resolveEdit(original, proposed string) Changes {
	dmp := diffmatchpatch.New()
	fromRunes, toRunes, lineIndex := dmp.DiffLinesToChars(original, proposed)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(fromRunes, toRunes, false), lineIndex)

	changes := Changes{Original: original, Proposed: proposed}
	var unified strings.Builder
	for _, hunk := range diffs {
		lines := splitLines(hunk.Text)
		switch hunk.Type {
		case diffmatchpatch.DiffInsert:
			changes.Additions += len(lines)
			writeHunk(&unified, "+", lines)
		case diffmatchpatch.DiffDelete:
			changes.Deletions += len(lines)
			writeHunk(&unified, "-", lines)
		case diffmatchpatch.DiffEqual:
			changes.Unchanged += len(lines)
			writeHunk(&unified, " ", lines)
		}
	}
	changes.Diff = unified.String()
	changes.LineCount = changes.Additions + changes.Deletions + changes.Unchanged
	return changes
}

func writeHunk(b *strings.Builder, marker string, lines []string) {
	for _, line := range lines {
		b.WriteString(marker)
		b.WriteString(line)
		b.WriteString("\n")
	}
}

// splitLines drops the trailing empty segment produced by a terminal newline
// so a line is counted once whether or not the text ends with "\n".
func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func countLines(text string) int {
	return len(splitLines(text))
}
