package app

import (
	"context"
	"strings"
	"testing"

	"github.com/dhruv-moradiya/story-chain-be-sub001/internal/roles"
	"github.com/dhruv-moradiya/story-chain-be-sub001/internal/store"
)

func TestBranchingAssignsIndexDepthAndAncestors(t *testing.T) {
	fs := newFakeStore()
	seedStory(fs, "my-story", "owner-1")
	svc := newTestService(fs)
	ctx := context.Background()

	root := mustCreateRoot(t, svc, "owner-1", "my-story", "Intro", "It begins.")
	if root.Depth != 0 || root.BranchIndex != 1 || len(root.Ancestors) != 0 {
		t.Fatalf("unexpected root shape: depth=%d index=%d ancestors=%v", root.Depth, root.BranchIndex, root.Ancestors)
	}

	branchA, err := svc.CreateChildChapter(ctx, "owner-1", "my-story", root.Slug, ChapterInput{Title: "Branch A", Content: "Left."})
	if err != nil {
		t.Fatalf("create branch A: %v", err)
	}
	branchB, err := svc.CreateChildChapter(ctx, "owner-1", "my-story", root.Slug, ChapterInput{Title: "Branch B", Content: "Right."})
	if err != nil {
		t.Fatalf("create branch B: %v", err)
	}

	if branchA.BranchIndex != 1 || branchA.Depth != 1 {
		t.Fatalf("branch A: index=%d depth=%d", branchA.BranchIndex, branchA.Depth)
	}
	if branchB.BranchIndex != 2 || branchB.Depth != 1 {
		t.Fatalf("branch B: index=%d depth=%d", branchB.BranchIndex, branchB.Depth)
	}
	for _, branch := range []store.Chapter{branchA, branchB} {
		if len(branch.Ancestors) != 1 || branch.Ancestors[0] != root.Slug {
			t.Fatalf("ancestors of %s: %v", branch.Slug, branch.Ancestors)
		}
		if branch.ParentSlug == nil || *branch.ParentSlug != root.Slug {
			t.Fatalf("parent of %s: %v", branch.Slug, branch.ParentSlug)
		}
	}

	updatedRoot, err := svc.GetChapter(ctx, "my-story", root.Slug)
	if err != nil {
		t.Fatalf("reload root: %v", err)
	}
	if updatedRoot.ChildBranches != 2 {
		t.Fatalf("root childBranches = %d, want 2", updatedRoot.ChildBranches)
	}

	siblings, err := svc.ListSiblings(ctx, "my-story", &root.Slug)
	if err != nil {
		t.Fatalf("list siblings: %v", err)
	}
	if len(siblings) != 2 || siblings[0].Slug != branchA.Slug || siblings[1].Slug != branchB.Slug {
		t.Fatalf("siblings out of order: %+v", siblings)
	}
}

func TestSecondRootConflicts(t *testing.T) {
	fs := newFakeStore()
	seedStory(fs, "my-story", "owner-1")
	svc := newTestService(fs)

	mustCreateRoot(t, svc, "owner-1", "my-story", "Intro", "It begins.")
	_, err := svc.CreateRootChapter(context.Background(), "owner-1", "my-story", ChapterInput{Title: "Another Intro", Content: "Nope."})
	wantDomainCode(t, err, "CONFLICT")
}

func TestCreateRootRequiresPublishRights(t *testing.T) {
	fs := newFakeStore()
	seedStory(fs, "my-story", "owner-1")
	seedCollaborator(fs, "my-story", "con-1", roles.RoleContributor, store.CollaboratorAccepted)
	svc := newTestService(fs)

	_, err := svc.CreateRootChapter(context.Background(), "con-1", "my-story", ChapterInput{Title: "Intro", Content: "Hm."})
	wantDomainCode(t, err, "FORBIDDEN")
}

func TestCreateChildMissingParent(t *testing.T) {
	fs := newFakeStore()
	seedStory(fs, "my-story", "owner-1")
	svc := newTestService(fs)

	_, err := svc.CreateChildChapter(context.Background(), "owner-1", "my-story", "ghost", ChapterInput{Title: "Branch", Content: "..."})
	wantDomainCode(t, err, "NOT_FOUND")
}

func TestCreateChildBranchingDisabled(t *testing.T) {
	fs := newFakeStore()
	story := seedStory(fs, "my-story", "owner-1")
	story.BranchingAllowed = false
	fs.stories["my-story"] = story
	svc := newTestService(fs)

	root := mustCreateRoot(t, svc, "owner-1", "my-story", "Intro", "It begins.")
	_, err := svc.CreateChildChapter(context.Background(), "owner-1", "my-story", root.Slug, ChapterInput{Title: "Branch", Content: "..."})
	wantDomainCode(t, err, "FORBIDDEN")
}

func TestChapterInputValidation(t *testing.T) {
	fs := newFakeStore()
	seedStory(fs, "my-story", "owner-1")
	svc := newTestService(fs)

	cases := []struct {
		name  string
		input ChapterInput
	}{
		{"missing title", ChapterInput{Content: "text"}},
		{"missing content", ChapterInput{Title: "Intro"}},
		{"bad status", ChapterInput{Title: "Intro", Content: "text", Status: "frozen"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreateRootChapter(context.Background(), "owner-1", "my-story", tc.input)
			wantDomainCode(t, err, "INVALID_INPUT")
		})
	}
}

func TestRecordChapterRead(t *testing.T) {
	fs := newFakeStore()
	seedStory(fs, "my-story", "owner-1")
	svc := newTestService(fs)
	ctx := context.Background()

	root := mustCreateRoot(t, svc, "owner-1", "my-story", "Intro", "It begins.")
	if err := svc.RecordChapterRead(ctx, "my-story", root.Slug); err != nil {
		t.Fatalf("record read: %v", err)
	}
	if err := svc.RecordChapterRead(ctx, "my-story", root.Slug); err != nil {
		t.Fatalf("record read: %v", err)
	}

	chapter, err := svc.GetChapter(ctx, "my-story", root.Slug)
	if err != nil {
		t.Fatalf("get chapter: %v", err)
	}
	if chapter.Reads != 2 {
		t.Fatalf("reads = %d, want 2", chapter.Reads)
	}

	err = svc.RecordChapterRead(ctx, "my-story", "ghost")
	wantDomainCode(t, err, "NOT_FOUND")
}

func TestGetChapterHidesDeleted(t *testing.T) {
	fs := newFakeStore()
	seedStory(fs, "my-story", "owner-1")
	svc := newTestService(fs)
	ctx := context.Background()

	root := mustCreateRoot(t, svc, "owner-1", "my-story", "Intro", "It begins.")
	if _, err := fs.SoftDeleteChapter(ctx, "my-story", root.Slug); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	_, err := svc.GetChapter(ctx, "my-story", root.Slug)
	wantDomainCode(t, err, "NOT_FOUND")
}

func TestDeletedChapterSlugStaysReserved(t *testing.T) {
	fs := newFakeStore()
	seedStory(fs, "my-story", "owner-1")
	svc := newTestService(fs)
	ctx := context.Background()

	root := mustCreateRoot(t, svc, "owner-1", "my-story", "Intro", "It begins.")
	branch, err := svc.CreateChildChapter(ctx, "owner-1", "my-story", root.Slug, ChapterInput{Title: "Fork", Content: "One way."})
	if err != nil {
		t.Fatalf("create child: %v", err)
	}
	if _, err := fs.SoftDeleteChapter(ctx, "my-story", branch.Slug); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	again, err := svc.CreateChildChapter(ctx, "owner-1", "my-story", root.Slug, ChapterInput{Title: "Fork", Content: "Another way."})
	if err != nil {
		t.Fatalf("recreate with reserved slug: %v", err)
	}
	if again.Slug == branch.Slug {
		t.Fatalf("slug %q reused from a deleted chapter", again.Slug)
	}
	if !strings.HasPrefix(again.Slug, "fork-") {
		t.Fatalf("slug = %q, want suffixed fork slug", again.Slug)
	}
}

func TestListChaptersByAuthor(t *testing.T) {
	fs := newFakeStore()
	seedStory(fs, "my-story", "owner-1")
	seedCollaborator(fs, "my-story", "co-1", roles.RoleCoAuthor, store.CollaboratorAccepted)
	svc := newTestService(fs)
	ctx := context.Background()

	root := mustCreateRoot(t, svc, "owner-1", "my-story", "Intro", "It begins.")
	if _, err := svc.CreateChildChapter(ctx, "co-1", "my-story", root.Slug, ChapterInput{Title: "Side Path", Content: "..."}); err != nil {
		t.Fatalf("create child: %v", err)
	}

	mine, err := svc.ListChaptersByAuthor(ctx, "my-story", "co-1")
	if err != nil {
		t.Fatalf("list by author: %v", err)
	}
	if len(mine) != 1 || mine[0].AuthorID != "co-1" {
		t.Fatalf("unexpected author listing: %+v", mine)
	}
}
