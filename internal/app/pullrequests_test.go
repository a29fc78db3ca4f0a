package app

import (
	"context"
	"testing"
	"time"

	"github.com/dhruv-moradiya/story-chain-be-sub001/internal/roles"
	"github.com/dhruv-moradiya/story-chain-be-sub001/internal/store"
	"github.com/dhruv-moradiya/story-chain-be-sub001/internal/util"
)

func seedTree(t *testing.T, fs *fakeStore, svc *Service) store.Chapter {
	t.Helper()
	seedStory(fs, "my-story", "owner-1")
	seedCollaborator(fs, "my-story", "con-1", roles.RoleContributor, store.CollaboratorAccepted)
	seedCollaborator(fs, "my-story", "rev-1", roles.RoleReviewer, store.CollaboratorAccepted)
	seedCollaborator(fs, "my-story", "mod-1", roles.RoleModerator, store.CollaboratorAccepted)
	return mustCreateRoot(t, svc, "owner-1", "my-story", "Intro", "It begins.\nAnd continues.")
}

func openNewChapterPR(t *testing.T, svc *Service, userID, parentSlug string) store.PullRequest {
	t.Helper()
	pr, err := svc.CreatePullRequest(context.Background(), userID, "my-story", CreatePRInput{
		Type:              store.PRTypeNewChapter,
		ParentChapterSlug: &parentSlug,
		Title:             "A New Path",
		Proposed:          "The path forks here.",
	})
	if err != nil {
		t.Fatalf("create PR: %v", err)
	}
	return pr
}

func TestReviewerCannotCreatePR(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	root := seedTree(t, fs, svc)

	_, err := svc.CreatePullRequest(context.Background(), "rev-1", "my-story", CreatePRInput{
		Type:              store.PRTypeNewChapter,
		ParentChapterSlug: &root.Slug,
		Title:             "Reviewer Branch",
		Proposed:          "Should not happen.",
	})
	wantDomainCode(t, err, "FORBIDDEN")
}

func TestDuplicateOpenPRConflicts(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	root := seedTree(t, fs, svc)

	openNewChapterPR(t, svc, "con-1", root.Slug)
	_, err := svc.CreatePullRequest(context.Background(), "con-1", "my-story", CreatePRInput{
		Type:              store.PRTypeNewChapter,
		ParentChapterSlug: &root.Slug,
		Title:             "Second Try",
		Proposed:          "Still the same target.",
	})
	wantDomainCode(t, err, "CONFLICT")
}

func TestCreateEditPRComputesDiff(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	root := seedTree(t, fs, svc)

	pr, err := svc.CreatePullRequest(context.Background(), "con-1", "my-story", CreatePRInput{
		Type:        store.PRTypeEditChapter,
		ChapterSlug: &root.Slug,
		Proposed:    "It begins.\nAnd never stops.",
	})
	if err != nil {
		t.Fatalf("create edit PR: %v", err)
	}
	if pr.Original != root.Content {
		t.Fatalf("original = %q, want chapter content", pr.Original)
	}
	if pr.DiffText == "" {
		t.Fatal("edit PR must carry a diff")
	}
	if pr.Additions+pr.Deletions+pr.Unchanged != pr.LineCount {
		t.Fatalf("line accounting broken: %d + %d + %d != %d", pr.Additions, pr.Deletions, pr.Unchanged, pr.LineCount)
	}
	if pr.Additions != 1 || pr.Deletions != 1 || pr.Unchanged != 1 {
		t.Fatalf("counts: +%d -%d =%d", pr.Additions, pr.Deletions, pr.Unchanged)
	}
}

func TestCreatePRInvalidType(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	seedTree(t, fs, svc)

	_, err := svc.CreatePullRequest(context.Background(), "con-1", "my-story", CreatePRInput{
		Type:     store.PRType("rename_chapter"),
		Proposed: "whatever",
	})
	wantDomainCode(t, err, "INVALID_INPUT")
}

func TestCreatePRMissingTarget(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	seedTree(t, fs, svc)
	ghost := "ghost"

	_, err := svc.CreatePullRequest(context.Background(), "con-1", "my-story", CreatePRInput{
		Type:        store.PRTypeEditChapter,
		ChapterSlug: &ghost,
		Proposed:    "new text",
	})
	wantDomainCode(t, err, "NOT_FOUND")
}

func TestMergeRequiresApproved(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	root := seedTree(t, fs, svc)

	pr := openNewChapterPR(t, svc, "con-1", root.Slug)
	_, err := svc.MergePullRequest(context.Background(), "mod-1", "my-story", pr.ID)
	wantDomainCode(t, err, "CONFLICT")
}

func TestMergeNewChapterMaterializes(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	root := seedTree(t, fs, svc)
	ctx := context.Background()

	pr := openNewChapterPR(t, svc, "con-1", root.Slug)
	if _, err := svc.ApprovePullRequest(ctx, "rev-1", "my-story", pr.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}
	merged, err := svc.MergePullRequest(ctx, "mod-1", "my-story", pr.ID)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if merged.Status != store.PRStatusMerged || merged.MergedBy == nil || *merged.MergedBy != "mod-1" {
		t.Fatalf("merge metadata: %+v", merged)
	}

	children, err := svc.ListSiblings(ctx, "my-story", &root.Slug)
	if err != nil {
		t.Fatalf("list children: %v", err)
	}
	if len(children) != 1 {
		t.Fatalf("expected one merged child, got %d", len(children))
	}
	child := children[0]
	if child.AuthorID != "con-1" {
		t.Fatalf("merged chapter credits %s, want the PR author", child.AuthorID)
	}
	if !child.FromPR || child.PRStatus != "merged" {
		t.Fatalf("merged chapter PR state: fromPR=%v status=%s", child.FromPR, child.PRStatus)
	}
	if child.Depth != 1 || child.BranchIndex != 1 {
		t.Fatalf("merged chapter tree shape: depth=%d index=%d", child.Depth, child.BranchIndex)
	}

	entries, err := svc.PRTimeline(ctx, "my-story", pr.ID)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	actions := make([]string, 0, len(entries))
	for _, entry := range entries {
		actions = append(actions, entry.Action)
	}
	want := []string{"opened", "approved", "merged"}
	if len(actions) != len(want) {
		t.Fatalf("timeline actions %v, want %v", actions, want)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Fatalf("timeline actions %v, want %v", actions, want)
		}
	}
}

func TestMergeEditRetainsPriorVersion(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	root := seedTree(t, fs, svc)
	ctx := context.Background()

	pr, err := svc.CreatePullRequest(ctx, "con-1", "my-story", CreatePRInput{
		Type:        store.PRTypeEditChapter,
		ChapterSlug: &root.Slug,
		Proposed:    "It begins again.",
	})
	if err != nil {
		t.Fatalf("create edit PR: %v", err)
	}
	if _, err := svc.ApprovePullRequest(ctx, "rev-1", "my-story", pr.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := svc.MergePullRequest(ctx, "mod-1", "my-story", pr.ID); err != nil {
		t.Fatalf("merge: %v", err)
	}

	chapter, err := svc.GetChapter(ctx, "my-story", root.Slug)
	if err != nil {
		t.Fatalf("get chapter: %v", err)
	}
	if chapter.Content != "It begins again." {
		t.Fatalf("content not replaced: %q", chapter.Content)
	}
	if chapter.Version != 2 {
		t.Fatalf("version = %d, want 2", chapter.Version)
	}

	versions, err := svc.ChapterVersions(ctx, "my-story", root.Slug)
	if err != nil {
		t.Fatalf("versions: %v", err)
	}
	if len(versions) != 1 {
		t.Fatalf("expected one retained version, got %d", len(versions))
	}
	if versions[0].Content != root.Content || versions[0].Version != 1 {
		t.Fatalf("retained version: %+v", versions[0])
	}
	if versions[0].PRID != pr.ID {
		t.Fatalf("retained version PR id = %s, want %s", versions[0].PRID, pr.ID)
	}
}

func TestMergeDeleteSoftDeletes(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	root := seedTree(t, fs, svc)
	ctx := context.Background()

	branch, err := svc.CreateChildChapter(ctx, "owner-1", "my-story", root.Slug, ChapterInput{Title: "Dead End", Content: "Oops."})
	if err != nil {
		t.Fatalf("create child: %v", err)
	}
	pr, err := svc.CreatePullRequest(ctx, "con-1", "my-story", CreatePRInput{
		Type:        store.PRTypeDeleteChapter,
		ChapterSlug: &branch.Slug,
	})
	if err != nil {
		t.Fatalf("create delete PR: %v", err)
	}
	if _, err := svc.ApprovePullRequest(ctx, "rev-1", "my-story", pr.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := svc.MergePullRequest(ctx, "mod-1", "my-story", pr.ID); err != nil {
		t.Fatalf("merge: %v", err)
	}

	_, err = svc.GetChapter(ctx, "my-story", branch.Slug)
	wantDomainCode(t, err, "NOT_FOUND")
}

func TestCastVoteAutoApproval(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	root := seedTree(t, fs, svc)
	ctx := context.Background()

	pr, err := svc.CreatePullRequest(ctx, "con-1", "my-story", CreatePRInput{
		Type:              store.PRTypeNewChapter,
		ParentChapterSlug: &root.Slug,
		Title:             "Fast Track",
		Proposed:          "Approved by the crowd.",
		AutoApprove:       AutoApprove{Enabled: true, Threshold: 1, WindowDays: 7},
	})
	if err != nil {
		t.Fatalf("create PR: %v", err)
	}

	voted, err := svc.CastVote(ctx, "rev-1", "my-story", pr.ID, 1)
	if err != nil {
		t.Fatalf("cast vote: %v", err)
	}
	if voted.Score != 1 {
		t.Fatalf("score = %d, want 1", voted.Score)
	}
	if voted.Status != store.PRStatusApproved {
		t.Fatalf("status = %s, want approved after threshold", voted.Status)
	}

	entries, err := svc.PRTimeline(ctx, "my-story", pr.ID)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	last := entries[len(entries)-1]
	if last.Action != "auto_approved" {
		t.Fatalf("last timeline action = %s, want auto_approved", last.Action)
	}
}

func TestCastVoteOutsideWindowStaysOpen(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	root := seedTree(t, fs, svc)
	ctx := context.Background()

	pr := store.PullRequest{
		ID:                    util.NewID("pr"),
		StorySlug:             "my-story",
		ParentChapterSlug:     &root.Slug,
		AuthorID:              "con-1",
		Type:                  store.PRTypeNewChapter,
		Title:                 "Stale",
		Proposed:              "Too late.",
		Status:                store.PRStatusOpen,
		AutoApproveEnabled:    true,
		AutoApproveThreshold:  1,
		AutoApproveWindowDays: 7,
		CreatedAt:             time.Now().Add(-8 * 24 * time.Hour),
	}
	fs.prs[pr.ID] = pr

	voted, err := svc.CastVote(ctx, "rev-1", "my-story", pr.ID, 1)
	if err != nil {
		t.Fatalf("cast vote: %v", err)
	}
	if voted.Status != store.PRStatusOpen {
		t.Fatalf("status = %s, want open past the window", voted.Status)
	}
}

func TestAutoApproveReady(t *testing.T) {
	now := time.Now()
	base := store.PullRequest{
		Status:                store.PRStatusOpen,
		AutoApproveEnabled:    true,
		AutoApproveThreshold:  5,
		AutoApproveWindowDays: 7,
	}

	cases := []struct {
		name  string
		tweak func(pr *store.PullRequest)
		want  bool
	}{
		{"fires inside window at threshold", func(pr *store.PullRequest) {
			pr.Score = 10
			pr.CreatedAt = now.Add(-2 * 24 * time.Hour)
		}, true},
		{"window exceeded", func(pr *store.PullRequest) {
			pr.Score = 10
			pr.CreatedAt = now.Add(-8 * 24 * time.Hour)
		}, false},
		{"below threshold", func(pr *store.PullRequest) {
			pr.Score = 4
			pr.CreatedAt = now.Add(-1 * 24 * time.Hour)
		}, false},
		{"disabled", func(pr *store.PullRequest) {
			pr.AutoApproveEnabled = false
			pr.Score = 10
			pr.CreatedAt = now.Add(-1 * 24 * time.Hour)
		}, false},
		{"not open", func(pr *store.PullRequest) {
			pr.Status = store.PRStatusClosed
			pr.Score = 10
			pr.CreatedAt = now.Add(-1 * 24 * time.Hour)
		}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pr := base
			tc.tweak(&pr)
			if got := autoApproveReady(pr, now); got != tc.want {
				t.Fatalf("autoApproveReady = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestGetPullRequestSettlesAutoApproval(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	root := seedTree(t, fs, svc)

	pr := store.PullRequest{
		ID:                    util.NewID("pr"),
		StorySlug:             "my-story",
		ParentChapterSlug:     &root.Slug,
		AuthorID:              "con-1",
		Type:                  store.PRTypeNewChapter,
		Status:                store.PRStatusOpen,
		Score:                 6,
		AutoApproveEnabled:    true,
		AutoApproveThreshold:  5,
		AutoApproveWindowDays: 7,
		CreatedAt:             time.Now().Add(-24 * time.Hour),
	}
	fs.prs[pr.ID] = pr

	loaded, err := svc.GetPullRequest(context.Background(), "my-story", pr.ID)
	if err != nil {
		t.Fatalf("get PR: %v", err)
	}
	if loaded.Status != store.PRStatusApproved {
		t.Fatalf("status = %s, want approved on read", loaded.Status)
	}
}

func TestVoteRequiresVotingAllowed(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	root := seedTree(t, fs, svc)
	pr := openNewChapterPR(t, svc, "con-1", root.Slug)

	story := fs.stories["my-story"]
	story.VotingAllowed = false
	fs.stories["my-story"] = story

	_, err := svc.CastVote(context.Background(), "rev-1", "my-story", pr.ID, 1)
	wantDomainCode(t, err, "FORBIDDEN")
}

func TestVoteValueValidated(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	root := seedTree(t, fs, svc)
	pr := openNewChapterPR(t, svc, "con-1", root.Slug)

	_, err := svc.CastVote(context.Background(), "rev-1", "my-story", pr.ID, 3)
	wantDomainCode(t, err, "INVALID_INPUT")
}

func TestCloseOwnPRAndModeration(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	root := seedTree(t, fs, svc)
	ctx := context.Background()

	pr := openNewChapterPR(t, svc, "con-1", root.Slug)
	seedCollaborator(fs, "my-story", "con-2", roles.RoleContributor, store.CollaboratorAccepted)

	_, err := svc.ClosePullRequest(ctx, "con-2", "my-story", pr.ID, "not mine")
	wantDomainCode(t, err, "FORBIDDEN")

	closed, err := svc.ClosePullRequest(ctx, "con-1", "my-story", pr.ID, "changed my mind")
	if err != nil {
		t.Fatalf("author close: %v", err)
	}
	if closed.Status != store.PRStatusClosed || closed.CloseReason != "changed my mind" {
		t.Fatalf("close metadata: %+v", closed)
	}

	// moderators can close other people's PRs
	other := openNewChapterPR(t, svc, "con-2", root.Slug)
	if _, err := svc.ClosePullRequest(ctx, "mod-1", "my-story", other.ID, "off topic"); err != nil {
		t.Fatalf("moderator close: %v", err)
	}
}

func TestRejectIsTerminal(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	root := seedTree(t, fs, svc)
	ctx := context.Background()

	pr := openNewChapterPR(t, svc, "con-1", root.Slug)
	rejected, err := svc.RejectPullRequest(ctx, "mod-1", "my-story", pr.ID, "weak plot")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != store.PRStatusRejected {
		t.Fatalf("status = %s, want rejected", rejected.Status)
	}

	_, err = svc.CastVote(ctx, "rev-1", "my-story", pr.ID, 1)
	wantDomainCode(t, err, "CONFLICT")

	_, err = svc.RejectPullRequest(ctx, "mod-1", "my-story", pr.ID, "again")
	wantDomainCode(t, err, "CONFLICT")
}

func TestRejectTakesModerationRights(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	root := seedTree(t, fs, svc)
	ctx := context.Background()

	pr := openNewChapterPR(t, svc, "con-1", root.Slug)
	_, err := svc.RejectPullRequest(ctx, "rev-1", "my-story", pr.ID, "not for me")
	wantDomainCode(t, err, "FORBIDDEN")

	loaded, err := svc.GetPullRequest(ctx, "my-story", pr.ID)
	if err != nil {
		t.Fatalf("get PR: %v", err)
	}
	if loaded.Status != store.PRStatusOpen {
		t.Fatalf("status = %s, want open after denied reject", loaded.Status)
	}
}

func TestLifecycleTransitionsRejected(t *testing.T) {
	terminalOrWrong := []store.PRStatus{
		store.PRStatusApproved, store.PRStatusRejected, store.PRStatusClosed, store.PRStatusMerged,
	}
	for _, status := range terminalOrWrong {
		t.Run("approve from "+string(status), func(t *testing.T) {
			fs := newFakeStore()
			svc := newTestService(fs)
			root := seedTree(t, fs, svc)
			pr := openNewChapterPR(t, svc, "con-1", root.Slug)
			forceStatus(fs, pr.ID, status)

			_, err := svc.ApprovePullRequest(context.Background(), "rev-1", "my-story", pr.ID)
			wantDomainCode(t, err, "CONFLICT")
		})
	}

	notApproved := []store.PRStatus{
		store.PRStatusOpen, store.PRStatusRejected, store.PRStatusClosed, store.PRStatusMerged,
	}
	for _, status := range notApproved {
		t.Run("merge from "+string(status), func(t *testing.T) {
			fs := newFakeStore()
			svc := newTestService(fs)
			root := seedTree(t, fs, svc)
			pr := openNewChapterPR(t, svc, "con-1", root.Slug)
			forceStatus(fs, pr.ID, status)

			_, err := svc.MergePullRequest(context.Background(), "mod-1", "my-story", pr.ID)
			wantDomainCode(t, err, "CONFLICT")
		})
	}
}

func TestCloseKeepsChapterFlagWhileAnotherPROpen(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	root := seedTree(t, fs, svc)
	ctx := context.Background()
	seedCollaborator(fs, "my-story", "con-2", roles.RoleContributor, store.CollaboratorAccepted)

	openEdit := func(author, proposed string) store.PullRequest {
		pr, err := svc.CreatePullRequest(ctx, author, "my-story", CreatePRInput{
			Type:        store.PRTypeEditChapter,
			ChapterSlug: &root.Slug,
			Proposed:    proposed,
		})
		if err != nil {
			t.Fatalf("create edit PR for %s: %v", author, err)
		}
		return pr
	}
	first := openEdit("con-1", "It begins differently.")
	second := openEdit("con-2", "It begins another way.")

	if _, err := svc.ClosePullRequest(ctx, "con-1", "my-story", first.ID, "abandoned"); err != nil {
		t.Fatalf("close first: %v", err)
	}
	chapter, err := svc.GetChapter(ctx, "my-story", root.Slug)
	if err != nil {
		t.Fatalf("get chapter: %v", err)
	}
	if !chapter.FromPR {
		t.Fatal("chapter flag cleared while another edit PR is still open")
	}

	if _, err := svc.ClosePullRequest(ctx, "con-2", "my-story", second.ID, "abandoned too"); err != nil {
		t.Fatalf("close second: %v", err)
	}
	chapter, err = svc.GetChapter(ctx, "my-story", root.Slug)
	if err != nil {
		t.Fatalf("get chapter: %v", err)
	}
	if chapter.FromPR {
		t.Fatal("chapter flag should clear once the last open PR is gone")
	}
}

func TestMergeOpenPRWhenApprovalNotRequired(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	root := seedTree(t, fs, svc)
	ctx := context.Background()

	story := fs.stories["my-story"]
	story.ApprovalRequired = false
	fs.stories["my-story"] = story

	pr := openNewChapterPR(t, svc, "con-1", root.Slug)
	merged, err := svc.MergePullRequest(ctx, "mod-1", "my-story", pr.ID)
	if err != nil {
		t.Fatalf("merge open PR: %v", err)
	}
	if merged.Status != store.PRStatusMerged {
		t.Fatalf("status = %s, want merged", merged.Status)
	}

	closed := openNewChapterPR(t, svc, "con-1", root.Slug)
	forceStatus(fs, closed.ID, store.PRStatusClosed)
	_, err = svc.MergePullRequest(ctx, "mod-1", "my-story", closed.ID)
	wantDomainCode(t, err, "CONFLICT")
}

func forceStatus(fs *fakeStore, prID string, status store.PRStatus) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	pr := fs.prs[prID]
	pr.Status = status
	fs.prs[prID] = pr
}
