package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/dhruv-moradiya/story-chain-be-sub001/internal/diff"
	"github.com/dhruv-moradiya/story-chain-be-sub001/internal/notify"
	"github.com/dhruv-moradiya/story-chain-be-sub001/internal/roles"
	"github.com/dhruv-moradiya/story-chain-be-sub001/internal/store"
	"github.com/dhruv-moradiya/story-chain-be-sub001/internal/util"
)

type AutoApprove struct {
	Enabled    bool
	Threshold  int
	WindowDays int
}

type CreatePRInput struct {
	Type              store.PRType
	ChapterSlug       *string
	ParentChapterSlug *string
	Title             string
	Proposed          string
	AutoApprove       AutoApprove
	Labels            []string
}

// CreatePullRequest validates a proposal against the story, the caller's
// role and the tree, computes its change payload, and opens it.
func (s *Service) CreatePullRequest(ctx context.Context, userID, storySlug string, in CreatePRInput) (store.PullRequest, error) {
	story, err := s.GetStory(ctx, storySlug)
	if err != nil {
		return store.PullRequest{}, err
	}
	if _, err := s.requireCapability(ctx, story, userID, roles.CapCreatePR); err != nil {
		return store.PullRequest{}, err
	}

	original, err := s.resolveTarget(ctx, story, in)
	if err != nil {
		return store.PullRequest{}, err
	}

	targetKey := store.TargetKey(in.ChapterSlug, in.ParentChapterSlug)
	existing, err := s.store.FindOpenPullRequest(ctx, storySlug, userID, targetKey)
	if err != nil {
		return store.PullRequest{}, internal(err)
	}
	if existing != nil {
		return store.PullRequest{}, conflict("an open pull request for this target already exists")
	}

	changes, err := diff.ResolveChanges(diff.Kind(in.Type), original, in.Proposed)
	if err != nil {
		return store.PullRequest{}, badRequest("invalid pull request type")
	}

	pr := store.PullRequest{
		ID:                    util.NewID("pr"),
		StorySlug:             storySlug,
		ChapterSlug:           in.ChapterSlug,
		ParentChapterSlug:     in.ParentChapterSlug,
		AuthorID:              userID,
		Type:                  in.Type,
		Title:                 in.Title,
		Original:              changes.Original,
		Proposed:              changes.Proposed,
		DiffText:              changes.Diff,
		LineCount:             changes.LineCount,
		Additions:             changes.Additions,
		Deletions:             changes.Deletions,
		Unchanged:             changes.Unchanged,
		Status:                store.PRStatusOpen,
		AutoApproveEnabled:    in.AutoApprove.Enabled,
		AutoApproveThreshold:  in.AutoApprove.Threshold,
		AutoApproveWindowDays: in.AutoApprove.WindowDays,
		Labels:                in.Labels,
		CreatedAt:             time.Now(),
	}

	err = s.store.WithTx(ctx, "pr.create", func(tx dataStore) error {
		if err := tx.InsertPullRequest(ctx, pr); err != nil {
			return err
		}
		if in.Type != store.PRTypeNewChapter {
			if err := tx.SetChapterPRState(ctx, storySlug, *in.ChapterSlug, true, "open"); err != nil {
				return err
			}
		}
		return tx.AppendTimeline(ctx, store.TimelineEntry{
			ID:      util.NewID("tl"),
			PRID:    pr.ID,
			Action:  "opened",
			ActorID: userID,
		})
	})
	if err != nil {
		if store.IsUniqueViolation(err) {
			return store.PullRequest{}, conflict("an open pull request for this target already exists")
		}
		return store.PullRequest{}, wrap(err)
	}

	s.notify(ctx, notify.Event{
		Type:      "pr.opened",
		StorySlug: storySlug,
		ActorID:   userID,
		Payload:   map[string]any{"prId": pr.ID, "prType": string(pr.Type)},
		At:        time.Now(),
	})
	return pr, nil
}

// resolveTarget checks the tree references a proposal names and returns the
// current content an edit or delete diffs against.
func (s *Service) resolveTarget(ctx context.Context, story store.Story, in CreatePRInput) (string, error) {
	switch in.Type {
	case store.PRTypeNewChapter:
		if in.ParentChapterSlug == nil {
			return "", badRequest("new chapter proposals require a parent chapter")
		}
		if strings.TrimSpace(in.Title) == "" || strings.TrimSpace(in.Proposed) == "" {
			return "", badRequest("chapter title and content are required")
		}
		if _, err := s.loadParent(ctx, story.Slug, *in.ParentChapterSlug); err != nil {
			return "", err
		}
		return "", nil
	case store.PRTypeEditChapter:
		if in.ChapterSlug == nil {
			return "", badRequest("edit proposals require a target chapter")
		}
		if strings.TrimSpace(in.Proposed) == "" {
			return "", badRequest("proposed content is required")
		}
		chapter, err := s.GetChapter(ctx, story.Slug, *in.ChapterSlug)
		if err != nil {
			return "", err
		}
		return chapter.Content, nil
	case store.PRTypeDeleteChapter:
		if in.ChapterSlug == nil {
			return "", badRequest("delete proposals require a target chapter")
		}
		chapter, err := s.GetChapter(ctx, story.Slug, *in.ChapterSlug)
		if err != nil {
			return "", err
		}
		return chapter.Content, nil
	default:
		return "", badRequest("invalid pull request type")
	}
}

// GetPullRequest reads a proposal, settling a pending auto-approval first if
// one is due.
func (s *Service) GetPullRequest(ctx context.Context, storySlug, id string) (store.PullRequest, error) {
	pr, err := s.loadPullRequest(ctx, storySlug, id)
	if err != nil {
		return store.PullRequest{}, err
	}
	return s.settleAutoApproval(ctx, pr)
}

func (s *Service) ListPullRequests(ctx context.Context, storySlug string, status store.PRStatus) ([]store.PullRequest, error) {
	if _, err := s.GetStory(ctx, storySlug); err != nil {
		return nil, err
	}
	prs, err := s.store.ListPullRequests(ctx, storySlug, status)
	if err != nil {
		return nil, internal(err)
	}
	return prs, nil
}

// CastVote records or replaces the caller's vote and refreshes the PR's
// aggregates atomically, then applies auto-approval if the new score earns
// it inside the window.
func (s *Service) CastVote(ctx context.Context, userID, storySlug, id string, vote int) (store.PullRequest, error) {
	if vote != 1 && vote != -1 {
		return store.PullRequest{}, badRequest("vote must be 1 or -1")
	}
	story, err := s.GetStory(ctx, storySlug)
	if err != nil {
		return store.PullRequest{}, err
	}
	if !story.VotingAllowed {
		return store.PullRequest{}, forbidden("voting is disabled for this story")
	}
	if _, err := s.requireCapability(ctx, story, userID, roles.CapVotePR); err != nil {
		return store.PullRequest{}, err
	}
	pr, err := s.loadPullRequest(ctx, storySlug, id)
	if err != nil {
		return store.PullRequest{}, err
	}
	if pr.Status != store.PRStatusOpen {
		return store.PullRequest{}, conflict("pull request is not open")
	}

	autoApproved := false
	err = s.store.WithTx(ctx, "pr.vote", func(tx dataStore) error {
		if err := tx.UpsertVote(ctx, pr.ID, userID, vote); err != nil {
			return err
		}
		upvotes, downvotes, score, err := tx.RefreshVoteTotals(ctx, pr.ID)
		if err != nil {
			return err
		}
		pr.Upvotes, pr.Downvotes, pr.Score = upvotes, downvotes, score
		if !autoApproveReady(pr, time.Now()) {
			return nil
		}
		ok, err := tx.TransitionPRStatus(ctx, storySlug, pr.ID, store.PRStatusOpen, store.PRStatusApproved)
		if err != nil || !ok {
			return err
		}
		autoApproved = true
		pr.Status = store.PRStatusApproved
		return tx.AppendTimeline(ctx, store.TimelineEntry{
			ID:     util.NewID("tl"),
			PRID:   pr.ID,
			Action: "auto_approved",
			Note:   "vote threshold reached inside the approval window",
		})
	})
	if err != nil {
		return store.PullRequest{}, wrap(err)
	}

	event := notify.Event{
		Type:      "pr.voted",
		StorySlug: storySlug,
		ActorID:   userID,
		Payload:   map[string]any{"prId": pr.ID, "score": pr.Score},
		At:        time.Now(),
	}
	if autoApproved {
		event.Type = "pr.auto_approved"
	}
	s.notify(ctx, event)
	return pr, nil
}

// autoApproveReady is the whole auto-approval rule: enabled, still open,
// score at or past the threshold, and the PR no older than its window.
func autoApproveReady(pr store.PullRequest, now time.Time) bool {
	if !pr.AutoApproveEnabled || pr.Status != store.PRStatusOpen {
		return false
	}
	if pr.Score < pr.AutoApproveThreshold {
		return false
	}
	window := time.Duration(pr.AutoApproveWindowDays) * 24 * time.Hour
	return now.Sub(pr.CreatedAt) <= window
}

// settleAutoApproval applies a due auto-approval found on a read path. A PR
// left unvoted past its window simply stays open.
func (s *Service) settleAutoApproval(ctx context.Context, pr store.PullRequest) (store.PullRequest, error) {
	if !autoApproveReady(pr, time.Now()) {
		return pr, nil
	}
	err := s.store.WithTx(ctx, "pr.auto_approve", func(tx dataStore) error {
		ok, err := tx.TransitionPRStatus(ctx, pr.StorySlug, pr.ID, store.PRStatusOpen, store.PRStatusApproved)
		if err != nil || !ok {
			return err
		}
		pr.Status = store.PRStatusApproved
		return tx.AppendTimeline(ctx, store.TimelineEntry{
			ID:     util.NewID("tl"),
			PRID:   pr.ID,
			Action: "auto_approved",
			Note:   "vote threshold reached inside the approval window",
		})
	})
	if err != nil {
		return store.PullRequest{}, wrap(err)
	}
	return pr, nil
}

// ApprovePullRequest moves an open PR to approved on behalf of a reviewer.
func (s *Service) ApprovePullRequest(ctx context.Context, userID, storySlug, id string) (store.PullRequest, error) {
	story, err := s.GetStory(ctx, storySlug)
	if err != nil {
		return store.PullRequest{}, err
	}
	if _, err := s.requireCapability(ctx, story, userID, roles.CapReviewPR); err != nil {
		return store.PullRequest{}, err
	}
	pr, err := s.loadPullRequest(ctx, storySlug, id)
	if err != nil {
		return store.PullRequest{}, err
	}

	err = s.store.WithTx(ctx, "pr.approve", func(tx dataStore) error {
		ok, err := tx.TransitionPRStatus(ctx, storySlug, id, store.PRStatusOpen, store.PRStatusApproved)
		if err != nil {
			return err
		}
		if !ok {
			return conflict("pull request is not open")
		}
		return tx.AppendTimeline(ctx, store.TimelineEntry{
			ID:      util.NewID("tl"),
			PRID:    id,
			Action:  "approved",
			ActorID: userID,
		})
	})
	if err != nil {
		return store.PullRequest{}, wrap(err)
	}
	pr.Status = store.PRStatusApproved

	s.notify(ctx, notify.Event{
		Type:      "pr.approved",
		StorySlug: storySlug,
		ActorID:   userID,
		Payload:   map[string]any{"prId": id},
		At:        time.Now(),
	})
	return pr, nil
}

// MergePullRequest materializes a proposal onto the tree. Stories that
// require approval accept only approved PRs; otherwise an open PR merges
// directly. The chapter mutation, the status flip and the timeline entry
// commit together; archive and notification run after the commit and
// cannot undo it.
func (s *Service) MergePullRequest(ctx context.Context, userID, storySlug, id string) (store.PullRequest, error) {
	story, err := s.GetStory(ctx, storySlug)
	if err != nil {
		return store.PullRequest{}, err
	}
	if _, err := s.requireCapability(ctx, story, userID, roles.CapMergePR); err != nil {
		return store.PullRequest{}, err
	}
	pr, err := s.loadPullRequest(ctx, storySlug, id)
	if err != nil {
		return store.PullRequest{}, err
	}
	mergeFrom := store.PRStatusApproved
	switch {
	case pr.Status == store.PRStatusApproved:
	case pr.Status == store.PRStatusOpen && !story.ApprovalRequired:
		mergeFrom = store.PRStatusOpen
	default:
		return store.PullRequest{}, conflict("pull request is not in a mergeable state")
	}

	var merged store.Chapter
	err = s.store.WithTx(ctx, "pr.merge", func(tx dataStore) error {
		chapter, err := s.materialize(ctx, tx, story, pr, userID)
		if err != nil {
			return err
		}
		merged = chapter
		ok, err := tx.MarkPRMerged(ctx, storySlug, id, userID, mergeFrom)
		if err != nil {
			return err
		}
		if !ok {
			return conflict("pull request is not in a mergeable state")
		}
		return tx.AppendTimeline(ctx, store.TimelineEntry{
			ID:      util.NewID("tl"),
			PRID:    id,
			Action:  "merged",
			ActorID: userID,
		})
	})
	if err != nil {
		return store.PullRequest{}, wrap(err)
	}

	now := time.Now()
	pr.Status = store.PRStatusMerged
	pr.MergedBy = &userID
	pr.MergedAt = &now

	if pr.Type != store.PRTypeDeleteChapter {
		s.archiveChapter(merged, "merge "+pr.ID)
	}
	s.notify(ctx, notify.Event{
		Type:      "pr.merged",
		StorySlug: storySlug,
		ActorID:   userID,
		Payload:   map[string]any{"prId": id, "chapterSlug": merged.Slug},
		At:        now,
	})
	return pr, nil
}

// materialize applies one proposal's effect inside the merge transaction:
// create the child, replace content keeping the prior version, or soft
// delete.
func (s *Service) materialize(ctx context.Context, tx dataStore, story store.Story, pr store.PullRequest, mergedBy string) (store.Chapter, error) {
	switch pr.Type {
	case store.PRTypeNewChapter:
		parent, err := tx.GetChapter(ctx, story.Slug, *pr.ParentChapterSlug)
		if errors.Is(err, sql.ErrNoRows) {
			return store.Chapter{}, notFound("parent chapter not found")
		}
		if err != nil {
			return store.Chapter{}, err
		}
		return s.createChildTx(ctx, tx, story, parent, pr.AuthorID, ChapterInput{
			Title:   pr.Title,
			Content: pr.Proposed,
			Status:  "published",
		}, true, "merged")

	case store.PRTypeEditChapter:
		chapter, err := tx.GetChapter(ctx, story.Slug, *pr.ChapterSlug)
		if errors.Is(err, sql.ErrNoRows) {
			return store.Chapter{}, notFound("chapter not found")
		}
		if err != nil {
			return store.Chapter{}, err
		}
		if err := tx.InsertChapterVersion(ctx, store.ChapterVersion{
			StorySlug:   story.Slug,
			ChapterSlug: chapter.Slug,
			Version:     chapter.Version,
			Title:       chapter.Title,
			Content:     chapter.Content,
			ReplacedBy:  mergedBy,
			PRID:        pr.ID,
		}); err != nil {
			return store.Chapter{}, err
		}
		title := chapter.Title
		if strings.TrimSpace(pr.Title) != "" {
			title = pr.Title
		}
		version, err := tx.ReplaceChapterContent(ctx, story.Slug, chapter.Slug, title, pr.Proposed)
		if err != nil {
			return store.Chapter{}, err
		}
		if err := tx.SetChapterPRState(ctx, story.Slug, chapter.Slug, true, "merged"); err != nil {
			return store.Chapter{}, err
		}
		chapter.Title = title
		chapter.Content = pr.Proposed
		chapter.Version = version
		return chapter, nil

	case store.PRTypeDeleteChapter:
		deleted, err := tx.SoftDeleteChapter(ctx, story.Slug, *pr.ChapterSlug)
		if err != nil {
			return store.Chapter{}, err
		}
		if !deleted {
			return store.Chapter{}, notFound("chapter not found")
		}
		return store.Chapter{StorySlug: story.Slug, Slug: *pr.ChapterSlug}, nil

	default:
		return store.Chapter{}, badRequest("invalid pull request type")
	}
}

// ClosePullRequest withdraws an open PR. Authors may close their own;
// closing someone else's takes moderation rights.
func (s *Service) ClosePullRequest(ctx context.Context, userID, storySlug, id, reason string) (store.PullRequest, error) {
	story, err := s.GetStory(ctx, storySlug)
	if err != nil {
		return store.PullRequest{}, err
	}
	pr, err := s.loadPullRequest(ctx, storySlug, id)
	if err != nil {
		return store.PullRequest{}, err
	}
	if pr.AuthorID != userID {
		if _, err := s.requireCapability(ctx, story, userID, roles.CapModeratePR); err != nil {
			return store.PullRequest{}, err
		}
	}
	return s.terminate(ctx, userID, pr, store.PRStatusClosed, "closed", reason)
}

// RejectPullRequest terminally refuses an open PR. Rejecting someone
// else's work takes moderation rights, like closing it does.
func (s *Service) RejectPullRequest(ctx context.Context, userID, storySlug, id, reason string) (store.PullRequest, error) {
	story, err := s.GetStory(ctx, storySlug)
	if err != nil {
		return store.PullRequest{}, err
	}
	if _, err := s.requireCapability(ctx, story, userID, roles.CapModeratePR); err != nil {
		return store.PullRequest{}, err
	}
	pr, err := s.loadPullRequest(ctx, storySlug, id)
	if err != nil {
		return store.PullRequest{}, err
	}
	return s.terminate(ctx, userID, pr, store.PRStatusRejected, "rejected", reason)
}

// terminate performs the open → closed/rejected transition with its timeline
// entry. For edit/delete proposals the target chapter's PR flag clears only
// once no other author still has an open PR on that chapter.
func (s *Service) terminate(ctx context.Context, userID string, pr store.PullRequest, to store.PRStatus, action, reason string) (store.PullRequest, error) {
	err := s.store.WithTx(ctx, "pr."+action, func(tx dataStore) error {
		ok, err := tx.MarkPRClosed(ctx, pr.StorySlug, pr.ID, userID, reason, to)
		if err != nil {
			return err
		}
		if !ok {
			return conflict("pull request is not open")
		}
		if pr.Type != store.PRTypeNewChapter && pr.ChapterSlug != nil {
			stillOpen, err := tx.HasOpenPullRequestForChapter(ctx, pr.StorySlug, *pr.ChapterSlug)
			if err != nil {
				return err
			}
			if !stillOpen {
				if err := tx.SetChapterPRState(ctx, pr.StorySlug, *pr.ChapterSlug, false, string(to)); err != nil {
					return err
				}
			}
		}
		return tx.AppendTimeline(ctx, store.TimelineEntry{
			ID:      util.NewID("tl"),
			PRID:    pr.ID,
			Action:  action,
			ActorID: userID,
			Note:    reason,
		})
	})
	if err != nil {
		return store.PullRequest{}, wrap(err)
	}

	now := time.Now()
	pr.Status = to
	pr.ClosedBy = &userID
	pr.ClosedAt = &now
	pr.CloseReason = reason

	s.notify(ctx, notify.Event{
		Type:      "pr." + action,
		StorySlug: pr.StorySlug,
		ActorID:   userID,
		Payload:   map[string]any{"prId": pr.ID, "reason": reason},
		At:        now,
	})
	return pr, nil
}

// PRTimeline lists a proposal's append-only action log, oldest first.
func (s *Service) PRTimeline(ctx context.Context, storySlug, id string) ([]store.TimelineEntry, error) {
	if _, err := s.loadPullRequest(ctx, storySlug, id); err != nil {
		return nil, err
	}
	entries, err := s.store.ListTimeline(ctx, id)
	if err != nil {
		return nil, internal(err)
	}
	return entries, nil
}

func (s *Service) loadPullRequest(ctx context.Context, storySlug, id string) (store.PullRequest, error) {
	pr, err := s.store.GetPullRequest(ctx, storySlug, id)
	if errors.Is(err, sql.ErrNoRows) {
		return store.PullRequest{}, notFound("pull request not found")
	}
	if err != nil {
		return store.PullRequest{}, internal(err)
	}
	return pr, nil
}
