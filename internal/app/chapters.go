package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dhruv-moradiya/story-chain-be-sub001/internal/archive"
	"github.com/dhruv-moradiya/story-chain-be-sub001/internal/notify"
	"github.com/dhruv-moradiya/story-chain-be-sub001/internal/roles"
	"github.com/dhruv-moradiya/story-chain-be-sub001/internal/store"
	"github.com/dhruv-moradiya/story-chain-be-sub001/internal/util"
)

type ChapterInput struct {
	Title    string
	Content  string
	Status   string
	IsEnding bool
}

func (in ChapterInput) validate() error {
	if strings.TrimSpace(in.Title) == "" {
		return badRequest("chapter title is required")
	}
	if strings.TrimSpace(in.Content) == "" {
		return badRequest("chapter content is required")
	}
	switch in.Status {
	case "", "draft", "published":
	default:
		return badRequest("chapter status must be draft or published")
	}
	return nil
}

func (in ChapterInput) status() string {
	if in.Status == "" {
		return "draft"
	}
	return in.Status
}

// CreateRootChapter plants the single root of a story's tree. Depth is 0 and
// the ancestor chain is empty; a second root is a Conflict.
func (s *Service) CreateRootChapter(ctx context.Context, userID, storySlug string, in ChapterInput) (store.Chapter, error) {
	if err := in.validate(); err != nil {
		return store.Chapter{}, err
	}
	story, err := s.GetStory(ctx, storySlug)
	if err != nil {
		return store.Chapter{}, err
	}
	if _, err := s.requireCapability(ctx, story, userID, roles.CapPublishChapters); err != nil {
		return store.Chapter{}, err
	}
	if _, err := s.store.FindRoot(ctx, storySlug); err == nil {
		return store.Chapter{}, conflict("story already has a root chapter")
	} else if !errors.Is(err, sql.ErrNoRows) {
		return store.Chapter{}, internal(err)
	}

	chapter := store.Chapter{
		Slug:      s.freeChapterSlug(ctx, storySlug, in.Title),
		StorySlug: storySlug,
		AuthorID:  userID,
		Title:     in.Title,
		Content:   in.Content,
		Status:    in.status(),
		IsEnding:  in.IsEnding,
		Version:   1,
	}
	err = s.store.WithTx(ctx, "chapter.create_root", func(tx dataStore) error {
		index, err := tx.NextBranchIndex(ctx, storySlug, nil)
		if err != nil {
			return err
		}
		chapter.BranchIndex = index
		return tx.InsertChapter(ctx, chapter)
	})
	if err != nil {
		if store.IsUniqueViolation(err) {
			return store.Chapter{}, conflict("story already has a root chapter")
		}
		return store.Chapter{}, wrap(err)
	}

	s.archiveChapter(chapter, "create root chapter")
	s.notify(ctx, notify.Event{
		Type:      "chapter.created",
		StorySlug: storySlug,
		ActorID:   userID,
		Payload:   map[string]any{"chapterSlug": chapter.Slug, "depth": 0},
		At:        time.Now(),
	})
	return chapter, nil
}

// CreateChildChapter adds an alternate continuation under parentSlug. Branch
// index, depth and the ancestor chain are derived here and nowhere else.
func (s *Service) CreateChildChapter(ctx context.Context, userID, storySlug, parentSlug string, in ChapterInput) (store.Chapter, error) {
	if err := in.validate(); err != nil {
		return store.Chapter{}, err
	}
	story, err := s.GetStory(ctx, storySlug)
	if err != nil {
		return store.Chapter{}, err
	}
	if _, err := s.requireCapability(ctx, story, userID, roles.CapPublishChapters); err != nil {
		return store.Chapter{}, err
	}
	if !story.BranchingAllowed {
		return store.Chapter{}, forbidden("branching is disabled for this story")
	}
	parent, err := s.loadParent(ctx, storySlug, parentSlug)
	if err != nil {
		return store.Chapter{}, err
	}

	var chapter store.Chapter
	err = s.store.WithTx(ctx, "chapter.create_child", func(tx dataStore) error {
		created, err := s.createChildTx(ctx, tx, story, parent, userID, in, false, "")
		if err != nil {
			return err
		}
		chapter = created
		return nil
	})
	if err != nil {
		if store.IsUniqueViolation(err) {
			return store.Chapter{}, conflict("chapter slug already in use")
		}
		return store.Chapter{}, wrap(err)
	}

	s.archiveChapter(chapter, "create chapter")
	s.notify(ctx, notify.Event{
		Type:      "chapter.created",
		StorySlug: storySlug,
		ActorID:   userID,
		Payload:   map[string]any{"chapterSlug": chapter.Slug, "parentSlug": parentSlug, "depth": chapter.Depth},
		At:        time.Now(),
	})
	return chapter, nil
}

// createChildTx persists a child chapter and bumps the parent's branch count
// inside the caller's transaction. The merge path reuses it so PR-born
// chapters carry the same invariants as directly published ones.
func (s *Service) createChildTx(ctx context.Context, tx dataStore, story store.Story, parent store.Chapter, authorID string, in ChapterInput, fromPR bool, prStatus string) (store.Chapter, error) {
	index, err := tx.NextBranchIndex(ctx, story.Slug, &parent.Slug)
	if err != nil {
		return store.Chapter{}, err
	}
	ancestors := make([]string, 0, len(parent.Ancestors)+1)
	ancestors = append(ancestors, parent.Ancestors...)
	ancestors = append(ancestors, parent.Slug)

	chapter := store.Chapter{
		Slug:        s.freeChapterSlug(ctx, story.Slug, in.Title),
		StorySlug:   story.Slug,
		ParentSlug:  &parent.Slug,
		Ancestors:   ancestors,
		Depth:       parent.Depth + 1,
		BranchIndex: index,
		AuthorID:    authorID,
		Title:       in.Title,
		Content:     in.Content,
		Status:      in.status(),
		IsEnding:    in.IsEnding,
		FromPR:      fromPR,
		PRStatus:    prStatus,
		Version:     1,
	}
	if err := tx.InsertChapter(ctx, chapter); err != nil {
		return store.Chapter{}, err
	}
	if err := tx.IncrementChildBranches(ctx, story.Slug, parent.Slug); err != nil {
		return store.Chapter{}, err
	}
	return chapter, nil
}

func (s *Service) loadParent(ctx context.Context, storySlug, parentSlug string) (store.Chapter, error) {
	parent, err := s.store.GetChapter(ctx, storySlug, parentSlug)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Chapter{}, notFound("parent chapter not found")
	}
	if err != nil {
		return store.Chapter{}, internal(err)
	}
	if parent.StorySlug != storySlug {
		return store.Chapter{}, badRequest("parent chapter belongs to a different story")
	}
	if parent.Status == "deleted" {
		return store.Chapter{}, notFound("parent chapter not found")
	}
	return parent, nil
}

func (s *Service) GetChapter(ctx context.Context, storySlug, slug string) (store.Chapter, error) {
	chapter, err := s.store.GetChapter(ctx, storySlug, slug)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Chapter{}, notFound("chapter not found")
	}
	if err != nil {
		return store.Chapter{}, internal(err)
	}
	if chapter.Status == "deleted" {
		return store.Chapter{}, notFound("chapter not found")
	}
	return chapter, nil
}

func (s *Service) GetRootChapter(ctx context.Context, storySlug string) (store.Chapter, error) {
	if _, err := s.GetStory(ctx, storySlug); err != nil {
		return store.Chapter{}, err
	}
	chapter, err := s.store.FindRoot(ctx, storySlug)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Chapter{}, notFound("story has no root chapter")
	}
	if err != nil {
		return store.Chapter{}, internal(err)
	}
	return chapter, nil
}

// ListSiblings returns the alternate branches under one parent in branch
// index order. A nil parentSlug lists the root generation.
func (s *Service) ListSiblings(ctx context.Context, storySlug string, parentSlug *string) ([]store.Chapter, error) {
	if _, err := s.GetStory(ctx, storySlug); err != nil {
		return nil, err
	}
	siblings, err := s.store.ListSiblings(ctx, storySlug, parentSlug)
	if err != nil {
		return nil, internal(err)
	}
	return siblings, nil
}

func (s *Service) ListChaptersByAuthor(ctx context.Context, storySlug, authorID string) ([]store.Chapter, error) {
	if _, err := s.GetStory(ctx, storySlug); err != nil {
		return nil, err
	}
	chapters, err := s.store.ListChaptersByAuthor(ctx, storySlug, authorID)
	if err != nil {
		return nil, internal(err)
	}
	return chapters, nil
}

// RecordChapterRead bumps the read counter. Kept apart from GetChapter so
// the read paths stay side-effect free.
func (s *Service) RecordChapterRead(ctx context.Context, storySlug, slug string) error {
	err := s.store.IncrementReads(ctx, storySlug, slug)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound("chapter not found")
	}
	if err != nil {
		return internal(err)
	}
	return nil
}

// ChapterVersions lists superseded content revisions retained by merged
// edits, newest first.
func (s *Service) ChapterVersions(ctx context.Context, storySlug, chapterSlug string) ([]store.ChapterVersion, error) {
	if _, err := s.GetChapter(ctx, storySlug, chapterSlug); err != nil {
		return nil, err
	}
	versions, err := s.store.ListChapterVersions(ctx, storySlug, chapterSlug)
	if err != nil {
		return nil, internal(err)
	}
	return versions, nil
}

// ChapterHistory lists the chapter's archive commits, newest first.
func (s *Service) ChapterHistory(ctx context.Context, storySlug, chapterSlug string, limit int) ([]archive.Revision, error) {
	if _, err := s.GetChapter(ctx, storySlug, chapterSlug); err != nil {
		return nil, err
	}
	revisions, err := s.archive.ChapterHistory(storySlug, chapterSlug, limit)
	if err != nil {
		return nil, internal(err)
	}
	return revisions, nil
}

// freeChapterSlug derives a slug from the title and suffixes it when the
// story already uses it. Deleted chapters keep their slug reserved, so the
// lookup ignores status. A racing insert can still collide; the unique key
// turns that into a Conflict.
func (s *Service) freeChapterSlug(ctx context.Context, storySlug, title string) string {
	slug := util.Slugify(title)
	if slug == "" {
		slug = "chapter"
	}
	taken, err := s.store.ChapterSlugExists(ctx, storySlug, slug)
	if err == nil && !taken {
		return slug
	}
	return fmt.Sprintf("%s-%s", slug, util.NewID("")[:6])
}

// archiveChapter commits chapter content to the story archive outside any
// transaction. Failures are logged, never surfaced.
func (s *Service) archiveChapter(chapter store.Chapter, message string) {
	_, err := s.archive.CommitChapter(chapter.StorySlug, chapter.Slug, chapter.Content, chapter.AuthorID, message)
	if err != nil {
		s.logger.Warn().Err(err).
			Str("story", chapter.StorySlug).
			Str("chapter", chapter.Slug).
			Msg("archive commit failed")
	}
}

// wrap passes DomainErrors through and shields everything else as Internal.
func wrap(err error) error {
	if _, ok := AsDomainError(err); ok {
		return err
	}
	return internal(err)
}
