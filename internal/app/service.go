package app

import (
	"context"
	"database/sql"
	"errors"

	"github.com/rs/zerolog"

	"github.com/dhruv-moradiya/story-chain-be-sub001/internal/archive"
	"github.com/dhruv-moradiya/story-chain-be-sub001/internal/config"
	"github.com/dhruv-moradiya/story-chain-be-sub001/internal/notify"
	"github.com/dhruv-moradiya/story-chain-be-sub001/internal/roles"
	"github.com/dhruv-moradiya/story-chain-be-sub001/internal/store"
	"github.com/dhruv-moradiya/story-chain-be-sub001/internal/util"
)

// dataStore is everything the service needs from persistence. WithTx hands
// fn a store bound to one transaction; all writes through it are atomic.
type dataStore interface {
	WithTx(ctx context.Context, label string, fn func(tx dataStore) error) error
	Ping(ctx context.Context) error

	GetStory(ctx context.Context, slug string) (store.Story, error)
	InsertStory(ctx context.Context, story store.Story) error

	InsertChapter(ctx context.Context, chapter store.Chapter) error
	ChapterSlugExists(ctx context.Context, storySlug, slug string) (bool, error)
	GetChapter(ctx context.Context, storySlug, slug string) (store.Chapter, error)
	FindRoot(ctx context.Context, storySlug string) (store.Chapter, error)
	ListSiblings(ctx context.Context, storySlug string, parentSlug *string) ([]store.Chapter, error)
	ListChaptersByAuthor(ctx context.Context, storySlug, authorID string) ([]store.Chapter, error)
	NextBranchIndex(ctx context.Context, storySlug string, parentSlug *string) (int, error)
	IncrementChildBranches(ctx context.Context, storySlug, slug string) error
	IncrementReads(ctx context.Context, storySlug, slug string) error
	ReplaceChapterContent(ctx context.Context, storySlug, slug, title, content string) (int, error)
	InsertChapterVersion(ctx context.Context, v store.ChapterVersion) error
	ListChapterVersions(ctx context.Context, storySlug, chapterSlug string) ([]store.ChapterVersion, error)
	SoftDeleteChapter(ctx context.Context, storySlug, slug string) (bool, error)
	SetChapterPRState(ctx context.Context, storySlug, slug string, fromPR bool, prStatus string) error

	InsertPullRequest(ctx context.Context, pr store.PullRequest) error
	GetPullRequest(ctx context.Context, storySlug, id string) (store.PullRequest, error)
	FindOpenPullRequest(ctx context.Context, storySlug, authorID, targetKey string) (*store.PullRequest, error)
	ListPullRequests(ctx context.Context, storySlug string, status store.PRStatus) ([]store.PullRequest, error)
	HasOpenPullRequestForChapter(ctx context.Context, storySlug, chapterSlug string) (bool, error)
	TransitionPRStatus(ctx context.Context, storySlug, id string, from, to store.PRStatus) (bool, error)
	MarkPRMerged(ctx context.Context, storySlug, id, mergedBy string, from store.PRStatus) (bool, error)
	MarkPRClosed(ctx context.Context, storySlug, id, closedBy, reason string, to store.PRStatus) (bool, error)
	UpsertVote(ctx context.Context, prID, userID string, vote int) error
	RefreshVoteTotals(ctx context.Context, prID string) (int, int, int, error)
	AppendTimeline(ctx context.Context, entry store.TimelineEntry) error
	ListTimeline(ctx context.Context, prID string) ([]store.TimelineEntry, error)

	GetCollaborator(ctx context.Context, storySlug, userID string) (store.Collaborator, error)
	InsertCollaborator(ctx context.Context, c store.Collaborator) error
	SetCollaboratorStatus(ctx context.Context, storySlug, userID, from, to string) (bool, error)
	ListCollaborators(ctx context.Context, storySlug string) ([]store.Collaborator, error)
}

type archiveService interface {
	CommitChapter(storySlug, chapterSlug, content, author, message string) (archive.Revision, error)
	ChapterHistory(storySlug, chapterSlug string, limit int) ([]archive.Revision, error)
}

// sqlStore adapts *store.Store to dataStore so WithTx hands the callback the
// transaction-bound store behind the same interface.
type sqlStore struct {
	*store.Store
}

func (s sqlStore) WithTx(ctx context.Context, label string, fn func(tx dataStore) error) error {
	return s.Store.WithTx(ctx, label, func(tx *store.Store) error {
		return fn(sqlStore{tx})
	})
}

type Service struct {
	cfg      config.Config
	store    dataStore
	archive  archiveService
	notifier notify.Notifier
	logger   zerolog.Logger
}

func New(cfg config.Config, st *store.Store, archiveService *archive.Service, notifier notify.Notifier, logger zerolog.Logger) *Service {
	return &Service{
		cfg:      cfg,
		store:    sqlStore{st},
		archive:  archiveService,
		notifier: notifier,
		logger:   logger,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// CreateStory registers a story owned by the caller. Story CRUD largely
// lives outside the core; this exists so the exposed surface is runnable
// end to end.
func (s *Service) CreateStory(ctx context.Context, userID, title string, branchingAllowed, approvalRequired, votingAllowed bool) (store.Story, error) {
	slug := util.Slugify(title)
	if slug == "" {
		return store.Story{}, badRequest("story title is required")
	}
	story := store.Story{
		Slug:             slug,
		Title:            title,
		CreatorID:        userID,
		Status:           "draft",
		BranchingAllowed: branchingAllowed,
		ApprovalRequired: approvalRequired,
		VotingAllowed:    votingAllowed,
	}
	if err := s.store.InsertStory(ctx, story); err != nil {
		if store.IsUniqueViolation(err) {
			return store.Story{}, conflict("a story with this slug already exists")
		}
		return store.Story{}, internal(err)
	}
	return story, nil
}

func (s *Service) GetStory(ctx context.Context, slug string) (store.Story, error) {
	story, err := s.store.GetStory(ctx, slug)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Story{}, notFound("story not found")
	}
	if err != nil {
		return store.Story{}, internal(err)
	}
	return story, nil
}

// effectiveRole resolves a user's role on a story. The creator is always
// owner, with or without a collaborator row. The bool reports whether the
// user is an accepted participant.
func (s *Service) effectiveRole(ctx context.Context, story store.Story, userID string) (roles.Role, bool, error) {
	if userID == story.CreatorID {
		return roles.RoleOwner, true, nil
	}
	collaborator, err := s.store.GetCollaborator(ctx, story.Slug, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, internal(err)
	}
	return roles.Normalize(collaborator.Role), collaborator.Status == store.CollaboratorAccepted, nil
}

// CheckPermission reports whether the user holds a capability on a story.
func (s *Service) CheckPermission(ctx context.Context, userID, storySlug string, capability roles.Capability) (bool, error) {
	story, err := s.GetStory(ctx, storySlug)
	if err != nil {
		return false, err
	}
	role, accepted, err := s.effectiveRole(ctx, story, userID)
	if err != nil {
		return false, err
	}
	if !accepted {
		return false, nil
	}
	return roles.Can(role, capability), nil
}

// requireCapability loads the caller's role and fails Forbidden unless they
// are an accepted collaborator holding the capability.
func (s *Service) requireCapability(ctx context.Context, story store.Story, userID string, capability roles.Capability) (roles.Role, error) {
	role, accepted, err := s.effectiveRole(ctx, story, userID)
	if err != nil {
		return "", err
	}
	if !accepted {
		return "", forbidden("not an accepted collaborator on this story")
	}
	if !roles.Can(role, capability) {
		return "", forbidden("role does not permit this operation")
	}
	return role, nil
}

func (s *Service) notify(ctx context.Context, event notify.Event) {
	// Fire and forget: delivery failure never fails the calling operation.
	s.notifier.Notify(ctx, event)
}
