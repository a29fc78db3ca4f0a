package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store wraps all SQL access. A Store returned by WithTx routes every query
// through the enclosing transaction.
type Store struct {
	db     *sql.DB
	q      dbtx
	txOpts TxOptions
}

func New(db *sql.DB, opts TxOptions) *Store {
	return &Store{db: db, q: db, txOpts: opts}
}

func (s *Store) bind(tx *sql.Tx) *Store {
	return &Store{db: s.db, q: tx, txOpts: s.txOpts}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// IsUniqueViolation reports whether err is a Postgres unique constraint
// failure (code 23505).
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// ---------------------------------------------------------------------------
// Stories

func (s *Store) GetStory(ctx context.Context, slug string) (Story, error) {
	var item Story
	err := s.q.QueryRowContext(ctx, `
		SELECT slug, title, creator_id, status, branching_allowed, approval_required, voting_allowed, created_at, updated_at
		FROM stories
		WHERE slug=$1 AND status <> 'deleted'
	`, slug).Scan(
		&item.Slug,
		&item.Title,
		&item.CreatorID,
		&item.Status,
		&item.BranchingAllowed,
		&item.ApprovalRequired,
		&item.VotingAllowed,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return Story{}, err
	}
	return item, nil
}

func (s *Store) InsertStory(ctx context.Context, story Story) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO stories (slug, title, creator_id, status, branching_allowed, approval_required, voting_allowed)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, story.Slug, story.Title, story.CreatorID, story.Status, story.BranchingAllowed, story.ApprovalRequired, story.VotingAllowed)
	if err != nil {
		return fmt.Errorf("insert story: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Chapters

const chapterColumns = `
	slug, story_slug, parent_slug, ancestors, depth, branch_index, author_id,
	title, content, status, is_ending, upvotes, downvotes, score,
	from_pr, pr_status, version, reads, comments, child_branches, created_at, updated_at
`

func scanChapter(row interface{ Scan(...any) error }) (Chapter, error) {
	var item Chapter
	var ancestorsRaw []byte
	err := row.Scan(
		&item.Slug,
		&item.StorySlug,
		&item.ParentSlug,
		&ancestorsRaw,
		&item.Depth,
		&item.BranchIndex,
		&item.AuthorID,
		&item.Title,
		&item.Content,
		&item.Status,
		&item.IsEnding,
		&item.Upvotes,
		&item.Downvotes,
		&item.Score,
		&item.FromPR,
		&item.PRStatus,
		&item.Version,
		&item.Reads,
		&item.Comments,
		&item.ChildBranches,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return Chapter{}, err
	}
	_ = json.Unmarshal(ancestorsRaw, &item.Ancestors)
	return item, nil
}

func (s *Store) InsertChapter(ctx context.Context, chapter Chapter) error {
	ancestors := chapter.Ancestors
	if ancestors == nil {
		ancestors = []string{}
	}
	encodedAncestors, err := json.Marshal(ancestors)
	if err != nil {
		return fmt.Errorf("marshal ancestors: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO chapters (
			slug, story_slug, parent_slug, ancestors, depth, branch_index, author_id,
			title, content, status, is_ending, from_pr, pr_status, version
		)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, chapter.Slug, chapter.StorySlug, chapter.ParentSlug, string(encodedAncestors),
		chapter.Depth, chapter.BranchIndex, chapter.AuthorID,
		chapter.Title, chapter.Content, chapter.Status, chapter.IsEnding,
		chapter.FromPR, chapter.PRStatus, chapter.Version)
	if err != nil {
		return fmt.Errorf("insert chapter: %w", err)
	}
	return nil
}

// ChapterSlugExists reports whether any row holds the slug, deleted
// chapters included: their slugs stay reserved.
func (s *Store) ChapterSlugExists(ctx context.Context, storySlug, slug string) (bool, error) {
	var exists bool
	err := s.q.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM chapters WHERE story_slug=$1 AND slug=$2)
	`, storySlug, slug).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("chapter slug exists: %w", err)
	}
	return exists, nil
}

func (s *Store) GetChapter(ctx context.Context, storySlug, slug string) (Chapter, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT `+chapterColumns+`
		FROM chapters
		WHERE story_slug=$1 AND slug=$2 AND status <> 'deleted'
	`, storySlug, slug)
	return scanChapter(row)
}

func (s *Store) FindRoot(ctx context.Context, storySlug string) (Chapter, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT `+chapterColumns+`
		FROM chapters
		WHERE story_slug=$1 AND parent_slug IS NULL AND status <> 'deleted'
	`, storySlug)
	return scanChapter(row)
}

func (s *Store) ListSiblings(ctx context.Context, storySlug string, parentSlug *string) ([]Chapter, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+chapterColumns+`
		FROM chapters
		WHERE story_slug=$1
		  AND (parent_slug=$2 OR ($2::text IS NULL AND parent_slug IS NULL))
		  AND status <> 'deleted'
		ORDER BY branch_index ASC
	`, storySlug, parentSlug)
	if err != nil {
		return nil, fmt.Errorf("list siblings: %w", err)
	}
	defer rows.Close()

	items := make([]Chapter, 0)
	for rows.Next() {
		item, err := scanChapter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sibling: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate siblings: %w", err)
	}
	return items, nil
}

func (s *Store) ListChaptersByAuthor(ctx context.Context, storySlug, authorID string) ([]Chapter, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+chapterColumns+`
		FROM chapters
		WHERE story_slug=$1 AND author_id=$2 AND status <> 'deleted'
		ORDER BY created_at ASC
	`, storySlug, authorID)
	if err != nil {
		return nil, fmt.Errorf("list chapters by author: %w", err)
	}
	defer rows.Close()

	items := make([]Chapter, 0)
	for rows.Next() {
		item, err := scanChapter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chapter: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chapters: %w", err)
	}
	return items, nil
}

// NextBranchIndex reserves the next 1-based sibling position under a parent
// via an atomic counter row. Indices are never reused, even after deletes.
func (s *Store) NextBranchIndex(ctx context.Context, storySlug string, parentSlug *string) (int, error) {
	parentKey := ""
	if parentSlug != nil {
		parentKey = *parentSlug
	}
	var next int
	err := s.q.QueryRowContext(ctx, `
		INSERT INTO branch_counters (story_slug, parent_key, next_index)
		VALUES ($1, $2, 1)
		ON CONFLICT (story_slug, parent_key)
		DO UPDATE SET next_index = branch_counters.next_index + 1
		RETURNING next_index
	`, storySlug, parentKey).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next branch index: %w", err)
	}
	return next, nil
}

func (s *Store) IncrementChildBranches(ctx context.Context, storySlug, slug string) error {
	result, err := s.q.ExecContext(ctx, `
		UPDATE chapters SET child_branches = child_branches + 1, updated_at=NOW()
		WHERE story_slug=$1 AND slug=$2
	`, storySlug, slug)
	if err != nil {
		return fmt.Errorf("increment child branches: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("increment child branches rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) IncrementReads(ctx context.Context, storySlug, slug string) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE chapters SET reads = reads + 1 WHERE story_slug=$1 AND slug=$2
	`, storySlug, slug)
	if err != nil {
		return fmt.Errorf("increment reads: %w", err)
	}
	return nil
}

// ReplaceChapterContent swaps in merged content and bumps the version.
// Returns the new version number.
func (s *Store) ReplaceChapterContent(ctx context.Context, storySlug, slug, title, content string) (int, error) {
	var version int
	err := s.q.QueryRowContext(ctx, `
		UPDATE chapters
		SET title=$3, content=$4, version = version + 1, updated_at=NOW()
		WHERE story_slug=$1 AND slug=$2 AND status <> 'deleted'
		RETURNING version
	`, storySlug, slug, title, content).Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}

func (s *Store) InsertChapterVersion(ctx context.Context, v ChapterVersion) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO chapter_versions (story_slug, chapter_slug, version, title, content, replaced_by, pr_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, v.StorySlug, v.ChapterSlug, v.Version, v.Title, v.Content, v.ReplacedBy, v.PRID)
	if err != nil {
		return fmt.Errorf("insert chapter version: %w", err)
	}
	return nil
}

func (s *Store) ListChapterVersions(ctx context.Context, storySlug, chapterSlug string) ([]ChapterVersion, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, story_slug, chapter_slug, version, title, content, replaced_by, pr_id, created_at
		FROM chapter_versions
		WHERE story_slug=$1 AND chapter_slug=$2
		ORDER BY version DESC
	`, storySlug, chapterSlug)
	if err != nil {
		return nil, fmt.Errorf("list chapter versions: %w", err)
	}
	defer rows.Close()

	items := make([]ChapterVersion, 0)
	for rows.Next() {
		var item ChapterVersion
		if err := rows.Scan(&item.ID, &item.StorySlug, &item.ChapterSlug, &item.Version,
			&item.Title, &item.Content, &item.ReplacedBy, &item.PRID, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chapter version: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chapter versions: %w", err)
	}
	return items, nil
}

func (s *Store) SoftDeleteChapter(ctx context.Context, storySlug, slug string) (bool, error) {
	result, err := s.q.ExecContext(ctx, `
		UPDATE chapters SET status='deleted', updated_at=NOW()
		WHERE story_slug=$1 AND slug=$2 AND status <> 'deleted'
	`, storySlug, slug)
	if err != nil {
		return false, fmt.Errorf("soft delete chapter: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("soft delete chapter rows: %w", err)
	}
	return affected > 0, nil
}

func (s *Store) SetChapterPRState(ctx context.Context, storySlug, slug string, fromPR bool, prStatus string) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE chapters SET from_pr=$3, pr_status=$4, updated_at=NOW()
		WHERE story_slug=$1 AND slug=$2
	`, storySlug, slug, fromPR, prStatus)
	if err != nil {
		return fmt.Errorf("set chapter pr state: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Pull requests

const pullRequestColumns = `
	id, story_slug, chapter_slug, parent_chapter_slug, author_id, pr_type, title,
	original, proposed, diff_text, line_count, additions, deletions, unchanged,
	status, upvotes, downvotes, score,
	auto_approve_enabled, auto_approve_threshold, auto_approve_window_days,
	labels, merged_by, merged_at, closed_by, closed_at, close_reason, created_at, updated_at
`

func scanPullRequest(row interface{ Scan(...any) error }) (PullRequest, error) {
	var item PullRequest
	var labelsRaw []byte
	err := row.Scan(
		&item.ID,
		&item.StorySlug,
		&item.ChapterSlug,
		&item.ParentChapterSlug,
		&item.AuthorID,
		&item.Type,
		&item.Title,
		&item.Original,
		&item.Proposed,
		&item.DiffText,
		&item.LineCount,
		&item.Additions,
		&item.Deletions,
		&item.Unchanged,
		&item.Status,
		&item.Upvotes,
		&item.Downvotes,
		&item.Score,
		&item.AutoApproveEnabled,
		&item.AutoApproveThreshold,
		&item.AutoApproveWindowDays,
		&labelsRaw,
		&item.MergedBy,
		&item.MergedAt,
		&item.ClosedBy,
		&item.ClosedAt,
		&item.CloseReason,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return PullRequest{}, err
	}
	_ = json.Unmarshal(labelsRaw, &item.Labels)
	return item, nil
}

func (s *Store) InsertPullRequest(ctx context.Context, pr PullRequest) error {
	labels := pr.Labels
	if labels == nil {
		labels = []string{}
	}
	encodedLabels, err := json.Marshal(labels)
	if err != nil {
		return fmt.Errorf("marshal labels: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO pull_requests (
			id, story_slug, chapter_slug, parent_chapter_slug, author_id, pr_type, title,
			original, proposed, diff_text, line_count, additions, deletions, unchanged,
			status, auto_approve_enabled, auto_approve_threshold, auto_approve_window_days,
			labels, target_key
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19::jsonb, $20)
	`, pr.ID, pr.StorySlug, pr.ChapterSlug, pr.ParentChapterSlug, pr.AuthorID, pr.Type, pr.Title,
		pr.Original, pr.Proposed, pr.DiffText, pr.LineCount, pr.Additions, pr.Deletions, pr.Unchanged,
		pr.Status, pr.AutoApproveEnabled, pr.AutoApproveThreshold, pr.AutoApproveWindowDays,
		string(encodedLabels), TargetKey(pr.ChapterSlug, pr.ParentChapterSlug))
	if err != nil {
		return fmt.Errorf("insert pull request: %w", err)
	}
	return nil
}

// TargetKey identifies what an open PR is aimed at: the edited/deleted
// chapter, or the parent a new chapter would branch from. The open-PR
// uniqueness rule is keyed on (story, author, target key).
func TargetKey(chapterSlug, parentChapterSlug *string) string {
	if chapterSlug != nil {
		return *chapterSlug
	}
	if parentChapterSlug != nil {
		return "new:" + *parentChapterSlug
	}
	return "new:root"
}

func (s *Store) GetPullRequest(ctx context.Context, storySlug, id string) (PullRequest, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT `+pullRequestColumns+`
		FROM pull_requests
		WHERE story_slug=$1 AND id=$2
	`, storySlug, id)
	return scanPullRequest(row)
}

func (s *Store) FindOpenPullRequest(ctx context.Context, storySlug, authorID, targetKey string) (*PullRequest, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT `+pullRequestColumns+`
		FROM pull_requests
		WHERE story_slug=$1 AND author_id=$2 AND target_key=$3 AND status='open'
		LIMIT 1
	`, storySlug, authorID, targetKey)
	item, err := scanPullRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find open pull request: %w", err)
	}
	return &item, nil
}

func (s *Store) ListPullRequests(ctx context.Context, storySlug string, status PRStatus) ([]PullRequest, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+pullRequestColumns+`
		FROM pull_requests
		WHERE story_slug=$1 AND ($2='' OR status=$2)
		ORDER BY created_at DESC
	`, storySlug, string(status))
	if err != nil {
		return nil, fmt.Errorf("list pull requests: %w", err)
	}
	defer rows.Close()

	items := make([]PullRequest, 0)
	for rows.Next() {
		item, err := scanPullRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pull request: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pull requests: %w", err)
	}
	return items, nil
}

// TransitionPRStatus moves a PR from one status to another, guarded by the
// current status so concurrent transitions cannot double-fire.
func (s *Store) TransitionPRStatus(ctx context.Context, storySlug, id string, from, to PRStatus) (bool, error) {
	result, err := s.q.ExecContext(ctx, `
		UPDATE pull_requests SET status=$4, updated_at=NOW()
		WHERE story_slug=$1 AND id=$2 AND status=$3
	`, storySlug, id, from, to)
	if err != nil {
		return false, fmt.Errorf("transition pr status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition pr status rows: %w", err)
	}
	return affected > 0, nil
}

func (s *Store) HasOpenPullRequestForChapter(ctx context.Context, storySlug, chapterSlug string) (bool, error) {
	var exists bool
	err := s.q.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pull_requests
			WHERE story_slug=$1 AND chapter_slug=$2 AND status='open'
		)
	`, storySlug, chapterSlug).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("open prs for chapter: %w", err)
	}
	return exists, nil
}

func (s *Store) MarkPRMerged(ctx context.Context, storySlug, id, mergedBy string, from PRStatus) (bool, error) {
	result, err := s.q.ExecContext(ctx, `
		UPDATE pull_requests
		SET status='merged', merged_by=$3, merged_at=NOW(), updated_at=NOW()
		WHERE story_slug=$1 AND id=$2 AND status=$4
	`, storySlug, id, mergedBy, from)
	if err != nil {
		return false, fmt.Errorf("mark pr merged: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark pr merged rows: %w", err)
	}
	return affected > 0, nil
}

func (s *Store) MarkPRClosed(ctx context.Context, storySlug, id, closedBy, reason string, to PRStatus) (bool, error) {
	result, err := s.q.ExecContext(ctx, `
		UPDATE pull_requests
		SET status=$5, closed_by=$3, closed_at=NOW(), close_reason=$4, updated_at=NOW()
		WHERE story_slug=$1 AND id=$2 AND status='open'
	`, storySlug, id, closedBy, reason, to)
	if err != nil {
		return false, fmt.Errorf("mark pr closed: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark pr closed rows: %w", err)
	}
	return affected > 0, nil
}

func (s *Store) UpsertVote(ctx context.Context, prID, userID string, vote int) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO pr_votes (pr_id, user_id, vote)
		VALUES ($1, $2, $3)
		ON CONFLICT (pr_id, user_id)
		DO UPDATE SET vote=EXCLUDED.vote, updated_at=NOW()
	`, prID, userID, vote)
	if err != nil {
		return fmt.Errorf("upsert vote: %w", err)
	}
	return nil
}

// RefreshVoteTotals recomputes a PR's vote aggregates server-side in a single
// statement so concurrent voters cannot lose updates.
func (s *Store) RefreshVoteTotals(ctx context.Context, prID string) (upvotes, downvotes, score int, err error) {
	err = s.q.QueryRowContext(ctx, `
		UPDATE pull_requests SET
			upvotes   = (SELECT COUNT(*) FROM pr_votes WHERE pr_id=$1 AND vote=1),
			downvotes = (SELECT COUNT(*) FROM pr_votes WHERE pr_id=$1 AND vote=-1),
			score     = (SELECT COALESCE(SUM(vote), 0) FROM pr_votes WHERE pr_id=$1),
			updated_at = NOW()
		WHERE id=$1
		RETURNING upvotes, downvotes, score
	`, prID).Scan(&upvotes, &downvotes, &score)
	if err != nil {
		err = fmt.Errorf("refresh vote totals: %w", err)
	}
	return
}

func (s *Store) AppendTimeline(ctx context.Context, entry TimelineEntry) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO pr_timeline (id, pr_id, action, actor_id, note)
		VALUES ($1, $2, $3, $4, $5)
	`, entry.ID, entry.PRID, entry.Action, entry.ActorID, entry.Note)
	if err != nil {
		return fmt.Errorf("append timeline: %w", err)
	}
	return nil
}

func (s *Store) ListTimeline(ctx context.Context, prID string) ([]TimelineEntry, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, pr_id, action, actor_id, note, created_at
		FROM pr_timeline
		WHERE pr_id=$1
		ORDER BY created_at ASC
	`, prID)
	if err != nil {
		return nil, fmt.Errorf("list timeline: %w", err)
	}
	defer rows.Close()

	items := make([]TimelineEntry, 0)
	for rows.Next() {
		var item TimelineEntry
		if err := rows.Scan(&item.ID, &item.PRID, &item.Action, &item.ActorID, &item.Note, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan timeline entry: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate timeline: %w", err)
	}
	return items, nil
}

// ---------------------------------------------------------------------------
// Collaborators

func (s *Store) GetCollaborator(ctx context.Context, storySlug, userID string) (Collaborator, error) {
	var item Collaborator
	err := s.q.QueryRowContext(ctx, `
		SELECT story_slug, user_id, role, status, invited_by, invited_at, accepted_at
		FROM story_collaborators
		WHERE story_slug=$1 AND user_id=$2
	`, storySlug, userID).Scan(
		&item.StorySlug,
		&item.UserID,
		&item.Role,
		&item.Status,
		&item.InvitedBy,
		&item.InvitedAt,
		&item.AcceptedAt,
	)
	if err != nil {
		return Collaborator{}, err
	}
	return item, nil
}

func (s *Store) InsertCollaborator(ctx context.Context, c Collaborator) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO story_collaborators (story_slug, user_id, role, status, invited_by)
		VALUES ($1, $2, $3, $4, $5)
	`, c.StorySlug, c.UserID, c.Role, c.Status, c.InvitedBy)
	if err != nil {
		return fmt.Errorf("insert collaborator: %w", err)
	}
	return nil
}

// SetCollaboratorStatus transitions an invitation, guarded by the current
// status. Accepting stamps accepted_at.
func (s *Store) SetCollaboratorStatus(ctx context.Context, storySlug, userID, from, to string) (bool, error) {
	stampAccepted := to == CollaboratorAccepted
	result, err := s.q.ExecContext(ctx, `
		UPDATE story_collaborators
		SET status=$4, accepted_at = CASE WHEN $5 THEN NOW() ELSE accepted_at END
		WHERE story_slug=$1 AND user_id=$2 AND status=$3
	`, storySlug, userID, from, to, stampAccepted)
	if err != nil {
		return false, fmt.Errorf("set collaborator status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set collaborator status rows: %w", err)
	}
	return affected > 0, nil
}

func (s *Store) ListCollaborators(ctx context.Context, storySlug string) ([]Collaborator, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT story_slug, user_id, role, status, invited_by, invited_at, accepted_at
		FROM story_collaborators
		WHERE story_slug=$1
		ORDER BY invited_at ASC
	`, storySlug)
	if err != nil {
		return nil, fmt.Errorf("list collaborators: %w", err)
	}
	defer rows.Close()

	items := make([]Collaborator, 0)
	for rows.Next() {
		var item Collaborator
		if err := rows.Scan(&item.StorySlug, &item.UserID, &item.Role, &item.Status,
			&item.InvitedBy, &item.InvitedAt, &item.AcceptedAt); err != nil {
			return nil, fmt.Errorf("scan collaborator: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate collaborators: %w", err)
	}
	return items, nil
}
