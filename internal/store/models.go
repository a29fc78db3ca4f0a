package store

import "time"

type Story struct {
	Slug             string
	Title            string
	CreatorID        string
	Status           string
	BranchingAllowed bool
	ApprovalRequired bool
	VotingAllowed    bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Chapter is a node of a story's branching tree. Ancestors is the ordered
// slug chain from the root down to the parent, exclusive of the chapter
// itself; it is computed once at creation by the tree manager and never
// recomputed elsewhere.
type Chapter struct {
	Slug          string
	StorySlug     string
	ParentSlug    *string
	Ancestors     []string
	Depth         int
	BranchIndex   int
	AuthorID      string
	Title         string
	Content       string
	Status        string
	IsEnding      bool
	Upvotes       int
	Downvotes     int
	Score         int
	FromPR        bool
	PRStatus      string
	Version       int
	Reads         int
	Comments      int
	ChildBranches int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ChapterVersion retains superseded chapter content after a merged edit.
type ChapterVersion struct {
	ID          int64
	StorySlug   string
	ChapterSlug string
	Version     int
	Title       string
	Content     string
	ReplacedBy  string
	PRID        string
	CreatedAt   time.Time
}

type PRType string

const (
	PRTypeNewChapter    PRType = "new_chapter"
	PRTypeEditChapter   PRType = "edit_chapter"
	PRTypeDeleteChapter PRType = "delete_chapter"
)

type PRStatus string

const (
	PRStatusOpen     PRStatus = "open"
	PRStatusApproved PRStatus = "approved"
	PRStatusRejected PRStatus = "rejected"
	PRStatusClosed   PRStatus = "closed"
	PRStatusMerged   PRStatus = "merged"
)

type PullRequest struct {
	ID                string
	StorySlug         string
	ChapterSlug       *string
	ParentChapterSlug *string
	AuthorID          string
	Type              PRType
	Title             string

	Original  string
	Proposed  string
	DiffText  string
	LineCount int
	Additions int
	Deletions int
	Unchanged int

	Status    PRStatus
	Upvotes   int
	Downvotes int
	Score     int

	AutoApproveEnabled    bool
	AutoApproveThreshold  int
	AutoApproveWindowDays int

	Labels []string

	MergedBy    *string
	MergedAt    *time.Time
	ClosedBy    *string
	ClosedAt    *time.Time
	CloseReason string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TimelineEntry is one row of a pull request's append-only action log.
type TimelineEntry struct {
	ID        string
	PRID      string
	Action    string
	ActorID   string
	Note      string
	CreatedAt time.Time
}

type Collaborator struct {
	StorySlug  string
	UserID     string
	Role       string
	Status     string
	InvitedBy  string
	InvitedAt  time.Time
	AcceptedAt *time.Time
}

const (
	CollaboratorPending  = "pending"
	CollaboratorAccepted = "accepted"
	CollaboratorDeclined = "declined"
	CollaboratorRemoved  = "removed"
)
