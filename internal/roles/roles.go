// Package roles maps story collaborator roles to fixed capability sets and
// a total rank order used to block privilege escalation.
package roles

type Role string
type Capability string

const (
	RoleContributor Role = "contributor"
	RoleReviewer    Role = "reviewer"
	RoleModerator   Role = "moderator"
	RoleCoAuthor    Role = "co_author"
	RoleOwner       Role = "owner"
)

const (
	CapReadStory       Capability = "read_story"
	CapCreatePR        Capability = "create_pr"
	CapVotePR          Capability = "vote_pr"
	CapReviewPR        Capability = "review_pr"
	CapMergePR         Capability = "merge_pr"
	CapModeratePR      Capability = "moderate_pr"
	CapPublishChapters Capability = "publish_chapters"
	CapInvite          Capability = "invite_collaborators"
	CapEditSettings    Capability = "edit_story_settings"
	CapDeleteStory     Capability = "delete_story"
)

// Capabilities is the closed per-role grant table. Roles are additive up the
// rank order except create_pr, which reviewers lack: a reviewer judges
// proposals instead of raising them.
var capabilities = map[Role]map[Capability]bool{
	RoleContributor: {
		CapReadStory: true,
		CapCreatePR:  true,
		CapVotePR:    true,
	},
	RoleReviewer: {
		CapReadStory: true,
		CapVotePR:    true,
		CapReviewPR:  true,
	},
	RoleModerator: {
		CapReadStory:  true,
		CapCreatePR:   true,
		CapVotePR:     true,
		CapReviewPR:   true,
		CapMergePR:    true,
		CapModeratePR: true,
		CapInvite:     true,
	},
	RoleCoAuthor: {
		CapReadStory:       true,
		CapCreatePR:        true,
		CapVotePR:          true,
		CapReviewPR:        true,
		CapMergePR:         true,
		CapModeratePR:      true,
		CapPublishChapters: true,
		CapInvite:          true,
		CapEditSettings:    true,
		CapDeleteStory:     true,
	},
	RoleOwner: {
		CapReadStory:       true,
		CapCreatePR:        true,
		CapVotePR:          true,
		CapReviewPR:        true,
		CapMergePR:         true,
		CapModeratePR:      true,
		CapPublishChapters: true,
		CapInvite:          true,
		CapEditSettings:    true,
		CapDeleteStory:     true,
	},
}

var ranks = map[Role]int{
	RoleContributor: 0,
	RoleReviewer:    1,
	RoleModerator:   2,
	RoleCoAuthor:    3,
	RoleOwner:       4,
}

func Can(role Role, capability Capability) bool {
	grants, ok := capabilities[role]
	if !ok {
		return false
	}
	return grants[capability]
}

// Rank returns the role's position in the total order, -1 for unknown roles.
func Rank(role Role) int {
	rank, ok := ranks[role]
	if !ok {
		return -1
	}
	return rank
}

func Valid(role Role) bool {
	_, ok := ranks[role]
	return ok
}

// CheckHierarchy reports whether inviter may assign target. Assignment is
// allowed only strictly below the inviter's own rank.
func CheckHierarchy(inviter, target Role) bool {
	inviterRank, ok := ranks[inviter]
	if !ok {
		return false
	}
	targetRank, ok := ranks[target]
	if !ok {
		return false
	}
	return targetRank < inviterRank
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleContributor, RoleReviewer, RoleModerator, RoleCoAuthor, RoleOwner:
		return Role(role)
	default:
		return RoleContributor
	}
}
