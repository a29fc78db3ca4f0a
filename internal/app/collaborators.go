package app

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/dhruv-moradiya/story-chain-be-sub001/internal/notify"
	"github.com/dhruv-moradiya/story-chain-be-sub001/internal/roles"
	"github.com/dhruv-moradiya/story-chain-be-sub001/internal/store"
)

// InviteCollaborator records a pending invitation. The inviter needs invite
// rights and may only hand out roles strictly below their own; the
// notification is fire-and-forget and never unwinds the row.
func (s *Service) InviteCollaborator(ctx context.Context, inviterID, storySlug, inviteeID string, role roles.Role) (store.Collaborator, error) {
	story, err := s.GetStory(ctx, storySlug)
	if err != nil {
		return store.Collaborator{}, err
	}
	inviterRole, err := s.requireCapability(ctx, story, inviterID, roles.CapInvite)
	if err != nil {
		return store.Collaborator{}, err
	}
	if !roles.Valid(role) {
		return store.Collaborator{}, badRequest("unknown collaborator role")
	}
	if inviteeID == story.CreatorID {
		return store.Collaborator{}, conflict("user already owns this story")
	}
	if _, err := s.store.GetCollaborator(ctx, storySlug, inviteeID); err == nil {
		return store.Collaborator{}, conflict("user is already a collaborator on this story")
	} else if !errors.Is(err, sql.ErrNoRows) {
		return store.Collaborator{}, internal(err)
	}
	if !roles.CheckHierarchy(inviterRole, role) {
		return store.Collaborator{}, forbidden("cannot grant a role at or above your own")
	}

	collaborator := store.Collaborator{
		StorySlug: storySlug,
		UserID:    inviteeID,
		Role:      string(role),
		Status:    store.CollaboratorPending,
		InvitedBy: inviterID,
		InvitedAt: time.Now(),
	}
	if err := s.store.InsertCollaborator(ctx, collaborator); err != nil {
		if store.IsUniqueViolation(err) {
			return store.Collaborator{}, conflict("user is already a collaborator on this story")
		}
		return store.Collaborator{}, internal(err)
	}

	s.notify(ctx, notify.Event{
		Type:      "collaborator.invited",
		StorySlug: storySlug,
		ActorID:   inviterID,
		Payload:   map[string]any{"userId": inviteeID, "role": string(role)},
		At:        time.Now(),
	})
	return collaborator, nil
}

// UpdateCollaboratorStatus lets the invited user accept or decline their own
// pending invitation. Acceptance stamps acceptedAt.
func (s *Service) UpdateCollaboratorStatus(ctx context.Context, userID, storySlug, status string) (store.Collaborator, error) {
	if status != store.CollaboratorAccepted && status != store.CollaboratorDeclined {
		return store.Collaborator{}, badRequest("status must be accepted or declined")
	}
	if _, err := s.GetStory(ctx, storySlug); err != nil {
		return store.Collaborator{}, err
	}
	collaborator, err := s.store.GetCollaborator(ctx, storySlug, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Collaborator{}, notFound("invitation not found")
	}
	if err != nil {
		return store.Collaborator{}, internal(err)
	}
	if collaborator.Status != store.CollaboratorPending {
		return store.Collaborator{}, conflict("invitation has already been answered")
	}

	ok, err := s.store.SetCollaboratorStatus(ctx, storySlug, userID, store.CollaboratorPending, status)
	if err != nil {
		return store.Collaborator{}, internal(err)
	}
	if !ok {
		return store.Collaborator{}, conflict("invitation has already been answered")
	}
	collaborator.Status = status
	if status == store.CollaboratorAccepted {
		now := time.Now()
		collaborator.AcceptedAt = &now
	}

	s.notify(ctx, notify.Event{
		Type:      "collaborator." + status,
		StorySlug: storySlug,
		ActorID:   userID,
		Payload:   map[string]any{"userId": userID},
		At:        time.Now(),
	})
	return collaborator, nil
}

// ListCollaborators requires the caller to be able to read the story.
func (s *Service) ListCollaborators(ctx context.Context, userID, storySlug string) ([]store.Collaborator, error) {
	story, err := s.GetStory(ctx, storySlug)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireCapability(ctx, story, userID, roles.CapReadStory); err != nil {
		return nil, err
	}
	collaborators, err := s.store.ListCollaborators(ctx, storySlug)
	if err != nil {
		return nil, internal(err)
	}
	return collaborators, nil
}
