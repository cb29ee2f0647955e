// Package query exposes typed, cached reads and cache-invalidating writes
// over the REST API.
package query

import (
	"context"
	"fmt"

	"github.com/mark-chris/plansync/internal/api"
	"github.com/mark-chris/plansync/internal/apierr"
	"github.com/mark-chris/plansync/internal/cache"
	"github.com/mark-chris/plansync/internal/collab"
	"github.com/mark-chris/plansync/internal/session"
)

// Cache keys.
const (
	KeyProfile       = "me"
	KeyNotifications = "notifications"
	KeyPlans         = "plans"
	KeyOwnedPlans    = KeyPlans + "/owned"
	KeySharedPlans   = KeyPlans + "/shared"
)

// PlanKey is the prefix of everything cached for one plan.
func PlanKey(planID string) string {
	return KeyPlans + "/" + planID
}

// CollaboratorsKey caches a plan's membership list.
func CollaboratorsKey(planID string) string {
	return PlanKey(planID) + "/collaborators"
}

// Service is the query layer.
type Service struct {
	cache    *cache.QueryCache
	client   *api.AuthenticatedClient
	sessions *session.Manager
}

// NewService wires the query layer.
func NewService(c *cache.QueryCache, client *api.AuthenticatedClient, sessions *session.Manager) *Service {
	return &Service{cache: c, client: client, sessions: sessions}
}

// Cache returns the underlying cache.
func (s *Service) Cache() *cache.QueryCache {
	return s.cache
}

// Profile returns the current user, or nil when unauthenticated. A missing
// token and a missing profile both read as nil; neither is an error.
func (s *Service) Profile(ctx context.Context) (*collab.UserProfile, error) {
	if !s.sessions.Current().Authenticated() {
		return nil, nil
	}
	return cache.Fetch(ctx, s.cache, KeyProfile, s.sessions.Profile)
}

// Collaborators lists a plan's members.
func (s *Service) Collaborators(ctx context.Context, planID string) ([]collab.Collaborator, error) {
	return cache.Fetch(ctx, s.cache, CollaboratorsKey(planID), func(ctx context.Context) ([]collab.Collaborator, error) {
		return s.client.Collaborators(ctx, planID)
	})
}

// OwnedPlans lists the plans the user owns.
func (s *Service) OwnedPlans(ctx context.Context) ([]collab.Plan, error) {
	return cache.Fetch(ctx, s.cache, KeyOwnedPlans, s.client.OwnedPlans)
}

// SharedPlans lists the plans the user has joined.
func (s *Service) SharedPlans(ctx context.Context) ([]collab.Plan, error) {
	return cache.Fetch(ctx, s.cache, KeySharedPlans, s.client.SharedPlans)
}

// Plan fetches one plan the user can see.
func (s *Service) Plan(ctx context.Context, planID string) (*collab.Plan, error) {
	return cache.Fetch(ctx, s.cache, PlanKey(planID), func(ctx context.Context) (*collab.Plan, error) {
		return s.client.Plan(ctx, planID)
	})
}

// Notifications lists the user's notifications.
func (s *Service) Notifications(ctx context.Context) ([]collab.Notification, error) {
	return cache.Fetch(ctx, s.cache, KeyNotifications, s.client.Notifications)
}

// CreatePlan creates a plan owned by the caller.
func (s *Service) CreatePlan(ctx context.Context, title, description string) (*collab.Plan, error) {
	if title == "" {
		return nil, apierr.New(apierr.ErrValidation, "title is required")
	}
	return cache.Mutate(ctx, s.cache, []string{KeyPlans}, func(ctx context.Context) (*collab.Plan, error) {
		return s.client.CreatePlan(ctx, title, description)
	})
}

// Invite invites a registered user by email. An empty role lets the server
// assign the default.
func (s *Service) Invite(ctx context.Context, planID, email string, role collab.Role) (*api.InvitationResponse, error) {
	if email == "" {
		return nil, apierr.New(apierr.ErrValidation, "email is required")
	}
	if role != "" && !collab.IsValidInviteRole(role) {
		return nil, apierr.New(apierr.ErrValidation, fmt.Sprintf("role %q cannot be granted by invitation", role))
	}
	return cache.Mutate(ctx, s.cache, []string{PlanKey(planID)}, func(ctx context.Context) (*api.InvitationResponse, error) {
		return s.client.Invite(ctx, planID, api.InviteRequest{Email: email, Role: role})
	})
}

// UpdateRole changes a collaborator's role.
func (s *Service) UpdateRole(ctx context.Context, planID, userID string, role collab.Role) (*collab.Collaborator, error) {
	if !collab.IsValidInviteRole(role) {
		return nil, apierr.New(apierr.ErrValidation, fmt.Sprintf("invalid role %q", role))
	}
	return cache.Mutate(ctx, s.cache, []string{PlanKey(planID)}, func(ctx context.Context) (*collab.Collaborator, error) {
		return s.client.UpdateRole(ctx, planID, userID, role)
	})
}

// RemoveCollaborator removes a user from a plan.
func (s *Service) RemoveCollaborator(ctx context.Context, planID, userID string) error {
	_, err := cache.Mutate(ctx, s.cache, []string{PlanKey(planID)}, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.client.RemoveCollaborator(ctx, planID, userID)
	})
	return err
}

// Accept accepts an invitation over REST.
func (s *Service) Accept(ctx context.Context, planID, invitationID string) (*api.RespondResult, error) {
	return s.respond(ctx, planID, invitationID, true)
}

// Reject rejects an invitation over REST.
func (s *Service) Reject(ctx context.Context, planID, invitationID string) (*api.RespondResult, error) {
	return s.respond(ctx, planID, invitationID, false)
}

// respond drops every plan read along with the inbox, since accepting adds
// the plan to the shared list.
func (s *Service) respond(ctx context.Context, planID, invitationID string, accept bool) (*api.RespondResult, error) {
	affected := []string{KeyNotifications, KeyPlans}
	return cache.Mutate(ctx, s.cache, affected, func(ctx context.Context) (*api.RespondResult, error) {
		return s.client.RespondInvitation(ctx, planID, invitationID, accept)
	})
}

// MarkRead marks one notification read.
func (s *Service) MarkRead(ctx context.Context, notificationID string) error {
	_, err := cache.Mutate(ctx, s.cache, []string{KeyNotifications}, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.client.MarkNotificationRead(ctx, notificationID)
	})
	return err
}
