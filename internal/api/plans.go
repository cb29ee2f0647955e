package api

import (
	"context"
	"net/http"
	"net/url"

	"github.com/mark-chris/plansync/internal/collab"
)

// CreatePlanRequest is the body of POST /plans.
type CreatePlanRequest struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// InviteRequest invites a registered user by email.
type InviteRequest struct {
	Email string      `json:"email"`
	Role  collab.Role `json:"role,omitempty"`
}

// InvitationResponse is returned by the invite endpoint.
type InvitationResponse struct {
	Message      string `json:"message"`
	InvitationID string `json:"invitation_id"`
}

// RespondResult is returned by the accept and reject endpoints.
// AlreadyTerminal is set when the invitation had been resolved before this
// request; Status then carries the earlier outcome.
type RespondResult struct {
	Message         string                  `json:"message"`
	Status          collab.InvitationStatus `json:"status"`
	AlreadyTerminal bool                    `json:"alreadyTerminal"`
}

type updateRoleRequest struct {
	Role collab.Role `json:"role"`
}

func planPath(planID string, parts ...string) string {
	p := "/plans/" + url.PathEscape(planID)
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

// CreatePlan creates a plan owned by the caller.
func (ac *AuthenticatedClient) CreatePlan(ctx context.Context, title, description string) (*collab.Plan, error) {
	var plan collab.Plan
	err := ac.Do(ctx, http.MethodPost, "/plans", CreatePlanRequest{Title: title, Description: description}, &plan)
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

// Invite invites a user to a plan.
func (ac *AuthenticatedClient) Invite(ctx context.Context, planID string, req InviteRequest) (*InvitationResponse, error) {
	var resp InvitationResponse
	if err := ac.Do(ctx, http.MethodPost, planPath(planID, "invite"), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RespondInvitation accepts or rejects an invitation addressed to the caller.
func (ac *AuthenticatedClient) RespondInvitation(ctx context.Context, planID, invitationID string, accept bool) (*RespondResult, error) {
	action := "reject"
	if accept {
		action = "accept"
	}
	var resp RespondResult
	path := planPath(planID, "invitations", url.PathEscape(invitationID), action)
	if err := ac.Do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Collaborators lists a plan's memberships. Only the owner may call it.
func (ac *AuthenticatedClient) Collaborators(ctx context.Context, planID string) ([]collab.Collaborator, error) {
	var rows []collab.Collaborator
	if err := ac.Do(ctx, http.MethodGet, planPath(planID, "users"), nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// UpdateRole changes a collaborator's role.
func (ac *AuthenticatedClient) UpdateRole(ctx context.Context, planID, userID string, role collab.Role) (*collab.Collaborator, error) {
	var row collab.Collaborator
	path := planPath(planID, "users", url.PathEscape(userID), "role")
	if err := ac.Do(ctx, http.MethodPut, path, updateRoleRequest{Role: role}, &row); err != nil {
		return nil, err
	}
	return &row, nil
}

// RemoveCollaborator removes a user from a plan.
func (ac *AuthenticatedClient) RemoveCollaborator(ctx context.Context, planID, userID string) error {
	return ac.Do(ctx, http.MethodDelete, planPath(planID, "users", url.PathEscape(userID)), nil, nil)
}

// Notifications lists the caller's notifications, newest first.
func (ac *AuthenticatedClient) Notifications(ctx context.Context) ([]collab.Notification, error) {
	var list []collab.Notification
	if err := ac.Do(ctx, http.MethodGet, "/plans/notifications", nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// MarkNotificationRead marks one notification as read.
func (ac *AuthenticatedClient) MarkNotificationRead(ctx context.Context, id string) error {
	return ac.Do(ctx, http.MethodPut, "/plans/notifications/"+url.PathEscape(id)+"/read", nil, nil)
}

// OwnedPlans lists the plans the caller owns, oldest first.
func (ac *AuthenticatedClient) OwnedPlans(ctx context.Context) ([]collab.Plan, error) {
	return ac.plans(ctx, "/plans/owned")
}

// SharedPlans lists the plans the caller is an active non-owner member of.
func (ac *AuthenticatedClient) SharedPlans(ctx context.Context) ([]collab.Plan, error) {
	return ac.plans(ctx, "/plans/shared")
}

func (ac *AuthenticatedClient) plans(ctx context.Context, path string) ([]collab.Plan, error) {
	var list []collab.Plan
	if err := ac.Do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// Plan fetches one plan. The caller must be an active member.
func (ac *AuthenticatedClient) Plan(ctx context.Context, planID string) (*collab.Plan, error) {
	var plan collab.Plan
	if err := ac.Do(ctx, http.MethodGet, planPath(planID), nil, &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}
