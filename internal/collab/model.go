// Package collab holds the collaboration domain types shared by the client
// layers and the development server.
package collab

import (
	"time"
)

// MaxInvitees is the number of non-owner collaborators a plan may have
// pending or accepted at the same time.
const MaxInvitees = 6

// UserProfile is the cached projection of the authenticated user.
type UserProfile struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	FullName string `json:"full_name,omitempty"`
}

// InvitationStatus represents the status of an invitation.
type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "pending"
	InvitationAccepted InvitationStatus = "accepted"
	InvitationRejected InvitationStatus = "rejected"
)

// Terminal reports whether no further transition is valid.
func (s InvitationStatus) Terminal() bool {
	return s == InvitationAccepted || s == InvitationRejected
}

// IsValid checks if the status is known.
func (s InvitationStatus) IsValid() bool {
	switch s {
	case InvitationPending, InvitationAccepted, InvitationRejected:
		return true
	default:
		return false
	}
}

// Invitation is an offer of collaboration on a plan.
type Invitation struct {
	ID         string           `json:"id"`
	PlanID     string           `json:"plan_id"`
	FromUserID string           `json:"from_user_id"`
	ToUserID   string           `json:"to_user_id"`
	Status     InvitationStatus `json:"status"`
	CreatedAt  time.Time        `json:"created_at"`
	ResolvedAt *time.Time       `json:"resolved_at,omitempty"`
}

// Resolve applies an accept or reject decision.
//
// A terminal invitation is never reopened: the existing status is returned
// with changed=false so that a retried request observes the first outcome.
func (i *Invitation) Resolve(accept bool, now time.Time) (status InvitationStatus, changed bool) {
	if i.Status.Terminal() {
		return i.Status, false
	}
	if accept {
		i.Status = InvitationAccepted
	} else {
		i.Status = InvitationRejected
	}
	i.ResolvedAt = &now
	return i.Status, true
}

// NotificationType classifies a notification.
type NotificationType string

const (
	NotificationPlanInvitation NotificationType = "plan_invitation"
	NotificationGeneric        NotificationType = "generic"
)

// NotificationStatus represents the read state of a notification.
type NotificationStatus string

const (
	NotificationUnread NotificationStatus = "unread"
	NotificationRead   NotificationStatus = "read"
)

// Notification is a user-visible event record.
type Notification struct {
	ID           string             `json:"id"`
	Type         NotificationType   `json:"type"`
	Message      string             `json:"message"`
	PlanID       string             `json:"planId,omitempty"`
	FromUserID   string             `json:"fromUserId,omitempty"`
	InvitationID string             `json:"invitationId,omitempty"`
	Status       NotificationStatus `json:"status"`
	CreatedAt    time.Time          `json:"createdAt"`
}

// IsInvitation reports whether the notification carries an invitation.
func (n Notification) IsInvitation() bool {
	return n.Type == NotificationPlanInvitation && n.InvitationID != ""
}

// Unread reports whether the notification counts toward the unread badge.
func (n Notification) Unread() bool {
	return n.Status != NotificationRead
}

// CollaboratorStatus is the membership state of a collaborator row.
type CollaboratorStatus string

const (
	CollaboratorActive  CollaboratorStatus = "active"
	CollaboratorPending CollaboratorStatus = "pending"
)

// Collaborator is a (plan, user) membership record.
type Collaborator struct {
	PlanID    string             `json:"plan_id"`
	UserID    string             `json:"user_id"`
	Role      Role               `json:"role"`
	Status    CollaboratorStatus `json:"status"`
	User      *UserProfile       `json:"user,omitempty"`
	JoinedAt  time.Time          `json:"joined_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// IsOwner reports whether the row is the plan's owner membership.
func (c Collaborator) IsOwner() bool {
	return c.Role == RoleOwner
}

// Plan is the minimal plan header the collaboration layer needs.
type Plan struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	OwnerID     string    `json:"owner_id"`
	CreatedAt   time.Time `json:"created_at"`
}
