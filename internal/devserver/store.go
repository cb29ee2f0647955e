package devserver

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mark-chris/plansync/internal/collab"
	"github.com/mark-chris/plansync/internal/devserver/auth"
)

// Error kinds returned by Store. Handlers map them to HTTP statuses and
// resolver error codes.
var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
	ErrInvalid   = errors.New("invalid request")
	ErrConflict  = errors.New("conflict")
)

// Error is a Store failure with a client-facing message.
type Error struct {
	Kind    error
	Message string
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Kind }

func fail(kind error, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

type invitation struct {
	collab.Invitation
	role collab.Role
}

// Store is the in-memory collaboration backend.
type Store struct {
	users  *auth.UserStore
	hub    *Hub
	audit  auth.AuditLogger
	logger *zap.Logger
	now    func() time.Time

	mu            sync.Mutex
	plans         map[string]*collab.Plan
	members       map[string]map[string]*collab.Collaborator
	invitations   map[string]*invitation
	notifications map[string][]*collab.Notification
}

// NewStore creates an empty store. New invitations are published on hub.
func NewStore(users *auth.UserStore, hub *Hub, audit auth.AuditLogger, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if audit == nil {
		audit = auth.NewInMemoryAuditLogger()
	}
	return &Store{
		users:         users,
		hub:           hub,
		audit:         audit,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
		plans:         make(map[string]*collab.Plan),
		members:       make(map[string]map[string]*collab.Collaborator),
		invitations:   make(map[string]*invitation),
		notifications: make(map[string][]*collab.Notification),
	}
}

// CreatePlan creates a plan owned by ownerID.
func (s *Store) CreatePlan(ownerID, title, description string) (*collab.Plan, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, fail(ErrInvalid, "title is required")
	}

	now := s.now()
	plan := &collab.Plan{
		ID:          uuid.NewString(),
		Title:       title,
		Description: description,
		OwnerID:     ownerID,
		CreatedAt:   now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[plan.ID] = plan
	s.members[plan.ID] = map[string]*collab.Collaborator{
		ownerID: {
			PlanID:    plan.ID,
			UserID:    ownerID,
			Role:      collab.RoleOwner,
			Status:    collab.CollaboratorActive,
			JoinedAt:  now,
			UpdatedAt: now,
		},
	}
	cp := *plan
	return &cp, nil
}

// ownedPlan returns the plan and checks that actorID owns it. s.mu must be held.
func (s *Store) ownedPlan(actorID, planID string) (*collab.Plan, error) {
	plan, ok := s.plans[planID]
	if !ok {
		return nil, fail(ErrNotFound, "Plan not found")
	}
	if plan.OwnerID != actorID {
		return nil, fail(ErrForbidden, "Only the plan owner can do this")
	}
	return plan, nil
}

// pendingFor returns the pending invitation of userID on planID, if any.
// s.mu must be held.
func (s *Store) pendingFor(planID, userID string) *invitation {
	for _, inv := range s.invitations {
		if inv.PlanID == planID && inv.ToUserID == userID && inv.Status == collab.InvitationPending {
			return inv
		}
	}
	return nil
}

// inviteeCount counts active members and pending invitees other than the
// owner. s.mu must be held.
func (s *Store) inviteeCount(planID string) int {
	count := 0
	for _, m := range s.members[planID] {
		if !m.IsOwner() {
			count++
		}
	}
	for _, inv := range s.invitations {
		if inv.PlanID == planID && inv.Status == collab.InvitationPending {
			count++
		}
	}
	return count
}

// Invite invites the registered user with email to planID. Only the owner
// may invite. An empty role means collab.DefaultInviteRole.
func (s *Store) Invite(actorID, planID, email string, role collab.Role) (*collab.Invitation, error) {
	if role == "" {
		role = collab.DefaultInviteRole
	}
	if !collab.IsValidInviteRole(role) {
		return nil, fail(ErrInvalid, "Invalid role %q", role)
	}
	invitee, err := s.users.ByEmail(email)
	if err != nil {
		return nil, fail(ErrNotFound, "User with email %s not found", email)
	}
	inviter, err := s.users.Get(actorID)
	if err != nil {
		return nil, fail(ErrNotFound, "User not found")
	}

	s.mu.Lock()
	plan, err := s.ownedPlan(actorID, planID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if _, ok := s.members[planID][invitee.ID]; ok {
		s.mu.Unlock()
		return nil, fail(ErrConflict, "User is already a collaborator on this plan")
	}
	if s.pendingFor(planID, invitee.ID) != nil {
		s.mu.Unlock()
		return nil, fail(ErrConflict, "User already has a pending invitation to this plan")
	}
	if s.inviteeCount(planID) >= collab.MaxInvitees {
		s.mu.Unlock()
		return nil, fail(ErrInvalid, "A plan can have at most %d collaborators", collab.MaxInvitees)
	}

	now := s.now()
	inv := &invitation{
		Invitation: collab.Invitation{
			ID:         uuid.NewString(),
			PlanID:     planID,
			FromUserID: actorID,
			ToUserID:   invitee.ID,
			Status:     collab.InvitationPending,
			CreatedAt:  now,
		},
		role: role,
	}
	s.invitations[inv.ID] = inv

	note := &collab.Notification{
		ID:           uuid.NewString(),
		Type:         collab.NotificationPlanInvitation,
		Message:      fmt.Sprintf("%s invited you to collaborate on %q", inviter.Username, plan.Title),
		PlanID:       planID,
		FromUserID:   actorID,
		InvitationID: inv.ID,
		Status:       collab.NotificationUnread,
		CreatedAt:    now,
	}
	s.notifications[invitee.ID] = append(s.notifications[invitee.ID], note)
	published := *note
	out := inv.Invitation
	s.mu.Unlock()

	s.hub.Publish(invitee.ID, published)
	_ = s.audit.Log(auth.CreateInvitationAuditLog(auth.AuditInvitationCreated, actorID, inv.ID, planID))
	s.logger.Info("invitation created",
		zap.String("plan_id", planID),
		zap.String("invitation_id", inv.ID),
		zap.String("to_user_id", invitee.ID))
	return &out, nil
}

// Respond accepts or rejects an invitation. Only the recipient may respond.
// A terminal invitation is left as it is and its status is returned with
// alreadyTerminal set.
func (s *Store) Respond(actorID, planID, invitationID string, accept bool) (status collab.InvitationStatus, alreadyTerminal bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invitations[invitationID]
	if !ok || inv.PlanID != planID {
		return "", false, fail(ErrNotFound, "Invitation not found")
	}
	if inv.ToUserID != actorID {
		return "", false, fail(ErrForbidden, "This invitation is not addressed to you")
	}

	now := s.now()
	status, changed := inv.Resolve(accept, now)
	if changed && status == collab.InvitationAccepted {
		s.members[planID][actorID] = &collab.Collaborator{
			PlanID:    planID,
			UserID:    actorID,
			Role:      inv.role,
			Status:    collab.CollaboratorActive,
			JoinedAt:  now,
			UpdatedAt: now,
		}
	}
	for _, n := range s.notifications[actorID] {
		if n.InvitationID == invitationID {
			n.Status = collab.NotificationRead
		}
	}

	if changed {
		event := auth.AuditInvitationRejected
		if status == collab.InvitationAccepted {
			event = auth.AuditInvitationAccepted
		}
		_ = s.audit.Log(auth.CreateInvitationAuditLog(event, actorID, invitationID, planID))
	}
	return status, !changed, nil
}

// Collaborators lists the owner, the active members and the pending
// invitees of a plan. Only the owner may list them.
func (s *Store) Collaborators(actorID, planID string) ([]collab.Collaborator, error) {
	s.mu.Lock()
	if _, err := s.ownedPlan(actorID, planID); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	rows := make([]collab.Collaborator, 0, len(s.members[planID]))
	for _, m := range s.members[planID] {
		rows = append(rows, *m)
	}
	for _, inv := range s.invitations {
		if inv.PlanID == planID && inv.Status == collab.InvitationPending {
			rows = append(rows, collab.Collaborator{
				PlanID:    planID,
				UserID:    inv.ToUserID,
				Role:      collab.RolePending,
				Status:    collab.CollaboratorPending,
				JoinedAt:  inv.CreatedAt,
				UpdatedAt: inv.CreatedAt,
			})
		}
	}
	s.mu.Unlock()

	for i := range rows {
		if u, err := s.users.Get(rows[i].UserID); err == nil {
			p := u.Profile()
			rows[i].User = &p
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Role.Level() != rows[j].Role.Level() {
			return rows[i].Role.Level() > rows[j].Role.Level()
		}
		return rows[i].JoinedAt.Before(rows[j].JoinedAt)
	})
	return rows, nil
}

// UpdateRole changes an active collaborator's role. The owner's row cannot
// be modified.
func (s *Store) UpdateRole(actorID, planID, userID string, role collab.Role) (*collab.Collaborator, error) {
	if !collab.IsValidInviteRole(role) {
		return nil, fail(ErrInvalid, "Invalid role %q", role)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	plan, err := s.ownedPlan(actorID, planID)
	if err != nil {
		return nil, err
	}
	if userID == plan.OwnerID {
		return nil, fail(ErrInvalid, "Cannot modify the plan owner")
	}
	m, ok := s.members[planID][userID]
	if !ok {
		return nil, fail(ErrNotFound, "Collaborator not found")
	}
	m.Role = role
	m.UpdatedAt = s.now()
	_ = s.audit.Log(&auth.AuditLog{
		EventType:  auth.AuditCollaboratorRole,
		ActorID:    actorID,
		TargetType: "collaborator",
		TargetID:   userID,
		Details:    map[string]string{"plan_id": planID, "role": string(role)},
	})
	cp := *m
	return &cp, nil
}

// RemoveCollaborator removes a member or cancels a pending invitation. The
// owner may remove anyone but themselves; a member may remove themselves.
func (s *Store) RemoveCollaborator(actorID, planID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	plan, ok := s.plans[planID]
	if !ok {
		return fail(ErrNotFound, "Plan not found")
	}
	if userID == plan.OwnerID {
		return fail(ErrInvalid, "Cannot remove the plan owner")
	}
	if actorID != plan.OwnerID && actorID != userID {
		return fail(ErrForbidden, "Only the plan owner can do this")
	}

	removed := false
	if _, ok := s.members[planID][userID]; ok {
		delete(s.members[planID], userID)
		removed = true
	}
	if inv := s.pendingFor(planID, userID); inv != nil {
		delete(s.invitations, inv.ID)
		removed = true
	}
	if !removed {
		return fail(ErrNotFound, "Collaborator not found")
	}
	_ = s.audit.Log(&auth.AuditLog{
		EventType:  auth.AuditCollaboratorRemove,
		ActorID:    actorID,
		TargetType: "collaborator",
		TargetID:   userID,
		Details:    map[string]string{"plan_id": planID},
	})
	return nil
}

// Notifications returns userID's notifications, newest first.
func (s *Store) Notifications(userID string) []collab.Notification {
	s.mu.Lock()
	list := make([]collab.Notification, 0, len(s.notifications[userID]))
	for _, n := range s.notifications[userID] {
		list = append(list, *n)
	}
	s.mu.Unlock()

	sort.SliceStable(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
	return list
}

// MarkNotificationRead marks one of userID's notifications read.
func (s *Store) MarkNotificationRead(userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.notifications[userID] {
		if n.ID == id {
			n.Status = collab.NotificationRead
			return nil
		}
	}
	return fail(ErrNotFound, "Notification not found")
}

// OwnedPlans lists the plans userID owns, oldest first.
func (s *Store) OwnedPlans(userID string) []collab.Plan {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []collab.Plan
	for _, p := range s.plans {
		if p.OwnerID == userID {
			list = append(list, *p)
		}
	}
	sortPlans(list)
	return list
}

// SharedPlans lists the plans userID has joined by accepting an invitation.
func (s *Store) SharedPlans(userID string) []collab.Plan {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []collab.Plan
	for planID, rows := range s.members {
		m, ok := rows[userID]
		if !ok || m.IsOwner() || m.Status != collab.CollaboratorActive {
			continue
		}
		if p, ok := s.plans[planID]; ok {
			list = append(list, *p)
		}
	}
	sortPlans(list)
	return list
}

// Plan returns a plan to its owner or to an active collaborator.
func (s *Store) Plan(actorID, planID string) (*collab.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[planID]
	if !ok {
		return nil, fail(ErrNotFound, "Plan not found")
	}
	if m, ok := s.members[planID][actorID]; !ok || m.Status != collab.CollaboratorActive {
		return nil, fail(ErrForbidden, "You do not have access to this plan")
	}
	cp := *p
	return &cp, nil
}

func sortPlans(list []collab.Plan) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}
