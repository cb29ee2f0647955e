package devserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mark-chris/plansync/internal/collab"
	"github.com/mark-chris/plansync/internal/devserver/auth"
	"github.com/mark-chris/plansync/internal/devserver/middleware"
)

// loginResponse is the body of a successful login.
type loginResponse struct {
	AccessToken string             `json:"access_token"`
	TokenType   string             `json:"token_type"`
	ExpiresIn   int                `json:"expires_in"`
	User        collab.UserProfile `json:"user"`
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
}

type createPlanRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

type inviteRequest struct {
	Email string      `json:"email"`
	Role  collab.Role `json:"role"`
}

type roleRequest struct {
	Role collab.Role `json:"role"`
}

type respondResponse struct {
	Message         string                  `json:"message"`
	Status          collab.InvitationStatus `json:"status"`
	AlreadyTerminal bool                    `json:"alreadyTerminal"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		if middleware.HandleMaxBytesError(w, err) {
			return
		}
		middleware.WriteDetail(w, http.StatusBadRequest, "Invalid form body")
		return
	}
	username := strings.TrimSpace(r.PostForm.Get("username"))
	password := r.PostForm.Get("password")
	if username == "" || password == "" {
		middleware.WriteDetail(w, http.StatusBadRequest, "username and password are required")
		return
	}

	ip := middleware.GetClientIP(r)
	user, err := s.users.Authenticate(username, password)
	if err != nil {
		_ = s.audit.Log(auth.CreateLoginAuditLog(false, "", username, ip, r.UserAgent()))
		w.Header().Set("WWW-Authenticate", "Bearer")
		middleware.WriteDetail(w, http.StatusUnauthorized, "Incorrect username or password")
		return
	}

	token, err := s.auth.GenerateAccessToken(user)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.limiter.ResetLimit(middleware.RateLimitKey(r))
	_ = s.audit.Log(auth.CreateLoginAuditLog(true, user.ID, username, ip, r.UserAgent()))

	middleware.WriteJSON(w, http.StatusOK, loginResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   int(s.auth.TokenTTL().Seconds()),
		User:        user.Profile(),
	})
}

// handleLogout revokes the presented token. Every other holder of the same
// token gets 401 from then on.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.UserFromContext(r.Context())
	claims, _ := middleware.ClaimsFromContext(r.Context())
	s.auth.Revoke(claims)

	_ = s.audit.Log(&auth.AuditLog{
		EventType:  auth.AuditLogout,
		ActorID:    user.ID,
		TargetType: "token",
		TargetID:   claims.TokenID,
		ClientIP:   middleware.GetClientIP(r),
		UserAgent:  r.UserAgent(),
	})
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"message": "Logged out"})
}

// handleRegister creates an account. It does not sign the new user in.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	seed := auth.Seed{
		Username: strings.TrimSpace(req.Username),
		Email:    strings.TrimSpace(req.Email),
		Password: req.Password,
		FullName: strings.TrimSpace(req.FullName),
	}
	if err := seed.Validate(); err != nil {
		middleware.WriteDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := s.users.Create(seed)
	if errors.Is(err, auth.ErrUserExists) {
		middleware.WriteDetail(w, http.StatusBadRequest, "Username or email is already registered")
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	_ = s.audit.Log(&auth.AuditLog{
		EventType:  auth.AuditRegister,
		ActorID:    user.ID,
		TargetType: "user",
		TargetID:   user.ID,
		ClientIP:   middleware.GetClientIP(r),
		UserAgent:  r.UserAgent(),
	})
	middleware.WriteJSON(w, http.StatusCreated, user.Profile())
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.UserFromContext(r.Context())
	middleware.WriteJSON(w, http.StatusOK, user.Profile())
}

// decodeJSON reads the request body into v and writes the error response
// when it cannot.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if middleware.HandleMaxBytesError(w, err) {
			return false
		}
		middleware.WriteDetail(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func currentUserID(r *http.Request) string {
	user, _ := middleware.UserFromContext(r.Context())
	return user.ID
}

func (s *Server) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	var req createPlanRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	plan, err := s.store.CreatePlan(currentUserID(r), req.Title, req.Description)
	if err != nil {
		s.writeError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, plan)
}

func (s *Server) handleOwnedPlans(w http.ResponseWriter, r *http.Request) {
	writePlans(w, s.store.OwnedPlans(currentUserID(r)))
}

func (s *Server) handleSharedPlans(w http.ResponseWriter, r *http.Request) {
	writePlans(w, s.store.SharedPlans(currentUserID(r)))
}

func writePlans(w http.ResponseWriter, list []collab.Plan) {
	if list == nil {
		list = []collab.Plan{}
	}
	middleware.WriteJSON(w, http.StatusOK, list)
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	plan, err := s.store.Plan(currentUserID(r), chi.URLParam(r, "planID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, plan)
}

func (s *Server) handleInvite(w http.ResponseWriter, r *http.Request) {
	var req inviteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Email) == "" {
		middleware.WriteDetail(w, http.StatusBadRequest, "email is required")
		return
	}
	inv, err := s.store.Invite(currentUserID(r), chi.URLParam(r, "planID"), req.Email, req.Role)
	if err != nil {
		s.writeError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, map[string]string{
		"message":       "Invitation sent",
		"invitation_id": inv.ID,
	})
}

func (s *Server) handleRespond(accept bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, already, err := s.store.Respond(
			currentUserID(r),
			chi.URLParam(r, "planID"),
			chi.URLParam(r, "invitationID"),
			accept,
		)
		if err != nil {
			s.writeError(w, err)
			return
		}
		middleware.WriteJSON(w, http.StatusOK, respondResponse{
			Message:         respondMessage(status, already),
			Status:          status,
			AlreadyTerminal: already,
		})
	}
}

func respondMessage(status collab.InvitationStatus, already bool) string {
	if already {
		return "Invitation was already " + string(status)
	}
	return "Invitation " + string(status)
}

func (s *Server) handleCollaborators(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.Collaborators(currentUserID(r), chi.URLParam(r, "planID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, rows)
}

func (s *Server) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	row, err := s.store.UpdateRole(currentUserID(r), chi.URLParam(r, "planID"), chi.URLParam(r, "userID"), req.Role)
	if err != nil {
		s.writeError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, row)
}

func (s *Server) handleRemoveCollaborator(w http.ResponseWriter, r *http.Request) {
	if err := s.store.RemoveCollaborator(currentUserID(r), chi.URLParam(r, "planID"), chi.URLParam(r, "userID")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, s.store.Notifications(currentUserID(r)))
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	err := s.store.MarkNotificationRead(currentUserID(r), chi.URLParam(r, "notificationID"))
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warn("mark read failed", zap.Error(err))
		}
		s.writeError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"message": "Notification marked as read"})
}
