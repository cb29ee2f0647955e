package devserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/mark-chris/plansync/internal/collab"
	"github.com/mark-chris/plansync/internal/devserver/auth"
	"github.com/mark-chris/plansync/internal/devserver/middleware"
	"github.com/mark-chris/plansync/internal/realtime"
)

type resolver func(user *auth.User, vars map[string]any) (any, error)

// respondOutcome is the data of respondInvitation.
type respondOutcome struct {
	Status          collab.InvitationStatus `json:"status"`
	AlreadyTerminal bool                    `json:"alreadyTerminal"`
	Message         string                  `json:"message"`
}

type okResult struct {
	OK bool `json:"ok"`
}

func (s *Server) resolvers() map[string]resolver {
	return map[string]resolver{
		realtime.OpWhoAmI: func(u *auth.User, _ map[string]any) (any, error) {
			return u.Profile(), nil
		},
		realtime.OpNotifications: func(u *auth.User, _ map[string]any) (any, error) {
			return s.store.Notifications(u.ID), nil
		},
		realtime.OpMarkNotificationRead: func(u *auth.User, vars map[string]any) (any, error) {
			id, err := stringVar(vars, "id")
			if err != nil {
				return nil, err
			}
			if err := s.store.MarkNotificationRead(u.ID, id); err != nil {
				return nil, err
			}
			return okResult{OK: true}, nil
		},
		realtime.OpRespondInvitation: func(u *auth.User, vars map[string]any) (any, error) {
			planID, err := stringVar(vars, "planId")
			if err != nil {
				return nil, err
			}
			invitationID, err := stringVar(vars, "invitationId")
			if err != nil {
				return nil, err
			}
			accept, ok := vars["accept"].(bool)
			if !ok {
				return nil, fail(ErrInvalid, "variable accept must be a boolean")
			}
			status, already, err := s.store.Respond(u.ID, planID, invitationID, accept)
			if err != nil {
				return nil, err
			}
			return respondOutcome{Status: status, AlreadyTerminal: already, Message: respondMessage(status, already)}, nil
		},
		realtime.OpInviteUser: func(u *auth.User, vars map[string]any) (any, error) {
			planID, err := stringVar(vars, "planId")
			if err != nil {
				return nil, err
			}
			email, err := stringVar(vars, "email")
			if err != nil {
				return nil, err
			}
			role, _ := vars["role"].(string)
			return s.store.Invite(u.ID, planID, email, collab.Role(role))
		},
		realtime.OpPlanCollaborators: func(u *auth.User, vars map[string]any) (any, error) {
			planID, err := stringVar(vars, "planId")
			if err != nil {
				return nil, err
			}
			return s.store.Collaborators(u.ID, planID)
		},
		realtime.OpUpdateCollaboratorRole: func(u *auth.User, vars map[string]any) (any, error) {
			planID, err := stringVar(vars, "planId")
			if err != nil {
				return nil, err
			}
			userID, err := stringVar(vars, "userId")
			if err != nil {
				return nil, err
			}
			role, err := stringVar(vars, "role")
			if err != nil {
				return nil, err
			}
			return s.store.UpdateRole(u.ID, planID, userID, collab.Role(role))
		},
		realtime.OpRemoveCollaborator: func(u *auth.User, vars map[string]any) (any, error) {
			planID, err := stringVar(vars, "planId")
			if err != nil {
				return nil, err
			}
			userID, err := stringVar(vars, "userId")
			if err != nil {
				return nil, err
			}
			if err := s.store.RemoveCollaborator(u.ID, planID, userID); err != nil {
				return nil, err
			}
			return okResult{OK: true}, nil
		},
	}
}

func stringVar(vars map[string]any, name string) (string, error) {
	v, _ := vars[name].(string)
	if v == "" {
		return "", fail(ErrInvalid, "variable %s is required", name)
	}
	return v, nil
}

// codeFor maps a Store error to a resolver error code.
func codeFor(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return realtime.CodeNotFound
	case errors.Is(err, ErrForbidden):
		return realtime.CodeForbidden
	case errors.Is(err, ErrInvalid), errors.Is(err, ErrConflict):
		return realtime.CodeBadInput
	default:
		return realtime.CodeInternal
	}
}

// handleGraphQL serves single operations. Transport-level authentication
// has already passed; resolver failures are reported in the errors array
// with status 200.
func (s *Server) handleGraphQL(w http.ResponseWriter, r *http.Request) {
	var req realtime.Request
	if !decodeJSON(w, r, &req) {
		return
	}
	user, _ := middleware.UserFromContext(r.Context())

	resolve, ok := s.resolvers()[req.OperationName]
	if !ok {
		writeGraphError(w, realtime.CodeBadInput, fmt.Sprintf("unknown operation %q", req.OperationName))
		return
	}

	data, err := resolve(user, req.Variables)
	if err != nil {
		code := codeFor(err)
		msg := err.Error()
		if code == realtime.CodeInternal {
			s.logger.Error("resolver failed", zap.String("operation", req.OperationName), zap.Error(err))
			msg = "Internal server error"
		}
		writeGraphError(w, code, msg)
		return
	}

	raw, err := json.Marshal(data)
	if err != nil {
		writeGraphError(w, realtime.CodeInternal, "Internal server error")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, realtime.Response{Data: raw})
}

func writeGraphError(w http.ResponseWriter, code, msg string) {
	middleware.WriteJSON(w, http.StatusOK, realtime.Response{
		Errors: []realtime.GraphError{{Code: code, Message: msg}},
	})
}
