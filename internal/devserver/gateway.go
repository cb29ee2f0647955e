package devserver

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/mark-chris/plansync/internal/devserver/auth"
	"github.com/mark-chris/plansync/internal/devserver/middleware"
	"github.com/mark-chris/plansync/internal/realtime"
)

const maxFrameBytes = 64 << 10

// handleSubscribe upgrades to the realtime websocket. The bearer token is
// checked before the upgrade so that an expired session sees a plain 401.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	user, _, msg := middleware.Authenticate(r, s.auth, s.users.Get)
	if user == nil {
		w.Header().Set("WWW-Authenticate", "Bearer")
		middleware.WriteDetail(w, http.StatusUnauthorized, msg)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{realtime.Subprotocol},
		OriginPatterns: s.origins.Hosts(),
	})
	if err != nil {
		s.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.CloseNow() }()

	if conn.Subprotocol() != realtime.Subprotocol {
		_ = conn.Close(websocket.StatusPolicyViolation, "subprotocol "+realtime.Subprotocol+" required")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	env, err := realtime.ReadEnvelope(ctx, conn)
	if err != nil {
		return
	}
	if err := env.Validate(); err != nil || env.Type != realtime.TypeSubscribe {
		_ = conn.Close(websocket.StatusPolicyViolation, "expected a subscribe envelope")
		return
	}

	var req realtime.Request
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		s.sendError(ctx, conn, env.ID, realtime.CodeBadInput, "malformed subscribe payload")
		return
	}
	if req.OperationName != realtime.OpInvitationReceived {
		s.sendError(ctx, conn, env.ID, realtime.CodeBadInput, "unknown subscription "+req.OperationName)
		return
	}
	if target, _ := req.Variables["userId"].(string); target != user.ID {
		s.sendError(ctx, conn, env.ID, realtime.CodeForbidden, "cannot subscribe to another user's invitations")
		return
	}

	s.streamInvitations(ctx, cancel, conn, env.ID, user)
}

func (s *Server) streamInvitations(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, subID string, user *auth.User) {
	events, unsubscribe := s.hub.Subscribe(user.ID)
	defer unsubscribe()

	logger := s.logger.With(zap.String("user_id", user.ID), zap.String("subscription", subID))
	logger.Debug("subscription started")
	defer logger.Debug("subscription ended")

	pongs := make(chan string, 1)
	go func() {
		defer cancel()
		for {
			env, err := realtime.ReadEnvelope(ctx, conn)
			if err != nil {
				return
			}
			if env.Type == realtime.TypePing {
				select {
				case pongs <- env.ID:
				default:
				}
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case id := <-pongs:
			pong, err := realtime.NewEnvelope(realtime.TypePong, id, struct{}{})
			if err == nil && realtime.WriteEnvelope(ctx, conn, pong) != nil {
				return
			}
		case n := <-events:
			data, err := json.Marshal(n)
			if err != nil {
				logger.Error("encode notification", zap.Error(err))
				continue
			}
			next, err := realtime.NewEnvelope(realtime.TypeNext, subID, realtime.Response{Data: data})
			if err != nil {
				continue
			}
			if err := realtime.WriteEnvelope(ctx, conn, next); err != nil {
				logger.Debug("subscription write failed", zap.Error(err))
				return
			}
		}
	}
}

func (s *Server) sendError(ctx context.Context, conn *websocket.Conn, id, code, msg string) {
	env, err := realtime.NewEnvelope(realtime.TypeError, id, realtime.ErrorPayload{Code: code, Message: msg})
	if err != nil {
		return
	}
	if err := realtime.WriteEnvelope(ctx, conn, env); err != nil {
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, msg)
}
