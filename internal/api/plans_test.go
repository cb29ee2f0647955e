package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mark-chris/plansync/internal/apierr"
	"github.com/mark-chris/plansync/internal/collab"
)

func TestPlanEndpoints(t *testing.T) {
	type call struct {
		method string
		path   string
		body   map[string]any
	}
	var calls []call

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		calls = append(calls, call{method: r.Method, path: r.URL.Path, body: body})

		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/plans":
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(collab.Plan{ID: "p1", Title: "Roadmap", OwnerID: "u1"})
		case r.URL.Path == "/plans/p1/invite":
			_ = json.NewEncoder(w).Encode(InvitationResponse{Message: "sent", InvitationID: "inv1"})
		case r.URL.Path == "/plans/p1/invitations/inv1/accept":
			_ = json.NewEncoder(w).Encode(RespondResult{Status: collab.InvitationAccepted})
		case r.URL.Path == "/plans/p1/invitations/inv1/reject":
			_ = json.NewEncoder(w).Encode(RespondResult{Status: collab.InvitationAccepted, AlreadyTerminal: true})
		case r.Method == http.MethodGet && r.URL.Path == "/plans/p1/users":
			_ = json.NewEncoder(w).Encode([]collab.Collaborator{{PlanID: "p1", UserID: "u1", Role: collab.RoleOwner}})
		case r.URL.Path == "/plans/p1/users/u2/role":
			_ = json.NewEncoder(w).Encode(collab.Collaborator{PlanID: "p1", UserID: "u2", Role: collab.RoleEditor})
		case r.Method == http.MethodDelete:
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "removed"})
		case r.URL.Path == "/plans/notifications":
			_ = json.NewEncoder(w).Encode([]collab.Notification{{ID: "n1", Status: collab.NotificationUnread}})
		case r.URL.Path == "/plans/notifications/n1/read":
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "ok"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	ctx := context.Background()
	client := NewAuthenticatedClient(NewClient(server.URL), &fakeCredentials{token: "tok"})

	plan, err := client.CreatePlan(ctx, "Roadmap", "")
	if err != nil || plan.ID != "p1" {
		t.Fatalf("CreatePlan = %+v, %v", plan, err)
	}

	inv, err := client.Invite(ctx, "p1", InviteRequest{Email: "bob@example.com"})
	if err != nil || inv.InvitationID != "inv1" {
		t.Fatalf("Invite = %+v, %v", inv, err)
	}

	res, err := client.RespondInvitation(ctx, "p1", "inv1", true)
	if err != nil || res.Status != collab.InvitationAccepted || res.AlreadyTerminal {
		t.Fatalf("accept = %+v, %v", res, err)
	}

	res, err = client.RespondInvitation(ctx, "p1", "inv1", false)
	if err != nil || !res.AlreadyTerminal || res.Status != collab.InvitationAccepted {
		t.Fatalf("reject after accept = %+v, %v", res, err)
	}

	rows, err := client.Collaborators(ctx, "p1")
	if err != nil || len(rows) != 1 || !rows[0].IsOwner() {
		t.Fatalf("Collaborators = %+v, %v", rows, err)
	}

	row, err := client.UpdateRole(ctx, "p1", "u2", collab.RoleEditor)
	if err != nil || row.Role != collab.RoleEditor {
		t.Fatalf("UpdateRole = %+v, %v", row, err)
	}

	if err := client.RemoveCollaborator(ctx, "p1", "u2"); err != nil {
		t.Fatalf("RemoveCollaborator: %v", err)
	}

	list, err := client.Notifications(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("Notifications = %+v, %v", list, err)
	}

	if err := client.MarkNotificationRead(ctx, "n1"); err != nil {
		t.Fatalf("MarkNotificationRead: %v", err)
	}

	if calls[1].body["email"] != "bob@example.com" {
		t.Errorf("expected invite email in body, got %v", calls[1].body)
	}
	if calls[5].method != http.MethodPut || calls[5].body["role"] != "editor" {
		t.Errorf("unexpected role update call %+v", calls[5])
	}
	if calls[6].method != http.MethodDelete || calls[6].path != "/plans/p1/users/u2" {
		t.Errorf("unexpected remove call %+v", calls[6])
	}
}

func TestPlanEndpoints_ValidationError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"detail": "user not found"})
	}))
	defer server.Close()

	client := NewAuthenticatedClient(NewClient(server.URL), &fakeCredentials{token: "tok"})
	_, err := client.Invite(context.Background(), "p1", InviteRequest{Email: "ghost@example.com"})

	if !errors.Is(err, apierr.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) || apiErr.Message != "user not found" {
		t.Errorf("expected detail message, got %v", err)
	}
}

func TestPlanReads(t *testing.T) {
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/plans/owned":
			_ = json.NewEncoder(w).Encode([]collab.Plan{{ID: "p1"}, {ID: "p2"}})
		case "/plans/shared":
			_ = json.NewEncoder(w).Encode([]collab.Plan{})
		case "/plans/p 1":
			_ = json.NewEncoder(w).Encode(collab.Plan{ID: "p 1", Title: "Spaced"})
		case "/auth/register":
			if r.Header.Get("Authorization") != "" {
				t.Errorf("register sent credentials: %q", r.Header.Get("Authorization"))
			}
			var req RegisterRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(collab.UserProfile{ID: "u9", Username: req.Username, Email: req.Email})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	ctx := context.Background()
	client := NewAuthenticatedClient(NewClient(server.URL), &fakeCredentials{token: "tok"})

	owned, err := client.OwnedPlans(ctx)
	if err != nil || len(owned) != 2 {
		t.Fatalf("OwnedPlans = %+v, %v", owned, err)
	}
	shared, err := client.SharedPlans(ctx)
	if err != nil || len(shared) != 0 {
		t.Fatalf("SharedPlans = %+v, %v", shared, err)
	}
	plan, err := client.Plan(ctx, "p 1")
	if err != nil || plan.Title != "Spaced" {
		t.Fatalf("Plan = %+v, %v", plan, err)
	}

	user, err := client.Client().Register(ctx, RegisterRequest{Username: "dave", Email: "dave@example.com", Password: "pw"})
	if err != nil || user.ID != "u9" || user.Username != "dave" {
		t.Fatalf("Register = %+v, %v", user, err)
	}

	want := []string{"GET /plans/owned", "GET /plans/shared", "GET /plans/p 1", "POST /auth/register"}
	for i, p := range want {
		if i >= len(paths) || paths[i] != p {
			t.Errorf("call %d = %v, want %q", i, paths, p)
			break
		}
	}
}
