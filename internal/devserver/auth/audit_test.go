package auth

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestInMemoryAuditLogger(t *testing.T) {
	l := NewInMemoryAuditLogger()

	if err := l.Log(CreateLoginAuditLog(false, "", "alice", "10.0.0.1", "test")); err != nil {
		t.Fatalf("Log() error = %v", err)
	}
	if err := l.Log(CreateInvitationAuditLog(AuditInvitationCreated, "u-1", "inv-1", "p-1")); err != nil {
		t.Fatalf("Log() error = %v", err)
	}

	logs := l.GetLogs()
	if len(logs) != 2 {
		t.Fatalf("GetLogs() len = %d, want 2", len(logs))
	}
	if logs[0].EventType != AuditLoginFailure || logs[0].Details["reason"] != "invalid_credentials" {
		t.Errorf("first entry = %+v, want a failed login", logs[0])
	}
	if logs[1].ID == "" || logs[1].CreatedAt.IsZero() {
		t.Error("entry was not stamped with an id and time")
	}
	if logs[1].Details["plan_id"] != "p-1" {
		t.Errorf("plan_id = %q, want p-1", logs[1].Details["plan_id"])
	}
}

func TestZapAuditLogger(t *testing.T) {
	core, recorded := observer.New(zap.InfoLevel)
	l := NewZapAuditLogger(zap.New(core))

	if err := l.Log(CreateLoginAuditLog(true, "u-1", "alice", "10.0.0.1", "test")); err != nil {
		t.Fatalf("Log() error = %v", err)
	}

	entries := recorded.All()
	if len(entries) != 1 {
		t.Fatalf("recorded %d entries, want 1", len(entries))
	}
	if entries[0].Message != string(AuditLoginSuccess) {
		t.Errorf("message = %q, want %q", entries[0].Message, AuditLoginSuccess)
	}
	if entries[0].ContextMap()["actor_id"] != "u-1" {
		t.Errorf("actor_id = %v, want u-1", entries[0].ContextMap()["actor_id"])
	}
}
