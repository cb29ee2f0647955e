package auth

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AuditEvent represents an audit log event type
type AuditEvent string

const (
	AuditLoginSuccess AuditEvent = "auth.login.success"
	AuditLoginFailure AuditEvent = "auth.login.failure"
	AuditLogout       AuditEvent = "auth.logout"
	AuditRegister     AuditEvent = "auth.register"

	AuditInvitationCreated  AuditEvent = "plan.invitation.created"
	AuditInvitationAccepted AuditEvent = "plan.invitation.accepted"
	AuditInvitationRejected AuditEvent = "plan.invitation.rejected"
	AuditCollaboratorRemove AuditEvent = "plan.collaborator.removed"
	AuditCollaboratorRole   AuditEvent = "plan.collaborator.role"
)

// AuditLog represents an audit log entry
type AuditLog struct {
	ID         string
	EventType  AuditEvent
	ActorID    string
	TargetType string
	TargetID   string
	Details    map[string]string
	ClientIP   string
	UserAgent  string
	CreatedAt  time.Time
}

// AuditLogger records audit events.
type AuditLogger interface {
	Log(entry *AuditLog) error
}

// InMemoryAuditLogger keeps entries in memory for tests and inspection.
type InMemoryAuditLogger struct {
	mu   sync.Mutex
	logs []AuditLog
}

// NewInMemoryAuditLogger creates a new in-memory audit logger
func NewInMemoryAuditLogger() *InMemoryAuditLogger {
	return &InMemoryAuditLogger{}
}

// Log adds an audit log entry
func (l *InMemoryAuditLogger) Log(entry *AuditLog) error {
	stamp(entry)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logs = append(l.logs, *entry)
	return nil
}

// GetLogs returns a copy of all entries.
func (l *InMemoryAuditLogger) GetLogs() []AuditLog {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]AuditLog(nil), l.logs...)
}

// ZapAuditLogger writes entries to a zap logger.
type ZapAuditLogger struct {
	logger *zap.Logger
}

// NewZapAuditLogger creates an audit logger over l.
func NewZapAuditLogger(l *zap.Logger) *ZapAuditLogger {
	return &ZapAuditLogger{logger: l.Named("audit")}
}

// Log writes one entry.
func (l *ZapAuditLogger) Log(entry *AuditLog) error {
	stamp(entry)
	fields := []zap.Field{
		zap.String("audit_id", entry.ID),
		zap.String("actor_id", entry.ActorID),
		zap.String("target_type", entry.TargetType),
		zap.String("target_id", entry.TargetID),
		zap.String("client_ip", entry.ClientIP),
	}
	for k, v := range entry.Details {
		fields = append(fields, zap.String(k, v))
	}
	l.logger.Info(string(entry.EventType), fields...)
	return nil
}

func stamp(entry *AuditLog) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
}

// CreateLoginAuditLog creates an audit log for login attempts
func CreateLoginAuditLog(success bool, userID, username, clientIP, userAgent string) *AuditLog {
	eventType := AuditLoginFailure
	details := map[string]string{"username": username}
	if success {
		eventType = AuditLoginSuccess
	} else {
		details["reason"] = "invalid_credentials"
	}

	return &AuditLog{
		EventType:  eventType,
		ActorID:    userID,
		TargetType: "user",
		TargetID:   userID,
		Details:    details,
		ClientIP:   clientIP,
		UserAgent:  userAgent,
	}
}

// CreateInvitationAuditLog records an invitation event on a plan.
func CreateInvitationAuditLog(event AuditEvent, actorID, invitationID, planID string) *AuditLog {
	return &AuditLog{
		EventType:  event,
		ActorID:    actorID,
		TargetType: "invitation",
		TargetID:   invitationID,
		Details:    map[string]string{"plan_id": planID},
	}
}
