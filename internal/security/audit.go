package security

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/threadvault/threadvault/internal/model"
)

// AuditSink persists membership audit records. The datastore backends satisfy it.
type AuditSink interface {
	InsertAuditRecord(ctx context.Context, record *model.MembershipAuditRecord) error
}

// AuditLogger records membership mutations for audit purposes. Every event is
// written to the structured log and persisted through the sink. Persistence
// failures are logged and swallowed: an audit write must never block the
// membership mutation it describes.
type AuditLogger struct {
	sink AuditSink
}

// NewAuditLogger creates an AuditLogger. A nil sink logs only.
func NewAuditLogger(sink AuditSink) *AuditLogger {
	return &AuditLogger{sink: sink}
}

// MembershipAdded records a new membership grant.
func (a *AuditLogger) MembershipAdded(ctx context.Context, groupID uuid.UUID, actorUserID, subjectUserID string, level model.AccessLevel) {
	a.record(ctx, model.AuditMembershipAdded, groupID, actorUserID, subjectUserID, &level)
}

// MembershipUpdated records an access level change.
func (a *AuditLogger) MembershipUpdated(ctx context.Context, groupID uuid.UUID, actorUserID, subjectUserID string, level model.AccessLevel) {
	a.record(ctx, model.AuditMembershipUpdated, groupID, actorUserID, subjectUserID, &level)
}

// MembershipRemoved records a membership revocation or hard delete.
func (a *AuditLogger) MembershipRemoved(ctx context.Context, groupID uuid.UUID, actorUserID, subjectUserID string) {
	a.record(ctx, model.AuditMembershipRemoved, groupID, actorUserID, subjectUserID, nil)
}

// OwnershipTransferred records a completed ownership transfer.
func (a *AuditLogger) OwnershipTransferred(ctx context.Context, groupID uuid.UUID, fromUserID, toUserID string) {
	a.record(ctx, model.AuditOwnershipTransferred, groupID, fromUserID, toUserID, nil)
}

func (a *AuditLogger) record(ctx context.Context, event model.MembershipAuditEvent, groupID uuid.UUID, actorUserID, subjectUserID string, level *model.AccessLevel) {
	log.Info("Membership audit",
		"event", event,
		"groupId", groupID,
		"actor", actorUserID,
		"subject", subjectUserID,
	)
	if a == nil || a.sink == nil {
		return
	}
	rec := &model.MembershipAuditRecord{
		ID:                  uuid.New(),
		ConversationGroupID: groupID,
		Event:               event,
		ActorUserID:         actorUserID,
		SubjectUserID:       subjectUserID,
		AccessLevel:         level,
		CreatedAt:           time.Now(),
	}
	if err := a.sink.InsertAuditRecord(ctx, rec); err != nil {
		log.Error("Audit record persist failed", "event", event, "groupId", groupID, "err", err)
	}
}
