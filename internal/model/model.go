package model

import (
	"encoding/json"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Channel represents the type of entry channel.
type Channel string

const (
	ChannelHistory    Channel = "history"
	ChannelMemory     Channel = "memory"
	ChannelSummary    Channel = "summary"
	ChannelTranscript Channel = "transcript"
)

// ParseChannel returns the Channel for a raw string, or false if unknown.
func ParseChannel(raw string) (Channel, bool) {
	switch Channel(raw) {
	case ChannelHistory, ChannelMemory, ChannelSummary, ChannelTranscript:
		return Channel(raw), true
	}
	return "", false
}

// AgentOnly reports whether the channel may only be written with an agent credential.
func (c Channel) AgentOnly() bool {
	return c == ChannelMemory || c == ChannelSummary || c == ChannelTranscript
}

// AccessLevel represents the level of access a user has to a conversation group.
type AccessLevel string

const (
	AccessLevelOwner   AccessLevel = "owner"
	AccessLevelManager AccessLevel = "manager"
	AccessLevelWriter  AccessLevel = "writer"
	AccessLevelReader  AccessLevel = "reader"
)

// IsAtLeast returns true if the access level is at least the given level.
func (a AccessLevel) IsAtLeast(level AccessLevel) bool {
	return accessRank(a) >= accessRank(level)
}

func accessRank(level AccessLevel) int {
	switch level {
	case AccessLevelOwner:
		return 4
	case AccessLevelManager:
		return 3
	case AccessLevelWriter:
		return 2
	case AccessLevelReader:
		return 1
	default:
		return 0
	}
}

// ConversationListMode controls which conversations from each fork tree are returned.
type ConversationListMode string

const (
	ListModeAll        ConversationListMode = "all"
	ListModeRoots      ConversationListMode = "roots"
	ListModeLatestFork ConversationListMode = "latest-fork"
)

// ConversationGroup is the root of a fork tree. It anchors access control:
// a conversation and all of its forks share one group.
type ConversationGroup struct {
	ID        uuid.UUID  `json:"id"                  gorm:"primaryKey;type:uuid"`
	CreatedAt time.Time  `json:"createdAt"           gorm:"not null;default:now()"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
}

func (ConversationGroup) TableName() string { return "conversation_groups" }

// Conversation represents a single conversation within a group.
type Conversation struct {
	ID                     uuid.UUID              `json:"id"                               gorm:"primaryKey;type:uuid"`
	Title                  []byte                 `json:"-"                                gorm:"type:bytea"` // encrypted
	OwnerUserID            string                 `json:"ownerUserId"                      gorm:"not null"`
	Metadata               map[string]interface{} `json:"metadata"                         gorm:"type:jsonb;serializer:json;not null;default:'{}'"`
	ConversationGroupID    uuid.UUID              `json:"-"                                gorm:"not null;type:uuid"`
	ConversationGroup      *ConversationGroup     `json:"-"                                gorm:"foreignKey:ConversationGroupID"`
	ForkedAtEntryID        *uuid.UUID             `json:"forkedAtEntryId,omitempty"        gorm:"type:uuid"`
	ForkedAtConversationID *uuid.UUID             `json:"forkedAtConversationId,omitempty" gorm:"type:uuid"`
	CreatedAt              time.Time              `json:"createdAt"                        gorm:"not null;default:now()"`
	UpdatedAt              time.Time              `json:"updatedAt"                        gorm:"not null;default:now()"`
	DeletedAt              *time.Time             `json:"deletedAt,omitempty"`
}

func (Conversation) TableName() string { return "conversations" }

// ConversationMembership tracks per-user access to a conversation group.
// Revoking a membership sets DeletedAt; tombstoned rows grant no access and
// are hard-deleted by the eviction engine once past retention.
type ConversationMembership struct {
	ConversationGroupID uuid.UUID   `json:"-"                   gorm:"primaryKey;type:uuid"`
	UserID              string      `json:"userId"              gorm:"primaryKey"`
	AccessLevel         AccessLevel `json:"accessLevel"         gorm:"not null"`
	CreatedAt           time.Time   `json:"createdAt"           gorm:"not null;default:now()"`
	DeletedAt           *time.Time  `json:"deletedAt,omitempty"`
}

func (ConversationMembership) TableName() string { return "conversation_memberships" }

// Entry represents a message or memory entry in a conversation.
// Entries are immutable once written, except IndexedContent/IndexedAt.
type Entry struct {
	ID                  uuid.UUID  `json:"id"                       gorm:"primaryKey;type:uuid"`
	ConversationID      uuid.UUID  `json:"conversationId"           gorm:"not null;type:uuid"`
	ConversationGroupID uuid.UUID  `json:"-"                        gorm:"primaryKey;type:uuid"`
	UserID              *string    `json:"userId,omitempty"`
	ClientID            *string    `json:"clientId,omitempty"`
	Channel             Channel    `json:"channel"                  gorm:"not null"`
	Epoch               *int64     `json:"epoch,omitempty"`
	ContentType         string     `json:"contentType"              gorm:"not null"`
	Content             []byte     `json:"-"                        gorm:"type:bytea;not null"` // encrypted
	IndexedContent      *string    `json:"indexedContent,omitempty"`
	IndexedAt           *time.Time `json:"indexedAt,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"                gorm:"not null;default:now()"`
}

func (Entry) TableName() string { return "entries" }

// MarshalJSON serializes Entry to JSON. Content is stored as []byte with
// json:"-" to prevent GORM from leaking encrypted bytes, but cached and
// serialized entries need to include it. Plaintext JSON content is emitted
// as a raw JSON value; anything else (ciphertext is arbitrary bytes) goes
// through base64, because routing it through a Go string would substitute
// replacement characters for invalid UTF-8 and corrupt it irreversibly.
func (e Entry) MarshalJSON() ([]byte, error) {
	type Alias Entry // avoid recursion
	aux := struct {
		Alias
		Content       json.RawMessage `json:"content,omitempty"`
		ContentBase64 []byte          `json:"contentBase64,omitempty"`
	}{
		Alias: Alias(e),
	}
	if len(e.Content) > 0 {
		if json.Valid(e.Content) && utf8.Valid(e.Content) {
			aux.Content = e.Content
		} else {
			aux.ContentBase64 = e.Content
		}
	}
	return json.Marshal(aux)
}

// UnmarshalJSON restores Entry from JSON including the content field.
// This keeps cache round-trips lossless for model.Entry values.
func (e *Entry) UnmarshalJSON(data []byte) error {
	type Alias Entry
	aux := struct {
		Alias
		Content       json.RawMessage `json:"content"`
		ContentBase64 []byte          `json:"contentBase64"`
	}{}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	*e = Entry(aux.Alias)
	switch {
	case len(aux.ContentBase64) > 0:
		e.Content = aux.ContentBase64
	case len(aux.Content) == 0 || string(aux.Content) == "null":
		e.Content = nil
	default:
		e.Content = append([]byte(nil), aux.Content...)
	}
	return nil
}

// OwnershipTransfer represents a pending conversation ownership transfer.
// At most one pending transfer exists per group.
type OwnershipTransfer struct {
	ID                  uuid.UUID `json:"id"         gorm:"primaryKey;type:uuid"`
	ConversationGroupID uuid.UUID `json:"-"          gorm:"not null;type:uuid"`
	FromUserID          string    `json:"fromUserId" gorm:"not null"`
	ToUserID            string    `json:"toUserId"   gorm:"not null"`
	CreatedAt           time.Time `json:"createdAt"  gorm:"not null;default:now()"`
}

func (OwnershipTransfer) TableName() string { return "conversation_ownership_transfers" }

// MembershipAuditEvent classifies a membership audit record.
type MembershipAuditEvent string

const (
	AuditMembershipAdded      MembershipAuditEvent = "membership_added"
	AuditMembershipUpdated    MembershipAuditEvent = "membership_updated"
	AuditMembershipRemoved    MembershipAuditEvent = "membership_removed"
	AuditOwnershipTransferred MembershipAuditEvent = "ownership_transferred"
)

// MembershipAuditRecord captures one membership mutation for audit purposes.
// Writing an audit record must never block the mutation it describes.
type MembershipAuditRecord struct {
	ID                  uuid.UUID            `json:"id"                    gorm:"primaryKey;type:uuid"`
	ConversationGroupID uuid.UUID            `json:"-"                     gorm:"not null;type:uuid"`
	Event               MembershipAuditEvent `json:"event"                 gorm:"not null"`
	ActorUserID         string               `json:"actorUserId"           gorm:"not null"`
	SubjectUserID       string               `json:"subjectUserId"         gorm:"not null"`
	AccessLevel         *AccessLevel         `json:"accessLevel,omitempty"`
	CreatedAt           time.Time            `json:"createdAt"             gorm:"not null;default:now()"`
}

func (MembershipAuditRecord) TableName() string { return "membership_audit_records" }

// Task represents a background task in the task queue.
type Task struct {
	ID         uuid.UUID              `json:"id"                  gorm:"primaryKey;type:uuid"`
	TaskName   *string                `json:"taskName,omitempty"  gorm:"unique"`
	TaskType   string                 `json:"taskType"            gorm:"not null"`
	TaskBody   map[string]interface{} `json:"taskBody"            gorm:"type:jsonb;serializer:json;not null"`
	CreatedAt  time.Time              `json:"createdAt"           gorm:"not null;default:now()"`
	RetryAt    time.Time              `json:"retryAt"             gorm:"not null;default:now()"`
	LastError  *string                `json:"lastError,omitempty"`
	RetryCount int                    `json:"retryCount"          gorm:"not null;default:0"`
}

func (Task) TableName() string { return "tasks" }
