package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/threadvault/threadvault/internal/config"
	"github.com/threadvault/threadvault/internal/engine"
	"github.com/threadvault/threadvault/internal/model"
	registrymigrate "github.com/threadvault/threadvault/internal/registry/migrate"
	registrystore "github.com/threadvault/threadvault/internal/registry/store"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "mongo",
		Loader: func(ctx context.Context) (registrystore.MemoryStore, error) {
			cfg := config.FromContext(ctx)
			client, err := mongo.Connect(options.Client().ApplyURI(cfg.DBURL))
			if err != nil {
				return nil, fmt.Errorf("failed to connect to mongo: %w", err)
			}
			backend := &Backend{
				client: client,
				db:     client.Database(cfg.MongoDatabase),
			}
			return buildEngine(ctx, cfg, backend)
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 110, Migrator: &mongoMigrator{}})
}

type mongoMigrator struct{}

func (m *mongoMigrator) Name() string { return "mongo-indexes" }

func (m *mongoMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg != nil && !cfg.DatastoreMigrateAtStart {
		return nil
	}
	if cfg.DatastoreType != "mongo" {
		return nil
	}
	log.Info("Running migration", "name", m.Name())
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.DBURL))
	if err != nil {
		return fmt.Errorf("migration: failed to connect: %w", err)
	}
	defer client.Disconnect(ctx)
	db := client.Database(cfg.MongoDatabase)

	indexes := map[string][]mongo.IndexModel{
		"conversations": {
			{Keys: bson.D{{Key: "conversationGroupId", Value: 1}}},
			{Keys: bson.D{{Key: "updatedAt", Value: -1}}},
		},
		"conversation_memberships": {
			{Keys: bson.D{{Key: "conversationGroupId", Value: 1}, {Key: "userId", Value: 1}},
				Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "deletedAt", Value: 1}},
				Options: options.Index().SetSparse(true)},
		},
		"entries": {
			{Keys: bson.D{{Key: "conversationId", Value: 1}, {Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}},
			{Keys: bson.D{{Key: "conversationId", Value: 1}, {Key: "clientId", Value: 1}, {Key: "epoch", Value: 1}}},
			{Keys: bson.D{{Key: "conversationGroupId", Value: 1}}},
		},
		"conversation_ownership_transfers": {
			{Keys: bson.D{{Key: "conversationGroupId", Value: 1}},
				Options: options.Index().SetUnique(true).SetName("unique_transfer_per_conversation")},
		},
		"conversation_groups": {
			{Keys: bson.D{{Key: "deletedAt", Value: 1}},
				Options: options.Index().SetSparse(true)},
		},
		"tasks": {
			{Keys: bson.D{{Key: "retryAt", Value: 1}, {Key: "createdAt", Value: 1}}},
		},
	}
	for coll, models := range indexes {
		if _, err := db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("migration: failed to create indexes on %s: %w", coll, err)
		}
	}
	log.Info("Mongo index migration complete")
	return nil
}

// Backend implements engine.Backend on MongoDB. Cascading operations run as
// sequences of independent writes: Mongo deployments without replica sets
// cannot give us multi-document transactions, so InTx provides no atomicity.
type Backend struct {
	client *mongo.Client
	db     *mongo.Database
}

var _ engine.Backend = (*Backend)(nil)

func (b *Backend) Name() string { return "mongo" }

func (b *Backend) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (b *Backend) Close() error {
	return b.client.Disconnect(context.Background())
}

func (b *Backend) groups() *mongo.Collection    { return b.db.Collection("conversation_groups") }
func (b *Backend) convs() *mongo.Collection     { return b.db.Collection("conversations") }
func (b *Backend) members() *mongo.Collection   { return b.db.Collection("conversation_memberships") }
func (b *Backend) entries() *mongo.Collection   { return b.db.Collection("entries") }
func (b *Backend) transfers() *mongo.Collection { return b.db.Collection("conversation_ownership_transfers") }
func (b *Backend) audits() *mongo.Collection    { return b.db.Collection("membership_audit_records") }
func (b *Backend) tasks() *mongo.Collection     { return b.db.Collection("tasks") }

// UUIDs are stored as their string form so documents stay readable in shells
// and diagnostics.

type groupDoc struct {
	ID        string     `bson:"_id"`
	CreatedAt time.Time  `bson:"createdAt"`
	DeletedAt *time.Time `bson:"deletedAt,omitempty"`
}

type conversationDoc struct {
	ID                     string                 `bson:"_id"`
	Title                  []byte                 `bson:"title,omitempty"`
	OwnerUserID            string                 `bson:"ownerUserId"`
	Metadata               map[string]interface{} `bson:"metadata"`
	ConversationGroupID    string                 `bson:"conversationGroupId"`
	ForkedAtEntryID        *string                `bson:"forkedAtEntryId,omitempty"`
	ForkedAtConversationID *string                `bson:"forkedAtConversationId,omitempty"`
	CreatedAt              time.Time              `bson:"createdAt"`
	UpdatedAt              time.Time              `bson:"updatedAt"`
	DeletedAt              *time.Time             `bson:"deletedAt,omitempty"`
}

type membershipDoc struct {
	ConversationGroupID string     `bson:"conversationGroupId"`
	UserID              string     `bson:"userId"`
	AccessLevel         string     `bson:"accessLevel"`
	CreatedAt           time.Time  `bson:"createdAt"`
	DeletedAt           *time.Time `bson:"deletedAt,omitempty"`
}

type entryDoc struct {
	ID                  string     `bson:"_id"`
	ConversationID      string     `bson:"conversationId"`
	ConversationGroupID string     `bson:"conversationGroupId"`
	UserID              *string    `bson:"userId,omitempty"`
	ClientID            *string    `bson:"clientId,omitempty"`
	Channel             string     `bson:"channel"`
	Epoch               *int64     `bson:"epoch,omitempty"`
	ContentType         string     `bson:"contentType"`
	Content             []byte     `bson:"content,omitempty"`
	IndexedContent      *string    `bson:"indexedContent,omitempty"`
	IndexedAt           *time.Time `bson:"indexedAt,omitempty"`
	CreatedAt           time.Time  `bson:"createdAt"`
}

type transferDoc struct {
	ID                  string    `bson:"_id"`
	ConversationGroupID string    `bson:"conversationGroupId"`
	FromUserID          string    `bson:"fromUserId"`
	ToUserID            string    `bson:"toUserId"`
	CreatedAt           time.Time `bson:"createdAt"`
}

type auditDoc struct {
	ID                  string    `bson:"_id"`
	ConversationGroupID string    `bson:"conversationGroupId"`
	Event               string    `bson:"event"`
	ActorUserID         string    `bson:"actorUserId"`
	SubjectUserID       string    `bson:"subjectUserId"`
	AccessLevel         *string   `bson:"accessLevel,omitempty"`
	CreatedAt           time.Time `bson:"createdAt"`
}

type taskDoc struct {
	ID         string                 `bson:"_id"`
	TaskName   *string                `bson:"taskName,omitempty"`
	TaskType   string                 `bson:"taskType"`
	TaskBody   map[string]interface{} `bson:"taskBody"`
	CreatedAt  time.Time              `bson:"createdAt"`
	RetryAt    time.Time              `bson:"retryAt"`
	LastError  *string                `bson:"lastError,omitempty"`
	RetryCount int                    `bson:"retryCount"`
}

func uuidPtrToString(id *uuid.UUID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}

func stringPtrToUUID(s *string) *uuid.UUID {
	if s == nil {
		return nil
	}
	id, err := uuid.Parse(*s)
	if err != nil {
		return nil
	}
	return &id
}

func toConversationDoc(conv *model.Conversation) conversationDoc {
	metadata := conv.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	return conversationDoc{
		ID:                     conv.ID.String(),
		Title:                  conv.Title,
		OwnerUserID:            conv.OwnerUserID,
		Metadata:               metadata,
		ConversationGroupID:    conv.ConversationGroupID.String(),
		ForkedAtEntryID:        uuidPtrToString(conv.ForkedAtEntryID),
		ForkedAtConversationID: uuidPtrToString(conv.ForkedAtConversationID),
		CreatedAt:              conv.CreatedAt,
		UpdatedAt:              conv.UpdatedAt,
		DeletedAt:              conv.DeletedAt,
	}
}

func fromConversationDoc(doc conversationDoc) (model.Conversation, error) {
	id, err := uuid.Parse(doc.ID)
	if err != nil {
		return model.Conversation{}, fmt.Errorf("invalid conversation id %q: %w", doc.ID, err)
	}
	groupID, err := uuid.Parse(doc.ConversationGroupID)
	if err != nil {
		return model.Conversation{}, fmt.Errorf("invalid group id %q: %w", doc.ConversationGroupID, err)
	}
	return model.Conversation{
		ID:                     id,
		Title:                  doc.Title,
		OwnerUserID:            doc.OwnerUserID,
		Metadata:               doc.Metadata,
		ConversationGroupID:    groupID,
		ForkedAtEntryID:        stringPtrToUUID(doc.ForkedAtEntryID),
		ForkedAtConversationID: stringPtrToUUID(doc.ForkedAtConversationID),
		CreatedAt:              doc.CreatedAt,
		UpdatedAt:              doc.UpdatedAt,
		DeletedAt:              doc.DeletedAt,
	}, nil
}

func fromMembershipDoc(doc membershipDoc) (model.ConversationMembership, error) {
	groupID, err := uuid.Parse(doc.ConversationGroupID)
	if err != nil {
		return model.ConversationMembership{}, fmt.Errorf("invalid group id %q: %w", doc.ConversationGroupID, err)
	}
	return model.ConversationMembership{
		ConversationGroupID: groupID,
		UserID:              doc.UserID,
		AccessLevel:         model.AccessLevel(doc.AccessLevel),
		CreatedAt:           doc.CreatedAt,
		DeletedAt:           doc.DeletedAt,
	}, nil
}

func toEntryDoc(entry model.Entry) entryDoc {
	return entryDoc{
		ID:                  entry.ID.String(),
		ConversationID:      entry.ConversationID.String(),
		ConversationGroupID: entry.ConversationGroupID.String(),
		UserID:              entry.UserID,
		ClientID:            entry.ClientID,
		Channel:             string(entry.Channel),
		Epoch:               entry.Epoch,
		ContentType:         entry.ContentType,
		Content:             entry.Content,
		IndexedContent:      entry.IndexedContent,
		IndexedAt:           entry.IndexedAt,
		CreatedAt:           entry.CreatedAt,
	}
}

func fromEntryDoc(doc entryDoc) (model.Entry, error) {
	id, err := uuid.Parse(doc.ID)
	if err != nil {
		return model.Entry{}, fmt.Errorf("invalid entry id %q: %w", doc.ID, err)
	}
	convID, err := uuid.Parse(doc.ConversationID)
	if err != nil {
		return model.Entry{}, fmt.Errorf("invalid conversation id %q: %w", doc.ConversationID, err)
	}
	groupID, err := uuid.Parse(doc.ConversationGroupID)
	if err != nil {
		return model.Entry{}, fmt.Errorf("invalid group id %q: %w", doc.ConversationGroupID, err)
	}
	return model.Entry{
		ID:                  id,
		ConversationID:      convID,
		ConversationGroupID: groupID,
		UserID:              doc.UserID,
		ClientID:            doc.ClientID,
		Channel:             model.Channel(doc.Channel),
		Epoch:               doc.Epoch,
		ContentType:         doc.ContentType,
		Content:             doc.Content,
		IndexedContent:      doc.IndexedContent,
		IndexedAt:           doc.IndexedAt,
		CreatedAt:           doc.CreatedAt,
	}, nil
}

func fromTransferDoc(doc transferDoc) (model.OwnershipTransfer, error) {
	id, err := uuid.Parse(doc.ID)
	if err != nil {
		return model.OwnershipTransfer{}, fmt.Errorf("invalid transfer id %q: %w", doc.ID, err)
	}
	groupID, err := uuid.Parse(doc.ConversationGroupID)
	if err != nil {
		return model.OwnershipTransfer{}, fmt.Errorf("invalid group id %q: %w", doc.ConversationGroupID, err)
	}
	return model.OwnershipTransfer{
		ID:                  id,
		ConversationGroupID: groupID,
		FromUserID:          doc.FromUserID,
		ToUserID:            doc.ToUserID,
		CreatedAt:           doc.CreatedAt,
	}, nil
}

func fromTaskDoc(doc taskDoc) (model.Task, error) {
	id, err := uuid.Parse(doc.ID)
	if err != nil {
		return model.Task{}, fmt.Errorf("invalid task id %q: %w", doc.ID, err)
	}
	return model.Task{
		ID:         id,
		TaskName:   doc.TaskName,
		TaskType:   doc.TaskType,
		TaskBody:   doc.TaskBody,
		CreatedAt:  doc.CreatedAt,
		RetryAt:    doc.RetryAt,
		LastError:  doc.LastError,
		RetryCount: doc.RetryCount,
	}, nil
}

// --- Groups and conversations ---

func (b *Backend) InsertGroup(ctx context.Context, group *model.ConversationGroup) error {
	_, err := b.groups().InsertOne(ctx, groupDoc{
		ID:        group.ID.String(),
		CreatedAt: group.CreatedAt,
		DeletedAt: group.DeletedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to create conversation group: %w", err)
	}
	return nil
}

func (b *Backend) GetGroup(ctx context.Context, groupID uuid.UUID) (*model.ConversationGroup, error) {
	var doc groupDoc
	err := b.groups().FindOne(ctx, bson.M{"_id": groupID.String()}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &registrystore.NotFoundError{Resource: "conversation group", ID: groupID.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation group: %w", err)
	}
	return &model.ConversationGroup{ID: groupID, CreatedAt: doc.CreatedAt, DeletedAt: doc.DeletedAt}, nil
}

func (b *Backend) InsertConversation(ctx context.Context, conv *model.Conversation) error {
	_, err := b.convs().InsertOne(ctx, toConversationDoc(conv))
	if mongo.IsDuplicateKeyError(err) {
		return &registrystore.ConflictError{Message: "conversation already exists", Code: "conversation_exists"}
	}
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

func (b *Backend) GetConversation(ctx context.Context, conversationID uuid.UUID, includeDeleted bool) (*model.Conversation, error) {
	filter := bson.M{"_id": conversationID.String()}
	if !includeDeleted {
		filter["deletedAt"] = nil
	}
	var doc conversationDoc
	err := b.convs().FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &registrystore.NotFoundError{Resource: "conversation", ID: conversationID.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	conv, err := fromConversationDoc(doc)
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (b *Backend) UpdateConversation(ctx context.Context, conv *model.Conversation) error {
	_, err := b.convs().UpdateOne(ctx,
		bson.M{"_id": conv.ID.String()},
		bson.M{"$set": bson.M{
			"title":     conv.Title,
			"metadata":  conv.Metadata,
			"updatedAt": conv.UpdatedAt,
		}})
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	return nil
}

func (b *Backend) TouchConversation(ctx context.Context, conversationID uuid.UUID, updatedAt time.Time) error {
	_, err := b.convs().UpdateOne(ctx,
		bson.M{"_id": conversationID.String()},
		bson.M{"$set": bson.M{"updatedAt": updatedAt}})
	return err
}

func (b *Backend) ListGroupConversations(ctx context.Context, groupID uuid.UUID, includeDeleted bool) ([]model.Conversation, error) {
	filter := bson.M{"conversationGroupId": groupID.String()}
	if !includeDeleted {
		filter["deletedAt"] = nil
	}
	cursor, err := b.convs().Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list group conversations: %w", err)
	}
	var docs []conversationDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	conversations := make([]model.Conversation, 0, len(docs))
	for _, doc := range docs {
		conv, err := fromConversationDoc(doc)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, conv)
	}
	return conversations, nil
}

func (b *Backend) ListUserConversations(ctx context.Context, userID string) ([]engine.ConversationAccess, error) {
	cursor, err := b.members().Find(ctx, bson.M{"userId": userID, "deletedAt": nil})
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}
	var memberDocs []membershipDoc
	if err := cursor.All(ctx, &memberDocs); err != nil {
		return nil, err
	}
	if len(memberDocs) == 0 {
		return nil, nil
	}

	levelByGroup := make(map[string]model.AccessLevel, len(memberDocs))
	groupIDs := make([]string, 0, len(memberDocs))
	for _, doc := range memberDocs {
		levelByGroup[doc.ConversationGroupID] = model.AccessLevel(doc.AccessLevel)
		groupIDs = append(groupIDs, doc.ConversationGroupID)
	}

	// Exclude tombstoned groups.
	groupCursor, err := b.groups().Find(ctx, bson.M{"_id": bson.M{"$in": groupIDs}, "deletedAt": nil})
	if err != nil {
		return nil, fmt.Errorf("failed to load groups: %w", err)
	}
	var liveGroups []groupDoc
	if err := groupCursor.All(ctx, &liveGroups); err != nil {
		return nil, err
	}
	liveGroupIDs := make([]string, 0, len(liveGroups))
	for _, g := range liveGroups {
		liveGroupIDs = append(liveGroupIDs, g.ID)
	}

	convCursor, err := b.convs().Find(ctx,
		bson.M{"conversationGroupId": bson.M{"$in": liveGroupIDs}, "deletedAt": nil},
		options.Find().SetSort(bson.D{{Key: "updatedAt", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	var convDocs []conversationDoc
	if err := convCursor.All(ctx, &convDocs); err != nil {
		return nil, err
	}

	access := make([]engine.ConversationAccess, 0, len(convDocs))
	for _, doc := range convDocs {
		conv, err := fromConversationDoc(doc)
		if err != nil {
			return nil, err
		}
		access = append(access, engine.ConversationAccess{
			Conversation: conv,
			AccessLevel:  levelByGroup[doc.ConversationGroupID],
		})
	}
	return access, nil
}

func (b *Backend) SetGroupDeleted(ctx context.Context, groupID uuid.UUID, deletedAt *time.Time) error {
	if _, err := b.groups().UpdateOne(ctx,
		bson.M{"_id": groupID.String()},
		bson.M{"$set": bson.M{"deletedAt": deletedAt}}); err != nil {
		return fmt.Errorf("failed to update group tombstone: %w", err)
	}
	if _, err := b.convs().UpdateMany(ctx,
		bson.M{"conversationGroupId": groupID.String()},
		bson.M{"$set": bson.M{"deletedAt": deletedAt}}); err != nil {
		return fmt.Errorf("failed to update conversation tombstones: %w", err)
	}
	return nil
}

func (b *Backend) SetConversationsOwner(ctx context.Context, groupID uuid.UUID, ownerUserID string) error {
	_, err := b.convs().UpdateMany(ctx,
		bson.M{"conversationGroupId": groupID.String()},
		bson.M{"$set": bson.M{"ownerUserId": ownerUserID}})
	return err
}

// --- Memberships ---

func (b *Backend) GetMembership(ctx context.Context, groupID uuid.UUID, userID string, includeDeleted bool) (*model.ConversationMembership, error) {
	filter := bson.M{"conversationGroupId": groupID.String(), "userId": userID}
	if !includeDeleted {
		filter["deletedAt"] = nil
	}
	var doc membershipDoc
	err := b.members().FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load membership: %w", err)
	}
	membership, err := fromMembershipDoc(doc)
	if err != nil {
		return nil, err
	}
	return &membership, nil
}

func (b *Backend) UpsertMembership(ctx context.Context, membership *model.ConversationMembership) error {
	_, err := b.members().UpdateOne(ctx,
		bson.M{"conversationGroupId": membership.ConversationGroupID.String(), "userId": membership.UserID},
		bson.M{
			"$set": bson.M{
				"accessLevel": string(membership.AccessLevel),
				"deletedAt":   nil,
			},
			"$setOnInsert": bson.M{
				"createdAt": membership.CreatedAt,
			},
		},
		options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to upsert membership: %w", err)
	}
	return nil
}

func (b *Backend) SoftDeleteMembership(ctx context.Context, groupID uuid.UUID, userID string, deletedAt time.Time) error {
	_, err := b.members().UpdateOne(ctx,
		bson.M{"conversationGroupId": groupID.String(), "userId": userID},
		bson.M{"$set": bson.M{"deletedAt": deletedAt}})
	return err
}

func (b *Backend) ListMemberships(ctx context.Context, groupID uuid.UUID, includeDeleted bool) ([]model.ConversationMembership, error) {
	filter := bson.M{"conversationGroupId": groupID.String()}
	if !includeDeleted {
		filter["deletedAt"] = nil
	}
	cursor, err := b.members().Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}
	var docs []membershipDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	memberships := make([]model.ConversationMembership, 0, len(docs))
	for _, doc := range docs {
		membership, err := fromMembershipDoc(doc)
		if err != nil {
			return nil, err
		}
		memberships = append(memberships, membership)
	}
	return memberships, nil
}

func (b *Backend) HardDeleteGroupMemberships(ctx context.Context, groupID uuid.UUID) ([]model.ConversationMembership, error) {
	removed, err := b.ListMemberships(ctx, groupID, true)
	if err != nil {
		return nil, err
	}
	if _, err := b.members().DeleteMany(ctx, bson.M{"conversationGroupId": groupID.String()}); err != nil {
		return nil, fmt.Errorf("failed to hard-delete memberships: %w", err)
	}
	return removed, nil
}

// --- Ownership transfers ---

func (b *Backend) GetTransfer(ctx context.Context, transferID uuid.UUID) (*model.OwnershipTransfer, error) {
	var doc transferDoc
	err := b.transfers().FindOne(ctx, bson.M{"_id": transferID.String()}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &registrystore.NotFoundError{Resource: "transfer", ID: transferID.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load transfer: %w", err)
	}
	transfer, err := fromTransferDoc(doc)
	if err != nil {
		return nil, err
	}
	return &transfer, nil
}

func (b *Backend) GetPendingTransferForGroup(ctx context.Context, groupID uuid.UUID) (*model.OwnershipTransfer, error) {
	var doc transferDoc
	err := b.transfers().FindOne(ctx, bson.M{"conversationGroupId": groupID.String()}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pending transfer: %w", err)
	}
	transfer, err := fromTransferDoc(doc)
	if err != nil {
		return nil, err
	}
	return &transfer, nil
}

func (b *Backend) ListTransfersForUser(ctx context.Context, userID string, incoming bool) ([]model.OwnershipTransfer, error) {
	field := "fromUserId"
	if incoming {
		field = "toUserId"
	}
	cursor, err := b.transfers().Find(ctx, bson.M{field: userID},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	var docs []transferDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	transfers := make([]model.OwnershipTransfer, 0, len(docs))
	for _, doc := range docs {
		transfer, err := fromTransferDoc(doc)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, transfer)
	}
	return transfers, nil
}

func (b *Backend) InsertTransfer(ctx context.Context, transfer *model.OwnershipTransfer) error {
	_, err := b.transfers().InsertOne(ctx, transferDoc{
		ID:                  transfer.ID.String(),
		ConversationGroupID: transfer.ConversationGroupID.String(),
		FromUserID:          transfer.FromUserID,
		ToUserID:            transfer.ToUserID,
		CreatedAt:           transfer.CreatedAt,
	})
	if mongo.IsDuplicateKeyError(err) {
		details := map[string]interface{}{}
		if existing, lookupErr := b.GetPendingTransferForGroup(ctx, transfer.ConversationGroupID); lookupErr == nil && existing != nil {
			details["existingTransferId"] = existing.ID.String()
		}
		return &registrystore.ConflictError{
			Message: "a transfer is already pending for this conversation",
			Code:    "TRANSFER_ALREADY_PENDING",
			Details: details,
		}
	}
	if err != nil {
		return fmt.Errorf("failed to create transfer: %w", err)
	}
	return nil
}

func (b *Backend) DeleteTransfer(ctx context.Context, transferID uuid.UUID) error {
	_, err := b.transfers().DeleteOne(ctx, bson.M{"_id": transferID.String()})
	return err
}

func (b *Backend) DeleteGroupTransfers(ctx context.Context, groupID uuid.UUID) error {
	_, err := b.transfers().DeleteMany(ctx, bson.M{"conversationGroupId": groupID.String()})
	return err
}

// --- Entries ---

func (b *Backend) InsertEntries(ctx context.Context, entries []model.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	docs := make([]interface{}, len(entries))
	for i, entry := range entries {
		docs[i] = toEntryDoc(entry)
	}
	if _, err := b.entries().InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("failed to insert entries: %w", err)
	}
	return nil
}

func (b *Backend) GetEntry(ctx context.Context, entryID uuid.UUID) (*model.Entry, error) {
	var doc entryDoc
	err := b.entries().FindOne(ctx, bson.M{"_id": entryID.String()}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &registrystore.NotFoundError{Resource: "entry", ID: entryID.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load entry: %w", err)
	}
	entry, err := fromEntryDoc(doc)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (b *Backend) ListEntries(ctx context.Context, conversationID uuid.UUID, channels []model.Channel) ([]model.Entry, error) {
	filter := bson.M{"conversationId": conversationID.String()}
	if len(channels) > 0 {
		names := make([]string, len(channels))
		for i, ch := range channels {
			names[i] = string(ch)
		}
		filter["channel"] = bson.M{"$in": names}
	}
	cursor, err := b.entries().Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	return decodeEntries(ctx, cursor)
}

func (b *Backend) PreviousHistoryEntry(ctx context.Context, conversationID uuid.UUID, before *model.Entry) (*model.Entry, error) {
	filter := bson.M{
		"conversationId": conversationID.String(),
		"channel":        string(model.ChannelHistory),
		"$or": bson.A{
			bson.M{"createdAt": bson.M{"$lt": before.CreatedAt}},
			bson.M{"createdAt": before.CreatedAt, "_id": bson.M{"$lt": before.ID.String()}},
		},
	}
	var doc entryDoc
	err := b.entries().FindOne(ctx, filter,
		options.FindOne().SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}})).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load previous history entry: %w", err)
	}
	entry, err := fromEntryDoc(doc)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (b *Backend) LatestEpoch(ctx context.Context, conversationID uuid.UUID, clientID string) (*int64, error) {
	var doc entryDoc
	err := b.entries().FindOne(ctx,
		bson.M{
			"conversationId": conversationID.String(),
			"clientId":       clientID,
			"channel":        string(model.ChannelMemory),
			"epoch":          bson.M{"$ne": nil},
		},
		options.FindOne().SetSort(bson.D{{Key: "epoch", Value: -1}})).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest epoch: %w", err)
	}
	return doc.Epoch, nil
}

func (b *Backend) ListMemoryEntries(ctx context.Context, conversationID uuid.UUID, clientID string, epoch int64) ([]model.Entry, error) {
	cursor, err := b.entries().Find(ctx,
		bson.M{
			"conversationId": conversationID.String(),
			"clientId":       clientID,
			"channel":        string(model.ChannelMemory),
			"epoch":          epoch,
		},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list memory entries: %w", err)
	}
	return decodeEntries(ctx, cursor)
}

// AppendMemoryEntries re-checks the latest epoch immediately before the
// insert. Without multi-document transactions this is best-effort: a writer
// racing between the check and the insert can still interleave, which the
// engine tolerates by treating epoch content as append-only.
func (b *Backend) AppendMemoryEntries(ctx context.Context, conversationID uuid.UUID, clientID string, expectedLatest *int64, entries []model.Entry) error {
	latest, err := b.LatestEpoch(ctx, conversationID, clientID)
	if err != nil {
		return err
	}
	if (latest == nil) != (expectedLatest == nil) || (latest != nil && *latest != *expectedLatest) {
		return engine.ErrEpochAdvanced
	}
	return b.InsertEntries(ctx, entries)
}

func decodeEntries(ctx context.Context, cursor *mongo.Cursor) ([]model.Entry, error) {
	var docs []entryDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	entries := make([]model.Entry, 0, len(docs))
	for _, doc := range docs {
		entry, err := fromEntryDoc(doc)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// --- Indexing ---

func (b *Backend) FindEntriesPendingVectorIndexing(ctx context.Context, limit int) ([]model.Entry, error) {
	cursor, err := b.entries().Find(ctx,
		bson.M{"indexedContent": bson.M{"$ne": nil}, "indexedAt": nil},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}).SetLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("failed to find entries pending vector indexing: %w", err)
	}
	return decodeEntries(ctx, cursor)
}

func (b *Backend) SetIndexedAt(ctx context.Context, entryID uuid.UUID, indexedAt *time.Time) error {
	_, err := b.entries().UpdateOne(ctx,
		bson.M{"_id": entryID.String()},
		bson.M{"$set": bson.M{"indexedAt": indexedAt}})
	return err
}

// --- Audit ---

func (b *Backend) InsertAuditRecord(ctx context.Context, record *model.MembershipAuditRecord) error {
	var level *string
	if record.AccessLevel != nil {
		s := string(*record.AccessLevel)
		level = &s
	}
	_, err := b.audits().InsertOne(ctx, auditDoc{
		ID:                  record.ID.String(),
		ConversationGroupID: record.ConversationGroupID.String(),
		Event:               string(record.Event),
		ActorUserID:         record.ActorUserID,
		SubjectUserID:       record.SubjectUserID,
		AccessLevel:         level,
		CreatedAt:           record.CreatedAt,
	})
	return err
}

// --- Eviction ---

func (b *Backend) CountEvictableGroups(ctx context.Context, cutoff time.Time) (int64, error) {
	return b.groups().CountDocuments(ctx, evictableGroupFilter(cutoff))
}

func (b *Backend) ClaimEvictableGroups(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	cursor, err := b.groups().Find(ctx, evictableGroupFilter(cutoff),
		options.Find().SetSort(bson.D{{Key: "deletedAt", Value: 1}}).SetLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("failed to claim evictable groups: %w", err)
	}
	var docs []groupDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(docs))
	for _, doc := range docs {
		id, err := uuid.Parse(doc.ID)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func evictableGroupFilter(cutoff time.Time) bson.M {
	return bson.M{"deletedAt": bson.M{"$ne": nil, "$lt": cutoff}}
}

func (b *Backend) PurgeGroup(ctx context.Context, groupID uuid.UUID) (bool, error) {
	filter := bson.M{"conversationGroupId": groupID.String()}
	if _, err := b.entries().DeleteMany(ctx, filter); err != nil {
		return false, fmt.Errorf("failed to purge entries: %w", err)
	}
	if _, err := b.convs().DeleteMany(ctx, filter); err != nil {
		return false, fmt.Errorf("failed to purge conversations: %w", err)
	}
	if _, err := b.members().DeleteMany(ctx, filter); err != nil {
		return false, fmt.Errorf("failed to purge memberships: %w", err)
	}
	if _, err := b.transfers().DeleteMany(ctx, filter); err != nil {
		return false, fmt.Errorf("failed to purge transfers: %w", err)
	}
	if _, err := b.audits().DeleteMany(ctx, filter); err != nil {
		return false, fmt.Errorf("failed to purge audit records: %w", err)
	}
	// DeletedCount on the group document decides which of any concurrent
	// purgers owns the cleanup task.
	result, err := b.groups().DeleteOne(ctx, bson.M{"_id": groupID.String()})
	if err != nil {
		return false, fmt.Errorf("failed to purge group: %w", err)
	}
	return result.DeletedCount == 1, nil
}

func (b *Backend) CountEvictableMemberships(ctx context.Context, cutoff time.Time) (int64, error) {
	return b.members().CountDocuments(ctx, bson.M{"deletedAt": bson.M{"$ne": nil, "$lt": cutoff}})
}

func (b *Backend) DeleteEvictableMemberships(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	// DeleteMany has no limit; claim a batch of keys first.
	cursor, err := b.members().Find(ctx,
		bson.M{"deletedAt": bson.M{"$ne": nil, "$lt": cutoff}},
		options.Find().SetSort(bson.D{{Key: "deletedAt", Value: 1}}).SetLimit(int64(limit)))
	if err != nil {
		return 0, fmt.Errorf("failed to find evictable memberships: %w", err)
	}
	var docs []membershipDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return 0, err
	}
	var deleted int64
	for _, doc := range docs {
		result, err := b.members().DeleteOne(ctx, bson.M{
			"conversationGroupId": doc.ConversationGroupID,
			"userId":              doc.UserID,
		})
		if err != nil {
			return deleted, fmt.Errorf("failed to delete evictable membership: %w", err)
		}
		deleted += result.DeletedCount
	}
	return deleted, nil
}

// evictableEpochsPipeline groups memory entries into epochs, then keeps only
// superseded epochs whose newest entry is past the cutoff.
func evictableEpochsPipeline(cutoff time.Time) mongo.Pipeline {
	return mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.M{
			"channel":  string(model.ChannelMemory),
			"clientId": bson.M{"$ne": nil},
			"epoch":    bson.M{"$ne": nil},
		}}},
		bson.D{{Key: "$group", Value: bson.M{
			"_id": bson.M{
				"conversationId": "$conversationId",
				"clientId":       "$clientId",
				"epoch":          "$epoch",
			},
			"newest": bson.M{"$max": "$createdAt"},
		}}},
		bson.D{{Key: "$group", Value: bson.M{
			"_id": bson.M{
				"conversationId": "$_id.conversationId",
				"clientId":       "$_id.clientId",
			},
			"maxEpoch": bson.M{"$max": "$_id.epoch"},
			"epochs":   bson.M{"$push": bson.M{"epoch": "$_id.epoch", "newest": "$newest"}},
		}}},
		bson.D{{Key: "$unwind", Value: "$epochs"}},
		bson.D{{Key: "$match", Value: bson.M{"$expr": bson.M{"$and": bson.A{
			bson.M{"$lt": bson.A{"$epochs.epoch", "$maxEpoch"}},
			bson.M{"$lt": bson.A{"$epochs.newest", cutoff}},
		}}}}},
	}
}

type epochRow struct {
	ID struct {
		ConversationID string `bson:"conversationId"`
		ClientID       string `bson:"clientId"`
	} `bson:"_id"`
	Epochs struct {
		Epoch int64 `bson:"epoch"`
	} `bson:"epochs"`
}

func (b *Backend) CountEvictableEpochs(ctx context.Context, cutoff time.Time) (int64, error) {
	pipeline := append(evictableEpochsPipeline(cutoff), bson.D{{Key: "$count", Value: "n"}})
	cursor, err := b.entries().Aggregate(ctx, pipeline)
	if err != nil {
		return 0, fmt.Errorf("failed to count evictable epochs: %w", err)
	}
	var results []struct {
		N int64 `bson:"n"`
	}
	if err := cursor.All(ctx, &results); err != nil {
		return 0, err
	}
	if len(results) == 0 {
		return 0, nil
	}
	return results[0].N, nil
}

func (b *Backend) ClaimEvictableEpochs(ctx context.Context, cutoff time.Time, limit int) ([]engine.EpochKey, error) {
	pipeline := append(evictableEpochsPipeline(cutoff), bson.D{{Key: "$limit", Value: limit}})
	cursor, err := b.entries().Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to claim evictable epochs: %w", err)
	}
	var rows []epochRow
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, err
	}
	keys := make([]engine.EpochKey, 0, len(rows))
	for _, row := range rows {
		convID, err := uuid.Parse(row.ID.ConversationID)
		if err != nil {
			continue
		}
		keys = append(keys, engine.EpochKey{
			ConversationID: convID,
			ClientID:       row.ID.ClientID,
			Epoch:          row.Epochs.Epoch,
		})
	}
	return keys, nil
}

func epochFilter(key engine.EpochKey) bson.M {
	return bson.M{
		"conversationId": key.ConversationID.String(),
		"clientId":       key.ClientID,
		"channel":        string(model.ChannelMemory),
		"epoch":          key.Epoch,
	}
}

func (b *Backend) DeleteEpochEntries(ctx context.Context, key engine.EpochKey) ([]uuid.UUID, error) {
	cursor, err := b.entries().Find(ctx, epochFilter(key),
		options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, fmt.Errorf("failed to list epoch entries: %w", err)
	}
	var docs []struct {
		ID string `bson:"_id"`
	}
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	// Delete per document and report only the documents this worker removed.
	// DeleteMany would not say which deletes a concurrent worker already won.
	ids := make([]uuid.UUID, 0, len(docs))
	for _, doc := range docs {
		result, err := b.entries().DeleteOne(ctx, bson.M{"_id": doc.ID})
		if err != nil {
			return ids, fmt.Errorf("failed to delete epoch entry: %w", err)
		}
		if result.DeletedCount == 0 {
			continue
		}
		id, err := uuid.Parse(doc.ID)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// --- Tasks ---

func (b *Backend) InsertTask(ctx context.Context, task *model.Task) error {
	_, err := b.tasks().InsertOne(ctx, taskDoc{
		ID:         task.ID.String(),
		TaskName:   task.TaskName,
		TaskType:   task.TaskType,
		TaskBody:   task.TaskBody,
		CreatedAt:  task.CreatedAt,
		RetryAt:    task.RetryAt,
		LastError:  task.LastError,
		RetryCount: task.RetryCount,
	})
	if mongo.IsDuplicateKeyError(err) {
		return &registrystore.ConflictError{Message: "task already exists", Code: "task_exists"}
	}
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

func (b *Backend) ClaimReadyTasks(ctx context.Context, limit int) ([]model.Task, error) {
	now := time.Now()
	lease := now.Add(5 * time.Minute)
	var tasks []model.Task
	for len(tasks) < limit {
		var doc taskDoc
		err := b.tasks().FindOneAndUpdate(ctx,
			bson.M{"retryAt": bson.M{"$lte": now}},
			bson.M{"$set": bson.M{"retryAt": lease}},
			options.FindOneAndUpdate().
				SetSort(bson.D{{Key: "retryAt", Value: 1}, {Key: "createdAt", Value: 1}}).
				SetReturnDocument(options.After)).
			Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			break
		}
		if err != nil {
			return tasks, fmt.Errorf("failed to claim task: %w", err)
		}
		task, err := fromTaskDoc(doc)
		if err != nil {
			return tasks, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func (b *Backend) DeleteTask(ctx context.Context, taskID uuid.UUID) error {
	_, err := b.tasks().DeleteOne(ctx, bson.M{"_id": taskID.String()})
	return err
}

func (b *Backend) FailTask(ctx context.Context, taskID uuid.UUID, errMsg string, retryAt time.Time) error {
	_, err := b.tasks().UpdateOne(ctx,
		bson.M{"_id": taskID.String()},
		bson.M{
			"$set": bson.M{"retryAt": retryAt, "lastError": errMsg},
			"$inc": bson.M{"retryCount": 1},
		})
	return err
}
