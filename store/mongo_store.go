package store

import (
	"context"
	"errors"
	"time"

	"github.com/anjiri1684/amora_chat/models"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type conversationDoc struct {
	ID            string    `bson:"_id"`
	Name          *string   `bson:"name,omitempty"`
	PairKey       *string   `bson:"pairKey,omitempty"`
	Participants  []string  `bson:"participants"`
	LastMessageID *string   `bson:"lastMessage,omitempty"`
	CreatedAt     time.Time `bson:"createdAt"`
	UpdatedAt     time.Time `bson:"updatedAt"`
}

func (d conversationDoc) model() models.Conversation {
	c := models.Conversation{
		ID:            d.ID,
		Name:          d.Name,
		PairKey:       d.PairKey,
		LastMessageID: d.LastMessageID,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
	// Array order is join order.
	for i, p := range d.Participants {
		c.Participants = append(c.Participants, models.ConversationParticipant{
			ConversationID: d.ID,
			UserID:         p,
			JoinedAt:       d.CreatedAt.Add(time.Duration(i) * time.Microsecond),
		})
	}
	return c
}

type messageDoc struct {
	ID             string              `bson:"_id"`
	ConversationID string              `bson:"conversationId"`
	SenderID       string              `bson:"sender"`
	Content        string              `bson:"content"`
	Attachments    []models.Attachment `bson:"attachments"`
	ReplyToID      *string             `bson:"replyTo,omitempty"`
	ReadBy         []string            `bson:"readBy"`
	DeletedBy      []string            `bson:"deletedBy"`
	Edited         bool                `bson:"edited"`
	CreatedAt      time.Time           `bson:"createdAt"`
	UpdatedAt      time.Time           `bson:"updatedAt"`
}

func (d messageDoc) model() models.Message {
	m := models.Message{
		ID:             d.ID,
		ConversationID: d.ConversationID,
		SenderID:       d.SenderID,
		Content:        d.Content,
		Attachments:    d.Attachments,
		ReplyToID:      d.ReplyToID,
		Edited:         d.Edited,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
		ReadBy:         d.ReadBy,
		DeletedBy:      d.DeletedBy,
	}
	if m.Attachments == nil {
		m.Attachments = []models.Attachment{}
	}
	if m.ReadBy == nil {
		m.ReadBy = []string{}
	}
	if m.DeletedBy == nil {
		m.DeletedBy = []string{}
	}
	return m
}

type userDoc struct {
	ID         string     `bson:"_id"`
	Name       string     `bson:"name"`
	Email      string     `bson:"email,omitempty"`
	AvatarURL  *string    `bson:"avatar,omitempty"`
	LastActive *time.Time `bson:"lastActive,omitempty"`
}

type callDoc struct {
	ID         string     `bson:"_id"`
	CallerID   string     `bson:"caller"`
	ReceiverID string     `bson:"receiver"`
	CallType   string     `bson:"callType"`
	Status     string     `bson:"status"`
	StartedAt  *time.Time `bson:"startedAt,omitempty"`
	EndedAt    *time.Time `bson:"endedAt,omitempty"`
	Duration   int        `bson:"duration"`
	CreatedAt  time.Time  `bson:"createdAt"`
	UpdatedAt  time.Time  `bson:"updatedAt"`
}

func (d callDoc) model() models.Call {
	return models.Call(d)
}

// MongoStore implements Store on MongoDB. Set membership uses $addToSet and
// $pull so each mutation is atomic on its document.
type MongoStore struct {
	conversations *mongo.Collection
	messages      *mongo.Collection
	users         *mongo.Collection
	calls         *mongo.Collection
	timeout       time.Duration
	now           func() time.Time
}

func NewMongoStore(ctx context.Context, db *mongo.Database) (*MongoStore, error) {
	s := &MongoStore{
		conversations: db.Collection("conversations"),
		messages:      db.Collection("messages"),
		users:         db.Collection("users"),
		calls:         db.Collection("calls"),
		timeout:       5 * time.Second,
		now:           time.Now,
	}
	return s, s.ensureIndexes(ctx)
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if _, err := s.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "conversationId", Value: 1}, {Key: "createdAt", Value: 1}}},
		{Keys: bson.D{{Key: "readBy", Value: 1}}},
	}); err != nil {
		return err
	}
	if _, err := s.conversations.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "participants", Value: 1}}},
		{Keys: bson.D{{Key: "pairKey", Value: 1}}, Options: options.Index().SetUnique(true).SetSparse(true)},
	}); err != nil {
		return err
	}
	_, err := s.calls.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "caller", Value: 1}, {Key: "createdAt", Value: -1}}},
		{Keys: bson.D{{Key: "receiver", Value: 1}, {Key: "createdAt", Value: -1}}},
	})
	return err
}

func (s *MongoStore) op(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func notFound(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return err
}

// ---- conversations ----

func (s *MongoStore) findConversation(ctx context.Context, filter bson.M) (*models.Conversation, error) {
	var d conversationDoc
	if err := s.conversations.FindOne(ctx, filter).Decode(&d); err != nil {
		return nil, notFound(err)
	}
	c := d.model()
	return &c, nil
}

func (s *MongoStore) FindConversation(ctx context.Context, id string) (*models.Conversation, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	return s.findConversation(ctx, bson.M{"_id": id})
}

func (s *MongoStore) FindConversationByPair(ctx context.Context, a, b string) (*models.Conversation, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	return s.findConversation(ctx, bson.M{"pairKey": models.PairKey(a, b)})
}

func (s *MongoStore) CreateConversation(ctx context.Context, participants []string, name *string) (*models.Conversation, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	now := s.now()
	d := conversationDoc{
		ID:           uuid.NewString(),
		Name:         name,
		Participants: participants,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if len(participants) == 2 {
		key := models.PairKey(participants[0], participants[1])
		d.PairKey = &key
	}
	if _, err := s.conversations.InsertOne(ctx, d); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	c := d.model()
	return &c, nil
}

func (s *MongoStore) UpdateConversationParticipants(ctx context.Context, id string, add, remove []string) (*models.Conversation, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	after := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var d conversationDoc
	// $addToSet and $pull cannot target the same field in one update.
	if len(add) > 0 {
		err := s.conversations.FindOneAndUpdate(ctx, bson.M{"_id": id}, bson.M{
			"$addToSet": bson.M{"participants": bson.M{"$each": add}},
			"$set":      bson.M{"updatedAt": s.now()},
		}, after).Decode(&d)
		if err != nil {
			return nil, notFound(err)
		}
	}
	if len(remove) > 0 {
		err := s.conversations.FindOneAndUpdate(ctx, bson.M{"_id": id}, bson.M{
			"$pull": bson.M{"participants": bson.M{"$in": remove}},
			"$set":  bson.M{"updatedAt": s.now()},
		}, after).Decode(&d)
		if err != nil {
			return nil, notFound(err)
		}
	}
	if d.ID == "" {
		c, err := s.findConversation(ctx, bson.M{"_id": id})
		return c, err
	}
	if d.PairKey != nil && len(d.Participants) != 2 {
		if _, err := s.conversations.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$unset": bson.M{"pairKey": ""}}); err != nil {
			return nil, err
		}
		d.PairKey = nil
	}
	c := d.model()
	return &c, nil
}

func (s *MongoStore) SetLastMessage(ctx context.Context, conversationID, messageID string) error {
	ctx, cancel := s.op(ctx)
	defer cancel()
	res, err := s.conversations.UpdateOne(ctx, bson.M{"_id": conversationID}, bson.M{
		"$set": bson.M{"lastMessage": messageID, "updatedAt": s.now()},
	})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) DeleteConversation(ctx context.Context, id string) error {
	ctx, cancel := s.op(ctx)
	defer cancel()
	res, err := s.conversations.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	_, err = s.messages.DeleteMany(ctx, bson.M{"conversationId": id})
	return err
}

func (s *MongoStore) ListUserConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	cur, err := s.conversations.Find(ctx, bson.M{"participants": userID},
		options.Find().SetSort(bson.D{{Key: "updatedAt", Value: -1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []models.Conversation
	for cur.Next(ctx) {
		var d conversationDoc
		if err := cur.Decode(&d); err != nil {
			return nil, err
		}
		out = append(out, d.model())
	}
	return out, cur.Err()
}

// ---- messages ----

func (s *MongoStore) CreateMessage(ctx context.Context, m *models.Message) error {
	ctx, cancel := s.op(ctx)
	defer cancel()

	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	m.UpdatedAt = m.CreatedAt
	m.ReadBy = []string{m.SenderID}
	m.DeletedBy = []string{}
	if m.Attachments == nil {
		m.Attachments = []models.Attachment{}
	}
	_, err := s.messages.InsertOne(ctx, messageDoc{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		Attachments:    m.Attachments,
		ReplyToID:      m.ReplyToID,
		ReadBy:         m.ReadBy,
		DeletedBy:      m.DeletedBy,
		Edited:         m.Edited,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	})
	return err
}

func (s *MongoStore) findMessage(ctx context.Context, id string) (*models.Message, error) {
	var d messageDoc
	if err := s.messages.FindOne(ctx, bson.M{"_id": id}).Decode(&d); err != nil {
		return nil, notFound(err)
	}
	m := d.model()
	return &m, nil
}

func (s *MongoStore) FindMessage(ctx context.Context, id string) (*models.Message, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	return s.findMessage(ctx, id)
}

func (s *MongoStore) decodeMessages(ctx context.Context, cur *mongo.Cursor) ([]models.Message, error) {
	defer cur.Close(ctx)
	out := []models.Message{}
	for cur.Next(ctx) {
		var d messageDoc
		if err := cur.Decode(&d); err != nil {
			return nil, err
		}
		out = append(out, d.model())
	}
	return out, cur.Err()
}

func (s *MongoStore) ListMessages(ctx context.Context, conversationID, viewerID string, page, limit int) ([]models.Message, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}).
		SetSkip(int64(offset(page, limit))).
		SetLimit(int64(limit))
	cur, err := s.messages.Find(ctx, bson.M{
		"conversationId": conversationID,
		"deletedBy":      bson.M{"$ne": viewerID},
	}, opts)
	if err != nil {
		return nil, err
	}
	return s.decodeMessages(ctx, cur)
}

func unreadFilter(conversationID, userID string) bson.M {
	return bson.M{
		"conversationId": conversationID,
		"sender":         bson.M{"$ne": userID},
		"readBy":         bson.M{"$ne": userID},
		"deletedBy":      bson.M{"$ne": userID},
	}
}

func (s *MongoStore) MarkMessagesRead(ctx context.Context, conversationID, readerID string) ([]string, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	cur, err := s.messages.Find(ctx, unreadFilter(conversationID, readerID),
		options.Find().SetProjection(bson.M{"_id": 1}).SetSort(bson.D{{Key: "createdAt", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var candidates []struct {
		ID string `bson:"_id"`
	}
	if err := cur.All(ctx, &candidates); err != nil {
		return nil, err
	}

	// Per-document conditional updates so the returned ids are exactly the
	// ones this call changed, even with a concurrent reader on another device.
	ids := []string{}
	for _, c := range candidates {
		filter := unreadFilter(conversationID, readerID)
		filter["_id"] = c.ID
		res, err := s.messages.UpdateOne(ctx, filter, bson.M{"$addToSet": bson.M{"readBy": readerID}})
		if err != nil {
			return ids, err
		}
		if res.ModifiedCount == 1 {
			ids = append(ids, c.ID)
		}
	}
	return ids, nil
}

func (s *MongoStore) AppendDeletedBy(ctx context.Context, messageID, userID string) (*models.Message, bool, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	res, err := s.messages.UpdateOne(ctx, bson.M{"_id": messageID}, bson.M{
		"$addToSet": bson.M{"deletedBy": userID},
	})
	if err != nil {
		return nil, false, err
	}
	if res.MatchedCount == 0 {
		return nil, false, ErrNotFound
	}
	m, err := s.findMessage(ctx, messageID)
	if err != nil {
		return nil, false, err
	}
	return m, res.ModifiedCount == 1, nil
}

func (s *MongoStore) CountUnread(ctx context.Context, conversationID, userID string) (int64, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	return s.messages.CountDocuments(ctx, unreadFilter(conversationID, userID))
}

func (s *MongoStore) UpdateMessageContent(ctx context.Context, id, content string) (*models.Message, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	var d messageDoc
	err := s.messages.FindOneAndUpdate(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{"content": content, "edited": true, "updatedAt": s.now()},
	}, options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&d)
	if err != nil {
		return nil, notFound(err)
	}
	m := d.model()
	return &m, nil
}

func (s *MongoStore) DeleteMessage(ctx context.Context, id string) (bool, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	res, err := s.messages.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return false, err
	}
	return res.DeletedCount == 1, nil
}

func (s *MongoStore) FindFullyDeletedMessages(ctx context.Context, limit int) ([]models.Message, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"deletedBy.0": bson.M{"$exists": true}}}},
		{{Key: "$lookup", Value: bson.M{
			"from":         "conversations",
			"localField":   "conversationId",
			"foreignField": "_id",
			"as":           "conv",
		}}},
		{{Key: "$unwind", Value: "$conv"}},
		{{Key: "$match", Value: bson.M{"$expr": bson.M{"$and": bson.A{
			bson.M{"$gt": bson.A{bson.M{"$size": "$conv.participants"}, 0}},
			bson.M{"$setIsSubset": bson.A{"$conv.participants", "$deletedBy"}},
		}}}}},
		{{Key: "$project", Value: bson.M{"conv": 0}}},
		{{Key: "$limit", Value: limit}},
	}
	cur, err := s.messages.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	return s.decodeMessages(ctx, cur)
}

// ---- users ----

func (s *MongoStore) FindUsers(ctx context.Context, ids []string) (map[string]models.User, error) {
	out := make(map[string]models.User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	ctx, cancel := s.op(ctx)
	defer cancel()
	cur, err := s.users.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, err
	}
	var docs []userDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	for _, d := range docs {
		out[d.ID] = models.User{ID: d.ID, Name: d.Name, Email: d.Email, AvatarURL: d.AvatarURL, LastActive: d.LastActive}
	}
	return out, nil
}

func (s *MongoStore) TouchLastActive(ctx context.Context, userID string, at time.Time) error {
	ctx, cancel := s.op(ctx)
	defer cancel()
	res, err := s.users.UpdateOne(ctx, bson.M{"_id": userID}, bson.M{"$set": bson.M{"lastActive": at}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) GetLastActive(ctx context.Context, userID string) (*time.Time, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	var d userDoc
	err := s.users.FindOne(ctx, bson.M{"_id": userID},
		options.FindOne().SetProjection(bson.M{"lastActive": 1})).Decode(&d)
	if err != nil {
		return nil, notFound(err)
	}
	return d.LastActive, nil
}

// ---- calls ----

func (s *MongoStore) CreateCall(ctx context.Context, c *models.Call) error {
	ctx, cancel := s.op(ctx)
	defer cancel()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := s.now()
	c.CreatedAt, c.UpdatedAt = now, now
	if c.Status == "" {
		c.Status = models.CallRinging
	}
	_, err := s.calls.InsertOne(ctx, callDoc(*c))
	return err
}

func (s *MongoStore) FindCall(ctx context.Context, id string) (*models.Call, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	var d callDoc
	if err := s.calls.FindOne(ctx, bson.M{"_id": id}).Decode(&d); err != nil {
		return nil, notFound(err)
	}
	c := d.model()
	return &c, nil
}

func (s *MongoStore) ListCalls(ctx context.Context, f CallFilter) ([]models.Call, int64, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	filter := bson.M{}
	if f.UserID != "" {
		filter["$or"] = bson.A{bson.M{"caller": f.UserID}, bson.M{"receiver": f.UserID}}
	}
	if f.CallerID != "" {
		filter["caller"] = f.CallerID
	}
	if f.ReceiverID != "" {
		filter["receiver"] = f.ReceiverID
	}
	if f.Status != "" {
		filter["status"] = f.Status
	}
	if f.CallType != "" {
		filter["callType"] = f.CallType
	}

	total, err := s.calls.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	cur, err := s.calls.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}}).
		SetSkip(int64(offset(f.Page, f.Limit))).
		SetLimit(int64(f.Limit)))
	if err != nil {
		return nil, 0, err
	}
	var docs []callDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, 0, err
	}
	calls := make([]models.Call, 0, len(docs))
	for _, d := range docs {
		calls = append(calls, d.model())
	}
	return calls, total, nil
}

func (s *MongoStore) UpdateCall(ctx context.Context, id string, u CallUpdate) (*models.Call, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	set := bson.M{"updatedAt": s.now()}
	if u.Status != nil {
		set["status"] = *u.Status
	}
	if u.StartedAt != nil {
		set["startedAt"] = *u.StartedAt
	}
	if u.EndedAt != nil {
		set["endedAt"] = *u.EndedAt
	}
	if u.Duration != nil {
		set["duration"] = *u.Duration
	}
	filter := bson.M{"_id": id}
	if u.FromStatus != "" {
		filter["status"] = u.FromStatus
	}
	var d callDoc
	err := s.calls.FindOneAndUpdate(ctx, filter, bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) && u.FromStatus != "" {
		n, cerr := s.calls.CountDocuments(ctx, bson.M{"_id": id})
		if cerr != nil {
			return nil, cerr
		}
		if n > 0 {
			return nil, ErrStale
		}
	}
	if err != nil {
		return nil, notFound(err)
	}
	c := d.model()
	return &c, nil
}

func (s *MongoStore) DeleteCall(ctx context.Context, id string) error {
	ctx, cancel := s.op(ctx)
	defer cancel()
	res, err := s.calls.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}
