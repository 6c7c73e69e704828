// Package mongostore implements store.Store on MongoDB using the users,
// groups, chats and messages collections.
package mongostore

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/omochice/chat-relay/internal/store"
)

const (
	usersCollection    = "users"
	groupsCollection   = "groups"
	chatsCollection    = "chats"
	messagesCollection = "messages"
)

type userDoc struct {
	UserID      string   `bson:"userId"`
	ProfileName string   `bson:"profilename"`
	PhoneNumber string   `bson:"phoneNumber"`
	Friends     []string `bson:"friends"`
}

type groupDoc struct {
	GroupID    string    `bson:"groupId"`
	GroupName  string    `bson:"groupName"`
	AdminID    string    `bson:"adminId"`
	Members    []string  `bson:"members"`
	MessageIDs []string  `bson:"messageIds"`
	CreatedAt  time.Time `bson:"createdAt"`
}

type chatDoc struct {
	ChatID     string    `bson:"chatId"`
	UserID1    string    `bson:"userId1"`
	UserID2    string    `bson:"userId2"`
	MessageIDs []string  `bson:"messageIds"`
	CreatedAt  time.Time `bson:"createdAt"`
}

type messageDoc struct {
	MessageID       string    `bson:"messageId"`
	SenderID        string    `bson:"senderId"`
	Content         string    `bson:"content"`
	Timestamp       time.Time `bson:"timestamp"`
	ParentMessageID string    `bson:"parentMessageId,omitempty"`
	IsReply         bool      `bson:"isReply"`
}

// Store is a store.Store backed by a MongoDB database.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	log    *zap.Logger
	now    func() time.Time
}

var _ store.Store = (*Store)(nil)

// Connect dials uri, verifies the connection and returns a Store using database.
func Connect(ctx context.Context, uri, database string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "mongo connect")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Wrap(err, "mongo ping")
	}

	log.Info("connected to mongo", zap.String("database", database))
	return &Store{
		client: client,
		db:     client.Database(database),
		log:    log,
		now:    time.Now,
	}, nil
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return errors.Wrap(s.client.Disconnect(ctx), "mongo disconnect")
}

// FindUserByID implements store.Store.
func (s *Store) FindUserByID(ctx context.Context, id string) (store.User, error) {
	var doc userDoc
	if err := s.findOne(ctx, usersCollection, bson.M{"userId": id}, &doc); err != nil {
		return store.User{}, errors.Wrapf(err, "find user %q", id)
	}
	return doc.toUser(), nil
}

// FindGroupByID implements store.Store.
func (s *Store) FindGroupByID(ctx context.Context, id string) (store.Group, error) {
	var doc groupDoc
	if err := s.findOne(ctx, groupsCollection, bson.M{"groupId": id}, &doc); err != nil {
		return store.Group{}, errors.Wrapf(err, "find group %q", id)
	}
	return doc.toGroup(), nil
}

// FindChatByID implements store.Store.
func (s *Store) FindChatByID(ctx context.Context, id string) (store.Chat, error) {
	var doc chatDoc
	if err := s.findOne(ctx, chatsCollection, bson.M{"chatId": id}, &doc); err != nil {
		return store.Chat{}, errors.Wrapf(err, "find chat %q", id)
	}
	return doc.toChat(), nil
}

// AppendMessageToChat implements store.Store. The chat between the two users
// is created on the first message.
func (s *Store) AppendMessageToChat(ctx context.Context, senderID, receiverID, content string) (store.ChatRef, error) {
	chats := s.db.Collection(chatsCollection)

	var chat chatDoc
	err := chats.FindOne(ctx, privateChatFilter(senderID, receiverID)).Decode(&chat)
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		chat = chatDoc{
			ChatID:     store.NewChatID(),
			UserID1:    senderID,
			UserID2:    receiverID,
			MessageIDs: []string{},
			CreatedAt:  s.now(),
		}
		if _, err := chats.InsertOne(ctx, chat); err != nil {
			return store.ChatRef{}, errors.Wrap(err, "insert chat")
		}
		s.log.Debug("created chat",
			zap.String("chat_id", chat.ChatID),
			zap.String("user_id", senderID),
			zap.String("receiver_id", receiverID))
	case err != nil:
		return store.ChatRef{}, errors.Wrap(err, "find private chat")
	}

	msgID, err := s.insertMessage(ctx, senderID, content)
	if err != nil {
		return store.ChatRef{}, err
	}
	if _, err := chats.UpdateOne(ctx, bson.M{"chatId": chat.ChatID}, pushMessage(msgID)); err != nil {
		return store.ChatRef{}, errors.Wrapf(err, "append message to chat %q", chat.ChatID)
	}

	return store.ChatRef{ChatID: chat.ChatID, MessageID: msgID}, nil
}

// AppendMessageToGroup implements store.Store.
func (s *Store) AppendMessageToGroup(ctx context.Context, groupID, senderID, content string) (string, error) {
	msgID, err := s.insertMessage(ctx, senderID, content)
	if err != nil {
		return "", err
	}

	res, err := s.db.Collection(groupsCollection).UpdateOne(ctx, bson.M{"groupId": groupID}, pushMessage(msgID))
	if err != nil {
		return "", errors.Wrapf(err, "append message to group %q", groupID)
	}
	if res.MatchedCount == 0 {
		return "", errors.Wrapf(store.ErrNotFound, "group %q", groupID)
	}
	return msgID, nil
}

func (s *Store) insertMessage(ctx context.Context, senderID, content string) (string, error) {
	doc := messageDoc{
		MessageID: store.NewMessageID(),
		SenderID:  senderID,
		Content:   content,
		Timestamp: s.now(),
	}
	if _, err := s.db.Collection(messagesCollection).InsertOne(ctx, doc); err != nil {
		return "", errors.Wrap(err, "insert message")
	}
	return doc.MessageID, nil
}

func (s *Store) findOne(ctx context.Context, collection string, filter bson.M, out any) error {
	err := s.db.Collection(collection).FindOne(ctx, filter).Decode(out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.ErrNotFound
	}
	return err
}

// privateChatFilter matches the chat between a and b in either order.
func privateChatFilter(a, b string) bson.M {
	return bson.M{"$or": bson.A{
		bson.M{"userId1": a, "userId2": b},
		bson.M{"userId1": b, "userId2": a},
	}}
}

func pushMessage(messageID string) bson.M {
	return bson.M{"$push": bson.M{"messageIds": messageID}}
}

func (d userDoc) toUser() store.User {
	return store.User{
		ID:          d.UserID,
		ProfileName: d.ProfileName,
		PhoneNumber: d.PhoneNumber,
		Friends:     d.Friends,
	}
}

func (d groupDoc) toGroup() store.Group {
	return store.Group{
		ID:         d.GroupID,
		Name:       d.GroupName,
		AdminID:    d.AdminID,
		Members:    d.Members,
		MessageIDs: d.MessageIDs,
		CreatedAt:  d.CreatedAt,
	}
}

func (d chatDoc) toChat() store.Chat {
	return store.Chat{
		ID:         d.ChatID,
		UserID1:    d.UserID1,
		UserID2:    d.UserID2,
		MessageIDs: d.MessageIDs,
		CreatedAt:  d.CreatedAt,
	}
}
