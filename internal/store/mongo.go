package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/VidhuSarwal/dashcore/internal/models"
	"github.com/VidhuSarwal/dashcore/internal/sealer"
)

// credentialDoc is the stored shape of a Credential. Tokens are sealed.
type credentialDoc struct {
	ID                    primitive.ObjectID `bson:"_id,omitempty"`
	UserID                string             `bson:"user_id"`
	Provider              string             `bson:"provider"`
	AccountLabel          string             `bson:"account_label"`
	EncryptedAccessToken  []byte             `bson:"encrypted_access_token"`
	EncryptedRefreshToken []byte             `bson:"encrypted_refresh_token,omitempty"`
	Expiry                *time.Time         `bson:"expiry,omitempty"`
	Scopes                []string           `bson:"scopes"`
	CreatedAt             time.Time          `bson:"created_at"`
	UpdatedAt             time.Time          `bson:"updated_at"`
}

// stateDoc tracks an issued OAuth state nonce. Mongo removes it through the TTL
// index on expires_at once the flow window has passed.
type stateDoc struct {
	Nonce     string    `bson:"nonce"`
	UserID    string    `bson:"user_id"`
	Provider  string    `bson:"provider"`
	CreatedAt time.Time `bson:"created_at"`
	ExpiresAt time.Time `bson:"expires_at"`
}

// NewMongo connects to MongoDB, ensures indexes and returns a Store.
func NewMongo(ctx context.Context, uri, database string, s *sealer.Sealer) (*Store, error) {
	c, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := c.Ping(ctx, nil); err != nil {
		_ = c.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	db := c.Database(database)
	creds := db.Collection("credentials")
	states := db.Collection("oauth_states")

	if err := ensureMongoIndexes(ctx, creds, states); err != nil {
		_ = c.Disconnect(ctx)
		return nil, err
	}

	return &Store{
		Backend:     "mongo",
		Credentials: &mongoCredentials{col: creds, codec: tokenCodec{sealer: s}},
		States:      &mongoStates{col: states},
		ping:        func(ctx context.Context) error { return c.Ping(ctx, nil) },
		close:       c.Disconnect,
	}, nil
}

func ensureMongoIndexes(ctx context.Context, creds, states *mongo.Collection) error {
	_, err := creds.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "provider", Value: 1}, {Key: "account_label", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create credentials index: %w", err)
	}

	_, err = states.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.M{"nonce": 1}, Options: options.Index().SetUnique(true)},
		{Keys: bson.M{"expires_at": 1}, Options: options.Index().SetExpireAfterSeconds(0)},
	})
	if err != nil {
		return fmt.Errorf("create oauth_states indexes: %w", err)
	}
	return nil
}

type mongoCredentials struct {
	col   *mongo.Collection
	codec tokenCodec
}

func keyFilter(key models.CredentialKey) bson.M {
	return bson.M{"user_id": key.UserID, "provider": string(key.Provider), "account_label": key.AccountLabel}
}

func (r *mongoCredentials) Get(ctx context.Context, key models.CredentialKey) (*models.Credential, error) {
	defer observe(ctx, "mongo", "credentials.get")()
	var doc credentialDoc
	if err := r.col.FindOne(ctx, keyFilter(key)).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find credential: %w", err)
	}
	return r.codec.fromDoc(&doc)
}

func (r *mongoCredentials) Upsert(ctx context.Context, cred *models.Credential) error {
	defer observe(ctx, "mongo", "credentials.upsert")()
	set, err := r.codec.toSet(cred)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	set["updated_at"] = now
	update := bson.M{
		"$set":         set,
		"$setOnInsert": bson.M{"created_at": now},
	}
	if _, err := r.col.UpdateOne(ctx, keyFilter(cred.Key()), update, options.Update().SetUpsert(true)); err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}

func (r *mongoCredentials) Delete(ctx context.Context, key models.CredentialKey) error {
	defer observe(ctx, "mongo", "credentials.delete")()
	if _, err := r.col.DeleteOne(ctx, keyFilter(key)); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

func (r *mongoCredentials) ListByUser(ctx context.Context, userID string) ([]models.Credential, error) {
	defer observe(ctx, "mongo", "credentials.list")()
	cursor, err := r.col.Find(ctx, bson.M{"user_id": userID},
		options.Find().SetSort(bson.D{{Key: "provider", Value: 1}, {Key: "account_label", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []credentialDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	out := make([]models.Credential, 0, len(docs))
	for i := range docs {
		c, err := r.codec.fromDoc(&docs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, nil
}

// toSet builds the $set document for an upsert. The refresh token field is
// always written so a cleared refresh token does not linger.
func (c tokenCodec) toSet(cred *models.Credential) (bson.M, error) {
	sealed, err := c.seal(cred)
	if err != nil {
		return nil, err
	}
	scopes := cred.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	set := bson.M{
		"encrypted_access_token":  sealed.Access,
		"encrypted_refresh_token": sealed.Refresh,
		"scopes":                  scopes,
		"expiry":                  nil,
	}
	if !cred.Expiry.IsZero() {
		set["expiry"] = cred.Expiry.UTC()
	}
	return set, nil
}

func (c tokenCodec) fromDoc(doc *credentialDoc) (*models.Credential, error) {
	cred := &models.Credential{
		UserID:       doc.UserID,
		Provider:     models.Provider(doc.Provider),
		AccountLabel: doc.AccountLabel,
		Scopes:       doc.Scopes,
		CreatedAt:    doc.CreatedAt,
		UpdatedAt:    doc.UpdatedAt,
	}
	if doc.Expiry != nil {
		cred.Expiry = *doc.Expiry
	}
	if err := c.open(cred, sealedTokens{Access: doc.EncryptedAccessToken, Refresh: doc.EncryptedRefreshToken}); err != nil {
		return nil, err
	}
	return cred, nil
}

type mongoStates struct {
	col *mongo.Collection
}

func (r *mongoStates) Save(ctx context.Context, state IssuedState) error {
	defer observe(ctx, "mongo", "states.save")()
	if state.CreatedAt.IsZero() {
		state.CreatedAt = time.Now().UTC()
	}
	_, err := r.col.InsertOne(ctx, stateDoc{
		Nonce:     state.Nonce,
		UserID:    state.UserID,
		Provider:  string(state.Provider),
		CreatedAt: state.CreatedAt,
		ExpiresAt: state.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("insert oauth state: %w", err)
	}
	return nil
}

func (r *mongoStates) Consume(ctx context.Context, nonce string) (*IssuedState, error) {
	defer observe(ctx, "mongo", "states.consume")()
	var doc stateDoc
	filter := bson.M{"nonce": nonce, "expires_at": bson.M{"$gt": time.Now().UTC()}}
	if err := r.col.FindOneAndDelete(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("consume oauth state: %w", err)
	}
	return &IssuedState{
		Nonce:     doc.Nonce,
		UserID:    doc.UserID,
		Provider:  models.Provider(doc.Provider),
		CreatedAt: doc.CreatedAt,
		ExpiresAt: doc.ExpiresAt,
	}, nil
}
