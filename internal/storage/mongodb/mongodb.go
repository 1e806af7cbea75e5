package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"accounts/internal/domain/models"
	"accounts/internal/storage"
)

type Storage struct {
	client   *mongo.Client
	database *mongo.Database
	users    *mongo.Collection
	counters *mongo.Collection
	tokens   *mongo.Collection
	resets   *mongo.Collection
}

type userDoc struct {
	ID             int64      `bson:"_id"`
	Email          string     `bson:"email"`
	PassHash       []byte     `bson:"pass_hash,omitempty"`
	Provider       string     `bson:"provider"`
	ProviderUserID *string    `bson:"provider_user_id,omitempty"`
	CreatedAt      time.Time  `bson:"created_at"`
}

type counterDoc struct {
	ID    string `bson:"_id"`
	Value int64  `bson:"value"`
}

type refreshTokenDoc struct {
	ID               string     `bson:"_id"`
	Token            string     `bson:"token"`
	UserID           int64      `bson:"user_id"`
	CreatedAt        time.Time  `bson:"created_at"`
	ExpiresAt        time.Time  `bson:"expires_at"`
	RevokedAt        *time.Time `bson:"revoked_at,omitempty"`
	ReplacedByToken  *string    `bson:"replaced_by_token,omitempty"`
	RevocationReason *string    `bson:"revocation_reason,omitempty"`
}

type passwordResetDoc struct {
	ID        string     `bson:"_id"`
	Token     string     `bson:"token"`
	UserID    int64      `bson:"user_id"`
	CreatedAt time.Time  `bson:"created_at"`
	ExpiresAt time.Time  `bson:"expires_at"`
	UsedAt    *time.Time `bson:"used_at,omitempty"`
}

// New creates a new MongoDB storage instance and sets up indexes.
func New(ctx context.Context, uri, database string) (*Storage, error) {
	const op = "storage.mongodb.New"

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("%s: connect: %w", op, err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("%s: ping: %w", op, err)
	}

	db := client.Database(database)
	s := &Storage{
		client:   client,
		database: db,
		users:    db.Collection("users"),
		counters: db.Collection("counters"),
		tokens:   db.Collection("refresh_tokens"),
		resets:   db.Collection("password_resets"),
	}

	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("%s: indexes: %w", op, err)
	}

	return s, nil
}

func (s *Storage) ensureIndexes(ctx context.Context) error {
	// users (provider, email) unique
	_, err := s.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "provider", Value: 1}, {Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("users.provider_email index: %w", err)
	}

	// users (provider, provider_user_id) unique when present
	_, err = s.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "provider", Value: 1}, {Key: "provider_user_id", Value: 1}},
		Options: options.Index().SetUnique(true).SetPartialFilterExpression(
			bson.D{{Key: "provider_user_id", Value: bson.D{{Key: "$exists", Value: true}}}},
		),
	})
	if err != nil {
		return fmt.Errorf("users.provider_uid index: %w", err)
	}

	// refresh_tokens.token unique
	_, err = s.tokens.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "token", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("refresh_tokens.token index: %w", err)
	}

	// refresh_tokens.user_id for the revoke-all cascade
	_, err = s.tokens.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("refresh_tokens.user_id index: %w", err)
	}

	// password_resets.token unique
	_, err = s.resets.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "token", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("password_resets.token index: %w", err)
	}

	return nil
}

// Close disconnects from MongoDB.
func (s *Storage) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// nextID atomically increments and returns the next ID for a given collection.
func (s *Storage) nextID(ctx context.Context, collectionName string) (int64, error) {
	filter := bson.D{{Key: "_id", Value: collectionName}}
	update := bson.D{{Key: "$inc", Value: bson.D{{Key: "value", Value: int64(1)}}}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var counter counterDoc
	err := s.counters.FindOneAndUpdate(ctx, filter, update, opts).Decode(&counter)
	if err != nil {
		return 0, err
	}
	return counter.Value, nil
}

// SaveUser saves a new local user and returns the generated user ID.
func (s *Storage) SaveUser(ctx context.Context, email string, passHash []byte) (int64, error) {
	const op = "storage.mongodb.SaveUser"

	id, err := s.nextID(ctx, "users")
	if err != nil {
		return 0, fmt.Errorf("%s: nextID: %w", op, err)
	}

	doc := userDoc{
		ID:        id,
		Email:     email,
		PassHash:  passHash,
		Provider:  string(models.ProviderLocal),
		CreatedAt: time.Now().UTC(),
	}

	_, err = s.users.InsertOne(ctx, doc)
	if err != nil {
		if isDuplicateKeyError(err) {
			return 0, fmt.Errorf("%s: %w", op, storage.ErrUserAlreadyExists)
		}
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return id, nil
}

// SaveExternalUser saves a user created through an external OAuth provider.
func (s *Storage) SaveExternalUser(
	ctx context.Context,
	email string,
	provider models.AuthProvider,
	providerUserID string,
) (int64, error) {
	const op = "storage.mongodb.SaveExternalUser"

	id, err := s.nextID(ctx, "users")
	if err != nil {
		return 0, fmt.Errorf("%s: nextID: %w", op, err)
	}

	doc := userDoc{
		ID:             id,
		Email:          email,
		Provider:       string(provider),
		ProviderUserID: &providerUserID,
		CreatedAt:      time.Now().UTC(),
	}

	_, err = s.users.InsertOne(ctx, doc)
	if err != nil {
		if isDuplicateKeyError(err) {
			return 0, fmt.Errorf("%s: %w", op, storage.ErrUserAlreadyExists)
		}
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return id, nil
}

// UpdatePassword replaces the stored password hash for the user.
func (s *Storage) UpdatePassword(ctx context.Context, userID int64, passHash []byte) error {
	const op = "storage.mongodb.UpdatePassword"

	result, err := s.users.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: userID}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "pass_hash", Value: passHash}}}},
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
	}
	return nil
}

// User retrieves a local user by email.
func (s *Storage) User(ctx context.Context, email string) (*models.User, error) {
	const op = "storage.mongodb.User"
	return s.findUser(ctx, op, bson.D{
		{Key: "email", Value: email},
		{Key: "provider", Value: string(models.ProviderLocal)},
	})
}

// UserByID retrieves a user by ID.
func (s *Storage) UserByID(ctx context.Context, userID int64) (*models.User, error) {
	const op = "storage.mongodb.UserByID"
	return s.findUser(ctx, op, bson.D{{Key: "_id", Value: userID}})
}

// UserByProvider retrieves a user by its external provider identity.
func (s *Storage) UserByProvider(
	ctx context.Context,
	provider models.AuthProvider,
	providerUserID string,
) (*models.User, error) {
	const op = "storage.mongodb.UserByProvider"
	return s.findUser(ctx, op, bson.D{
		{Key: "provider", Value: string(provider)},
		{Key: "provider_user_id", Value: providerUserID},
	})
}

func (s *Storage) findUser(ctx context.Context, op string, filter bson.D) (*models.User, error) {
	var doc userDoc
	err := s.users.FindOne(ctx, filter).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &models.User{
		ID:             doc.ID,
		Email:          doc.Email,
		PassHash:       doc.PassHash,
		Provider:       models.AuthProvider(doc.Provider),
		ProviderUserID: doc.ProviderUserID,
		CreatedAt:      doc.CreatedAt,
	}, nil
}

// SaveRefreshToken stores a new active refresh token.
func (s *Storage) SaveRefreshToken(ctx context.Context, token *models.RefreshToken) error {
	const op = "storage.mongodb.SaveRefreshToken"

	doc := refreshTokenDoc{
		ID:        token.ID,
		Token:     token.Token,
		UserID:    token.UserID,
		CreatedAt: token.CreatedAt.UTC(),
		ExpiresAt: token.ExpiresAt.UTC(),
	}

	_, err := s.tokens.InsertOne(ctx, doc)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// GetRefreshToken retrieves a refresh token by exact token match.
func (s *Storage) GetRefreshToken(ctx context.Context, token string) (*models.RefreshToken, error) {
	const op = "storage.mongodb.GetRefreshToken"

	var doc refreshTokenDoc
	err := s.tokens.FindOne(ctx, bson.D{{Key: "token", Value: token}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &models.RefreshToken{
		ID:               doc.ID,
		Token:            doc.Token,
		UserID:           doc.UserID,
		CreatedAt:        doc.CreatedAt,
		ExpiresAt:        doc.ExpiresAt,
		RevokedAt:        doc.RevokedAt,
		ReplacedByToken:  doc.ReplacedByToken,
		RevocationReason: doc.RevocationReason,
	}, nil
}

// RotateRefreshToken revokes the old token and inserts its successor. The
// revoke filter requires revoked_at to still be absent, so only one of any
// number of concurrent rotations can claim the row.
func (s *Storage) RotateRefreshToken(
	ctx context.Context,
	oldToken string,
	successor *models.RefreshToken,
	revokedAt time.Time,
) error {
	const op = "storage.mongodb.RotateRefreshToken"

	result, err := s.tokens.UpdateOne(ctx,
		bson.D{
			{Key: "token", Value: oldToken},
			{Key: "revoked_at", Value: bson.D{{Key: "$exists", Value: false}}},
		},
		bson.D{
			{Key: "$set", Value: bson.D{
				{Key: "revoked_at", Value: revokedAt.UTC()},
				{Key: "replaced_by_token", Value: successor.Token},
				{Key: "revocation_reason", Value: models.ReasonRotated},
			}},
		},
	)
	if err != nil {
		return fmt.Errorf("%s: revoke old: %w", op, err)
	}
	if result.ModifiedCount == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrTokenAlreadyRevoked)
	}

	newDoc := refreshTokenDoc{
		ID:        successor.ID,
		Token:     successor.Token,
		UserID:    successor.UserID,
		CreatedAt: successor.CreatedAt.UTC(),
		ExpiresAt: successor.ExpiresAt.UTC(),
	}

	_, err = s.tokens.InsertOne(ctx, newDoc)
	if err != nil {
		return fmt.Errorf("%s: insert new: %w", op, err)
	}

	return nil
}

// RevokeRefreshToken marks one token revoked; missing or already-revoked
// tokens are a no-op success.
func (s *Storage) RevokeRefreshToken(ctx context.Context, token string, revokedAt time.Time, reason string) error {
	const op = "storage.mongodb.RevokeRefreshToken"

	_, err := s.tokens.UpdateOne(ctx,
		bson.D{
			{Key: "token", Value: token},
			{Key: "revoked_at", Value: bson.D{{Key: "$exists", Value: false}}},
		},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "revoked_at", Value: revokedAt.UTC()},
			{Key: "revocation_reason", Value: reason},
		}}},
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// RevokeAllForUser marks every active token of the user revoked.
func (s *Storage) RevokeAllForUser(ctx context.Context, userID int64, revokedAt time.Time, reason string) error {
	const op = "storage.mongodb.RevokeAllForUser"

	_, err := s.tokens.UpdateMany(ctx,
		bson.D{
			{Key: "user_id", Value: userID},
			{Key: "revoked_at", Value: bson.D{{Key: "$exists", Value: false}}},
		},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "revoked_at", Value: revokedAt.UTC()},
			{Key: "revocation_reason", Value: reason},
		}}},
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// SavePasswordReset stores a new single-use reset token.
func (s *Storage) SavePasswordReset(ctx context.Context, reset *models.PasswordReset) error {
	const op = "storage.mongodb.SavePasswordReset"

	doc := passwordResetDoc{
		ID:        reset.ID,
		Token:     reset.Token,
		UserID:    reset.UserID,
		CreatedAt: reset.CreatedAt.UTC(),
		ExpiresAt: reset.ExpiresAt.UTC(),
	}

	_, err := s.resets.InsertOne(ctx, doc)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// GetPasswordReset retrieves a reset token by exact match.
func (s *Storage) GetPasswordReset(ctx context.Context, token string) (*models.PasswordReset, error) {
	const op = "storage.mongodb.GetPasswordReset"

	var doc passwordResetDoc
	err := s.resets.FindOne(ctx, bson.D{{Key: "token", Value: token}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrResetTokenNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &models.PasswordReset{
		ID:        doc.ID,
		Token:     doc.Token,
		UserID:    doc.UserID,
		CreatedAt: doc.CreatedAt,
		ExpiresAt: doc.ExpiresAt,
		UsedAt:    doc.UsedAt,
	}, nil
}

// ConsumePasswordReset marks the reset token used, exactly once.
func (s *Storage) ConsumePasswordReset(ctx context.Context, token string, usedAt time.Time) error {
	const op = "storage.mongodb.ConsumePasswordReset"

	result, err := s.resets.UpdateOne(ctx,
		bson.D{
			{Key: "token", Value: token},
			{Key: "used_at", Value: bson.D{{Key: "$exists", Value: false}}},
		},
		bson.D{{Key: "$set", Value: bson.D{{Key: "used_at", Value: usedAt.UTC()}}}},
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if result.ModifiedCount == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrResetTokenAlreadyUsed)
	}
	return nil
}

// isDuplicateKeyError checks if the error is a MongoDB duplicate key error (code 11000).
func isDuplicateKeyError(err error) bool {
	var we mongo.WriteException
	if errors.As(err, &we) {
		for _, e := range we.WriteErrors {
			if e.Code == 11000 {
				return true
			}
		}
	}
	return false
}
