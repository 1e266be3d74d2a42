package store

import (
	"context"
	"errors"
	"time"

	"github.com/usermgmt/server/types"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const usersCollection = "users"

// userDocument is the bson shape of a user record.
type userDocument struct {
	ID             primitive.ObjectID `bson:"_id,omitempty"`
	FirstName      string             `bson:"firstName"`
	LastName       string             `bson:"lastName"`
	ProfilePicture string             `bson:"profilePicture"`
	DateOfBirth    time.Time          `bson:"dateOfBirth"`
	Address1       string             `bson:"address1"`
	Address2       string             `bson:"address2,omitempty"`
	City           string             `bson:"city"`
	PostalCode     string             `bson:"postalCode"`
	Country        string             `bson:"country"`
	PhoneNumber    string             `bson:"phoneNumber"`
	Email          string             `bson:"email"`
	Notes          string             `bson:"notes,omitempty"`
	CreatedAt      time.Time          `bson:"createdAt"`
	UpdatedAt      time.Time          `bson:"updatedAt"`
}

func documentFromUser(u types.User) userDocument {
	return userDocument{
		FirstName:      u.FirstName,
		LastName:       u.LastName,
		ProfilePicture: u.ProfilePicture,
		DateOfBirth:    u.DateOfBirth,
		Address1:       u.Address1,
		Address2:       u.Address2,
		City:           u.City,
		PostalCode:     u.PostalCode,
		Country:        u.Country,
		PhoneNumber:    u.PhoneNumber,
		Email:          u.Email,
		Notes:          u.Notes,
		CreatedAt:      u.CreatedAt,
		UpdatedAt:      u.UpdatedAt,
	}
}

func (d userDocument) toUser() types.User {
	return types.User{
		ID:             d.ID.Hex(),
		FirstName:      d.FirstName,
		LastName:       d.LastName,
		ProfilePicture: d.ProfilePicture,
		DateOfBirth:    d.DateOfBirth.UTC(),
		Address1:       d.Address1,
		Address2:       d.Address2,
		City:           d.City,
		PostalCode:     d.PostalCode,
		Country:        d.Country,
		PhoneNumber:    d.PhoneNumber,
		Email:          d.Email,
		Notes:          d.Notes,
		CreatedAt:      d.CreatedAt.UTC(),
		UpdatedAt:      d.UpdatedAt.UTC(),
	}
}

// MongoUserRepository handles persistence for user records in MongoDB.
type MongoUserRepository struct {
	coll *mongo.Collection
}

func NewMongoUserRepository(db *mongo.Database) *MongoUserRepository {
	return &MongoUserRepository{coll: db.Collection(usersCollection)}
}

// EnsureIndexes creates the unique email index and the lastName sort index.
func (r *MongoUserRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "email", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("email_unique"),
		},
		{
			Keys:    bson.D{{Key: "lastName", Value: 1}},
			Options: options.Index().SetName("lastName_asc"),
		},
	})
	return err
}

func (r *MongoUserRepository) List(ctx context.Context) ([]types.User, error) {
	opts := options.Find().SetSort(bson.D{{Key: "lastName", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := r.coll.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []userDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	users := make([]types.User, 0, len(docs))
	for _, doc := range docs {
		users = append(users, doc.toUser())
	}
	return users, nil
}

func (r *MongoUserRepository) GetByID(ctx context.Context, id string) (types.User, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return types.User{}, ErrInvalidID
	}

	var doc userDocument
	if err := r.coll.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return types.User{}, ErrNotFound
		}
		return types.User{}, err
	}
	return doc.toUser(), nil
}

func (r *MongoUserRepository) EmailExists(ctx context.Context, email, excludeID string) (bool, error) {
	filter := bson.M{"email": email}
	if excludeID != "" {
		oid, err := primitive.ObjectIDFromHex(excludeID)
		if err != nil {
			return false, ErrInvalidID
		}
		filter["_id"] = bson.M{"$ne": oid}
	}

	count, err := r.coll.CountDocuments(ctx, filter, options.Count().SetLimit(1))
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *MongoUserRepository) Create(ctx context.Context, user types.User) (types.User, error) {
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now

	doc := documentFromUser(user)
	doc.ID = primitive.NewObjectID()
	if _, err := r.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return types.User{}, ErrDuplicateEmail
		}
		return types.User{}, err
	}
	return doc.toUser(), nil
}

// Update sets the mutable fields of an existing document without upserting.
// When keepPicture is set the stored profile picture is left as it is.
// replaced is the picture the update overwrote, empty when it was kept.
func (r *MongoUserRepository) Update(ctx context.Context, id string, user types.User, keepPicture bool) (updated types.User, replaced string, err error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return types.User{}, "", ErrInvalidID
	}
	now := time.Now().UTC()

	set := bson.M{
		"firstName":   user.FirstName,
		"lastName":    user.LastName,
		"dateOfBirth": user.DateOfBirth,
		"address1":    user.Address1,
		"address2":    user.Address2,
		"city":        user.City,
		"postalCode":  user.PostalCode,
		"country":     user.Country,
		"phoneNumber": user.PhoneNumber,
		"email":       user.Email,
		"notes":       user.Notes,
		"updatedAt":   now,
	}
	if !keepPicture {
		set["profilePicture"] = user.ProfilePicture
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.Before).SetUpsert(false)
	var before userDocument
	err = r.coll.FindOneAndUpdate(ctx, bson.M{"_id": oid}, bson.M{"$set": set}, opts).Decode(&before)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return types.User{}, "", ErrNotFound
		}
		if mongo.IsDuplicateKeyError(err) {
			return types.User{}, "", ErrDuplicateEmail
		}
		return types.User{}, "", err
	}

	user.ID = oid.Hex()
	user.CreatedAt = before.CreatedAt.UTC()
	user.UpdatedAt = now
	if keepPicture {
		user.ProfilePicture = before.ProfilePicture
	} else if before.ProfilePicture != user.ProfilePicture {
		replaced = before.ProfilePicture
	}
	return user, replaced, nil
}

func (r *MongoUserRepository) Delete(ctx context.Context, id string) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return ErrInvalidID
	}

	result, err := r.coll.DeleteOne(ctx, bson.M{"_id": oid})
	if err != nil {
		return err
	}
	if result.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}
