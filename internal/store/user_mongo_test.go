package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func TestUserDocument_RoundTripsThroughBSON(t *testing.T) {
	u := sampleUser()
	u.Notes = "likes engines"
	doc := documentFromUser(u)
	doc.ID = primitive.NewObjectID()

	raw, err := bson.Marshal(doc)
	require.NoError(t, err)

	var decoded userDocument
	require.NoError(t, bson.Unmarshal(raw, &decoded))

	got := decoded.toUser()
	assert.Equal(t, doc.ID.Hex(), got.ID)
	assert.Equal(t, u.Email, got.Email)
	assert.Equal(t, u.Notes, got.Notes)
	assert.True(t, u.DateOfBirth.Equal(got.DateOfBirth))

	var fields bson.M
	require.NoError(t, bson.Unmarshal(raw, &fields))
	assert.Contains(t, fields, "lastName")
	assert.Contains(t, fields, "profilePicture")
	assert.NotContains(t, fields, "address2")
}

func TestMongoUserRepository_MalformedID(t *testing.T) {
	repo := &MongoUserRepository{}

	_, err := repo.GetByID(context.Background(), "zzz")
	require.ErrorIs(t, err, ErrInvalidID)
	require.ErrorIs(t, repo.Delete(context.Background(), "zzz"), ErrInvalidID)
	_, _, err = repo.Update(context.Background(), "zzz", sampleUser(), true)
	require.ErrorIs(t, err, ErrInvalidID)
	_, err = repo.EmailExists(context.Background(), "a@b.com", "zzz")
	require.ErrorIs(t, err, ErrInvalidID)
}

// The tests below need a reachable MongoDB; set MONGODB_TEST_URI to run them.
func newMongoTestRepo(t *testing.T) *MongoUserRepository {
	t.Helper()
	uri := os.Getenv("MONGODB_TEST_URI")
	if uri == "" {
		t.Skip("MONGODB_TEST_URI not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)

	db := client.Database("usermgmt_test_" + primitive.NewObjectID().Hex())
	t.Cleanup(func() {
		_ = db.Drop(context.Background())
		_ = client.Disconnect(context.Background())
	})

	repo := NewMongoUserRepository(db)
	require.NoError(t, repo.EnsureIndexes(ctx))
	return repo
}

func TestMongoUserRepository_Lifecycle(t *testing.T) {
	repo := newMongoTestRepo(t)
	ctx := context.Background()

	smith := sampleUser()
	smith.LastName = "Smith"
	smith.Email = "smith@example.com"
	adams := sampleUser()
	adams.LastName = "Adams"
	adams.Email = "adams@example.com"

	createdSmith, err := repo.Create(ctx, smith)
	require.NoError(t, err)
	_, err = repo.Create(ctx, adams)
	require.NoError(t, err)

	users, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "Adams", users[0].LastName)
	assert.Equal(t, "Smith", users[1].LastName)

	_, err = repo.Create(ctx, smith)
	require.ErrorIs(t, err, ErrDuplicateEmail)

	exists, err := repo.EmailExists(ctx, "smith@example.com", createdSmith.ID)
	require.NoError(t, err)
	assert.False(t, exists)

	smith.ProfilePicture = ""
	smith.City = "Leeds"
	updated, replaced, err := repo.Update(ctx, createdSmith.ID, smith, true)
	require.NoError(t, err)
	assert.Equal(t, "Leeds", updated.City)
	assert.Equal(t, createdSmith.ProfilePicture, updated.ProfilePicture)
	assert.Empty(t, replaced)

	smith.ProfilePicture = "profilePicture-9.png"
	updated, replaced, err = repo.Update(ctx, createdSmith.ID, smith, false)
	require.NoError(t, err)
	assert.Equal(t, "profilePicture-9.png", updated.ProfilePicture)
	assert.Equal(t, createdSmith.ProfilePicture, replaced)
	assert.WithinDuration(t, createdSmith.CreatedAt, updated.CreatedAt, time.Millisecond)

	require.NoError(t, repo.Delete(ctx, createdSmith.ID))
	require.ErrorIs(t, repo.Delete(ctx, createdSmith.ID), ErrNotFound)
	_, err = repo.GetByID(ctx, createdSmith.ID)
	require.ErrorIs(t, err, ErrNotFound)

	_, _, err = repo.Update(ctx, createdSmith.ID, smith, false)
	require.ErrorIs(t, err, ErrNotFound)
}
