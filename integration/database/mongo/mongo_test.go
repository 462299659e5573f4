package mongo_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/pharmaq/integration/database/mongo"
)

func TestNew_Errors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	_, err := mongo.New(ctx, mongo.Config{})
	assert.ErrorIs(t, err, mongo.ErrEmptyConnectionURL)

	_, err = mongo.New(ctx, mongo.Config{ConnectionURL: "not-a-mongo-url", RetryAttempts: 1})
	assert.ErrorIs(t, err, mongo.ErrFailedToConnectToMongo)

	_, err = mongo.New(ctx, mongo.Config{
		ConnectionURL:  "mongodb://127.0.0.1:1/?serverSelectionTimeoutMS=100",
		ConnectTimeout: 200 * time.Millisecond,
		RetryAttempts:  2,
		RetryInterval:  10 * time.Millisecond,
	})
	assert.ErrorIs(t, err, mongo.ErrFailedToConnectToMongo)
}

func TestNewWithDatabase(t *testing.T) {
	url := os.Getenv("MONGODB_TEST_URL")
	if url == "" {
		t.Skip("MONGODB_TEST_URL not set")
	}

	ctx := context.Background()
	db, err := mongo.NewWithDatabase(ctx, mongo.Config{
		ConnectionURL:  url,
		Database:       "pharmaq_test",
		ConnectTimeout: 5 * time.Second,
		RetryAttempts:  1,
	}, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Client().Disconnect(context.Background()) })

	assert.Equal(t, "pharmaq_test", db.Name())
	assert.NoError(t, mongo.Healthcheck(db.Client())(ctx))
}
