package database

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixelka/otpgate/pkg/models"
)

func TestAccountLifecycle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	account := &models.EmailAccount{
		Email:        "inbox@example.com",
		Provider:     "gmail",
		RefreshToken: sql.NullString{String: "refresh-1", Valid: true},
		IsActive:     true,
	}
	require.NoError(t, db.CreateAccount(ctx, account))
	require.NotZero(t, account.ID)

	got, err := db.GetAccountByID(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, "inbox@example.com", got.Email)
	assert.True(t, got.IsActive)

	got, err = db.GetAccountByEmail(ctx, "inbox@example.com")
	require.NoError(t, err)
	assert.Equal(t, account.ID, got.ID)

	_, err = db.GetAccountByID(ctx, 9999)
	assert.ErrorIs(t, err, ErrNotFound)

	accounts, err := db.ListAccounts(ctx)
	require.NoError(t, err)
	assert.Len(t, accounts, 1)

	require.NoError(t, db.SetAccountActive(ctx, account.ID, false))
	got, err = db.GetAccountByID(ctx, account.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
}

func TestUpdateAccountTokens(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	account := newTestAccount(t, db)

	expires := time.Now().Add(45 * time.Minute)
	require.NoError(t, db.UpdateAccountTokens(ctx, account.ID, "fresh-token", expires))

	got, err := db.GetAccountByID(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", got.AccessToken.String)
	require.True(t, got.TokenExpires.Valid)
	assert.WithinDuration(t, expires, got.TokenExpires.Time, time.Second)
}

func TestUpsertAccount(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	first := &models.EmailAccount{
		Email:        "upsert@example.com",
		Provider:     "gmail",
		AccessToken:  sql.NullString{String: "a1", Valid: true},
		RefreshToken: sql.NullString{String: "r1", Valid: true},
		TokenExpires: sql.NullTime{Time: time.Now().Add(time.Hour), Valid: true},
		IsActive:     true,
	}
	require.NoError(t, db.UpsertAccount(ctx, first))

	// Re-consent without a new refresh token keeps the stored one
	second := &models.EmailAccount{
		Email:       "upsert@example.com",
		Provider:    "gmail",
		AccessToken: sql.NullString{String: "a2", Valid: true},
	}
	require.NoError(t, db.UpsertAccount(ctx, second))
	assert.Equal(t, first.ID, second.ID)

	got, err := db.GetAccountByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "a2", got.AccessToken.String)
	assert.Equal(t, "r1", got.RefreshToken.String)
	assert.True(t, got.IsActive)

	accounts, err := db.ListAccounts(ctx)
	require.NoError(t, err)
	assert.Len(t, accounts, 1)
}
