package hitch_test

import (
	"testing"

	hitch "github.com/goliatone/go-hitch"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserInfoClone(t *testing.T) {
	var none *hitch.UserInfo
	assert.Nil(t, none.Clone())

	user := profileFor("bob", "bob@example.com")
	clone := user.Clone()
	require.NotNil(t, clone)
	assert.NotSame(t, user, clone)
	assert.Equal(t, user.Username, clone.Username)

	clone.Email = "other@example.com"
	assert.Equal(t, "bob@example.com", user.Email)
}

func TestMarkPasswordAsReseted(t *testing.T) {
	id := uuid.New()
	reset := hitch.MarkPasswordAsReseted(id)

	assert.Equal(t, id, reset.ID)
	assert.Equal(t, hitch.ResetChangedStatus, reset.Status)
	assert.NotNil(t, reset.ResetedAt)
}
