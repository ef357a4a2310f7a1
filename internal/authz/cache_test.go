package authz

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magsasa-card/magsasa/internal/model"
)

func TestMembershipCache_GetSet(t *testing.T) {
	c := NewMembershipCache(100, time.Minute)
	user, org := uuid.New(), uuid.New()

	_, _, hit := c.Get(user, org)
	assert.False(t, hit)

	m := model.Membership{UserID: user, OrganizationID: org, Role: model.RoleManager}
	c.Set(user, org, m, true)

	got, ok, hit := c.Get(user, org)
	require.True(t, hit)
	assert.True(t, ok)
	assert.Equal(t, model.RoleManager, got.Role)
}

func TestMembershipCache_NegativeResultIsAHit(t *testing.T) {
	c := NewMembershipCache(100, time.Minute)
	user, org := uuid.New(), uuid.New()

	c.Set(user, org, model.Membership{}, false)

	_, ok, hit := c.Get(user, org)
	assert.True(t, hit, "negative lookup should be cached")
	assert.False(t, ok)
}

func TestMembershipCache_Invalidate(t *testing.T) {
	c := NewMembershipCache(100, time.Minute)
	user, org := uuid.New(), uuid.New()
	other := uuid.New()

	c.Set(user, org, model.Membership{Role: model.RoleViewer}, true)
	c.Set(user, other, model.Membership{Role: model.RoleAdmin}, true)
	c.Invalidate(user, org)

	_, _, hit := c.Get(user, org)
	assert.False(t, hit)
	_, _, hit = c.Get(user, other)
	assert.True(t, hit, "other org entry must survive")

	c.InvalidateAll()
	_, _, hit = c.Get(user, other)
	assert.False(t, hit)
}

func TestMembershipCache_Expiry(t *testing.T) {
	c := NewMembershipCache(100, 50*time.Millisecond)
	user, org := uuid.New(), uuid.New()
	c.Set(user, org, model.Membership{}, true)

	_, _, hit := c.Get(user, org)
	require.True(t, hit)

	time.Sleep(120 * time.Millisecond)

	_, _, hit = c.Get(user, org)
	assert.False(t, hit, "entry should have expired")
}
