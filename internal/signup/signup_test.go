package signup

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magsasa-card/magsasa/internal/auth"
	"github.com/magsasa-card/magsasa/internal/model"
	"github.com/magsasa-card/magsasa/internal/storage"
	"github.com/magsasa-card/magsasa/internal/testutil"
)

func TestValidateEmail(t *testing.T) {
	tests := []struct {
		email string
		valid bool
	}{
		{"user@example.com", true},
		{"user+tag@example.com", true},
		{"user@sub.domain.com", true},
		{"user.name@example.co.uk", true},
		{"", false},
		{"not-an-email", false},
		{"@example.com", false},
		{"user@", false},
		{"user@.com", false},
		{"user@example", false},
	}
	for _, tt := range tests {
		err := validateEmail(tt.email)
		if tt.valid {
			assert.NoError(t, err, "expected %q to be valid", tt.email)
		} else {
			assert.ErrorIs(t, err, ErrInvalidEmail, "expected %q to be invalid", tt.email)
		}
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"My Org", "my-org"},
		{"CARD Bank", "card-bank"},
		{"hello_world", "hello-world"},
		{"  spaces  everywhere  ", "spaces-everywhere"},
		{"Special!@#Chars", "specialchars"},
		{"multiple---hyphens", "multiple-hyphens"},
		{"Already-Good", "already-good"},
		{"123 Numbers", "123-numbers"},
	}
	for _, tt := range tests {
		result := slugify(tt.input)
		assert.Equal(t, tt.expected, result, "slugify(%q)", tt.input)
	}
}

type fakeStore struct {
	created  []storage.SignupRecords
	err      error
	tokens   map[string]uuid.UUID
	consumed []string
}

func (f *fakeStore) CreateSignup(_ context.Context, r storage.SignupRecords) (model.Organization, model.User, error) {
	if f.err != nil {
		return model.Organization{}, model.User{}, f.err
	}
	f.created = append(f.created, r)
	org := r.Organization
	org.ID = uuid.New()
	owner := r.Owner
	owner.ID = uuid.New()
	return org, owner, nil
}

func (f *fakeStore) ConsumeEmailVerification(_ context.Context, token string) (uuid.UUID, error) {
	f.consumed = append(f.consumed, token)
	id, ok := f.tokens[token]
	if !ok {
		return uuid.Nil, storage.ErrNotFound
	}
	delete(f.tokens, token)
	return id, nil
}

type captureMailer struct {
	sent []Message
	err  error
}

func (c *captureMailer) Send(_ context.Context, m Message) error {
	c.sent = append(c.sent, m)
	return c.err
}

func validInput() Input {
	return Input{Email: " Owner@Coop.example.ph ", Password: "Magsasa#2025", OrgName: "Laguna Farmers Coop", FirstName: "Ana"}
}

func TestSignupCreatesPendingOwner(t *testing.T) {
	store := &fakeStore{}
	mailer := &captureMailer{}
	svc := New(store, mailer, "https://magsasa.example.ph/", testutil.TestLogger())
	fixed := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	res, err := svc.Signup(context.Background(), validInput())
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, res.OrgID)
	assert.NotEqual(t, uuid.Nil, res.UserID)

	require.Len(t, store.created, 1)
	r := store.created[0]
	assert.Equal(t, "Laguna Farmers Coop", r.Organization.Name)
	assert.True(t, strings.HasPrefix(r.Organization.Code, "laguna-farmers-coop-"), r.Organization.Code)
	assert.Equal(t, res.OrgCode, r.Organization.Code)
	assert.Equal(t, "owner@coop.example.ph", r.Owner.Email)
	assert.Equal(t, model.UserPending, r.Owner.Status)
	assert.Len(t, r.VerificationToken, 64)
	assert.Equal(t, fixed.Add(TokenTTL), r.TokenExpiresAt)

	ok, err := auth.VerifyPassword("Magsasa#2025", r.Owner.PasswordHash)
	require.NoError(t, err)
	assert.True(t, ok)

	require.Len(t, mailer.sent, 1)
	assert.Equal(t, "owner@coop.example.ph", mailer.sent[0].To)
	assert.Equal(t, "https://magsasa.example.ph/api/verify?token="+r.VerificationToken, mailer.sent[0].VerifyURL)
	assert.Contains(t, mailer.sent[0].TextBody, mailer.sent[0].VerifyURL)
}

func TestSignupValidation(t *testing.T) {
	tests := []struct {
		name  string
		patch func(*Input)
		want  error
	}{
		{"bad email", func(in *Input) { in.Email = "owner" }, ErrInvalidEmail},
		{"weak password", func(in *Input) { in.Password = "password1" }, ErrWeakPassword},
		{"no special char", func(in *Input) { in.Password = "Password123" }, ErrWeakPassword},
		{"blank org", func(in *Input) { in.OrgName = "   " }, ErrOrgNameRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{}
			in := validInput()
			tt.patch(&in)
			_, err := New(store, &captureMailer{}, "", testutil.TestLogger()).Signup(context.Background(), in)
			assert.ErrorIs(t, err, tt.want)
			assert.Empty(t, store.created)
		})
	}
}

func TestSignupEmailTaken(t *testing.T) {
	store := &fakeStore{err: &storage.ConflictError{Constraint: "users_email_key"}}
	_, err := New(store, &captureMailer{}, "", testutil.TestLogger()).Signup(context.Background(), validInput())
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestSignupOrgConflictIsNotEmailTaken(t *testing.T) {
	store := &fakeStore{err: &storage.ConflictError{Constraint: "organizations_code_key"}}
	_, err := New(store, &captureMailer{}, "", testutil.TestLogger()).Signup(context.Background(), validInput())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrEmailTaken)
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func TestSignupMailFailureStillSucceeds(t *testing.T) {
	mailer := &captureMailer{err: errors.New("relay down")}
	res, err := New(&fakeStore{}, mailer, "", testutil.TestLogger()).Signup(context.Background(), validInput())
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, res.OrgID)
}

func TestNilMailerLogs(t *testing.T) {
	svc := New(&fakeStore{}, nil, "", testutil.TestLogger())
	_, ok := svc.mailer.(LogMailer)
	assert.True(t, ok)
	_, err := svc.Signup(context.Background(), validInput())
	require.NoError(t, err)
}

func TestVerify(t *testing.T) {
	userID := uuid.New()
	store := &fakeStore{tokens: map[string]uuid.UUID{"abc123": userID}}
	svc := New(store, &captureMailer{}, "", testutil.TestLogger())

	got, err := svc.Verify(context.Background(), " abc123 ")
	require.NoError(t, err)
	assert.Equal(t, userID, got)

	_, err = svc.Verify(context.Background(), "abc123")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = svc.Verify(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.Equal(t, []string{"abc123", "abc123"}, store.consumed)
}
