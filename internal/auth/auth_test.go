package auth_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magsasa-card/magsasa/internal/auth"
	"github.com/magsasa-card/magsasa/internal/model"
)

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := auth.HashPassword("Sakahan#2024")
	require.NoError(t, err)
	assert.NotEmpty(t, hash)

	valid, err := auth.VerifyPassword("Sakahan#2024", hash)
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = auth.VerifyPassword("wrong-password", hash)
	require.NoError(t, err)
	assert.False(t, valid)

	_, err = auth.VerifyPassword("anything", "not-a-hash")
	assert.Error(t, err)
}

func TestValidatePassword(t *testing.T) {
	tests := []struct {
		password string
		ok       bool
	}{
		{"Palay#2024", true},
		{"Sh0rt!", false},
		{"alllowercase1!", false},
		{"ALLUPPERCASE1!", false},
		{"NoDigitsHere!", false},
		{"NoSpecial123", false},
	}
	for _, tt := range tests {
		t.Run(tt.password, func(t *testing.T) {
			err := auth.ValidatePassword(tt.password)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, auth.ErrWeakPassword)
			}
		})
	}
}

func TestPartnerKeyHash(t *testing.T) {
	raw, _, err := model.GenerateRawKey()
	require.NoError(t, err)

	h := auth.HashPartnerKey(raw)
	assert.Len(t, h, 64)
	assert.Equal(t, h, auth.HashPartnerKey(raw), "digest must be deterministic")
	assert.True(t, auth.VerifyPartnerKey(raw, h))
	assert.False(t, auth.VerifyPartnerKey(raw+"x", h))
}

func testUser() model.User {
	return model.User{ID: uuid.New(), Username: "juan.delacruz", Role: model.RoleFieldOfficer}
}

func TestJWTIssueAndValidate(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour, 24*time.Hour)
	require.NoError(t, err)

	user := testUser()
	orgID := uuid.New()

	issued, err := mgr.IssueAccessToken(user, orgID, model.RoleFieldOfficer)
	require.NoError(t, err)
	assert.NotEmpty(t, issued.Token)
	assert.NotEmpty(t, issued.ID)
	assert.True(t, issued.ExpiresAt.After(time.Now()))

	claims, err := mgr.ValidateToken(issued.Token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID())
	assert.Equal(t, "juan.delacruz", claims.Username)
	assert.Equal(t, orgID, claims.OrgID)
	assert.Equal(t, model.RoleFieldOfficer, claims.Role)
	assert.Equal(t, auth.TokenAccess, claims.TokenType)
	assert.Equal(t, issued.ID, claims.ID)
}

func TestJWTRefreshTokenOutlivesAccessToken(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour, 30*24*time.Hour)
	require.NoError(t, err)

	user := testUser()
	access, err := mgr.IssueAccessToken(user, uuid.New(), user.Role)
	require.NoError(t, err)
	refresh, err := mgr.IssueRefreshToken(user, uuid.New(), user.Role)
	require.NoError(t, err)

	assert.True(t, refresh.ExpiresAt.After(access.ExpiresAt))
	assert.NotEqual(t, access.ID, refresh.ID)

	claims, err := mgr.ValidateToken(refresh.Token)
	require.NoError(t, err)
	assert.Equal(t, auth.TokenRefresh, claims.TokenType)
	assert.Equal(t, time.Hour, mgr.AccessTTL())
}

// newTestJWTManagerWithKey creates a JWTManager backed by a real Ed25519 key pair
// written to temp PEM files, and returns the raw private key for forging tokens.
func newTestJWTManagerWithKey(t *testing.T) (*auth.JWTManager, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	dir := t.TempDir()

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes})
	privPath := filepath.Join(dir, "priv.pem")
	require.NoError(t, os.WriteFile(privPath, privPEM, 0600))

	pubBytes, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})
	pubPath := filepath.Join(dir, "pub.pem")
	require.NoError(t, os.WriteFile(pubPath, pubPEM, 0600))

	mgr, err := auth.NewJWTManager(privPath, pubPath, time.Hour, 24*time.Hour)
	require.NoError(t, err)
	return mgr, priv
}

// forgeToken signs a JWT with the given private key and claims.
func forgeToken(t *testing.T, privKey ed25519.PrivateKey, claims jwt.Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(privKey)
	require.NoError(t, err)
	return signed
}

func forgedClaims(subject, issuer string, typ auth.TokenType) *auth.Claims {
	now := time.Now().UTC()
	return &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{"magsasa"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			ID:        uuid.New().String(),
		},
		Role:      model.RoleViewer,
		TokenType: typ,
	}
}

func TestValidateToken_WrongIssuer(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)
	token := forgeToken(t, privKey, forgedClaims(uuid.New().String(), "not-magsasa", auth.TokenAccess))

	_, err := mgr.ValidateToken(token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid issuer")
}

func TestValidateToken_EmptyIssuer(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)
	token := forgeToken(t, privKey, forgedClaims(uuid.New().String(), "", auth.TokenAccess))

	_, err := mgr.ValidateToken(token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid issuer")
}

func TestValidateToken_MalformedSubject(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)
	token := forgeToken(t, privKey, forgedClaims("not-a-uuid", "magsasa", auth.TokenAccess))

	_, err := mgr.ValidateToken(token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid subject")
}

func TestValidateToken_UnknownTokenType(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)
	token := forgeToken(t, privKey, forgedClaims(uuid.New().String(), "magsasa", auth.TokenType("session")))

	_, err := mgr.ValidateToken(token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid token type")
}

func TestValidateToken_WrongKey(t *testing.T) {
	mgr, _ := newTestJWTManagerWithKey(t)
	_, otherKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	token := forgeToken(t, otherKey, forgedClaims(uuid.New().String(), "magsasa", auth.TokenAccess))
	_, err = mgr.ValidateToken(token)
	require.Error(t, err)
}

func TestValidateToken_RejectsHS256(t *testing.T) {
	mgr, _ := newTestJWTManagerWithKey(t)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, forgedClaims(uuid.New().String(), "magsasa", auth.TokenAccess))
	signed, err := token.SignedString([]byte("shared-secret"))
	require.NoError(t, err)

	_, err = mgr.ValidateToken(signed)
	require.Error(t, err)
}

func TestNewJWTManager_MismatchedKeys(t *testing.T) {
	dir := t.TempDir()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "priv.pem"),
		pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes}), 0600))
	pubBytes, err := x509.MarshalPKIXPublicKey(otherPub)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pub.pem"),
		pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}), 0600))

	_, err = auth.NewJWTManager(filepath.Join(dir, "priv.pem"), filepath.Join(dir, "pub.pem"), time.Hour, time.Hour)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")
}

func TestWriteKeyPairLoadsAndRefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	priv, pub := filepath.Join(dir, "jwt_private.pem"), filepath.Join(dir, "jwt_public.pem")
	require.NoError(t, auth.WriteKeyPair(priv, pub))

	info, err := os.Stat(priv)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	mgr, err := auth.NewJWTManager(priv, pub, time.Hour, 24*time.Hour)
	require.NoError(t, err)
	user := model.User{ID: uuid.New(), Username: "keys"}
	tok, err := mgr.IssueAccessToken(user, uuid.New(), model.RoleFarmer)
	require.NoError(t, err)
	claims, err := mgr.ValidateToken(tok.Token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID())

	err = auth.WriteKeyPair(priv, pub)
	require.ErrorIs(t, err, auth.ErrKeyExists)
}
