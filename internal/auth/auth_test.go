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

	"github.com/sorami-ai/sorami/internal/auth"
)

func ephemeralManager(t *testing.T, expiration time.Duration) *auth.JWTManager {
	t.Helper()
	mgr, err := auth.NewJWTManager("", "", expiration)
	require.NoError(t, err)
	return mgr
}

func TestIssueAndValidateToken(t *testing.T) {
	mgr := ephemeralManager(t, time.Hour)
	workspaceID := uuid.New()

	token, expiresAt, err := mgr.IssueToken(workspaceID)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, 5*time.Second)

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, workspaceID, claims.WorkspaceID)
	assert.Equal(t, workspaceID.String(), claims.Subject)
	assert.Equal(t, "sorami", claims.Issuer)
	assert.Contains(t, claims.Audience, "sorami")
	assert.NotEmpty(t, claims.ID, "tokens should carry a unique jti")
}

func TestValidateToken_Expired(t *testing.T) {
	mgr := ephemeralManager(t, -time.Minute)

	token, _, err := mgr.IssueToken(uuid.New())
	require.NoError(t, err)

	_, err = mgr.ValidateToken(token)
	assert.Error(t, err)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestValidateToken_WrongKey(t *testing.T) {
	mgr1 := ephemeralManager(t, time.Hour)
	mgr2 := ephemeralManager(t, time.Hour)

	token, _, err := mgr1.IssueToken(uuid.New())
	require.NoError(t, err)

	_, err = mgr2.ValidateToken(token)
	assert.Error(t, err, "token signed by a different key must not validate")
}

func TestValidateToken_Garbage(t *testing.T) {
	mgr := ephemeralManager(t, time.Hour)

	for _, tok := range []string{"", "not-a-jwt", "a.b.c"} {
		_, err := mgr.ValidateToken(tok)
		assert.Error(t, err, "token %q should fail", tok)
	}
}

func TestValidateToken_RejectsNonEdDSA(t *testing.T) {
	mgr := ephemeralManager(t, time.Hour)

	// A token signed with HS256 must be rejected even before signature
	// verification, to block algorithm-confusion attacks.
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uuid.New().String(),
			Issuer:    "sorami",
			Audience:  jwt.ClaimStrings{"sorami"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		WorkspaceID: uuid.New(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("shared-secret"))
	require.NoError(t, err)

	_, err = mgr.ValidateToken(signed)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "signing method")
}

func TestValidateToken_RejectsNilWorkspace(t *testing.T) {
	mgr := ephemeralManager(t, time.Hour)

	token, _, err := mgr.IssueToken(uuid.Nil)
	require.NoError(t, err)

	_, err = mgr.ValidateToken(token)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "no workspace")
}

func writeKeyPair(t *testing.T, dir string) (privPath, pubPath string) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	privPath = filepath.Join(dir, "jwt_private.pem")
	require.NoError(t, os.WriteFile(privPath,
		pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}), 0o600))

	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	pubPath = filepath.Join(dir, "jwt_public.pem")
	require.NoError(t, os.WriteFile(pubPath,
		pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}), 0o600))

	return privPath, pubPath
}

func TestNewJWTManager_FromPEMFiles(t *testing.T) {
	privPath, pubPath := writeKeyPair(t, t.TempDir())

	mgr, err := auth.NewJWTManager(privPath, pubPath, time.Hour)
	require.NoError(t, err)

	workspaceID := uuid.New()
	token, _, err := mgr.IssueToken(workspaceID)
	require.NoError(t, err)

	// A second manager loading the same files validates the token —
	// persistent keys survive process restarts.
	mgr2, err := auth.NewJWTManager(privPath, pubPath, time.Hour)
	require.NoError(t, err)
	claims, err := mgr2.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, workspaceID, claims.WorkspaceID)
}

func TestNewJWTManager_MismatchedPair(t *testing.T) {
	dir1 := t.TempDir()
	dir2 := t.TempDir()
	privPath, _ := writeKeyPair(t, dir1)
	_, otherPub := writeKeyPair(t, dir2)

	_, err := auth.NewJWTManager(privPath, otherPub, time.Hour)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")
}

func TestNewJWTManager_MissingFile(t *testing.T) {
	_, err := auth.NewJWTManager("/nonexistent/priv.pem", "/nonexistent/pub.pem", time.Hour)
	assert.Error(t, err)
}
