package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeq/forgeq-go/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)

	cfg := &config.Config{
		JWTSecret:         "test-secret",
		JWTExpiration:     time.Hour,
		JWTIssuer:         "forgeq-test",
		AdminUser:         "admin",
		AdminPasswordHash: hash,
	}
	return cfg
}

func TestHashAndCheckPassword(t *testing.T) {
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2", hash)

	assert.NoError(t, CheckPassword(hash, "hunter2"))
	assert.Error(t, CheckPassword(hash, "wrong"))

	_, err = HashPassword("")
	assert.Error(t, err)
}

func TestLoginIssuesValidToken(t *testing.T) {
	svc := NewService(testConfig(t))

	resp, err := svc.Login(&LoginRequest{Username: "admin", Password: "s3cret"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.NotEmpty(t, resp.AccessToken)
	assert.Equal(t, int64(3600), resp.ExpiresIn)

	claims, err := svc.ValidateToken(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.Username)
	assert.Equal(t, "admin", claims.Role)
	assert.Equal(t, "forgeq-test", claims.Issuer)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	svc := NewService(testConfig(t))

	_, err := svc.Login(&LoginRequest{Username: "admin", Password: "nope"})
	assert.Error(t, err)

	_, err = svc.Login(&LoginRequest{Username: "root", Password: "s3cret"})
	assert.Error(t, err)
}

func TestLoginUnconfigured(t *testing.T) {
	svc := NewService(&config.Config{})
	_, err := svc.Login(&LoginRequest{Username: "admin", Password: "x"})
	assert.Error(t, err)
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	svc := NewService(testConfig(t))

	_, err := svc.ValidateToken("not-a-token")
	assert.Error(t, err)

	// Token signed with another secret fails verification.
	other := testConfig(t)
	other.JWTSecret = "different"
	otherSvc := NewService(other)
	resp, err := otherSvc.Login(&LoginRequest{Username: "admin", Password: "s3cret"})
	require.NoError(t, err)

	_, err = svc.ValidateToken(resp.AccessToken)
	assert.Error(t, err)
}
