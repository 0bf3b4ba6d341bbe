package core

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"amora/internal/types"
)

// Authenticator resolves a bearer token to the Actor it represents.
type Authenticator interface {
	ResolveToken(ctx context.Context, token string) (types.Actor, error)
}

// HMACAuthenticator verifies the signed bearer tokens minted by the auth
// provider. Token format: "<user_id>.<expiry_unix>.<hex hmac-sha256>" where
// the MAC covers "<user_id>.<expiry_unix>".
type HMACAuthenticator struct {
	secret types.SecretString
}

// NewHMACAuthenticator creates an authenticator for the given shared secret.
func NewHMACAuthenticator(secret types.SecretString) *HMACAuthenticator {
	return &HMACAuthenticator{secret: secret}
}

var _ Authenticator = (*HMACAuthenticator)(nil)

// ResolveToken validates the token's signature and expiry, returning the
// embedded user as the Actor.
func (a *HMACAuthenticator) ResolveToken(_ context.Context, token string) (types.Actor, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[0] == "" {
		return types.Actor{}, types.NewAppError(types.ErrCodeAuthTokenInvalid, "malformed token", nil)
	}
	userID, expiryRaw, sig := parts[0], parts[1], parts[2]

	if !hmac.Equal([]byte(sig), []byte(a.sign(userID+"."+expiryRaw))) {
		return types.Actor{}, types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid token signature", nil)
	}

	expiry, err := strconv.ParseInt(expiryRaw, 10, 64)
	if err != nil {
		return types.Actor{}, types.NewAppError(types.ErrCodeAuthTokenInvalid, "malformed token expiry", err)
	}
	if time.Now().UTC().Unix() >= expiry {
		return types.Actor{}, types.NewAppError(types.ErrCodeAuthTokenExpired, "token has expired", nil)
	}

	return types.Actor{UserID: userID}, nil
}

// MintToken issues a token for the given user, expiring at the given time.
// Used by tests and local tooling; production tokens come from the auth
// provider holding the same secret.
func (a *HMACAuthenticator) MintToken(userID string, expiresAt time.Time) string {
	payload := userID + "." + strconv.FormatInt(expiresAt.Unix(), 10)
	return payload + "." + a.sign(payload)
}

func (a *HMACAuthenticator) sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(a.secret.Reveal()))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
