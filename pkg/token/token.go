// Package token implements the bearer-token subsystem: login, stateless
// envelope validation, hashed descriptor revocation, and refresh.
//
// A token is a random-id JWT signed with the process-wide symmetric key.
// The signed envelope carries user identity and expiry for stateless
// checks; the SHA-256 hash of the compact token is stored on the user
// profile so individual tokens can be revoked. A token is valid only when
// the envelope verifies, it has not expired, its hash is present on the
// profile, and the descriptor is not revoked.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/strata-lab/strata/pkg/log"
	"github.com/strata-lab/strata/pkg/types"
)

// Claims is the signed envelope carried by every strata token
type Claims struct {
	jwt.RegisteredClaims
	UserID  string          `json:"user_id"`
	Email   string          `json:"email"`
	Kind    types.TokenKind `json:"kind"`
	TokenID string          `json:"token_id"`
	Nonce   string          `json:"nonce"`
}

// Store is the catalog subset the token service needs
type Store interface {
	CreateUser(user *types.UserProfile) error
	GetUserByEmail(email string) (*types.UserProfile, error)
	GetUserByID(userID string) (*types.UserProfile, error)
	UpdateUser(user *types.UserProfile) error
}

// Service issues, validates, refreshes and revokes bearer tokens
type Service struct {
	store      Store
	signingKey []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	logger     zerolog.Logger
}

// Config holds token service configuration
type Config struct {
	SigningKey string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// NewService creates the token service
func NewService(store Store, cfg Config) (*Service, error) {
	if len(cfg.SigningKey) < 32 {
		return nil, fmt.Errorf("signing key must be at least 32 bytes, got %d", len(cfg.SigningKey))
	}
	return &Service{
		store:      store,
		signingKey: []byte(cfg.SigningKey),
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		logger:     log.WithComponent("token"),
	}, nil
}

// LoginResult is returned to the client on successful login
type LoginResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
	User         *types.UserProfile
}

// Login creates the user profile on first call and issues a fresh
// access/refresh token pair.
func (s *Service) Login(email string) (*LoginResult, error) {
	if email == "" {
		return nil, types.NewValidationError("email", "must not be empty")
	}

	user, err := s.store.GetUserByEmail(email)
	if errors.Is(err, types.ErrNotFound) {
		user = &types.UserProfile{
			UserID:    uuid.New().String(),
			Email:     email,
			IsActive:  true,
			CreatedAt: time.Now(),
		}
		if err := s.store.CreateUser(user); err != nil {
			return nil, fmt.Errorf("failed to create user: %w", err)
		}
		s.logger.Info().Str("user_email", email).Msg("User profile created on first login")
	} else if err != nil {
		return nil, err
	}

	if !user.IsActive {
		return nil, fmt.Errorf("user %s is inactive: %w", email, types.ErrAuthInvalid)
	}

	access, accessDesc, err := s.issue(user, types.TokenKindAccess, s.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, refreshDesc, err := s.issue(user, types.TokenKindRefresh, s.refreshTTL)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	user.Tokens = append(user.Tokens, accessDesc, refreshDesc)
	user.LastLogin = now
	user.LastActivity = now
	if err := s.store.UpdateUser(user); err != nil {
		return nil, fmt.Errorf("failed to persist tokens: %w", err)
	}

	return &LoginResult{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(s.accessTTL.Seconds()),
		User:         user,
	}, nil
}

// issue signs a new token and builds its stored descriptor. The nonce
// makes each compact token (and so each stored hash) unique even when two
// tokens for the same user are minted in the same second.
func (s *Service) issue(user *types.UserProfile, kind types.TokenKind, ttl time.Duration) (string, *types.TokenDescriptor, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", nil, fmt.Errorf("failed to generate token nonce: %w", err)
	}

	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "strata",
		},
		UserID:  user.UserID,
		Email:   user.Email,
		Kind:    kind,
		TokenID: uuid.New().String(),
		Nonce:   hex.EncodeToString(nonce),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign token: %w", err)
	}

	desc := &types.TokenDescriptor{
		TokenID:   claims.TokenID,
		Kind:      kind,
		TokenHash: HashToken(signed),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	return signed, desc, nil
}

// HashToken returns the hex SHA-256 of the compact token string
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// parse verifies the envelope signature and expiry. The signing method is
// pinned to HS256 to prevent algorithm confusion.
func (s *Service) parse(tokenStr string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v (only HS256 allowed)", t.Header["alg"])
		}
		return s.signingKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, types.ErrAuthInvalid)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, types.ErrAuthInvalid
	}
	return claims, nil
}

// Validate checks the presented secret against the envelope and the stored
// descriptor, and records usage on success.
func (s *Service) Validate(tokenStr string) (*types.UserProfile, error) {
	return s.validateKind(tokenStr, types.TokenKindAccess)
}

func (s *Service) validateKind(tokenStr string, kind types.TokenKind) (*types.UserProfile, error) {
	claims, err := s.parse(tokenStr)
	if err != nil {
		return nil, err
	}
	if claims.Kind != kind {
		return nil, fmt.Errorf("token kind is %q, expected %q: %w", claims.Kind, kind, types.ErrAuthInvalid)
	}

	user, err := s.store.GetUserByID(claims.UserID)
	if err != nil {
		return nil, fmt.Errorf("token user unknown: %w", types.ErrAuthInvalid)
	}
	if !user.IsActive {
		return nil, fmt.Errorf("user is inactive: %w", types.ErrAuthInvalid)
	}

	hash := HashToken(tokenStr)
	desc := findDescriptor(user, claims.TokenID)
	if desc == nil || desc.TokenHash != hash {
		return nil, fmt.Errorf("token not on record: %w", types.ErrAuthInvalid)
	}
	if desc.IsRevoked {
		return nil, fmt.Errorf("token revoked: %w", types.ErrAuthInvalid)
	}
	if time.Now().After(desc.ExpiresAt) {
		return nil, fmt.Errorf("token expired: %w", types.ErrAuthInvalid)
	}

	now := time.Now()
	desc.LastUsed = now
	user.LastActivity = now
	if err := s.store.UpdateUser(user); err != nil {
		// Usage stamping is best-effort; the token itself checked out
		s.logger.Warn().Err(err).Str("user_email", user.Email).Msg("Failed to record token usage")
	}
	return user, nil
}

// Refresh requires a valid, non-revoked refresh token and issues a new
// access token. When revokeOld is set, the previous access token with the
// most recent issue time is revoked.
func (s *Service) Refresh(refreshToken string, revokeOld bool) (*LoginResult, error) {
	user, err := s.validateKind(refreshToken, types.TokenKindRefresh)
	if err != nil {
		return nil, err
	}

	if revokeOld {
		var newest *types.TokenDescriptor
		for _, d := range user.Tokens {
			if d.Kind != types.TokenKindAccess || d.IsRevoked {
				continue
			}
			if newest == nil || d.CreatedAt.After(newest.CreatedAt) {
				newest = d
			}
		}
		if newest != nil {
			newest.IsRevoked = true
		}
	}

	access, desc, err := s.issue(user, types.TokenKindAccess, s.accessTTL)
	if err != nil {
		return nil, err
	}
	user.Tokens = append(user.Tokens, desc)
	if err := s.store.UpdateUser(user); err != nil {
		return nil, fmt.Errorf("failed to persist refreshed token: %w", err)
	}

	return &LoginResult{
		AccessToken: access,
		ExpiresIn:   int64(s.accessTTL.Seconds()),
		User:        user,
	}, nil
}

// Logout marks the presented token's descriptor revoked. Revoking an
// already-revoked token is a no-op.
func (s *Service) Logout(tokenStr string) error {
	claims, err := s.parse(tokenStr)
	if err != nil {
		return err
	}
	user, err := s.store.GetUserByID(claims.UserID)
	if err != nil {
		return fmt.Errorf("token user unknown: %w", types.ErrAuthInvalid)
	}
	desc := findDescriptor(user, claims.TokenID)
	if desc == nil || desc.TokenHash != HashToken(tokenStr) {
		return fmt.Errorf("token not on record: %w", types.ErrAuthInvalid)
	}
	desc.IsRevoked = true
	return s.store.UpdateUser(user)
}

func findDescriptor(user *types.UserProfile, tokenID string) *types.TokenDescriptor {
	for _, d := range user.Tokens {
		if d.TokenID == tokenID {
			return d
		}
	}
	return nil
}
