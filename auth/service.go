// Package auth issues and checks bearer tokens. An Identity built from a
// valid token is the feed.Authenticator of a request.
package auth

import (
	"errors"
	"fmt"
	"profile-feed/feed"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
)

var ErrNotSignedIn = errors.New("not signed in")

// Claims of an issued token.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// Service signs tokens with HS256 and keeps revoked token ids until the
// tokens would have expired anyway.
type Service struct {
	secretKey []byte
	ttl       time.Duration
	revoked   *cache.Cache
	now       func() time.Time
}

func NewService(secretKey string, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		secretKey: []byte(secretKey),
		ttl:       ttl,
		revoked:   cache.New(ttl, 10*time.Minute),
		now:       time.Now,
	}
}

// Issue signs a token for userID.
func (s *Service) Issue(userID string) (string, error) {
	now := s.now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secretKey)
	if err != nil {
		return "", fmt.Errorf("sign token for %s: %w", userID, err)
	}
	return token, nil
}

func (s *Service) parse(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secretKey, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", feed.ErrNotAuthenticated, err)
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: token has no user", feed.ErrNotAuthenticated)
	}
	return claims, nil
}

// Authenticate checks the token signature, expiry and revocation.
func (s *Service) Authenticate(token string) (*Identity, error) {
	claims, err := s.parse(token)
	if err != nil {
		return nil, err
	}
	if s.isRevoked(claims) {
		return nil, fmt.Errorf("%w: token revoked", feed.ErrNotAuthenticated)
	}
	return &Identity{svc: s, claims: claims, token: token}, nil
}

// Revoke invalidates a token before its expiry.
func (s *Service) Revoke(token string) error {
	claims, err := s.parse(token)
	if err != nil {
		return err
	}
	left := claims.ExpiresAt.Time.Sub(s.now())
	if left <= 0 {
		return nil
	}
	s.revoked.Set(claims.ID, struct{}{}, left)
	return nil
}

func (s *Service) isRevoked(c *Claims) bool {
	_, found := s.revoked.Get(c.ID)
	return found
}

// Identity is an authenticated token holder. It implements
// feed.Authenticator.
type Identity struct {
	svc    *Service
	claims *Claims
	token  string
}

func (i *Identity) IsAuthenticated() bool {
	if i == nil {
		return false
	}
	if i.claims.ExpiresAt != nil && !i.svc.now().Before(i.claims.ExpiresAt.Time) {
		return false
	}
	return !i.svc.isRevoked(i.claims)
}

func (i *Identity) CurrentUserID() string {
	if !i.IsAuthenticated() {
		return ""
	}
	return i.claims.UserID
}

// SignOut revokes the token the identity was built from.
func (i *Identity) SignOut() error {
	if !i.IsAuthenticated() {
		return ErrNotSignedIn
	}
	return i.svc.Revoke(i.token)
}

// Session is the client side of sign in: it keeps the current token.
type Session struct {
	svc *Service

	mu       sync.Mutex
	identity *Identity
}

func NewSession(svc *Service) *Session {
	return &Session{svc: svc}
}

// SignIn replaces the current identity with a fresh token for userID.
func (s *Session) SignIn(userID string) (string, error) {
	token, err := s.svc.Issue(userID)
	if err != nil {
		return "", err
	}
	identity, err := s.svc.Authenticate(token)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.identity = identity
	s.mu.Unlock()
	return token, nil
}

// Token returns the current token, empty when signed out.
func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.identity.IsAuthenticated() {
		return ""
	}
	return s.identity.token
}

func (s *Session) IsAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity.IsAuthenticated()
}

func (s *Session) CurrentUserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity.CurrentUserID()
}

func (s *Session) SignOut() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.identity.SignOut(); err != nil {
		return err
	}
	s.identity = nil
	return nil
}
