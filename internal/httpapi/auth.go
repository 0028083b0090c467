package httpapi

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"farmapos/backend/internal/domain"
)

var errBadCredentials = errors.New("invalid credentials")

// UserStore is the slice of the repository the auth layer needs.
type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// AuthManager issues and validates access tokens for pharmacy staff. It
// keeps a credential cache in memory and refreshes it from the user store,
// so accounts created outside this process still work.
type AuthManager struct {
	mu       sync.RWMutex
	secret   []byte
	ttl      time.Duration
	users    UserStore
	accounts map[string]account
}

type account struct {
	hash      string
	role      string
	active    bool
	createdAt time.Time
}

type authClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
}

func NewAuthManager(secret string, tokenTTL time.Duration, userStore UserStore) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}

	m := &AuthManager{
		secret:   []byte(secret),
		ttl:      tokenTTL,
		users:    userStore,
		accounts: make(map[string]account),
	}
	// Startup load; no request context exists yet.
	m.refresh(context.Background())
	return m
}

// Login checks the credentials and returns a signed access token. The cache
// is refreshed first so accounts added outside this process are picked up;
// acceptable for low-traffic pharmacy deployments.
func (a *AuthManager) Login(req domain.LoginRequest) (domain.LoginResponse, error) {
	a.refresh(context.Background())

	username := normalizeUsername(req.Username)
	a.mu.RLock()
	acc, found := a.accounts[username]
	a.mu.RUnlock()

	if !found || !verifyPassword(acc.hash, req.Password) {
		return domain.LoginResponse{}, errBadCredentials
	}
	if !acc.active {
		return domain.LoginResponse{}, errors.New("account is inactive")
	}

	expiresAt := time.Now().UTC().Add(a.ttl)
	token, err := a.sign(username, acc.role, expiresAt)
	if err != nil {
		return domain.LoginResponse{}, err
	}
	return domain.LoginResponse{
		AccessToken: token,
		Role:        acc.role,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

func (a *AuthManager) sign(username, role string, expiresAt time.Time) (string, error) {
	claims := authClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   username,
			Issuer:    "farmapos",
			IssuedAt:  jwtlib.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
		},
		Role: role,
	}
	return jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(a.secret)
}

// ParseToken validates a bearer token and returns the actor it identifies.
func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &authClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return domain.Actor{}, errors.New("invalid or expired token")
	}

	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}
	return domain.Actor{Username: subject, Role: claims.Role}, nil
}

// CreateCashier registers a cashier account. Admin accounts are never
// created through the API.
func (a *AuthManager) CreateCashier(req domain.CashierCreateRequest) (domain.CashierUser, error) {
	a.refresh(context.Background())

	username := normalizeUsername(req.Username)
	if len(username) < 4 {
		return domain.CashierUser{}, fmt.Errorf("username must be at least 4 characters")
	}
	if strings.ContainsAny(username, " \t\r\n") {
		return domain.CashierUser{}, fmt.Errorf("username must not contain spaces")
	}
	if len(strings.TrimSpace(req.Password)) < 6 {
		return domain.CashierUser{}, fmt.Errorf("password must be at least 6 characters")
	}

	a.mu.RLock()
	_, taken := a.accounts[username]
	a.mu.RUnlock()
	if taken {
		return domain.CashierUser{}, fmt.Errorf("username already exists")
	}

	hash, err := hashPassword(req.Password)
	if err != nil {
		return domain.CashierUser{}, fmt.Errorf("failed to hash password")
	}

	now := time.Now().UTC()
	if a.users != nil {
		err := a.users.CreateUser(context.Background(), domain.UserAccount{
			Username:  username,
			Password:  hash,
			Role:      "cashier",
			Active:    true,
			CreatedAt: now,
		})
		if err != nil {
			return domain.CashierUser{}, err
		}
	}

	a.mu.Lock()
	a.accounts[username] = account{hash: hash, role: "cashier", active: true, createdAt: now}
	a.mu.Unlock()

	return domain.CashierUser{Username: username, Role: "cashier", Active: true, CreatedAt: now}, nil
}

func (a *AuthManager) ListCashiers() []domain.CashierUser {
	a.refresh(context.Background())

	a.mu.RLock()
	result := make([]domain.CashierUser, 0, len(a.accounts))
	for username, acc := range a.accounts {
		if acc.role != "cashier" {
			continue
		}
		result = append(result, domain.CashierUser{
			Username:  username,
			Role:      acc.role,
			Active:    acc.active,
			CreatedAt: acc.createdAt,
		})
	}
	a.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].Username < result[j].Username })
	return result
}

// refresh loads accounts from the user store into the cache. Legacy
// plain-text passwords found in the store are upgraded to bcrypt hashes in
// place, so old seed data cannot linger unhashed.
func (a *AuthManager) refresh(ctx context.Context) {
	if a.users == nil {
		return
	}
	stored, err := a.users.ListUsers(ctx)
	if err != nil || len(stored) == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, user := range stored {
		username := normalizeUsername(user.Username)
		if username == "" {
			continue
		}
		hash := user.Password
		if !isPasswordHash(hash) {
			if upgraded, err := hashPassword(hash); err == nil {
				hash = upgraded
				_ = a.users.UpdateUserPassword(ctx, username, upgraded)
			}
		}
		a.accounts[username] = account{
			hash:      hash,
			role:      user.Role,
			active:    user.Active,
			createdAt: user.CreatedAt,
		}
	}
}

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

func verifyPassword(stored string, input string) bool {
	if stored == "" || strings.TrimSpace(input) == "" || !isPasswordHash(stored) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(input)) == nil
}

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
