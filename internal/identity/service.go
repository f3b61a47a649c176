package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	MinUsernameRunes = 2
	MaxUsernameRunes = 20
	MinPasswordBytes = 4
	// MaxPasswordBytes is bcrypt's input limit.
	MaxPasswordBytes = 72
)

var ErrInvalidCredentials = errors.New("invalid username or password")

// ValidationError carries a message safe to show to the user.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

type Service struct {
	repo   *Repository
	hasher *PasswordHasher
	tokens *TokenManager
	now    func() time.Time
}

func NewService(repo *Repository, hasher *PasswordHasher, tokens *TokenManager) *Service {
	return &Service{repo: repo, hasher: hasher, tokens: tokens, now: time.Now}
}

// Register creates an account. The username is trimmed before validation.
func (s *Service) Register(ctx context.Context, username, password string) (Account, error) {
	username = strings.TrimSpace(username)
	if err := validateCredentials(username, password); err != nil {
		return Account{}, err
	}
	if n := utf8.RuneCountInString(username); n < MinUsernameRunes || n > MaxUsernameRunes {
		return Account{}, &ValidationError{Message: fmt.Sprintf("Username must be %d-%d characters", MinUsernameRunes, MaxUsernameRunes)}
	}
	if len(password) < MinPasswordBytes {
		return Account{}, &ValidationError{Message: fmt.Sprintf("Password must be at least %d characters", MinPasswordBytes)}
	}
	if len(password) > MaxPasswordBytes {
		return Account{}, &ValidationError{Message: fmt.Sprintf("Password must be at most %d bytes", MaxPasswordBytes)}
	}

	exists, err := s.repo.UsernameExists(ctx, username)
	if err != nil {
		return Account{}, fmt.Errorf("check username: %w", err)
	}
	if exists {
		return Account{}, ErrUserExists
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return Account{}, fmt.Errorf("hash password: %w", err)
	}

	now := s.now()
	user := &User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	// Create still reports ErrUserExists if a concurrent register won the race.
	if err := s.repo.Create(ctx, user); err != nil {
		return Account{}, err
	}
	return user.account(), nil
}

// Login verifies credentials and issues a token.
func (s *Service) Login(ctx context.Context, username, password string) (Session, error) {
	username = strings.TrimSpace(username)
	if err := validateCredentials(username, password); err != nil {
		return Session{}, err
	}

	user, err := s.repo.FindByUsername(ctx, username)
	if errors.Is(err, ErrUserNotFound) {
		return Session{}, ErrInvalidCredentials
	}
	if err != nil {
		return Session{}, fmt.Errorf("find user: %w", err)
	}
	if !s.hasher.Verify(password, user.PasswordHash) {
		return Session{}, ErrInvalidCredentials
	}

	token, err := s.tokens.Issue(user.identity())
	if err != nil {
		return Session{}, fmt.Errorf("issue token: %w", err)
	}
	return Session{User: user.account(), Token: token}, nil
}

// IssueToken mints a token for an already verified account.
func (s *Service) IssueToken(acct Account) (string, error) {
	return s.tokens.Issue(Identity{ID: acct.ID, Username: acct.Username})
}

// WhoAmI resolves a bearer token to the identity it was issued for.
func (s *Service) WhoAmI(_ context.Context, token string) (Identity, error) {
	return s.tokens.Verify(token)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

func validateCredentials(username, password string) error {
	if username == "" || password == "" {
		return &ValidationError{Message: "Username and password are required"}
	}
	return nil
}
