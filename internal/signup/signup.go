// Package signup implements self-service organization signup with email verification.
package signup

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/badoux/checkmail"
	"github.com/google/uuid"

	"github.com/magsasa-card/magsasa/internal/auth"
	"github.com/magsasa-card/magsasa/internal/model"
	"github.com/magsasa-card/magsasa/internal/storage"
)

// TokenTTL is how long a verification link stays valid.
const TokenTTL = 24 * time.Hour

// Sentinel errors returned by validation and signup logic.
var (
	ErrInvalidEmail    = errors.New("invalid email format")
	ErrWeakPassword    = auth.ErrWeakPassword
	ErrOrgNameRequired = errors.New("org_name is required")
	ErrEmailTaken      = errors.New("email already registered")
	ErrInvalidToken    = errors.New("invalid verification token")
)

// Store is the persistence surface signup needs.
type Store interface {
	CreateSignup(ctx context.Context, r storage.SignupRecords) (model.Organization, model.User, error)
	ConsumeEmailVerification(ctx context.Context, token string) (uuid.UUID, error)
}

// Service handles organization signup and email verification.
type Service struct {
	store   Store
	mailer  Mailer
	logger  *slog.Logger
	baseURL string
	now     func() time.Time
}

// New creates a signup service. A nil mailer logs verification links instead
// of sending them.
func New(store Store, mailer Mailer, baseURL string, logger *slog.Logger) *Service {
	if mailer == nil {
		mailer = LogMailer{Logger: logger}
	}
	return &Service{
		store:   store,
		mailer:  mailer,
		logger:  logger,
		baseURL: strings.TrimRight(baseURL, "/"),
		now:     time.Now,
	}
}

// Input is a signup request.
type Input struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	OrgName   string `json:"org_name"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// Result is returned on successful signup.
type Result struct {
	OrgID   uuid.UUID `json:"org_id"`
	OrgCode string    `json:"org_code"`
	UserID  uuid.UUID `json:"user_id"`
	Message string    `json:"message"`
}

// Signup creates a new organization with a pending admin owner and sends a
// verification email. The owner can sign in once the email is verified.
func (s *Service) Signup(ctx context.Context, in Input) (Result, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if err := validateEmail(email); err != nil {
		return Result{}, err
	}
	if err := auth.ValidatePassword(in.Password); err != nil {
		return Result{}, ErrWeakPassword
	}
	orgName := strings.TrimSpace(in.OrgName)
	if orgName == "" {
		return Result{}, ErrOrgNameRequired
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return Result{}, fmt.Errorf("signup: hash password: %w", err)
	}
	token, err := generateToken(32)
	if err != nil {
		return Result{}, fmt.Errorf("signup: generate token: %w", err)
	}
	suffix, err := generateToken(3)
	if err != nil {
		return Result{}, fmt.Errorf("signup: generate org code: %w", err)
	}

	org, owner, err := s.store.CreateSignup(ctx, storage.SignupRecords{
		Organization: model.Organization{
			Name:         orgName,
			Code:         strings.Trim(slugify(orgName)+"-"+suffix, "-"),
			Type:         model.OrgClient,
			ContactEmail: email,
		},
		Owner: model.User{
			Username:     email,
			Email:        email,
			PasswordHash: hash,
			FirstName:    strings.TrimSpace(in.FirstName),
			LastName:     strings.TrimSpace(in.LastName),
			Status:       model.UserPending,
		},
		VerificationToken: token,
		TokenExpiresAt:    s.now().Add(TokenTTL),
	})
	var conflict *storage.ConflictError
	if errors.As(err, &conflict) && strings.HasPrefix(conflict.Constraint, "users_") {
		return Result{}, ErrEmailTaken
	}
	if err != nil {
		return Result{}, fmt.Errorf("signup: create organization: %w", err)
	}

	verifyURL := fmt.Sprintf("%s/api/verify?token=%s", s.baseURL, token)
	if err := s.mailer.Send(ctx, verificationMessage(email, orgName, verifyURL)); err != nil {
		// The account exists; the owner can ask an admin to resend.
		s.logger.Error("signup: send verification email failed", "error", err, "email", email)
	}
	s.logger.Info("signup: organization created", "org_id", org.ID, "user_id", owner.ID)

	return Result{
		OrgID:   org.ID,
		OrgCode: org.Code,
		UserID:  owner.ID,
		Message: "check your email to verify your account",
	}, nil
}

// Verify consumes a verification token, marks the owner's email verified and
// activates the account. It returns the verified user.
func (s *Service) Verify(ctx context.Context, token string) (uuid.UUID, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return uuid.Nil, ErrInvalidToken
	}
	userID, err := s.store.ConsumeEmailVerification(ctx, token)
	if errors.Is(err, storage.ErrNotFound) {
		return uuid.Nil, ErrInvalidToken
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("signup: verify: %w", err)
	}
	return userID, nil
}

func verificationMessage(to, orgName, verifyURL string) Message {
	return Message{
		To:      to,
		Subject: "Verify your MAGSASA-CARD account",
		TextBody: fmt.Sprintf(
			"Welcome to MAGSASA-CARD!\r\n\r\nYour organization %q is ready. Click the link below to verify your email:\r\n\r\n%s\r\n\r\nThis link expires in 24 hours.",
			orgName, verifyURL,
		),
		VerifyURL: verifyURL,
	}
}

// --- Validation helpers ---

// ValidateEmail applies the signup email rules to an address supplied by an
// administrator.
func ValidateEmail(email string) error {
	return validateEmail(strings.ToLower(strings.TrimSpace(email)))
}

func validateEmail(email string) error {
	if err := checkmail.ValidateFormat(email); err != nil {
		return ErrInvalidEmail
	}
	// checkmail accepts dotless hosts; a public signup needs a real domain.
	_, host, _ := strings.Cut(email, "@")
	if !strings.Contains(host, ".") {
		return ErrInvalidEmail
	}
	return nil
}

var multiHyphen = regexp.MustCompile(`-{2,}`)

func slugify(name string) string {
	s := strings.ToLower(name)
	s = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' {
			return r
		}
		if r == ' ' || r == '_' {
			return '-'
		}
		return -1
	}, s)
	s = multiHyphen.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

func generateToken(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
