package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"whisp/internal/content"
	"whisp/internal/models"

	"github.com/c-pro/geche"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultTokenExpiry = 7 * 24 * time.Hour
	issuer             = "whisp"
	loginFailedMessage = "invalid credentials"
)

type SignupRequest struct {
	FullName string `json:"fullName" validate:"required,max=100"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6,max=72"`
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// UserCredentials is a user together with its password hash.
// It never leaves the server.
type UserCredentials struct {
	models.User
	PasswordHash string `json:"-"`
}

// UserStore persists user credentials.
type UserStore interface {
	CreateUser(credentials UserCredentials) (UserCredentials, error)
	UpdateUser(credentials UserCredentials) error
	GetUser(id string) (UserCredentials, error)
	GetUserByEmail(email string) (UserCredentials, error)
}

type Claims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

type Config struct {
	Secret      string        `json:"secret"`
	TokenExpiry time.Duration `json:"tokenExpiry"`
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}
	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}
	if c.TokenExpiry < 0 {
		return errors.New("token expiry must be positive")
	}
	return nil
}

type AuthService struct {
	Config
	store    UserStore
	revoked  geche.Geche[string, struct{}]
	log      *slog.Logger
	now      func() time.Time
	hashCost int
}

func NewAuthService(ctx context.Context, config Config, store UserStore, log *slog.Logger) (*AuthService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &AuthService{
		Config:   config,
		store:    store,
		revoked:  geche.NewMapTTLCache[string, struct{}](ctx, config.TokenExpiry, time.Minute),
		log:      log,
		now:      time.Now,
		hashCost: bcrypt.DefaultCost,
	}, nil
}

// Issue signs a token for userID. It returns the token and its expiry.
func (as *AuthService) Issue(userID string) (string, time.Time, error) {
	now := as.now()
	expiresAt := now.Add(as.TokenExpiry)
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(as.Secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return token, expiresAt, nil
}

// Verify checks signature, expiry and revocation and returns the user ID.
func (as *AuthService) Verify(token string) (string, error) {
	claims, err := as.parse(token)
	if err != nil {
		return "", err
	}
	if _, err := as.revoked.Get(claims.ID); err == nil {
		return "", fmt.Errorf("%w: token revoked", models.ErrAuth)
	}
	return claims.UserID, nil
}

// GetUserID is Verify under the name the HTTP layer uses.
func (as *AuthService) GetUserID(token string) (string, error) {
	return as.Verify(token)
}

// Revoke invalidates token until it would have expired anyway.
func (as *AuthService) Revoke(token string) error {
	claims, err := as.parse(token)
	if err != nil {
		return err
	}
	as.revoked.Set(claims.ID, struct{}{})
	return nil
}

func (as *AuthService) parse(token string) (*Claims, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: no token provided", models.ErrAuth)
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(as.Secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(as.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrAuth, err)
	}
	if !parsed.Valid || claims.UserID == "" {
		return nil, fmt.Errorf("%w: invalid token", models.ErrAuth)
	}
	return claims, nil
}

func (as *AuthService) hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), as.hashCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// Signup creates a new user. The email must not be taken.
func (as *AuthService) Signup(req SignupRequest) (models.User, error) {
	req.FullName = content.Sanitize(req.FullName)
	if err := content.Validate(req); err != nil {
		return models.User{}, err
	}

	hash, err := as.hashPassword(req.Password)
	if err != nil {
		return models.User{}, err
	}

	created, err := as.store.CreateUser(UserCredentials{
		User: models.User{
			Email:    req.Email,
			FullName: req.FullName,
		},
		PasswordHash: hash,
	})
	if err != nil {
		return models.User{}, err
	}

	as.log.Info("user signed up", "user_id", created.ID)
	return created.User, nil
}

// Login checks the password and returns the user on success.
func (as *AuthService) Login(req LoginRequest) (models.User, error) {
	if err := content.Validate(req); err != nil {
		return models.User{}, err
	}

	user, err := as.store.GetUserByEmail(req.Email)
	if errors.Is(err, models.ErrNotFound) {
		return models.User{}, fmt.Errorf("%w: %s", models.ErrAuth, loginFailedMessage)
	}
	if err != nil {
		return models.User{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return models.User{}, fmt.Errorf("%w: %s", models.ErrAuth, loginFailedMessage)
	}
	return user.User, nil
}

func (as *AuthService) User(userID string) (models.User, error) {
	user, err := as.store.GetUser(userID)
	if err != nil {
		return models.User{}, err
	}
	return user.User, nil
}

// UpdateProfile replaces the user's profile picture URL.
func (as *AuthService) UpdateProfile(userID, profilePic string) (models.User, error) {
	if profilePic == "" {
		return models.User{}, fmt.Errorf("%w: profile pic is required", models.ErrValidation)
	}

	user, err := as.store.GetUser(userID)
	if err != nil {
		return models.User{}, err
	}
	user.ProfilePic = profilePic
	if err := as.store.UpdateUser(user); err != nil {
		return models.User{}, err
	}
	return user.User, nil
}
