package service

import (
	"context"
	"crypto/rsa"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"meridian-panel/internal/model"
	"meridian-panel/internal/repository"
	jwtutil "meridian-panel/pkg/jwt"
)

const defaultAccessTokenTTL = 24 * time.Hour

// AuthService issues admin access tokens. Password verification is bcrypt;
// tokens are RS256-signed and verified statelessly by the middleware.
type AuthService struct {
	adminRepo  repository.AdminRepository
	privateKey *rsa.PrivateKey
	accessTTL  time.Duration
	logger     *zap.Logger
}

func NewAuthService(adminRepo repository.AdminRepository, privateKey *rsa.PrivateKey, accessTTL time.Duration, logger *zap.Logger) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if accessTTL <= 0 {
		accessTTL = defaultAccessTokenTTL
	}
	return &AuthService{
		adminRepo:  adminRepo,
		privateKey: privateKey,
		accessTTL:  accessTTL,
		logger:     logger,
	}
}

// Login verifies the password and returns a signed access token. A wrong
// username and a wrong password are indistinguishable to the caller.
func (s *AuthService) Login(ctx context.Context, username, password string) (string, *model.Admin, error) {
	if s.privateKey == nil {
		return "", nil, errors.New("jwt private key not configured")
	}

	admin, err := s.adminRepo.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// burn a comparison so the miss costs the same as a mismatch
			_, _ = bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
			return "", nil, ErrWrongCredentials
		}
		return "", nil, err
	}

	if bcrypt.CompareHashAndPassword([]byte(admin.PasswordHash), []byte(password)) != nil {
		return "", nil, ErrWrongCredentials
	}

	claims := jwtutil.NewClaims(admin.ID.String(), admin.Username, string(admin.Role), s.accessTTL)
	token, err := jwtutil.GenerateAccessToken(claims, s.privateKey)
	if err != nil {
		return "", nil, err
	}

	s.logger.Info("admin logged in", zap.String("username", admin.Username))
	return token, admin, nil
}

// Authenticate resolves validated claims back to the live admin row, so a
// deleted admin's token stops working immediately.
func (s *AuthService) Authenticate(ctx context.Context, claims *jwtutil.Claims) (*model.Admin, error) {
	admin, err := s.adminRepo.FindByUsername(ctx, claims.Username)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrWrongCredentials
		}
		return nil, err
	}
	return admin, nil
}

// HashPassword is the single bcrypt entry point for admin passwords.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
