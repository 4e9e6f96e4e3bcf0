// internal/auth/auth.go
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
	"golang.org/x/crypto/bcrypt"

	"iot-telemetry-hub/internal/data"
	"iot-telemetry-hub/internal/storage"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"

	issuer = "iot-telemetry-hub"
)

var (
	ErrMissingToken  = errors.New("credential required")
	ErrInvalidToken  = errors.New("invalid or expired credential")
	ErrMissingTenant = errors.New("credential carries no organization")
	ErrForbidden     = errors.New("not allowed for this organization")
	ErrBadLogin      = errors.New("incorrect email or password")
	ErrInactiveUser  = errors.New("inactive user")
)

// Config holds authentication configuration
type Config struct {
	JWTSecret     string `mapstructure:"jwt_secret"`
	JWTExpiration int    `mapstructure:"jwt_expiration"` // in minutes
}

// UserStore is the user lookup used by login.
type UserStore interface {
	UserByEmail(ctx context.Context, email string) (*data.User, error)
}

// AuthManager issues and validates dashboard session tokens.
type AuthManager struct {
	config Config
	users  UserStore
	now    func() time.Time
}

// Claims represents JWT claims. Subject holds the user id.
type Claims struct {
	OrganizationID *int64 `json:"organization_id,omitempty"`
	Role           string `json:"role"`
	jwt.StandardClaims
}

// Elevated reports whether the session may act across organizations.
func (c *Claims) Elevated() bool {
	return c.Role == RoleAdmin
}

// NewAuthManager creates a new authentication manager
func NewAuthManager(config Config, users UserStore) *AuthManager {
	return &AuthManager{
		config: config,
		users:  users,
		now:    time.Now,
	}
}

// GenerateJWT creates a new JWT token for a user
func (am *AuthManager) GenerateJWT(user *data.User) (string, error) {
	now := am.now()
	role := RoleUser
	if user.IsSuperuser {
		role = RoleAdmin
	}

	claims := &Claims{
		OrganizationID: user.OrganizationID,
		Role:           role,
		StandardClaims: jwt.StandardClaims{
			Subject:   strconv.FormatInt(user.ID, 10),
			ExpiresAt: now.Add(time.Duration(am.config.JWTExpiration) * time.Minute).Unix(),
			IssuedAt:  now.Unix(),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(am.config.JWTSecret))
}

// ValidateJWT validates the signature and expiry of a session token.
func (am *AuthManager) ValidateJWT(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(am.config.JWTSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	// jwt-go treats a missing exp as valid; sessions must expire.
	if claims.ExpiresAt == 0 {
		return nil, fmt.Errorf("%w: no expiry", ErrInvalidToken)
	}

	return claims, nil
}

// AuthorizeSubscription validates the credential a dashboard passes when
// opening a real-time subscription and returns the tenant it is scoped to.
func (am *AuthManager) AuthorizeSubscription(tokenString string) (int64, error) {
	claims, err := am.ValidateJWT(tokenString)
	if err != nil {
		return 0, err
	}
	if claims.OrganizationID == nil {
		return 0, ErrMissingTenant
	}
	return *claims.OrganizationID, nil
}

// AuthenticateUser validates email and password
func (am *AuthManager) AuthenticateUser(ctx context.Context, email, password string) (*data.User, error) {
	user, err := am.users.UserByEmail(ctx, email)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrBadLogin
	}
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.HashedPassword), []byte(password)); err != nil {
		return nil, ErrBadLogin
	}
	if !user.IsActive {
		return nil, ErrInactiveUser
	}
	return user, nil
}

// HashPassword creates a bcrypt hash from a password
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}

// TenantScope resolves which organization a request may read. Ordinary users
// are pinned to their own; elevated users may name another.
func TenantScope(claims *Claims, requested *int64) (int64, error) {
	if requested != nil {
		if claims.Elevated() {
			return *requested, nil
		}
		if claims.OrganizationID == nil || *claims.OrganizationID != *requested {
			return 0, ErrForbidden
		}
		return *requested, nil
	}
	if claims.OrganizationID == nil {
		return 0, ErrMissingTenant
	}
	return *claims.OrganizationID, nil
}

type contextKey int

const (
	claimsKey contextKey = iota
	deviceKey
)

// ClaimsFromContext returns the session claims set by JWTMiddleware.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*Claims)
	return c, ok
}

// JWTMiddleware requires a bearer session token.
func (am *AuthManager) JWTMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")

		if authHeader == "" {
			writeDetail(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		bearerToken := strings.Split(authHeader, " ")
		if len(bearerToken) != 2 || !strings.EqualFold(bearerToken[0], "Bearer") {
			writeDetail(w, http.StatusUnauthorized, "Invalid authorization format")
			return
		}

		claims, err := am.ValidateJWT(bearerToken[1])
		if err != nil {
			writeDetail(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}
