package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"thoth-rooms/internal/models"
)

// Verifier turns a bearer credential into a verified identity.
type Verifier interface {
	Verify(token string) (models.Identity, error)
}

// Claims is the payload of the tokens issued by the account service.
type Claims struct {
	UserID   string `json:"id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// JWTVerifier checks HS256 tokens against a shared secret.
type JWTVerifier struct {
	secret []byte
	issuer string
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), issuer: "thoth"}
}

func (v *JWTVerifier) Verify(token string) (models.Identity, error) {
	if token == "" {
		return models.Identity{}, fmt.Errorf("%w: missing token", models.ErrAuth)
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return models.Identity{}, fmt.Errorf("%w: %v", models.ErrAuth, err)
	}
	if !parsed.Valid {
		return models.Identity{}, fmt.Errorf("%w: %v", models.ErrAuth, jwt.ErrSignatureInvalid)
	}
	if claims.UserID == "" || strings.TrimSpace(claims.Username) == "" {
		return models.Identity{}, fmt.Errorf("%w: token carries no identity", models.ErrAuth)
	}

	return models.Identity{ID: claims.UserID, Username: claims.Username}, nil
}

// Sign issues a token for id. Only tests and local tooling use it; real
// credentials come from the account service.
func (v *JWTVerifier) Sign(id models.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:   id.ID,
		Username: id.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    v.issuer,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// ExtractToken reads the bearer credential from the Authorization header,
// falling back to the token query parameter used by browser WebSocket clients.
func ExtractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
