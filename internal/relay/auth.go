package relay

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	clientTokenCookie = "ct"
	clientTokenTTL    = 30 * 24 * time.Hour
)

var ErrInvalidToken = errors.New("invalid token")

// TokenIssuer mints and verifies the signed client tokens that give each
// client a stable identity across process restarts. That identity, not
// the websocket, is what rejoin detection keys on.
type TokenIssuer struct {
	secret []byte
}

func NewTokenIssuer(secret string) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret)}
}

func (t *TokenIssuer) Issue(clientID string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   clientID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(clientTokenTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

func (t *TokenIssuer) Verify(raw string) (string, error) {
	token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(tk *jwt.Token) (any, error) {
		if _, ok := tk.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return t.secret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// ClientTokenMiddleware resolves the stable client id from a bearer
// token, cookie or query parameter. A client with no usable token gets a
// fresh identity minted on the spot.
func ClientTokenMiddleware(issuer *TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c)
		if raw == "" {
			raw, _ = c.Cookie(clientTokenCookie)
		}
		if raw == "" {
			raw = c.Query("token")
		}

		if raw != "" {
			if clientID, err := issuer.Verify(raw); err == nil {
				c.Set("client_id", clientID)
				c.Next()
				return
			}
			log.Warn().Str("module", "relay.auth").Msg("rejected client token, issuing new")
		}

		clientID := uuid.NewString()
		signed, err := issuer.Issue(clientID)
		if err == nil {
			c.SetCookie(clientTokenCookie, signed, int(clientTokenTTL.Seconds()), "/", "", false, true)
		}
		c.Set("client_id", clientID)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	const prefix = "Bearer "
	auth := c.GetHeader("Authorization")
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}
