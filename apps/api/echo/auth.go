package echoapi

import (
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/konfihub/konfichat/core"
	"github.com/konfihub/konfichat/core/chat"
)

// Token issuance belongs to the main Konfi app's auth service; this API only
// consumes bearer tokens. GetActorClaims/GenerateToken are kept for tests and
// local tooling.

var (
	// appJWTConfig is the default JWT auth middleware config.
	appJWTConfig = middleware.JWTConfig{
		SigningMethod: middleware.AlgorithmHS256,
		ContextKey:    "actorToken",
		Claims:        new(Claims),
	}
	jwtConf *core.Config
)

// InitJWTConfig binds the signing key; NewServer calls it, and so does any
// tool that mints tokens out of band.
func InitJWTConfig(conf *core.Config) {
	appJWTConfig.SigningKey = []byte(conf.SecretKey)
	jwtConf = conf
}

// Claims represents the authorization claims transmitted via a JWT.
type Claims struct {
	jwt.StandardClaims
	Name string `json:"name,omitempty"`
	Kind string `json:"kind"` // admin | konfi
}

// Actor maps the claims onto the chat domain's participant reference.
func (c Claims) Actor() chat.Actor {
	return chat.Actor{ID: c.Subject, Kind: c.Kind, Name: c.Name}
}

func GetActorClaims(actor chat.Actor) *Claims {
	now := time.Now()
	return &Claims{
		StandardClaims: jwt.StandardClaims{
			Issuer:    jwtConf.AppName,
			Subject:   actor.ID,
			ExpiresAt: now.Add(jwtConf.Server.JWTExpirationDelta).Unix(),
			IssuedAt:  now.Unix(),
		},
		Name: actor.Name,
		Kind: actor.Kind,
	}
}

// GenerateToken generates a signed JWT token string representing the Claims.
func GenerateToken(claims *Claims) (string, error) {
	method := jwt.GetSigningMethod(appJWTConfig.SigningMethod)
	token := jwt.NewWithClaims(method, claims)

	ss, err := token.SignedString(appJWTConfig.SigningKey)
	return ss, errors.Wrap(err, "signing token")
}

// parseToken validates a raw token string. Used where the Authorization header
// is not available: file download links and websocket upgrades pass the token
// as a query parameter instead.
func parseToken(raw string) (Claims, error) {
	if raw == "" {
		return Claims{}, errUnauthorized
	}
	var claims Claims
	token, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return appJWTConfig.SigningKey, nil
	})
	if err != nil || !token.Valid {
		return Claims{}, errUnauthorized
	}
	return claims, nil
}

func getContextClaims(ctx echo.Context) (Claims, error) {
	if token, ok := ctx.Get(appJWTConfig.ContextKey).(*jwt.Token); ok {
		if claims, ok := token.Claims.(*Claims); ok {
			return *claims, nil
		}
	}
	return Claims{}, errUnauthorized
}

func getContextActor(ctx echo.Context) (chat.Actor, error) {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return chat.Actor{}, err
	}
	return claims.Actor(), nil
}
