package middleware

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"mailsync_server/pkg/apperr"
	"mailsync_server/pkg/logger"
)

// RoleService marks tokens minted for backend callers. They may act on any company.
const RoleService = "service"

// Claims are the JWT claims the quoting app issues.
type Claims struct {
	CompanyID string `json:"company_id"`
	Email     string `json:"email,omitempty"`
	Role      string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// TokenRevocations is a Redis set of revoked token IDs.
type TokenRevocations struct {
	redis  *redis.Client
	prefix string
}

func NewTokenRevocations(redisClient *redis.Client) *TokenRevocations {
	return &TokenRevocations{redis: redisClient, prefix: "token:blacklist:"}
}

// Revoke blocks tokenID until expiry.
func (r *TokenRevocations) Revoke(ctx context.Context, tokenID string, expiry time.Duration) error {
	if r == nil || r.redis == nil {
		return nil
	}
	return r.redis.Set(ctx, r.prefix+tokenID, "1", expiry).Err()
}

func (r *TokenRevocations) IsRevoked(ctx context.Context, tokenID string) bool {
	if r == nil || r.redis == nil {
		return false
	}
	exists, _ := r.redis.Exists(ctx, r.prefix+tokenID).Result()
	return exists > 0
}

// ParseToken validates an HS256 token and returns its claims.
func ParseToken(tokenString, secret string) (*Claims, error) {
	if secret == "" {
		return nil, fmt.Errorf("JWT secret not configured")
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unsupported signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithLeeway(time.Minute), jwt.WithIssuedAt())
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// JWTAuth authenticates requests with a bearer token and stores the caller in locals.
func JWTAuth(secret string, revocations *TokenRevocations) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Method() == fiber.MethodOptions {
			return c.Next()
		}

		var tokenString string
		if parts := strings.SplitN(c.Get(fiber.HeaderAuthorization), " ", 2); len(parts) == 2 && parts[0] == "Bearer" {
			tokenString = parts[1]
		}
		if tokenString == "" {
			return apperr.Unauthorized("missing authorization")
		}

		claims, err := ParseToken(tokenString, secret)
		if err != nil {
			logger.WithError(err).Warn("JWT validation failed")
			if errors.Is(err, jwt.ErrTokenExpired) {
				return apperr.New(apperr.CodeTokenExpired, "token expired", fiber.StatusUnauthorized)
			}
			return apperr.InvalidToken("invalid token")
		}

		if claims.ID != "" && revocations.IsRevoked(c.Context(), claims.ID) {
			return apperr.New(apperr.CodeInvalidToken, "token has been revoked", fiber.StatusUnauthorized)
		}
		if claims.Subject == "" {
			return apperr.InvalidToken("missing user id in token")
		}

		c.Locals("user_id", claims.Subject)
		c.Locals("company_id", claims.CompanyID)
		c.Locals("user_email", claims.Email)
		c.Locals("role", claims.Role)
		return c.Next()
	}
}

// CompanyScope rejects requests whose :companyId differs from the token's company.
func CompanyScope(param string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		requested := c.Params(param)
		if requested == "" {
			return c.Next()
		}
		if role, _ := c.Locals("role").(string); role == RoleService {
			return c.Next()
		}
		if company, _ := c.Locals("company_id").(string); company != requested {
			return apperr.Forbidden("token does not grant access to this company")
		}
		return c.Next()
	}
}

// RequireService allows only backend service tokens.
func RequireService() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if role, _ := c.Locals("role").(string); role != RoleService {
			return apperr.Forbidden("service token required")
		}
		return c.Next()
	}
}
