package middleware

import (
	"errors"
	"fmt"

	"github.com/anjiri1684/sitechat/models"
	"github.com/anjiri1684/sitechat/services"
	"github.com/gofiber/fiber/v2"
	jwtware "github.com/gofiber/jwt/v3"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

func Protected(secret string) fiber.Handler {
	return jwtware.New(jwtware.Config{
		SigningKey:   []byte(secret),
		ErrorHandler: jwtError,
	})
}

func jwtError(c *fiber.Ctx, err error) error {
	if err.Error() == "Missing or malformed JWT" {
		return c.Status(fiber.StatusBadRequest).
			JSON(fiber.Map{"status": "error", "code": "malformed_jwt", "message": "Missing or malformed JWT", "retryable": false})
	}
	return c.Status(fiber.StatusUnauthorized).
		JSON(fiber.Map{"status": "error", "code": "invalid_jwt", "message": "Invalid or expired JWT", "retryable": false})
}

// ParseToken validates an HMAC-signed token outside the HTTP middleware,
// e.g. in the first websocket frame.
func ParseToken(secret, tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

// RequesterFromClaims reads the user_id and role claims.
func RequesterFromClaims(claims jwt.MapClaims) (services.Requester, error) {
	raw, _ := claims["user_id"].(string)
	userID, err := uuid.Parse(raw)
	if err != nil {
		return services.Requester{}, fmt.Errorf("invalid user_id claim: %w", err)
	}
	role, _ := claims["role"].(string)
	return services.Requester{UserID: userID, Role: role}, nil
}

// CurrentUser returns the requester authenticated by Protected.
func CurrentUser(c *fiber.Ctx) (services.Requester, error) {
	token, ok := c.Locals("user").(*jwt.Token)
	if !ok {
		return services.Requester{}, fiber.NewError(fiber.StatusUnauthorized, "Missing authentication")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return services.Requester{}, fiber.NewError(fiber.StatusUnauthorized, "Invalid token claims")
	}
	requester, err := RequesterFromClaims(claims)
	if err != nil {
		return services.Requester{}, fiber.NewError(fiber.StatusUnauthorized, err.Error())
	}
	return requester, nil
}

func AdminRequired() fiber.Handler {
	return func(c *fiber.Ctx) error {
		requester, err := CurrentUser(c)
		if err != nil {
			return err
		}
		if !models.IsAdmin(requester.Role) {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"status":    "error",
				"code":      "admin_required",
				"message":   "Forbidden: Admin access required",
				"retryable": false,
			})
		}
		return c.Next()
	}
}
