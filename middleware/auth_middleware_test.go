package middleware

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/anjiri1684/sitechat/models"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func sign(t *testing.T, key string, userID uuid.UUID, role string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID.String(),
		"role":    role,
		"exp":     time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(key))
	require.NoError(t, err)
	return signed
}

func newApp() *fiber.App {
	app := fiber.New()
	app.Get("/me", Protected(secret), func(c *fiber.Ctx) error {
		requester, err := CurrentUser(c)
		if err != nil {
			return err
		}
		return c.SendString(requester.UserID.String() + ":" + requester.Role)
	})
	app.Get("/admin", Protected(secret), AdminRequired(), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNoContent)
	})
	return app
}

func get(t *testing.T, app *fiber.App, path, token string) int {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	return resp.StatusCode
}

func TestProtected(t *testing.T) {
	app := newApp()
	userID := uuid.New()

	assert.Equal(t, fiber.StatusBadRequest, get(t, app, "/me", ""))
	assert.Equal(t, fiber.StatusUnauthorized, get(t, app, "/me", sign(t, "other-secret", userID, models.RoleCustomer)))
	assert.Equal(t, fiber.StatusOK, get(t, app, "/me", sign(t, secret, userID, models.RoleCustomer)))
}

func TestAdminRequired(t *testing.T) {
	app := newApp()

	assert.Equal(t, fiber.StatusForbidden, get(t, app, "/admin", sign(t, secret, uuid.New(), models.RoleManager)))
	assert.Equal(t, fiber.StatusNoContent, get(t, app, "/admin", sign(t, secret, uuid.New(), models.RoleSuperAdmin)))
}

func TestParseToken(t *testing.T) {
	userID := uuid.New()

	claims, err := ParseToken(secret, sign(t, secret, userID, models.RoleAdmin))
	require.NoError(t, err)
	requester, err := RequesterFromClaims(claims)
	require.NoError(t, err)
	assert.Equal(t, userID, requester.UserID)
	assert.Equal(t, models.RoleAdmin, requester.Role)

	_, err = ParseToken(secret, "garbage")
	assert.Error(t, err)

	_, err = RequesterFromClaims(jwt.MapClaims{"user_id": "nope"})
	assert.Error(t, err)
}
