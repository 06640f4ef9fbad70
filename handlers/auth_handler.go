package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/anjiri1684/sitechat/apperror"
	"github.com/anjiri1684/sitechat/database"
	"github.com/anjiri1684/sitechat/models"
	"github.com/anjiri1684/sitechat/services"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var validate = validator.New()

const tokenTTL = 72 * time.Hour

type RegisterRequest struct {
	FullName string `json:"full_name" validate:"required,min=2"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type UserResponse struct {
	ID        string    `json:"id"`
	FullName  string    `json:"full_name"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

type AuthHandler struct {
	db     *gorm.DB
	secret string
	mailer services.Mailer
}

// NewAuthHandler builds the handler; mailer may be nil.
func NewAuthHandler(db *gorm.DB, secret string, mailer services.Mailer) *AuthHandler {
	return &AuthHandler{db: db, secret: secret, mailer: mailer}
}

func (h *AuthHandler) RegisterUser(c *fiber.Ctx) error {
	var req RegisterRequest
	if err := c.BodyParser(&req); err != nil {
		return apperror.InvalidInput("invalid_body", "Cannot parse JSON")
	}
	if err := validate.Struct(req); err != nil {
		return apperror.InvalidInput("invalid_request", "%v", err)
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return apperror.Internal("password_hash_failed", "Failed to hash password")
	}

	user := models.User{
		FullName: req.FullName,
		Email:    req.Email,
		Password: string(hashedPassword),
		Role:     models.RoleCustomer,
		IsActive: true,
	}
	if err := h.db.WithContext(c.UserContext()).Create(&user).Error; err != nil {
		if database.IsUniqueViolation(err) {
			return apperror.Conflict("email_exists", "Email already exists")
		}
		return database.Translate(err)
	}

	if h.mailer != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := h.mailer.SendEmail(ctx, user.FullName, user.Email, "Welcome!", "<h1>Welcome!</h1><p>Thank you for registering.</p>"); err != nil {
				log.Warn().Err(err).Str("email", user.Email).Msg("failed to send welcome email")
			}
		}()
	}

	return c.Status(fiber.StatusCreated).JSON(UserResponse{
		ID:        user.ID.String(),
		FullName:  user.FullName,
		Email:     user.Email,
		Role:      user.Role,
		CreatedAt: user.CreatedAt,
	})
}

func (h *AuthHandler) LoginUser(c *fiber.Ctx) error {
	var req LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return apperror.InvalidInput("invalid_body", "Cannot parse JSON")
	}
	if err := validate.Struct(req); err != nil {
		return apperror.InvalidInput("invalid_request", "%v", err)
	}

	invalid := fiber.NewError(fiber.StatusUnauthorized, "Invalid email or password")

	var user models.User
	err := h.db.WithContext(c.UserContext()).Where("email = ?", req.Email).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return invalid
	}
	if err != nil {
		return database.Translate(err)
	}
	if !user.IsActive {
		return invalid
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)); err != nil {
		return invalid
	}

	t, err := IssueToken(h.secret, user, tokenTTL)
	if err != nil {
		return apperror.Internal("token_failed", "Failed to create token")
	}
	return c.JSON(fiber.Map{"token": t})
}

// IssueToken signs the claims read by the auth middleware.
func IssueToken(secret string, user models.User, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"user_id": user.ID.String(),
		"role":    user.Role,
		"exp":     time.Now().Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
