// middleware/gateway.go
package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// GatewayAuthMiddleware validates the bearer token the gateway attaches to
// every request. The token may also arrive without the "Bearer " prefix.
func GatewayAuthMiddleware(expectedToken string, log *zap.Logger) fiber.Handler {
	log = log.Named("gateway_auth")
	return func(c *fiber.Ctx) error {
		authHeader := c.Get(fiber.HeaderAuthorization)
		if authHeader == "" {
			log.Warn("missing authorization header", zap.String("path", c.Path()))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"code":  "unauthorized",
				"error": "gateway authentication token missing",
			})
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		if expectedToken == "" || token != expectedToken {
			log.Warn("invalid gateway token", zap.String("path", c.Path()))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"code":  "unauthorized",
				"error": "invalid gateway authentication token",
			})
		}

		return c.Next()
	}
}
