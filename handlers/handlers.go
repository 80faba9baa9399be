// Package handlers maps the HTTP surface onto the game services.
package handlers

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"skate-duel-system/apperr"
	"skate-duel-system/middleware"
	"skate-duel-system/notify"
	"skate-duel-system/services"
)

// IdempotencyHeader carries the client's action id for a mutating request.
const IdempotencyHeader = "Idempotency-Key"

// Deps bundles what the route groups need.
type Deps struct {
	Duels      *services.DuelService
	Battles    *services.BattleService
	Presence   *services.PresenceService
	Dispatcher notify.Dispatcher

	// Feed backs the notification stream; the stream route is skipped when nil.
	Feed   *notify.Feed
	Logger *zap.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Dispatcher == nil {
		d.Dispatcher = notify.LogDispatcher{Log: d.Logger}
	}
	return d
}

// SetupRoutes registers every route group on app. The gateway check is
// expected to be installed on app already.
func SetupRoutes(app *fiber.App, d Deps) {
	d = d.withDefaults()
	SetupDuelRoutes(app, d)
	SetupBattleRoutes(app, d)
	if d.Feed != nil {
		SetupStreamRoutes(app, d.Feed, d.Logger)
	}
}

func actionID(c *fiber.Ctx) string {
	return strings.TrimSpace(c.Get(IdempotencyHeader))
}

func parseBody(c *fiber.Ctx, dest any) error {
	if len(c.Body()) == 0 {
		return nil
	}
	if err := c.BodyParser(dest); err != nil {
		return apperr.InvalidArgument("invalid request body")
	}
	return nil
}

// writeError renders err as {"code","error"} with the matching status. A
// replayed or raced action is a no-op success, not a failure.
func writeError(c *fiber.Ctx, log *zap.Logger, err error) error {
	e := apperr.As(err)
	if e.Code == apperr.CodeAlreadyProcessed {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"already_processed": true,
			"code":              e.Code,
			"error":             e.Message,
		})
	}
	if e.Code == apperr.CodeInternal {
		log.Error("request failed",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.String("user_id", middleware.UserID(c)),
			zap.Error(err),
		)
	}
	return c.Status(e.Status()).JSON(fiber.Map{
		"code":      e.Code,
		"error":     e.Message,
		"retryable": e.Code.Retryable(),
	})
}
