package handlers

import (
	"github.com/gofiber/fiber/v2"

	"skate-duel-system/apperr"
	"skate-duel-system/middleware"
	"skate-duel-system/services"
)

type presenceBody struct {
	Connected *bool `json:"connected"`
}

func presenceHandler(d Deps, kind services.PresenceKind) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body presenceBody
		if err := parseBody(c, &body); err != nil {
			return writeError(c, d.Logger, err)
		}
		if body.Connected == nil {
			return writeError(c, d.Logger, apperr.InvalidArgument("connected is required"))
		}
		err := d.Presence.SetPresence(c.UserContext(), services.PresenceInput{
			Kind:      kind,
			ID:        c.Params("id"),
			PlayerID:  middleware.UserID(c),
			Connected: *body.Connected,
		})
		if err != nil {
			return writeError(c, d.Logger, err)
		}
		return c.JSON(fiber.Map{"success": true, "connected": *body.Connected})
	}
}
