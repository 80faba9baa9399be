// handlers/battle.go
package handlers

import (
	"github.com/gofiber/fiber/v2"

	"skate-duel-system/middleware"
	"skate-duel-system/services"
)

type battleHandler struct {
	Deps
}

func SetupBattleRoutes(app *fiber.App, d Deps) {
	h := battleHandler{Deps: d.withDefaults()}

	battles := app.Group("/battles", middleware.UserContextMiddleware(h.Logger))
	battles.Post("/", h.create)
	battles.Get("/:id", h.get)
	battles.Post("/:id/join", h.join)
	battles.Post("/:id/votes", h.vote)
	battles.Post("/:id/presence", presenceHandler(h.Deps, services.PresenceBattle))
}

func (h battleHandler) create(c *fiber.Ctx) error {
	var in services.CreateBattleInput
	if err := parseBody(c, &in); err != nil {
		return writeError(c, h.Logger, err)
	}
	in.CreatorID = middleware.UserID(c)
	b, err := h.Battles.CreateBattle(c.UserContext(), in)
	if err != nil {
		return writeError(c, h.Logger, err)
	}
	return c.Status(fiber.StatusCreated).JSON(b)
}

func (h battleHandler) get(c *fiber.Ctx) error {
	view, err := h.Battles.GetBattle(c.UserContext(), c.Params("id"))
	if err != nil {
		return writeError(c, h.Logger, err)
	}
	return c.JSON(view)
}

func (h battleHandler) join(c *fiber.Ctx) error {
	var in services.JoinBattleInput
	if err := parseBody(c, &in); err != nil {
		return writeError(c, h.Logger, err)
	}
	in.BattleID = c.Params("id")
	in.OpponentID = middleware.UserID(c)
	b, err := h.Battles.JoinBattle(c.UserContext(), in)
	if err != nil {
		return writeError(c, h.Logger, err)
	}
	return c.JSON(b)
}

func (h battleHandler) vote(c *fiber.Ctx) error {
	var in services.CastVoteInput
	if err := parseBody(c, &in); err != nil {
		return writeError(c, h.Logger, err)
	}
	in.BattleID = c.Params("id")
	in.VoterID = middleware.UserID(c)
	in.EventID = actionID(c)
	res, err := h.Battles.CastVote(c.UserContext(), in)
	if err != nil {
		return writeError(c, h.Logger, err)
	}
	if len(res.Notifications) > 0 {
		h.Dispatcher.Dispatch(c.UserContext(), res.Notifications)
	}
	return c.JSON(res)
}
