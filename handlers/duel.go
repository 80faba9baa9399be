// handlers/duel.go
package handlers

import (
	"github.com/gofiber/fiber/v2"

	"skate-duel-system/middleware"
	"skate-duel-system/services"
)

type duelHandler struct {
	Deps
}

func SetupDuelRoutes(app *fiber.App, d Deps) {
	h := duelHandler{Deps: d.withDefaults()}

	contests := app.Group("/contests", middleware.UserContextMiddleware(h.Logger))
	contests.Post("/", h.create)
	contests.Get("/:id", h.get)
	contests.Post("/:id/accept", h.accept)
	contests.Post("/:id/moves", h.submitMove)
	contests.Post("/:id/turns/:turn_id/judge", h.judge)
	contests.Post("/:id/bail", h.bail)
	contests.Post("/:id/presence", presenceHandler(h.Deps, services.PresenceContest))
}

func (h duelHandler) create(c *fiber.Ctx) error {
	var in services.CreateContestInput
	if err := parseBody(c, &in); err != nil {
		return writeError(c, h.Logger, err)
	}
	in.ChallengerID = middleware.UserID(c)
	contest, err := h.Duels.CreateContest(c.UserContext(), in)
	if err != nil {
		return writeError(c, h.Logger, err)
	}
	return c.Status(fiber.StatusCreated).JSON(contest)
}

func (h duelHandler) get(c *fiber.Ctx) error {
	contest, err := h.Duels.GetContest(c.UserContext(), c.Params("id"))
	if err != nil {
		return writeError(c, h.Logger, err)
	}
	return c.JSON(contest)
}

func (h duelHandler) accept(c *fiber.Ctx) error {
	res, err := h.Duels.AcceptContest(c.UserContext(), c.Params("id"), middleware.UserID(c), actionID(c))
	return h.respond(c, res, err)
}

func (h duelHandler) submitMove(c *fiber.Ctx) error {
	var in services.SubmitMoveInput
	if err := parseBody(c, &in); err != nil {
		return writeError(c, h.Logger, err)
	}
	in.ContestID = c.Params("id")
	in.PlayerID = middleware.UserID(c)
	in.ActionID = actionID(c)
	res, err := h.Duels.SubmitMove(c.UserContext(), in)
	return h.respond(c, res, err)
}

func (h duelHandler) judge(c *fiber.Ctx) error {
	var in services.JudgeInput
	if err := parseBody(c, &in); err != nil {
		return writeError(c, h.Logger, err)
	}
	in.ContestID = c.Params("id")
	in.TurnID = c.Params("turn_id")
	in.PlayerID = middleware.UserID(c)
	in.ActionID = actionID(c)
	res, err := h.Duels.Judge(c.UserContext(), in)
	return h.respond(c, res, err)
}

func (h duelHandler) bail(c *fiber.Ctx) error {
	res, err := h.Duels.SetterBail(c.UserContext(), c.Params("id"), middleware.UserID(c), actionID(c))
	return h.respond(c, res, err)
}

// respond dispatches the action's notifications and renders the result.
func (h duelHandler) respond(c *fiber.Ctx, res *services.DuelResult, err error) error {
	if err != nil {
		return writeError(c, h.Logger, err)
	}
	if len(res.Notifications) > 0 {
		h.Dispatcher.Dispatch(c.UserContext(), res.Notifications)
	}
	return c.JSON(res)
}
