// handlers/battle_routes.go
package handlers

import (
	"bufio"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"battle-system/events"
	"battle-system/middleware"
	"battle-system/services"
)

const streamKeepAlive = 15 * time.Second

// BattleServices groups what the battle routes call into.
type BattleServices struct {
	Battles     *services.BattleService
	Invitations *services.InvitationService
	Matchmaking *services.MatchmakingService
	Fighters    *services.FighterService
	Hub         *events.Hub
}

type queueRequest struct {
	CombatPower int    `json:"combat_power"`
	MatchRange  *int   `json:"match_range"`
	SessionID   string `json:"session_id"`
}

type inviteRequest struct {
	ToUserID string `json:"to_user_id"`
}

type rejectRequest struct {
	SessionID string `json:"session_id"`
}

func SetupBattleRoutes(app *fiber.App, svc BattleServices) {
	// The gateway forwards /api/v1/battle/s/battles/... as /battles/...
	secured := app.Group("/battles", middleware.UserContextMiddleware("/battles"))

	secured.Post("/queue", svc.joinQueue)
	secured.Delete("/queue", svc.leaveQueue)
	secured.Get("/queue", svc.queueStatus)

	secured.Get("/invitations", svc.pendingInvitations)
	secured.Post("/invitations", svc.sendInvitation)
	secured.Post("/invitations/:id/accept", svc.acceptInvitation)
	secured.Post("/invitations/:id/reject", svc.rejectInvitation)

	secured.Get("/stats", svc.stats)
	secured.Get("/stream", svc.stream)

	secured.Get("/:id", svc.getBattle)
	secured.Get("/:id/rounds", svc.getRounds)
	secured.Post("/:id/recharge", svc.recharge)
}

func userID(c *fiber.Ctx) string {
	id, _ := c.Locals("user_id").(string)
	return id
}

func serverError(c *fiber.Ctx, msg string, err error) error {
	log.Error().Err(err).Str("path", c.Path()).Msg(msg)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": msg,
		"cause": err.Error(),
	})
}

func badRequest(c *fiber.Ctx, msg string, err error) error {
	body := fiber.Map{"error": msg}
	if err != nil {
		body["cause"] = err.Error()
	}
	return c.Status(fiber.StatusBadRequest).JSON(body)
}

func (svc BattleServices) joinQueue(c *fiber.Ctx) error {
	var req queueRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid request body", err)
		}
	}
	matchRange := -1
	if req.MatchRange != nil {
		matchRange = *req.MatchRange
	}

	res, err := svc.Matchmaking.FindMatch(c.UserContext(), userID(c), req.CombatPower, matchRange, req.SessionID)
	if err != nil {
		return serverError(c, "failed to join matchmaking", err)
	}
	return c.JSON(res)
}

func (svc BattleServices) leaveQueue(c *fiber.Ctx) error {
	if err := svc.Matchmaking.RemoveFromQueue(c.UserContext(), userID(c)); err != nil {
		return serverError(c, "failed to leave matchmaking", err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (svc BattleServices) queueStatus(c *fiber.Ctx) error {
	status, err := svc.Matchmaking.QueueStatus(c.UserContext(), userID(c))
	if err != nil {
		return serverError(c, "failed to read queue status", err)
	}
	return c.JSON(status)
}

func (svc BattleServices) pendingInvitations(c *fiber.Ctx) error {
	pending, err := svc.Invitations.PendingInvitations(c.UserContext(), userID(c))
	if err != nil {
		return serverError(c, "failed to load invitations", err)
	}
	return c.JSON(fiber.Map{"invitations": pending})
}

func (svc BattleServices) sendInvitation(c *fiber.Ctx) error {
	var req inviteRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body", err)
	}
	if req.ToUserID == "" {
		return badRequest(c, "to_user_id is required", nil)
	}

	ctx := c.UserContext()
	from := userID(c)
	fromCP, err := svc.Fighters.CombatPower(ctx, from)
	if err != nil {
		return serverError(c, "failed to read combat power", err)
	}
	toCP, err := svc.Fighters.CombatPower(ctx, req.ToUserID)
	if err != nil {
		return serverError(c, "failed to read combat power", err)
	}

	res, err := svc.Invitations.SendInvitation(ctx, from, req.ToUserID, fromCP, toCP)
	if errors.Is(err, services.ErrSelfInvitation) || errors.Is(err, services.ErrInvalidOpponent) {
		return badRequest(c, err.Error(), nil)
	}
	if err != nil {
		return serverError(c, "failed to send invitation", err)
	}
	if res == nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "this player declined recently",
		})
	}
	return c.Status(fiber.StatusCreated).JSON(res)
}

func (svc BattleServices) acceptInvitation(c *fiber.Ctx) error {
	res, err := svc.Invitations.AcceptInvitation(c.UserContext(), c.Params("id"), userID(c))
	if err != nil {
		return serverError(c, "failed to accept invitation", err)
	}
	if res == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "invitation not found, expired or already answered",
		})
	}
	return c.JSON(res)
}

func (svc BattleServices) rejectInvitation(c *fiber.Ctx) error {
	var req rejectRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid request body", err)
		}
	}
	ok, err := svc.Invitations.RejectInvitation(c.UserContext(), c.Params("id"), userID(c), req.SessionID)
	if err != nil {
		return serverError(c, "failed to reject invitation", err)
	}
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "invitation not found or already answered",
		})
	}
	return c.JSON(fiber.Map{"rejected": true})
}

func (svc BattleServices) stats(c *fiber.Ctx) error {
	st, err := svc.Battles.Stats(c.UserContext())
	if err != nil {
		return serverError(c, "failed to load battle stats", err)
	}
	return c.JSON(st)
}

func (svc BattleServices) getBattle(c *fiber.Ctx) error {
	detail, err := svc.Battles.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return serverError(c, "failed to load battle", err)
	}
	if detail == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "battle not found"})
	}
	return c.JSON(detail)
}

func (svc BattleServices) getRounds(c *fiber.Ctx) error {
	rounds, err := svc.Battles.Rounds(c.UserContext(), c.Params("id"))
	if err != nil {
		return serverError(c, "failed to load rounds", err)
	}
	return c.JSON(fiber.Map{"rounds": rounds})
}

func (svc BattleServices) recharge(c *fiber.Ctx) error {
	ok, err := svc.Battles.RequestRecharge(c.UserContext(), c.Params("id"), userID(c))
	if err != nil {
		return serverError(c, "failed to request recharge", err)
	}
	if !ok {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "battle is not active or you are not in it",
		})
	}
	return c.JSON(fiber.Map{"recharging": true})
}

// stream pushes the caller's battle events, plus broadcasts, as server-sent
// events until the client goes away.
func (svc BattleServices) stream(c *fiber.Ctx) error {
	uid := userID(c)

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	ch, unsubscribe := svc.Hub.Subscribe(uid)
	done := c.Context().Done()

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer unsubscribe()
		log.Debug().Str("user_id", uid).Msg("battle stream opened")

		ticker := time.NewTicker(streamKeepAlive)
		defer ticker.Stop()

		w.WriteString(":\n\n")
		if err := w.Flush(); err != nil {
			return
		}

		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, ev.Data)
			case <-ticker.C:
				w.WriteString(":\n\n")
			case <-done:
				return
			}
			if err := w.Flush(); err != nil {
				log.Debug().Str("user_id", uid).Msg("battle stream closed")
				return
			}
		}
	})
	return nil
}
