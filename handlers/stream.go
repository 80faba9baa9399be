// handlers/stream.go
package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"skate-duel-system/middleware"
	"skate-duel-system/notify"
)

const streamPollInterval = 2 * time.Second

// SetupStreamRoutes exposes the caller's notification feed as server-sent
// events. A reconnecting client resumes from Last-Event-ID; a fresh client
// starts from the newest stored notification.
func SetupStreamRoutes(app *fiber.App, feed *notify.Feed, log *zap.Logger) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("sse")
	secured := app.Group("/notifications", middleware.UserContextMiddleware(log))
	secured.Get("/stream", func(c *fiber.Ctx) error {
		return streamNotifications(c, feed, log)
	})
}

func streamNotifications(c *fiber.Ctx, feed *notify.Feed, log *zap.Logger) error {
	userID := middleware.UserID(c)
	// The request context ends when the handler returns, so the stream writer
	// carries its own.
	ctx, cancel := context.WithCancel(context.Background())

	cursor, err := strconv.ParseUint(c.Get("Last-Event-ID"), 10, 64)
	if err != nil {
		cursor, err = feed.Latest(ctx, userID)
		if err != nil {
			cancel()
			return writeError(c, log, err)
		}
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()
		ticker := time.NewTicker(streamPollInterval)
		defer ticker.Stop()

		if _, err := w.WriteString(":\n\n"); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}

		for range ticker.C {
			rows, err := feed.Since(ctx, userID, cursor, notify.DefaultFeedPage)
			if err != nil {
				log.Warn("feed read failed", zap.String("user_id", userID), zap.Error(err))
				continue
			}
			if len(rows) == 0 {
				// Keepalive; a failed flush means the client went away.
				_, _ = w.WriteString(":\n\n")
			}
			for _, r := range rows {
				payload, err := json.Marshal(r)
				if err != nil {
					log.Warn("encode notification", zap.Uint64("id", r.ID), zap.Error(err))
					continue
				}
				fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", r.ID, r.Type, payload)
				cursor = r.ID
			}
			if err := w.Flush(); err != nil {
				log.Debug("stream closed", zap.String("user_id", userID))
				return
			}
		}
	})
	return nil
}
