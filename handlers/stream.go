package handlers

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"progression-engine/middleware"
	"progression-engine/services"

	"github.com/gofiber/fiber/v2"
)

// streamUserEvents relays the user's channel, and their tribe's, as server-sent events.
func streamUserEvents(hub *services.EventHub, tribes *services.TribeService, logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := middleware.UserID(c)
		channels := []string{services.UserChannel(userID)}
		if tribeID, err := tribes.TribeOf(c.UserContext(), userID); err == nil && tribeID != "" {
			channels = append(channels, services.TribeChannel(tribeID))
		}

		c.Set("Content-Type", "text/event-stream")
		c.Set("Cache-Control", "no-cache")
		c.Set("Connection", "keep-alive")
		c.Set("X-Accel-Buffering", "no") // nginx

		notes, cancel := hub.Subscribe(channels...)
		done := c.Context().Done()

		c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
			defer cancel()
			keepalive := time.NewTicker(25 * time.Second)
			defer keepalive.Stop()

			w.WriteString(":\n\n")
			if err := w.Flush(); err != nil {
				return
			}
			for {
				select {
				case note, ok := <-notes:
					if !ok {
						return
					}
					payload, err := json.Marshal(note)
					if err != nil {
						logger.Warn("[SSE] marshal failed", "user", userID, "error", err)
						continue
					}
					fmt.Fprintf(w, "event: %s\ndata: %s\n\n", note.Event, payload)
				case <-keepalive.C:
					w.WriteString(":\n\n")
				case <-done:
					return
				}
				// a failed flush means the client went away
				if err := w.Flush(); err != nil {
					return
				}
			}
		})
		return nil
	}
}
