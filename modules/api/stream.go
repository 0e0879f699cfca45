package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"

	"github.com/Deepreo/swapcron/core"
	"github.com/Deepreo/swapcron/errors"
	"github.com/Deepreo/swapcron/modules/servers"
)

type StreamConfig struct {
	// Timeout bounds how long one subscription may stay open.
	Timeout   time.Duration `mapstructure:"timeout"`
	KeepAlive time.Duration `mapstructure:"keep_alive"`
}

func (c StreamConfig) withDefaults() StreamConfig {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Minute
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 15 * time.Second
	}
	return c
}

// streamHandler relays bus notifications for one swap as server-sent
// events. The stream ends after the final notification.
type streamHandler struct {
	bus    core.NotificationBus
	cfg    StreamConfig
	logger *slog.Logger
}

func newStreamHandler(bus core.NotificationBus, cfg StreamConfig, logger *slog.Logger) *streamHandler {
	return &streamHandler{bus: bus, cfg: cfg.withDefaults(), logger: logger}
}

func (h *streamHandler) handle(c *fiber.Ctx) error {
	swapID := strings.TrimSpace(c.Params("swap_id"))
	if swapID == "" {
		return servers.WriteError(c, errors.ValidationError(fmt.Errorf("swap_id is required")))
	}

	// The body is written after this handler returns, so the subscription
	// cannot hang off the request context.
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.Timeout)
	topic := core.SwapTopic(swapID)
	ch, err := h.bus.Subscribe(ctx, topic)
	if err != nil {
		cancel()
		return servers.WriteError(c, err)
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer cancel()
		fmt.Fprintf(w, ": subscribed %s\n\n", topic)
		if err := w.Flush(); err != nil {
			return
		}

		ping := time.NewTicker(h.cfg.KeepAlive)
		defer ping.Stop()
		for {
			select {
			case n, ok := <-ch:
				if !ok {
					return
				}
				data, err := json.Marshal(n)
				if err != nil {
					h.logger.Warn("failed to encode notification", "topic", topic, "error", err)
					continue
				}
				fmt.Fprintf(w, "event: status\ndata: %s\n\n", data)
				if err := w.Flush(); err != nil {
					return
				}
				if n.Final {
					return
				}
			case <-ping.C:
				if _, err := w.WriteString(": ping\n\n"); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			}
		}
	}))
	return nil
}
