package loramint

import (
	"bufio"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"

	"github.com/loramint/loramint/core/schema"
	"github.com/loramint/loramint/core/services"
)

// streamIdleTimeout bounds how long a stream waits between events. A
// producer that dies without a terminal event must not pin the
// connection forever.
const streamIdleTimeout = 5 * time.Minute

func sseHeaders(c *fiber.Ctx) {
	c.Context().SetContentType("text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("Transfer-Encoding", "chunked")
}

func writeEvent(w *bufio.Writer, ev schema.ProgressEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	return w.Flush()
}

// streamRelay writes relay events as server-sent events until the
// terminal event, relay closure, or the idle timeout.
func streamRelay(c *fiber.Ctx, relay *services.ProgressRelay) error {
	sseHeaders(c)
	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer relay.Close()
		for {
			ev, ok := relay.Next(streamIdleTimeout)
			if !ok {
				if !relay.Closed() {
					log.Warn().Msg("event stream idle timeout, closing")
				}
				return
			}
			if err := writeEvent(w, ev); err != nil {
				log.Debug().Err(err).Msg("event stream client went away")
				return
			}
			if ev.Terminal() {
				return
			}
		}
	}))
	return nil
}
