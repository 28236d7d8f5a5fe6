package broadcast

import (
	"time"

	"arucam/pkg/log"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

const RequestIDKey = "X-Request-ID"

func requestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Get(RequestIDKey)
		if id == "" {
			id = uuid.NewString()
		}
		c.Locals(RequestIDKey, id)
		c.Set(RequestIDKey, id)
		return c.Next()
	}
}

// requestLogger logs one line per request. Streams are logged when the
// handler returns, before the first frame is written.
func requestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		id, _ := c.Locals(RequestIDKey).(string)
		status := c.Response().StatusCode()
		fields := log.Fields{
			"request_id": id,
			"method":     c.Method(),
			"path":       c.Path(),
			"status":     status,
			"latency_ms": time.Since(start).Milliseconds(),
			"ip":         c.IP(),
		}
		switch {
		case status >= 500:
			log.Error(fields, "[broadcast.request] server error")
		case status >= 400:
			log.Warn(fields, "[broadcast.request] client error")
		default:
			log.Debug(fields, "[broadcast.request] ok")
		}
		return err
	}
}
