package middleware

import (
	"context"
	"log/slog"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

// NewStructuredLogger logs one line per request through slog.  5xx
// responses are logged at error level.
func NewStructuredLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			requestAttrs := slog.Group("request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.String("remote_ip", v.RemoteIP),
			)
			responseAttrs := slog.Group("response",
				slog.Int("status", v.Status),
				slog.String("latency", v.Latency.String()),
			)
			attrs := []any{requestAttrs, responseAttrs}
			if buyer := BuyerID(c); buyer != "" {
				attrs = append(attrs, slog.String("buyer_id", buyer))
			}
			if v.Error != nil {
				attrs = append(attrs, slog.String("err", v.Error.Error()))
			}
			level := slog.LevelInfo
			msg := "request completed"
			if v.Status >= 500 {
				level = slog.LevelError
				msg = "server error"
			}
			logger.Log(context.Background(), level, msg, attrs...)
			return nil
		},
	})
}
