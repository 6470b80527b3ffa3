package middleware

import (
	"time"

	"github.com/labstack/echo/v4"

	"ChartSync/pkg/logger"
)

// RequestLogging logs HTTP requests at debug level, 5xx as errors and
// requests slower than slowThreshold as warnings.
func RequestLogging(l *logger.Logger, slowThreshold time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			latency := time.Since(start)
			status := c.Response().Status
			fields := []logger.Field{
				logger.String("method", c.Request().Method),
				logger.String("route", routeLabel(c)),
				logger.Int("status", status),
				logger.Duration("duration_ms", latency),
				logger.String("remote", c.RealIP()),
			}

			switch {
			case status >= 500:
				if err != nil {
					fields = append(fields, logger.Error(err))
				}
				l.Error("http request failed", fields...)
			case slowThreshold > 0 && latency >= slowThreshold:
				l.Warn("http request slow", fields...)
			default:
				l.Debug("http request", fields...)
			}

			return nil
		}
	}
}
