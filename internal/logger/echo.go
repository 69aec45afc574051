package logger

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

// NewEchoRequestLogger logs one line per request. 4xx responses are logged
// at warn, 5xx and handler errors at error.
func NewEchoRequestLogger(log *zap.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		Skipper: func(c echo.Context) bool {
			p := c.Request().URL.Path
			return p == "/healthz" || p == "/readyz" || p == "/metrics"
		},
		HandleError:      true,
		LogLatency:       true,
		LogRemoteIP:      true,
		LogMethod:        true,
		LogURI:           true,
		LogRoutePath:     true,
		LogRequestID:     true,
		LogUserAgent:     true,
		LogStatus:        true,
		LogError:         true,
		LogResponseSize:  true,
		LogContentLength: true,
		LogHeaders:       []string{"Authorization", "Content-Type"},
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("request.remote_ip", v.RemoteIP),
				zap.String("request.method", v.Method),
				zap.String("request.uri", v.URI),
				zap.String("request.route", v.RoutePath),
				zap.String("request.user_agent", v.UserAgent),
				zap.String("request.request_id", v.RequestID),
				zap.String("request.content_length", v.ContentLength),
				zap.Int("response.status", v.Status),
				zap.Duration("response.latency", v.Latency),
				zap.Int64("response.size", v.ResponseSize),
			}
			if len(v.Headers) > 0 {
				headers := make(map[string]string, len(v.Headers))
				for k, vals := range v.Headers {
					if len(vals) == 0 {
						continue
					}
					if k == "Authorization" {
						headers[k] = MaskAuthorization(vals[0])
						continue
					}
					headers[k] = vals[0]
				}
				fields = append(fields, zap.Any("request.headers", headers))
			}

			switch {
			case v.Error != nil:
				log.Error("request failed", append(fields, zap.Error(v.Error))...)
			case v.Status >= 500:
				log.Error("server error", fields...)
			case v.Status >= 400:
				log.Warn("client error", fields...)
			default:
				log.Info("request completed", fields...)
			}
			return nil
		},
	})
}

// MaskAuthorization keeps only the head and tail of a credential.
func MaskAuthorization(val string) string {
	if len(val) > 15 {
		return val[:10] + "..." + val[len(val)-5:]
	}
	return "[MASKED]"
}
