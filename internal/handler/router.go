package handler

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/sumire/testgen/internal/service"
)

// RouterConfig holds what NewRouter wires into the HTTP surface.
type RouterConfig struct {
	Auth        *service.AuthService
	Generations *service.GenerationService

	// Ping reports datastore health for /health. Optional.
	Ping func(ctx context.Context) error

	FrontendURL string
	// GenerationRateLimit is the sustained requests per second each user may
	// send to the generate route. Zero disables the limit.
	GenerationRateLimit float64
}

// NewRouter builds the echo instance with middleware and all routes.
func NewRouter(cfg RouterConfig) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = NewAppValidator()
	e.HTTPErrorHandler = HTTPErrorHandler

	e.Use(middleware.RequestID())
	e.Use(RequestLogger())
	e.Use(middleware.Recover())
	if cfg.FrontendURL != "" {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins:     []string{cfg.FrontendURL},
			AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
			AllowHeaders:     []string{echo.HeaderAccept, echo.HeaderAuthorization, echo.HeaderContentType},
			ExposeHeaders:    []string{echo.HeaderXRequestID, echo.HeaderContentDisposition},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	e.GET("/health", health(cfg.Ping))

	authHandler := NewAuthHandler(cfg.Auth)
	genHandler := NewGenerationHandler(cfg.Generations)
	requireAuth := JWTAuth(cfg.Auth)

	auth := e.Group("/auth")
	auth.POST("/register", authHandler.Register)
	auth.POST("/login", authHandler.Login)
	auth.POST("/refresh", authHandler.Refresh)
	auth.GET("/me", authHandler.Me, requireAuth)

	gens := e.Group("/generations", requireAuth)
	gens.GET("", genHandler.List)
	gens.POST("/preflight", genHandler.Preflight)
	gens.POST("/testcases", genHandler.Generate, generationLimiter(cfg.GenerationRateLimit)...)
	gens.GET("/:id/view", genHandler.View)
	gens.PUT("/:id/content", genHandler.UpdateContent)
	gens.PUT("/:id/publish", genHandler.Publish)
	gens.GET("/:id/download", genHandler.Download)
	gens.DELETE("/:id", genHandler.Delete)

	e.GET("/projects", genHandler.ListProjects, requireAuth)

	return e
}

func health(ping func(ctx context.Context) error) echo.HandlerFunc {
	return func(c echo.Context) error {
		if ping != nil {
			if err := ping(c.Request().Context()); err != nil {
				return c.JSON(http.StatusServiceUnavailable, Envelope{
					Error: "database unavailable",
					Code:  "unavailable",
				})
			}
		}
		return JSON(c, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// generationLimiter throttles generate calls per authenticated user.
func generationLimiter(perSecond float64) []echo.MiddlewareFunc {
	if perSecond <= 0 {
		return nil
	}
	burst := max(int(perSecond), 1)
	store := middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:  rate.Limit(perSecond),
		Burst: burst,
	})
	return []echo.MiddlewareFunc{middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			if email := GetUserEmail(c); email != "" {
				return email, nil
			}
			return c.RealIP(), nil
		},
	})}
}
