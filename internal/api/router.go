package api

import (
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/datallboy/presetdl/internal/api/controllers"
	"github.com/datallboy/presetdl/internal/app"
)

func RegisterRoutes(e *echo.Echo, app *app.Context, engine controllers.Engine) {

	// Middleware: Request Logger
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c *echo.Context, v middleware.RequestLoggerValues) error {
			app.Logger.Info("%s %s | %d | %s", v.Method, v.URI, v.Status, v.Latency)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	presetCtrl := &controllers.PresetController{App: app, Engine: engine}

	api := e.Group("/api")
	api.GET("/catalog", presetCtrl.HandleCatalog)
	api.GET("/presets", presetCtrl.HandleList)
	api.POST("/presets/:id/download", presetCtrl.HandleDownload)
	api.GET("/presets/:id/status", presetCtrl.HandleStatus)
	api.POST("/presets/:id/pause", presetCtrl.HandlePause)
	api.POST("/presets/:id/resume", presetCtrl.HandleResume)
	api.POST("/presets/:id/cancel", presetCtrl.HandleCancel)
	api.GET("/queue", presetCtrl.HandleQueue)

	// Server-Sent Events feed of every engine event
	api.GET("/events", presetCtrl.HandleEvents)
}
