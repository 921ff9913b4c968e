package metrics

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// NewServer builds a dedicated metrics listener on addr:
//
//	GET /metrics   Prometheus exposition
//	GET /snapshot  structured JSON snapshot
//
// The caller starts it with ListenAndServe and stops it with Shutdown.
func NewServer(addr string, a *Aggregator) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewEcho(a),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// NewEcho returns the echo instance behind NewServer.
func NewEcho(a *Aggregator) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.GET("/metrics", echo.WrapHandler(a.Handler()))
	e.GET("/snapshot", func(c echo.Context) error {
		s, err := a.Snapshot()
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, s)
	})
	return e
}
