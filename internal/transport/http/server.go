package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/resultrelay/internal/config"
	"github.com/vovakirdan/resultrelay/internal/metrics"
	"github.com/vovakirdan/resultrelay/internal/service/relay"
)

const wsPath = "/ws"

// NewServer builds the HTTP server: health, metrics and the websocket endpoint.
func NewServer(svc *relay.Service, gateway *Gateway, gatherer prometheus.Gatherer, cfg *config.Config, logger *zerolog.Logger) *http.Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(logger))

	router.GET("/health", healthHandler)
	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(metrics.Handler(gatherer)))
	}
	router.GET(wsPath, gin.WrapH(NewWSHandler(svc, gateway, cfg, logger)))

	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func healthHandler(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}
