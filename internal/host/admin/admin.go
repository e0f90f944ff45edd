package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/danmuck/addonlink/internal/auth"
	"github.com/danmuck/addonlink/internal/host"
	"github.com/danmuck/addonlink/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

type Config struct {
	ListenAddr  string
	CorsOrigins []string
	PingTimeout time.Duration
	// Token, when set, is required as a bearer token on routes that act on
	// sessions.
	Token string
}

// Admin is the HTTP surface of a reference host.
type Admin struct {
	cfg     Config
	host    *host.Server
	router  *gin.Engine
	started time.Time
}

func New(h *host.Server, cfg Config) *Admin {
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 2 * time.Second
	}
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware("host"))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CorsOrigins),
		AllowMethods: []string{"GET", "POST", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	a := &Admin{cfg: cfg, host: h, router: r, started: time.Now()}
	a.RegisterRoutes()
	return a
}

func (a *Admin) Router() *gin.Engine {
	return a.router
}

func (a *Admin) RegisterRoutes() {
	a.router.GET("/health", func(c *gin.Context) {
		hc := a.host.Config()
		c.JSON(http.StatusOK, gin.H{
			"status":        "ok",
			"uptime":        time.Since(a.started).String(),
			"host":          hc.Name,
			"version":       hc.Version,
			"api_level":     hc.APILevel,
			"shared_memory": hc.SharedMemory,
			"sessions":      len(a.host.Sessions()),
		})
	})

	a.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	a.router.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sessions": a.host.Sessions()})
	})

	a.router.GET("/sessions/:conn", func(c *gin.Context) {
		conn, ok := connParam(c)
		if !ok {
			return
		}
		info, found := a.host.Session(conn)
		if !found {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown connection"})
			return
		}
		c.JSON(http.StatusOK, info)
	})

	control := a.router.Group("/sessions")
	if a.cfg.Token != "" {
		control.Use(auth.Require(auth.StaticToken(a.cfg.Token)))
	}

	control.POST("/:conn/ping", func(c *gin.Context) {
		conn, ok := connParam(c)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), a.cfg.PingTimeout)
		defer cancel()
		start := time.Now()
		if err := a.host.PingAddon(ctx, conn); err != nil {
			status := http.StatusBadGateway
			if errors.Is(err, host.ErrUnknownAddon) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "rtt": time.Since(start).String()})
	})

	control.DELETE("/:conn", func(c *gin.Context) {
		conn, ok := connParam(c)
		if !ok {
			return
		}
		if err := a.host.Drop(conn); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "dropped"})
	})

	a.router.GET("/logs", func(c *gin.Context) {
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"logs": a.host.RecentLogs(limit)})
	})
}

// Serve runs the HTTP server until ctx is done.
func (a *Admin) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           a.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Msgf("admin.Serve listening addr=%q", a.cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdown)
	}
}

func connParam(c *gin.Context) (uint32, bool) {
	n, err := strconv.ParseUint(c.Param("conn"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid connection number"})
		return 0, false
	}
	return uint32(n), true
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
