// Package api serves the control surface used by the presentation layer: the
// published gesture and sensor values, device and recording commands, and
// sample maintenance.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Fohen-Wade/ls2k0300-myo/internal/auth"
	logs "github.com/Fohen-Wade/ls2k0300-myo/internal/logging"
	"github.com/Fohen-Wade/ls2k0300-myo/internal/myo"
	"github.com/Fohen-Wade/ls2k0300-myo/internal/observability"
	"github.com/Fohen-Wade/ls2k0300-myo/internal/pipeline"
	"github.com/Fohen-Wade/ls2k0300-myo/internal/service"
	"github.com/Fohen-Wade/ls2k0300-myo/internal/store"
)

const version = "0.1.0"

var ErrInvalidParam = errors.New("api: invalid parameter")

// Backend is the runtime the API drives.
type Backend interface {
	Status() service.Status
	RequestConnect() error
	Disconnect() error
	Vibrate(ctx context.Context, length int) error
	SetLEDs(ctx context.Context, logo, line [3]byte) error
	SetSleepMode(ctx context.Context, mode myo.SleepMode) error
	PowerOff(ctx context.Context) error
	Retrain() (int, error)
	Wipe() error
	Pipeline() *pipeline.Pipeline
	Store() *store.Store
}

// ledRequest carries RGB triples for the logo and bar LEDs.
type ledRequest struct {
	Logo [3]uint8 `json:"logo"`
	Line [3]uint8 `json:"line"`
}

type Config struct {
	Addr        string
	CORSOrigins []string
	// Token, when set, is required as a bearer token on every POST and
	// DELETE route.
	Token string
}

type Server struct {
	Addr    string
	backend Backend
	router  *gin.Engine
	guard   gin.HandlerFunc
	started time.Time
}

func New(cfg Config, b Backend, logger zerolog.Logger) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(logger))
	r.Use(observability.RequestMetricsMiddleware())
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CORSOrigins),
		AllowMethods: []string{"GET", "POST", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{Addr: cfg.Addr, backend: b, router: r, started: time.Now()}
	if cfg.Token != "" {
		s.guard = requireToken(auth.StaticToken(cfg.Token))
	}
	s.RegisterRoutes()
	return s
}

func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) RegisterRoutes() {
	r := s.router
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"service": "myolink",
			"version": version,
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/gesture", s.gesture)
	r.GET("/sensor", s.sensor)
	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.backend.Status())
	})
	r.GET("/samples/counts", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"counts": s.backend.Store().Counts()})
	})

	ctl := s.control()

	ctl.POST("/device/connect", func(c *gin.Context) {
		if err := s.backend.RequestConnect(); err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "connecting"})
	})
	ctl.POST("/device/disconnect", func(c *gin.Context) {
		if err := s.backend.Disconnect(); err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "disconnecting"})
	})
	ctl.POST("/device/vibrate/:length", func(c *gin.Context) {
		n, err := intParam(c, "length")
		if err != nil {
			s.fail(c, err)
			return
		}
		if err := s.backend.Vibrate(c.Request.Context(), n); err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "length": n})
	})
	ctl.POST("/device/leds", func(c *gin.Context) {
		var req ledRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			s.fail(c, errors.Join(ErrInvalidParam, err))
			return
		}
		if err := s.backend.SetLEDs(c.Request.Context(), req.Logo, req.Line); err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "logo": req.Logo, "line": req.Line})
	})
	ctl.POST("/device/sleep/:mode", func(c *gin.Context) {
		mode, err := myo.ParseSleepMode(c.Param("mode"))
		if err != nil {
			s.fail(c, err)
			return
		}
		if err := s.backend.SetSleepMode(c.Request.Context(), mode); err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "sleep": mode.String()})
	})
	ctl.POST("/device/poweroff", func(c *gin.Context) {
		if err := s.backend.PowerOff(c.Request.Context()); err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "powering_off"})
	})

	ctl.POST("/record/pause", func(c *gin.Context) {
		paused := s.backend.Pipeline().TogglePause()
		class, _ := s.backend.Pipeline().Recording()
		c.JSON(http.StatusOK, gin.H{"recording": class, "paused": paused})
	})
	ctl.POST("/record/stop", func(c *gin.Context) {
		s.backend.Pipeline().StopRecording()
		c.JSON(http.StatusOK, gin.H{"recording": -1, "paused": false})
	})
	ctl.POST("/record/:class", func(c *gin.Context) {
		k, err := intParam(c, "class")
		if err != nil {
			s.fail(c, err)
			return
		}
		if err := s.backend.Pipeline().Record(k); err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"recording": k, "paused": false})
	})

	ctl.POST("/samples/flush", func(c *gin.Context) {
		if err := s.backend.Store().FlushAll(); err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "counts": s.backend.Store().Counts()})
	})
	ctl.DELETE("/samples", func(c *gin.Context) {
		if err := s.backend.Wipe(); err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "counts": s.backend.Store().Counts()})
	})
	ctl.POST("/classifier/retrain", func(c *gin.Context) {
		n, err := s.backend.Retrain()
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "trained": n})
	})
}

// control returns the route group for mutating commands.
func (s *Server) control() gin.IRoutes {
	if s.guard == nil {
		return s.router
	}
	return s.router.Group("/", s.guard)
}

func requireToken(v auth.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := auth.BearerToken(c.GetHeader("Authorization"))
		if err := v.Validate(token); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}

// gesture serves the current decision. format=text returns the
// "<label>,<confidence>" line legacy readers expect.
func (s *Server) gesture(c *gin.Context) {
	d := s.backend.Pipeline().Decision()
	if c.Query("format") == "text" {
		c.String(http.StatusOK, d.Text())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"label":      d.Label,
		"confidence": d.Confidence,
		"at":         d.At,
		"text":       d.Text(),
	})
}

func (s *Server) sensor(c *gin.Context) {
	snap := s.backend.Pipeline().Sensor()
	if c.Query("format") == "text" {
		c.String(http.StatusOK, snap.Text())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"channels": snap.Channels,
		"at":       snap.At,
		"text":     snap.Text(),
	})
}

func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrInvalidParam), errors.Is(err, pipeline.ErrInvalidClass), errors.Is(err, myo.ErrInvalidSleep):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrBusy), errors.Is(err, service.ErrNotConnected):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		logs.Errf("api.Server %s %s err=%v", c.Request.Method, c.FullPath(), err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// Serve runs the HTTP server until ctx is done, then shuts it down.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{Addr: s.Addr, Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logs.Infof("api.Server.Serve listening addr=%s", s.Addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		logs.Infof("api.Server.Serve stopped addr=%s", s.Addr)
		return nil
	}
}

func intParam(c *gin.Context, name string) (int, error) {
	n, err := strconv.Atoi(c.Param(name))
	if err != nil {
		return 0, errors.Join(ErrInvalidParam, err)
	}
	return n, nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
