// Package control serves the operator API: mix control, source settings,
// output format, status, ingest statistics, SRT pulls and the monitor
// feed. The same gin router is served over HTTPS and HTTP/3.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/dvswitch/internal/certs"
	"github.com/zsiec/dvswitch/internal/config"
	"github.com/zsiec/dvswitch/internal/ingest"
	"github.com/zsiec/dvswitch/internal/ingest/srt"
	"github.com/zsiec/dvswitch/internal/mixer"
)

// Mixer is the part of mixer.Mixer the API drives.
type Mixer interface {
	Sources() []mixer.SourceInfo
	SetSourceSettings(id mixer.SourceID, settings mixer.SourceSettings) error
	MixSettings() mixer.MixSettings
	SetVideoMix(vm mixer.VideoMix) error
	SetAudioSource(id mixer.SourceID) error
	Cut()
	EnableRecord(on bool)
	CanRecord() bool
	Format() mixer.FormatSettings
	SetFormat(f mixer.FormatSettings)
	Stats() mixer.Stats
}

// Puller manages SRT caller-mode sources.
type Puller interface {
	Pull(ctx context.Context, req srt.PullRequest) error
	Stop(streamKey string) error
	ActivePulls() []srt.PullRequest
}

// Config holds the Server's collaborators. Registry, Puller and Monitor
// are optional.
type Config struct {
	Addr     string
	H3Addr   string
	Cert     *certs.CertInfo
	Auth     config.Auth
	Version  string
	Mixer    Mixer
	Registry *ingest.Registry
	Puller   Puller
	Monitor  http.Handler
}

// Server is the control API server.
type Server struct {
	cfg     Config
	log     *slog.Logger
	router  *gin.Engine
	system  *systemMonitor
	started time.Time

	// pullCtx outlives the request that started a pull.
	pullCtx context.Context
	h3      *http3.Server
}

// NewServer builds the router. If log is nil, slog.Default() is used.
func NewServer(cfg Config, log *slog.Logger) (*Server, error) {
	if cfg.Mixer == nil {
		return nil, errors.New("control: Mixer is required")
	}
	if cfg.Cert == nil {
		return nil, errors.New("control: Cert is required")
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		log:     log.With("component", "control"),
		started: time.Now(),
		pullCtx: context.Background(),
	}
	s.system = newSystemMonitor(s.log)
	if cfg.H3Addr != "" {
		s.h3 = &http3.Server{
			Addr:      cfg.H3Addr,
			TLSConfig: cfg.Cert.TLSConfig(),
			QUICConfig: &quic.Config{
				MaxIdleTimeout: 30 * time.Second,
			},
		}
	}
	s.router = s.routes()
	if s.h3 != nil {
		s.h3.Handler = s.router
	}
	return s, nil
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog(), s.headers())
	if s.cfg.Auth.Enabled() {
		r.Use(s.basicAuth(s.cfg.Auth.User, []byte(s.cfg.Auth.PasswordHash)))
	}

	api := r.Group("/api")
	api.GET("/sources", s.listSources)
	api.PUT("/sources/:id", s.updateSource)

	api.GET("/mix", s.getMix)
	api.PUT("/mix/video", s.setVideoMix)
	api.PUT("/mix/audio", s.setAudioSource)
	api.POST("/mix/cut", s.cut)
	api.PUT("/mix/record", s.setRecord)

	api.GET("/format", s.getFormat)
	api.PUT("/format", s.setFormat)

	api.GET("/status", s.status)
	api.GET("/ingest", s.listIngest)
	api.GET("/cert-hash", s.certHash)

	api.GET("/srt-pull", s.listPulls)
	api.POST("/srt-pull", s.createPull)
	api.DELETE("/srt-pull", s.stopPull)

	if s.cfg.Monitor != nil {
		api.GET("/monitor", gin.WrapH(s.cfg.Monitor))
	}
	return r
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// headers advertises HTTP/3 and allows cross-origin operator panels.
func (s *Server) headers() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		if s.h3 != nil && c.Request.ProtoMajor < 3 {
			if err := s.h3.SetQUICHeaders(c.Writer.Header()); err != nil {
				s.log.Debug("could not set Alt-Svc", "error", err)
			}
		}
		c.Next()
	}
}

// Run serves HTTPS on Addr and HTTP/3 on H3Addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.pullCtx = ctx

	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		TLSConfig:         s.cfg.Cert.TLSConfig(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.system.run(ctx)
		return nil
	})
	g.Go(func() error {
		s.log.Info("HTTPS API server listening", "addr", s.cfg.Addr)
		if err := srv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if s.h3 != nil {
		g.Go(func() error {
			s.log.Info("HTTP/3 API server listening", "addr", s.cfg.H3Addr)
			stop := context.AfterFunc(ctx, func() { s.h3.Close() })
			defer stop()
			err := s.h3.ListenAndServe()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("HTTP/3 API server: %w", err)
		})
	}
	return g.Wait()
}
