package control

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zsiec/dvswitch/internal/ingest"
	"github.com/zsiec/dvswitch/internal/ingest/srt"
	"github.com/zsiec/dvswitch/internal/mixer"
)

func writeError(c *gin.Context, code int, err error) {
	c.JSON(code, gin.H{"error": err.Error()})
}

// mixErrorStatus maps mixer errors to HTTP status codes.
func mixErrorStatus(err error) int {
	switch {
	case errors.Is(err, mixer.ErrNoSuchSource):
		return http.StatusNotFound
	case errors.Is(err, mixer.ErrSourceDisabled):
		return http.StatusConflict
	}
	return http.StatusBadRequest
}

func (s *Server) listSources(c *gin.Context) {
	c.JSON(http.StatusOK, s.cfg.Mixer.Sources())
}

func (s *Server) updateSource(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, errors.New("invalid source id"))
		return
	}
	var settings mixer.SourceSettings
	if err := c.ShouldBindJSON(&settings); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	if err := s.cfg.Mixer.SetSourceSettings(mixer.SourceID(id), settings); err != nil {
		writeError(c, mixErrorStatus(err), err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

func (s *Server) mixState() MixJSON {
	ms := s.cfg.Mixer.MixSettings()
	return MixJSON{
		VideoMix:    videoMixJSON(ms.VideoMix),
		AudioSource: ms.AudioSource,
		Record:      ms.Record,
		CanRecord:   s.cfg.Mixer.CanRecord(),
	}
}

func (s *Server) getMix(c *gin.Context) {
	c.JSON(http.StatusOK, s.mixState())
}

func (s *Server) setVideoMix(c *gin.Context) {
	var req VideoMixJSON
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	vm, err := req.toVideoMix(time.Now())
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	if err := s.cfg.Mixer.SetVideoMix(vm); err != nil {
		writeError(c, mixErrorStatus(err), err)
		return
	}
	c.JSON(http.StatusOK, s.mixState())
}

type audioRequest struct {
	Source *mixer.SourceID `json:"source" binding:"required"`
}

func (s *Server) setAudioSource(c *gin.Context) {
	var req audioRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	if err := s.cfg.Mixer.SetAudioSource(*req.Source); err != nil {
		writeError(c, mixErrorStatus(err), err)
		return
	}
	c.JSON(http.StatusOK, s.mixState())
}

func (s *Server) cut(c *gin.Context) {
	s.cfg.Mixer.Cut()
	c.JSON(http.StatusOK, gin.H{"status": "cut"})
}

type recordRequest struct {
	Enabled bool `json:"enabled"`
}

var errNoRecorder = errors.New("no recording sink connected")

func (s *Server) setRecord(c *gin.Context) {
	var req recordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	if req.Enabled && !s.cfg.Mixer.CanRecord() {
		writeError(c, http.StatusConflict, errNoRecorder)
		return
	}
	s.cfg.Mixer.EnableRecord(req.Enabled)
	c.JSON(http.StatusOK, s.mixState())
}

func (s *Server) getFormat(c *gin.Context) {
	c.JSON(http.StatusOK, formatJSON(s.cfg.Mixer.Format()))
}

func (s *Server) setFormat(c *gin.Context) {
	var req FormatJSON
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	f, err := req.toFormat()
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	s.cfg.Mixer.SetFormat(f)
	c.JSON(http.StatusOK, formatJSON(f))
}

// StatusJSON is the response of GET /api/status.
type StatusJSON struct {
	Version  string       `json:"version"`
	UptimeMs int64        `json:"uptimeMs"`
	System   SystemStatus `json:"system"`
	Mixer    mixer.Stats  `json:"mixer"`
	Format   FormatJSON   `json:"format"`
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, StatusJSON{
		Version:  s.cfg.Version,
		UptimeMs: time.Since(s.started).Milliseconds(),
		System:   s.system.get(),
		Mixer:    s.cfg.Mixer.Stats(),
		Format:   formatJSON(s.cfg.Mixer.Format()),
	})
}

func (s *Server) listIngest(c *gin.Context) {
	if s.cfg.Registry == nil {
		c.JSON(http.StatusOK, []ingest.Stats{})
		return
	}
	c.JSON(http.StatusOK, s.cfg.Registry.List())
}

func (s *Server) certHash(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"hash":     s.cfg.Cert.FingerprintBase64(),
		"hex":      s.cfg.Cert.FingerprintHex(),
		"addr":     s.cfg.H3Addr,
		"notAfter": s.cfg.Cert.NotAfter,
	})
}

// The SRT pull endpoints dial arbitrary addresses; enable basic auth when
// the API is reachable from untrusted networks.
func (s *Server) listPulls(c *gin.Context) {
	if s.cfg.Puller == nil {
		c.JSON(http.StatusOK, []srt.PullRequest{})
		return
	}
	c.JSON(http.StatusOK, s.cfg.Puller.ActivePulls())
}

var errPullDisabled = errors.New("SRT pull not configured")

func (s *Server) createPull(c *gin.Context) {
	if s.cfg.Puller == nil {
		writeError(c, http.StatusNotImplemented, errPullDisabled)
		return
	}
	var req srt.PullRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	if err := s.cfg.Puller.Pull(s.pullCtx, req); err != nil {
		code := http.StatusBadGateway
		if errors.Is(err, srt.ErrPullActive) {
			code = http.StatusConflict
		}
		writeError(c, code, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "pulling", "streamKey": req.StreamKey})
}

func (s *Server) stopPull(c *gin.Context) {
	if s.cfg.Puller == nil {
		writeError(c, http.StatusNotImplemented, errPullDisabled)
		return
	}
	streamKey := c.Query("streamKey")
	if streamKey == "" {
		writeError(c, http.StatusBadRequest, errors.New("streamKey query parameter required"))
		return
	}
	if err := s.cfg.Puller.Stop(streamKey); err != nil {
		writeError(c, http.StatusNotFound, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped", "streamKey": streamKey})
}
