package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tinytelemetry/labwatch/internal/lab"
	"github.com/tinytelemetry/labwatch/internal/model"
)

const (
	serviceName         = "labwatch"
	defaultAddr         = "127.0.0.1:8000"
	defaultHistoryLimit = 100
	defaultPatternLimit = 10
	defaultNoisyWindow  = 24 * time.Hour
)

// Server exposes the lab registry over HTTP.
type Server struct {
	addr      string
	version   string
	registry  *lab.Registry
	gatherer  prometheus.Gatherer
	server    *http.Server
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
	logger    zerolog.Logger
}

// NewServer creates the API server. A nil gatherer serves the default
// Prometheus registry on /metrics.
func NewServer(addr, version string, registry *lab.Registry, gatherer prometheus.Gatherer, logger zerolog.Logger) *Server {
	if addr == "" {
		addr = defaultAddr
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      addr,
		version:   version,
		registry:  registry,
		gatherer:  gatherer,
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
		logger:    logger.With().Str("component", "http").Logger(),
	}
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())

	r.GET("/", s.handleRoot)
	r.GET("/health", s.handleHealth)
	r.GET("/labs", s.handleLabs)
	r.POST("/query", s.handleQuery)
	r.POST("/analyze", s.handleAnalyze)
	r.POST("/chat", s.handleChat)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	labs := r.Group("/labs/:lab")
	labs.GET("/status", s.handleStatus)
	labs.POST("/rebuild-index", s.handleRebuildIndex)
	labs.GET("/anomalies", s.handleAnomalies)
	labs.GET("/anomalies/history", s.handleHistory)
	labs.GET("/anomalies/files", s.handleNoisyFiles)
	labs.GET("/patterns", s.handlePatterns)
	labs.GET("/hints", s.handleHints)
	labs.POST("/hints/resolve", s.handleResolveHint)
	labs.DELETE("/hints", s.handleClearHints)
	labs.POST("/commands", s.handleSendCommand)
	labs.GET("/acks", s.handleAcks)
	return r
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)

	s.server = &http.Server{
		Handler:           s.routes(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      180 * time.Second, // agent calls can run several tool rounds
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.startTime = time.Now()

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("http server stopped")
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}

// lab resolves the lab for a request, writing the error response itself.
func (s *Server) lab(c *gin.Context, id string) (*lab.Lab, bool) {
	l, err := s.registry.GetOrCreate(id)
	if err == nil {
		return l, true
	}
	if errors.Is(err, lab.ErrLabNotAllowed) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid lab_id: %s. Allowed: %v", id, s.registry.AllowedLabs()),
		})
		return nil, false
	}
	s.logger.Error().Err(err).Str("lab", id).Msg("lab start failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	return nil, false
}

func (s *Server) agentError(c *gin.Context, err error) {
	if errors.Is(err, lab.ErrNoAgent) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": serviceName,
		"version": s.version,
		"labs":    s.registry.AllowedLabs(),
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":       "healthy",
		"uptime":       time.Since(s.startTime).Round(time.Second).String(),
		"allowed_labs": s.registry.AllowedLabs(),
		"active_labs":  s.registry.ListActive(),
	})
}

func (s *Server) handleLabs(c *gin.Context) {
	c.JSON(http.StatusOK, s.registry.AllowedLabs())
}

func (s *Server) handleStatus(c *gin.Context) {
	l, ok := s.lab(c, c.Param("lab"))
	if !ok {
		return
	}
	c.JSON(http.StatusOK, l.Status(c.Request.Context()))
}

type queryRequest struct {
	Query string `json:"query" binding:"required"`
	LabID string `json:"lab_id" binding:"required"`
	Limit int    `json:"limit"`
}

func (s *Server) handleQuery(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body or missing query/lab_id field"})
		return
	}
	l, ok := s.lab(c, req.LabID)
	if !ok {
		return
	}
	passages, err := l.QuerySOP(c.Request.Context(), req.Query, req.Limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if passages == nil {
		passages = []model.Passage{}
	}
	c.JSON(http.StatusOK, gin.H{
		"lab_id":   req.LabID,
		"query":    req.Query,
		"response": lab.FormatPassages(passages),
		"passages": passages,
	})
}

func (s *Server) handleAnalyze(c *gin.Context) {
	var req struct {
		LogContent string `json:"log_content" binding:"required"`
		LabID      string `json:"lab_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body or missing log_content/lab_id field"})
		return
	}
	l, ok := s.lab(c, req.LabID)
	if !ok {
		return
	}
	analysis, err := l.Analyze(c.Request.Context(), req.LogContent)
	if err != nil {
		s.agentError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"lab_id": req.LabID, "analysis": analysis})
}

func (s *Server) handleChat(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body or missing query/lab_id field"})
		return
	}
	l, ok := s.lab(c, req.LabID)
	if !ok {
		return
	}
	reply, err := l.Chat(c.Request.Context(), req.Query)
	if err != nil {
		s.agentError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"lab_id": req.LabID, "analysis": reply})
}

func (s *Server) handleRebuildIndex(c *gin.Context) {
	id := c.Param("lab")
	l, ok := s.lab(c, id)
	if !ok {
		return
	}
	stats, err := l.RebuildIndex(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"lab_id":            id,
		"status":            "success",
		"documents_indexed": stats.Documents,
		"chunks_indexed":    stats.Chunks,
	})
}

// handleAnomalies returns pending anomalies; ?drain=true also clears them.
func (s *Server) handleAnomalies(c *gin.Context) {
	l, ok := s.lab(c, c.Param("lab"))
	if !ok {
		return
	}
	var recs []model.AnomalyRecord
	if drain, _ := strconv.ParseBool(c.Query("drain")); drain {
		recs = l.Buffer.Drain()
	} else {
		recs = l.Buffer.Snapshot()
	}
	if recs == nil {
		recs = []model.AnomalyRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"lab_id": l.ID, "count": len(recs), "anomalies": recs})
}

func (s *Server) handleHistory(c *gin.Context) {
	l, ok := s.lab(c, c.Param("lab"))
	if !ok {
		return
	}
	limit := defaultHistoryLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	recs, err := l.History(c.Request.Context(), limit)
	if err != nil {
		if errors.Is(err, lab.ErrNoHistory) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if recs == nil {
		recs = []model.AnomalyRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"lab_id": l.ID, "anomalies": recs})
}

// handleHints lists current hints, optionally filtered by ?severity=.
func (s *Server) handleHints(c *gin.Context) {
	l, ok := s.lab(c, c.Param("lab"))
	if !ok {
		return
	}
	var hints []model.Hint
	if sev := c.Query("severity"); sev != "" {
		hints = l.Channel.BySeverity(model.Severity(sev))
	} else {
		hints = l.Channel.CurrentHints()
	}
	if hints == nil {
		hints = []model.Hint{}
	}
	c.JSON(http.StatusOK, gin.H{"lab_id": l.ID, "hints": hints})
}

func (s *Server) handleResolveHint(c *gin.Context) {
	var req struct {
		Timestamp string `json:"timestamp" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body or missing timestamp field"})
		return
	}
	l, ok := s.lab(c, c.Param("lab"))
	if !ok {
		return
	}
	found, err := l.Channel.Resolve(req.Timestamp)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "no hint with timestamp " + req.Timestamp})
		return
	}
	c.JSON(http.StatusOK, gin.H{"lab_id": l.ID, "resolved": req.Timestamp})
}

func (s *Server) handleClearHints(c *gin.Context) {
	l, ok := s.lab(c, c.Param("lab"))
	if !ok {
		return
	}
	if err := l.Channel.ClearAll(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"lab_id": l.ID, "status": "cleared"})
}

func (s *Server) handleSendCommand(c *gin.Context) {
	var req struct {
		Command  string         `json:"command" binding:"required"`
		Params   map[string]any `json:"params"`
		Priority string         `json:"priority"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body or missing command field"})
		return
	}
	l, ok := s.lab(c, c.Param("lab"))
	if !ok {
		return
	}
	id, err := l.Channel.SendCommand(req.Command, req.Params, req.Priority)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"lab_id": l.ID, "id": id})
}

func (s *Server) handleAcks(c *gin.Context) {
	l, ok := s.lab(c, c.Param("lab"))
	if !ok {
		return
	}
	acks := l.Channel.Acknowledgements()
	if acks == nil {
		acks = []model.Ack{}
	}
	c.JSON(http.StatusOK, gin.H{"lab_id": l.ID, "acks": acks})
}

// handleNoisyFiles ranks log files by stored anomalies; ?hours= sets the window.
func (s *Server) handleNoisyFiles(c *gin.Context) {
	l, ok := s.lab(c, c.Param("lab"))
	if !ok {
		return
	}
	window := defaultNoisyWindow
	if v := c.Query("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "hours must be a positive integer"})
			return
		}
		window = time.Duration(n) * time.Hour
	}
	counts, err := l.NoisyFiles(c.Request.Context(), time.Now().Add(-window))
	if err != nil {
		if errors.Is(err, lab.ErrNoHistory) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if counts == nil {
		counts = []model.FileCount{}
	}
	c.JSON(http.StatusOK, gin.H{"lab_id": l.ID, "window_hours": window.Hours(), "files": counts})
}

func (s *Server) handlePatterns(c *gin.Context) {
	l, ok := s.lab(c, c.Param("lab"))
	if !ok {
		return
	}
	limit := defaultPatternLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	clusters, lines := l.Miner.Stats()
	c.JSON(http.StatusOK, gin.H{
		"lab_id":   l.ID,
		"clusters": clusters,
		"lines":    lines,
		"patterns": l.Miner.TopPatterns(limit),
	})
}
