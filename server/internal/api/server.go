package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fixdad/server/internal/config"
	"fixdad/server/internal/gateway"
	"fixdad/server/internal/intake"
	"fixdad/server/internal/model"
	"fixdad/server/internal/orchestrator"
	"fixdad/server/internal/session"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Server struct {
	config       *config.Config
	store        session.Store
	orchestrator *orchestrator.Orchestrator
	intake       *intake.Coordinator
	hub          *gateway.Hub
	logger       *zap.Logger
	now          func() time.Time
}

func NewServer(cfg *config.Config, store session.Store, orch *orchestrator.Orchestrator, in *intake.Coordinator, hub *gateway.Hub, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		config:       cfg,
		store:        store,
		orchestrator: orch,
		intake:       in,
		hub:          hub,
		logger:       logger.Named("api"),
		now:          time.Now,
	}
}

func (s *Server) Routes() http.Handler {
	// Gin 统一承载中间件与路由，便于扩展日志/鉴权/限流等能力。
	engine := gin.New()
	engine.Use(s.requestLogger(), gin.Recovery(), s.corsMiddleware())
	engine.GET("/healthz", s.handleHealthz)

	sessions := engine.Group("/api/sessions")
	sessions.POST("", s.handleCreateSession)
	sessions.POST("/:id/frames", s.handleFrame)
	sessions.POST("/:id/transcript", s.handleTranscript)
	sessions.GET("/:id/latest", s.handleLatest)
	sessions.GET("/:id/history", s.handleHistory)
	sessions.POST("/:id/guide/init", s.handleGuideInit)
	sessions.POST("/:id/guide/next", s.handleGuideNext)
	sessions.POST("/:id/guide/reset", s.handleGuideReset)
	sessions.GET("/:id/guide", s.handleGuide)
	sessions.GET("/:id/solution", s.handleSolution)
	sessions.GET("/:id/timeline", s.handleTimeline)
	sessions.GET("/:id/stream", s.handleStream)
	return engine
}

// handleHealthz 返回服务健康状态与存储后端。
func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "storage": s.store.Backend()})
}

// handleCreateSession 分配新的 session id。session 本身在第一次写入时才落到存储里。
func (s *Server) handleCreateSession(c *gin.Context) {
	c.JSON(http.StatusOK, model.CreateSessionResponse{
		SessionID: uuid.NewString(),
		CreatedAt: s.now(),
	})
}

type frameResponse struct {
	Success bool `json:"success"`
	*model.FrameResult
}

// handleFrame 接收一帧图像（multipart 字段 image），可附带 transcript 与 transcript_ts。
func (s *Server) handleFrame(c *gin.Context) {
	sessionID := c.Param("id")
	maxBytes := s.config.Server.MaxImageBytes
	if maxBytes > 0 {
		// 给其他表单字段留一点余量。
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes+64<<10)
	}

	image, err := readImage(c, maxBytes)
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge), errors.Is(err, errImageTooLarge):
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"success": false, "error": "image too large"})
		case errors.Is(err, http.ErrMissingFile), errors.Is(err, http.ErrNotMultipart):
			s.fail(c, sessionID, model.ErrNoFrame)
		default:
			s.fail(c, sessionID, model.Fail(model.CodeNoFrame, err))
		}
		return
	}
	if len(image) == 0 {
		// 客户端摄像头还没出画面时会发来空文件。
		s.fail(c, sessionID, model.ErrVideoNotReady)
		return
	}

	req := intake.FrameRequest{SessionID: sessionID, Image: image}
	if text := strings.TrimSpace(c.PostForm("transcript")); text != "" {
		req.Transcript = &model.Transcript{Text: text, CapturedAt: parseCapturedAt(c.PostForm("transcript_ts"))}
	}

	result, err := s.intake.Submit(c.Request.Context(), req)
	if err != nil {
		s.fail(c, sessionID, err)
		return
	}
	c.JSON(http.StatusOK, frameResponse{Success: true, FrameResult: result})
}

var errImageTooLarge = errors.New("image too large")

func readImage(c *gin.Context, maxBytes int64) ([]byte, error) {
	fh, err := c.FormFile("image")
	if err != nil {
		return nil, err
	}
	if maxBytes > 0 && fh.Size > maxBytes {
		return nil, errImageTooLarge
	}
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// parseCapturedAt 接受 RFC3339 或 Unix 秒（可带小数）。无法解析时返回零值，由 intake 取当前时间。
func parseCapturedAt(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t
	}
	if sec, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.UnixMilli(int64(sec * 1000))
	}
	return time.Time{}
}

type transcriptRequest struct {
	Text       string    `json:"text"`
	CapturedAt time.Time `json:"captured_at"`
}

// handleTranscript 缓冲一段语音转写，附加到下一帧。
func (s *Server) handleTranscript(c *gin.Context) {
	var req transcriptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid json"})
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "text required"})
		return
	}
	s.intake.SubmitTranscript(c.Param("id"), model.Transcript{Text: strings.TrimSpace(req.Text), CapturedAt: req.CapturedAt})
	c.JSON(http.StatusAccepted, gin.H{"success": true, "session_id": c.Param("id")})
}

// handleLatest 返回最新分析、引导状态与分类状态。
func (s *Server) handleLatest(c *gin.Context) {
	sessionID := c.Param("id")
	status := s.intake.Status(sessionID)

	rec, err := s.store.Get(c.Request.Context(), sessionID)
	if errors.Is(err, session.ErrNotFound) || (err == nil && rec.Latest == nil) {
		c.JSON(http.StatusNotFound, gin.H{
			"success":       false,
			"error":         "no analysis yet",
			"session_id":    sessionID,
			"intake_status": status,
		})
		return
	}
	if err != nil {
		s.fail(c, sessionID, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"session_id":    sessionID,
		"latest":        rec.Latest,
		"guide":         rec.Guide,
		"intake_status": status,
		"updated_at":    rec.UpdatedAt,
	})
}

// handleHistory 返回最近的分析，最新在前。
func (s *Server) handleHistory(c *gin.Context) {
	sessionID := c.Param("id")
	limit := s.config.Store.HistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	hist, err := s.store.History(c.Request.Context(), sessionID, limit)
	if err != nil {
		s.fail(c, sessionID, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"session_id": sessionID,
		"count":      len(hist),
		"history":    hist,
		"storage":    s.store.Backend(),
	})
}

func (s *Server) handleGuideInit(c *gin.Context) {
	view, err := s.orchestrator.Init(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, c.Param("id"), err)
		return
	}
	c.JSON(http.StatusOK, view)
}

type nextRequest struct {
	Outcome model.Outcome `json:"outcome"`
}

func (s *Server) handleGuideNext(c *gin.Context) {
	var req nextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, c.Param("id"), model.Fail(model.CodeInvalidOutcome, err))
		return
	}
	view, err := s.orchestrator.Next(c.Request.Context(), c.Param("id"), req.Outcome)
	if err != nil {
		s.fail(c, c.Param("id"), err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) handleGuideReset(c *gin.Context) {
	if err := s.orchestrator.Reset(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, c.Param("id"), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "session_id": c.Param("id")})
}

func (s *Server) handleGuide(c *gin.Context) {
	view, err := s.orchestrator.Guide(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, c.Param("id"), err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) handleSolution(c *gin.Context) {
	sol, err := s.orchestrator.Solution(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, c.Param("id"), err)
		return
	}
	c.JSON(http.StatusOK, sol)
}

// handleTimeline 返回 seq 大于 after_seq 的事件，用于客户端断线重放。
func (s *Server) handleTimeline(c *gin.Context) {
	var after int64
	if raw := c.Query("after_seq"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "after_seq must be a non-negative integer"})
			return
		}
		after = n
	}
	events, err := s.orchestrator.Timeline(c.Request.Context(), c.Param("id"), after)
	if err != nil {
		s.fail(c, c.Param("id"), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "session_id": c.Param("id"), "events": events})
}

// handleStream 把连接升级为 WebSocket，推送分析、引导、中断和语音播报。
func (s *Server) handleStream(c *gin.Context) {
	sessionID := c.Param("id")
	if err := s.hub.Serve(c.Writer, c.Request, sessionID); err != nil {
		// Upgrade 失败时 gorilla 已经写过响应。
		s.logger.Warn("stream upgrade failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		// 开发期：允许本地 Vite；线上应改为白名单或同源。
		if origin == "http://localhost:5173" || origin == "http://127.0.0.1:5173" {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
