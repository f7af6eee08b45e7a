package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"ragrelay/internal/models"
	"ragrelay/internal/service/health"
	"ragrelay/internal/service/recorder"
	"ragrelay/internal/service/relay"
	"ragrelay/internal/worker"

	"github.com/gin-gonic/gin"
)

// Handler holds the services behind the HTTP surface.
type Handler struct {
	relay       *relay.Service
	recorder    *recorder.Service
	health      *health.Monitor
	workers     *worker.Dispatcher
	frontendDir string
}

func NewHandler(rl *relay.Service, rec *recorder.Service, hm *health.Monitor, workers *worker.Dispatcher, frontendDir string) *Handler {
	return &Handler{
		relay:       rl,
		recorder:    rec,
		health:      hm,
		workers:     workers,
		frontendDir: frontendDir,
	}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/", h.index)
	if h.frontendDir != "" {
		staticDir := filepath.Join(h.frontendDir, "static")
		if _, err := os.Stat(staticDir); err == nil {
			r.Static("/static", staticDir)
		}
	}

	r.GET("/health", h.healthCheck)
	r.GET("/chat", h.chat)
	r.GET("/history", h.listHistory)
	r.POST("/history", h.saveHistory)
	r.GET("/history/:session_id", h.sessionHistory)
	r.DELETE("/history/:id", h.deleteSession)
	r.DELETE("/history", h.deleteAllSessions)
	r.GET("/export", h.exportHistory)
}

func (h *Handler) index(c *gin.Context) {
	if h.frontendDir != "" {
		page := filepath.Join(h.frontendDir, "index.html")
		if _, err := os.Stat(page); err == nil {
			c.File(page)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"message": "ragrelay backend running"})
}

func (h *Handler) healthCheck(c *gin.Context) {
	dbStatus := "ok"
	status := http.StatusOK
	if err := h.recorder.Ping(c.Request.Context()); err != nil {
		log.Printf("health: database ping: %v", err)
		dbStatus = "error"
		status = http.StatusServiceUnavailable
	}

	upstreamStatus := "ok"
	if !h.health.Healthy(c.Request.Context()) {
		upstreamStatus = "degraded"
		status = http.StatusServiceUnavailable
	}

	overall := "ok"
	if dbStatus != "ok" || upstreamStatus != "ok" {
		overall = "degraded"
	}
	c.JSON(status, gin.H{
		"status":   overall,
		"database": dbStatus,
		"upstream": upstreamStatus,
	})
}

// chat is the SSE endpoint. Every request becomes exactly one stream of
// data frames terminated by a [DONE] sentinel, whatever happens upstream.
func (h *Handler) chat(c *gin.Context) {
	message := c.Query("message")
	deepThinking := c.Query("deep_thinking") == "true"

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	emit := func(ev models.RelayEvent) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		c.Writer.Flush()
		return nil
	}

	ctx := c.Request.Context()
	session, err := h.relay.Prepare(ctx, message)
	if err != nil {
		if errors.Is(err, relay.ErrEmptyQuestion) {
			emit(models.RelayEvent{Type: models.EventError, Message: "消息不能为空", Code: 400})
		} else {
			log.Printf("chat: prepare: %v", err)
			emit(models.RelayEvent{Type: models.EventError, Message: "服务异常", Code: 500})
		}
		h.writeDone(c)
		return
	}

	req := relay.Request{Question: strings.TrimSpace(message), DeepThinking: deepThinking}
	err = h.workers.Submit(session.ID, func() {
		if err := h.relay.Stream(ctx, session, req, emit); err != nil {
			log.Printf("chat: relay %s: %v", session.SessionID, err)
		}
	})
	if errors.Is(err, worker.ErrDispatcherBusy) {
		emit(models.RelayEvent{Type: models.EventError, Message: "服务繁忙，请稍后重试", Code: 503})
	}
	h.writeDone(c)
}

func (h *Handler) writeDone(c *gin.Context) {
	fmt.Fprint(c.Writer, "data: [DONE]\n\n")
	c.Writer.Flush()
}

func (h *Handler) listHistory(c *gin.Context) {
	keyword := c.Query("keyword")
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))

	sessions, err := h.recorder.ListSessions(c.Request.Context(), keyword, page, pageSize)
	if err != nil {
		log.Printf("history: list: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取历史记录失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

type saveHistoryRequest struct {
	Question        string `json:"question" binding:"required"`
	Answer          string `json:"answer" binding:"required"`
	ThinkingContent string `json:"thinking_content"`
}

// saveHistory stores a full exchange in one call. Kept for clients that
// buffer the stream themselves instead of relying on relay persistence.
func (h *Handler) saveHistory(c *gin.Context) {
	var req saveHistoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "question 和 answer 不能为空"})
		return
	}

	ctx := c.Request.Context()
	session, err := h.recorder.CreateSession(ctx, truncateRunes(req.Question, 50))
	if err != nil {
		log.Printf("history: create session: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "保存失败"})
		return
	}
	if _, err := h.recorder.AppendMessage(ctx, session.ID, models.RoleUser, req.Question, ""); err != nil {
		log.Printf("history: save question: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "保存失败"})
		return
	}
	if _, err := h.recorder.AppendMessage(ctx, session.ID, models.RoleAssistant, req.Answer, req.ThinkingContent); err != nil {
		log.Printf("history: save answer: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "保存失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "session_id": session.SessionID})
}

func (h *Handler) sessionHistory(c *gin.Context) {
	sessionUUID := c.Param("session_id")
	session, messages, err := h.recorder.Transcript(c.Request.Context(), sessionUUID)
	if err != nil {
		if err == sql.ErrNoRows {
			c.JSON(http.StatusNotFound, gin.H{"error": "会话不存在"})
			return
		}
		log.Printf("history: transcript %s: %v", sessionUUID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取会话失败"})
		return
	}
	if messages == nil {
		messages = []*models.Message{}
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": session.SessionID,
		"title":      session.Title,
		"messages":   messages,
	})
}

func (h *Handler) deleteSession(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的会话 ID"})
		return
	}
	if err := h.recorder.DeleteSession(c.Request.Context(), id); err != nil {
		if err == sql.ErrNoRows {
			c.JSON(http.StatusNotFound, gin.H{"error": "会话不存在"})
			return
		}
		log.Printf("history: delete %d: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "删除失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) deleteAllSessions(c *gin.Context) {
	if err := h.recorder.DeleteAllSessions(c.Request.Context()); err != nil {
		log.Printf("history: delete all: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "删除失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) exportHistory(c *gin.Context) {
	data, err := h.recorder.ExportCSV(c.Request.Context())
	if err != nil {
		log.Printf("history: export: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "导出失败"})
		return
	}
	filename := fmt.Sprintf("chat_history_%s.csv", time.Now().Format("20060102_150405"))
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	c.Data(http.StatusOK, "text/csv; charset=utf-8", []byte(data))
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
