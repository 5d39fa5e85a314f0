package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/moltbot/ledgerd/internal/model"
	"github.com/moltbot/ledgerd/internal/store"
	"github.com/moltbot/ledgerd/pkg/logger"
)

// Server 回调与只读查询的 HTTP 入口
type Server struct {
	hub     *Hub
	entries *store.EntryRepository
	httpSrv *http.Server
}

// NewServer 创建 HTTP 服务
func NewServer(hub *Hub, entries *store.EntryRepository, port int) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{hub: hub, entries: entries}
	router.POST("/callback", s.handleCallback)
	router.GET("/entries", s.listEntries)
	router.GET("/entries/:trace_id", s.getEntry)
	router.GET("/entries/:trace_id/trail", s.getTrail)
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Run 启动 HTTP 服务，阻塞到 ctx 取消
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
		return ctx.Err()
	}
}

// handleCallback 回调入口
// 200 成功，403 签名或角色不符，409 重放或过期，404 卡片不存在
func (s *Server) handleCallback(c *gin.Context) {
	var cb Callback
	if err := c.ShouldBindJSON(&cb); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed callback body"})
		return
	}
	cb.Signature = c.GetHeader("X-Signature")

	ctx := logger.ContextWithTrace(c.Request.Context(), cb.CardID)
	err := s.hub.HandleCallback(ctx, &cb)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	case errors.Is(err, ErrBadSignature), errors.Is(err, ErrRoleMismatch):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, ErrReplay), errors.Is(err, ErrCardExpired):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "card not found"})
	default:
		logger.Error("callback handling failed",
			zap.String("card_id", cb.CardID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// listEntries 只读流水查询
func (s *Server) listEntries(c *gin.Context) {
	status := model.EntryStatus(c.DefaultQuery("status", string(model.EntryStatusPosted)))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	entries, err := s.entries.ListByStatus(c.Request.Context(), status, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// getEntry 按 trace_id 查询单条流水
func (s *Server) getEntry(c *gin.Context) {
	entry, err := s.entries.GetByTraceID(c.Request.Context(), c.Param("trace_id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "entry not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, entry)
}

// getTrail 穿透式证据链：流水、推理路径与标签
func (s *Server) getTrail(c *gin.Context) {
	entry, err := s.entries.GetByTraceID(c.Request.Context(), c.Param("trace_id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "entry not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	tags, err := s.entries.ListTags(c.Request.Context(), entry.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entry":         entry,
		"inference_log": entry.InferenceLog,
		"tags":          tags,
	})
}
