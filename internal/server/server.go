// Package server exposes the knowledge base service over HTTP.
//
// Every JSON endpoint answers the `{code, msg, data}` envelope; code 200
// means success and a non-200 code carries a user-facing message.
// recreate_vector_store streams progress as server-sent events, and
// search_docs/list_file_docs return bare arrays for client convenience.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kbserve/kbserve/internal/config"
	"github.com/kbserve/kbserve/internal/kb"
)

// Server wires the HTTP surface on top of the KB manager.
type Server struct {
	cfg     *config.Config
	manager *kb.Manager
	router  *gin.Engine
	http    *http.Server
}

// New builds the gin router with all routes registered.
func New(cfg *config.Config, manager *kb.Manager) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(), metricsMiddleware())

	s := &Server{cfg: cfg, manager: manager, router: router}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	r := s.router

	r.GET("/healthz", s.healthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/list_knowledge_bases", s.listKnowledgeBases)
	r.GET("/list_knowledge_base_details", s.listKnowledgeBaseDetails)
	r.POST("/create_knowledge_base", s.createKnowledgeBase)
	r.POST("/delete_knowledge_base", s.deleteKnowledgeBase)
	r.POST("/update_kb_info", s.updateKBInfo)
	r.POST("/recreate_vector_store", s.recreateVectorStore)
	r.POST("/search_docs", s.searchDocs)
	r.GET("/list_kb_file_details", s.listKBFileDetails)
	r.POST("/upload_files", s.uploadFiles)
	r.POST("/update_files", s.updateFiles)
	r.POST("/delete_files", s.deleteFiles)
	r.POST("/download_file", s.downloadFile)
	r.POST("/list_file_docs", s.listFileDocs)
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Run serves until the context is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server_listening", slog.String("addr", addr))
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// response is the JSON envelope shared by all non-streaming endpoints.
type response struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data any    `json:"data"`
}

func ok(c *gin.Context, msg string, data any) {
	c.JSON(http.StatusOK, response{Code: 200, Msg: msg, Data: data})
}

func fail(c *gin.Context, code int, msg string) {
	c.JSON(http.StatusOK, response{Code: code, Msg: msg})
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// requestLogger logs one line per request through slog.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("http_request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("elapsed", time.Since(start)))
	}
}
