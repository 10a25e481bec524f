package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/contexa/ragengine/pkg/domain"
	"github.com/contexa/ragengine/pkg/events"
	"github.com/contexa/ragengine/pkg/graph"
	"github.com/contexa/ragengine/pkg/ingest"
	"github.com/contexa/ragengine/pkg/log"
)

// Server is the thin HTTP layer over ingestion and the graph engine.
type Server struct {
	ingest  *ingest.Service
	engine  *graph.Engine
	dataDir string
	logger  *log.Logger
}

func New(ingestSvc *ingest.Service, engine *graph.Engine, dataDir string) *Server {
	return &Server{
		ingest:  ingestSvc,
		engine:  engine,
		dataDir: dataDir,
		logger:  log.WithModule("server"),
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.health)

	api := r.Group("/api")
	{
		api.POST("/documents", s.uploadDocument)
		api.GET("/documents/:id/status", s.documentStatus)
		api.DELETE("/documents/:id", s.deleteDocument)
		api.POST("/chat", s.chat)
	}
	return r
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// uploadDocument accepts a multipart upload, stores the raw file, and
// schedules background ingestion. The response is an acknowledgement only;
// processing status is polled separately.
func (s *Server) uploadDocument(c *gin.Context) {
	tenantID := c.PostForm("tenant_id")
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant_id is required"})
		return
	}
	docID := c.PostForm("document_id")
	if docID == "" {
		docID = uuid.NewString()
	}

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	defer file.Close()

	contentType := c.PostForm("content_type")
	if contentType == "" {
		contentType = header.Header.Get("Content-Type")
	}

	path := filepath.Join(s.dataDir, "uploads", docID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cannot store upload"})
		return
	}
	dst, err := os.Create(path)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cannot store upload"})
		return
	}
	if _, err := io.Copy(dst, file); err != nil {
		dst.Close()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cannot store upload"})
		return
	}
	dst.Close()

	if _, err := s.ingest.Process(c.Request.Context(), docID, tenantID, path, contentType); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, domain.ErrIngestInFlight):
			status = http.StatusConflict
		case errors.Is(err, domain.ErrInvalidInput):
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"document_id": docID,
		"status":      string(domain.StatusPending),
	})
}

func (s *Server) documentStatus(c *gin.Context) {
	doc, err := s.ingest.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, domain.ErrDocumentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (s *Server) deleteDocument(c *gin.Context) {
	tenantID := c.Query("tenant_id")
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant_id is required"})
		return
	}
	docID := c.Param("id")
	if err := s.ingest.DeleteVectors(c.Request.Context(), docID, tenantID); err != nil {
		if errors.Is(err, domain.ErrDocumentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"document_id": docID, "status": string(domain.StatusDeleted)})
}

type chatRequest struct {
	SessionID string           `json:"session_id"`
	TenantID  string           `json:"tenant_id"`
	Query     string           `json:"query"`
	History   []domain.Message `json:"history"`
	ResumeRun string           `json:"resume_run_id"`
}

// chat streams run events as server-sent events. The stream always ends
// with one complete or error event.
func (s *Server) chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	var (
		stream <-chan events.Event
		err    error
	)
	if req.ResumeRun != "" {
		stream, err = s.engine.Resume(c.Request.Context(), req.ResumeRun)
	} else {
		stream, err = s.engine.Converse(c.Request.Context(), graph.Request{
			SessionID: req.SessionID,
			TenantID:  req.TenantID,
			Query:     req.Query,
			History:   req.History,
		})
	}
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, domain.ErrRunInFlight):
			status = http.StatusConflict
		case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrCheckpointCorrupt):
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Flush()

	for ev := range stream {
		payload, err := json.Marshal(ev)
		if err != nil {
			s.logger.Error("event encode failed", "run_id", ev.RunID, "error", err)
			continue
		}
		fmt.Fprintf(c.Writer, "data: %s\n\n", payload)
		c.Writer.Flush()
	}
}
