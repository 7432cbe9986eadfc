package orchestrator

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"marking-backend/internal/projection"
	"marking-backend/internal/shared/server/middleware"
	"marking-backend/internal/shared/server/respond"
)

const (
	maxUploadSize = 10 << 20 // 10MB
	maxAwait      = 2 * time.Minute
)

// Handler wires HTTP routes to the service.
type Handler struct {
	Svc *Service
}

// NewHandler constructs a Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{Svc: svc}
}

// RegisterRoutes attaches the marking routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/rubrics", h.rubrics)
	rg.POST("/documents", h.load)
	rg.GET("/documents/:id", h.document)
	rg.DELETE("/documents/:id", h.delete)
	rg.POST("/documents/:id/analyses", h.requestAnalysis)
	rg.PUT("/documents/:id/feedback/:criterion", h.editFeedback)
	rg.POST("/documents/:id/export", h.export)
	rg.GET("/analyses/:id", h.analysis)
}

func fail(c *gin.Context, err error) {
	var e *Error
	if !errors.As(err, &e) {
		e = classify(err, "internal error")
	}
	msg := e.Message
	if msg == "" {
		msg = strings.ToLower(strings.ReplaceAll(string(e.Kind), "_", " "))
	}
	respond.Error(c, e.Kind.HTTPStatus(), string(e.Kind), msg, nil)
}

type loadRequest struct {
	Identity   string `json:"identity"`
	Module     string `json:"module"`
	Assignment string `json:"assignment"`
	Content    string `json:"content"`
}

func (h *Handler) load(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadSize)

	var cmd LoadDocument
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		fileHeader, err := c.FormFile("file")
		if err != nil {
			respond.Error(c, http.StatusBadRequest, string(KindValidation), "file is required", nil)
			return
		}
		file, err := fileHeader.Open()
		if err != nil {
			respond.Error(c, http.StatusBadRequest, string(KindValidation), "unable to read file", nil)
			return
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			respond.Error(c, http.StatusBadRequest, string(KindValidation), "unable to read file", nil)
			return
		}
		cmd = LoadDocument{
			Identity:   c.PostForm("identity"),
			Module:     c.PostForm("module"),
			Assignment: c.PostForm("assignment"),
			Data:       data,
			MimeType:   fileHeader.Header.Get("Content-Type"),
			FileName:   fileHeader.Filename,
		}
	} else {
		var req loadRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respond.Error(c, http.StatusBadRequest, string(KindValidation), "invalid request body", nil)
			return
		}
		cmd = LoadDocument{
			Identity:   req.Identity,
			Module:     req.Module,
			Assignment: req.Assignment,
			Content:    req.Content,
			MimeType:   "text/plain",
		}
	}

	loaded, err := h.Svc.LoadDocument(c.Request.Context(), cmd)
	if err != nil {
		fail(c, err)
		return
	}
	c.Set(middleware.DocumentIDKey, loaded.DocumentID)
	respond.Created(c, gin.H{
		"documentId":  loaded.DocumentID,
		"status":      loaded.Status,
		"newIdentity": loaded.NewIdentity,
		"sequence":    loaded.Sequence,
	})
}

func (h *Handler) document(c *gin.Context) {
	c.Set(middleware.DocumentIDKey, c.Param("id"))
	doc, err := h.Svc.Document(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	respond.OK(c, toDocumentResponse(doc))
}

type deleteRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) delete(c *gin.Context) {
	c.Set(middleware.DocumentIDKey, c.Param("id"))
	var req deleteRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respond.Error(c, http.StatusBadRequest, string(KindValidation), "invalid request body", nil)
			return
		}
	}
	if err := h.Svc.DeleteDocument(c.Request.Context(), DeleteDocument{DocumentID: c.Param("id"), Reason: req.Reason}); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type analysisRequest struct {
	RubricID string `json:"rubricId"`
	Wait     bool   `json:"wait"`
}

func (h *Handler) requestAnalysis(c *gin.Context) {
	c.Set(middleware.DocumentIDKey, c.Param("id"))
	var req analysisRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, string(KindValidation), "invalid request body", nil)
		return
	}
	ticket, err := h.Svc.RequestAnalysis(c.Request.Context(), RequestAnalysis{DocumentID: c.Param("id"), RubricID: req.RubricID})
	if err != nil {
		fail(c, err)
		return
	}
	c.Set(middleware.AnalysisIDKey, ticket.AnalysisID)
	if !req.Wait {
		respond.Accepted(c, gin.H{
			"analysisId": ticket.AnalysisID,
			"requestId":  ticket.RequestID,
			"documentId": ticket.DocumentID,
			"deadline":   ticket.Deadline,
		})
		return
	}
	h.awaitAndRespond(c, ticket.AnalysisID)
}

func (h *Handler) analysis(c *gin.Context) {
	id := c.Param("id")
	c.Set(middleware.AnalysisIDKey, id)
	if c.Query("wait") == "true" {
		h.awaitAndRespond(c, id)
		return
	}
	a, err := h.Svc.Analysis(id)
	if err != nil {
		fail(c, err)
		return
	}
	respond.OK(c, toAnalysisResponse(a))
}

func (h *Handler) awaitAndRespond(c *gin.Context, analysisID string) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), maxAwait)
	defer cancel()
	a, err := h.Svc.AwaitAnalysis(ctx, analysisID)
	if err != nil {
		fail(c, err)
		return
	}
	if a.State != projection.AnalysisCompleted {
		respond.Accepted(c, toAnalysisResponse(a))
		return
	}
	doc, err := h.Svc.Document(a.DocumentID)
	if err != nil {
		fail(c, err)
		return
	}
	respond.OK(c, gin.H{
		"analysis": toAnalysisResponse(a),
		"document": toDocumentResponse(doc),
	})
}

type feedbackRequest struct {
	Text  string   `json:"text"`
	Score *float64 `json:"score"`
}

func (h *Handler) editFeedback(c *gin.Context) {
	c.Set(middleware.DocumentIDKey, c.Param("id"))
	var req feedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, string(KindValidation), "invalid request body", nil)
		return
	}
	if req.Score == nil {
		respond.Error(c, http.StatusBadRequest, string(KindValidation), "score is required", nil)
		return
	}
	doc, err := h.Svc.EditFeedback(c.Request.Context(), EditFeedback{
		DocumentID:  c.Param("id"),
		CriterionID: c.Param("criterion"),
		Text:        req.Text,
		Score:       *req.Score,
	})
	if err != nil {
		fail(c, err)
		return
	}
	respond.OK(c, toDocumentResponse(doc))
}

type exportRequest struct {
	Format string `json:"format"`
}

func (h *Handler) export(c *gin.Context) {
	c.Set(middleware.DocumentIDKey, c.Param("id"))
	var req exportRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respond.Error(c, http.StatusBadRequest, string(KindValidation), "invalid request body", nil)
			return
		}
	}
	out, err := h.Svc.ExportDocument(c.Request.Context(), ExportDocument{DocumentID: c.Param("id"), Format: req.Format})
	if err != nil {
		fail(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	respond.OK(c, out)
}

func (h *Handler) rubrics(c *gin.Context) {
	respond.OK(c, gin.H{"rubrics": h.Svc.Rubrics()})
}
