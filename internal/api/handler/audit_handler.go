package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cuongbtq/wallet-audit/internal/api/dto"
	"github.com/cuongbtq/wallet-audit/internal/audit/domain"
	"github.com/cuongbtq/wallet-audit/internal/audit/store"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// CreateAudit handles POST /api/v1/audits
// Schedules a work item; the outbox dispatcher publishes it once it is due
func (h *AuditHandler) CreateAudit(c *gin.Context) {
	var req dto.CreateAuditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	auditType := domain.AuditType(req.AuditType)
	if auditType == domain.AuditTypeTargeted && strings.TrimSpace(req.EntityID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "entity_id is required for targeted audits",
		})
		return
	}

	enqueue := domain.EnqueueRequest{
		AuditType:      auditType,
		EntityType:     req.EntityType,
		EntityID:       req.EntityID,
		Invariant:      req.Invariant,
		MaxAttempts:    req.MaxAttempts,
		TimeoutSeconds: req.TimeoutSeconds,
		Metadata:       req.Metadata,
	}
	if enqueue.MaxAttempts == 0 {
		enqueue.MaxAttempts = h.maxAttempts
	}
	if req.ScheduledAt != nil {
		enqueue.ScheduledAt = *req.ScheduledAt
	}

	item, err := h.store.Enqueue(c.Request.Context(), enqueue)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidWorkItem) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": err.Error(),
			})
			return
		}
		h.logger.Error("Failed to enqueue audit", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to enqueue audit",
		})
		return
	}

	h.logger.Info("Audit enqueued",
		slog.String("work_item_id", item.ID),
		slog.String("audit_type", string(item.AuditType)),
		slog.String("entity_id", item.Entity()),
	)

	c.JSON(http.StatusAccepted, dto.FromWorkItem(*item))
}

// GetAudit handles GET /api/v1/audits/:id
// Returns the work item with the findings written by its attempts, paged by
// findings_limit and findings_cursor
func (h *AuditHandler) GetAudit(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "id must be a valid UUID",
		})
		return
	}

	var req dto.GetAuditRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}
	findingsCursor, err := DecodeCursor(req.FindingsCursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}
	findingsLimit := req.FindingsLimit
	if findingsLimit == 0 {
		findingsLimit = store.MaxPageSize
	}

	ctx := c.Request.Context()
	item, err := h.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrWorkItemNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "audit not found",
			})
			return
		}
		h.logger.Error("Failed to get audit", slog.String("id", id), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get audit",
		})
		return
	}

	findings := []dto.AuditDTO{}
	var findingsNext *store.Cursor
	if !item.IsFinding() {
		page, err := h.store.List(ctx, store.Filter{
			Kind:     store.KindFindings,
			ParentID: item.ID,
			Limit:    findingsLimit,
			Cursor:   findingsCursor,
		})
		if err != nil {
			h.logger.Error("Failed to list findings", slog.String("id", id), slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to list findings",
			})
			return
		}
		for _, f := range page.Items {
			findings = append(findings, dto.FromWorkItem(f))
		}
		findingsNext = page.Next
	}

	c.JSON(http.StatusOK, dto.GetAuditResponse{
		Audit:              dto.FromWorkItem(*item),
		Findings:           findings,
		FindingsNextCursor: EncodeCursor(findingsNext),
	})
}

// ListAudits handles GET /api/v1/audits
// Lists work items or findings with filtering and keyset pagination
func (h *AuditHandler) ListAudits(c *gin.Context) {
	var req dto.ListAuditsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	filter, err := buildFilter(req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	page, err := h.store.List(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list audits", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list audits",
		})
		return
	}

	audits := make([]dto.AuditDTO, len(page.Items))
	for i, item := range page.Items {
		audits[i] = dto.FromWorkItem(item)
	}

	c.JSON(http.StatusOK, dto.ListAuditsResponse{
		Audits:     audits,
		NextCursor: EncodeCursor(page.Next),
	})
}

var errInvalidQuery = errors.New("invalid query")

func buildFilter(req dto.ListAuditsRequest) (store.Filter, error) {
	filter := store.Filter{
		Kind:       store.Kind(req.Kind),
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Limit:      req.PageSize,
	}

	switch filter.Kind {
	case "":
		filter.Kind = store.KindWorkItems
	case store.KindWorkItems, store.KindFindings, store.KindAll:
	default:
		return filter, fmt.Errorf("%w: kind must be work_items, findings or all", errInvalidQuery)
	}

	for _, s := range splitList(req.Status) {
		status := domain.Status(s)
		switch status {
		case domain.StatusPending, domain.StatusProcessing, domain.StatusResolved, domain.StatusFailed:
			filter.Statuses = append(filter.Statuses, status)
		default:
			return filter, fmt.Errorf("%w: unknown status %q", errInvalidQuery, s)
		}
	}

	for _, t := range splitList(req.AuditType) {
		auditType := domain.AuditType(t)
		if !auditType.Known() {
			return filter, fmt.Errorf("%w: unknown audit_type %q", errInvalidQuery, t)
		}
		filter.AuditTypes = append(filter.AuditTypes, auditType)
	}

	if req.MinSeverity != "" {
		floor := domain.Severity(req.MinSeverity)
		if !floor.Valid() {
			return filter, fmt.Errorf("%w: unknown min_severity %q", errInvalidQuery, req.MinSeverity)
		}
		filter.Severities = domain.SeveritiesAtLeast(floor)
	}

	var err error
	if filter.From, err = parseTime("from", req.From); err != nil {
		return filter, err
	}
	if filter.To, err = parseTime("to", req.To); err != nil {
		return filter, err
	}

	if filter.Cursor, err = DecodeCursor(req.Cursor); err != nil {
		return filter, err
	}
	return filter, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseTime(name, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be an RFC 3339 timestamp", errInvalidQuery, name)
	}
	t = t.UTC()
	return &t, nil
}
