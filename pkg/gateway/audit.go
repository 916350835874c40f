package gateway

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/txn2/pairtalk/pkg/audit"
	"github.com/txn2/pairtalk/pkg/auth"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 500
)

type auditEventResponse struct {
	Data   []audit.Event `json:"data"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

type auditSummaryResponse struct {
	Counts map[audit.Kind]int `json:"counts"`
	Total  int                `json:"total"`
}

// requireAdmin writes 403 and returns false unless the caller is an admin.
func (h *Handler) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if !h.deps.Authorize {
		return true
	}
	if p := auth.GetPrincipal(r.Context()); p == nil || !p.HasRole(auth.RoleAdmin) {
		writeError(w, http.StatusForbidden, kindForbidden, "admin role required")
		return false
	}
	return true
}

func auditFilter(q url.Values) audit.QueryFilter {
	return audit.QueryFilter{
		SessionID: q.Get("session_id"),
		Kind:      audit.Kind(q.Get("kind")),
		StartTime: parseTimeParam(q, "start_time"),
		EndTime:   parseTimeParam(q, "end_time"),
		Limit:     parseIntParam(q, "limit", defaultAuditLimit),
		Offset:    parseIntParam(q, "offset", 0),
	}
}

// listAuditEvents handles GET /api/v1/admin/audit/events.
func (h *Handler) listAuditEvents(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}

	filter := auditFilter(r.URL.Query())
	if filter.Limit <= 0 {
		filter.Limit = defaultAuditLimit
	}
	if filter.Limit > maxAuditLimit {
		filter.Limit = maxAuditLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	events, err := h.deps.Audit.Query(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, kindInternal, "failed to query audit events")
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	writeJSON(w, http.StatusOK, auditEventResponse{Data: events, Limit: filter.Limit, Offset: filter.Offset})
}

// auditSummary handles GET /api/v1/admin/audit/summary.
func (h *Handler) auditSummary(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}

	counts, err := h.deps.AuditCounts.CountByKind(r.Context(), auditFilter(r.URL.Query()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, kindInternal, "failed to count audit events")
		return
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	writeJSON(w, http.StatusOK, auditSummaryResponse{Counts: counts, Total: total})
}

func parseTimeParam(q url.Values, key string) *time.Time {
	v := q.Get(key)
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil
	}
	return &t
}

func parseIntParam(q url.Values, key string, def int) int {
	v := q.Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
