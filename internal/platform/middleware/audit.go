package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/telemed/telemed/internal/platform/auth"
)

const sessionsPrefix = "/api/v1/sessions"

// AuditEntry records one access to consultation data: who touched which
// session, how, and with what outcome.
type AuditEntry struct {
	UserID     string
	UserRoles  []string
	Resource   string
	SessionID  string
	Action     string // read, list, create, update, extract, review, transcribe, export
	IPAddress  string
	UserAgent  string
	Path       string
	Method     string
	Timestamp  time.Time
	RequestID  string
	StatusCode int
}

// AuditRecorder persists audit entries somewhere more durable than the log.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every request under /api/v1/ as a "phi_access" event, since
// transcripts and extracted entities are patient data. Entries are also
// handed to each recorder; a recorder failure is logged and does not affect
// the response.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			if !isAuditablePath(path) {
				return next(c)
			}

			err := next(c)

			ctx := req.Context()
			entry := AuditEntry{
				Timestamp:  time.Now().UTC(),
				Path:       path,
				Method:     req.Method,
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				StatusCode: responseStatus(c, err),
				UserID:     auth.UserIDFromContext(ctx),
				UserRoles:  auth.RolesFromContext(ctx),
				Resource:   extractResource(path),
				SessionID:  extractSessionID(path),
			}
			entry.Action = auditAction(req.Method, path)
			if rid, ok := c.Get("request_id").(string); ok {
				entry.RequestID = rid
			}

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "phi_access").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("resource", entry.Resource).
				Str("session_id", entry.SessionID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("phi_access")

			return err
		}
	}
}

func isAuditablePath(path string) bool {
	return strings.HasPrefix(path, "/api/v1/")
}

// auditAction names what a request did. Session sub-resources that trigger
// processing get their own verbs; everything else follows the HTTP method.
func auditAction(method, path string) string {
	if strings.HasPrefix(path, sessionsPrefix+"/") {
		parts := strings.Split(strings.Trim(strings.TrimPrefix(path, sessionsPrefix+"/"), "/"), "/")
		if len(parts) == 2 {
			switch parts[1] {
			case "extract":
				if method == http.MethodPost {
					return "extract"
				}
			case "review":
				return "review"
			case "audio":
				return "transcribe"
			case "export":
				return "export"
			}
		}
	}
	if method == http.MethodGet && strings.TrimSuffix(path, "/") == sessionsPrefix {
		return "list"
	}
	return httpMethodToAction(method)
}

func httpMethodToAction(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead:
		return "read"
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// extractResource returns the first segment after /api/v1/:
//
//	/api/v1/sessions/abc/summary -> sessions
//	/api/v1/extract/preview      -> extract
func extractResource(path string) string {
	seg := strings.SplitN(strings.TrimPrefix(path, "/api/v1/"), "/", 2)
	if seg[0] != "" {
		return seg[0]
	}
	return "unknown"
}

// extractSessionID returns the session id from /api/v1/sessions/<id>[/...].
func extractSessionID(path string) string {
	if !strings.HasPrefix(path, sessionsPrefix+"/") {
		return ""
	}
	return strings.SplitN(strings.TrimPrefix(path, sessionsPrefix+"/"), "/", 2)[0]
}
