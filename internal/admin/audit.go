package admin

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const maxAuditBodyBytes = 1024

// generateRequestID creates a short random request ID for audit correlation.
func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(b)
}

// auditBodyHint pulls the stream identity out of mutating request bodies.
// Replay scheduling carries both fields; other operator actions carry
// neither, and absent fields are simply omitted from the log line.
type auditBodyHint struct {
	ContestID string `json:"contest_id"`
	ChainID   int64  `json:"chain_id"`
}

// AuditMiddleware logs every mutating (POST) request: replay scheduling,
// milestone retries, and report status changes are operator actions someone
// may need to reconstruct later. When the body names a stream, contest and
// chain become first-class fields so the trail can be filtered per contest.
func AuditMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	auditLogger := logger.With("component", "admin_audit")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		requestID := generateRequestID()

		// Capture up to 1KB of body, restoring it for the handler.
		var bodyBytes []byte
		var bodySummary string
		if r.Body != nil {
			captured, err := io.ReadAll(io.LimitReader(r.Body, maxAuditBodyBytes+1))
			if err == nil {
				bodyBytes = captured
				if len(captured) > maxAuditBodyBytes {
					bodySummary = string(captured[:maxAuditBodyBytes]) + "...(truncated)"
				} else {
					bodySummary = string(captured)
				}
				r.Body = io.NopCloser(bytes.NewReader(captured))
			}
		}

		sw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(sw, r)

		attrs := []any{
			"request_id", requestID,
			"remote_addr", r.RemoteAddr,
			"method", r.Method,
			"path", r.URL.Path,
		}
		var hint auditBodyHint
		if json.Unmarshal(bodyBytes, &hint) == nil {
			if hint.ContestID != "" {
				attrs = append(attrs, "contest", hint.ContestID)
			}
			if hint.ChainID > 0 {
				attrs = append(attrs, "chain", hint.ChainID)
			}
		}
		attrs = append(attrs,
			"body_summary", bodySummary,
			"response_status", sw.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		auditLogger.Info("operator action", attrs...)
	})
}

type statusWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.statusCode = code
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.written {
		sw.written = true
	}
	return sw.ResponseWriter.Write(b)
}
