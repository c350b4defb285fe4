// Package api holds HTTP plumbing shared by vessel's servers and clients: RFC 7807 problem
// responses, request ids and per-client rate limiting.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
)

const problemTypeBase = "https://vessel.dev/errors/"

// ProblemDetail implements RFC 7807. Code carries a machine-readable reason so callers
// can distinguish failures without parsing Detail.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Code     string `json:"code,omitempty"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
}

func (p *ProblemDetail) Error() string {
	if p.Code != "" {
		return fmt.Sprintf("%s (%s): %s", p.Title, p.Code, p.Detail)
	}
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func problemType(status int, code string) string {
	if code != "" {
		return problemTypeBase + code
	}
	return problemTypeBase + strconv.Itoa(status)
}

func writeProblem(w http.ResponseWriter, p *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes a problem response with no reason code.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:   problemType(status, ""),
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// WriteProblem writes a problem response enriched with request context and a reason code.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, code, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:     problemType(status, code),
		Title:    http.StatusText(status),
		Status:   status,
		Code:     code,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get(RequestIDHeader),
	})
}

func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

// WriteTooManyRequests writes a 429 with a Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500. err is logged and never sent to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// WriteJSON writes v as a JSON body with status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// DecodeProblem reads a problem body from a non-2xx response. Bodies that are not problem
// documents yield a ProblemDetail built from the status line.
func DecodeProblem(resp *http.Response) *ProblemDetail {
	var p ProblemDetail
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil || p.Status == 0 {
		return &ProblemDetail{
			Type:   problemType(resp.StatusCode, ""),
			Title:  http.StatusText(resp.StatusCode),
			Status: resp.StatusCode,
		}
	}
	return &p
}
