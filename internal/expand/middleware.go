package expand

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/jaishankar101/pgpubsub/internal/httputil"
)

// Middleware post-processes JSON handler responses: it expands requested
// sub-resources (?expands=) and masks selected fields (?selects=).
type Middleware struct {
	expander *Expander
	logger   *slog.Logger
}

// NewMiddleware creates the expansion middleware with the module default
// policy baked into expander.
func NewMiddleware(expander *Expander, logger *slog.Logger) *Middleware {
	return &Middleware{expander: expander, logger: logger}
}

// Wrap decorates a JSON endpoint producing dto resources. rootField, when
// non-empty, names the response key holding the resource (e.g. "items");
// policy overrides the module default for this endpoint.
func (m *Middleware) Wrap(dto, rootField string, policy ErrorPolicy, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		expands := ParseTree(r.URL.Query().Get("expands"))
		selects := ParseTree(r.URL.Query().Get("selects"))
		if expands.Empty() && selects.Empty() {
			next.ServeHTTP(w, r)
			return
		}

		rec := &bufferingWriter{header: make(http.Header), status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if rec.status < 200 || rec.status >= 300 {
			rec.copyTo(w)
			return
		}

		var body any
		if err := json.Unmarshal(rec.buf.Bytes(), &body); err != nil {
			m.logger.Error("expansion middleware: response is not JSON", "error", err)
			rec.copyTo(w)
			return
		}

		if policy == "" {
			policy = m.expander.policy
		}

		resource, put := extractRoot(body, rootField)
		expanded, errs, err := m.expander.expandWithPolicy(r.Context(), resource, expands, dto, r, policy)
		if err != nil {
			httputil.WriteError(w, http.StatusBadGateway, err.Error())
			return
		}
		if policy == PolicyInclude {
			expanded = AttachErrors(expanded, errs)
		} else {
			for path, pe := range errs {
				m.logger.Warn("expansion failed", "path", path, "error", pe.Message)
			}
		}

		expanded = ApplySelection(expanded, selects)
		out := put(expanded)

		data, err := json.Marshal(out)
		if err != nil {
			m.logger.Error("expansion middleware: re-encoding response", "error", err)
			rec.copyTo(w)
			return
		}

		for k, vals := range rec.header {
			for _, v := range vals {
				w.Header().Add(k, v)
			}
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(rec.status)
		w.Write(data)
	})
}

// extractRoot pulls the resource out of the response body and returns a
// function that puts the transformed resource back.
func extractRoot(body any, rootField string) (any, func(any) any) {
	if rootField == "" {
		return body, func(v any) any { return v }
	}
	obj, ok := body.(map[string]any)
	if !ok {
		return body, func(v any) any { return v }
	}
	return obj[rootField], func(v any) any {
		obj[rootField] = v
		return obj
	}
}

// bufferingWriter captures the downstream response for post-processing.
type bufferingWriter struct {
	header http.Header
	status int
	buf    bytes.Buffer
}

func (b *bufferingWriter) Header() http.Header { return b.header }

func (b *bufferingWriter) WriteHeader(status int) { b.status = status }

func (b *bufferingWriter) Write(p []byte) (int, error) { return b.buf.Write(p) }

// copyTo replays the captured response unchanged.
func (b *bufferingWriter) copyTo(w http.ResponseWriter) {
	for k, vals := range b.header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(b.status)
	w.Write(b.buf.Bytes())
}
