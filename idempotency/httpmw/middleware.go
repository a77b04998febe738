// Package httpmw exposes idempotency.Keeper as net/http middleware.
package httpmw

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/velmie/courier"
	"github.com/velmie/courier/idempotency"
)

// HeaderKey is the request header carrying the idempotency key.
const HeaderKey = "Idempotency-Key"

// HeaderReplayed is set on responses served from a stored snapshot.
const HeaderReplayed = "Idempotent-Replayed"

const defaultMaxBody = 1 << 20

// Snapshot is the stored form of a response.
type Snapshot struct {
	Status int         `json:"status"`
	Header http.Header `json:"header,omitempty"`
	Body   []byte      `json:"body,omitempty"`
}

type config struct {
	required bool
	maxBody  int64
	logger   courier.Logger
	success  func(status int) bool
}

// Option configures the middleware.
type Option func(*config)

// WithRequired rejects requests without an idempotency key with 400.
func WithRequired() Option {
	return func(c *config) {
		c.required = true
	}
}

// WithMaxBody limits the request body read for fingerprinting.
func WithMaxBody(n int64) Option {
	return func(c *config) {
		c.maxBody = n
	}
}

// WithLogger sets the middleware logger.
func WithLogger(logger courier.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithSuccess decides which status codes complete the key. Other codes fail it so the
// client may retry. The default treats every status below 500 as final.
func WithSuccess(fn func(status int) bool) Option {
	return func(c *config) {
		c.success = fn
	}
}

// Middleware gates handlers with keeper. Requests without the header pass through
// unless WithRequired is set.
func Middleware(keeper *idempotency.Keeper, opts ...Option) func(http.Handler) http.Handler {
	cfg := config{
		maxBody: defaultMaxBody,
		logger:  courier.NopLogger{},
		success: func(status int) bool { return status < http.StatusInternalServerError },
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(HeaderKey)
			if key == "" {
				if cfg.required {
					http.Error(w, "missing "+HeaderKey+" header", http.StatusBadRequest)

					return
				}
				next.ServeHTTP(w, r)

				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, cfg.maxBody+1))
			if err != nil {
				http.Error(w, "cannot read request body", http.StatusBadRequest)

				return
			}
			if int64(len(body)) > cfg.maxBody {
				http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)

				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			fingerprint := idempotency.Fingerprint([]byte(r.Method), []byte(r.URL.Path), body)
			decision, err := keeper.Begin(r.Context(), key, fingerprint)
			switch {
			case errors.Is(err, idempotency.ErrConflictingKey):
				http.Error(w, "idempotency key reused with a different request", http.StatusUnprocessableEntity)

				return
			case err != nil:
				cfg.logger.Error("idempotency begin failed", "key", key, "err", err)
				http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)

				return
			}

			switch decision.Outcome {
			case idempotency.Replay:
				writeSnapshot(w, decision.Response, cfg.logger)

				return
			case idempotency.InProgress:
				http.Error(w, "request with this idempotency key is in progress", http.StatusConflict)

				return
			}

			rec := &recorder{ResponseWriter: w, status: http.StatusOK}
			completed := false
			defer func() {
				if completed {
					return
				}
				// Panics and failed responses release the key.
				ctx := context.WithoutCancel(r.Context())
				if err := keeper.Fail(ctx, key, errors.New(http.StatusText(rec.status))); err != nil {
					cfg.logger.Warn("idempotency fail failed", "key", key, "err", err)
				}
			}()

			next.ServeHTTP(rec, r)

			if !cfg.success(rec.status) {
				return
			}
			snapshot, err := json.Marshal(Snapshot{Status: rec.status, Header: rec.Header().Clone(), Body: rec.body.Bytes()})
			if err != nil {
				cfg.logger.Error("idempotency snapshot encode failed", "key", key, "err", err)

				return
			}
			if err := keeper.Complete(context.WithoutCancel(r.Context()), key, snapshot); err != nil {
				cfg.logger.Error("idempotency complete failed", "key", key, "err", err)

				return
			}
			completed = true
		})
	}
}

func writeSnapshot(w http.ResponseWriter, data []byte, logger courier.Logger) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		logger.Error("idempotency snapshot decode failed", "err", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)

		return
	}

	for name, values := range snap.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.Header().Set(HeaderReplayed, "true")
	w.WriteHeader(snap.Status)
	_, _ = w.Write(snap.Body)
}

type recorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (r *recorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	r.body.Write(p)

	return r.ResponseWriter.Write(p)
}
