package httpmw_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velmie/courier/idempotency"
	"github.com/velmie/courier/idempotency/httpmw"
	"github.com/velmie/courier/memory"
)

func newRouter(t *testing.T, calls *atomic.Int32, status int, opts ...httpmw.Option) http.Handler {
	t.Helper()

	keeper := idempotency.NewKeeper(memory.NewIdempotencyStore())
	r := chi.NewRouter()
	r.Use(httpmw.Middleware(keeper, opts...))
	r.Post("/orders", func(w http.ResponseWriter, _ *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"order":` + string(rune('0'+n)) + `}`))
	})

	return r
}

func post(h http.Handler, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(body))
	if key != "" {
		req.Header.Set(httpmw.HeaderKey, key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	return rec
}

func TestMiddlewareReplaysCompletedResponse(t *testing.T) {
	var calls atomic.Int32
	h := newRouter(t, &calls, http.StatusCreated)

	first := post(h, "k1", `{"qty":1}`)
	require.Equal(t, http.StatusCreated, first.Code)

	second := post(h, "k1", `{"qty":1}`)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "application/json", second.Header().Get("Content-Type"))
	assert.Equal(t, "true", second.Header().Get(httpmw.HeaderReplayed))
	assert.Equal(t, int32(1), calls.Load())
}

func TestMiddlewareRejectsConflictingKey(t *testing.T) {
	var calls atomic.Int32
	h := newRouter(t, &calls, http.StatusCreated)

	require.Equal(t, http.StatusCreated, post(h, "k1", `{"qty":1}`).Code)
	assert.Equal(t, http.StatusUnprocessableEntity, post(h, "k1", `{"qty":2}`).Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestMiddlewareReleasesKeyOnServerError(t *testing.T) {
	var calls atomic.Int32
	h := newRouter(t, &calls, http.StatusBadGateway)

	assert.Equal(t, http.StatusBadGateway, post(h, "k1", `{}`).Code)
	assert.Equal(t, http.StatusBadGateway, post(h, "k1", `{}`).Code)
	assert.Equal(t, int32(2), calls.Load())
}

func TestMiddlewareWithoutKey(t *testing.T) {
	var calls atomic.Int32
	h := newRouter(t, &calls, http.StatusCreated)
	assert.Equal(t, http.StatusCreated, post(h, "", `{}`).Code)

	strict := newRouter(t, &calls, http.StatusCreated, httpmw.WithRequired())
	assert.Equal(t, http.StatusBadRequest, post(strict, "", `{}`).Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestMiddlewareReportsInProgress(t *testing.T) {
	keeper := idempotency.NewKeeper(memory.NewIdempotencyStore())
	body := `{"qty":1}`
	fp := idempotency.Fingerprint([]byte(http.MethodPost), []byte("/orders"), []byte(body))
	_, err := keeper.Begin(httptest.NewRequest(http.MethodGet, "/", nil).Context(), "k1", fp)
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(httpmw.Middleware(keeper))
	r.Post("/orders", func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run while the key is in progress")
	})

	assert.Equal(t, http.StatusConflict, post(r, "k1", body).Code)
}
