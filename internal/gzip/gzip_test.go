package gzip

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func echo(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	if len(body) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

func TestGzipMiddleware(t *testing.T) {
	h := GzipMiddleware(echo)
	payload := []byte(`{"profile":"3 Jam"}`)

	// сжатый запрос и ответ
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	r := httptest.NewRequest(http.MethodPost, "/", &buf)
	r.Header.Set("Content-Encoding", "gzip")
	r.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()
	h(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "gzip", w.Header().Get("Content-Encoding"))
	zr, err := gzip.NewReader(w.Body)
	require.NoError(t, err)
	body, err := io.ReadAll(zr)
	require.NoError(t, err)
	require.Equal(t, payload, body)

	// без сжатия
	r = httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(payload))
	w = httptest.NewRecorder()
	h(w, r)
	require.Empty(t, w.Header().Get("Content-Encoding"))
	require.Equal(t, payload, w.Body.Bytes())

	// пустой ответ не сжимается
	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Accept-Encoding", "gzip")
	w = httptest.NewRecorder()
	h(w, r)
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Empty(t, w.Header().Get("Content-Encoding"))
	require.Zero(t, w.Body.Len())

	// битый gzip
	r = httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(payload))
	r.Header.Set("Content-Encoding", "gzip")
	w = httptest.NewRecorder()
	h(w, r)
	require.Equal(t, http.StatusBadRequest, w.Code)
}
