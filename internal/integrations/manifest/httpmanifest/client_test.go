package httpmanifest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BearBump/HandoffBox/internal/apperrors"
	"github.com/stretchr/testify/require"
)

func TestClient_Expected_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/manifests/hub-a", r.URL.Path)
		require.Equal(t, "d1", r.URL.Query().Get("actor"))
		require.Equal(t, "k", r.Header.Get("X-Api-Key"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
  "location": "hub-a",
  "actor_ref": "d1",
  "tracking_codes": ["RR123456785CN", "EE000000014RU"]
}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "k")
	codes, err := c.Expected(context.Background(), "hub-a", "d1")
	require.NoError(t, err)
	require.Equal(t, []string{"RR123456785CN", "EE000000014RU"}, codes)
}

func TestClient_Expected_EmptyManifest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"location":"van-7"}`))
	}))
	defer srv.Close()

	codes, err := New(srv.URL, "").Expected(context.Background(), "van-7", "")
	require.NoError(t, err)
	require.Empty(t, codes)
}

func TestClient_Expected_HTTPErrors(t *testing.T) {
	for status, code := range map[int]apperrors.Code{
		http.StatusNotFound:            apperrors.CodeNotFound,
		http.StatusTooManyRequests:     apperrors.CodeRateLimited,
		http.StatusInternalServerError: apperrors.CodeInternal,
	} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		_, err := New(srv.URL, "k").Expected(context.Background(), "hub-a", "d1")
		srv.Close()
		require.Error(t, err)
		require.Equal(t, code, apperrors.CodeOf(err))
	}
}

func TestClient_Expected_BadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "k").Expected(context.Background(), "hub-a", "d1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "decode")
}
