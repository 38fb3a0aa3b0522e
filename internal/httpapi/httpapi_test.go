package httpapi

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandleHealthReportsOK(t *testing.T) {
	s := &Server{}
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	s.handleHealth(w, req)

	require.Equal(t, 200, w.Code)
	require.Equal(t, "ok", w.Body.String())
}

func TestMuxRegistersExpectedRoutes(t *testing.T) {
	s := &Server{}
	mux := s.Mux()

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	require.Equal(t, 200, w.Code)
}
