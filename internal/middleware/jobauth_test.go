package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestJobAuthMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		configured string
		provided   string
		wantStatus int
	}{
		{
			name:       "matching key",
			configured: "sweep-secret",
			provided:   "sweep-secret",
			wantStatus: http.StatusOK,
		},
		{
			name:       "wrong key",
			configured: "sweep-secret",
			provided:   "other",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "missing key",
			configured: "sweep-secret",
			provided:   "",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "empty configured key rejects everything",
			configured: "",
			provided:   "",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "empty configured key rejects guessed literals",
			configured: "",
			provided:   "default-job-key",
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth := NewJobAuthMiddleware(tt.configured)

			req := httptest.NewRequest(http.MethodPost, "/api/jobs/advance-bookings", nil)
			if tt.provided != "" {
				req.Header.Set(JobKeyHeader, tt.provided)
			}

			rec := httptest.NewRecorder()

			h := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))
			h.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}
