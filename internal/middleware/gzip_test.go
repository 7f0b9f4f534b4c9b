package middleware

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

type bookingFixture struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	TotalPrice int64  `json:"totalPrice"`
}

// createBookingHandler имитирует обработчик создания бронирования:
// читает JSON запроса и отвечает бронированием с рассчитанной стоимостью.
func createBookingHandler(t *testing.T) http.HandlerFunc {
	t.Helper()

	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()

		var req struct {
			EquipmentID int64  `json:"equipmentId"`
			StartDate   string `json:"startDate"`
			EndDate     string `json:"endDate"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		if req.EquipmentID == 0 {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(bookingFixture{
			ID:         "c0ffee00-0000-4000-8000-000000000001",
			Status:     "confirmed",
			TotalPrice: 1417500,
		})
	}
}

func gzipBody(t *testing.T, payload []byte) *bytes.Buffer {
	t.Helper()

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		t.Fatalf("write gzip: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return &buf
}

func TestGzipMiddleware_CompressesBookingResponse(t *testing.T) {
	body := []byte(`{"equipmentId":7,"startDate":"2025-06-01","endDate":"2025-06-03"}`)

	req := httptest.NewRequest(http.MethodPost, "/api/bookings", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")

	rec := httptest.NewRecorder()
	GzipMiddleware(createBookingHandler(t)).ServeHTTP(rec, req)

	res := rec.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	if ce := res.Header.Get("Content-Encoding"); ce != "gzip" {
		t.Fatalf("content-encoding = %q, want gzip", ce)
	}

	zr, err := gzip.NewReader(res.Body)
	if err != nil {
		t.Fatalf("new gzip reader: %v", err)
	}
	defer zr.Close()

	var booking bookingFixture
	if err := json.NewDecoder(zr).Decode(&booking); err != nil {
		t.Fatalf("decode compressed booking: %v", err)
	}
	if booking.TotalPrice != 1417500 {
		t.Fatalf("totalPrice = %d, want 1417500", booking.TotalPrice)
	}
	if booking.Status != "confirmed" {
		t.Fatalf("status = %q, want confirmed", booking.Status)
	}
}

func TestGzipMiddleware_PlainClientGetsPlainJSON(t *testing.T) {
	body := []byte(`{"equipmentId":7,"startDate":"2025-06-01","endDate":"2025-06-03"}`)

	req := httptest.NewRequest(http.MethodPost, "/api/bookings", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	GzipMiddleware(createBookingHandler(t)).ServeHTTP(rec, req)

	res := rec.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	if ce := res.Header.Get("Content-Encoding"); ce != "" {
		t.Fatalf("content-encoding = %q, want empty", ce)
	}

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var booking bookingFixture
	if err := json.Unmarshal(raw, &booking); err != nil {
		t.Fatalf("plain body must stay valid JSON: %v", err)
	}
	if booking.ID == "" {
		t.Fatalf("booking id must survive uncompressed")
	}
}

func TestGzipMiddleware_DecompressesRequestBody(t *testing.T) {
	payload := []byte(`{"equipmentId":7,"startDate":"2025-06-01","endDate":"2025-06-03"}`)

	req := httptest.NewRequest(http.MethodPost, "/api/bookings", gzipBody(t, payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")

	rec := httptest.NewRecorder()
	GzipMiddleware(createBookingHandler(t)).ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d: handler must see the decompressed booking", rec.Code, http.StatusCreated)
	}
}

func TestGzipMiddleware_RejectsBrokenCompressedBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/bookings", bytes.NewReader([]byte("not gzip at all")))
	req.Header.Set("Content-Encoding", "gzip")

	rec := httptest.NewRecorder()
	GzipMiddleware(createBookingHandler(t)).ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}
