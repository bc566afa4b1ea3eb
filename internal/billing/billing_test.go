package billing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hochfrequenz/run-orchestrator/internal/domain"
)

func TestMemory_ReserveSettle(t *testing.T) {
	m := NewMemory(0)
	m.SetBalance("acme", 100)
	ctx := context.Background()

	id, err := m.Reserve(ctx, "acme", "run-1", 60)
	if err != nil {
		t.Fatal(err)
	}
	if again, _ := m.Reserve(ctx, "acme", "run-1", 60); again != id {
		t.Errorf("re-reserve returned %s, want %s", again, id)
	}
	if got := m.Balance("acme"); got != 40 {
		t.Errorf("balance after reserve = %d, want 40", got)
	}

	s, err := m.Settle(ctx, "run-1", 25)
	if err != nil {
		t.Fatal(err)
	}
	if s.Charged != 25 || s.Refunded != 35 {
		t.Errorf("settlement = %+v, want charged 25 refunded 35", s)
	}
	if got := m.Balance("acme"); got != 75 {
		t.Errorf("balance after settle = %d, want 75", got)
	}

	// idempotent per run
	s2, _ := m.Settle(ctx, "run-1", 999)
	if s2 != s {
		t.Errorf("second settle = %+v, want %+v", s2, s)
	}
	if got := m.Balance("acme"); got != 75 {
		t.Errorf("balance after second settle = %d, want 75", got)
	}
	if got := m.SettleCalls("run-1"); got != 2 {
		t.Errorf("SettleCalls = %d, want 2", got)
	}
}

func TestMemory_SettlePerReservation(t *testing.T) {
	m := NewMemory(100)
	ctx := context.Background()

	first, _ := m.Reserve(ctx, "acme", "run-1", 30)
	m.Settle(ctx, "run-1", 10)
	if got := m.Balance("acme"); got != 90 {
		t.Fatalf("balance after first attempt = %d, want 90", got)
	}

	second, err := m.Reserve(ctx, "acme", "run-1", 30)
	if err != nil {
		t.Fatal(err)
	}
	if second == first {
		t.Fatal("settled reservation was handed out again")
	}
	s, _ := m.Settle(ctx, "run-1", 15)
	if s.Charged != 15 || s.Refunded != 15 {
		t.Errorf("second settlement = %+v, want charged 15 refunded 15", s)
	}
	m.Settle(ctx, "run-1", 15)
	if got := m.Balance("acme"); got != 75 {
		t.Errorf("balance = %d, want 75", got)
	}
}

func TestMemory_InsufficientCredits(t *testing.T) {
	m := NewMemory(10)
	_, err := m.Reserve(context.Background(), "poor", "run-1", 11)
	if !errors.Is(err, domain.ErrInsufficientCredits) {
		t.Errorf("got err=%v, want ErrInsufficientCredits", err)
	}
	if got := m.Balance("poor"); got != 10 {
		t.Errorf("balance = %d, want 10", got)
	}
}

func TestMemory_ReleaseIdempotent(t *testing.T) {
	m := NewMemory(50)
	ctx := context.Background()
	m.Reserve(ctx, "t", "run-1", 20)

	for i := 0; i < 2; i++ {
		if err := m.Release(ctx, "run-1", "cancelled"); err != nil {
			t.Fatal(err)
		}
	}
	if got := m.Balance("t"); got != 50 {
		t.Errorf("balance after release = %d, want 50", got)
	}
	if err := m.Release(ctx, "unknown", "x"); err != nil {
		t.Errorf("release of unknown run = %v, want nil", err)
	}
}

func TestHTTPGateway(t *testing.T) {
	var settled []settleRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/reservations":
			var req reserveRequest
			json.NewDecoder(r.Body).Decode(&req)
			if req.Estimate > 100 {
				w.WriteHeader(http.StatusPaymentRequired)
				w.Write([]byte("balance too low"))
				return
			}
			json.NewEncoder(w).Encode(reserveResponse{ReservationID: "res-" + req.RunID})
		case "/settlements":
			var req settleRequest
			json.NewDecoder(r.Body).Decode(&req)
			settled = append(settled, req)
			json.NewEncoder(w).Encode(Settlement{Charged: req.ActualUsage, Refunded: 5})
		case "/releases":
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	g := NewHTTPGateway(srv.URL + "/")
	ctx := context.Background()

	id, err := g.Reserve(ctx, "t", "run-1", 50)
	if err != nil {
		t.Fatal(err)
	}
	if id != "res-run-1" {
		t.Errorf("reservation id = %q, want res-run-1", id)
	}

	_, err = g.Reserve(ctx, "t", "run-2", 500)
	if !errors.Is(err, domain.ErrInsufficientCredits) {
		t.Errorf("got err=%v, want ErrInsufficientCredits", err)
	}

	s, err := g.Settle(ctx, "run-1", 12)
	if err != nil {
		t.Fatal(err)
	}
	if s.Charged != 12 || s.Refunded != 5 {
		t.Errorf("settlement = %+v", s)
	}
	if len(settled) != 1 || settled[0].RunID != "run-1" {
		t.Errorf("server saw %+v", settled)
	}

	if err := g.Release(ctx, "run-1", "cancelled"); err != nil {
		t.Errorf("Release() = %v", err)
	}
}
