package viewer

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mcdev12/arena/go/internal/metrics"
	"github.com/mcdev12/arena/go/internal/models"
)

func newTestRouter(h *harness, m http.Handler) http.Handler {
	handler := NewHandler(h.s, m)
	h.t.Cleanup(handler.Close)
	return handler.Routes()
}

func TestGetState(t *testing.T) {
	h := newHarness(t)
	h.s.SelectTable(models.TableSession{TableID: "CF02", SessionToken: "tok"})
	eventually(t, "start", func() bool { return h.neg.has("start CF02 tok") })

	rec := httptest.NewRecorder()
	newTestRouter(h, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/viewer/state", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var body struct {
		TableID       string `json:"table_id"`
		Authenticated bool   `json:"authenticated"`
		Video         struct {
			State string `json:"state"`
			Kind  string `json:"kind"`
		} `json:"video"`
		Round struct {
			Phase string `json:"phase"`
		} `json:"round"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v\n%s", err, rec.Body.String())
	}
	if body.TableID != "CF02" || !body.Authenticated {
		t.Errorf("body = %+v", body)
	}
	if body.Video.State != "attached" || body.Video.Kind != "hls" {
		t.Errorf("video = %+v", body.Video)
	}
	if body.Round.Phase != string(models.PhaseWaiting) {
		t.Errorf("phase = %q", body.Round.Phase)
	}
}

func TestSelectTableEndpoint(t *testing.T) {
	h := newHarness(t)
	router := newTestRouter(h, nil)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"bad json", `{`, http.StatusBadRequest},
		{"missing table", `{"token":"tok"}`, http.StatusBadRequest},
		{"ok", `{"table_id":"CF01","token":"tok"}`, http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/viewer/table", strings.NewReader(tt.body))
			router.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
	eventually(t, "start", func() bool { return h.neg.has("start CF01 tok") })
}

func TestRefreshEndpoint(t *testing.T) {
	h := newHarness(t)
	rec := httptest.NewRecorder()
	newTestRouter(h, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/viewer/refresh", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	eventually(t, "refresh", func() bool { return h.neg.has("refresh") })
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t)
	m := metrics.New()
	m.RecordEvent("phase_update")
	router := newTestRouter(h, m.Handler())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Errorf("health = %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "phase_update") {
		t.Errorf("metrics = %d\n%s", rec.Code, rec.Body.String())
	}
}

func TestServerAllowsCrossOriginReads(t *testing.T) {
	h := newHarness(t)
	srv := NewServer("0", newTestRouter(h, nil), []string{"https://viewer.example"})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/viewer/state", nil)
	req.Header.Set("Origin", "https://viewer.example")
	srv.Handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://viewer.example" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/viewer/state", nil)
	req.Header.Set("Origin", "https://elsewhere.example")
	srv.Handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("foreign origin allowed: %q", got)
	}
}

func TestStatePushOverWebSocket(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(newTestRouter(h, nil))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/viewer", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	type pushed struct {
		TableID string `json:"table_id"`
		Video   struct {
			State string `json:"state"`
		} `json:"video"`
	}
	read := func() pushed {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var st pushed
		if err := json.Unmarshal(data, &st); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return st
	}

	if st := read(); st.TableID != "" {
		t.Fatalf("initial state table = %q, want none", st.TableID)
	}

	h.s.SelectTable(models.TableSession{TableID: "CF01"})
	for {
		st := read()
		if st.TableID == "CF01" && st.Video.State == "attached" {
			break
		}
	}
}
