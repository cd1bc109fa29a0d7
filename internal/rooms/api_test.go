package rooms

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/beatarena/livesession/internal/auth"
)

type recordingNotifier struct {
	mu      sync.Mutex
	updated []Room
	deleted []Room
}

func (n *recordingNotifier) RoomUpdated(r Room) {
	n.mu.Lock()
	n.updated = append(n.updated, r)
	n.mu.Unlock()
}

func (n *recordingNotifier) RoomDeleted(r Room) {
	n.mu.Lock()
	n.deleted = append(n.deleted, r)
	n.mu.Unlock()
}

func newTestAPI(t *testing.T) (http.Handler, *auth.JWT, *recordingNotifier) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	j := auth.NewJWT("test-secret", time.Hour)
	n := &recordingNotifier{}
	h := NewHandler(APIConfig{
		Store:        NewMemoryStore(4, time.Hour),
		Notifier:     n,
		Authenticate: auth.RequireJWT(j),
		TokenIssuer:  j,
	})
	return h, j, n
}

func doJSON(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func mustToken(t *testing.T, j *auth.JWT, userID string) string {
	t.Helper()
	tok, err := j.Issue(auth.Identity{UserID: userID})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return tok
}

func TestAPI_RoomLifecycle(t *testing.T) {
	h, j, n := newTestAPI(t)
	host := mustToken(t, j, "host-1")
	other := mustToken(t, j, "other-1")

	rr := doJSON(t, h, http.MethodPost, "/api/rooms", "", map[string]any{"title": "x"})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("create without token: status=%d", rr.Code)
	}

	rr = doJSON(t, h, http.MethodPost, "/api/rooms", host, map[string]any{
		"title": "Beat battle #7", "type": "beat-battle", "maxPeers": 6, "totalRounds": 3,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: status=%d body=%s", rr.Code, rr.Body.String())
	}
	var created Room
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.CreatorID != "host-1" || created.Status != StatusWaiting || created.MaxPeers != 6 {
		t.Fatalf("created=%+v", created)
	}

	rr = doJSON(t, h, http.MethodGet, "/api/rooms/"+created.Code, "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get by code: status=%d", rr.Code)
	}
	var view roomView
	if err := json.Unmarshal(rr.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.ID != created.ID || view.PeerCount != 0 {
		t.Fatalf("view=%+v", view)
	}

	rr = doJSON(t, h, http.MethodPatch, "/api/rooms/"+created.ID+"/status", other, map[string]any{"status": "active"})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("non-creator status change: status=%d", rr.Code)
	}

	rr = doJSON(t, h, http.MethodPatch, "/api/rooms/"+created.ID+"/status", host, map[string]any{"status": "active"})
	if rr.Code != http.StatusOK {
		t.Fatalf("activate: status=%d body=%s", rr.Code, rr.Body.String())
	}
	rr = doJSON(t, h, http.MethodPatch, "/api/rooms/"+created.ID+"/status", host, map[string]any{"status": "waiting"})
	if rr.Code != http.StatusConflict {
		t.Fatalf("backwards transition: status=%d", rr.Code)
	}

	rr = doJSON(t, h, http.MethodDelete, "/api/rooms/"+created.ID, host, nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete: status=%d", rr.Code)
	}
	rr = doJSON(t, h, http.MethodGet, "/api/rooms/"+created.ID, "", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("get after delete: status=%d", rr.Code)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.updated) != 1 || n.updated[0].Status != StatusActive {
		t.Fatalf("updated notifications=%+v", n.updated)
	}
	if len(n.deleted) != 1 || n.deleted[0].ID != created.ID {
		t.Fatalf("deleted notifications=%+v", n.deleted)
	}
}

func TestAPI_CreateValidation(t *testing.T) {
	h, j, _ := newTestAPI(t)
	tok := mustToken(t, j, "u1")

	for _, body := range []map[string]any{
		{"maxPeers": 1},
		{"maxPeers": 40},
		{"type": "karaoke"},
		{"totalRounds": -2},
	} {
		rr := doJSON(t, h, http.MethodPost, "/api/rooms", tok, body)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("body %v: status=%d, want 400", body, rr.Code)
		}
	}
}

func TestAPI_IssueToken(t *testing.T) {
	h, j, _ := newTestAPI(t)

	rr := doJSON(t, h, http.MethodPost, "/api/auth/token", "", map[string]any{"userId": "u5", "name": "Five"})
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	id, err := j.Verify(resp.Token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.UserID != "u5" || id.Name != "Five" {
		t.Fatalf("identity=%+v", id)
	}
}
