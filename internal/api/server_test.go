package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/stella-invicta/internal/engine"
	"github.com/talgya/stella-invicta/internal/persistence"
	"github.com/talgya/stella-invicta/internal/scenario"
)

const market = `
name: market
start_date: "0001-12-30"
sites:
  - name: Bakery
    expected_workforce: 2
    inventory:
      grain: 8
    input:
      grain: 4
    output:
      bread: 3
    workers:
      - name: Titus
        workforce: 2
  - name: Farm
    expected_workforce: 4
    output:
      grain: 6
characters:
  - name: Julia Aquila
    birthday: "-0019-01-01"
`

func newServer(t *testing.T, adminKey string, withDB bool) *Server {
	t.Helper()
	sc, err := scenario.Parse([]byte(market))
	require.NoError(t, err)
	w, err := sc.Build()
	require.NoError(t, err)

	sim := engine.NewSimulation(w, engine.DefaultOptions())
	eng := engine.NewEngine()
	sim.Attach(eng)

	s := &Server{Sim: sim, Eng: eng, AdminKey: adminKey}
	if withDB {
		db, err := persistence.Open(filepath.Join(t.TempDir(), "api.db"))
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		s.DB = db
	}
	return s
}

func do(t *testing.T, h http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestStatus(t *testing.T) {
	s := newServer(t, "", false)
	require.NoError(t, s.Eng.StepN(context.Background(), 3))
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/status", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	status := decode[map[string]any](t, rec)
	assert.EqualValues(t, 3, status["tick"])
	assert.Equal(t, "2nd of January, year 2", status["date_long"])
	assert.Equal(t, "Winter", status["season"])
	assert.Equal(t, "2nd of January, year 2, Winter (tick 3)", status["sim_time"])
	assert.EqualValues(t, 1, status["speed"])
	assert.Equal(t, false, status["running"])
	assert.Equal(t, "4", status["entities"])
}

func TestSites(t *testing.T) {
	s := newServer(t, "", false)
	require.NoError(t, s.Eng.StepN(context.Background(), 3))
	h := s.Handler()

	sites := decode[[]engine.SiteSummary](t, do(t, h, http.MethodGet, "/api/v1/sites", "", ""))
	require.Len(t, sites, 2)
	assert.Equal(t, "Bakery", sites[0].Name)
	assert.True(t, sites[0].Stalled, "8 grain lasts two ticks")
	assert.InDelta(t, 6, sites[0].Inventory.Quantity("bread"), 1e-12)
	assert.Zero(t, sites[1].Inventory.Quantity("grain"), "unstaffed farm yields nothing")

	stalled := decode[[]engine.SiteSummary](t, do(t, h, http.MethodGet, "/api/v1/sites?stalled=true", "", ""))
	require.Len(t, stalled, 1)
	assert.Equal(t, "Bakery", stalled[0].Name)
}

func TestSiteDetail(t *testing.T) {
	s := newServer(t, "", false)
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/site/1", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Site    engine.SiteSummary `json:"site"`
		Workers []struct {
			Name      string  `json:"name"`
			WorkForce float64 `json:"workforce"`
		} `json:"workers"`
	}](t, rec)
	assert.Equal(t, "Bakery", body.Site.Name)
	assert.InDelta(t, 1, body.Site.EmploymentRatio, 1e-12)
	require.Len(t, body.Workers, 1)
	assert.Equal(t, "Titus", body.Workers[0].Name)

	tests := []struct {
		path string
		code int
	}{
		{"/api/v1/site/", http.StatusBadRequest},
		{"/api/v1/site/abc", http.StatusBadRequest},
		{"/api/v1/site/99", http.StatusNotFound},
		{"/api/v1/site/2", http.StatusNotFound}, // a worker, not a site
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.code, do(t, h, http.MethodGet, tt.path, "", "").Code)
		})
	}
}

func TestCharactersAndEvents(t *testing.T) {
	s := newServer(t, "", false)
	h := s.Handler()

	chars := decode[[]engine.CharacterSummary](t, do(t, h, http.MethodGet, "/api/v1/characters", "", ""))
	require.Len(t, chars, 1)
	assert.Equal(t, 20, chars[0].Age)

	assert.Equal(t, "[]\n", do(t, h, http.MethodGet, "/api/v1/events", "", "").Body.String())

	// Tick 2 reaches 0002-01-01: birthday. Tick 3: bakery stalls.
	require.NoError(t, s.Eng.StepN(context.Background(), 3))

	events := decode[[]engine.Event](t, do(t, h, http.MethodGet, "/api/v1/events", "", ""))
	require.Len(t, events, 2)
	assert.Equal(t, "birthday", events[0].Category)
	assert.Equal(t, "Julia Aquila turns 21", events[0].Description)

	limited := decode[[]engine.Event](t, do(t, h, http.MethodGet, "/api/v1/events?limit=1", "", ""))
	require.Len(t, limited, 1)
	assert.Equal(t, "stall", limited[0].Category)

	byCategory := decode[[]engine.Event](t, do(t, h, http.MethodGet, "/api/v1/events?category=birthday", "", ""))
	require.Len(t, byCategory, 1)
}

func TestSpeed_AdminAuth(t *testing.T) {
	tests := []struct {
		name     string
		adminKey string
		token    string
		body     string
		code     int
	}{
		{"admin disabled", "", "secret", `{"speed": 4}`, http.StatusForbidden},
		{"missing token", "secret", "", `{"speed": 4}`, http.StatusUnauthorized},
		{"wrong token", "secret", "guess", `{"speed": 4}`, http.StatusUnauthorized},
		{"out of range", "secret", "secret", `{"speed": 4000}`, http.StatusBadRequest},
		{"bad json", "secret", "secret", `{speed}`, http.StatusBadRequest},
		{"ok", "secret", "secret", `{"speed": 4}`, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newServer(t, tt.adminKey, false)
			rec := do(t, s.Handler(), http.MethodPost, "/api/v1/speed", tt.body, tt.token)
			assert.Equal(t, tt.code, rec.Code)
			if tt.code == http.StatusOK {
				assert.Equal(t, 4.0, s.Eng.Speed())
			} else {
				assert.Equal(t, 1.0, s.Eng.Speed())
			}
		})
	}

	s := newServer(t, "secret", false)
	rec := do(t, s.Handler(), http.MethodGet, "/api/v1/speed", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.0, decode[map[string]float64](t, rec)["speed"])
}

func TestSnapshot(t *testing.T) {
	s := newServer(t, "secret", true)
	require.NoError(t, s.Eng.StepN(context.Background(), 3))
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/snapshot", "", "secret")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, s.DB.HasWorldState())

	events, err := s.DB.RecentEvents(10)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodGet, "/api/v1/snapshot", "", "").Code)
}

func TestSnapshot_NoDatabase(t *testing.T) {
	s := newServer(t, "secret", false)
	rec := do(t, s.Handler(), http.MethodPost, "/api/v1/snapshot", "", "secret")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSnapshot_RateLimited(t *testing.T) {
	s := newServer(t, "secret", true)
	h := s.Handler()

	for i := 0; i < 10; i++ {
		require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/v1/snapshot", "", "secret").Code)
	}
	rec := do(t, h, http.MethodPost, "/api/v1/snapshot", "", "secret")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestCORS(t *testing.T) {
	s := newServer(t, "", false)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/status", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimiter_WindowResets(t *testing.T) {
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(2, time.Minute)
	rl.now = func() time.Time { return clock }

	assert.True(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.2"), "buckets are per ip")
	assert.Equal(t, 61, rl.RetryAfter("10.0.0.1"))

	clock = clock.Add(time.Minute)
	assert.True(t, rl.Allow("10.0.0.1"))
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:4242"
	assert.Equal(t, "192.0.2.7", clientIP(req, false))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "192.0.2.7", clientIP(req, false), "header ignored without a trusted proxy")
	assert.Equal(t, "203.0.113.9", clientIP(req, true))

	req.Header.Set("X-Forwarded-For", " , 10.0.0.1")
	assert.Equal(t, "192.0.2.7", clientIP(req, true))
}

func TestSnapshot_ForwardedForCannotDodgeLimit(t *testing.T) {
	s := newServer(t, "secret", true)
	h := s.Handler()

	for i := 0; i < 10; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/snapshot", nil)
		req.Header.Set("Authorization", "Bearer secret")
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("198.51.100.%d", i))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/snapshot", nil)
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set("X-Forwarded-For", "198.51.100.200")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}
