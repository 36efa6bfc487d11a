package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"example.com/signup/internal/domain"
	"example.com/signup/internal/events"
	"example.com/signup/internal/persistence/sqlite"
	"example.com/signup/internal/ratelimit"
	"example.com/signup/internal/web"
)

type testServer struct {
	router http.Handler
	store  *sqlite.Store
}

func newTestServer(t *testing.T, limit func(http.Handler) http.Handler) *testServer {
	t.Helper()
	return newTestServerWith(t, Routes{Limit: limit})
}

// newTestServerWith seeds a sqlite store and serves it with routes. Static
// defaults to the embedded landing page and Audit to the store.
func newTestServerWith(t *testing.T, routes Routes) *testServer {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "activities.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	service := domain.NewService(store, zap.NewNop())
	_, err = service.Seed(ctx, domain.DefaultSeed())
	require.NoError(t, err)

	if routes.Static == nil {
		routes.Static = web.Static()
	}
	if routes.Audit == nil {
		routes.Audit = store
	}
	r := chi.NewRouter()
	NewHandler(service, zap.NewNop()).RegisterRoutes(r, routes)
	return &testServer{router: r, store: store}
}

func (s *testServer) do(method, target, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if remoteAddr != "" {
		req.RemoteAddr = remoteAddr
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestListActivities(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := srv.do(http.MethodGet, "/activities", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]ActivityView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body, 9)

	chess := body["Chess Club"]
	require.Equal(t, "Learn strategies and compete in chess tournaments", chess.Description)
	require.Equal(t, 12, chess.MaxParticipants)
	require.Equal(t, []string{"michael@mergington.edu", "daniel@mergington.edu"}, chess.Participants)

	// keys keep seed order
	require.True(t, strings.HasPrefix(rec.Body.String(), `{"Chess Club":`))
}

func TestSignupAndUnregisterRoundTrip(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := srv.do(http.MethodPost, "/activities/Chess%20Club/signup?email=newbie@mergington.edu", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var msg MessageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))
	require.Equal(t, "Signed up newbie@mergington.edu for Chess Club", msg.Message)

	var body map[string]ActivityView
	list := srv.do(http.MethodGet, "/activities", "")
	require.NoError(t, json.Unmarshal(list.Body.Bytes(), &body))
	require.Contains(t, body["Chess Club"].Participants, "newbie@mergington.edu")

	rec = srv.do(http.MethodPost, "/activities/Chess%20Club/unregister?email=newbie@mergington.edu", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))
	require.Equal(t, "Unregistered newbie@mergington.edu from Chess Club", msg.Message)

	list = srv.do(http.MethodGet, "/activities", "")
	body = nil
	require.NoError(t, json.Unmarshal(list.Body.Bytes(), &body))
	require.NotContains(t, body["Chess Club"].Participants, "newbie@mergington.edu")
}

func TestSignupErrors(t *testing.T) {
	srv := newTestServer(t, nil)

	tests := []struct {
		name      string
		target    string
		status    int
		errorType string
		detail    string
	}{
		{
			name:   "unknown activity",
			target: "/activities/NoSuchClub/signup?email=a@mergington.edu",
			status: http.StatusNotFound,
			detail: "Activity not found",
		},
		{
			name:   "unknown activity wins over bad email",
			target: "/activities/NoSuchClub/signup?email=bad-email",
			status: http.StatusNotFound,
			detail: "Activity not found",
		},
		{
			name:      "already registered",
			target:    "/activities/Chess%20Club/signup?email=michael@mergington.edu",
			status:    http.StatusConflict,
			errorType: ErrorTypeAlreadyRegistered,
			detail:    "Student already registered for this activity",
		},
		{
			name:   "invalid email",
			target: "/activities/Chess%20Club/signup?email=not-an-email",
			status: http.StatusUnprocessableEntity,
			detail: "Invalid email: The email address is not valid. It must have exactly one @-sign.",
		},
		{
			name:   "missing email",
			target: "/activities/Chess%20Club/signup",
			status: http.StatusUnprocessableEntity,
			detail: "missing email query parameter",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := srv.do(http.MethodPost, tc.target, "")
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			require.Equal(t, tc.errorType, rec.Header().Get("X-Error-Type"))
			require.Equal(t, tc.detail, decodeError(t, rec)["detail"])
		})
	}
}

func TestSignupFullActivity(t *testing.T) {
	srv := newTestServer(t, nil)
	ctx := context.Background()

	roster, err := srv.store.GetActivity(ctx, "Math Olympiad")
	require.NoError(t, err)
	count, err := srv.store.CountMembers(ctx, "Math Olympiad")
	require.NoError(t, err)
	for i := count; i < roster.Capacity; i++ {
		require.NoError(t, srv.store.AddMember(ctx, "Math Olympiad", strings.Repeat("x", i+1)+"@mergington.edu"))
	}

	// full is reported before the duplicate and format checks
	rec := srv.do(http.MethodPost, "/activities/Math%20Olympiad/signup?email=bad-email", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, ErrorTypeActivityFull, rec.Header().Get("X-Error-Type"))
	require.Equal(t, "Activity is full", decodeError(t, rec)["detail"])
}

func TestUnregisterNotRegistered(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := srv.do(http.MethodPost, "/activities/Chess%20Club/unregister?email=ghost@mergington.edu", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, ErrorTypeNotRegistered, rec.Header().Get("X-Error-Type"))

	rec = srv.do(http.MethodPost, "/activities/NoSuchClub/unregister?email=ghost@mergington.edu", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMutatingRoutesAreRateLimited(t *testing.T) {
	limiter := ratelimit.Middleware(ratelimit.Options{
		Store:               ratelimit.NewMemoryStore(5, time.Minute),
		AddRateLimitHeaders: true,
		Logger:              zap.NewNop(),
	})
	srv := newTestServer(t, limiter)

	// signup and unregister share one budget
	for i := 0; i < 5; i++ {
		path := "/activities/Chess%20Club/signup?email=kid@mergington.edu"
		if i%2 == 1 {
			path = "/activities/Chess%20Club/unregister?email=kid@mergington.edu"
		}
		rec := srv.do(http.MethodPost, path, "10.1.1.1:4000")
		require.NotEqual(t, http.StatusTooManyRequests, rec.Code)
	}

	rec := srv.do(http.MethodPost, "/activities/NoSuchClub/signup?email=bad", "10.1.1.1:4001")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
	require.Equal(t, ratelimit.RejectDetail, decodeError(t, rec)["detail"])

	// reads are never limited
	require.Equal(t, http.StatusOK, srv.do(http.MethodGet, "/activities", "10.1.1.1:4002").Code)

	// other clients keep their own budget
	rec = srv.do(http.MethodPost, "/activities/Chess%20Club/signup?email=other@mergington.edu", "10.2.2.2:4000")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRootRedirectsToLandingPage(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := srv.do(http.MethodGet, "/", "")
	require.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	require.Equal(t, "/static/index.html", rec.Header().Get("Location"))

	// follow the redirect against the embedded assets
	rec = srv.do(http.MethodGet, rec.Header().Get("Location"), "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Header().Get("Location"))
	require.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	require.Contains(t, rec.Body.String(), "Mergington High School")

	for _, asset := range []string{"/static/app.js", "/static/styles.css"} {
		rec = srv.do(http.MethodGet, asset, "")
		require.Equal(t, http.StatusOK, rec.Code, asset)
		require.NotEmpty(t, rec.Body.String(), asset)
	}
}

func TestActivityNameDecodedOnce(t *testing.T) {
	tests := []struct {
		target string
		want   string
	}{
		{target: "/activities/Chess%20Club/signup", want: "Chess Club"},
		{target: "/activities/100%2541/signup", want: "100%41"},
		{target: "/activities/Art%2FCraft/signup", want: "Art/Craft"},
		{target: "/activities/50%25%20Off/signup", want: "50% Off"},
	}

	for _, tc := range tests {
		t.Run(tc.target, func(t *testing.T) {
			var got string
			r := chi.NewRouter()
			r.Post("/activities/{name}/signup", func(_ http.ResponseWriter, r *http.Request) {
				got = activityName(r)
			})
			r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, tc.target, nil))
			require.Equal(t, tc.want, got)
		})
	}
}

func TestAuditTrail(t *testing.T) {
	srv := newTestServer(t, nil)
	ctx := context.Background()
	occurred := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	for i, typ := range []string{events.TypeMemberAdded, events.TypeMemberRemoved} {
		_, err := srv.store.AppendAudit(ctx, events.AuditEntry{
			EventID:    []string{"evt-1", "evt-2"}[i],
			EventType:  typ,
			Activity:   "Chess Club",
			Email:      "newbie@mergington.edu",
			OccurredAt: occurred.Add(time.Duration(i) * time.Minute),
			Topic:      events.DefaultTopic,
			Offset:     int64(i),
			ReceivedAt: occurred.Add(time.Hour),
		})
		require.NoError(t, err)
	}

	rec := srv.do(http.MethodGet, "/activities/Chess%20Club/audit", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var trail []AuditView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trail))
	require.Len(t, trail, 2)
	require.Equal(t, "evt-1", trail[0].EventID)
	require.Equal(t, events.TypeMemberAdded, trail[0].EventType)
	require.Equal(t, events.TypeMemberRemoved, trail[1].EventType)
	require.Equal(t, "newbie@mergington.edu", trail[1].Email)
	require.True(t, occurred.Equal(trail[0].OccurredAt))

	rec = srv.do(http.MethodGet, "/activities/Drama%20Club/audit", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `[]`, rec.Body.String())
}

func TestRateLimitStatsRoute(t *testing.T) {
	stats := ratelimit.NewMemoryStats()
	limiter := ratelimit.Middleware(ratelimit.Options{
		Store:  ratelimit.NewMemoryStore(1, time.Minute),
		Stats:  stats,
		Logger: zap.NewNop(),
	})
	srv := newTestServerWith(t, Routes{Limit: limiter, RateLimitStats: ratelimit.StatsHandler(stats, nil)})

	srv.do(http.MethodPost, "/activities/Chess%20Club/signup?email=kid@mergington.edu", "10.3.3.3:1000")
	srv.do(http.MethodPost, "/activities/Chess%20Club/signup?email=kid@mergington.edu", "10.3.3.3:1001")

	rec := srv.do(http.MethodGet, "/debug/ratelimit", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap ratelimit.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Equal(t, ratelimit.Counters{Allowed: 1, Denied: 1}, snap.Total)
	require.Equal(t, ratelimit.Counters{Allowed: 1, Denied: 1}, snap.Routes["POST /activities/{name}/signup"])
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, nil)
	require.Equal(t, http.StatusOK, srv.do(http.MethodGet, "/healthz", "").Code)

	r := chi.NewRouter()
	NewHandler(domain.NewService(pingFailRepo{}, nil), nil).RegisterRoutes(r, Routes{})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServerErrorHidesDetail(t *testing.T) {
	r := chi.NewRouter()
	NewHandler(domain.NewService(pingFailRepo{}, nil), nil).RegisterRoutes(r, Routes{})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/activities/Chess%20Club/signup?email=a@mergington.edu", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeError(t, rec)
	require.Equal(t, "server_error", body["type"])
	require.NotContains(t, body["detail"], "disk")
}

var errStoreDown = errors.New("disk I/O error")

type pingFailRepo struct{}

func (pingFailRepo) GetActivity(context.Context, string) (*domain.Activity, error) {
	return nil, errStoreDown
}
func (pingFailRepo) ListActivities(context.Context) ([]domain.Roster, error) {
	return nil, errStoreDown
}
func (pingFailRepo) CountMembers(context.Context, string) (int, error)       { return 0, errStoreDown }
func (pingFailRepo) IsMember(context.Context, string, string) (bool, error) { return false, errStoreDown }
func (pingFailRepo) AddMember(context.Context, string, string) error        { return errStoreDown }
func (pingFailRepo) RemoveMember(context.Context, string, string) error     { return errStoreDown }
func (pingFailRepo) Seed(context.Context, domain.SeedDataset) (bool, error) {
	return false, errStoreDown
}
func (pingFailRepo) Ping(context.Context) error { return errStoreDown }
