package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"civiclens/api/internal/store"
)

func bearerFor(t *testing.T, svc *Service, userID, name, role string) string {
	t.Helper()
	token, _, _, err := svc.tokens.Issue(userID, name, role)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return "Bearer " + token
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string, string) (bool, error) { return false, nil }

func TestHealthEndpoint(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeStore{}), "*")
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected X-Request-ID header")
	}
}

func TestIssueListIsPublic(t *testing.T) {
	fs := &fakeStore{
		listIssuesFn: func(_ context.Context, filter store.IssueFilter) ([]store.Issue, error) {
			if filter.ZoneID != "zon_a" {
				t.Fatalf("expected zone filter zon_a, got %q", filter.ZoneID)
			}
			return []store.Issue{{ID: "iss_1", Title: "Pothole", Status: store.StatusOpen}}, nil
		},
	}
	server := NewHTTPServer(newTestService(fs), "*")
	req := httptest.NewRequest(http.MethodGet, "/api/issues?zoneId=zon_a", nil)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	issues, _ := payload["issues"].([]any)
	if len(issues) != 1 {
		t.Fatalf("expected one issue, got %v", payload)
	}
}

func TestCreateIssueRequiresAuth(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeStore{}), "*")
	req := httptest.NewRequest(http.MethodPost, "/api/issues", bytes.NewBufferString(`{"title":"Pothole"}`))
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestCreateIssueRoundTrip(t *testing.T) {
	svc := newTestService(&fakeStore{})
	server := NewHTTPServer(svc, "*")

	body := `{"title":"Pothole on Main St","description":"Deep pothole","categoryId":"cat_roads","zoneId":"zon_a"}`
	req := httptest.NewRequest(http.MethodPost, "/api/issues", bytes.NewBufferString(body))
	req.Header.Set("Authorization", bearerFor(t, svc, "usr_1", "Cam", "CITIZEN"))
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	issue, _ := payload["issue"].(map[string]any)
	if issue["title"] != "Pothole on Main St" {
		t.Fatalf("expected echoed title, got %v", issue)
	}
	if issue["status"] != store.StatusOpen {
		t.Fatalf("expected OPEN status, got %v", issue["status"])
	}
}

func TestCreateIssueRateLimited(t *testing.T) {
	svc := newTestService(&fakeStore{})
	server := NewHTTPServer(svc, "*")
	server.SetLimiter(denyLimiter{})

	body := `{"title":"Pothole","description":"Deep","categoryId":"cat_roads","zoneId":"zon_a"}`
	req := httptest.NewRequest(http.MethodPost, "/api/issues", bytes.NewBufferString(body))
	req.Header.Set("Authorization", bearerFor(t, svc, "usr_1", "Cam", "CITIZEN"))
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestVoteRouting(t *testing.T) {
	svc := newTestService(&fakeStore{
		castVoteFn: func(_ context.Context, issueID, voterID string, voteType int) (store.VoteResult, error) {
			if issueID != "iss_9" || voterID != "usr_2" || voteType != 1 {
				t.Fatalf("unexpected vote args: %s %s %d", issueID, voterID, voteType)
			}
			return store.VoteResult{Action: "created", VoteScore: 1}, nil
		},
	})
	server := NewHTTPServer(svc, "*")

	req := httptest.NewRequest(http.MethodPost, "/api/issues/iss_9/votes", bytes.NewBufferString(`{"direction":"up"}`))
	req.Header.Set("Authorization", bearerFor(t, svc, "usr_2", "Cam", "CITIZEN"))
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestStatusPatchForbiddenForCitizen(t *testing.T) {
	svc := newTestService(&fakeStore{})
	server := NewHTTPServer(svc, "*")

	req := httptest.NewRequest(http.MethodPatch, "/api/issues/iss_1/status", bytes.NewBufferString(`{"status":"RESOLVED"}`))
	req.Header.Set("Authorization", bearerFor(t, svc, "usr_1", "Cam", "CITIZEN"))
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestStatusPatchAsAdmin(t *testing.T) {
	fs := &fakeStore{
		getUserByIDFn: func(_ context.Context, userID string) (store.User, error) {
			return store.User{ID: userID, DisplayName: "Avery", Role: "SUPER_ADMIN"}, nil
		},
	}
	svc := newTestService(fs)
	server := NewHTTPServer(svc, "*")

	req := httptest.NewRequest(http.MethodPatch, "/api/issues/iss_1/status", bytes.NewBufferString(`{"status":"ACKNOWLEDGED","reason":"on it"}`))
	req.Header.Set("Authorization", bearerFor(t, svc, "usr_admin", "Avery", "SUPER_ADMIN"))
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestAdminZonesForbiddenForCitizen(t *testing.T) {
	svc := newTestService(&fakeStore{})
	server := NewHTTPServer(svc, "*")

	req := httptest.NewRequest(http.MethodPost, "/api/admin/zones", bytes.NewBufferString(`{"name":"Ward 9","zoneType":"WARD"}`))
	req.Header.Set("Authorization", bearerFor(t, svc, "usr_1", "Cam", "CITIZEN"))
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestFlagCommentRouting(t *testing.T) {
	svc := newTestService(&fakeStore{
		flagCommentFn: func(_ context.Context, flag store.CommentFlag) (store.FlagResult, error) {
			if flag.CommentID != "com_7" || flag.Reason != "SPAM" {
				t.Fatalf("unexpected flag args: %+v", flag)
			}
			return store.FlagResult{FlagCount: 1, IsFlagged: false}, nil
		},
	})
	server := NewHTTPServer(svc, "*")

	req := httptest.NewRequest(http.MethodPost, "/api/comments/com_7/flags", bytes.NewBufferString(`{"reason":"spam"}`))
	req.Header.Set("Authorization", bearerFor(t, svc, "usr_2", "Cam", "CITIZEN"))
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestSessionEndpointWithoutToken(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeStore{}), "*")
	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if payload["authenticated"] != false {
		t.Fatalf("expected authenticated false, got %v", payload)
	}
}

func TestUnknownRouteReturns404(t *testing.T) {
	svc := newTestService(&fakeStore{})
	server := NewHTTPServer(svc, "*")

	req := httptest.NewRequest(http.MethodGet, "/api/nope", nil)
	req.Header.Set("Authorization", bearerFor(t, svc, "usr_1", "Cam", "CITIZEN"))
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}
