package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"tradebook/api/internal/authpw"
)

func newTestHandler(t *testing.T) (*fakeStore, http.Handler) {
	t.Helper()
	fs := newFakeStore()
	svc := newTestService(fs)
	svc.authpw = authpw.NewService(fs)
	return fs, NewHTTPServer(svc, "*").Handler()
}

func doRequest(t *testing.T, handler http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	payload := map[string]any{}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return payload
}

func signUp(t *testing.T, handler http.Handler, email string) (token string, refreshToken string) {
	t.Helper()
	rec := doRequest(t, handler, http.MethodPost, "/api/auth/signup", "", map[string]any{
		"email":       email,
		"password":    "hunter2hunter2",
		"displayName": "Avery",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("signup status = %d, body %s", rec.Code, rec.Body.String())
	}
	payload := decodeResponse(t, rec)
	token, _ = payload["token"].(string)
	refreshToken, _ = payload["refreshToken"].(string)
	if token == "" || refreshToken == "" {
		t.Fatalf("signup returned empty tokens: %v", payload)
	}
	return token, refreshToken
}

func TestHealthEndpoints(t *testing.T) {
	_, handler := newTestHandler(t)

	rec := doRequest(t, handler, http.MethodGet, "/api/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}

	rec = doRequest(t, handler, http.MethodGet, "/api/ready", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ready status = %d, body %s", rec.Code, rec.Body.String())
	}
	if payload := decodeResponse(t, rec); payload["status"] != "ready" {
		t.Fatalf("ready payload = %v", payload)
	}
}

func TestSignUpAndSignIn(t *testing.T) {
	_, handler := newTestHandler(t)
	token, _ := signUp(t, handler, "avery@example.com")

	rec := doRequest(t, handler, http.MethodGet, "/api/session", token, nil)
	payload := decodeResponse(t, rec)
	if payload["authenticated"] != true || payload["userName"] != "Avery" {
		t.Fatalf("session payload = %v", payload)
	}
	if payload["role"] != "editor" {
		t.Fatalf("new accounts should default to editor, got %v", payload["role"])
	}

	// Duplicate signup is a conflict.
	rec = doRequest(t, handler, http.MethodPost, "/api/auth/signup", "", map[string]any{
		"email": "avery@example.com", "password": "hunter2hunter2", "displayName": "Avery",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate signup status = %d", rec.Code)
	}

	rec = doRequest(t, handler, http.MethodPost, "/api/auth/signin", "", map[string]any{
		"email": "avery@example.com", "password": "hunter2hunter2",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("signin status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, handler, http.MethodPost, "/api/auth/signin", "", map[string]any{
		"email": "avery@example.com", "password": "wrong-password",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad password status = %d", rec.Code)
	}
}

func TestChangePasswordEndpoint(t *testing.T) {
	_, handler := newTestHandler(t)
	token, _ := signUp(t, handler, "avery@example.com")

	rec := doRequest(t, handler, http.MethodPost, "/api/auth/change-password", token, map[string]any{
		"currentPassword": "wrong-password", "newPassword": "newpassword1",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong current password status = %d", rec.Code)
	}

	rec = doRequest(t, handler, http.MethodPost, "/api/auth/change-password", token, map[string]any{
		"currentPassword": "hunter2hunter2", "newPassword": "newpassword1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("change password status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, handler, http.MethodPost, "/api/auth/signin", "", map[string]any{
		"email": "avery@example.com", "password": "newpassword1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("signin with new password status = %d", rec.Code)
	}
}

func TestRefreshEndpointRotates(t *testing.T) {
	_, handler := newTestHandler(t)
	_, refreshToken := signUp(t, handler, "avery@example.com")

	rec := doRequest(t, handler, http.MethodPost, "/api/session/refresh", "", map[string]any{
		"refreshToken": refreshToken,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh status = %d, body %s", rec.Code, rec.Body.String())
	}
	payload := decodeResponse(t, rec)
	if payload["refreshToken"] == refreshToken {
		t.Fatalf("refresh token must rotate")
	}

	rec = doRequest(t, handler, http.MethodPost, "/api/session/refresh", "", map[string]any{
		"refreshToken": refreshToken,
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("reused refresh token status = %d", rec.Code)
	}
}

func TestRequiresSession(t *testing.T) {
	_, handler := newTestHandler(t)

	for _, path := range []string{"/api/trades/stock", "/api/notes", "/api/stats/summary", "/api/search"} {
		rec := doRequest(t, handler, http.MethodGet, path, "", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("GET %s without token: status = %d", path, rec.Code)
		}
	}

	rec := doRequest(t, handler, http.MethodGet, "/api/trades/stock", "not-a-real-token", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token status = %d", rec.Code)
	}
}

func TestStockTradeLifecycle(t *testing.T) {
	_, handler := newTestHandler(t)
	token, _ := signUp(t, handler, "avery@example.com")

	rec := doRequest(t, handler, http.MethodPost, "/api/trades/stock", token, map[string]any{
		"symbol":     "AAPL",
		"side":       "LONG",
		"quantity":   100,
		"entryPrice": 190.5,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body.String())
	}
	created := decodeResponse(t, rec)
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatalf("create returned no id: %v", created)
	}

	rec = doRequest(t, handler, http.MethodGet, "/api/trades/stock", token, nil)
	payload := decodeResponse(t, rec)
	trades, _ := payload["trades"].([]any)
	if len(trades) != 1 {
		t.Fatalf("list returned %d trades, want 1", len(trades))
	}

	rec = doRequest(t, handler, http.MethodPut, "/api/trades/stock/"+id, token, map[string]any{
		"symbol":     "AAPL",
		"side":       "LONG",
		"quantity":   100,
		"entryPrice": 190.5,
		"setup":      "breakout",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, handler, http.MethodGet, "/api/trades/stock/"+id, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	if got := decodeResponse(t, rec); got["setup"] != "breakout" {
		t.Fatalf("update not visible: %v", got)
	}

	rec = doRequest(t, handler, http.MethodDelete, "/api/trades/stock/"+id, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}

	rec = doRequest(t, handler, http.MethodGet, "/api/trades/stock/"+id, token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete status = %d", rec.Code)
	}
}

func TestCreateRejectsInvalidTrade(t *testing.T) {
	_, handler := newTestHandler(t)
	token, _ := signUp(t, handler, "avery@example.com")

	rec := doRequest(t, handler, http.MethodPost, "/api/trades/stock", token, map[string]any{
		"symbol":   "AAPL",
		"side":     "SIDEWAYS",
		"quantity": 100,
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("invalid side status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestViewerCannotWrite(t *testing.T) {
	fs, handler := newTestHandler(t)
	signUp(t, handler, "avery@example.com")

	// Demote the account to viewer; reads must still work, writes must not.
	fs.mu.Lock()
	for id, user := range fs.users {
		user.Role = "viewer"
		fs.users[id] = user
	}
	fs.mu.Unlock()

	rec := doRequest(t, handler, http.MethodPost, "/api/auth/signin", "", map[string]any{
		"email": "avery@example.com", "password": "hunter2hunter2",
	})
	viewerToken, _ := decodeResponse(t, rec)["token"].(string)

	rec = doRequest(t, handler, http.MethodGet, "/api/trades/stock", viewerToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("viewer read status = %d", rec.Code)
	}

	rec = doRequest(t, handler, http.MethodPost, "/api/trades/stock", viewerToken, map[string]any{
		"symbol": "AAPL", "side": "LONG", "quantity": 1,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("viewer write status = %d", rec.Code)
	}
}

func TestPushPullRoundTrip(t *testing.T) {
	_, handler := newTestHandler(t)
	token, _ := signUp(t, handler, "avery@example.com")

	rec := doRequest(t, handler, http.MethodPost, "/api/replicache/push", token, map[string]any{
		"pushVersion":   1,
		"clientGroupID": "cg1",
		"mutations": []map[string]any{
			{"id": 1, "clientID": "c1", "name": "createNote", "args": map[string]any{
				"id": "note_1", "dateKey": "2026-08-29", "title": "Review",
			}},
			{"id": 2, "clientID": "c1", "name": "createStockTrade", "args": map[string]any{
				"id": "st_1", "symbol": "NVDA", "side": "SHORT", "quantity": 50,
			}},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("push status = %d, body %s", rec.Code, rec.Body.String())
	}

	// Fresh pull: expect a reset patch with a clear op plus both rows.
	rec = doRequest(t, handler, http.MethodPost, "/api/replicache/pull", token, map[string]any{
		"pullVersion":   1,
		"clientGroupID": "cg1",
		"cookie":        nil,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("pull status = %d, body %s", rec.Code, rec.Body.String())
	}
	pull := decodeResponse(t, rec)
	cookie, _ := pull["cookie"].(float64)
	if cookie != 1 {
		t.Fatalf("cookie = %v, want 1", pull["cookie"])
	}
	patch, _ := pull["patch"].([]any)
	if len(patch) != 3 {
		t.Fatalf("patch has %d ops, want clear + 2 puts: %v", len(patch), patch)
	}
	first, _ := patch[0].(map[string]any)
	if first["op"] != "clear" {
		t.Fatalf("first op = %v, want clear", first["op"])
	}
	changes, _ := pull["lastMutationIDChanges"].(map[string]any)
	if got, _ := changes["c1"].(float64); got != 2 {
		t.Fatalf("lastMutationIDChanges[c1] = %v, want 2", changes["c1"])
	}

	// Replaying the same mutations is a no-op.
	rec = doRequest(t, handler, http.MethodPost, "/api/replicache/push", token, map[string]any{
		"pushVersion":   1,
		"clientGroupID": "cg1",
		"mutations": []map[string]any{
			{"id": 1, "clientID": "c1", "name": "createNote", "args": map[string]any{
				"id": "note_1", "dateKey": "2026-08-29", "title": "Review",
			}},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("replay push status = %d", rec.Code)
	}

	// An up-to-date cookie yields an empty patch.
	rec = doRequest(t, handler, http.MethodPost, "/api/replicache/pull", token, map[string]any{
		"pullVersion":   1,
		"clientGroupID": "cg1",
		"cookie":        int(cookie),
	})
	pull = decodeResponse(t, rec)
	if patch, _ := pull["patch"].([]any); len(patch) != 0 {
		t.Fatalf("caught-up pull patch = %v, want empty", patch)
	}
}

func TestPushOutOfOrder(t *testing.T) {
	_, handler := newTestHandler(t)
	token, _ := signUp(t, handler, "avery@example.com")

	rec := doRequest(t, handler, http.MethodPost, "/api/replicache/push", token, map[string]any{
		"pushVersion":   1,
		"clientGroupID": "cg1",
		"mutations": []map[string]any{
			{"id": 5, "clientID": "c1", "name": "createNote", "args": map[string]any{
				"id": "note_1", "dateKey": "2026-08-29",
			}},
		},
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("out-of-order push status = %d, body %s", rec.Code, rec.Body.String())
	}
	if payload := decodeResponse(t, rec); payload["code"] != "OUT_OF_ORDER" {
		t.Fatalf("out-of-order code = %v", payload["code"])
	}
}

func TestRejectedMutationConsumesID(t *testing.T) {
	_, handler := newTestHandler(t)
	token, _ := signUp(t, handler, "avery@example.com")

	// Mutation 1 is invalid (no dateKey) and gets skipped; mutation 2 still
	// applies because 1 consumed its slot.
	rec := doRequest(t, handler, http.MethodPost, "/api/replicache/push", token, map[string]any{
		"pushVersion":   1,
		"clientGroupID": "cg1",
		"mutations": []map[string]any{
			{"id": 1, "clientID": "c1", "name": "createNote", "args": map[string]any{"id": "note_bad"}},
			{"id": 2, "clientID": "c1", "name": "createNote", "args": map[string]any{
				"id": "note_ok", "dateKey": "2026-08-29",
			}},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("push status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, handler, http.MethodGet, "/api/notes", token, nil)
	payload := decodeResponse(t, rec)
	notes, _ := payload["notes"].([]any)
	if len(notes) != 1 {
		t.Fatalf("list returned %d notes, want 1: %v", len(notes), notes)
	}
}

func TestSearchWithoutBackend(t *testing.T) {
	_, handler := newTestHandler(t)
	token, _ := signUp(t, handler, "avery@example.com")

	rec := doRequest(t, handler, http.MethodGet, "/api/search?q=apple", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("search status = %d", rec.Code)
	}
	payload := decodeResponse(t, rec)
	if results, _ := payload["results"].([]any); len(results) != 0 {
		t.Fatalf("search results = %v, want empty", payload["results"])
	}

	rec = doRequest(t, handler, http.MethodGet, "/api/search?q=apple&limit=nope", token, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("bad limit status = %d", rec.Code)
	}
}

func TestAttachmentsUnavailable(t *testing.T) {
	_, handler := newTestHandler(t)
	token, _ := signUp(t, handler, "avery@example.com")

	rec := doRequest(t, handler, http.MethodPost, "/api/attachments/upload-url", token, map[string]any{
		"filename": "chart.png", "contentType": "image/png",
	})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("upload-url status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestDailyStatsValidatesDates(t *testing.T) {
	_, handler := newTestHandler(t)
	token, _ := signUp(t, handler, "avery@example.com")

	rec := doRequest(t, handler, http.MethodGet, "/api/stats/daily?from=not-a-date", token, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("bad date status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, handler, http.MethodGet, "/api/stats/daily?from=2026-08-01&to=2026-08-31", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("daily stats status = %d", rec.Code)
	}
}
