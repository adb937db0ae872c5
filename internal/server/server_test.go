package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/cronpostps/cronpost/internal/account"
	"github.com/cronpostps/cronpost/internal/config"
	"github.com/cronpostps/cronpost/internal/storage"
	"github.com/cronpostps/cronpost/internal/worker"
	logx "github.com/cronpostps/cronpost/pkg/logx"
)

type testEnv struct {
	srv   *Server
	store storage.Store
	ts    *httptest.Server
}

func newTestEnv(t *testing.T, token string) *testEnv {
	t.Helper()
	st, err := storage.Open(storage.Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "server.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	mgr := config.NewManager("")
	mgr.Commit(&config.Config{
		Policy: config.PolicyConfig{PinLockThreshold: 3},
	})
	w := worker.New(st, nil, mgr, logx.Nop())
	srv := New(st, w, mgr, logx.Nop())
	ts := httptest.NewServer(srv.auth(token, srv.routes()))
	t.Cleanup(ts.Close)
	return &testEnv{srv: srv, store: st, ts: ts}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, token string) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func putAccountBody() map[string]any {
	return map[string]any{
		"timezone": "Europe/Berlin",
		"rule": map[string]any{
			"kind":        "every_day",
			"prompt_time": "09:00",
			"enabled":     true,
		},
		"grace":                   "1h",
		"pin":                     "1234",
		"require_pin_for_actions": true,
	}
}

func TestAuthToken(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "s3cret")

	resp, _ := env.do(t, http.MethodGet, "/v1/accounts/u1", nil, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodGet, "/v1/accounts/u1", nil, "wrong")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want 401", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodGet, "/v1/accounts/u1", nil, "s3cret")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("right token: status = %d, want 404 for missing account", resp.StatusCode)
	}
	// Health stays open for probes.
	resp, _ = env.do(t, http.MethodGet, "/healthz", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health: status = %d, want 200", resp.StatusCode)
	}
}

func TestPutAndGetAccount(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")

	resp, body := env.do(t, http.MethodPut, "/v1/accounts/u1", putAccountBody(), "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("put: status = %d, body = %v", resp.StatusCode, body)
	}
	if body["status"] != "not_scheduled" || body["timezone"] != "Europe/Berlin" {
		t.Errorf("created view = %v", body)
	}

	resp, body = env.do(t, http.MethodGet, "/v1/accounts/u1", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: status = %d", resp.StatusCode)
	}
	rule, _ := body["rule"].(map[string]any)
	if rule["kind"] != "every_day" || rule["prompt_time"] != "09:00" {
		t.Errorf("rule = %v", rule)
	}

	// Second PUT updates settings, not status.
	resp, body = env.do(t, http.MethodPut, "/v1/accounts/u1", putAccountBody(), "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("update: status = %d, want 200", resp.StatusCode)
	}
	if body["status"] != "not_scheduled" {
		t.Errorf("status after update = %v", body["status"])
	}
}

func TestPutAccountPreservesLifecycleState(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")
	ctx := context.Background()
	env.do(t, http.MethodPut, "/v1/accounts/u1", putAccountBody(), "")

	// A transition lands between the user loading the settings form and
	// saving it. The save must not roll the account back.
	ends := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	err := env.store.WithAccount(ctx, "u1", func(tx *storage.AccountTx) error {
		a := tx.Account()
		a.State.Status = account.StatusAwaitingCheckIn
		a.GraceEndsAt = &ends
		return nil
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}

	update := putAccountBody()
	update["grace"] = "3h"
	resp, body := env.do(t, http.MethodPut, "/v1/accounts/u1", update, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update: status = %d, body = %v", resp.StatusCode, body)
	}
	if body["status"] != "awaiting_checkin" {
		t.Errorf("status = %v, want awaiting_checkin", body["status"])
	}
	if body["grace_ends_at"] == nil {
		t.Error("grace_ends_at dropped by settings update")
	}

	acct, err := env.store.GetAccount(ctx, "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if acct.State.Status != account.StatusAwaitingCheckIn {
		t.Errorf("stored status = %v, want awaiting_checkin", acct.State.Status)
	}
	if acct.GraceEndsAt == nil || !acct.GraceEndsAt.Equal(ends) {
		t.Errorf("stored grace end = %v, want %s", acct.GraceEndsAt, ends)
	}
	if acct.Grace != 3*time.Hour {
		t.Errorf("grace = %s, want the updated 3h", acct.Grace)
	}
}

func TestPutAccountRejectsBadInput(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")

	body := putAccountBody()
	body["timezone"] = "Mars/Olympus"
	resp, _ := env.do(t, http.MethodPut, "/v1/accounts/u1", body, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad timezone: status = %d, want 400", resp.StatusCode)
	}

	body = putAccountBody()
	body["rule"] = map[string]any{"kind": "every_n_days", "interval_days": 1, "prompt_time": "09:00"}
	resp, out := env.do(t, http.MethodPut, "/v1/accounts/u1", body, "")
	if resp.StatusCode != http.StatusBadRequest || out["error"] != "invalid_rule" {
		t.Errorf("interval 1: status = %d, body = %v, want invalid_rule", resp.StatusCode, out)
	}

	body = putAccountBody()
	body["pin"] = "123"
	resp, _ = env.do(t, http.MethodPut, "/v1/accounts/u1", body, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("short pin: status = %d, want 400", resp.StatusCode)
	}

	body = putAccountBody()
	body["surprise"] = true
	resp, _ = env.do(t, http.MethodPut, "/v1/accounts/u1", body, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown field: status = %d, want 400", resp.StatusCode)
	}
}

func TestEnableRequiresInitialMessage(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")
	env.do(t, http.MethodPut, "/v1/accounts/u1", putAccountBody(), "")

	resp, body := env.do(t, http.MethodPost, "/v1/accounts/u1/enable", nil, "")
	if resp.StatusCode != http.StatusConflict || body["error"] != "state_conflict" {
		t.Fatalf("enable without message: status = %d, body = %v", resp.StatusCode, body)
	}

	resp, _ = env.do(t, http.MethodPut, "/v1/accounts/u1/messages/m1",
		map[string]any{"is_initial": true}, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put message: status = %d", resp.StatusCode)
	}

	resp, body = env.do(t, http.MethodPost, "/v1/accounts/u1/enable", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("enable: status = %d, body = %v", resp.StatusCode, body)
	}
	if body["status"] != "awaiting_cycle" {
		t.Errorf("status = %v, want awaiting_cycle", body["status"])
	}
	if body["next_prompt_at"] == nil {
		t.Error("next_prompt_at missing after enable")
	}
}

func TestCheckinFlow(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")
	ctx := context.Background()
	env.do(t, http.MethodPut, "/v1/accounts/u1", putAccountBody(), "")

	// Open the check-in window directly; the worker path is covered in
	// its own tests.
	err := env.store.WithAccount(ctx, "u1", func(tx *storage.AccountTx) error {
		a := tx.Account()
		a.State.Status = account.StatusAwaitingCheckIn
		ends := time.Now().UTC().Add(time.Hour)
		a.GraceEndsAt = &ends
		return nil
	})
	if err != nil {
		t.Fatalf("open window: %v", err)
	}

	resp, body := env.do(t, http.MethodPost, "/v1/accounts/u1/checkin",
		map[string]any{"pin": "9999"}, "")
	if resp.StatusCode != http.StatusForbidden || body["error"] != "incorrect_pin" {
		t.Fatalf("wrong pin: status = %d, body = %v", resp.StatusCode, body)
	}
	if body["attempts_remaining"] != float64(2) {
		t.Errorf("attempts_remaining = %v, want 2", body["attempts_remaining"])
	}

	resp, body = env.do(t, http.MethodPost, "/v1/accounts/u1/checkin",
		map[string]any{"pin": "1234"}, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("checkin: status = %d, body = %v", resp.StatusCode, body)
	}
	if body["status"] != "awaiting_cycle" || body["method"] != "pin_input" {
		t.Errorf("checkin result = %v", body)
	}

	// Re-checking in outside the window conflicts.
	resp, body = env.do(t, http.MethodPost, "/v1/accounts/u1/checkin",
		map[string]any{"pin": "1234"}, "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second checkin: status = %d, body = %v", resp.StatusCode, body)
	}

	resp, body = env.do(t, http.MethodGet, "/v1/accounts/u1/checkins", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list checkins: status = %d", resp.StatusCode)
	}
	entries, _ := body["checkins"].([]any)
	if len(entries) != 1 {
		t.Errorf("checkin log = %v, want one entry", entries)
	}
}

func TestCheckinLogUsesServiceClock(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")
	ctx := context.Background()
	pinned := time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC)
	env.srv.worker.SetClock(func() time.Time { return pinned })

	env.do(t, http.MethodPut, "/v1/accounts/u1", putAccountBody(), "")
	err := env.store.WithAccount(ctx, "u1", func(tx *storage.AccountTx) error {
		a := tx.Account()
		a.State.Status = account.StatusAwaitingCheckIn
		ends := pinned.Add(time.Hour)
		a.GraceEndsAt = &ends
		return nil
	})
	if err != nil {
		t.Fatalf("open window: %v", err)
	}

	resp, body := env.do(t, http.MethodPost, "/v1/accounts/u1/checkin",
		map[string]any{"pin": "1234"}, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("checkin: status = %d, body = %v", resp.StatusCode, body)
	}

	resp, body = env.do(t, http.MethodGet, "/v1/accounts/u1/checkins", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: status = %d", resp.StatusCode)
	}
	entries, _ := body["checkins"].([]any)
	if len(entries) != 1 {
		t.Fatalf("checkins = %v, want one entry", entries)
	}
	entry, _ := entries[0].(map[string]any)
	if entry["at"] != pinned.Format(time.RFC3339) {
		t.Errorf("at = %v, want %s", entry["at"], pinned.Format(time.RFC3339))
	}
}

func TestPinLockoutSurfacesRetryAfter(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")
	ctx := context.Background()
	env.do(t, http.MethodPut, "/v1/accounts/u1", putAccountBody(), "")
	err := env.store.WithAccount(ctx, "u1", func(tx *storage.AccountTx) error {
		tx.Account().State.Status = account.StatusAwaitingCheckIn
		return nil
	})
	if err != nil {
		t.Fatalf("open window: %v", err)
	}

	var last map[string]any
	var lastStatus int
	for i := 0; i < 3; i++ {
		resp, body := env.do(t, http.MethodPost, "/v1/accounts/u1/checkin",
			map[string]any{"pin": "0000"}, "")
		last, lastStatus = body, resp.StatusCode
	}
	if lastStatus != http.StatusLocked {
		t.Fatalf("third failure: status = %d, body = %v, want 423", lastStatus, last)
	}
	if last["error"] != "pin_locked" || last["retry_after_seconds"] == nil {
		t.Errorf("lock body = %v", last)
	}

	// Locked means locked even with the right PIN.
	resp, body := env.do(t, http.MethodPost, "/v1/accounts/u1/checkin",
		map[string]any{"pin": "1234"}, "")
	if resp.StatusCode != http.StatusLocked {
		t.Errorf("while locked: status = %d, body = %v", resp.StatusCode, body)
	}
}

func TestPreviewCheckin(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")

	resp, body := env.do(t, http.MethodPost, "/v1/preview/checkin", map[string]any{
		"rule": map[string]any{
			"kind":        "every_day",
			"prompt_time": "09:00",
			"enabled":     true,
		},
		"timezone": "UTC",
		"ref":      "2024-01-10T10:00:00Z",
		"count":    3,
	}, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("preview: status = %d, body = %v", resp.StatusCode, body)
	}
	occ, _ := body["occurrences"].([]any)
	want := []string{"2024-01-11T09:00:00Z", "2024-01-12T09:00:00Z", "2024-01-13T09:00:00Z"}
	if len(occ) != len(want) {
		t.Fatalf("occurrences = %v, want %v", occ, want)
	}
	for i := range want {
		if occ[i] != want[i] {
			t.Errorf("occurrence[%d] = %v, want %s", i, occ[i], want[i])
		}
	}
}

func TestPreviewFollow(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")

	req := map[string]any{
		"rule": map[string]any{
			"trigger":    "days_after_anchor",
			"days_after": 3,
			"send_time":  "09:00",
		},
		"timezone": "UTC",
		"anchor":   "2024-01-01T20:00:00Z",
		"now":      "2024-01-01T21:00:00Z",
	}
	resp, body := env.do(t, http.MethodPost, "/v1/preview/follow", req, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("preview: status = %d, body = %v", resp.StatusCode, body)
	}
	if body["scheduled"] != true || body["next_send_at"] != "2024-01-04T09:00:00Z" {
		t.Errorf("preview = %v", body)
	}

	// Anchored trigger without an anchor conflicts.
	delete(req, "anchor")
	resp, body = env.do(t, http.MethodPost, "/v1/preview/follow", req, "")
	if resp.StatusCode != http.StatusConflict || body["error"] != "dependency_not_ready" {
		t.Errorf("no anchor: status = %d, body = %v", resp.StatusCode, body)
	}
}

func TestAddFollowScheduleAbsolutePrimesImmediately(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, "")
	env.do(t, http.MethodPut, "/v1/accounts/u1", putAccountBody(), "")

	year := time.Now().UTC().Year() + 1
	resp, body := env.do(t, http.MethodPost, "/v1/accounts/u1/follow-schedules", map[string]any{
		"message_id": "m2",
		"rule": map[string]any{
			"trigger":   "absolute_date",
			"date":      fmt.Sprintf("%d-06-01", year),
			"send_time": "12:00",
		},
	}, "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("add: status = %d, body = %v", resp.StatusCode, body)
	}

	jobs, err := env.store.FollowSchedulesForUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 1 || jobs[0].NextSendAt == nil {
		t.Fatalf("absolute schedule not primed: %+v", jobs)
	}

	// Anchored schedules wait for the release instant.
	resp, _ = env.do(t, http.MethodPost, "/v1/accounts/u1/follow-schedules", map[string]any{
		"message_id": "m3",
		"rule": map[string]any{
			"trigger":    "days_after_anchor",
			"days_after": 2,
			"send_time":  "09:00",
		},
	}, "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("add anchored: status = %d", resp.StatusCode)
	}
	jobs, _ = env.store.FollowSchedulesForUser(context.Background(), "u1")
	if len(jobs) != 2 || jobs[1].NextSendAt != nil {
		t.Errorf("anchored schedule = %+v, want nil next until release", jobs[1])
	}
}

func TestStartHonorsDisabledConfig(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "server.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	mgr := config.NewManager("")
	mgr.Commit(&config.Config{}) // server disabled
	srv := New(st, worker.New(st, nil, mgr, logx.Nop()), mgr, logx.Nop())
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if srv.Addr() != "" {
		t.Errorf("addr = %q, want empty while disabled", srv.Addr())
	}

	mgr.Commit(&config.Config{Server: config.ServerConfig{Enabled: true, Addr: "127.0.0.1:0"}})
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start enabled: %v", err)
	}
	defer srv.Stop(context.Background())
	if srv.Addr() == "" {
		t.Fatal("addr empty after start")
	}
	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}
}
