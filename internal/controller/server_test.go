package controller

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"taskqueue/internal/engine"
	"taskqueue/internal/notify"
	"taskqueue/internal/store/memory"
	"taskqueue/pkg/api"

	"github.com/gorilla/websocket"
)

func newTestServer(t *testing.T, opts Options) (*httptest.Server, *notify.Bus) {
	t.Helper()
	log := slog.New(slog.DiscardHandler)
	bus := notify.NewBus()
	eng, err := engine.New(memory.New(), bus, log)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	opts.Logger = log
	if opts.RateLimit == 0 {
		opts.RateLimit, opts.RateLimitBurst = 1000, 1000
	}

	srv := httptest.NewServer(NewHandler(opts, eng, bus))
	t.Cleanup(func() {
		bus.Close()
		srv.Close()
	})
	return srv, bus
}

func do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		var body bytes.Buffer
		body.ReadFrom(resp.Body)
		t.Fatalf("%s %s: got status %d, want %d (body %s)",
			resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want, body.String())
	}
}

func decodeInto(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
}

func TestServer_SubmitAndReorderFlow(t *testing.T) {
	srv, _ := newTestServer(t, Options{})

	resp := do(t, http.MethodPost, srv.URL+"/build_archetypes", `{"content":{"image":"alpine"}}`)
	expectStatus(t, resp, http.StatusCreated)
	var build api.CreateArchetypeResponse
	decodeInto(t, resp, &build)

	resp = do(t, http.MethodPost, srv.URL+"/task_archetypes", `{"content":{"num_jobs":3,"pipeline":"build"}}`)
	expectStatus(t, resp, http.StatusCreated)
	var task api.CreateArchetypeResponse
	decodeInto(t, resp, &task)

	resp = do(t, http.MethodPost, srv.URL+"/task_archetypes", `{"content":{"pipeline":"build"}}`)
	expectStatus(t, resp, http.StatusBadRequest)

	submit := fmt.Sprintf(`{"build_archetype_id":%d,"task_archetype_id":%d}`, build.ID, task.ID)
	var ids []int64
	for i := 0; i < 3; i++ {
		resp = do(t, http.MethodPost, srv.URL+"/task_instances", submit)
		expectStatus(t, resp, http.StatusCreated)
		var inst api.TaskInstance
		decodeInto(t, resp, &inst)
		if inst.NumJobsRemaining != 3 || inst.State != "pending" {
			t.Fatalf("unexpected instance: %+v", inst)
		}
		ids = append(ids, inst.ID)
	}

	// Move the last instance before the first, through the /api prefix.
	resp = do(t, http.MethodPut, fmt.Sprintf("%s/api/task_instances/%d", srv.URL, ids[2]),
		fmt.Sprintf(`{"reorder":{"move":"before","relativeTo":%d}}`, ids[0]))
	expectStatus(t, resp, http.StatusOK)

	resp = do(t, http.MethodGet, srv.URL+"/task_instances?state=pending", "")
	expectStatus(t, resp, http.StatusOK)
	var pending []api.TaskInstance
	decodeInto(t, resp, &pending)
	got := make([]int64, len(pending))
	for i, inst := range pending {
		got[i] = inst.ID
	}
	want := []int64{ids[2], ids[0], ids[1]}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("got order %v, want %v", got, want)
	}

	// Cancel, cancel again, rerun.
	cancelURL := fmt.Sprintf("%s/task_instances/%d", srv.URL, ids[0])
	expectStatus(t, do(t, http.MethodPut, cancelURL, `{"state":"cancelled"}`), http.StatusOK)
	expectStatus(t, do(t, http.MethodPut, cancelURL, `{"state":"cancelled"}`), http.StatusConflict)

	resp = do(t, http.MethodPost, fmt.Sprintf("%s/task_instances/%d/rerun", srv.URL, ids[0]), "")
	expectStatus(t, resp, http.StatusCreated)
	var rerun api.TaskInstance
	decodeInto(t, resp, &rerun)
	if rerun.RerunOf == nil || *rerun.RerunOf != ids[0] || rerun.TaskArchetypeID != task.ID {
		t.Errorf("unexpected rerun: %+v", rerun)
	}

	// A referenced archetype cannot be deleted.
	expectStatus(t, do(t, http.MethodDelete, fmt.Sprintf("%s/task_archetypes/%d", srv.URL, task.ID), ""), http.StatusConflict)

	resp = do(t, http.MethodGet, srv.URL+"/task_instances?state=done,cancelled", "")
	expectStatus(t, resp, http.StatusOK)
	var history []api.TaskInstance
	decodeInto(t, resp, &history)
	if len(history) != 1 || history[0].ID != ids[0] {
		t.Errorf("unexpected history: %+v", history)
	}
}

func TestServer_WorkerLifecycle(t *testing.T) {
	srv, _ := newTestServer(t, Options{InternalSecret: "s3cret"})

	expectStatus(t, do(t, http.MethodPost, srv.URL+"/build_archetypes", `{"content":{}}`), http.StatusCreated)
	expectStatus(t, do(t, http.MethodPost, srv.URL+"/task_archetypes", `{"content":{"num_jobs":1,"pipeline":"true"}}`), http.StatusCreated)
	expectStatus(t, do(t, http.MethodPost, srv.URL+"/task_instances", `{}`), http.StatusCreated)

	// Without the bearer token the internal routes are closed.
	expectStatus(t, do(t, http.MethodPost, srv.URL+"/internal/queue/claim", `{}`), http.StatusUnauthorized)

	authed := func(method, path, body string) *http.Response {
		req, _ := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer s3cret")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", method, path, err)
		}
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp := authed(http.MethodPost, "/internal/queue/claim", `{"worker_id":"w1","lease_seconds":30}`)
	expectStatus(t, resp, http.StatusOK)
	var claim api.ClaimResponse
	decodeInto(t, resp, &claim)
	if claim.JobIndex != 0 {
		t.Errorf("got job index %d, want 0", claim.JobIndex)
	}

	// Leased instances are not handed out twice.
	expectStatus(t, authed(http.MethodPost, "/internal/queue/claim", `{}`), http.StatusNoContent)

	path := fmt.Sprintf("/internal/task_instances/%d", claim.Instance.ID)
	expectStatus(t, authed(http.MethodPut, path+"/heartbeat", `{"lease_seconds":30}`), http.StatusOK)

	resp = authed(http.MethodPut, path+"/progress", `{"completed_jobs":1}`)
	expectStatus(t, resp, http.StatusOK)
	var done api.TaskInstance
	decodeInto(t, resp, &done)
	if done.State != "done" || done.Position != nil {
		t.Errorf("unexpected instance after last job: %+v", done)
	}

	expectStatus(t, authed(http.MethodPut, path+"/heartbeat", `{}`), http.StatusConflict)
}

func TestServer_ChangeFeed(t *testing.T) {
	srv, bus := newTestServer(t, Options{})

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Wait until the handler has subscribed before mutating.
	deadline := time.Now().Add(2 * time.Second)
	for bus.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("feed never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	expectStatus(t, do(t, http.MethodPost, srv.URL+"/build_archetypes", `{"content":{"image":"alpine"}}`), http.StatusCreated)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event api.ChangeEvent
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("reading event: %v", err)
	}
	if event.Type != api.ChangeEventType {
		t.Errorf("got event type %q, want %q", event.Type, api.ChangeEventType)
	}
}

func TestServer_Probes(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("# metrics"))
	})
	srv, _ := newTestServer(t, Options{Metrics: metrics})

	expectStatus(t, do(t, http.MethodGet, srv.URL+"/healthz", ""), http.StatusOK)
	expectStatus(t, do(t, http.MethodGet, srv.URL+"/readyz", ""), http.StatusOK)
	expectStatus(t, do(t, http.MethodGet, srv.URL+"/metrics", ""), http.StatusOK)

	resp := do(t, http.MethodGet, srv.URL+"/healthz", "")
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID on every response")
	}
}
