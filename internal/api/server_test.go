package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/park285/scorekeeper-sync/internal/domain"
	"github.com/park285/scorekeeper-sync/internal/netmon"
	"github.com/park285/scorekeeper-sync/internal/oplog"
	"github.com/park285/scorekeeper-sync/internal/statqueue"
)

func newTestServer(t *testing.T) (*httptest.Server, *statqueue.Manager) {
	t.Helper()
	mon := netmon.New(false, zap.NewNop())
	noop := statqueue.ApplierFunc(func(ctx context.Context, op domain.QueuedOperation) (*statqueue.ApplyResult, error) {
		return &statqueue.ApplyResult{Success: true}, nil
	})
	m := statqueue.NewManager(oplog.NewMemoryStore(), noop, mon, statqueue.WithLogger(zap.NewNop()))
	srv := httptest.NewServer(NewServer(Config{Queue: m, Online: mon.Online, Logger: zap.NewNop()}))
	t.Cleanup(func() {
		srv.Close()
		_ = m.Close(context.Background())
	})
	return srv, m
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func get(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestPostDeltaAndReadBack(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := post(t, srv.URL+"/matches/m1/deltas", `{"teamId":"home","playerId":"p1","statDeltas":{"points":3,"fouls":0}}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var ack statqueue.EnqueueAck
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.MatchID != "m1" || ack.QueueDepth != 1 || ack.OperationID == "" {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	var sc statqueue.Scores
	if code := get(t, srv.URL+"/matches/m1/scores", &sc); code != http.StatusOK {
		t.Fatalf("scores status %d", code)
	}
	if len(sc.Players) != 1 || sc.Players[0].Stats["points"] != 3 || sc.Players[0].Pending != 1 {
		t.Fatalf("unexpected scores: %+v", sc)
	}
	if _, ok := sc.Players[0].Stats["fouls"]; ok {
		t.Fatalf("zero deltas should be dropped")
	}

	var st statusBody
	get(t, srv.URL+"/matches/m1/status", &st)
	if st.QueueDepth != 1 || st.Online || len(st.Pending) != 1 || st.Pending[0].ID != ack.OperationID {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestPostDeltaValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	cases := []struct {
		body string
		code string
	}{
		{`{"teamId":"home"`, "BAD_REQUEST"},
		{`{"teamId":"home","playerId":"p1","statDeltas":{}}`, "INVALID_DELTA"},
		{`{"playerId":"p1","statDeltas":{"points":1}}`, "INVALID_DELTA"},
	}
	for _, tc := range cases {
		resp := post(t, srv.URL+"/matches/m1/deltas", tc.body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", tc.body, resp.StatusCode)
		}
		var eb errorBody
		_ = json.NewDecoder(resp.Body).Decode(&eb)
		if eb.Error.Code != tc.code {
			t.Fatalf("%s: expected code %s, got %s", tc.body, tc.code, eb.Error.Code)
		}
	}
}

func TestReadOnlyRejectsWrites(t *testing.T) {
	scores := scoreSourceFunc(func(matchID string) statqueue.Scores {
		var s statqueue.Scores
		s.MatchID = matchID
		return s
	})
	srv := httptest.NewServer(NewServer(Config{Scores: scores, Logger: zap.NewNop()}))
	defer srv.Close()

	resp := post(t, srv.URL+"/matches/m1/deltas", `{"teamId":"home","playerId":"p1","statDeltas":{"points":1}}`)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	var st statusBody
	get(t, srv.URL+"/matches/m1/status", &st)
	if !st.ReadOnly || st.MatchID != "m1" {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	var body map[string]any
	if code := get(t, srv.URL+"/health", &body); code != http.StatusOK {
		t.Fatalf("health status %d", code)
	}
	if body["status"] != "ok" || body["online"] != false {
		t.Fatalf("unexpected health body: %v", body)
	}
}

type scoreSourceFunc func(matchID string) statqueue.Scores

func (f scoreSourceFunc) Scores(matchID string) statqueue.Scores { return f(matchID) }
