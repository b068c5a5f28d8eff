package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/knagata/koelog/internal/config"
	"github.com/knagata/koelog/internal/journal"
	"github.com/knagata/koelog/internal/observability"
	"github.com/knagata/koelog/internal/session"
)

func newTestServer(t *testing.T, name string) (*Server, journal.Store, *session.Manager) {
	t.Helper()
	cfg := config.Config{
		SessionInactivityTimeout: 2 * time.Minute,
		GeminiVoice:              "Aoede",
	}
	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	store := journal.NewInMemoryStore()
	metrics := observability.NewMetrics("test_httpapi_" + name + "_" + time.Now().Format("150405") + "_" + time.Now().Format("000000000"))
	return New(cfg, sessions, nil, store, metrics), store, sessions
}

func TestCreateAndEndSession(t *testing.T) {
	srv, _, _ := newTestServer(t, "lifecycle")

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	createReq := map[string]string{
		"user_id":  "user-1",
		"voice_id": "Kore",
	}
	body, _ := json.Marshal(createReq)
	res, err := http.Post(ts.URL+"/v1/call/session", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("create session request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}

	var created map[string]any
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	sessionID, _ := created["session_id"].(string)
	if sessionID == "" {
		t.Fatalf("missing session_id in create response: %+v", created)
	}
	if got := created["voice_id"]; got != "Kore" {
		t.Fatalf("voice_id = %v, want Kore", got)
	}

	endRes, err := http.Post(ts.URL+"/v1/call/session/"+sessionID+"/end", "application/json", bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("end session request error = %v", err)
	}
	defer endRes.Body.Close()
	if endRes.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d, want %d", endRes.StatusCode, http.StatusOK)
	}
}

func TestCreateSessionUsesStoredVoicePreference(t *testing.T) {
	srv, store, _ := newTestServer(t, "voicepref")
	if err := store.SetVoicePreference(context.Background(), "user-2", "Puck"); err != nil {
		t.Fatalf("SetVoicePreference error = %v", err)
	}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body, _ := json.Marshal(map[string]string{"user_id": "user-2"})
	res, err := http.Post(ts.URL+"/v1/call/session", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("create session request error = %v", err)
	}
	defer res.Body.Close()

	var created map[string]any
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if got := created["voice_id"]; got != "Puck" {
		t.Fatalf("voice_id = %v, want Puck", got)
	}
}

func TestVoicePreferenceRoundTrip(t *testing.T) {
	srv, _, _ := newTestServer(t, "voiceapi")

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body, _ := json.Marshal(voicePreference{UserID: "user-3", Voice: "Charon"})
	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/v1/profile/voice", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	putRes, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT /v1/profile/voice error = %v", err)
	}
	defer putRes.Body.Close()
	if putRes.StatusCode != http.StatusOK {
		t.Fatalf("put status = %d, want %d", putRes.StatusCode, http.StatusOK)
	}

	getRes, err := http.Get(ts.URL + "/v1/profile/voice?user_id=user-3")
	if err != nil {
		t.Fatalf("GET /v1/profile/voice error = %v", err)
	}
	defer getRes.Body.Close()
	var pref voicePreference
	if err := json.NewDecoder(getRes.Body).Decode(&pref); err != nil {
		t.Fatalf("decode voice response: %v", err)
	}
	if pref.Voice != "Charon" {
		t.Fatalf("voice = %q, want Charon", pref.Voice)
	}
}

func TestGetVoiceFallsBackToDefault(t *testing.T) {
	srv, _, _ := newTestServer(t, "voicedefault")

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/v1/profile/voice?user_id=nobody")
	if err != nil {
		t.Fatalf("GET /v1/profile/voice error = %v", err)
	}
	defer res.Body.Close()
	var pref voicePreference
	if err := json.NewDecoder(res.Body).Decode(&pref); err != nil {
		t.Fatalf("decode voice response: %v", err)
	}
	if pref.Voice != "Aoede" {
		t.Fatalf("voice = %q, want Aoede", pref.Voice)
	}
}

func TestListJournalEntries(t *testing.T) {
	srv, store, _ := newTestServer(t, "journal")
	for _, title := range []string{"月曜の日記", "火曜の日記", "水曜の日記"} {
		err := store.SaveEntry(context.Background(), journal.Entry{
			UserID:  "user-4",
			Title:   title,
			Summary: "要約",
		})
		if err != nil {
			t.Fatalf("SaveEntry error = %v", err)
		}
		time.Sleep(time.Millisecond)
	}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/v1/journal/entries?user_id=user-4&limit=2")
	if err != nil {
		t.Fatalf("GET /v1/journal/entries error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var payload struct {
		UserID  string          `json:"user_id"`
		Entries []journal.Entry `json:"entries"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(payload.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(payload.Entries))
	}
	if payload.Entries[0].Title != "水曜の日記" {
		t.Fatalf("newest entry = %q, want 水曜の日記", payload.Entries[0].Title)
	}
}

func TestListJournalRejectsBadLimit(t *testing.T) {
	srv, _, _ := newTestServer(t, "badlimit")

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/v1/journal/entries?limit=zero")
	if err != nil {
		t.Fatalf("GET /v1/journal/entries error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestTranscriptWithoutRunner(t *testing.T) {
	srv, _, _ := newTestServer(t, "transcript")

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/v1/call/session/nope/transcript")
	if err != nil {
		t.Fatalf("GET transcript error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotImplemented {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotImplemented)
	}
}

func TestPerfLatencyEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t, "perf")
	srv.metrics.ObserveFirstAudioLatency(800 * time.Millisecond)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/v1/perf/latency")
	if err != nil {
		t.Fatalf("GET /v1/perf/latency error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var payload map[string]any
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if _, ok := payload["stages"]; !ok {
		t.Fatalf("missing stages in response: %+v", payload)
	}
}
