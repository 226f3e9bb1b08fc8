package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/revisions/internal/auth"
	"github.com/MarcoPoloResearchLab/revisions/internal/database"
	"github.com/MarcoPoloResearchLab/revisions/internal/notes"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	testSubject     = "user-123"
	jsonContentType = "application/json"
)

var serverDatabaseCounter atomic.Int64

type testAPI struct {
	server   *httptest.Server
	token    string
	realtime *RealtimeDispatcher
}

func newTestAPI(t *testing.T, heartbeat time.Duration) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), serverDatabaseCounter.Add(1))
	db, err := database.OpenSQLite(database.Config{Path: dsn, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})

	noteService, err := notes.NewService(notes.ServiceConfig{
		Database:   db.DB,
		IDProvider: notes.NewUUIDProvider(),
		Logger:     zap.NewNop(),
		Models:     db.Models,
	})
	if err != nil {
		t.Fatalf("failed to build notes service: %v", err)
	}
	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "revisions-auth",
		Audience:      "revisions-api",
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to build token issuer: %v", err)
	}

	realtime := NewRealtimeDispatcher()
	handler, err := NewHTTPHandler(Dependencies{
		TokenManager:      tokenIssuer,
		NotesService:      noteService,
		Logger:            zap.NewNop(),
		Realtime:          realtime,
		HeartbeatInterval: heartbeat,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	token, _, err := tokenIssuer.IssueToken(testSubject)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return &testAPI{server: server, token: token, realtime: realtime}
}

func (api *testAPI) do(t *testing.T, method, path, body string, target interface{}) int {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	request, err := http.NewRequest(method, api.server.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to construct request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+api.token)
	request.Header.Set("Content-Type", jsonContentType)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer response.Body.Close()
	if target != nil && response.StatusCode == http.StatusOK {
		if err := json.NewDecoder(response.Body).Decode(target); err != nil {
			t.Fatalf("failed to decode %s %s: %v", method, path, err)
		}
	}
	return response.StatusCode
}

type testSyncResponse struct {
	Results []struct {
		NoteID   string          `json:"note_id"`
		Accepted bool            `json:"accepted"`
		Version  int64           `json:"version"`
		Payload  json.RawMessage `json:"payload"`
	} `json:"results"`
}

type testNotePayload struct {
	Text string `json:"text"`
}

func syncBody(text string, baseVersion int64, editSeq int64, notebookID string) string {
	return fmt.Sprintf(`{"operations":[{"note_id":"note-1","operation":"upsert","base_version":%d,"notebook_id":%q,"client_edit_seq":%d,"client_device":"laptop","client_time_s":1700000000,"updated_at_s":%d,"payload":{"text":%q}}]}`,
		baseVersion, notebookID, editSeq, 1700000000+editSeq, text)
}

func decodeText(t *testing.T, raw json.RawMessage) string {
	t.Helper()
	var payload testNotePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("failed to decode note payload %s: %v", raw, err)
	}
	return payload.Text
}

func TestNoteVersionLifecycleOverHTTP(t *testing.T) {
	api := newTestAPI(t, time.Minute)

	var notebook struct {
		NotebookID string `json:"notebook_id"`
		Version    int64  `json:"version"`
	}
	if status := api.do(t, http.MethodPost, "/notebooks", `{"notebook_id":"book-1","title":"Drafts"}`, &notebook); status != http.StatusOK {
		t.Fatalf("unexpected notebook status: %d", status)
	}
	if notebook.NotebookID != "book-1" || notebook.Version != 1 {
		t.Fatalf("unexpected notebook: %+v", notebook)
	}

	var first testSyncResponse
	if status := api.do(t, http.MethodPost, "/notes/sync", syncBody("one", 0, 1, "book-1"), &first); status != http.StatusOK {
		t.Fatalf("unexpected sync status: %d", status)
	}
	if len(first.Results) != 1 || !first.Results[0].Accepted || first.Results[0].Version != 1 {
		t.Fatalf("unexpected first sync: %+v", first)
	}

	var second testSyncResponse
	api.do(t, http.MethodPost, "/notes/sync", syncBody("two", 1, 2, ""), &second)
	if len(second.Results) != 1 || !second.Results[0].Accepted || second.Results[0].Version != 2 {
		t.Fatalf("unexpected second sync: %+v", second)
	}

	var stale testSyncResponse
	api.do(t, http.MethodPost, "/notes/sync", syncBody("stale", 1, 3, ""), &stale)
	if len(stale.Results) != 1 || stale.Results[0].Accepted {
		t.Fatalf("expected stale base version to be rejected: %+v", stale)
	}
	if stale.Results[0].Version != 2 || decodeText(t, stale.Results[0].Payload) != "two" {
		t.Fatalf("expected the stored note in the rejection: %+v", stale.Results[0])
	}

	var versions struct {
		Versions []struct {
			Number            int64           `json:"version"`
			NotebookID        *string         `json:"notebook_id"`
			NotebookVersionID *int64          `json:"notebook_version_id"`
			LastWriterDevice  string          `json:"last_writer_device"`
			Payload           json.RawMessage `json:"payload"`
		} `json:"versions"`
	}
	if status := api.do(t, http.MethodGet, "/notes/note-1/versions", "", &versions); status != http.StatusOK {
		t.Fatalf("unexpected versions status: %d", status)
	}
	if len(versions.Versions) != 2 {
		t.Fatalf("expected two versions, got %d", len(versions.Versions))
	}
	if versions.Versions[0].Number != 1 || decodeText(t, versions.Versions[0].Payload) != "one" {
		t.Fatalf("unexpected first version: %+v", versions.Versions[0])
	}
	if versions.Versions[1].Number != 2 || decodeText(t, versions.Versions[1].Payload) != "two" {
		t.Fatalf("unexpected second version: %+v", versions.Versions[1])
	}
	if versions.Versions[0].NotebookID == nil || *versions.Versions[0].NotebookID != "book-1" {
		t.Fatalf("expected notebook id in snapshot: %+v", versions.Versions[0])
	}
	if versions.Versions[0].NotebookVersionID == nil {
		t.Fatalf("expected notebook version reference in snapshot")
	}
	if versions.Versions[0].LastWriterDevice != "laptop" {
		t.Fatalf("unexpected device: %q", versions.Versions[0].LastWriterDevice)
	}

	var single struct {
		Number  int64           `json:"version"`
		Payload json.RawMessage `json:"payload"`
	}
	if status := api.do(t, http.MethodGet, "/notes/note-1/versions/1", "", &single); status != http.StatusOK {
		t.Fatalf("unexpected version status: %d", status)
	}
	if single.Number != 1 || decodeText(t, single.Payload) != "one" {
		t.Fatalf("unexpected version payload: %+v", single)
	}
	if status := api.do(t, http.MethodGet, "/notes/note-1/versions/9", "", nil); status != http.StatusNotFound {
		t.Fatalf("expected missing version to be not found, got %d", status)
	}
	if status := api.do(t, http.MethodGet, "/notes/missing/versions", "", nil); status != http.StatusNotFound {
		t.Fatalf("expected missing note to be not found, got %d", status)
	}

	var history struct {
		Runs []struct {
			FirstVersion int64 `json:"first_version"`
			LastVersion  int64 `json:"last_version"`
		} `json:"runs"`
	}
	if status := api.do(t, http.MethodGet, "/notes/note-1/history/last_writer_device", "", &history); status != http.StatusOK {
		t.Fatalf("unexpected history status: %d", status)
	}
	if len(history.Runs) != 1 || history.Runs[0].FirstVersion != 1 || history.Runs[0].LastVersion != 2 {
		t.Fatalf("unexpected device runs: %+v", history.Runs)
	}
	if status := api.do(t, http.MethodGet, "/notes/note-1/history/version", "", nil); status != http.StatusBadRequest {
		t.Fatalf("expected permanent column to be rejected, got %d", status)
	}

	var preview struct {
		Saved bool `json:"saved"`
		Note  struct {
			Version int64           `json:"version"`
			Payload json.RawMessage `json:"payload"`
		} `json:"note"`
	}
	events, release := api.realtime.Subscribe(context.Background(), testSubject)
	defer release()
	if status := api.do(t, http.MethodPost, "/notes/note-1/revert", `{"version":1}`, &preview); status != http.StatusOK {
		t.Fatalf("unexpected preview status: %d", status)
	}
	if preview.Saved || preview.Note.Version != 1 || decodeText(t, preview.Note.Payload) != "one" {
		t.Fatalf("unexpected preview: %+v", preview)
	}
	if len(events) != 0 {
		t.Fatalf("an unsaved revert must not publish, got %+v", <-events)
	}

	var listed struct {
		Notes []struct {
			Version int64           `json:"version"`
			Payload json.RawMessage `json:"payload"`
		} `json:"notes"`
	}
	api.do(t, http.MethodGet, "/notes", "", &listed)
	if len(listed.Notes) != 1 || listed.Notes[0].Version != 2 || decodeText(t, listed.Notes[0].Payload) != "two" {
		t.Fatalf("preview must not persist: %+v", listed.Notes)
	}

	var saved struct {
		Saved bool `json:"saved"`
		Note  struct {
			Version int64 `json:"version"`
		} `json:"note"`
	}
	if status := api.do(t, http.MethodPost, "/notes/note-1/revert", `{"version":1,"save":true}`, &saved); status != http.StatusOK {
		t.Fatalf("unexpected revert status: %d", status)
	}
	if !saved.Saved || saved.Note.Version != 1 {
		t.Fatalf("unexpected revert: %+v", saved)
	}
	select {
	case event := <-events:
		if event.EventType != RealtimeEventNoteRevert || event.Versions["note-1"] != 1 {
			t.Fatalf("unexpected revert event: %+v", event)
		}
	default:
		t.Fatalf("expected a saved revert to publish %s", RealtimeEventNoteRevert)
	}
	api.do(t, http.MethodGet, "/notes", "", &listed)
	if len(listed.Notes) != 1 || listed.Notes[0].Version != 1 || decodeText(t, listed.Notes[0].Payload) != "one" {
		t.Fatalf("expected reverted note to be stored: %+v", listed.Notes)
	}
	api.do(t, http.MethodGet, "/notes/note-1/versions", "", &versions)
	if len(versions.Versions) != 2 {
		t.Fatalf("a saved revert must not add a version, got %d", len(versions.Versions))
	}

	if status := api.do(t, http.MethodPost, "/notes/note-1/revert", `{"version":7,"save":true}`, nil); status != http.StatusNotFound {
		t.Fatalf("expected missing revert target to be not found, got %d", status)
	}
}

func TestPurgeVersionsOverHTTP(t *testing.T) {
	api := newTestAPI(t, time.Minute)
	api.do(t, http.MethodPost, "/notes/sync", syncBody("one", 0, 1, ""), nil)
	api.do(t, http.MethodPost, "/notes/sync", syncBody("two", 1, 2, ""), nil)

	var purged struct {
		Removed int64 `json:"removed"`
	}
	if status := api.do(t, http.MethodDelete, "/notes/note-1/versions", "", &purged); status != http.StatusOK {
		t.Fatalf("unexpected purge status: %d", status)
	}
	if purged.Removed != 2 {
		t.Fatalf("expected 2 removed versions, got %d", purged.Removed)
	}
	if status := api.do(t, http.MethodDelete, "/notes/missing/versions", "", nil); status != http.StatusNotFound {
		t.Fatalf("expected missing note to be not found, got %d", status)
	}
}

func TestSyncRejectsUnknownNotebook(t *testing.T) {
	api := newTestAPI(t, time.Minute)
	if status := api.do(t, http.MethodPost, "/notes/sync", syncBody("one", 0, 1, "book-missing"), nil); status != http.StatusNotFound {
		t.Fatalf("expected unknown notebook to be not found, got %d", status)
	}
}

func TestRealtimeStreamEmitsNoteVersionEvents(t *testing.T) {
	api := newTestAPI(t, 20*time.Millisecond)

	streamRequest, err := http.NewRequest(http.MethodGet, api.server.URL+"/notes/stream?access_token="+api.token, http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct stream request: %v", err)
	}
	streamResp, err := http.DefaultClient.Do(streamRequest)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() {
		_ = streamResp.Body.Close()
	})
	if streamResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", streamResp.StatusCode)
	}

	streamReader := bufio.NewReader(streamResp.Body)

	var syncPayload testSyncResponse
	if status := api.do(t, http.MethodPost, "/notes/sync", syncBody("hello", 0, 1, ""), &syncPayload); status != http.StatusOK {
		t.Fatalf("unexpected sync status: %d", status)
	}
	if len(syncPayload.Results) != 1 || !syncPayload.Results[0].Accepted || syncPayload.Results[0].NoteID != "note-1" {
		t.Fatalf("unexpected sync results: %#v", syncPayload)
	}

	type eventPayload struct {
		NoteIDs  []string         `json:"noteIds"`
		Versions map[string]int64 `json:"versions"`
	}

	sawHeartbeat := false
	currentEventType := ""
	deadline := time.After(5 * time.Second)
	type readResult struct {
		line string
		err  error
	}
	for {
		resultCh := make(chan readResult, 1)
		go func() {
			line, err := streamReader.ReadString('\n')
			resultCh <- readResult{line: line, err: err}
		}()
		select {
		case <-deadline:
			t.Fatal("timed out waiting for realtime event")
		case res := <-resultCh:
			if res.err != nil {
				t.Fatalf("failed to read stream: %v", res.err)
			}
			line := strings.TrimSpace(res.line)
			if line == "" {
				continue
			}
			if strings.HasPrefix(line, "event:") {
				currentEventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
				if currentEventType == realtimeEventHeartbeat {
					sawHeartbeat = true
				}
				continue
			}
			if !strings.HasPrefix(line, "data:") || currentEventType != RealtimeEventNoteVersion {
				continue
			}
			dataJSON := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			var payload eventPayload
			if err := json.Unmarshal([]byte(dataJSON), &payload); err != nil {
				t.Fatalf("failed to decode event payload: %v", err)
			}
			if len(payload.NoteIDs) == 0 || payload.NoteIDs[0] != "note-1" {
				t.Fatalf("unexpected note identifiers: %#v", payload.NoteIDs)
			}
			if payload.Versions["note-1"] != 1 {
				t.Fatalf("unexpected versions: %#v", payload.Versions)
			}
			if sawHeartbeat {
				t.Logf("heartbeat observed before note event")
			}
			return
		}
	}
}
