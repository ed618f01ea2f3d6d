package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/99designs/keyring"

	"github.com/chatwoot/crmsync/internal/chat"
	"github.com/chatwoot/crmsync/internal/config"
	"github.com/chatwoot/crmsync/internal/iocontext"
	"github.com/chatwoot/crmsync/internal/realtime"
)

const accountPrefix = "/api/v1/accounts/1"

// fakeCRM serves a two-stage pipeline: C1 (Ada) in "new" and C2 (Grace) in "won".
type fakeCRM struct {
	mu sync.Mutex

	stageOf  map[string]string
	patches  map[string]chat.ConversationPatch
	sent     []chat.SendRequest
	deleted  []string
	stageOps []chat.StagePatch
	uploads  []string

	defaultLookups int

	// status overrides, keyed by "METHOD path".
	fail map[string]int
}

func newFakeCRM() *fakeCRM {
	return &fakeCRM{
		stageOf: map[string]string{"C1": "new", "C2": "won"},
		patches: make(map[string]chat.ConversationPatch),
		fail:    make(map[string]int),
	}
}

func (f *fakeCRM) failWith(method, path string, status int) {
	f.mu.Lock()
	f.fail[method+" "+accountPrefix+path] = status
	f.mu.Unlock()
}

func (f *fakeCRM) conversationJSON(id string) string {
	titles := map[string][2]string{"C1": {"Ada Lovelace", "+15550100"}, "C2": {"Grace Hopper", "+15550101"}}
	t := titles[id]
	return fmt.Sprintf(`{"id":%q,"title":%q,"contactAddress":%q,"status":%q,
		"lastMessage":{"text":"hello from %s","timestamp":"2026-03-01T09:00:00Z","direction":"incoming"}}`,
		id, t[0], t[1], f.stageOf[id], id)
}

func (f *fakeCRM) stageJSON(id, name, hex string) string {
	var convs []string
	for _, c := range []string{"C1", "C2"} {
		if f.stageOf[c] == id {
			convs = append(convs, f.conversationJSON(c))
		}
	}
	return fmt.Sprintf(`{"stageId":%q,"stageName":%q,"stageColor":%q,
		"pagination":{"page":1,"limit":20,"total":%d},"conversations":[%s]}`,
		id, name, hex, len(convs), strings.Join(convs, ","))
}

func (f *fakeCRM) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if status, ok := f.fail[r.Method+" "+r.URL.Path]; ok {
		w.WriteHeader(status)
		_, _ = fmt.Fprintf(w, `{"error":"status %d"}`, status)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, accountPrefix)
	switch {
	case r.Method == http.MethodGet && path == "/pipelines/default":
		f.defaultLookups++
		_, _ = io.WriteString(w, `{"id":"p1"}`)

	case r.Method == http.MethodGet && path == "/pipelines/p1":
		_, _ = fmt.Fprintf(w, `{"pipeline":{"id":"p1","name":"Sales","isDefault":true},"stages":[%s,%s]}`,
			f.stageJSON("new", "New", "#3b82f6"), f.stageJSON("won", "Won", "#22c55e"))

	case r.Method == http.MethodGet && strings.HasPrefix(path, "/pipelines/p1/stages/"):
		_, _ = io.WriteString(w, `{"conversations":[],"pagination":{"page":2,"limit":20,"total":1}}`)

	case r.Method == http.MethodPatch && strings.HasPrefix(path, "/pipelines/p1/stages/"):
		var patch chat.StagePatch
		_ = json.NewDecoder(r.Body).Decode(&patch)
		f.stageOps = append(f.stageOps, patch)
		_, _ = io.WriteString(w, `{}`)

	case r.Method == http.MethodGet && strings.HasPrefix(path, "/conversations/"):
		id := strings.TrimPrefix(path, "/conversations/")
		if _, ok := f.stageOf[id]; !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":"not found"}`)
			return
		}
		_, _ = fmt.Fprintf(w, `{"conversation":%s,"messages":[
			{"id":"s1","messageId":"s1","text":"Hi there","direction":"incoming","timestamp":"2026-03-01T09:00:00Z"},
			{"id":"s2","messageId":"s2","text":"Hello back","direction":"outgoing","status":"sent","timestamp":"2026-03-02T10:00:00Z"}],
			"pagination":{"page":1,"limit":20,"total":2,"totalPages":1,"hasMore":false}}`, f.conversationJSON(id))

	case r.Method == http.MethodPatch && strings.HasPrefix(path, "/conversations/"):
		id := strings.TrimPrefix(path, "/conversations/")
		var patch chat.ConversationPatch
		_ = json.NewDecoder(r.Body).Decode(&patch)
		f.patches[id] = patch
		if patch.StageID != nil {
			f.stageOf[id] = *patch.StageID
		}
		_, _ = io.WriteString(w, `{}`)

	case r.Method == http.MethodDelete && strings.HasPrefix(path, "/conversations/"):
		id := strings.TrimPrefix(path, "/conversations/")
		f.deleted = append(f.deleted, id)
		delete(f.stageOf, id)
		w.WriteHeader(http.StatusNoContent)

	case r.Method == http.MethodPost && path == "/messages":
		var req chat.SendRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.sent = append(f.sent, req)
		_, _ = io.WriteString(w, `{"id":"m9","messageId":"srv9","timestamp":"2026-03-02T11:00:00Z"}`)

	case r.Method == http.MethodPost && path == "/uploads":
		if file, header, err := r.FormFile("file"); err == nil {
			_ = file.Close()
			f.uploads = append(f.uploads, header.Filename)
		}
		_, _ = io.WriteString(w, `{"url":"https://cdn.example.com/upload"}`)

	case r.Method == http.MethodPost && path == "/contacts/read":
		_, _ = io.WriteString(w, `{}`)

	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = fmt.Fprintf(w, `{"error":"no route for %s %s"}`, r.Method, r.URL.Path)
	}
}

func (f *fakeCRM) sentRequests() []chat.SendRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chat.SendRequest(nil), f.sent...)
}

// setupTestEnv points the CLI at crm and isolates it from the host's
// configuration and keyring.
func setupTestEnv(t *testing.T, crm http.Handler) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(crm)
	t.Cleanup(server.Close)

	isolateConfig(t)
	t.Setenv("CRMSYNC_BASE_URL", server.URL)
	t.Setenv("CRMSYNC_API_TOKEN", "test-token-1234")
	t.Setenv("CRMSYNC_ACCOUNT_ID", "1")
	t.Setenv("CRMSYNC_TRANSPORT", config.TransportNone)
	t.Setenv("CRMSYNC_MAX_5XX_RETRIES", "0")
	t.Setenv("CRMSYNC_MAX_RATE_LIMIT_RETRIES", "0")
	return server
}

func isolateConfig(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	for _, k := range []string{"CRMSYNC_BASE_URL", "CRMSYNC_API_TOKEN", "CRMSYNC_ACCOUNT_ID",
		"CRMSYNC_PROFILE", "CRMSYNC_TRANSPORT", "CRMSYNC_REALTIME_URL", "CRMSYNC_ORG_ROOM",
		"CRMSYNC_PUBSUB_TOKEN", "CRMSYNC_PAGE_SIZE", "CRMSYNC_OUTPUT", "CRMSYNC_NO_CACHE"} {
		t.Setenv(k, "")
	}
	ring := keyring.NewArrayKeyring(nil)
	t.Cleanup(config.SetOpenKeyring(func(keyring.Config) (keyring.Keyring, error) { return ring, nil }))
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
}

// useHub replaces the event source opener with an in-memory hub.
func useHub(t *testing.T) (*realtime.Hub, <-chan *realtime.MemorySource) {
	t.Helper()
	hub := realtime.NewHub()
	opened := make(chan *realtime.MemorySource, 1)
	prev := openSource
	openSource = func(ctx context.Context, s config.Settings, logger *slog.Logger) (realtime.Source, func() error, error) {
		src := hub.Source()
		opened <- src
		return src, src.Close, nil
	}
	t.Cleanup(func() { openSource = prev })
	return hub, opened
}

type result struct {
	stdout string
	stderr string
	err    error
}

func runCommand(t *testing.T, stdin string, args ...string) result {
	t.Helper()
	var out, errOut bytes.Buffer
	err := execute(context.Background(), args, iocontext.New(&out, &errOut, strings.NewReader(stdin)))
	return result{stdout: out.String(), stderr: errOut.String(), err: err}
}

// startFake serves crm without touching the CLI's environment.
func startFake(t *testing.T, crm http.Handler) string {
	t.Helper()
	server := httptest.NewServer(crm)
	t.Cleanup(server.Close)
	return server.URL
}

func setupFakeServer(t *testing.T) string {
	t.Helper()
	return startFake(t, newFakeCRM())
}
