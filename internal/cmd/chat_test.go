package cmd

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/chatwoot/crmsync/internal/chat"
)

func TestHistoryJSON(t *testing.T) {
	setupTestEnv(t, newFakeCRM())

	res := runCommand(t, "", "chat", "history", "C1", "-o", "json")
	if res.err != nil {
		t.Fatalf("history: %v\nstderr: %s", res.err, res.stderr)
	}
	var msgs []chat.Message
	if err := json.Unmarshal([]byte(res.stdout), &msgs); err != nil {
		t.Fatalf("decode: %v\n%s", err, res.stdout)
	}
	if len(msgs) != 2 || msgs[0].Text != "Hi there" || msgs[1].Text != "Hello back" {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestHistoryText(t *testing.T) {
	setupTestEnv(t, newFakeCRM())

	res := runCommand(t, "", "chat", "history", "Ada", "--utc")
	if res.err != nil {
		t.Fatalf("history: %v\nstderr: %s", res.err, res.stderr)
	}
	for _, want := range []string{"C1 Ada Lovelace <+15550100>", "Hi there", "Hello back"} {
		if !strings.Contains(res.stdout, want) {
			t.Errorf("output missing %q:\n%s", want, res.stdout)
		}
	}
	if !strings.Contains(res.stderr, "older than") {
		t.Errorf("expected expiry note, stderr = %q", res.stderr)
	}
}

func TestHistorySince(t *testing.T) {
	setupTestEnv(t, newFakeCRM())

	res := runCommand(t, "", "chat", "history", "C1", "--since", "2026-03-02", "--utc", "--json")
	if res.err != nil {
		t.Fatalf("history: %v\nstderr: %s", res.err, res.stderr)
	}
	var msgs []chat.Message
	if err := json.Unmarshal([]byte(res.stdout), &msgs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "s2" {
		t.Fatalf("messages = %+v", msgs)
	}

	res = runCommand(t, "", "chat", "history", "C1", "--since", "whenever")
	if got := ExitCode(res.err); got != exitUsage {
		t.Fatalf("bad --since: exit = %d, want %d", got, exitUsage)
	}
}

func TestHistoryUnknownConversation(t *testing.T) {
	setupTestEnv(t, newFakeCRM())

	res := runCommand(t, "", "chat", "history", "C404")
	if got := ExitCode(res.err); got != exitNotFound {
		t.Fatalf("exit = %d, want %d (err %v)", got, exitNotFound, res.err)
	}
}

func TestSendText(t *testing.T) {
	crm := newFakeCRM()
	setupTestEnv(t, crm)

	res := runCommand(t, "", "chat", "send", "Ada", "hello")
	if res.err != nil {
		t.Fatalf("send: %v\nstderr: %s", res.err, res.stderr)
	}
	if !strings.HasPrefix(res.stdout, "Sent ") {
		t.Errorf("stdout = %q", res.stdout)
	}
	sent := crm.sentRequests()
	if len(sent) != 1 {
		t.Fatalf("sent %d requests, want 1", len(sent))
	}
	if sent[0].To != "+15550100" || sent[0].Text != "hello" || sent[0].ConversationID != "C1" {
		t.Errorf("request = %+v", sent[0])
	}
}

func TestSendFromStdin(t *testing.T) {
	crm := newFakeCRM()
	setupTestEnv(t, crm)

	res := runCommand(t, "line one\nline two\n", "chat", "send", "C2", "-", "--json")
	if res.err != nil {
		t.Fatalf("send: %v\nstderr: %s", res.err, res.stderr)
	}
	var outcome struct {
		Status chat.Status `json:"status"`
	}
	if err := json.Unmarshal([]byte(res.stdout), &outcome); err != nil {
		t.Fatalf("decode: %v\n%s", err, res.stdout)
	}
	if outcome.Status != chat.StatusSent {
		t.Errorf("status = %q", outcome.Status)
	}
	sent := crm.sentRequests()
	if len(sent) != 1 || sent[0].Text != "line one\nline two" || sent[0].To != "+15550101" {
		t.Fatalf("sent = %+v", sent)
	}
}

func TestSendRejected(t *testing.T) {
	crm := newFakeCRM()
	crm.failWith("POST", "/messages", 422)
	setupTestEnv(t, crm)

	res := runCommand(t, "", "chat", "send", "C1", "hello", "-o", "json")
	if got := ExitCode(res.err); got != exitUsage {
		t.Fatalf("exit = %d, want %d (err %v)", got, exitUsage, res.err)
	}
	if !strings.Contains(res.stderr, "validation_failed") {
		t.Errorf("stderr = %q", res.stderr)
	}
	if !strings.Contains(res.stdout, `"status": "error"`) && !strings.Contains(res.stdout, `"status":"error"`) {
		t.Errorf("stdout = %q", res.stdout)
	}
}

func TestSendRequiresText(t *testing.T) {
	setupTestEnv(t, newFakeCRM())

	res := runCommand(t, "", "chat", "send", "C1")
	if got := ExitCode(res.err); got != exitUsage {
		t.Fatalf("exit = %d, want %d", got, exitUsage)
	}
}

func TestSendAttachment(t *testing.T) {
	crm := newFakeCRM()
	setupTestEnv(t, crm)
	path := filepath.Join(t.TempDir(), "note.txt")
	if err := os.WriteFile(path, []byte("hello file"), 0o600); err != nil {
		t.Fatal(err)
	}

	res := runCommand(t, "", "chat", "send", "C1", "see attached", "--file", path)
	if res.err != nil {
		t.Fatalf("send: %v\nstderr: %s", res.err, res.stderr)
	}

	crm.mu.Lock()
	uploads := append([]string(nil), crm.uploads...)
	crm.mu.Unlock()
	if len(uploads) != 1 || uploads[0] != "note.txt" {
		t.Fatalf("uploads = %v", uploads)
	}
	sent := crm.sentRequests()
	if len(sent) != 1 || sent[0].Media == nil {
		t.Fatalf("sent = %+v", sent)
	}
}

func TestFollowPrintsNotifications(t *testing.T) {
	setupTestEnv(t, newFakeCRM())
	hub, opened := useHub(t)

	go func() {
		src := <-opened
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			if slices.Contains(src.Rooms(), "room:acme") {
				hub.Publish("room:acme", []byte(`{"type":"new_lead","contact":{"name":"Cy","address":"+1"},"message":"hello"}`))
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	res := runCommand(t, "", "chat", "follow", "--room", "acme", "--duration", "500ms", "--no-board", "-o", "jsonl")
	if res.err != nil {
		t.Fatalf("follow: %v\nstderr: %s", res.err, res.stderr)
	}

	var events []followEvent
	sc := bufio.NewScanner(strings.NewReader(res.stdout))
	for sc.Scan() {
		var ev followEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("decode %q: %v", sc.Text(), err)
		}
		events = append(events, ev)
	}
	if len(events) != 1 || events[0].Kind != "notification" || events[0].Name != "Cy" {
		t.Fatalf("events = %+v", events)
	}
}

func TestFollowWithoutTransport(t *testing.T) {
	setupTestEnv(t, newFakeCRM())

	res := runCommand(t, "", "chat", "follow", "--duration", "10ms")
	if res.err == nil || !strings.Contains(res.stderr, "no real-time events") {
		t.Fatalf("err = %v, stderr = %q", res.err, res.stderr)
	}
}

func TestFormatMessageLine(t *testing.T) {
	prev := displayLocation
	displayLocation = time.UTC
	t.Cleanup(func() { displayLocation = prev })

	ts := time.Date(2026, 3, 1, 9, 5, 0, 0, time.UTC)
	in := formatMessageLine(chat.Message{Text: "hi", Direction: chat.DirectionIncoming, Timestamp: ts, SenderName: "Ada"})
	if !strings.HasPrefix(in, "09:05 <") || !strings.Contains(in, "hi") {
		t.Errorf("incoming line = %q", in)
	}
	out := formatMessageLine(chat.Message{Text: "yo", Direction: chat.DirectionOutgoing, Status: chat.StatusError, Timestamp: ts})
	if !strings.Contains(out, ">") || !strings.Contains(out, string(chat.StatusError)) {
		t.Errorf("outgoing line = %q", out)
	}
}
