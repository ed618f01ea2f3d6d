package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatwoot/crmsync/internal/backoff"
	"github.com/chatwoot/crmsync/internal/chat"
	"github.com/chatwoot/crmsync/internal/outbox"
	"github.com/chatwoot/crmsync/internal/realtime"
	"github.com/chatwoot/crmsync/internal/router"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type statusErr int

func (e statusErr) Error() string   { return fmt.Sprintf("status %d", int(e)) }
func (e statusErr) HTTPStatus() int { return int(e) }

type fakeAPI struct {
	mu      sync.Mutex
	pages   map[string]*chat.ConversationPage
	gates   map[string]chan struct{}
	started map[string]chan struct{}
	gets    map[string]int
	sendErr error
	// errFor fails sends of a given text.
	errFor map[string]error
	sent   []chat.SendRequest
	reads   []string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		pages:   make(map[string]*chat.ConversationPage),
		gates:   make(map[string]chan struct{}),
		started: make(map[string]chan struct{}),
		gets:    make(map[string]int),
	}
}

func (f *fakeAPI) addConversation(id, title, addr string, msgs ...chat.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range msgs {
		msgs[i].ConversationID = id
	}
	f.pages[id] = &chat.ConversationPage{
		Conversation: chat.Conversation{ID: id, Title: title, Address: addr, StageID: "new"},
		Messages:     msgs,
		Pagination:   chat.Pagination{Page: 1, Limit: 20, Total: len(msgs)},
	}
}

// gate holds GetConversation(id) until the returned func is called.
func (f *fakeAPI) gate(id string) (started <-chan struct{}, release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, s := make(chan struct{}), make(chan struct{})
	f.gates[id], f.started[id] = g, s
	return s, func() { close(g) }
}

func (f *fakeAPI) getCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets[id]
}

func (f *fakeAPI) GetConversation(ctx context.Context, id string, page, limit int) (*chat.ConversationPage, error) {
	f.mu.Lock()
	f.gets[id]++
	gate, started := f.gates[id], f.started[id]
	delete(f.gates, id)
	delete(f.started, id)
	p, ok := f.pages[id]
	f.mu.Unlock()
	if started != nil {
		close(started)
	}
	if gate != nil {
		<-gate
	}
	if !ok {
		return nil, statusErr(404)
	}
	cp := *p
	cp.Messages = append([]chat.Message(nil), p.Messages...)
	return &cp, nil
}

func (f *fakeAPI) SendMessage(ctx context.Context, req chat.SendRequest) (*chat.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, req)
	if err, ok := f.errFor[req.Text]; ok {
		return nil, err
	}
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return &chat.SendResult{ID: "srv1", MessageID: "srv1", Timestamp: t0.Add(time.Minute)}, nil
}

func (f *fakeAPI) GetDefaultPipelineID(ctx context.Context) (string, error) { return "p1", nil }

func (f *fakeAPI) GetPipeline(ctx context.Context, id string, page, limit int) (*chat.PipelinePage, error) {
	return &chat.PipelinePage{
		Pipeline: chat.Pipeline{ID: id, Name: "Sales"},
		Stages: []chat.StageWithConversations{{
			Stage:         chat.Stage{ID: "new", Name: "New"},
			Conversations: []chat.Conversation{{ID: "C1", Title: "Ada", StageID: "new", Address: "+15550100"}},
		}},
	}, nil
}

func (f *fakeAPI) GetConversationsByStage(ctx context.Context, pipelineID, stageID string, page, limit int) (*chat.StagePage, error) {
	return &chat.StagePage{}, nil
}

func (f *fakeAPI) EditConversation(ctx context.Context, id string, patch chat.ConversationPatch) error {
	return nil
}

func (f *fakeAPI) DeleteConversation(ctx context.Context, id string) error { return nil }

func (f *fakeAPI) EditStage(ctx context.Context, pipelineID, stageID string, patch chat.StagePatch) error {
	return nil
}

func (f *fakeAPI) MarkAsRead(ctx context.Context, address string) error {
	f.mu.Lock()
	f.reads = append(f.reads, address)
	f.mu.Unlock()
	return nil
}

func (f *fakeAPI) UploadFile(ctx context.Context, file chat.File) (string, error) {
	return "https://cdn.example.com/" + file.Name, nil
}

func noRetry() *backoff.Policy {
	return &backoff.Policy{MaxRetries: 0, Sleep: func(context.Context, time.Duration) error { return nil }}
}

func incoming(id, text string, at time.Time) chat.Message {
	return chat.Message{ID: id, MessageID: id, Text: text, Direction: chat.DirectionIncoming, Timestamp: at}
}

func newSession(t *testing.T, api *fakeAPI, src realtime.Source, opts Options) *Session {
	t.Helper()
	opts.BoardRetry = noRetry()
	s := New(api, src, opts)
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func TestSwitchingConversationsDropsStalePage(t *testing.T) {
	api := newFakeAPI()
	api.addConversation("A", "Ada", "+1", incoming("a1", "from A", t0))
	api.addConversation("B", "Bob", "+2", incoming("b1", "from B", t0))
	s := newSession(t, api, nil, Options{})

	started, release := api.gate("A")
	errA := make(chan error, 1)
	go func() { errA <- s.InitializeChat(context.Background(), "A") }()
	<-started

	require.NoError(t, s.InitializeChat(context.Background(), "B"))
	release()
	require.NoError(t, <-errA)

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "b1", msgs[0].ID)
	assert.Equal(t, "B", s.ActiveConversation())
	d, ok := s.Detail()
	require.True(t, ok)
	assert.Equal(t, "Bob", d.Title)
}

func TestSubscriptionFollowsOpenConversation(t *testing.T) {
	api := newFakeAPI()
	api.addConversation("A", "Ada", "+1")
	api.addConversation("B", "Bob", "+2")
	src := realtime.NewMemorySource()
	s := newSession(t, api, src, Options{})

	require.NoError(t, s.InitializeChat(context.Background(), "A"))
	assert.ElementsMatch(t, []string{realtime.ConversationRoom("A")}, src.Rooms())

	require.NoError(t, s.InitializeChat(context.Background(), "B"))
	assert.ElementsMatch(t, []string{realtime.ConversationRoom("B")}, src.Rooms())

	s.CleanupChat(context.Background())
	assert.Empty(t, src.Rooms())
}

func TestCleanupChatIsIdempotent(t *testing.T) {
	api := newFakeAPI()
	api.addConversation("A", "Ada", "+1", incoming("a1", "hi", t0))
	s := newSession(t, api, realtime.NewMemorySource(), Options{})

	s.CleanupChat(context.Background())
	require.NoError(t, s.InitializeChat(context.Background(), "A"))
	s.CleanupChat(context.Background())
	s.CleanupChat(context.Background())

	assert.Empty(t, s.Messages())
	assert.Empty(t, s.ActiveConversation())
	_, ok := s.Detail()
	assert.False(t, ok)
	assert.ErrorIs(t, s.Reload(context.Background()), chat.ErrNoActiveConversation)
}

func TestInitializeChatRequiresID(t *testing.T) {
	s := newSession(t, newFakeAPI(), nil, Options{})
	assert.ErrorIs(t, s.InitializeChat(context.Background(), ""), chat.ErrNoActiveConversation)
}

func TestConversationExpiry(t *testing.T) {
	api := newFakeAPI()
	api.addConversation("A", "Ada", "+1",
		incoming("a1", "old", t0.Add(-48*time.Hour)),
		incoming("a2", "newer", t0))
	api.addConversation("E", "Empty", "+2")
	s := newSession(t, api, nil, Options{})

	require.NoError(t, s.InitializeChat(context.Background(), "A"))
	assert.False(t, s.IsConversationExpired(t0.Add(23*time.Hour)))
	assert.True(t, s.IsConversationExpired(t0.Add(25*time.Hour)))

	require.NoError(t, s.InitializeChat(context.Background(), "E"))
	assert.False(t, s.IsConversationExpired(t0.Add(100*time.Hour)))
}

func TestSendConvergesWithRealtimeEcho(t *testing.T) {
	api := newFakeAPI()
	api.addConversation("C1", "Ada", "+15550100", incoming("s0", "hello", t0))
	hub := realtime.NewHub()
	src := hub.Source()
	s := newSession(t, api, src, Options{Now: func() time.Time { return t0.Add(time.Minute) }})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Start(ctx) }()

	require.NoError(t, s.InitializeChat(ctx, "C1"))
	s.SetCompose("Hi")
	queued, err := s.SendCompose(ctx, outbox.SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, chat.StatusQueued, queued.Status)
	assert.Empty(t, s.Compose())

	echo := []byte(`{"conversationId":"C1","message":{"id":"srv1","messageId":"srv1","text":"Hi","direction":"outgoing","timestamp":"2026-03-01T09:01:00Z"}}`)
	hub.Publish(realtime.ConversationRoom("C1"), echo)

	assert.Eventually(t, func() bool {
		msgs := s.Messages()
		if len(msgs) != 2 {
			return false
		}
		last := msgs[1]
		return last.Status == chat.StatusSent && last.MessageID == "srv1"
	}, time.Second, 5*time.Millisecond)

	api.mu.Lock()
	defer api.mu.Unlock()
	require.Len(t, api.sent, 1)
	assert.Equal(t, "+15550100", api.sent[0].To)
}

func TestSendConflictReloadsHistory(t *testing.T) {
	api := newFakeAPI()
	api.addConversation("C1", "Ada", "+15550100", incoming("s0", "hello", t0))
	api.sendErr = statusErr(409)
	s := newSession(t, api, nil, Options{})

	require.NoError(t, s.InitializeChat(context.Background(), "C1"))
	require.Equal(t, 1, api.getCount("C1"))

	_, err := s.Send(context.Background(), "Hi", outbox.SendOptions{})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return api.getCount("C1") == 2 }, time.Second, 5*time.Millisecond)
}

func TestConflictReloadKeepsPendingMessages(t *testing.T) {
	api := newFakeAPI()
	api.addConversation("C1", "Ada", "+15550100", incoming("s0", "hello", t0))
	api.errFor = map[string]error{
		"A": errors.New("read tcp: connection reset by peer"),
		"B": statusErr(409),
	}
	s := newSession(t, api, nil, Options{})
	require.NoError(t, s.InitializeChat(context.Background(), "C1"))

	a, err := s.Send(context.Background(), "A", outbox.SendOptions{})
	require.NoError(t, err)
	s.WaitSends()

	_, err = s.Send(context.Background(), "B", outbox.SendOptions{})
	require.NoError(t, err)
	s.WaitSends()
	require.Equal(t, 2, api.getCount("C1"), "the conflict reloads page 1")

	var found *chat.Message
	for _, m := range s.Messages() {
		if m.ID == a.ID {
			found = &m
		}
	}
	require.NotNil(t, found, "an unconfirmed message must survive the reload")
	assert.Equal(t, chat.StatusSending, found.Status)
	assert.Equal(t, "s0", s.Messages()[0].ID)
}

func TestSendWithoutDestinationFails(t *testing.T) {
	api := newFakeAPI()
	api.addConversation("C9", "Nobody", "")
	s := newSession(t, api, nil, Options{})
	require.NoError(t, s.InitializeChat(context.Background(), "C9"))

	_, err := s.Send(context.Background(), "Hi", outbox.SendOptions{})
	assert.ErrorIs(t, err, chat.ErrNoDestination)
}

func TestEventForOtherConversationNotifies(t *testing.T) {
	api := newFakeAPI()
	api.addConversation("C1", "Ada", "+15550100")
	api.addConversation("C2", "", "+15550200")
	hub := realtime.NewHub()
	src := hub.Source()

	notes := make(chan router.Notification, 4)
	var mu sync.Mutex
	var unknown []string
	s := newSession(t, api, src, Options{
		OrgRoom:        "acme",
		OnNotification: func(n router.Notification) { notes <- n },
		OnUnknownConversation: func(c chat.Conversation) {
			mu.Lock()
			unknown = append(unknown, c.ID)
			mu.Unlock()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Board().FetchPipeline(ctx))
	go func() { _ = s.Start(ctx) }()
	require.NoError(t, s.InitializeChat(ctx, "C1"))

	org := realtime.OrgRoom("acme")
	require.Eventually(t, func() bool {
		for _, r := range src.Rooms() {
			if r == org {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	hub.Publish(org, []byte(`{"conversationId":"C2","senderName":"Grace","message":{"id":"m9","text":"ping","timestamp":"2026-03-01T09:05:00Z"}}`))

	select {
	case n := <-notes:
		assert.Equal(t, "C2", n.ConversationID)
		assert.Equal(t, "Grace", n.Name)
		assert.Equal(t, "ping", n.Text)
	case <-time.After(time.Second):
		t.Fatal("no notification")
	}
	assert.Len(t, s.Messages(), 0)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(unknown) == 1 && unknown[0] == "C2"
	}, time.Second, 5*time.Millisecond)
}

func TestSetPriorityOffBoardOverridesDetail(t *testing.T) {
	api := newFakeAPI()
	api.addConversation("C7", "Off board", "+1")
	s := newSession(t, api, nil, Options{})

	assert.ErrorIs(t, s.SetPriority(context.Background(), "high"), chat.ErrNoActiveConversation)
	require.NoError(t, s.InitializeChat(context.Background(), "C7"))
	require.NoError(t, s.SetPriority(context.Background(), "high"))

	d, ok := s.Detail()
	require.True(t, ok)
	assert.Equal(t, "high", d.Priority)
}
