package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/chatwoot/crmsync/internal/chat"
	"github.com/chatwoot/crmsync/internal/dates"
	"github.com/chatwoot/crmsync/internal/dryrun"
	"github.com/chatwoot/crmsync/internal/iocontext"
	"github.com/chatwoot/crmsync/internal/outbox"
	"github.com/chatwoot/crmsync/internal/outfmt"
	"github.com/chatwoot/crmsync/internal/router"
	"github.com/chatwoot/crmsync/internal/session"
	"github.com/chatwoot/crmsync/internal/validation"
)

func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Read, send and follow conversation messages",
	}
	cmd.AddCommand(newHistoryCmd())
	cmd.AddCommand(newSendCmd())
	cmd.AddCommand(newFollowCmd())
	return cmd
}

func newHistoryCmd() *cobra.Command {
	var (
		pages int
		all   bool
		since string
	)

	cmd := &cobra.Command{
		Use:   "history <conversation>",
		Short: "Show a conversation's messages",
		Example: `  crmsync chat history 42
  crmsync chat history "Ada" --since 2d
  crmsync chat history 42 --all -o json -q '[.[] | select(.direction == "incoming")] | length'`,
		Args: cobra.ExactArgs(1),
		RunE: RunE(func(cmd *cobra.Command, args []string) error {
			if pages < 1 && !all {
				return fmt.Errorf("--pages must be at least 1")
			}
			var cutoff time.Time
			if since != "" {
				t, err := dates.ParseSince(since, time.Now().In(displayLocation))
				if err != nil {
					return fmt.Errorf("invalid --since: %w", err)
				}
				cutoff = t
			}

			ctx := cmd.Context()
			e, err := newEngine(ctx, false, session.Options{})
			if err != nil {
				return err
			}
			defer func() { _ = e.Close(ctx) }()

			if _, err := openConversation(ctx, e, args[0]); err != nil {
				return err
			}
			for loaded := 1; e.session.HistoryHasMore() && (all || loaded < pages || !cutoff.IsZero()); loaded++ {
				if !cutoff.IsZero() && oldestBefore(e.session.Messages(), cutoff) {
					break
				}
				if err := e.session.LoadMoreHistory(ctx); err != nil {
					return err
				}
			}

			msgs := filterSince(e.session.Messages(), cutoff)
			if isJSON(cmd) {
				return printJSON(cmd, msgs)
			}
			detail, _ := e.session.Detail()
			printHistory(cmd, detail, msgs)
			if e.session.IsConversationExpired(time.Now()) {
				_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "note: last message is older than %s; the contact may not receive new messages\n", session.ExpiryWindow)
			}
			return nil
		}),
	}

	cmd.Flags().IntVar(&pages, "pages", 1, "History pages to load")
	cmd.Flags().BoolVar(&all, "all", false, "Load the whole history")
	cmd.Flags().StringVar(&since, "since", "", "Only messages after this time (e.g. 2h, yesterday, 2026-01-31)")

	return cmd
}

func oldestBefore(msgs []chat.Message, cutoff time.Time) bool {
	return len(msgs) > 0 && msgs[0].Timestamp.Before(cutoff)
}

func filterSince(msgs []chat.Message, cutoff time.Time) []chat.Message {
	if cutoff.IsZero() {
		return msgs
	}
	out := make([]chat.Message, 0, len(msgs))
	for _, m := range msgs {
		if !m.Timestamp.Before(cutoff) {
			out = append(out, m)
		}
	}
	return out
}

func printHistory(cmd *cobra.Command, detail chat.Conversation, msgs []chat.Message) {
	out := iocontext.GetIO(cmd.Context()).Out
	if detail.ID != "" {
		_, _ = fmt.Fprintf(out, "%s %s", detail.ID, detail.Title)
		if detail.Address != "" {
			_, _ = fmt.Fprintf(out, " <%s>", detail.Address)
		}
		if detail.Priority != "" {
			_, _ = fmt.Fprintf(out, " priority=%s", detail.Priority)
		}
		_, _ = fmt.Fprintln(out)
	}
	if len(msgs) == 0 {
		_, _ = fmt.Fprintln(out, "No messages.")
		return
	}
	now := time.Now().In(displayLocation)
	for _, group := range dates.GroupByDay(msgs, displayLocation) {
		_, _ = fmt.Fprintf(out, "\n-- %s --\n", dates.FormatDayLabel(group.Day, now))
		for _, m := range group.Messages {
			_, _ = fmt.Fprintln(out, formatMessageLine(m))
		}
	}
}

func formatMessageLine(m chat.Message) string {
	arrow := "<"
	if m.Direction == chat.DirectionOutgoing {
		arrow = ">"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s ", m.Timestamp.In(displayLocation).Format("15:04"), arrow)
	if m.SenderName != "" && m.Direction == chat.DirectionIncoming {
		fmt.Fprintf(&b, "%s: ", m.SenderName)
	}
	if m.ReplyTo != nil {
		fmt.Fprintf(&b, "[re: %s] ", truncate(m.ReplyTo.Text, 24))
	}
	b.WriteString(m.Text)
	if m.Media != nil {
		name := m.Media.Filename
		if name == "" {
			name = m.Media.URL
		}
		if m.Text != "" {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "[%s: %s]", m.ContentType(), name)
	}
	if m.Direction == chat.DirectionOutgoing && m.Status != "" && m.Status != chat.StatusSent {
		fmt.Fprintf(&b, " (%s)", m.Status)
	}
	return b.String()
}

// sendOutcome is what a finished send reports.
type sendOutcome struct {
	Message chat.Message `json:"message"`
	Status  chat.Status  `json:"status"`
	Error   string       `json:"error,omitempty"`
}

type settledRecorder struct {
	mu     sync.Mutex
	status map[string]chat.Status
	errs   map[string]error
}

func newSettledRecorder() *settledRecorder {
	return &settledRecorder{status: make(map[string]chat.Status), errs: make(map[string]error)}
}

func (r *settledRecorder) record(id string, status chat.Status, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status[id] = status
	r.errs[id] = err
}

func (r *settledRecorder) result(id string) (chat.Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status[id], r.errs[id]
}

func readAttachment(path string) (chat.File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return chat.File{}, fmt.Errorf("read attachment: %w", err)
	}
	return chat.File{
		Name:        filepath.Base(path),
		ContentType: mime.TypeByExtension(strings.ToLower(filepath.Ext(path))),
		Data:        data,
	}, nil
}

func newSendCmd() *cobra.Command {
	var (
		file        string
		libraryURL  string
		libraryName string
		replyTo     string
	)

	cmd := &cobra.Command{
		Use:   "send <conversation> [text]",
		Short: "Send a message and wait for the server to acknowledge it",
		Long: `Send a text message or attachment to a conversation's contact.

The text "-" reads the message from stdin. With --file or --library-url the
text becomes the attachment caption.`,
		Example: `  crmsync chat send 42 "Thanks, talk soon"
  echo "Invoice attached" | crmsync chat send 42 - --file invoice.pdf
  crmsync chat send 42 --library-url https://assets.example.com/brochure.pdf`,
		Args: cobra.RangeArgs(1, 2),
		RunE: RunE(func(cmd *cobra.Command, args []string) error {
			text := ""
			if len(args) == 2 {
				text = args[1]
			}
			if text == "-" {
				data, err := io.ReadAll(iocontext.GetIO(cmd.Context()).In)
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				text = strings.TrimRight(string(data), "\n")
			}
			if file != "" && libraryURL != "" {
				return fmt.Errorf("--file and --library-url cannot be used together")
			}
			if strings.TrimSpace(text) == "" && file == "" && libraryURL == "" {
				return fmt.Errorf("message text is required")
			}
			if err := validation.ValidateMessageText(text); err != nil {
				return err
			}
			if libraryURL != "" {
				if err := validation.ValidateDownloadURL(libraryURL); err != nil {
					return fmt.Errorf("invalid --library-url: %w", err)
				}
			}

			ctx := cmd.Context()
			recorder := newSettledRecorder()
			e, err := newEngine(ctx, false, session.Options{OnSendSettled: recorder.record})
			if err != nil {
				return err
			}
			defer func() { _ = e.Close(ctx) }()

			if _, err := openConversation(ctx, e, args[0]); err != nil {
				return err
			}
			if e.session.IsConversationExpired(time.Now()) {
				_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "warning: last message is older than %s\n", session.ExpiryWindow)
			}

			if dryrun.IsEnabled(ctx) {
				detail, _ := e.session.Detail()
				p := dryrun.New("send", "message to "+detail.Address)
				p.Description = text
				p.Details["conversation"] = detail.ID
				if file != "" {
					p.Details["file"] = file
				}
				if libraryURL != "" {
					p.Details["library_url"] = libraryURL
				}
				if replyTo != "" {
					p.Details["reply_to"] = replyTo
				}
				return printPreview(cmd, p)
			}

			opts := outbox.SendOptions{Caption: text}
			if replyTo != "" {
				ref := chat.ReplyRef{ID: replyTo}
				for _, m := range e.session.Messages() {
					if m.ID == replyTo || m.MessageID == replyTo {
						ref.Text = m.Text
						break
					}
				}
				opts.ReplyTo = &ref
			}

			var queued chat.Message
			switch {
			case file != "":
				f, ferr := readAttachment(file)
				if ferr != nil {
					return ferr
				}
				queued, err = e.session.SendAttachment(ctx, f, opts)
			case libraryURL != "":
				queued, err = e.session.SendLibraryAttachment(ctx, outbox.LibraryItem{URL: libraryURL, Name: libraryName}, opts)
			default:
				queued, err = e.session.Send(ctx, text, opts)
			}
			if err != nil {
				return err
			}

			e.session.WaitSends()
			status, sendErr := recorder.result(queued.ID)
			final := queued
			for _, m := range e.session.Messages() {
				if m.ID == queued.ID || (status == chat.StatusSent && m.SameContent(queued)) {
					final = m
				}
			}
			final.Status = status

			outcome := sendOutcome{Message: final, Status: status}
			if sendErr != nil && !chat.IsSendConflict(sendErr) {
				outcome.Error = sendErr.Error()
			}
			if isJSON(cmd) {
				if err := printJSON(cmd, outcome); err != nil {
					return err
				}
			} else {
				switch {
				case chat.IsSendConflict(sendErr):
					printIfNotQuiet(cmd, "Already delivered (server reported a duplicate)\n")
				case status == chat.StatusSent:
					printIfNotQuiet(cmd, "Sent %s\n", final.ID)
				}
			}
			if status != chat.StatusSent {
				return sendErr
			}
			return nil
		}),
	}

	cmd.Flags().StringVar(&file, "file", "", "Attach a local file")
	cmd.Flags().StringVar(&libraryURL, "library-url", "", "Attach a file downloaded from this URL")
	cmd.Flags().StringVar(&libraryName, "library-name", "", "File name for --library-url")
	cmd.Flags().StringVar(&replyTo, "reply-to", "", "Message ID to reply to")

	return cmd
}

// followEvent is one line of follow output.
type followEvent struct {
	Kind           string        `json:"kind"`
	ConversationID string        `json:"conversationId,omitempty"`
	Name           string        `json:"name,omitempty"`
	Text           string        `json:"text,omitempty"`
	Message        *chat.Message `json:"message,omitempty"`
}

// followPrinter writes follow events, once per message id and status.
type followPrinter struct {
	cmd  *cobra.Command
	mu   sync.Mutex
	seen map[string]chat.Status
}

func (p *followPrinter) emit(ev followEvent) {
	ctx := p.cmd.Context()
	out := iocontext.GetIO(ctx).Out
	if outfmt.IsJSON(ctx) {
		_ = outfmt.WriteJSONFiltered(out, ev, outfmt.GetQuery(ctx), true)
		return
	}
	switch {
	case ev.Message != nil:
		_, _ = fmt.Fprintln(out, formatMessageLine(*ev.Message))
	case ev.Kind == "notification":
		_, _ = fmt.Fprintf(out, "* %s (%s): %s\n", ev.Name, ev.ConversationID, truncate(ev.Text, 80))
	default:
		_, _ = fmt.Fprintf(out, "* %s %s %s\n", ev.Kind, ev.ConversationID, ev.Text)
	}
}

func (p *followPrinter) messages(msgs []chat.Message) {
	p.mu.Lock()
	var fresh []chat.Message
	for _, m := range msgs {
		if prev, ok := p.seen[m.ID]; ok && prev == m.Status {
			continue
		}
		p.seen[m.ID] = m.Status
		fresh = append(fresh, m)
	}
	p.mu.Unlock()
	for i := range fresh {
		p.emit(followEvent{Kind: "message", ConversationID: fresh[i].ConversationID, Message: &fresh[i]})
	}
}

func (p *followPrinter) notification(n router.Notification) {
	p.emit(followEvent{Kind: "notification", ConversationID: n.ConversationID, Name: n.Name, Text: n.Text})
}

func newFollowCmd() *cobra.Command {
	var (
		room     string
		duration time.Duration
		noBoard  bool
	)

	cmd := &cobra.Command{
		Use:   "follow [conversation]",
		Short: "Stream real-time messages and notifications",
		Long: `Follow the organization room and, when given, one conversation.

Messages for the followed conversation are printed as they arrive; events for
other conversations are printed as notifications. Stop with Ctrl-C.`,
		Example: `  crmsync chat follow
  crmsync chat follow 42 -o jsonl
  crmsync chat follow --room acme --duration 10m`,
		Args: cobra.MaximumNArgs(1),
		RunE: RunE(func(cmd *cobra.Command, args []string) error {
			if duration < 0 {
				return fmt.Errorf("--duration must be >= 0")
			}
			ctx := cmd.Context()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			printer := &followPrinter{cmd: cmd, seen: make(map[string]chat.Status)}
			var e *engine
			var opened bool
			var openMu sync.Mutex
			opts := session.Options{
				OrgRoom:        room,
				OnNotification: printer.notification,
				OnChange: func() {
					openMu.Lock()
					ready := opened
					openMu.Unlock()
					if ready {
						printer.messages(e.session.Messages())
					}
				},
			}
			e, err := newEngine(ctx, true, opts)
			if err != nil {
				return err
			}
			defer func() { _ = e.Close(context.Background()) }()
			if e.source == nil {
				return fmt.Errorf("transport %q has no real-time events to follow", e.settings.Transport)
			}

			if !noBoard {
				if err := e.session.Board().FetchPipeline(ctx); err != nil {
					_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "warning: board not loaded: %v\n", err)
				}
			}
			if len(args) == 1 {
				if _, err := openConversation(ctx, e, args[0]); err != nil {
					return err
				}
				printer.messages(e.session.Messages())
				openMu.Lock()
				opened = true
				openMu.Unlock()
			}

			err = e.session.Start(ctx)
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}),
	}

	cmd.Flags().StringVar(&room, "room", "", "Organization room (default from config)")
	cmd.Flags().DurationVar(&duration, "duration", 0, "Stop after this long (0 = until interrupted)")
	cmd.Flags().BoolVar(&noBoard, "no-board", false, "Skip loading the board for previews")

	return cmd
}
