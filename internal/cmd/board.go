package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chatwoot/crmsync/internal/board"
	"github.com/chatwoot/crmsync/internal/chat"
	"github.com/chatwoot/crmsync/internal/dryrun"
	"github.com/chatwoot/crmsync/internal/resolve"
	"github.com/chatwoot/crmsync/internal/session"
	"github.com/chatwoot/crmsync/internal/validation"
)

// loadBoard bootstraps the pipeline and pages every column up to pages pages.
// pages <= 0 loads every page.
func loadBoard(ctx context.Context, b *board.Board, pages int) error {
	if err := b.FetchPipeline(ctx); err != nil {
		return err
	}
	for _, stage := range b.Pipeline().Stages {
		if err := loadColumn(ctx, b, stage.ID, pages); err != nil {
			return err
		}
	}
	return nil
}

func loadColumn(ctx context.Context, b *board.Board, stageID string, pages int) error {
	for loaded := 1; pages <= 0 || loaded < pages; loaded++ {
		before := columnPage(b, stageID)
		if err := b.LoadMore(ctx, stageID); err != nil {
			return err
		}
		if columnPage(b, stageID) == before {
			return nil
		}
	}
	return nil
}

func columnPage(b *board.Board, stageID string) int {
	p := b.Pipeline()
	if i := p.StageIndex(stageID); i >= 0 {
		return p.Stages[i].Pagination.Page
	}
	return 0
}

func boardConversations(b *board.Board) []chat.Conversation {
	var all []chat.Conversation
	for _, col := range b.Columns() {
		all = append(all, col.Conversations...)
	}
	return all
}

// findConversation resolves query against the loaded board, loading the
// remaining column pages once before giving up.
func findConversation(ctx context.Context, b *board.Board, query string) (chat.Conversation, error) {
	c, err := resolve.Conversation(boardConversations(b), query)
	if err == nil {
		return c, nil
	}
	var ambiguous *resolve.AmbiguousError
	if errors.As(err, &ambiguous) {
		return chat.Conversation{}, err
	}
	for _, stage := range b.Pipeline().Stages {
		if lerr := loadColumn(ctx, b, stage.ID, 0); lerr != nil {
			return chat.Conversation{}, lerr
		}
	}
	return resolve.Conversation(boardConversations(b), query)
}

func newBoardEngine(cmd *cobra.Command) (*engine, error) {
	return newEngine(cmd.Context(), false, session.Options{})
}

func newBoardCmd() *cobra.Command {
	var (
		pages int
		all   bool
		stage string
	)

	cmd := &cobra.Command{
		Use:     "board",
		Aliases: []string{"kanban"},
		Short:   "Show the pipeline board",
		Example: `  crmsync board
  crmsync board --stage "qualified" --all
  crmsync board -o json -q '.[] | {stage: .stage.stageName, count: .stage.pagination.total}'`,
		Args: cobra.NoArgs,
		RunE: RunE(func(cmd *cobra.Command, _ []string) error {
			if pages < 1 && !all {
				return fmt.Errorf("--pages must be at least 1")
			}
			if all {
				pages = 0
			}
			e, err := newBoardEngine(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = e.Close(cmd.Context()) }()

			b := e.session.Board()
			if err := b.FetchPipeline(cmd.Context()); err != nil {
				return err
			}
			stages := b.Pipeline().Stages
			if stage != "" {
				s, err := resolve.Stage(b.Pipeline(), stage)
				if err != nil {
					return err
				}
				stages = []chat.Stage{s}
			}
			for _, s := range stages {
				if err := loadColumn(cmd.Context(), b, s.ID, pages); err != nil {
					return err
				}
			}

			cols := b.Columns()
			if stage != "" {
				cols = filterColumns(cols, stages[0].ID)
			}
			if isJSON(cmd) {
				return printJSON(cmd, cols)
			}
			printColumns(cmd, cols)
			return nil
		}),
	}

	cmd.Flags().IntVar(&pages, "pages", 1, "Pages to load per column")
	cmd.Flags().BoolVar(&all, "all", false, "Load every page of every column")
	cmd.Flags().StringVar(&stage, "stage", "", "Only show this stage (name or id)")

	return cmd
}

func filterColumns(cols []board.Column, stageID string) []board.Column {
	for _, c := range cols {
		if c.Stage.ID == stageID {
			return []board.Column{c}
		}
	}
	return nil
}

func printColumns(cmd *cobra.Command, cols []board.Column) {
	w := newTabWriterFromCmd(cmd)
	defer func() { _ = w.Flush() }()
	for i, col := range cols {
		if i > 0 {
			_, _ = fmt.Fprintln(w)
		}
		pg := col.Stage.Pagination
		more := ""
		if pg.HasMore {
			more = ", more"
		}
		_, _ = fmt.Fprintf(w, "== %s [%s] (%d of %d%s)\n", col.Stage.Name, col.Stage.Color.Token, len(col.Conversations), pg.Total, more)
		if len(col.Conversations) == 0 {
			_, _ = fmt.Fprintln(w, "  (empty)")
			continue
		}
		for _, c := range col.Conversations {
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf("(%d)", c.UnreadCount)
			} else if !c.Preview.Read && c.Preview.Direction == chat.DirectionIncoming {
				unread = "*"
			}
			_, _ = fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n",
				c.ID, truncate(c.Title, 28), unread, formatTime(c.Preview.Timestamp), truncate(c.Preview.Text, 48))
		}
	}
}

func newMoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "move <conversation> <stage>",
		Short: "Move a conversation to another stage",
		Example: `  crmsync move 42 qualified
  crmsync move "Ada Lovelace" won`,
		Args: cobra.ExactArgs(2),
		RunE: RunE(func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := newBoardEngine(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = e.Close(ctx) }()

			b := e.session.Board()
			if err := b.FetchPipeline(ctx); err != nil {
				return err
			}
			stage, err := resolve.Stage(b.Pipeline(), args[1])
			if err != nil {
				return err
			}
			query, err := e.conversationRef(args[0])
			if err != nil {
				return err
			}
			conv, err := findConversation(ctx, b, query)
			if err != nil {
				return err
			}
			from := b.Pipeline().Stages[conv.StageIndex].Name
			if dryrun.IsEnabled(ctx) {
				p := dryrun.New("move", "conversation "+conv.ID)
				p.Description = fmt.Sprintf("%s: %s -> %s", conv.Title, from, stage.Name)
				p.Details["from"] = b.Pipeline().Stages[conv.StageIndex].ID
				p.Details["to"] = stage.ID
				return printPreview(cmd, p)
			}
			if err := b.MoveToStage(ctx, conv.ID, stage.ID); err != nil {
				return err
			}

			moved, _ := b.Conversation(conv.ID)
			if isJSON(cmd) {
				return printJSON(cmd, moved)
			}
			printIfNotQuiet(cmd, "Moved %s (%s): %s -> %s\n", conv.ID, conv.Title, from, stage.Name)
			return nil
		}),
	}
}

func newConversationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversation",
		Aliases: []string{"conv"},
		Short:   "Edit conversations on the board",
	}
	cmd.AddCommand(newConversationDeleteCmd())
	cmd.AddCommand(newConversationPriorityCmd())
	cmd.AddCommand(newConversationTagsCmd())
	return cmd
}

func newConversationDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "delete <conversation>",
		Aliases: []string{"rm"},
		Short:   "Delete a conversation",
		Args:    cobra.ExactArgs(1),
		RunE: RunE(func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := newBoardEngine(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = e.Close(ctx) }()

			b := e.session.Board()
			if err := b.FetchPipeline(ctx); err != nil {
				return err
			}
			query, err := e.conversationRef(args[0])
			if err != nil {
				return err
			}
			conv, err := findConversation(ctx, b, query)
			if err != nil {
				return err
			}
			if dryrun.IsEnabled(ctx) {
				p := dryrun.New("delete", "conversation "+conv.ID)
				p.Description = conv.Title
				p.Warnings = []string{"deleting a conversation cannot be undone"}
				return printPreview(cmd, p)
			}
			if err := b.DeleteConversation(ctx, conv.ID); err != nil {
				return err
			}
			if isJSON(cmd) {
				return printJSON(cmd, map[string]any{"deleted": conv.ID})
			}
			printIfNotQuiet(cmd, "Deleted conversation %s (%s)\n", conv.ID, conv.Title)
			return nil
		}),
	}
}

// openConversation loads the board and opens the conversation named by query,
// which may also be a pasted conversation URL.
// A query that matches nothing on the board, or a board that fails to load,
// falls back to using query as a raw id.
func openConversation(ctx context.Context, e *engine, query string) (string, error) {
	ref, err := e.conversationRef(query)
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(ref)
	b := e.session.Board()
	if err := b.FetchPipeline(ctx); err != nil {
		slog.Debug("board unavailable, opening conversation by id", "conversation", id, "error", err)
	} else {
		conv, err := findConversation(ctx, b, id)
		var ambiguous *resolve.AmbiguousError
		switch {
		case err == nil:
			id = conv.ID
		case errors.As(err, &ambiguous):
			return "", err
		}
	}
	if err := e.session.InitializeChat(ctx, id); err != nil {
		return "", err
	}
	return id, nil
}

func newConversationPriorityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "priority <conversation> <priority>",
		Short: "Set a conversation's priority",
		Args:  cobra.ExactArgs(2),
		RunE: RunE(func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := newBoardEngine(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = e.Close(ctx) }()

			id, err := openConversation(ctx, e, args[0])
			if err != nil {
				return err
			}
			if dryrun.IsEnabled(ctx) {
				detail, _ := e.session.Detail()
				p := dryrun.New("set priority of", "conversation "+id)
				p.Details["before"] = detail.Priority
				p.Details["after"] = strings.TrimSpace(args[1])
				return printPreview(cmd, p)
			}
			if err := e.session.SetPriority(ctx, strings.TrimSpace(args[1])); err != nil {
				return err
			}
			detail, _ := e.session.Detail()
			if isJSON(cmd) {
				return printJSON(cmd, detail)
			}
			printIfNotQuiet(cmd, "Conversation %s priority: %s\n", id, detail.Priority)
			return nil
		}),
	}
}

func newConversationTagsCmd() *cobra.Command {
	var clearTags bool

	cmd := &cobra.Command{
		Use:   "tags <conversation> [tag...]",
		Short: "Replace a conversation's tags",
		Args:  cobra.MinimumNArgs(1),
		RunE: RunE(func(cmd *cobra.Command, args []string) error {
			tags := args[1:]
			if len(tags) == 0 && !clearTags {
				return fmt.Errorf("at least one tag is required (or --clear)")
			}
			if err := validation.ValidateTags(tags); err != nil {
				return err
			}
			ctx := cmd.Context()
			e, err := newBoardEngine(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = e.Close(ctx) }()

			b := e.session.Board()
			if err := b.FetchPipeline(ctx); err != nil {
				return err
			}
			query, err := e.conversationRef(args[0])
			if err != nil {
				return err
			}
			conv, err := findConversation(ctx, b, query)
			if err != nil {
				return err
			}
			if dryrun.IsEnabled(ctx) {
				p := dryrun.New("retag", "conversation "+conv.ID)
				p.Details["before"] = strings.Join(conv.Tags, ", ")
				p.Details["after"] = strings.Join(tags, ", ")
				return printPreview(cmd, p)
			}
			if err := b.SetTags(ctx, conv.ID, tags); err != nil {
				return err
			}
			updated, _ := b.Conversation(conv.ID)
			if isJSON(cmd) {
				return printJSON(cmd, updated)
			}
			printIfNotQuiet(cmd, "Conversation %s tags: %s\n", conv.ID, strings.Join(updated.Tags, ", "))
			return nil
		}),
	}
	cmd.Flags().BoolVar(&clearTags, "clear", false, "Remove every tag")
	return cmd
}

func newStageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stage",
		Short: "Edit pipeline stages",
	}
	cmd.AddCommand(newStageEditCmd())
	cmd.AddCommand(newStageColorsCmd())
	return cmd
}

func newStageEditCmd() *cobra.Command {
	var name, color string

	cmd := &cobra.Command{
		Use:     "edit <stage>",
		Short:   "Rename or recolor a stage",
		Example: `  crmsync stage edit new --name "Inbound" --color bg-blue-500`,
		Args:    cobra.ExactArgs(1),
		RunE: RunE(func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(name) == "" && color == "" {
				return fmt.Errorf("--name or --color is required")
			}
			if err := validation.ValidateStageName(name); err != nil {
				return err
			}
			ctx := cmd.Context()
			e, err := newBoardEngine(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = e.Close(ctx) }()

			b := e.session.Board()
			if err := b.FetchPipeline(ctx); err != nil {
				return err
			}
			stage, err := resolve.Stage(b.Pipeline(), args[0])
			if err != nil {
				return err
			}
			if dryrun.IsEnabled(ctx) {
				p := dryrun.New("edit", "stage "+stage.ID)
				if strings.TrimSpace(name) != "" {
					p.Details["name"] = fmt.Sprintf("%s -> %s", stage.Name, strings.TrimSpace(name))
				}
				if color != "" {
					p.Details["color"] = fmt.Sprintf("%s -> %s", stage.Color.Token, chat.ColorFromToken(color).Token)
				}
				return printPreview(cmd, p)
			}
			if err := b.EditStage(ctx, stage.ID, name, color); err != nil {
				return err
			}
			p := b.Pipeline()
			updated := p.Stages[p.StageIndex(stage.ID)]
			if isJSON(cmd) {
				return printJSON(cmd, updated)
			}
			printIfNotQuiet(cmd, "Stage %s: %s [%s]\n", updated.ID, updated.Name, updated.Color.Token)
			return nil
		}),
	}
	cmd.Flags().StringVar(&name, "name", "", "New stage name")
	cmd.Flags().StringVar(&color, "color", "", "Palette token (see 'crmsync stage colors')")
	return cmd
}

func newStageColorsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "colors",
		Short: "List stage color tokens",
		Args:  cobra.NoArgs,
		RunE: RunE(func(cmd *cobra.Command, _ []string) error {
			type entry struct {
				Token string `json:"token"`
				Hex   string `json:"hex"`
			}
			var entries []entry
			for _, token := range chat.ColorTokens() {
				entries = append(entries, entry{Token: token, Hex: chat.TokenToHex(token)})
			}
			if isJSON(cmd) {
				return printJSON(cmd, entries)
			}
			w := newTabWriterFromCmd(cmd)
			defer func() { _ = w.Flush() }()
			_, _ = fmt.Fprintln(w, "TOKEN\tHEX")
			for _, e := range entries {
				_, _ = fmt.Fprintf(w, "%s\t%s\n", e.Token, e.Hex)
			}
			return nil
		}),
	}
}
