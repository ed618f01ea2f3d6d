package resolve_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/chatwoot/crmsync/internal/chat"
	"github.com/chatwoot/crmsync/internal/resolve"
)

var pipeline = chat.Pipeline{ID: "p1", Stages: []chat.Stage{
	{ID: "new", Name: "New Lead"},
	{ID: "qualified", Name: "Qualified"},
	{ID: "won", Name: "Closed Won"},
	{ID: "lost", Name: "Closed Lost"},
}}

func TestFuzzyMatch_ExactAndPartial(t *testing.T) {
	items := []resolve.Named{{ID: "a", Name: "Support Inbox"}, {ID: "b", Name: "Sales Inbox"}}
	for _, q := range []string{"Support Inbox", "SUPPORT INBOX", "supp", "a"} {
		id, err := resolve.FuzzyMatch(q, items)
		if err != nil || id != "a" {
			t.Errorf("FuzzyMatch(%q) = %q, %v", q, id, err)
		}
	}
}

func TestFuzzyMatch_PrefersExactOverFuzzy(t *testing.T) {
	items := []resolve.Named{{ID: "s", Name: "Sales"}, {ID: "si", Name: "Sales Inbox"}}
	id, err := resolve.FuzzyMatch("Sales", items)
	if err != nil || id != "s" {
		t.Fatalf("got %q, %v", id, err)
	}
}

func TestFuzzyMatch_Errors(t *testing.T) {
	items := []resolve.Named{{ID: "a", Name: "Support"}}
	if _, err := resolve.FuzzyMatch("", items); !errors.Is(err, resolve.ErrEmptyQuery) {
		t.Errorf("empty query: %v", err)
	}
	if _, err := resolve.FuzzyMatch("support", nil); !errors.Is(err, resolve.ErrEmptyItems) {
		t.Errorf("empty items: %v", err)
	}
	if _, err := resolve.FuzzyMatch("billing", items); err == nil {
		t.Error("expected error for no match")
	}
}

func TestFuzzyMatch_Ambiguous(t *testing.T) {
	items := []resolve.Named{{ID: "us", Name: "Support US"}, {ID: "eu", Name: "Support EU"}}
	_, err := resolve.FuzzyMatch("support", items)
	var ae *resolve.AmbiguousError
	if !errors.As(err, &ae) {
		t.Fatalf("expected AmbiguousError, got %T: %v", err, err)
	}
	msg := ae.Error()
	if !strings.Contains(msg, `ambiguous match for "support"`) || !strings.Contains(msg, "us: Support US") {
		t.Errorf("message = %q", msg)
	}
}

func TestFuzzyMatchAll_Ranked(t *testing.T) {
	items := []resolve.Named{{ID: "1", Name: "Support Inbox"}, {ID: "2", Name: "Sales Inbox"}, {ID: "3", Name: "Shipping"}}
	matches := resolve.FuzzyMatchAll("s", items, 2)
	if len(matches) != 2 {
		t.Fatalf("matches = %v", matches)
	}
	if matches[0].Score < matches[1].Score {
		t.Errorf("matches not ranked: %v", matches)
	}
}

func TestStage(t *testing.T) {
	tests := []struct {
		query string
		want  string
	}{
		{"won", "won"},
		{"qual", "qualified"},
		{"new lead", "new"},
		{"closed lost", "lost"},
	}
	for _, tt := range tests {
		got, err := resolve.Stage(pipeline, tt.query)
		if err != nil {
			t.Errorf("Stage(%q): %v", tt.query, err)
			continue
		}
		if got.ID != tt.want {
			t.Errorf("Stage(%q) = %q, want %q", tt.query, got.ID, tt.want)
		}
	}
	if _, err := resolve.Stage(pipeline, "zzz"); err == nil {
		t.Error("expected no match")
	}
}

func TestConversation(t *testing.T) {
	convs := []chat.Conversation{
		{ID: "C1", Title: "Ada Lovelace", Address: "+15550100"},
		{ID: "C2", Address: "+15550200"},
	}
	for q, want := range map[string]string{"C2": "C2", "+15550100": "C1", "ada": "C1", "+15550200": "C2"} {
		got, err := resolve.Conversation(convs, q)
		if err != nil || got.ID != want {
			t.Errorf("Conversation(%q) = %q, %v", q, got.ID, err)
		}
	}
}
