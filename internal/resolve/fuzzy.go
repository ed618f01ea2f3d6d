// Package resolve matches user-typed names to pipeline stages and
// conversations.
package resolve

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sahilm/fuzzy"

	"github.com/chatwoot/crmsync/internal/chat"
)

// Named is anything with an id and a display name.
type Named struct {
	ID   string
	Name string
}

// Match is a fuzzy match result with score.
type Match struct {
	ID    string
	Name  string
	Score int
}

var (
	ErrEmptyQuery = errors.New("empty search query")
	ErrEmptyItems = errors.New("no items to match against")
)

// AmbiguousError indicates multiple candidates matched equally well.
type AmbiguousError struct {
	Query   string
	Matches []Match
}

func (e *AmbiguousError) Error() string {
	var b strings.Builder
	_, _ = fmt.Fprintf(&b, "ambiguous match for %q", e.Query)
	if len(e.Matches) > 0 {
		b.WriteString(", candidates:")
		for _, m := range e.Matches {
			_, _ = fmt.Fprintf(&b, "\n  %s: %s", m.ID, m.Name)
		}
	}
	return b.String()
}

type namedSourceLower []Named

func (s namedSourceLower) String(i int) string { return strings.ToLower(s[i].Name) }
func (s namedSourceLower) Len() int            { return len(s) }

// FuzzyMatch returns the id of the item best matching query.
//
// An exact id or case-insensitive name wins outright. Otherwise the fuzzy
// ranking is used; a tie between the top two is an *AmbiguousError.
func FuzzyMatch(query string, items []Named) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", ErrEmptyQuery
	}
	if len(items) == 0 {
		return "", ErrEmptyItems
	}

	for _, item := range items {
		if item.ID == query || strings.EqualFold(item.Name, query) {
			return item.ID, nil
		}
	}

	results := fuzzy.FindFrom(strings.ToLower(query), namedSourceLower(items))
	if len(results) == 0 {
		return "", fmt.Errorf("no match found for %q", query)
	}
	if len(results) > 1 && results[0].Score == results[1].Score {
		return "", &AmbiguousError{Query: query, Matches: buildMatches(items, results, 5)}
	}
	return items[results[0].Index].ID, nil
}

// FuzzyMatchAll returns up to limit matches ranked by score (best first).
func FuzzyMatchAll(query string, items []Named, limit int) []Match {
	query = strings.TrimSpace(query)
	if query == "" || len(items) == 0 || limit <= 0 {
		return nil
	}
	return buildMatches(items, fuzzy.FindFrom(strings.ToLower(query), namedSourceLower(items)), limit)
}

// Stage resolves a stage name or id within p.
func Stage(p chat.Pipeline, query string) (chat.Stage, error) {
	items := make([]Named, len(p.Stages))
	for i, s := range p.Stages {
		items[i] = Named{ID: s.ID, Name: s.Name}
	}
	id, err := FuzzyMatch(query, items)
	if err != nil {
		return chat.Stage{}, fmt.Errorf("stage: %w", err)
	}
	return p.Stages[p.StageIndex(id)], nil
}

// Conversation resolves a conversation id, title or contact address among convs.
func Conversation(convs []chat.Conversation, query string) (chat.Conversation, error) {
	items := make([]Named, 0, len(convs))
	byID := make(map[string]chat.Conversation, len(convs))
	for _, c := range convs {
		name := c.Title
		if name == "" {
			name = c.Address
		}
		items = append(items, Named{ID: c.ID, Name: name})
		byID[c.ID] = c
		if c.Address != "" && strings.TrimSpace(query) == c.Address {
			return c, nil
		}
	}
	id, err := FuzzyMatch(query, items)
	if err != nil {
		return chat.Conversation{}, fmt.Errorf("conversation: %w", err)
	}
	return byID[id], nil
}

func buildMatches(items []Named, results fuzzy.Matches, limit int) []Match {
	if len(results) == 0 || limit <= 0 {
		return nil
	}
	if len(results) > limit {
		results = results[:limit]
	}
	matches := make([]Match, len(results))
	for i, r := range results {
		matches[i] = Match{ID: items[r.Index].ID, Name: items[r.Index].Name, Score: r.Score}
	}
	return matches
}
