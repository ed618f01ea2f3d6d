// Package urlparse extracts account and resource ids from CRM web URLs, so a
// link copied from the browser can stand in for an id on the command line.
package urlparse

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// ParsedURL is a CRM web URL broken into its parts.
type ParsedURL struct {
	BaseURL      string
	AccountID    int
	ResourceType string // singular: conversation, pipeline or stage
	ResourceID   string // empty when the URL names a list
}

var resourceTypes = map[string]string{
	"conversations": "conversation",
	"pipelines":     "pipeline",
	"stages":        "stage",
}

// /app/accounts/{account}[/{resource}[/{id}]][/...]
var urlPattern = regexp.MustCompile(`^/app/accounts/(\d+)(?:/([a-z]+)(?:/([A-Za-z0-9_-]+))?)?(?:/.*)?$`)

// LooksLikeURL reports whether s should be parsed as a URL rather than
// matched as a name or id.
func LooksLikeURL(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// Parse extracts resource information from a CRM URL such as
// https://crm.example.com/app/accounts/1/conversations/42.
func Parse(rawURL string) (*ParsedURL, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, fmt.Errorf("URL cannot be empty")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("invalid URL scheme %q: expected http or https", parsed.Scheme)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("invalid URL: missing host")
	}

	matches := urlPattern.FindStringSubmatch(parsed.Path)
	if matches == nil {
		return nil, fmt.Errorf("invalid CRM URL format: expected /app/accounts/{account_id}[/{resource_type}[/{resource_id}]]")
	}
	accountID, err := strconv.Atoi(matches[1])
	if err != nil || accountID <= 0 {
		return nil, fmt.Errorf("invalid account ID %q", matches[1])
	}

	out := &ParsedURL{
		BaseURL:    fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host),
		AccountID:  accountID,
		ResourceID: matches[3],
	}
	if plural := matches[2]; plural != "" {
		singular, ok := resourceTypes[plural]
		if !ok {
			valid := make([]string, 0, len(resourceTypes))
			for k := range resourceTypes {
				valid = append(valid, k)
			}
			sort.Strings(valid)
			return nil, fmt.Errorf("unsupported resource type %q: expected one of %s", plural, strings.Join(valid, ", "))
		}
		out.ResourceType = singular
	}
	return out, nil
}

// HasResourceID returns true if the parsed URL includes a resource ID.
func (p *ParsedURL) HasResourceID() bool {
	return p.ResourceID != ""
}

// ConversationID returns the conversation id named by rawURL, checking that
// it belongs to accountID.
func ConversationID(rawURL string, accountID int) (string, error) {
	p, err := Parse(rawURL)
	if err != nil {
		return "", err
	}
	if p.ResourceType != "conversation" || !p.HasResourceID() {
		return "", fmt.Errorf("URL does not name a conversation: %s", rawURL)
	}
	if accountID > 0 && p.AccountID != accountID {
		return "", fmt.Errorf("URL is for account %d, but the active account is %d", p.AccountID, accountID)
	}
	return p.ResourceID, nil
}
