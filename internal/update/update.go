// Package update compares the running version with the latest published release.
package update

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/mod/semver"
)

const (
	// DefaultReleasesURL is the latest-release endpoint of the project.
	DefaultReleasesURL = "https://api.github.com/repos/chatwoot/crmsync/releases/latest"
	CheckTimeout       = 5 * time.Second
)

// Release is the subset of a release document the check reads.
type Release struct {
	TagName string `json:"tag_name"`
	HTMLURL string `json:"html_url"`
}

// Result describes the outcome of a check.
type Result struct {
	CurrentVersion  string `json:"current"`
	LatestVersion   string `json:"latest"`
	UpdateURL       string `json:"url,omitempty"`
	UpdateAvailable bool   `json:"updateAvailable"`
}

// Checker queries a releases endpoint.
type Checker struct {
	URL    string
	Client *http.Client
}

// ErrDevBuild is returned for builds without a release version.
var ErrDevBuild = fmt.Errorf("development build has no release version")

// Check fetches the latest release and compares it with current.
func (c Checker) Check(ctx context.Context, current string) (*Result, error) {
	if current == "" || current == "dev" {
		return nil, ErrDevBuild
	}
	endpoint := c.URL
	if endpoint == "" {
		endpoint = DefaultReleasesURL
	}
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}

	ctx, cancel := context.WithTimeout(ctx, CheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("release check: status %d", resp.StatusCode)
	}

	var release Release
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return nil, fmt.Errorf("release check: %w", err)
	}

	result := &Result{
		CurrentVersion: strings.TrimPrefix(current, "v"),
		LatestVersion:  strings.TrimPrefix(release.TagName, "v"),
		UpdateURL:      release.HTMLURL,
	}
	cur, latest := canonical(current), canonical(release.TagName)
	if semver.IsValid(cur) && semver.IsValid(latest) {
		result.UpdateAvailable = semver.Compare(latest, cur) > 0
	}
	return result, nil
}

func canonical(v string) string {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}
