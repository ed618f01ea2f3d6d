package api

import "context"

// Requester is the request surface the resource helpers depend on: URL
// building plus JSON execution. Tests can substitute either half.
type Requester interface {
	// accountPath returns the full URL for account-scoped endpoints.
	// Example: accountPath("/conversations/7") -> ".../api/v1/accounts/1/conversations/7"
	accountPath(path string) string

	// do executes a request with a JSON body and decodes the JSON response
	// into result when both are non-nil.
	do(ctx context.Context, method, url string, body any, result any) error
}
