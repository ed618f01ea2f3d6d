package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/chatwoot/crmsync/internal/api"
	"github.com/chatwoot/crmsync/internal/board"
	"github.com/chatwoot/crmsync/internal/chat"
	"github.com/chatwoot/crmsync/internal/config"
)

// HandleError processes an error and returns a user-friendly message with suggestions
func HandleError(err error) string {
	if err == nil {
		return ""
	}

	var msg strings.Builder

	var (
		apiErr            *api.APIError
		rateLimitErr      *api.RateLimitError
		circuitBreakerErr *api.CircuitBreakerError
		pipelineErr       *chat.PipelineLoadError
		uploadErr         *chat.UploadFileError
		libraryErr        *chat.LibraryFetchError
	)

	switch {
	case errors.Is(err, config.ErrNotConfigured):
		msg.WriteString("No CRM account configured.\n\n")
		msg.WriteString("Suggestions:\n")
		msg.WriteString("  - Run: crmsync config login --url <base-url> --token <token> --account-id <id>\n")
		msg.WriteString("  - Or set CRMSYNC_BASE_URL, CRMSYNC_API_TOKEN and CRMSYNC_ACCOUNT_ID\n")

	case errors.As(err, &rateLimitErr):
		msg.WriteString("Rate limit exceeded.\n\n")
		msg.WriteString("Suggestions:\n")
		msg.WriteString("  - Wait a few seconds and retry\n")
		msg.WriteString("  - Reduce request frequency\n")

	case errors.As(err, &circuitBreakerErr):
		msg.WriteString("Service temporarily unavailable (circuit breaker open).\n\n")
		msg.WriteString("Suggestions:\n")
		msg.WriteString("  - The API has had multiple failures recently\n")
		msg.WriteString("  - Wait 30 seconds and retry\n")

	case errors.As(err, &pipelineErr):
		fmt.Fprintf(&msg, "Could not load the pipeline after %d attempts.\n\n", pipelineErr.Attempts)
		msg.WriteString("Suggestions:\n")
		msg.WriteString("  - Check that the account has a default pipeline\n")
		msg.WriteString("  - Retry with --debug to see each attempt\n")

	case errors.As(err, &uploadErr), errors.As(err, &libraryErr):
		fmt.Fprintf(&msg, "Attachment was not sent: %s\n\n", err.Error())
		msg.WriteString("Suggestions:\n")
		msg.WriteString("  - Check the file size and type\n")
		msg.WriteString("  - Retry the send; nothing reached the contact\n")

	case chat.IsNetworkTimeout(err):
		fmt.Fprintf(&msg, "%s\n\n", err.Error())
		msg.WriteString("Suggestions:\n")
		msg.WriteString("  - The message may still arrive; check history before resending\n")

	case errors.Is(err, chat.ErrNoDestination):
		msg.WriteString("The conversation has no contact address to send to.\n")

	case errors.Is(err, board.ErrUnknownStage):
		fmt.Fprintf(&msg, "Error: %s\n\n", err.Error())
		msg.WriteString("Suggestions:\n")
		msg.WriteString("  - List stages with: crmsync board\n")

	case errors.As(err, &apiErr):
		fmt.Fprintf(&msg, "API error (HTTP %d): %s\n\n", apiErr.StatusCode, apiErr.Body)
		msg.WriteString(suggestionsForStatusCode(apiErr.StatusCode, apiErr.Body))
		if apiErr.RequestID != "" {
			fmt.Fprintf(&msg, "\nRequest ID: %s\n", apiErr.RequestID)
		}

	case strings.Contains(err.Error(), "connection refused"):
		msg.WriteString("Connection refused.\n\n")
		msg.WriteString("Suggestions:\n")
		msg.WriteString("  - Check if the CRM server is running\n")
		msg.WriteString("  - Verify the URL: crmsync config show\n")

	case strings.Contains(err.Error(), "no such host"):
		msg.WriteString("DNS resolution failed.\n\n")
		msg.WriteString("Suggestions:\n")
		msg.WriteString("  - Check the base URL spelling\n")
		msg.WriteString("  - Verify your DNS settings\n")

	case strings.Contains(err.Error(), "certificate"):
		msg.WriteString("TLS certificate error.\n\n")
		msg.WriteString("Suggestions:\n")
		msg.WriteString("  - Verify the server's SSL certificate\n")
		msg.WriteString("  - Ensure you're using https:// correctly\n")

	default:
		fmt.Fprintf(&msg, "Error: %s\n", err.Error())
	}

	return msg.String()
}

func suggestionsForStatusCode(code int, body string) string {
	var suggestions strings.Builder
	suggestions.WriteString("Suggestions:\n")

	switch code {
	case 400:
		suggestions.WriteString("  - Check your request parameters\n")
		suggestions.WriteString("  - Use --debug to see the full request\n")
		if strings.Contains(body, "required") {
			suggestions.WriteString("  - A required field may be missing\n")
		}

	case 401:
		suggestions.WriteString("  - Your API token may be invalid or expired\n")
		suggestions.WriteString("  - Run: crmsync config login\n")

	case 403:
		suggestions.WriteString("  - You don't have permission for this action\n")
		suggestions.WriteString("  - Check your account role\n")

	case 404:
		suggestions.WriteString("  - The conversation or stage doesn't exist\n")
		suggestions.WriteString("  - It may have been deleted\n")

	case 409:
		suggestions.WriteString("  - The server already has this change\n")
		suggestions.WriteString("  - Reload and check before retrying\n")

	case 422:
		suggestions.WriteString("  - Validation failed\n")
		suggestions.WriteString("  - Check your input values\n")

	case 429:
		suggestions.WriteString("  - Too many requests\n")
		suggestions.WriteString("  - Wait and retry in a few seconds\n")

	case 500, 502, 503, 504:
		suggestions.WriteString("  - Server error - not your fault\n")
		suggestions.WriteString("  - Wait and retry\n")

	default:
		suggestions.WriteString("  - Use --debug for more details\n")
	}

	return suggestions.String()
}
