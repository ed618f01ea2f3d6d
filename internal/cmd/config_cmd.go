package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/chatwoot/crmsync/internal/cache"
	"github.com/chatwoot/crmsync/internal/config"
	"github.com/chatwoot/crmsync/internal/urlparse"
	"github.com/chatwoot/crmsync/internal/validation"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "config",
		Aliases: []string{"cfg"},
		Short:   "Manage accounts and real-time settings",
	}

	cmd.AddCommand(newConfigLoginCmd())
	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigProfilesCmd())

	return cmd
}

type loginOptions struct {
	name        string
	url         string
	token       string
	accountID   int
	pubsubToken string
	transport   string
	realtimeURL string
	orgRoom     string
	fromEnv     string
	skipVerify  bool
}

// fillFromEnvFile takes unset options from a KEY=value file.
func (o *loginOptions) fillFromEnvFile(path string) error {
	values, err := godotenv.Read(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	set := func(dst *string, key string) {
		if *dst == "" {
			*dst = strings.TrimSpace(values[key])
		}
	}
	set(&o.url, "CRMSYNC_BASE_URL")
	set(&o.token, "CRMSYNC_API_TOKEN")
	set(&o.pubsubToken, "CRMSYNC_PUBSUB_TOKEN")
	set(&o.transport, "CRMSYNC_TRANSPORT")
	set(&o.realtimeURL, "CRMSYNC_REALTIME_URL")
	set(&o.orgRoom, "CRMSYNC_ORG_ROOM")
	if o.accountID == 0 {
		if v := strings.TrimSpace(values["CRMSYNC_ACCOUNT_ID"]); v != "" {
			id, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("CRMSYNC_ACCOUNT_ID in %s must be a positive integer", path)
			}
			o.accountID = id
		}
	}
	return nil
}

func (o *loginOptions) account() config.Account {
	account := config.Account{
		BaseURL:     strings.TrimRight(strings.TrimSpace(o.url), "/"),
		APIToken:    strings.TrimSpace(o.token),
		AccountID:   o.accountID,
		PubSubToken: strings.TrimSpace(o.pubsubToken),
	}
	if o.transport != "" || o.realtimeURL != "" || o.orgRoom != "" {
		account.Realtime = &config.Realtime{
			Transport: strings.ToLower(strings.TrimSpace(o.transport)),
			URL:       strings.TrimSpace(o.realtimeURL),
			OrgRoom:   strings.TrimSpace(o.orgRoom),
		}
	}
	return account
}

func newConfigLoginCmd() *cobra.Command {
	var opts loginOptions

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store account credentials in the system keyring",
		Example: `  crmsync config login --url https://crm.example.com --token $TOKEN --account-id 1
  crmsync config login --name staging --from-env-file staging.env --transport nats --realtime-url nats://localhost:4222`,
		Args: cobra.NoArgs,
		RunE: RunE(func(cmd *cobra.Command, _ []string) error {
			if opts.fromEnv != "" {
				if err := opts.fillFromEnvFile(opts.fromEnv); err != nil {
					return err
				}
			}
			if urlparse.LooksLikeURL(opts.url) {
				// A pasted app URL carries the account id.
				if parsed, err := urlparse.Parse(opts.url); err == nil {
					opts.url = parsed.BaseURL
					if opts.accountID == 0 {
						opts.accountID = parsed.AccountID
					}
				}
			}
			account := opts.account()
			if account.BaseURL == "" {
				return fmt.Errorf("--url is required")
			}
			if err := validation.ValidateBaseURL(account.BaseURL); err != nil {
				return fmt.Errorf("invalid --url: %w", err)
			}
			if account.APIToken == "" {
				return fmt.Errorf("--token is required")
			}
			if account.AccountID <= 0 {
				return fmt.Errorf("--account-id must be a positive integer")
			}

			settings, err := config.Resolve(account)
			if err != nil {
				return err
			}
			if !opts.skipVerify {
				client := newClientFactory().newClient(settings)
				if _, err := client.GetDefaultPipelineID(cmd.Context()); err != nil {
					return fmt.Errorf("verify credentials: %w", err)
				}
			}

			name := opts.name
			if name == "" {
				name = "default"
			}
			if err := config.SaveProfile(name, account); err != nil {
				return err
			}
			if dir, err := cache.DefaultDir(); err == nil {
				cache.ClearAll(dir)
			}

			if isJSON(cmd) {
				return printJSON(cmd, map[string]any{
					"profile":    name,
					"base_url":   account.BaseURL,
					"account_id": account.AccountID,
					"transport":  settings.Transport,
				})
			}
			printIfNotQuiet(cmd, "Saved profile %s (%s, account %d, transport %s)\n",
				name, account.BaseURL, account.AccountID, settings.Transport)
			return nil
		}),
	}

	f := cmd.Flags()
	f.StringVar(&opts.name, "name", "", "Profile name (default \"default\")")
	f.StringVar(&opts.url, "url", "", "CRM base URL")
	f.StringVar(&opts.token, "token", "", "API access token")
	f.IntVar(&opts.accountID, "account-id", 0, "Account ID")
	f.StringVar(&opts.pubsubToken, "pubsub-token", "", "ActionCable pubsub token")
	f.StringVar(&opts.transport, "transport", "", "Real-time transport: cable|redis|nats|none")
	f.StringVar(&opts.realtimeURL, "realtime-url", "", "Real-time endpoint (required for redis and nats)")
	f.StringVar(&opts.orgRoom, "org-room", "", "Organization room joined by follow")
	f.StringVar(&opts.fromEnv, "from-env-file", "", "Read unset values from a CRMSYNC_* .env file")
	f.BoolVar(&opts.skipVerify, "skip-verify", false, "Save without checking the credentials")

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the resolved configuration",
		Args:  cobra.NoArgs,
		RunE: RunE(func(cmd *cobra.Command, _ []string) error {
			settings, err := config.Load()
			if err != nil {
				return err
			}
			profile, _ := config.CurrentProfile()
			view := map[string]any{
				"profile":      profile,
				"base_url":     settings.BaseURL,
				"account_id":   settings.AccountID,
				"api_token":    maskToken(settings.Token),
				"transport":    settings.Transport,
				"realtime_url": settings.RealtimeURL,
				"org_room":     settings.OrgRoom,
				"page_size":    settings.PageSize,
			}
			if isJSON(cmd) {
				return printJSON(cmd, view)
			}

			w := newTabWriterFromCmd(cmd)
			defer func() { _ = w.Flush() }()
			_, _ = fmt.Fprintf(w, "Profile:\t%s\n", profile)
			_, _ = fmt.Fprintf(w, "Base URL:\t%s\n", settings.BaseURL)
			_, _ = fmt.Fprintf(w, "Account ID:\t%d\n", settings.AccountID)
			_, _ = fmt.Fprintf(w, "API Token:\t%s\n", maskToken(settings.Token))
			_, _ = fmt.Fprintf(w, "Transport:\t%s\n", settings.Transport)
			if settings.RealtimeURL != "" {
				_, _ = fmt.Fprintf(w, "Realtime URL:\t%s\n", settings.RealtimeURL)
			}
			if settings.OrgRoom != "" {
				_, _ = fmt.Fprintf(w, "Org room:\t%s\n", settings.OrgRoom)
			}
			return nil
		}),
	}
}

func newConfigProfilesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "Manage stored profiles",
	}

	cmd.AddCommand(newProfilesListCmd())
	cmd.AddCommand(newProfilesUseCmd())
	cmd.AddCommand(newProfilesDeleteCmd())

	return cmd
}

func newProfilesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List configured profiles",
		Args:    cobra.NoArgs,
		RunE: RunE(func(cmd *cobra.Command, _ []string) error {
			profiles, err := config.ListProfiles()
			if err != nil {
				return err
			}
			current, _ := config.CurrentProfile()

			if isJSON(cmd) {
				return printJSON(cmd, map[string]any{
					"current":  current,
					"profiles": profiles,
				})
			}

			if len(profiles) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No profiles configured. Run 'crmsync config login' to add one.")
				return nil
			}

			w := newTabWriterFromCmd(cmd)
			defer func() { _ = w.Flush() }()
			_, _ = fmt.Fprintln(w, "CURRENT\tPROFILE\tBASE_URL\tTRANSPORT")
			for _, profile := range profiles {
				marker := ""
				if profile == current {
					marker = "*"
				}
				baseURL, transport := "-", config.TransportCable
				if account, err := config.LoadProfile(profile); err == nil {
					if account.BaseURL != "" {
						baseURL = account.BaseURL
					}
					if account.Realtime != nil && account.Realtime.Transport != "" {
						transport = account.Realtime.Transport
					}
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", marker, profile, baseURL, transport)
			}
			return nil
		}),
	}
}

func newProfilesUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <name>",
		Short: "Switch active profile",
		Args:  cobra.ExactArgs(1),
		RunE: RunE(func(cmd *cobra.Command, args []string) error {
			name := args[0]
			account, err := config.LoadProfile(name)
			if err != nil {
				return fmt.Errorf("profile %q not found: %w", name, err)
			}
			if err := config.SetCurrentProfile(name); err != nil {
				return err
			}
			printIfNotQuiet(cmd, "Current profile: %s (%s)\n", name, account.BaseURL)
			return nil
		}),
	}
}

func newProfilesDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "delete <name>",
		Aliases: []string{"rm"},
		Short:   "Delete a profile",
		Args:    cobra.ExactArgs(1),
		RunE: RunE(func(cmd *cobra.Command, args []string) error {
			if err := config.DeleteProfile(args[0]); err != nil {
				return err
			}
			printIfNotQuiet(cmd, "Deleted profile %s\n", args[0])
			return nil
		}),
	}
}
