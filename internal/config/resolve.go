package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Real-time transports.
const (
	TransportCable = "cable"
	TransportRedis = "redis"
	TransportNATS  = "nats"
	TransportNone  = "none"
)

const (
	envTransport   = "CRMSYNC_TRANSPORT"
	envRealtimeURL = "CRMSYNC_REALTIME_URL"
	envOrgRoom     = "CRMSYNC_ORG_ROOM"
	envPageSize    = "CRMSYNC_PAGE_SIZE"
)

// Settings is the resolved runtime configuration of a session.
type Settings struct {
	BaseURL   string
	Token     string
	AccountID int

	Transport   string
	RealtimeURL string
	OrgRoom     string
	PubSubToken string
	PageSize    int
}

// Load resolves Settings from the stored account and CRMSYNC_* overrides.
func Load() (Settings, error) {
	account, err := LoadAccount()
	if err != nil {
		return Settings{}, err
	}
	return Resolve(account)
}

// Resolve layers environment overrides on top of account.
func Resolve(account Account) (Settings, error) {
	s := Settings{
		BaseURL:     account.BaseURL,
		Token:       account.APIToken,
		AccountID:   account.AccountID,
		PubSubToken: account.PubSubToken,
		Transport:   TransportCable,
	}
	if rt := account.Realtime; rt != nil {
		if rt.Transport != "" {
			s.Transport = rt.Transport
		}
		s.RealtimeURL = rt.URL
		s.OrgRoom = rt.OrgRoom
	}

	if v := firstNonBlankEnv(envTransport); v != "" {
		s.Transport = v
	}
	if v := firstNonBlankEnv(envRealtimeURL); v != "" {
		s.RealtimeURL = v
	}
	if v := firstNonBlankEnv(envOrgRoom); v != "" {
		s.OrgRoom = v
	}
	if v := firstNonBlankEnv(envPubSubToken); v != "" {
		s.PubSubToken = v
	}
	if v := strings.TrimSpace(os.Getenv(envPageSize)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Settings{}, fmt.Errorf("%s must be a positive integer", envPageSize)
		}
		s.PageSize = n
	}

	s.Transport = strings.ToLower(s.Transport)
	switch s.Transport {
	case TransportCable, TransportNone:
	case TransportRedis, TransportNATS:
		if s.RealtimeURL == "" {
			return Settings{}, fmt.Errorf("transport %s requires %s", s.Transport, envRealtimeURL)
		}
	default:
		return Settings{}, fmt.Errorf("unknown transport %q (want cable, redis, nats or none)", s.Transport)
	}

	if s.BaseURL == "" || s.Token == "" || s.AccountID <= 0 {
		return Settings{}, ErrNotConfigured
	}
	return s, nil
}
