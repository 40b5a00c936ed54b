// Package fetch retrieves transformation content for url and iri sources.
// It implements the engine's ContentResolver: transport only, no caching
// and no hash verification; the execution context layers both on top.
//
// Supported schemes are http, https, file, and sftp. Which schemes a
// board may actually use is a policy decision, not the resolver's.
package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/slateboard/slateboard/pkg/engine"
)

const (
	defaultHTTPTimeout     = 30 * time.Second
	defaultConnectTimeout  = 30 * time.Second
	defaultMaxContentBytes = 10 * 1024 * 1024
)

// Config holds content fetching configuration.
type Config struct {
	// HTTPTimeout bounds one HTTP fetch end to end. Default 30s.
	HTTPTimeout time.Duration

	// MaxContentBytes caps the size of fetched content. Default 10 MiB,
	// matching what the runner protocol will carry inline.
	MaxContentBytes int64

	// SSHUser is the login for sftp URLs that do not embed one.
	SSHUser string

	// SSHPassword enables password authentication for sftp URLs.
	SSHPassword string

	// SSHPrivateKeyPath enables key authentication for sftp URLs.
	SSHPrivateKeyPath string

	// SSHPrivateKeyPassphrase unlocks an encrypted private key.
	SSHPrivateKeyPassphrase string

	// SSHKnownHostsPath is the known_hosts file for host key checks.
	SSHKnownHostsPath string

	// SSHStrictHostKeyChecking rejects hosts missing from known_hosts.
	// Without it any host key is accepted.
	SSHStrictHostKeyChecking bool

	// SSHConnectTimeout bounds establishing the SSH connection.
	SSHConnectTimeout time.Duration
}

// Fetcher retrieves content bytes by URL. Safe for concurrent use.
type Fetcher struct {
	cfg        Config
	httpClient *http.Client
	logger     zerolog.Logger
}

// New creates a fetcher. Zero-value config fields fall back to defaults.
func New(cfg Config, logger zerolog.Logger) *Fetcher {
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = defaultHTTPTimeout
	}
	if cfg.MaxContentBytes <= 0 {
		cfg.MaxContentBytes = defaultMaxContentBytes
	}
	if cfg.SSHConnectTimeout <= 0 {
		cfg.SSHConnectTimeout = defaultConnectTimeout
	}
	return &Fetcher{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		logger:     logger.With().Str("component", "content-fetcher").Logger(),
	}
}

// Fetch retrieves the content at the given URL.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("invalid content url: %q", rawURL), err).
			WithCode(engine.ErrCodeValidation)
	}

	switch u.Scheme {
	case "http", "https":
		return f.fetchHTTP(ctx, rawURL)
	case "file":
		return f.fetchFile(u)
	case "sftp":
		return f.fetchSFTP(ctx, u)
	default:
		return nil, engine.NewPermanentError(
			fmt.Sprintf("unsupported content scheme: %q", u.Scheme), nil).
			WithCode(engine.ErrCodeValidation)
	}
}

// sizeError reports content over the configured cap.
func (f *Fetcher) sizeError(url string, size int64) error {
	return engine.NewPermanentError(
		fmt.Sprintf("content at %s exceeds size limit: %d > %d bytes",
			url, size, f.cfg.MaxContentBytes), nil).
		WithCode(engine.ErrCodeValidation)
}
