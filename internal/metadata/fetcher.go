package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var ErrUnsupportedURI = errors.New("unsupported metadata uri")

const (
	defaultGateway  = "https://ipfs.io/ipfs/"
	defaultTimeout  = 10 * time.Second
	defaultMaxBytes = 64 << 10
	defaultHTTPTTL  = 5 * time.Minute
)

// Document is the off-chain description a campaign's metaURI points at.
type Document struct {
	Title string `json:"title"`
	Story string `json:"story"`
	Image string `json:"image"`
}

// Cache stores fetched documents by URI. A zero ttl means no expiry.
type Cache interface {
	Get(ctx context.Context, uri string) (*Document, bool, error)
	Set(ctx context.Context, uri string, doc Document, ttl time.Duration) error
}

type Config struct {
	Gateway  string
	Timeout  time.Duration
	MaxBytes int64
	HTTPTTL  time.Duration
	Client   *http.Client
	Cache    Cache
	Logger   *slog.Logger
}

type Fetcher struct {
	gateway  string
	timeout  time.Duration
	maxBytes int64
	httpTTL  time.Duration
	client   *http.Client
	cache    Cache
	logger   *slog.Logger
}

func NewFetcher(cfg Config) *Fetcher {
	f := &Fetcher{
		gateway:  cfg.Gateway,
		timeout:  cfg.Timeout,
		maxBytes: cfg.MaxBytes,
		httpTTL:  cfg.HTTPTTL,
		client:   cfg.Client,
		cache:    cfg.Cache,
		logger:   cfg.Logger,
	}
	if f.gateway == "" {
		f.gateway = defaultGateway
	}
	if !strings.HasSuffix(f.gateway, "/") {
		f.gateway += "/"
	}
	if f.timeout <= 0 {
		f.timeout = defaultTimeout
	}
	if f.maxBytes <= 0 {
		f.maxBytes = defaultMaxBytes
	}
	if f.httpTTL <= 0 {
		f.httpTTL = defaultHTTPTTL
	}
	if f.client == nil {
		f.client = &http.Client{}
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	return f
}

// Resolve maps a metadata or image URI to a fetchable URL. The flag reports
// whether the target is content-addressed and therefore immutable.
func (f *Fetcher) Resolve(uri string) (string, bool, error) {
	uri = strings.TrimSpace(uri)
	u, err := url.Parse(uri)
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrUnsupportedURI, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ipfs":
		if !strings.HasPrefix(strings.ToLower(uri), "ipfs://") {
			return "", false, fmt.Errorf("%w: %q", ErrUnsupportedURI, uri)
		}
		path := uri[len("ipfs://"):]
		path = strings.TrimPrefix(path, "ipfs/")
		if path == "" {
			return "", false, fmt.Errorf("%w: empty ipfs path", ErrUnsupportedURI)
		}
		return f.gateway + path, true, nil
	case "http", "https":
		if u.Host == "" {
			return "", false, fmt.Errorf("%w: missing host", ErrUnsupportedURI)
		}
		return uri, false, nil
	default:
		return "", false, fmt.Errorf("%w: %q", ErrUnsupportedURI, uri)
	}
}

// Fetch loads the document behind uri, consulting the cache first.
func (f *Fetcher) Fetch(ctx context.Context, uri string) (*Document, error) {
	target, immutable, err := f.Resolve(uri)
	if err != nil {
		return nil, err
	}

	if f.cache != nil {
		doc, ok, err := f.cache.Get(ctx, uri)
		if err != nil {
			f.logger.Warn("metadata cache read failed", "uri", uri, "error", err)
		} else if ok {
			return doc, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build metadata request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch metadata: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch metadata: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, fmt.Errorf("metadata exceeds %d bytes", f.maxBytes)
	}

	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if doc.Image != "" {
		if resolved, _, err := f.Resolve(doc.Image); err == nil {
			doc.Image = resolved
		}
	}

	if f.cache != nil {
		ttl := f.httpTTL
		if immutable {
			ttl = 0
		}
		if err := f.cache.Set(ctx, uri, doc, ttl); err != nil {
			f.logger.Warn("metadata cache write failed", "uri", uri, "error", err)
		}
	}
	return &doc, nil
}
