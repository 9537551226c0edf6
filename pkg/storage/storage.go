package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/ipfs/go-cid"
	"go.uber.org/zap"
)

const (
	// IpfsPrefix is the URI scheme prefix recognized for IPFS content.
	IpfsPrefix = "ipfs://"
	// FilecoinPrefix is the URI scheme prefix recognized for Filecoin/Lighthouse content.
	FilecoinPrefix = "filecoin://"
)

// Fetcher retrieves content by CID from one backend.
type Fetcher interface {
	Fetch(ctx context.Context, c cid.Cid) ([]byte, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, c cid.Cid) ([]byte, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, c cid.Cid) ([]byte, error) { return f(ctx, c) }

// Client routes ipfs:// URIs to a Kubo node and filecoin:// URIs to a
// Lighthouse gateway. A nil backend makes its scheme unavailable.
type Client struct {
	IPFS       Fetcher
	Lighthouse Fetcher
}

// NewClient builds a client over a Kubo HTTP API endpoint and a Lighthouse
// gateway base URL. Either may be empty.
func NewClient(ipfsURL, lighthouseURL string, opts ...Option) (*Client, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	c := &Client{}
	if ipfsURL != "" {
		f, err := NewIPFSFetcher(ipfsURL, o.httpClient)
		if err != nil {
			return nil, err
		}
		c.IPFS = f
	}
	if lighthouseURL != "" {
		c.Lighthouse = &LighthouseFetcher{BaseURL: lighthouseURL, HTTP: o.httpClient}
	}
	return c, nil
}

// IsRemote reports whether uri names content-addressed storage rather than a
// local path.
func IsRemote(uri string) bool {
	uri = strings.TrimSpace(uri)
	return strings.HasPrefix(uri, IpfsPrefix) || strings.HasPrefix(uri, FilecoinPrefix)
}

// ParseURI splits an ipfs:// or filecoin:// URI into its scheme prefix and CID.
func ParseURI(uri string) (string, cid.Cid, error) {
	uri = strings.TrimSpace(uri)
	var prefix string
	switch {
	case strings.HasPrefix(uri, IpfsPrefix):
		prefix = IpfsPrefix
	case strings.HasPrefix(uri, FilecoinPrefix):
		prefix = FilecoinPrefix
	default:
		return "", cid.Undef, fmt.Errorf("unsupported storage uri %q", uri)
	}
	raw := strings.TrimRight(strings.TrimPrefix(uri, prefix), "/")
	c, err := cid.Decode(raw)
	if err != nil {
		return "", cid.Undef, fmt.Errorf("invalid cid %q: %w", raw, err)
	}
	return prefix, c, nil
}

// ReadFile fetches the content named by uri.
func (s *Client) ReadFile(ctx context.Context, uri string) ([]byte, error) {
	prefix, c, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	f := s.IPFS
	if prefix == FilecoinPrefix {
		f = s.Lighthouse
	}
	if f == nil {
		return nil, fmt.Errorf("no backend configured for %s", prefix)
	}
	zap.L().Debug("reading from storage", zap.String("scheme", prefix), zap.String("cid", c.String()))
	data, err := f.Fetch(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", uri, err)
	}
	return data, nil
}
