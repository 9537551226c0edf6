package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/ipfs/go-cid"
	"go.uber.org/zap"
)

// DefaultLighthouseURL is the public Lighthouse gateway.
const DefaultLighthouseURL = "https://gateway.lighthouse.storage/ipfs/"

// LighthouseFetcher reads content from a Lighthouse HTTP gateway with a GET
// to BaseURL followed by the CID. BaseURL must end with the separator the
// gateway expects.
type LighthouseFetcher struct {
	BaseURL string
	HTTP    *http.Client
}

// Fetch returns the content of c. Non-2xx responses are errors.
func (f *LighthouseFetcher) Fetch(ctx context.Context, c cid.Cid) ([]byte, error) {
	zap.L().Debug("getting lighthouse file", zap.String("cid", c.String()))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.BaseURL+c.String(), nil)
	if err != nil {
		return nil, err
	}
	client := f.HTTP
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("lighthouse gateway returned %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}
