package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/ipfs/go-cid"
	"github.com/ipfs/kubo/client/rpc"
	"go.uber.org/zap"
)

// IPFSFetcher reads content with `ipfs cat` through a Kubo HTTP API client.
type IPFSFetcher struct {
	api *rpc.HttpApi
}

// NewIPFSFetcher constructs a Kubo HTTP API client pointed at url.
func NewIPFSFetcher(url string, httpClient *http.Client) (*IPFSFetcher, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	api, err := rpc.NewURLApiWithClient(url, httpClient)
	if err != nil {
		zap.L().Error("connection failed to IPFS", zap.String("url", url), zap.Error(err))
		return nil, err
	}
	return &IPFSFetcher{api: api}, nil
}

// Fetch returns the content of c.
func (f *IPFSFetcher) Fetch(ctx context.Context, c cid.Cid) (content []byte, err error) {
	resp, err := f.api.Request("cat", c.String()).Send(ctx)
	if err != nil {
		zap.L().Error("error executing the cat command in ipfs", zap.String("cid", c.String()), zap.Error(err))
		return nil, err
	}
	defer func(resp *rpc.Response) {
		if cerr := resp.Close(); cerr != nil {
			zap.L().Error("error closing response in ipfs", zap.String("cid", c.String()), zap.Error(cerr))
		}
	}(resp)

	if resp.Error != nil {
		return nil, fmt.Errorf("ipfs cat %s: %w", c, resp.Error)
	}
	content, err = io.ReadAll(resp.Output)
	if err != nil {
		return nil, fmt.Errorf("ipfs cat %s: %w", c, err)
	}
	return content, nil
}
