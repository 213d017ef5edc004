package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"

	"github.com/strata-lab/strata/pkg/types"
)

// URLFetcher streams a single object over HTTP(S)
type URLFetcher struct {
	// Client overrides the default HTTP client, mainly for tests
	Client *http.Client
}

func (f *URLFetcher) Fetch(ctx context.Context, src *types.SourceConfig, destDir string) (*Result, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", src.URL.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s returned status %d", src.URL.URL, resp.StatusCode)
	}

	return writeStream(destDir, filenameFromURL(src.URL.URL), resp.Body)
}

// filenameFromURL derives a landing filename from the URL path, falling
// back to a fixed name for path-less URLs.
func filenameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || path.Base(u.Path) == "/" || path.Base(u.Path) == "." {
		return "download.bin"
	}
	return path.Base(u.Path)
}
