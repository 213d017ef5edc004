package fetch

import (
	"context"
	"fmt"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"github.com/strata-lab/strata/pkg/types"
)

// DriveFetcher streams one file from Google Drive using a service account
type DriveFetcher struct{}

func (f *DriveFetcher) Fetch(ctx context.Context, src *types.SourceConfig, destDir string) (*Result, error) {
	spec := src.GoogleDrive

	var opts []option.ClientOption
	if spec.ServiceAccountJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(spec.ServiceAccountJSON)))
	}
	opts = append(opts, option.WithScopes(drive.DriveReadonlyScope))

	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create drive client: %w", err)
	}

	meta, err := svc.Files.Get(spec.FileID).Fields("name", "size").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to stat drive file %s: %w", spec.FileID, err)
	}

	resp, err := svc.Files.Get(spec.FileID).Context(ctx).Download()
	if err != nil {
		return nil, fmt.Errorf("failed to download drive file %s: %w", spec.FileID, err)
	}
	defer resp.Body.Close()

	name := meta.Name
	if name == "" {
		name = spec.FileID
	}
	return writeStream(destDir, name, resp.Body)
}
