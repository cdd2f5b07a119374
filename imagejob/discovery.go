package imagejob

import (
	"context"
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"

	objectprovider "github.com/Octogonapus/ImageJobBenchmark/object_provider"
)

var ErrEmptyDataset = errors.New("no images found")

var supportedExtensions = []string{".jpg", ".jpeg", ".png"}

// Reports whether key names an image the job knows how to process. The extension check is case-insensitive.
func IsSupportedImage(key string) bool {
	return slices.Contains(supportedExtensions, strings.ToLower(path.Ext(key)))
}

// Lists every supported image under prefix. Returns ErrEmptyDataset if there are none.
func ListImages(ctx context.Context, store objectprovider.ObjectStore, prefix objectprovider.ObjectPath) ([]objectprovider.ObjectPath, error) {
	keys, err := store.List(ctx, prefix.Bucket, prefix.Key)
	if err != nil {
		return nil, fmt.Errorf("listing %s failed: %w", prefix, err)
	}

	paths := []objectprovider.ObjectPath{}
	for _, key := range keys {
		if IsSupportedImage(key) {
			paths = append(paths, prefix.Sibling(prefix.Bucket, key))
		}
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w under %s", ErrEmptyDataset, prefix)
	}
	return paths, nil
}
