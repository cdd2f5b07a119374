package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	objectprovider "github.com/Octogonapus/ImageJobBenchmark/object_provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memoryStore(s *objectprovider.MemoryObjectStore) storeFactory {
	return func(context.Context, string, bool) (objectprovider.ObjectStore, error) {
		return s, nil
	}
}

func runJob(t *testing.T, store *objectprovider.MemoryObjectStore, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, memoryStore(store), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func seed(t *testing.T, store *objectprovider.MemoryObjectStore, n int, corrupt int) {
	t.Helper()
	for i := range n {
		key := fmt.Sprintf("small/img%d.jpg", i)
		buf := []byte("definitely not a jpeg")
		if i != corrupt {
			var err error
			buf, err = objectprovider.SyntheticImage(&objectprovider.ObjectSpec{Key: key, Width: 16, Height: 8})
			require.NoError(t, err)
		}
		require.NoError(t, store.Put(context.Background(), "in", key, buf, "image/jpeg"))
	}
}

func TestWrongArityIsUsageError(t *testing.T) {
	store := objectprovider.NewMemoryObjectStore()
	for _, args := range [][]string{
		{"-output-bucket", "out"},
		{"-output-bucket", "out", "s3://in/small/"},
		{"-output-bucket", "out", "s3://in/small/", "run1", "extra"},
	} {
		code, _, stderr := runJob(t, store, args...)
		assert.Equal(t, 2, code, "args %v", args)
		assert.Contains(t, stderr, "Usage: image_job")
	}
}

func TestBadFlagsAreUsageErrors(t *testing.T) {
	store := objectprovider.NewMemoryObjectStore()
	code, _, _ := runJob(t, store, "s3://in/small/", "run1")
	assert.Equal(t, 2, code, "output bucket is required")

	code, _, _ = runJob(t, store, "-bogus", "s3://in/small/", "run1")
	assert.Equal(t, 2, code)

	code, _, _ = runJob(t, store, "-output-bucket", "out", "not-a-path", "run1")
	assert.Equal(t, 2, code)
}

func TestEmptyDatasetFails(t *testing.T) {
	store := objectprovider.NewMemoryObjectStore()
	require.NoError(t, store.Put(context.Background(), "in", "small/readme.txt", []byte("x"), ""))

	code, stdout, _ := runJob(t, store, "-output-bucket", "out", "s3://in/small/", "run1")
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout, "No images found under s3://in/small/")
}

func TestStoreFailureFails(t *testing.T) {
	var stdout, stderr bytes.Buffer
	broken := func(context.Context, string, bool) (objectprovider.ObjectStore, error) {
		return nil, errors.New("no credentials")
	}
	code := run(context.Background(), []string{"-output-bucket", "out", "s3://in/small/", "run1"}, broken, &stdout, &stderr)
	assert.Equal(t, 1, code)
}

func TestPartialFailureStillSucceeds(t *testing.T) {
	store := objectprovider.NewMemoryObjectStore()
	seed(t, store, 5, 3)

	code, stdout, _ := runJob(t, store, "-parallelism", "2", "-output-bucket", "out", "s3://in/small/", "run1")
	assert.Equal(t, 0, code)

	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.Len(t, lines, 6)
	ok, failed := 0, 0
	for _, line := range lines[:5] {
		switch {
		case strings.HasPrefix(line, "✅ "):
			ok++
			assert.Contains(t, line, "→ s3://out/processed/run1/")
		case strings.HasPrefix(line, "❌ "):
			failed++
			assert.Contains(t, line, "s3://in/small/img3.jpg")
		}
	}
	assert.Equal(t, 4, ok)
	assert.Equal(t, 1, failed)

	var out Output
	require.NoError(t, json.Unmarshal([]byte(lines[5]), &out))
	assert.Equal(t, 5, out.Total)
	assert.Equal(t, 4, out.Succeeded)
	assert.Equal(t, 1, out.Failed)
	assert.GreaterOrEqual(t, out.TotalTimeSec, 0.0)
	assert.True(t, strings.HasPrefix(lines[5], `{"Total":5,"Succeeded":4,"Failed":1,`))

	keys, err := store.List(context.Background(), "out", "processed/run1/")
	require.NoError(t, err)
	assert.Len(t, keys, 4)
}
