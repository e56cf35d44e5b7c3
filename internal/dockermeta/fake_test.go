package dockermeta

import (
	"context"
	"fmt"
	"sync"
)

// --- Fake backend ---

// fakeBackend answers lookups from a map and counts calls per ID.
// IDs in errs fail with that error; unknown IDs are not found.
type fakeBackend struct {
	mu         sync.Mutex
	containers map[string]Metadata
	errs       map[string]error
	calls      map[string]int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		containers: make(map[string]Metadata),
		errs:       make(map[string]error),
		calls:      make(map[string]int),
	}
}

func (f *fakeBackend) add(id string, meta Metadata) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[id] = meta
}

func (f *fakeBackend) fail(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[id] = err
}

func (f *fakeBackend) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func (f *fakeBackend) Lookup(ctx context.Context, id string) (Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[id]++
	if err, ok := f.errs[id]; ok {
		return Metadata{}, err
	}
	meta, ok := f.containers[id]
	if !ok {
		return Metadata{}, fmt.Errorf("inspect %s: %w", id, ErrNotFound)
	}
	return meta, nil
}

// --- Helpers ---

func ptr(s string) *string { return &s }

// hexID returns a deterministic 64-character hex container ID.
func hexID(n int) string {
	return fmt.Sprintf("%064x", n)
}

const consoleID = "df14e0d5ae4c07284fa636d739c8fc2e6b52bc344658de7d3f08c36a2e804115"

func consoleMetadata() Metadata {
	return Metadata{
		ID:                ptr(consoleID),
		Name:              ptr("k8s_foo"),
		ContainerHostname: ptr("h1"),
		Image:             ptr("img:latest"),
		ImageID:           ptr("imgid123"),
		Labels:            map[string]string{},
	}
}
