package blobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"

	"otogi-markov/pkg/retry"
)

func TestStoreContract(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		open func(t *testing.T) Store
	}{
		{
			name: "memory",
			open: func(*testing.T) Store { return NewMemory() },
		},
		{
			name: "bolt",
			open: func(t *testing.T) Store {
				store, err := OpenBolt(BoltConfig{Path: filepath.Join(t.TempDir(), "nested", "chains.bolt")})
				if err != nil {
					t.Fatalf("open bolt: %v", err)
				}
				return store
			},
		},
		{
			name: "drive",
			open: func(t *testing.T) Store {
				store, err := newDriveStore(context.Background(), newFakeDrive(), "markov")
				if err != nil {
					t.Fatalf("open drive: %v", err)
				}
				return store
			},
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			store := testCase.open(t)
			t.Cleanup(func() { _ = store.Close() })

			if _, found, err := store.Get(ctx, "42"); err != nil || found {
				t.Fatalf("Get missing = found %v err %v", found, err)
			}
			if err := store.Delete(ctx, "42"); err != nil {
				t.Fatalf("Delete missing: %v", err)
			}

			if err := store.Put(ctx, "42", []byte("first")); err != nil {
				t.Fatalf("Put: %v", err)
			}
			if err := store.Put(ctx, "42", []byte("second")); err != nil {
				t.Fatalf("Put overwrite: %v", err)
			}
			data, found, err := store.Get(ctx, "42")
			if err != nil || !found || string(data) != "second" {
				t.Fatalf("Get = %q found %v err %v, want second", data, found, err)
			}

			data[0] = 'X'
			again, _, _ := store.Get(ctx, "42")
			if string(again) != "second" {
				t.Fatalf("Get returned shared buffer: %q", again)
			}

			if err := store.Delete(ctx, "42"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, found, err := store.Get(ctx, "42"); err != nil || found {
				t.Fatalf("Get after delete = found %v err %v", found, err)
			}
		})
	}
}

func TestMemoryHonorsCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := NewMemory()
	if err := store.Put(ctx, "1", []byte("x")); !errors.Is(err, context.Canceled) {
		t.Fatalf("Put error = %v, want context.Canceled", err)
	}
	if _, _, err := store.Get(ctx, "1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("Get error = %v, want context.Canceled", err)
	}
}

func TestBoltPersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "chains.bolt")
	first, err := OpenBolt(BoltConfig{Path: path})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := first.Put(context.Background(), "-100", []byte("payload")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second, err := OpenBolt(BoltConfig{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = second.Close() }()

	data, found, err := second.Get(context.Background(), "-100")
	if err != nil || !found || string(data) != "payload" {
		t.Fatalf("Get = %q found %v err %v", data, found, err)
	}
}

func TestDriveCreatesFolderOnce(t *testing.T) {
	t.Parallel()

	api := newFakeDrive()
	first, err := newDriveStore(context.Background(), api, "markov")
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	second, err := newDriveStore(context.Background(), api, "markov")
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	if first.folderID != second.folderID {
		t.Fatalf("folder ids differ: %q vs %q", first.folderID, second.folderID)
	}
	if api.created != 1 {
		t.Fatalf("folders created = %d, want 1", api.created)
	}
}

func TestDriveTreatsNotFoundAsMissing(t *testing.T) {
	t.Parallel()

	api := newFakeDrive()
	store, err := newDriveStore(context.Background(), api, "markov")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.Put(context.Background(), "7", []byte("x")); err != nil {
		t.Fatalf("put: %v", err)
	}

	api.failDownload = &googleapi.Error{Code: http.StatusNotFound}
	if _, found, err := store.Get(context.Background(), "7"); err != nil || found {
		t.Fatalf("Get = found %v err %v, want missing", found, err)
	}

	api.failDownload = &googleapi.Error{Code: http.StatusInternalServerError}
	if _, _, err := store.Get(context.Background(), "7"); err == nil {
		t.Fatal("expected server error to surface")
	}
}

func TestDriveStopsRetryingRejectedRequests(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		code         int
		wantAttempts int
	}{
		{name: "forbidden stops at once", code: http.StatusForbidden, wantAttempts: 1},
		{name: "unauthorized stops at once", code: http.StatusUnauthorized, wantAttempts: 1},
		{name: "rate limit is retried", code: http.StatusTooManyRequests, wantAttempts: retry.DefaultMaxAttempts},
		{name: "server error is retried", code: http.StatusServiceUnavailable, wantAttempts: retry.DefaultMaxAttempts},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			api := newFakeDrive()
			store, err := newDriveStore(context.Background(), api, "markov")
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			api.mu.Lock()
			api.failFind = &googleapi.Error{Code: testCase.code}
			api.finds = 0
			api.mu.Unlock()

			policy := retry.New(retry.WithBaseDelay(time.Microsecond))
			err = policy.DoContext(context.Background(), func(ctx context.Context) error {
				return store.Put(ctx, "7", []byte("x"))
			})
			var apiErr *googleapi.Error
			if !errors.As(err, &apiErr) || apiErr.Code != testCase.code {
				t.Fatalf("error = %v, want googleapi code %d", err, testCase.code)
			}

			api.mu.Lock()
			defer api.mu.Unlock()
			if api.finds != testCase.wantAttempts {
				t.Fatalf("attempts = %d, want %d", api.finds, testCase.wantAttempts)
			}
		})
	}
}

func TestEscapeDriveQuery(t *testing.T) {
	t.Parallel()

	if got := escapeDriveQuery(`it's\here`); got != `it\'s\\here` {
		t.Fatalf("escapeDriveQuery() = %q", got)
	}
}

func TestRegistryOpen(t *testing.T) {
	t.Parallel()

	registry, err := NewBuiltinRegistry()
	if err != nil {
		t.Fatalf("builtin registry: %v", err)
	}
	if got := strings.Join(registry.Types(), ","); got != "bolt,drive,memory" {
		t.Fatalf("Types() = %q", got)
	}

	store, err := registry.Open(context.Background(), Definition{Type: TypeMemory}, nil)
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	if _, ok := store.(*Memory); !ok {
		t.Fatalf("store type = %T, want *Memory", store)
	}

	boltConfig, _ := json.Marshal(BoltConfig{Path: filepath.Join(t.TempDir(), "x.bolt")})
	boltStore, err := registry.Open(context.Background(), Definition{Type: TypeBolt, Config: boltConfig}, nil)
	if err != nil {
		t.Fatalf("open bolt: %v", err)
	}
	_ = boltStore.Close()

	if _, err := registry.Open(context.Background(), Definition{Type: "s3"}, nil); err == nil {
		t.Fatal("expected unsupported type error")
	}
	if _, err := registry.Open(context.Background(), Definition{Type: TypeBolt, Config: []byte("{")}, nil); err == nil {
		t.Fatal("expected config decode error")
	}
	if _, err := registry.Open(context.Background(), Definition{Type: TypeDrive}, nil); err == nil {
		t.Fatal("expected missing credentials error")
	}
}

func TestNewRegistryValidation(t *testing.T) {
	t.Parallel()

	builder := func(context.Context, Definition, *slog.Logger) (Store, error) { return NewMemory(), nil }

	tests := []struct {
		name        string
		descriptors []Descriptor
	}{
		{name: "empty type", descriptors: []Descriptor{{Builder: builder}}},
		{name: "nil builder", descriptors: []Descriptor{{Type: "x"}}},
		{name: "duplicate", descriptors: []Descriptor{{Type: "x", Builder: builder}, {Type: "x", Builder: builder}}},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			if _, err := NewRegistry(testCase.descriptors); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

// fakeDrive keeps files in memory and answers the two query shapes the store issues.
type fakeDrive struct {
	mu           sync.Mutex
	nextID       int
	files        map[string]fakeDriveFile
	created      int
	failDownload error
	failFind     error
	finds        int
}

type fakeDriveFile struct {
	name   string
	parent string
	folder bool
	data   []byte
}

func newFakeDrive() *fakeDrive {
	return &fakeDrive{files: make(map[string]fakeDriveFile)}
}

func (f *fakeDrive) find(_ context.Context, query string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.finds++
	if f.failFind != nil {
		return "", false, f.failFind
	}

	for id, file := range f.files {
		nameClause := fmt.Sprintf("name = '%s'", escapeDriveQuery(file.name))
		if !strings.HasPrefix(query, nameClause+" ") {
			continue
		}
		if file.folder && strings.Contains(query, driveFolderMIME) {
			return id, true, nil
		}
		if !file.folder && strings.Contains(query, fmt.Sprintf("'%s' in parents", file.parent)) {
			return id, true, nil
		}
	}

	return "", false, nil
}

func (f *fakeDrive) download(_ context.Context, fileID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failDownload != nil {
		return nil, f.failDownload
	}
	file, ok := f.files[fileID]
	if !ok {
		return nil, &googleapi.Error{Code: http.StatusNotFound}
	}

	return append([]byte(nil), file.data...), nil
}

func (f *fakeDrive) create(_ context.Context, file *drive.File, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	id := fmt.Sprintf("file-%d", f.nextID)
	entry := fakeDriveFile{name: file.Name, folder: file.MimeType == driveFolderMIME, data: append([]byte(nil), data...)}
	if len(file.Parents) > 0 {
		entry.parent = file.Parents[0]
	}
	if entry.folder {
		f.created++
	}
	f.files[id] = entry

	return id, nil
}

func (f *fakeDrive) update(_ context.Context, fileID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, ok := f.files[fileID]
	if !ok {
		return &googleapi.Error{Code: http.StatusNotFound}
	}
	file.data = append([]byte(nil), data...)
	f.files[fileID] = file

	return nil
}

func (f *fakeDrive) remove(_ context.Context, fileID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.files[fileID]; !ok {
		return &googleapi.Error{Code: http.StatusNotFound}
	}
	delete(f.files, fileID)

	return nil
}
