package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-sh/kiln/pkg/blobstore"
	"github.com/kiln-sh/kiln/pkg/errdef"
	"github.com/kiln-sh/kiln/pkg/orchestrator"
	"github.com/kiln-sh/kiln/pkg/pool"
	"github.com/kiln-sh/kiln/pkg/types"
	"github.com/kiln-sh/kiln/pkg/workspace"
)

// fakeEnv emulates the orchestrator: workers become ready as soon as
// they are created, each with its own in-memory workspace, and the
// execution RPC is delegated to a configurable handler.
type fakeEnv struct {
	mu      sync.Mutex
	files   map[string]map[string]string // worker -> path -> content
	deleted map[string]bool
	events  chan types.WorkerEvent

	// run handles the execution RPC against the calling worker's files.
	run func(files map[string]string, req rpcRequest) (rpcResponse, error)
}

func newFakeEnv() *fakeEnv {
	return &fakeEnv{
		files:   make(map[string]map[string]string),
		deleted: make(map[string]bool),
		events:  make(chan types.WorkerEvent, 256),
		run: func(files map[string]string, req rpcRequest) (rpcResponse, error) {
			return rpcResponse{}, nil
		},
	}
}

func (e *fakeEnv) CreateWorker(ctx context.Context, name string, spec orchestrator.WorkerSpec) error {
	e.mu.Lock()
	e.files[name] = make(map[string]string)
	e.mu.Unlock()
	e.events <- types.WorkerEvent{Name: name, Phase: types.PhaseRunning, Ready: true}
	return nil
}

func (e *fakeEnv) WatchWorkers(ctx context.Context, prefix string) <-chan types.WorkerEvent {
	out := make(chan types.WorkerEvent, 256)
	go func() {
		defer close(out)
		for {
			select {
			case ev := <-e.events:
				out <- ev
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (e *fakeEnv) ListWorkers(ctx context.Context, prefix string) ([]types.WorkerEvent, error) {
	return nil, nil
}

func (e *fakeEnv) DeleteWorker(ctx context.Context, name string) error {
	e.mu.Lock()
	e.deleted[name] = true
	e.mu.Unlock()
	return nil
}

func (e *fakeEnv) Close() error { return nil }

func (e *fakeEnv) Exec(ctx context.Context, name string, argv []string, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	e.mu.Lock()
	files := e.files[name]
	e.mu.Unlock()

	switch argv[0] {
	case rpcPath:
		var req rpcRequest
		if err := json.NewDecoder(stdin).Decode(&req); err != nil {
			return -1, err
		}
		resp, err := e.run(files, req)
		if err != nil {
			return -1, err
		}
		return 0, json.NewEncoder(stdout).Encode(resp)

	case "sh":
		script := argv[2]
		if strings.Contains(script, "find") {
			paths := make([]string, 0, len(files))
			for p := range files {
				paths = append(paths, p)
			}
			sort.Strings(paths)
			for _, p := range paths {
				sum := sha256.Sum256([]byte(files[p]))
				fmt.Fprintf(stdout, "%s  ./%s\n", hex.EncodeToString(sum[:]), strings.TrimPrefix(p, "/workspace/"))
			}
			return 0, nil
		}
		if strings.Contains(script, "cat > ") {
			path := strings.Trim(script[strings.Index(script, "cat > ")+len("cat > "):], "'")
			data, _ := io.ReadAll(stdin)
			files[path] = string(data)
			return 0, nil
		}
		return 1, nil

	case "cat":
		content, ok := files[argv[2]]
		if !ok {
			return 1, nil
		}
		io.WriteString(stdout, content)
		return 0, nil

	case "rm":
		delete(files, argv[len(argv)-1])
		return 0, nil
	}
	return 127, nil
}

func newService(t *testing.T, env *fakeEnv, cfg Config) (*Service, *blobstore.Store) {
	t.Helper()
	store, err := blobstore.Open(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	p := pool.New(env, pool.Config{
		TargetLength:   2,
		NamePrefix:     "exec-test-",
		AcquireTimeout: 2 * time.Second,
	})
	p.Start(ctx)
	t.Cleanup(func() {
		cancel()
		p.Stop()
	})

	return New(p, env, workspace.New(store), cfg), store
}

func TestExecuteHappyPath(t *testing.T) {
	env := newFakeEnv()
	env.run = func(files map[string]string, req rpcRequest) (rpcResponse, error) {
		return rpcResponse{Stdout: "Hello, World!\n"}, nil
	}
	svc, _ := newService(t, env, Config{})

	result, err := svc.Execute(t.Context(), Request{SourceCode: "print('Hello, World!')", ChatID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, "Hello, World!\n", result.Stdout)
	assert.Equal(t, "", result.Stderr)
	assert.Equal(t, 0, result.ExitCode)
	assert.Empty(t, result.Files)
	assert.Equal(t, "s1", result.ChatID)
}

func TestNonZeroExitIsSuccess(t *testing.T) {
	env := newFakeEnv()
	env.run = func(files map[string]string, req rpcRequest) (rpcResponse, error) {
		return rpcResponse{ExitCode: 3}, nil
	}
	svc, _ := newService(t, env, Config{})

	result, err := svc.Execute(t.Context(), Request{SourceCode: "import sys; sys.exit(3)", ChatID: "s3"})
	require.NoError(t, err)
	assert.Equal(t, 3, result.ExitCode)
}

func TestChatIDDefaults(t *testing.T) {
	env := newFakeEnv()
	svc, _ := newService(t, env, Config{})

	result, err := svc.Execute(t.Context(), Request{SourceCode: "pass"})
	require.NoError(t, err)
	assert.Equal(t, DefaultChatID, result.ChatID)
}

func TestChangedFilesAreCollected(t *testing.T) {
	env := newFakeEnv()
	env.run = func(files map[string]string, req rpcRequest) (rpcResponse, error) {
		files["/workspace/out.txt"] = "x"
		return rpcResponse{}, nil
	}
	svc, store := newService(t, env, Config{})

	result, err := svc.Execute(t.Context(), Request{SourceCode: "write a file", ChatID: "s2"})
	require.NoError(t, err)

	sum := sha256.Sum256([]byte("x"))
	wantHash := hex.EncodeToString(sum[:])
	assert.Equal(t, map[string]string{"/workspace/out.txt": wantHash}, result.Files)

	rc, _, err := store.Get("s2", "out.txt", wantHash, false)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "x", string(data))
}

func TestOutputTruncation(t *testing.T) {
	env := newFakeEnv()
	env.run = func(files map[string]string, req rpcRequest) (rpcResponse, error) {
		return rpcResponse{Stdout: "0123456789", Stderr: "abc"}, nil
	}
	svc, _ := newService(t, env, Config{OutputLimitBytes: 5})

	result, err := svc.Execute(t.Context(), Request{SourceCode: "spam", ChatID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, "01234"+TruncationSentinel, result.Stdout)
	assert.Equal(t, "abc", result.Stderr, "short output stays untouched")
}

func TestWorkerIsReleasedAfterExecution(t *testing.T) {
	env := newFakeEnv()
	svc, _ := newService(t, env, Config{})

	_, err := svc.Execute(t.Context(), Request{SourceCode: "pass", ChatID: "s1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		env.mu.Lock()
		defer env.mu.Unlock()
		return len(env.deleted) >= 1
	}, 2*time.Second, 10*time.Millisecond, "the used worker must be destroyed")
}

func TestInfraFailureRetriesOnFreshWorker(t *testing.T) {
	env := newFakeEnv()
	var calls int
	var callMu sync.Mutex
	env.run = func(files map[string]string, req rpcRequest) (rpcResponse, error) {
		callMu.Lock()
		defer callMu.Unlock()
		calls++
		if calls == 1 {
			return rpcResponse{}, errors.New("transport reset")
		}
		return rpcResponse{Stdout: "ok\n"}, nil
	}
	svc, _ := newService(t, env, Config{})

	result, err := svc.Execute(t.Context(), Request{SourceCode: "flaky", ChatID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, "ok\n", result.Stdout)

	callMu.Lock()
	defer callMu.Unlock()
	assert.Equal(t, 2, calls)
}

func TestMissingDeclaredFileFailsWithoutRetry(t *testing.T) {
	env := newFakeEnv()
	svc, _ := newService(t, env, Config{})

	_, err := svc.Execute(t.Context(), Request{
		SourceCode: "pass",
		ChatID:     "s1",
		Files:      map[string]string{"/workspace/missing.txt": strings.Repeat("ab", 32)},
	})
	require.Error(t, err)
	assert.Equal(t, errdef.KindNotFound, errdef.KindOf(err))
}

func TestGlobalMaxDownloadsStampedOnResults(t *testing.T) {
	env := newFakeEnv()
	env.run = func(files map[string]string, req rpcRequest) (rpcResponse, error) {
		files["/workspace/out.txt"] = "y"
		return rpcResponse{}, nil
	}
	svc, _ := newService(t, env, Config{GlobalMaxDownloads: 7})

	result, err := svc.Execute(t.Context(), Request{SourceCode: "write", ChatID: "s1"})
	require.NoError(t, err)

	meta := result.FilesMetadata["/workspace/out.txt"]
	require.NotNil(t, meta)
	require.NotNil(t, meta.RemainingDownloads)
	assert.Equal(t, int64(7), *meta.RemainingDownloads)
}
