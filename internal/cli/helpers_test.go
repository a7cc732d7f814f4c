package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

const testSharedSecret = "cli-test-secret-0123456"

// syncBuffer is a bytes.Buffer safe for concurrent writers and readers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// writeTestConfig writes a config file into a temp data dir and returns its path.
func writeTestConfig(t *testing.T, overrides map[string]interface{}) string {
	t.Helper()
	dir := t.TempDir()
	cfg := map[string]interface{}{
		"data_dir": dir,
		"server": map[string]interface{}{
			"host":          "127.0.0.1",
			"port":          0,
			"shared_secret": testSharedSecret,
		},
		"logging": map[string]interface{}{
			"level":   "info",
			"console": false,
		},
	}
	for k, v := range overrides {
		cfg[k] = v
	}
	data, err := json.Marshal(cfg)
	require.NoError(t, err)

	path := filepath.Join(dir, "tether.json")
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

// execute runs the root command with args and returns its output.
func execute(t *testing.T, ctx context.Context, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := GetRootCmd()
	out := &syncBuffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	if ctx == nil {
		ctx = context.Background()
	}
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}
