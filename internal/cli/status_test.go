package cli

import (
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/harun/tether/internal/config"
	"github.com/harun/tether/internal/daemon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusCommand(t *testing.T) {
	t.Run("stopped without a PID file", func(t *testing.T) {
		path := writeTestConfig(t, nil)
		out, err := execute(t, nil, "", "status", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "Status: stopped")
	})

	t.Run("running and healthy", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/healthz", r.URL.Path)
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()
		_, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
		require.NoError(t, err)
		port, err := strconv.Atoi(portStr)
		require.NoError(t, err)

		path := writeTestConfig(t, map[string]interface{}{
			"server": map[string]interface{}{"host": "0.0.0.0", "port": port, "shared_secret": testSharedSecret},
		})
		pidFile := daemon.PIDFile(filepath.Dir(path))
		require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0644))

		out, err := execute(t, nil, "", "status", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "Status: running")
		assert.Contains(t, out, "PID: "+strconv.Itoa(os.Getpid()))
		assert.Contains(t, out, "Health: ok")
	})
}

func TestHealthURL(t *testing.T) {
	cfg := config.DefaultConfig()
	assert.Equal(t, "http://127.0.0.1:8420/healthz", healthURL(cfg))

	cfg.Server.Host = "10.0.0.5"
	assert.Equal(t, "http://10.0.0.5:8420/healthz", healthURL(cfg))
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		expected string
	}{
		{"seconds only", 45 * time.Second, "45s"},
		{"minutes and seconds", 2*time.Minute + 30*time.Second, "2m30s"},
		{"hours minutes seconds", 3*time.Hour + 15*time.Minute + 20*time.Second, "3h15m20s"},
		{"zero", 0, "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := formatDuration(tt.duration)
			assert.Equal(t, tt.expected, result)
		})
	}
}
