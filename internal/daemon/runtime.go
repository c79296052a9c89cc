package daemon

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/revgate/revgate/internal/config"
	"github.com/revgate/revgate/internal/version"
)

// RuntimeInfo records one running daemon's identity for discovery by
// revgatectl and for zombie cleanup on the next start.
type RuntimeInfo struct {
	PID     int    `json:"pid"`
	Addr    string `json:"addr"`
	Version string `json:"version"`
}

// RuntimePath returns the runtime info file path for the current process.
func RuntimePath() string { return RuntimePathForPID(os.Getpid()) }

// RuntimePathForPID returns the runtime info file path for a specific PID.
func RuntimePathForPID(pid int) string {
	return filepath.Join(config.DataDir(), fmt.Sprintf("daemon.%d.json", pid))
}

// WriteRuntime persists the current process's runtime info.
func WriteRuntime(addr string) error {
	info := RuntimeInfo{PID: os.Getpid(), Addr: addr, Version: version.Version}
	path := RuntimePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadRuntimeForPID reads the runtime info file for a specific PID.
func ReadRuntimeForPID(pid int) (*RuntimeInfo, error) {
	data, err := os.ReadFile(RuntimePathForPID(pid))
	if err != nil {
		return nil, err
	}
	var info RuntimeInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// RemoveRuntime removes the current process's runtime info file.
func RemoveRuntime() { os.Remove(RuntimePath()) }

// RemoveRuntimeForPID removes a specific process's runtime info file.
func RemoveRuntimeForPID(pid int) { os.Remove(RuntimePathForPID(pid)) }

// ListAllRuntimes returns every runtime info file found under the data directory.
func ListAllRuntimes() ([]*RuntimeInfo, error) {
	matches, err := filepath.Glob(filepath.Join(config.DataDir(), "daemon.*.json"))
	if err != nil {
		return nil, err
	}
	var runtimes []*RuntimeInfo
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var info RuntimeInfo
		if err := json.Unmarshal(data, &info); err != nil {
			os.Remove(path) // corrupted; remove it
			continue
		}
		runtimes = append(runtimes, &info)
	}
	return runtimes, nil
}

// GetAnyRunningDaemon returns info about a running daemon, preferring
// a responsive one, for the "there can be only one" Start check.
func GetAnyRunningDaemon() (*RuntimeInfo, error) {
	runtimes, err := ListAllRuntimes()
	if err != nil {
		return nil, err
	}
	for _, info := range runtimes {
		if IsDaemonAlive(info.Addr) {
			return info, nil
		}
	}
	if len(runtimes) == 0 {
		return nil, os.ErrNotExist
	}
	return runtimes[0], nil
}

// IsDaemonAlive checks whether a daemon at addr is actually responding.
func IsDaemonAlive(addr string) bool {
	if addr == "" {
		return false
	}
	client := &http.Client{Timeout: 500 * time.Millisecond}
	resp, err := client.Get(fmt.Sprintf("http://%s/health", addr))
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// CleanupZombieDaemons kills every unresponsive daemon it finds
// runtime info for. Returns the number cleaned up.
func CleanupZombieDaemons() int {
	runtimes, err := ListAllRuntimes()
	if err != nil {
		return 0
	}
	cleaned := 0
	for _, info := range runtimes {
		if IsDaemonAlive(info.Addr) {
			continue
		}
		if info.PID > 0 {
			killProcess(info.PID)
		}
		RemoveRuntimeForPID(info.PID)
		cleaned++
	}
	return cleaned
}

// FindAvailablePort finds an available "host:port" starting from
// startAddr, scanning forward up to 100 ports.
func FindAvailablePort(startAddr string) (string, error) {
	host := "127.0.0.1"
	port := 8765

	if startAddr != "" {
		parts := strings.Split(startAddr, ":")
		if len(parts) == 2 {
			host = parts[0]
			if p, err := strconv.Atoi(parts[1]); err == nil {
				port = p
			}
		}
	}

	for i := 0; i < 100; i++ {
		addr := fmt.Sprintf("%s:%d", host, port+i)
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			ln.Close()
			return addr, nil
		}
	}
	return "", fmt.Errorf("no available port found starting from %d", port)
}
