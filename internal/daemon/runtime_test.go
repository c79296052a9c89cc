package daemon

import (
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
)

func TestWriteAndReadRuntimeRoundTrips(t *testing.T) {
	t.Setenv("REVGATE_DATA_DIR", t.TempDir())

	if err := WriteRuntime("127.0.0.1:9999"); err != nil {
		t.Fatalf("WriteRuntime: %v", err)
	}
	defer RemoveRuntime()

	info, err := ReadRuntimeForPID(os.Getpid())
	if err != nil {
		t.Fatalf("ReadRuntimeForPID: %v", err)
	}
	if info.Addr != "127.0.0.1:9999" {
		t.Fatalf("expected addr 127.0.0.1:9999, got %q", info.Addr)
	}
	if info.PID != os.Getpid() {
		t.Fatalf("expected pid %d, got %d", os.Getpid(), info.PID)
	}
}

func TestRemoveRuntimeDeletesFile(t *testing.T) {
	t.Setenv("REVGATE_DATA_DIR", t.TempDir())

	if err := WriteRuntime("127.0.0.1:9999"); err != nil {
		t.Fatalf("WriteRuntime: %v", err)
	}
	RemoveRuntime()

	if _, err := ReadRuntimeForPID(os.Getpid()); err == nil {
		t.Fatal("expected runtime file to be gone after RemoveRuntime")
	}
}

func TestIsDaemonAliveChecksHealthEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	addr := srv.Listener.Addr().(*net.TCPAddr).String()
	if !IsDaemonAlive(addr) {
		t.Fatal("expected daemon at a responding /health endpoint to be alive")
	}
	if IsDaemonAlive("127.0.0.1:1") {
		t.Fatal("expected an unreachable address to be reported as not alive")
	}
}

func TestFindAvailablePortReturnsAPortThatAcceptsConnections(t *testing.T) {
	addr, err := FindAvailablePort("127.0.0.1:18000")
	if err != nil {
		t.Fatalf("FindAvailablePort: %v", err)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("expected returned address %q to be listenable, got: %v", addr, err)
	}
	ln.Close()
}
