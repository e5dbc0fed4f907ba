package daemon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/pigeonmsg/pigeon/internal/messenger"
	"github.com/pigeonmsg/pigeon/internal/store"
	"go.uber.org/fx"
)

// fakeRelayServer is a minimal relay the daemon can probe, upload to,
// and subscribe against.
type fakeRelayServer struct {
	mu      sync.Mutex
	uploads []string
}

func (s *fakeRelayServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /v1/messages", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.uploads = append(s.uploads, r.URL.Path)
		s.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("GET /v1/inbox", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("[]"))
	})
	mux.HandleFunc("POST /v1/receipts", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /v1/subscribe", func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")
		<-r.Context().Done()
	})
	return mux
}

func (s *fakeRelayServer) uploadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.uploads)
}

// TestDaemonLifecycle boots the full fx module against a fake relay,
// sends a message through the messenger, and shuts down cleanly.
func TestDaemonLifecycle(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	frs := &fakeRelayServer{}
	srv := httptest.NewServer(frs.handler())
	defer srv.Close()

	cfgPath := filepath.Join(t.TempDir(), "config.toml")
	cfg := `identity = "alice"
relay_url = "` + srv.URL + `"
probe_interval = "20ms"
drain_interval = "20ms"
poll_interval = "50ms"
`
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}

	var msn *messenger.Messenger
	app := fx.New(
		Module(Params{SessionName: "test", ConfigPath: cfgPath}),
		fx.Populate(&msn),
		fx.NopLogger,
	)
	if err := app.Err(); err != nil {
		t.Fatalf("building app: %v", err)
	}

	startCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		t.Fatalf("starting app: %v", err)
	}

	// Wait for the monitor's first successful probe.
	deadline := time.Now().Add(2 * time.Second)
	for !msn.IsOnline() {
		if time.Now().After(deadline) {
			t.Fatal("never came online")
		}
		time.Sleep(10 * time.Millisecond)
	}

	msg, err := msn.SendMessage(context.Background(), "chat1", "bob",
		messenger.Ciphertext{Content: "ct", IV: "iv"}, store.TypeText, "")
	if err != nil {
		t.Fatal(err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for frs.uploadCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("message never reached relay")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Local copy should have advanced past pending once uploaded.
	deadline = time.Now().Add(2 * time.Second)
	for {
		got, err := msn.Message(msg.MsgID)
		if err != nil {
			t.Fatal(err)
		}
		if got != nil && got.Status.Rank() >= store.StatusSent.Rank() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("status = %v, want at least sent", got.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	stopCtx, cancelStop := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelStop()
	if err := app.Stop(stopCtx); err != nil {
		t.Fatalf("stopping app: %v", err)
	}
}

// TestDaemonRequiresConfig verifies the module refuses to build without
// identity and relay_url.
func TestDaemonRequiresConfig(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfgPath := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(cfgPath, []byte(`default_session = "main"`), 0o600); err != nil {
		t.Fatal(err)
	}

	var msn *messenger.Messenger
	app := fx.New(
		Module(Params{SessionName: "test", ConfigPath: cfgPath}),
		fx.Populate(&msn),
		fx.NopLogger,
	)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.Start(ctx); err == nil {
		_ = app.Stop(ctx)
		t.Fatal("expected start to fail with incomplete config")
	}
}
