package ops

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	logx "jotchain/pkg/logx"
)

func startTestService(t *testing.T, cfg Config, status StatusFunc) *Service {
	t.Helper()
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	cfg.Enabled = true
	s := New(cfg, status, logx.Nop())
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func get(t *testing.T, url string, header map[string]string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, body
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	s := startTestService(t, Config{}, nil)

	code, body := get(t, "http://"+s.Addr()+"/healthz", nil)
	if code != http.StatusOK || string(body) != "ok" {
		t.Fatalf("healthz = %d %q", code, body)
	}
}

func TestStatusz(t *testing.T) {
	t.Parallel()
	s := startTestService(t, Config{}, func() any {
		return map[string]int{"armed_timers": 3}
	})

	code, body := get(t, "http://"+s.Addr()+"/statusz", nil)
	if code != http.StatusOK {
		t.Fatalf("statusz = %d", code)
	}
	var got map[string]int
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode: %v (%q)", err, body)
	}
	if got["armed_timers"] != 3 {
		t.Fatalf("payload = %v", got)
	}
}

func TestTokenGuardsStatusAndPprof(t *testing.T) {
	t.Parallel()
	s := startTestService(t, Config{Token: "sekrit"}, func() any { return nil })

	base := "http://" + s.Addr()
	if code, _ := get(t, base+"/statusz", nil); code != http.StatusUnauthorized {
		t.Fatalf("no token: %d", code)
	}
	if code, _ := get(t, base+"/statusz?token=wrong", nil); code != http.StatusUnauthorized {
		t.Fatalf("wrong query token: %d", code)
	}
	if code, _ := get(t, base+"/statusz?token=sekrit", nil); code != http.StatusOK {
		t.Fatalf("query token: %d", code)
	}
	if code, _ := get(t, base+"/statusz", map[string]string{"Authorization": "Bearer sekrit"}); code != http.StatusOK {
		t.Fatalf("bearer token: %d", code)
	}
	if code, _ := get(t, base+"/debug/pprof/", nil); code != http.StatusUnauthorized {
		t.Fatalf("pprof without token: %d", code)
	}

	// Liveness stays open even with a token configured.
	if code, _ := get(t, base+"/healthz", nil); code != http.StatusOK {
		t.Fatalf("healthz with token: %d", code)
	}
}

func TestRefusesNonLoopbackWithoutToken(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, nil, logx.Nop())
	if err := s.Start(); err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
		t.Fatal("expected refusal on non-loopback bind without token")
	}
}

func TestDisabledIsNoop(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: false}, nil, logx.Nop())
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := s.Addr(); got != "" {
		t.Fatalf("disabled service bound %q", got)
	}
}
