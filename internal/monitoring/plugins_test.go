package monitoring

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestHTTPPlugin_Perform(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Sitewatch") != "yes" && r.URL.Path == "/headers" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		switch r.URL.Path {
		case "/down":
			w.WriteHeader(http.StatusServiceUnavailable)
		case "/created":
			w.WriteHeader(http.StatusCreated)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	tests := []struct {
		name   string
		cfg    map[string]interface{}
		up     bool
		detail string
	}{
		{"ok", map[string]interface{}{"url": srv.URL + "/"}, true, "HTTP 200 OK"},
		{"server error", map[string]interface{}{"url": srv.URL + "/down"}, false, "HTTP 503 Service Unavailable"},
		{"expected status", map[string]interface{}{"url": srv.URL + "/created", "expected_status": 201}, true, "HTTP 201 Created"},
		{"unexpected status", map[string]interface{}{"url": srv.URL + "/", "expected_status": 204}, false, "expected 204"},
		{"headers", map[string]interface{}{"url": srv.URL + "/headers", "headers": map[string]interface{}{"X-Sitewatch": "yes"}}, true, "HTTP 200 OK"},
	}

	p := NewHTTPPlugin()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := p.ValidateConfig(tt.cfg); err != nil {
				t.Fatalf("validate: %v", err)
			}
			out, err := p.Perform(context.Background(), tt.cfg)
			if err != nil {
				t.Fatalf("perform: %v", err)
			}
			if out.Up != tt.up {
				t.Fatalf("want up=%v, got %v (%s)", tt.up, out.Up, out.Detail)
			}
			if !strings.Contains(out.Detail, tt.detail) {
				t.Fatalf("want detail containing %q, got %q", tt.detail, out.Detail)
			}
			if !out.Up && out.Kind != KindStatus {
				t.Fatalf("want status kind, got %q", out.Kind)
			}
		})
	}
}

func TestHTTPPlugin_ReusesConnections(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(strings.Repeat("maintenance ", 512)))
	}))
	srv.Config.ConnState = func(c net.Conn, state http.ConnState) {
		if state == http.StateNew {
			conns.Add(1)
		}
	}
	srv.Start()
	defer srv.Close()

	transport := &http.Transport{}
	defer transport.CloseIdleConnections()
	p := &HTTPPlugin{Client: &http.Client{Transport: transport}}

	cfg := map[string]interface{}{"url": srv.URL}
	for i := 0; i < 3; i++ {
		out, err := p.Perform(context.Background(), cfg)
		if err != nil {
			t.Fatalf("perform %d: %v", i, err)
		}
		if out.Up {
			t.Fatalf("perform %d: want down for 503", i)
		}
	}
	if n := conns.Load(); n != 1 {
		t.Fatalf("want one reused connection, server saw %d", n)
	}
}

func TestHTTPPlugin_HonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := NewHTTPPlugin().Perform(ctx, map[string]interface{}{"url": srv.URL}); err == nil {
		t.Fatal("want error once the deadline passes")
	}
}

func TestTCPPlugin_Perform(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	p := &TCPPlugin{}
	cfg := map[string]interface{}{"host": "127.0.0.1", "port": port}
	out, err := p.Perform(context.Background(), cfg)
	if err != nil || !out.Up {
		t.Fatalf("want up, got %+v err=%v", out, err)
	}

	ln.Close()
	if _, err := p.Perform(context.Background(), cfg); err == nil {
		t.Fatal("want dial error on a closed port")
	}
}

func TestTLSPlugin_Perform(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	host, portStr, _ := net.SplitHostPort(u.Host)
	port, _ := strconv.Atoi(portStr)

	p := &TLSPlugin{}
	cfg := map[string]interface{}{"host": host, "port": port, "insecure_skip_verify": true, "min_days_valid": 7}
	if err := p.ValidateConfig(cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}
	out, err := p.Perform(context.Background(), cfg)
	if err != nil || !out.Up {
		t.Fatalf("want up, got %+v err=%v", out, err)
	}

	cfg["insecure_skip_verify"] = false
	if _, err := p.Perform(context.Background(), cfg); err == nil {
		t.Fatal("self-signed certificate must fail verification")
	}
}

func TestPluginValidation(t *testing.T) {
	reg := DefaultRegistry()
	tests := []struct {
		typ string
		cfg map[string]interface{}
		ok  bool
	}{
		{"http", map[string]interface{}{"url": "https://example.com"}, true},
		{"http", map[string]interface{}{}, false},
		{"http", map[string]interface{}{"url": "ftp://example.com"}, false},
		{"http", map[string]interface{}{"url": "https://example.com", "expected_status": 42}, false},
		{"http", map[string]interface{}{"url": "https://example.com", "headers": "nope"}, false},
		{"tcp", map[string]interface{}{"host": "db", "port": 5432}, true},
		{"tcp", map[string]interface{}{"host": "db", "port": "5432"}, true},
		{"tcp", map[string]interface{}{"host": "db"}, false},
		{"tcp", map[string]interface{}{"host": "db", "port": 70000}, false},
		{"dns", map[string]interface{}{"host": "example.com"}, true},
		{"dns", map[string]interface{}{"host": "https://example.com"}, false},
		{"ping", map[string]interface{}{"host": "10.0.0.1"}, true},
		{"ping", map[string]interface{}{"host": "10.0.0.1", "count": 0}, false},
		{"tls", map[string]interface{}{"host": "example.com"}, true},
		{"tls", map[string]interface{}{"host": "example.com", "min_days_valid": -1}, false},
	}
	for _, tt := range tests {
		p, ok := reg.Get(tt.typ)
		if !ok {
			t.Fatalf("type %s not registered", tt.typ)
		}
		err := p.ValidateConfig(tt.cfg)
		if (err == nil) != tt.ok {
			t.Errorf("%s %v: want ok=%v, got err=%v", tt.typ, tt.cfg, tt.ok, err)
		}
	}
}

func TestDefaultRegistryNames(t *testing.T) {
	got := strings.Join(DefaultRegistry().Names(), ",")
	if got != "dns,http,ping,tcp,tls" {
		t.Fatalf("unexpected registry names: %s", got)
	}
}
