package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"sitewatch/internal/config"
	"sitewatch/internal/monitoring"
)

const scanXML = `<?xml version="1.0"?>
<nmaprun scanner="nmap" args="nmap -oX - 10.0.0.0/24" version="7.94">
  <host>
    <status state="up" reason="arp-response"/>
    <address addr="10.0.0.5" addrtype="ipv4"/>
    <address addr="AA:BB:CC:DD:EE:FF" addrtype="mac"/>
    <hostnames><hostname name="web.example.lan" type="PTR"/></hostnames>
    <ports>
      <port protocol="tcp" portid="22"><state state="open"/><service name="ssh"/></port>
      <port protocol="tcp" portid="80"><state state="open"/><service name="http"/></port>
      <port protocol="tcp" portid="443"><state state="open"/><service name="https"/></port>
      <port protocol="tcp" portid="3306"><state state="closed"/><service name="mysql"/></port>
    </ports>
  </host>
  <host>
    <status state="up" reason="arp-response"/>
    <address addr="10.0.0.9" addrtype="ipv4"/>
    <ports>
      <port protocol="tcp" portid="8443"><state state="open"/><service name="http" tunnel="ssl"/></port>
    </ports>
  </host>
  <host>
    <status state="down" reason="no-response"/>
    <address addr="10.0.0.10" addrtype="ipv4"/>
  </host>
</nmaprun>`

func testOptions() options {
	return options{Interval: time.Minute, Timeout: 5 * time.Second, Ping: true, Enabled: true}
}

func TestGenerateSites(t *testing.T) {
	run, err := parseNmap([]byte(scanXML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	sites := generateSites(run, testOptions())
	if len(sites) != 2 {
		t.Fatalf("want 2 sites, got %d", len(sites))
	}

	ids := func(s config.SiteConfig) []string {
		var out []string
		for _, m := range s.Monitors {
			out = append(out, m.ID+"/"+m.Type)
		}
		return out
	}

	tests := []struct {
		site string
		want []string
	}{
		{"host-10-0-0-9", []string{
			"host-10-0-0-9-ping/ping",
			"host-10-0-0-9-https-8443/http",
			"host-10-0-0-9-tls-8443/tls",
		}},
		{"web", []string{
			"web-ping/ping",
			"web-tcp-22/tcp",
			"web-http-80/http",
			"web-https-443/http",
			"web-tls-443/tls",
		}},
	}
	for i, tt := range tests {
		if sites[i].ID != tt.site {
			t.Fatalf("site %d: want %s, got %s", i, tt.site, sites[i].ID)
		}
		got := ids(sites[i])
		if len(got) != len(tt.want) {
			t.Fatalf("site %s: want %v, got %v", tt.site, tt.want, got)
		}
		for j := range got {
			if got[j] != tt.want[j] {
				t.Errorf("site %s monitor %d: want %s, got %s", tt.site, j, tt.want[j], got[j])
			}
		}
	}

	if url := sites[0].Monitors[1].Config["url"]; url != "https://10.0.0.9:8443/" {
		t.Errorf("unexpected url %v", url)
	}
	if url := sites[1].Monitors[2].Config["url"]; url != "http://web.example.lan/" {
		t.Errorf("unexpected url %v", url)
	}
}

func TestGeneratedMonitorsPassValidation(t *testing.T) {
	run, err := parseNmap([]byte(scanXML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	registry := monitoring.DefaultRegistry()
	for _, site := range generateSites(run, testOptions()) {
		for _, m := range site.Monitors {
			plugin, ok := registry.Get(m.Type)
			if !ok {
				t.Fatalf("%s: unknown type %s", m.ID, m.Type)
			}
			if err := plugin.ValidateConfig(m.Config); err != nil {
				t.Errorf("%s: %v", m.ID, err)
			}
		}
	}
}

func TestDuplicateHostnamesGetDistinctIDs(t *testing.T) {
	run := &NmapRun{Hosts: []Host{
		{
			Status:    HostStatus{State: "up"},
			Addresses: []Address{{Addr: "10.0.0.1", AddrType: "ipv4"}},
			Hostnames: []Hostname{{Name: "api.a.lan", Type: "PTR"}},
		},
		{
			Status:    HostStatus{State: "up"},
			Addresses: []Address{{Addr: "10.0.0.2", AddrType: "ipv4"}},
			Hostnames: []Hostname{{Name: "api.b.lan", Type: "PTR"}},
		},
	}}

	sites := generateSites(run, options{Prefix: "lab", Ping: true})
	if len(sites) != 2 || sites[0].ID != "lab-api" || sites[1].ID != "lab-api-2" {
		t.Fatalf("unexpected ids: %+v", sites)
	}
	if sites[1].Monitors[0].ID != "lab-api-2-ping" {
		t.Fatalf("monitor id not derived from deduplicated site id: %s", sites[1].Monitors[0].ID)
	}
}

func TestWrittenSitesLoadAsInclude(t *testing.T) {
	dir := t.TempDir()
	includeDir := filepath.Join(dir, "conf.d")
	if err := os.Mkdir(includeDir, 0o755); err != nil {
		t.Fatal(err)
	}

	run, err := parseNmap([]byte(scanXML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := writeSites(generateSites(run, testOptions()), filepath.Join(includeDir, "discovered.yaml")); err != nil {
		t.Fatalf("write: %v", err)
	}

	mainCfg := "include:\n  enabled: true\n  directory: conf.d\n"
	mainPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(mainPath, []byte(mainCfg), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(mainPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Sites) != 2 {
		t.Fatalf("want 2 sites, got %d", len(cfg.Sites))
	}
	web := cfg.Sites[1]
	if web.ID != "web" || len(web.Monitors) != 5 || web.Monitors[0].Interval != time.Minute {
		t.Fatalf("unexpected site after reload: %+v", web)
	}
	if !web.IsEnabled() {
		t.Fatal("site should be enabled")
	}
}
