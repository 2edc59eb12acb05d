// cmd/sitewatch-import/generate.go
package main

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	"sitewatch/internal/config"
)

type options struct {
	Prefix   string
	Interval time.Duration
	Timeout  time.Duration
	Ping     bool
	Enabled  bool
}

// generateSites turns every reachable host into a site with one monitor per
// recognised open port.
func generateSites(run *NmapRun, opts options) []config.SiteConfig {
	var sites []config.SiteConfig
	seen := make(map[string]int)

	for _, host := range run.Hosts {
		if host.Status.State != "up" {
			continue
		}
		ip := host.ipv4()
		if ip == "" {
			continue
		}
		name := host.hostname()
		target := ip
		if name != "" {
			target = name
		}

		id := siteID(opts.Prefix, ip, name)
		seen[id]++
		if n := seen[id]; n > 1 {
			id = fmt.Sprintf("%s-%d", id, n)
		}

		enabled := opts.Enabled
		site := config.SiteConfig{
			ID:                id,
			Name:              displayName(ip, name),
			MonitoringEnabled: &enabled,
		}
		if opts.Ping {
			site.Monitors = append(site.Monitors, monitor(id, "ping", "ping", "Ping", opts, map[string]interface{}{
				"host":  target,
				"count": 3,
			}))
		}
		for _, port := range host.openTCPPorts() {
			site.Monitors = append(site.Monitors, portMonitors(id, target, port, opts)...)
		}
		if len(site.Monitors) == 0 {
			continue
		}
		sites = append(sites, site)
	}

	sort.Slice(sites, func(i, j int) bool { return sites[i].ID < sites[j].ID })
	return sites
}

func portMonitors(site, target string, port Port, opts options) []config.MonitorConfig {
	p := port.PortID
	switch {
	case p == 80 || (port.Service.Name == "http" && port.Service.Tunnel == ""):
		return []config.MonitorConfig{
			monitor(site, "http", "http-"+strconv.Itoa(p), "HTTP", opts, map[string]interface{}{
				"url": urlFor("http", target, p, 80),
			}),
		}
	case p == 443 || port.Service.Tunnel == "ssl" || port.Service.Name == "https":
		return []config.MonitorConfig{
			monitor(site, "http", "https-"+strconv.Itoa(p), "HTTPS", opts, map[string]interface{}{
				"url": urlFor("https", target, p, 443),
			}),
			monitor(site, "tls", "tls-"+strconv.Itoa(p), "Certificate", opts, map[string]interface{}{
				"host":           target,
				"port":           p,
				"min_days_valid": 14,
			}),
		}
	default:
		label := fmt.Sprintf("Port %d", p)
		if port.Service.Name != "" {
			label = fmt.Sprintf("%s (port %d)", port.Service.Name, p)
		}
		return []config.MonitorConfig{
			monitor(site, "tcp", "tcp-"+strconv.Itoa(p), label, opts, map[string]interface{}{
				"host": target,
				"port": p,
			}),
		}
	}
}

func monitor(site, checkType, suffix, name string, opts options, cfg map[string]interface{}) config.MonitorConfig {
	return config.MonitorConfig{
		ID:       site + "-" + suffix,
		Name:     name,
		Type:     checkType,
		Config:   cfg,
		Interval: opts.Interval,
		Timeout:  opts.Timeout,
	}
}

func urlFor(scheme, host string, port, defaultPort int) string {
	if port == defaultPort {
		return scheme + "://" + host + "/"
	}
	return fmt.Sprintf("%s://%s:%d/", scheme, host, port)
}

func siteID(prefix, ip, hostname string) string {
	var base string
	if hostname != "" {
		base = strings.ToLower(strings.Split(hostname, ".")[0])
	} else {
		base = "host-" + strings.ReplaceAll(ip, ".", "-")
	}
	if prefix != "" {
		base = prefix + "-" + base
	}
	return base
}

func displayName(ip, hostname string) string {
	if hostname != "" {
		return hostname
	}
	return ip
}

// writeSites writes an include file that config.Load merges into the main
// configuration.
func writeSites(sites []config.SiteConfig, filename string) error {
	data, err := yaml.Marshal(config.PartialConfig{Sites: sites})
	if err != nil {
		return fmt.Errorf("marshal YAML: %w", err)
	}

	monitors := 0
	for _, s := range sites {
		monitors += len(s.Monitors)
	}
	header := fmt.Sprintf("# Generated by sitewatch-import on %s\n# Contains %d sites and %d monitors\n\n",
		time.Now().Format("2006-01-02 15:04:05"), len(sites), monitors)

	if filename == "-" {
		_, err = os.Stdout.Write(append([]byte(header), data...))
		return err
	}
	if err := os.WriteFile(filename, append([]byte(header), data...), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filename, err)
	}
	return nil
}
