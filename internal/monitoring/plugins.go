// internal/monitoring/plugins.go
package monitoring

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

// Plugin is the capability registered per check type. ValidateConfig runs
// at create/update time; Perform runs one check and must honour ctx.
//
// A returned error means the check could not complete (network failure and
// the like). An Outcome with Up=false means it completed and the target was
// judged unhealthy.
type Plugin interface {
	Name() string
	ValidateConfig(cfg map[string]interface{}) error
	Perform(ctx context.Context, cfg map[string]interface{}) (Outcome, error)
}

type Outcome struct {
	Up     bool
	Detail string
	Kind   ErrorKind
	// ResponseTime overrides the measured wall time when set (ping reports RTT).
	ResponseTime time.Duration
}

// Registry maps check type tags to plugins. It is filled before the engine
// starts and read-only afterwards.
type Registry struct {
	plugins map[string]Plugin
}

func NewRegistry(plugins ...Plugin) *Registry {
	r := &Registry{plugins: make(map[string]Plugin)}
	for _, p := range plugins {
		r.Register(p)
	}
	return r
}

// DefaultRegistry holds the built-in check types.
func DefaultRegistry() *Registry {
	return NewRegistry(
		NewHTTPPlugin(),
		&TCPPlugin{},
		&DNSPlugin{},
		&PingPlugin{},
		&TLSPlugin{},
	)
}

func (r *Registry) Register(p Plugin) {
	r.plugins[p.Name()] = p
}

func (r *Registry) Get(name string) (Plugin, bool) {
	p, ok := r.plugins[name]
	return p, ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Config values arrive as float64 from JSON and as int from YAML.

func optString(cfg map[string]interface{}, key string) (string, error) {
	v, ok := cfg[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string", key)
	}
	return strings.TrimSpace(s), nil
}

func requireString(cfg map[string]interface{}, key string) (string, error) {
	s, err := optString(cfg, key)
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return s, nil
}

func optInt(cfg map[string]interface{}, key string, def int) (int, error) {
	v, ok := cfg[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("%s must be an integer", key)
		}
		return int(n), nil
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, fmt.Errorf("%s must be an integer", key)
		}
		return i, nil
	}
	return 0, fmt.Errorf("%s must be an integer", key)
}

func optBool(cfg map[string]interface{}, key string) (bool, error) {
	v, ok := cfg[key]
	if !ok || v == nil {
		return false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%s must be a boolean", key)
	}
	return b, nil
}

func requirePort(cfg map[string]interface{}, def int) (int, error) {
	port, err := optInt(cfg, "port", def)
	if err != nil {
		return 0, err
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("port must be between 1 and 65535")
	}
	return port, nil
}

// HTTPPlugin issues one request and judges the status code.
type HTTPPlugin struct {
	Client *http.Client
}

// maxDrainBytes bounds how much of a response body is read before closing.
const maxDrainBytes = 64 << 10

func NewHTTPPlugin() *HTTPPlugin {
	return &HTTPPlugin{Client: &http.Client{}}
}

func (p *HTTPPlugin) Name() string {
	return "http"
}

func (p *HTTPPlugin) ValidateConfig(cfg map[string]interface{}) error {
	raw, err := requireString(cfg, "url")
	if err != nil {
		return err
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("url must be an absolute http or https URL")
	}
	if _, err := optString(cfg, "method"); err != nil {
		return err
	}
	expected, err := optInt(cfg, "expected_status", 0)
	if err != nil {
		return err
	}
	if expected != 0 && (expected < 100 || expected > 599) {
		return fmt.Errorf("expected_status must be a valid HTTP status code")
	}
	if h, ok := cfg["headers"]; ok && h != nil {
		if _, ok := h.(map[string]interface{}); !ok {
			return fmt.Errorf("headers must be a map of strings")
		}
	}
	return nil
}

func (p *HTTPPlugin) Perform(ctx context.Context, cfg map[string]interface{}) (Outcome, error) {
	target, _ := optString(cfg, "url")
	method, _ := optString(cfg, "method")
	if method == "" {
		method = http.MethodGet
	}
	expected, _ := optInt(cfg, "expected_status", 0)

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), target, nil)
	if err != nil {
		return Outcome{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "sitewatch/1.0")
	if headers, ok := cfg["headers"].(map[string]interface{}); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Outcome{}, err
	}
	defer func() {
		// Drained bodies let the transport reuse the connection.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))
		resp.Body.Close()
	}()

	detail := "HTTP " + resp.Status
	up := resp.StatusCode >= 200 && resp.StatusCode < 400
	if expected != 0 {
		up = resp.StatusCode == expected
		if !up {
			detail = fmt.Sprintf("HTTP %s (expected %d)", resp.Status, expected)
		}
	}
	out := Outcome{Up: up, Detail: detail}
	if !up {
		out.Kind = KindStatus
	}
	return out, nil
}

// TCPPlugin checks that a port accepts connections.
type TCPPlugin struct{}

func (p *TCPPlugin) Name() string {
	return "tcp"
}

func (p *TCPPlugin) ValidateConfig(cfg map[string]interface{}) error {
	if _, err := requireString(cfg, "host"); err != nil {
		return err
	}
	_, err := requirePort(cfg, 0)
	return err
}

func (p *TCPPlugin) Perform(ctx context.Context, cfg map[string]interface{}) (Outcome, error) {
	host, _ := optString(cfg, "host")
	port, _ := optInt(cfg, "port", 0)
	address := net.JoinHostPort(host, strconv.Itoa(port))

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return Outcome{}, err
	}
	conn.Close()
	return Outcome{Up: true, Detail: "TCP connect to " + address + " succeeded"}, nil
}

// DNS classes
const (
	DNSResolves  = "RESOLVES"
	DNSNXDomain  = "NXDOMAIN"
	DNSNoARecord = "NO_A_RECORD"
	DNSServfail  = "SERVFAIL_or_TIMEOUT"
)

// DNSPlugin resolves a name and classifies the answer.
type DNSPlugin struct {
	Resolver *net.Resolver
}

func (p *DNSPlugin) Name() string {
	return "dns"
}

func (p *DNSPlugin) ValidateConfig(cfg map[string]interface{}) error {
	host, err := requireString(cfg, "host")
	if err != nil {
		return err
	}
	if strings.Contains(host, "://") {
		return fmt.Errorf("host must be a bare domain name")
	}
	return nil
}

func (p *DNSPlugin) Perform(ctx context.Context, cfg map[string]interface{}) (Outcome, error) {
	host, _ := optString(cfg, "host")
	r := p.Resolver
	if r == nil {
		r = net.DefaultResolver
	}

	ips, err := r.LookupIP(ctx, "ip", host)
	if err == nil && len(ips) > 0 {
		return Outcome{Up: true, Detail: fmt.Sprintf("%s %s -> %s", DNSResolves, host, ips[0])}, nil
	}
	if ctx.Err() != nil {
		return Outcome{}, ctx.Err()
	}

	class := DNSServfail
	var de *net.DNSError
	if errors.As(err, &de) && de.IsNotFound {
		class = DNSNXDomain
	}
	// A zone with nameservers but no address records is not the same as a missing name.
	if class == DNSNXDomain {
		if ns, nsErr := r.LookupNS(ctx, host); nsErr == nil && len(ns) > 0 {
			class = DNSNoARecord
		}
	}

	detail := class + " " + host
	if err != nil {
		detail += ": " + err.Error()
	}
	return Outcome{Up: false, Detail: detail, Kind: KindStatus}, nil
}

// PingPlugin sends ICMP echo requests.
type PingPlugin struct{}

func (p *PingPlugin) Name() string {
	return "ping"
}

func (p *PingPlugin) ValidateConfig(cfg map[string]interface{}) error {
	if _, err := requireString(cfg, "host"); err != nil {
		return err
	}
	count, err := optInt(cfg, "count", 3)
	if err != nil {
		return err
	}
	if count < 1 || count > 100 {
		return fmt.Errorf("count must be between 1 and 100")
	}
	_, err = optBool(cfg, "privileged")
	return err
}

func (p *PingPlugin) Perform(ctx context.Context, cfg map[string]interface{}) (Outcome, error) {
	host, _ := optString(cfg, "host")
	count, _ := optInt(cfg, "count", 3)
	privileged, _ := optBool(cfg, "privileged")

	pinger, err := probing.NewPinger(host)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to create pinger: %w", err)
	}
	pinger.Count = count
	pinger.SetPrivileged(privileged)
	if deadline, ok := ctx.Deadline(); ok {
		pinger.Timeout = time.Until(deadline)
	}

	done := make(chan error, 1)
	go func() {
		done <- pinger.Run()
	}()

	select {
	case err := <-done:
		if err != nil {
			return Outcome{}, fmt.Errorf("ping failed: %w", err)
		}
	case <-ctx.Done():
		pinger.Stop()
		<-done
		return Outcome{}, ctx.Err()
	}

	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		return Outcome{
			Up:     false,
			Detail: fmt.Sprintf("PING %s - no reply (%d sent)", host, stats.PacketsSent),
			Kind:   KindNetwork,
		}, nil
	}
	rtt := stats.AvgRtt
	if rtt == 0 {
		rtt = stats.MinRtt
	}
	return Outcome{
		Up:           true,
		Detail:       fmt.Sprintf("PING %s - %d/%d replies, loss %.0f%%, avg %s", host, stats.PacketsRecv, stats.PacketsSent, stats.PacketLoss, rtt),
		ResponseTime: rtt,
	}, nil
}

// TLSPlugin completes a handshake and checks the leaf certificate lifetime.
type TLSPlugin struct{}

func (p *TLSPlugin) Name() string {
	return "tls"
}

func (p *TLSPlugin) ValidateConfig(cfg map[string]interface{}) error {
	if _, err := requireString(cfg, "host"); err != nil {
		return err
	}
	if _, err := requirePort(cfg, 443); err != nil {
		return err
	}
	days, err := optInt(cfg, "min_days_valid", 0)
	if err != nil {
		return err
	}
	if days < 0 {
		return fmt.Errorf("min_days_valid cannot be negative")
	}
	_, err = optBool(cfg, "insecure_skip_verify")
	return err
}

func (p *TLSPlugin) Perform(ctx context.Context, cfg map[string]interface{}) (Outcome, error) {
	host, _ := optString(cfg, "host")
	port, _ := optInt(cfg, "port", 443)
	minDays, _ := optInt(cfg, "min_days_valid", 0)
	insecure, _ := optBool(cfg, "insecure_skip_verify")

	tlsCfg := &tls.Config{InsecureSkipVerify: insecure}
	if net.ParseIP(host) == nil {
		tlsCfg.ServerName = host
	}
	dialer := &tls.Dialer{Config: tlsCfg}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return Outcome{}, fmt.Errorf("TLS connection failed: %w", err)
	}
	defer conn.Close()

	state := conn.(*tls.Conn).ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return Outcome{Up: false, Detail: "no peer certificate presented", Kind: KindStatus}, nil
	}
	leaf := state.PeerCertificates[0]
	left := time.Until(leaf.NotAfter)
	daysLeft := int(left.Hours() / 24)
	if left <= 0 {
		return Outcome{Up: false, Detail: fmt.Sprintf("certificate expired %s", leaf.NotAfter.Format(time.RFC3339)), Kind: KindStatus}, nil
	}
	if daysLeft < minDays {
		return Outcome{Up: false, Detail: fmt.Sprintf("certificate expires in %d days (minimum %d)", daysLeft, minDays), Kind: KindStatus}, nil
	}
	return Outcome{Up: true, Detail: fmt.Sprintf("certificate valid for %d days", daysLeft)}, nil
}
