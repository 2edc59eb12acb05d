// cmd/sitewatch-import/nmap.go
package main

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
)

// Nmap XML structures
type NmapRun struct {
	XMLName xml.Name `xml:"nmaprun"`
	Args    string   `xml:"args,attr"`
	Version string   `xml:"version,attr"`
	Hosts   []Host   `xml:"host"`
}

type Host struct {
	Status    HostStatus `xml:"status"`
	Addresses []Address  `xml:"address"`
	Hostnames []Hostname `xml:"hostnames>hostname"`
	Ports     []Port     `xml:"ports>port"`
}

type HostStatus struct {
	State  string `xml:"state,attr"`
	Reason string `xml:"reason,attr"`
}

type Address struct {
	Addr     string `xml:"addr,attr"`
	AddrType string `xml:"addrtype,attr"`
}

type Hostname struct {
	Name string `xml:"name,attr"`
	Type string `xml:"type,attr"`
}

type Port struct {
	Protocol string      `xml:"protocol,attr"`
	PortID   int         `xml:"portid,attr"`
	State    PortState   `xml:"state"`
	Service  PortService `xml:"service"`
}

type PortState struct {
	State string `xml:"state,attr"`
}

type PortService struct {
	Name   string `xml:"name,attr"`
	Tunnel string `xml:"tunnel,attr"`
}

func parseNmap(data []byte) (*NmapRun, error) {
	var run NmapRun
	if err := xml.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("parse nmap XML: %w", err)
	}
	return &run, nil
}

func (h Host) ipv4() string {
	for _, addr := range h.Addresses {
		if addr.AddrType == "ipv4" {
			return addr.Addr
		}
	}
	return ""
}

func (h Host) hostname() string {
	for _, hn := range h.Hostnames {
		if hn.Type == "PTR" || hn.Type == "user" {
			return hn.Name
		}
	}
	return ""
}

func (h Host) openTCPPorts() []Port {
	var open []Port
	for _, p := range h.Ports {
		if p.State.State == "open" && (p.Protocol == "" || p.Protocol == "tcp") {
			open = append(open, p)
		}
	}
	return open
}

func detectLocalNetwork() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return ""
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil && ipnet.IP.IsGlobalUnicast() {
				return ipnet.String()
			}
		}
	}
	return ""
}

func runNmapScan(ctx context.Context, nmapPath, network, ports string) ([]byte, error) {
	args := []string{"--system-dns", "-sV", "-oX", "-", "-p", ports, network}

	cmd := exec.CommandContext(ctx, nmapPath, args...)
	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("nmap exited with status %d: %s", exitErr.ExitCode(), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("run %s: %w", nmapPath, err)
	}
	return output, nil
}
