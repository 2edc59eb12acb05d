// cmd/sitewatch-import/main.go
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"time"

	"github.com/sirupsen/logrus"
)

func main() {
	var (
		network  = flag.String("network", "", "CIDR network to scan (e.g., 192.168.1.0/24)")
		xmlFile  = flag.String("xml", "", "Use existing nmap XML file instead of scanning")
		output   = flag.String("output", "sites.yaml", "Output include file, or - for stdout")
		prefix   = flag.String("prefix", "", "Prefix for generated site IDs")
		ports    = flag.String("ports", "22,25,53,80,443,3306,5432,8080,8443", "Ports to scan")
		nmapPath = flag.String("nmap", "/usr/bin/nmap", "Path to nmap binary")
		interval = flag.Duration("interval", 5*time.Minute, "Check interval for generated monitors")
		timeout  = flag.Duration("timeout", 10*time.Second, "Check timeout for generated monitors")
		ping     = flag.Bool("ping", true, "Add a ping monitor per host")
		enabled  = flag.Bool("enabled", true, "Mark generated sites as monitoring enabled")
		verbose  = flag.Bool("verbose", false, "Verbose output")
	)
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var (
		data []byte
		err  error
	)
	if *xmlFile != "" {
		logrus.WithField("file", *xmlFile).Info("Reading nmap XML")
		data, err = os.ReadFile(*xmlFile)
		if err != nil {
			logrus.Fatalf("Failed to read XML file: %v", err)
		}
	} else {
		if *network == "" {
			*network = detectLocalNetwork()
			if *network == "" {
				logrus.Fatal("No network specified and couldn't detect local network. Use -network flag.")
			}
			logrus.WithField("network", *network).Info("Auto-detected network")
		}
		logrus.WithFields(logrus.Fields{"network": *network, "ports": *ports}).Info("Scanning network")
		data, err = runNmapScan(ctx, *nmapPath, *network, *ports)
		if err != nil {
			logrus.Fatalf("Failed to run nmap: %v", err)
		}
	}

	run, err := parseNmap(data)
	if err != nil {
		logrus.Fatal(err)
	}
	logrus.WithField("hosts", len(run.Hosts)).Debug("Parsed scan")

	sites := generateSites(run, options{
		Prefix:   *prefix,
		Interval: *interval,
		Timeout:  *timeout,
		Ping:     *ping,
		Enabled:  *enabled,
	})
	if err := writeSites(sites, *output); err != nil {
		logrus.Fatalf("Failed to write sites: %v", err)
	}

	logrus.WithFields(logrus.Fields{
		"output": *output,
		"sites":  len(sites),
	}).Info("Import complete")
}
