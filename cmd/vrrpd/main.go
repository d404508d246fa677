package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	log "github.com/golang/glog"

	"github.com/catalyst/vrrpd/internal/linuxvif"
	"github.com/catalyst/vrrpd/pkg/vrrp"
)

var (
	app = kingpin.New("vrrpd", "VRRPv2 virtual-router daemon")

	runCmd      = app.Command("run", "Run a VRRP instance")
	runIface    = runCmd.Flag("interface", "network interface to run on").Short('i').Required().String()
	runVRID     = runCmd.Flag("vrid", "virtual router ID (1-255)").Short('r').Required().Uint8()
	runPriority = runCmd.Flag("priority", "election priority (1-254, or 255 with --owner)").Short('p').Default("100").Uint8()
	runVIPs     = runCmd.Flag("vips", "comma-separated protected addresses, each optionally /prefix").Short('v').Required().String()
	runInterval = runCmd.Flag("advert-interval", "advertisement interval in seconds").Default("1").Uint8()
	runPreempt  = runCmd.Flag("preempt", "allow a higher-priority backup to take over").Default("true").Bool()
	runOwner    = runCmd.Flag("owner", "explicit opt-in to priority-255 IP-owner mode").Default("false").Bool()
	runSocket   = runCmd.Flag("control-socket", "unix socket the status command reads").Default("/run/vrrpd.sock").String()

	statusCmd    = app.Command("status", "Query a running instance")
	statusSocket = statusCmd.Flag("control-socket", "unix socket to query").Default("/run/vrrpd.sock").String()

	versionCmd = app.Command("version", "Show version information")
)

const version = "0.1.0"

func main() {
	app.HelpFlag.Short('h')
	app.Version(version)

	switch kingpin.MustParse(app.Parse(os.Args[1:])) {
	case runCmd.FullCommand():
		runDaemon()
	case statusCmd.FullCommand():
		queryStatus()
	case versionCmd.FullCommand():
		showVersion()
	}
}

func runDaemon() {
	protectedIPs, err := parseVIPs(*runVIPs)
	if err != nil {
		log.Exitf("vrrpd: %v", err)
	}

	cfg := vrrp.Config{
		VRID:         *runVRID,
		Priority:     *runPriority,
		Interval:     *runInterval,
		Preempt:      *runPreempt,
		ProtectedIPs: protectedIPs,
		Enabled:      true,
		OwnerMode:    *runOwner,
	}

	vif, err := linuxvif.New(*runIface, nil)
	if err != nil {
		log.Exitf("vrrpd: %v", err)
	}
	defer vif.Close()

	target := vrrp.NewTarget(map[string]vrrp.Vif{*runIface: vif}, nil)
	if err := target.AddInstance(*runIface, cfg); err != nil {
		log.Exitf("vrrpd: %v", err)
	}
	defer target.RemoveInstance(*runIface, *runVRID)

	group := net.ParseIP(vrrp.MulticastGroup)
	if err := vif.JoinMcast(group); err != nil {
		log.Exitf("vrrpd: join multicast: %v", err)
	}
	defer vif.LeaveMcast(group)

	srv, err := newStatusServer(*runSocket, target, *runIface, *runVRID)
	if err != nil {
		log.Exitf("vrrpd: %v", err)
	}
	defer srv.Close()
	go srv.serve()

	log.Infof("vrrpd: starting vrid %d on %s, priority %d, interval %ds, preempt=%v",
		*runVRID, *runIface, *runPriority, *runInterval, *runPreempt)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := linuxvif.ReceiveLoop(ctx, vif, *runIface, target); err != nil && err != context.Canceled {
			log.Warningf("vrrpd: receive loop stopped: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Infof("vrrpd: vrid %d: shutting down", *runVRID)
}

func queryStatus() {
	conn, err := net.DialTimeout("unix", *statusSocket, 2*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vrrpd: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vrrpd: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(buf[:n]))
}

func showVersion() {
	fmt.Printf("vrrpd version %s\n", version)
}

func parseVIPs(raw string) ([]vrrp.ProtectedAddr, error) {
	parts := strings.Split(raw, ",")
	out := make([]vrrp.ProtectedAddr, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		ipStr, prefixStr, hasPrefix := strings.Cut(p, "/")
		ip := net.ParseIP(ipStr).To4()
		if ip == nil {
			return nil, fmt.Errorf("invalid virtual IP %q", p)
		}
		prefix := 0
		if hasPrefix {
			v, err := strconv.Atoi(prefixStr)
			if err != nil {
				return nil, fmt.Errorf("invalid prefix in %q: %w", p, err)
			}
			prefix = v
		}
		out = append(out, vrrp.ProtectedAddr{IP: ip, Prefix: prefix})
	}
	return out, nil
}
