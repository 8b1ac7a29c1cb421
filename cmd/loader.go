// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cilium/ebpf"

	"sentryproxy.dev/sentryproxy/internal/ebpf/loader"
	"sentryproxy.dev/sentryproxy/internal/ebpf/maps"
	"sentryproxy.dev/sentryproxy/internal/ebpf/types"
	"sentryproxy.dev/sentryproxy/internal/host"
	"sentryproxy.dev/sentryproxy/internal/logging"
	syncpkg "sentryproxy.dev/sentryproxy/internal/sync"
)

// defaultPinDir is where the classifier object pins its maps on load, so
// the loader CLI can reattach to a running classifier's state without
// holding its own collection handle.
const defaultPinDir = "/sys/fs/bpf/sentryproxy"

// RunLoader is the standalone operator tool for driving the classifier's
// maps directly, without going through the control plane. It is meant for
// break-glass operation on a node that has lost contact with the control
// plane, or for scripting against a freshly built object file.
//
// Usage:
//
//	sentry-loader load <iface> <obj>
//	sentry-loader add-endpoint <front_ip> <front_port> <kind> <origin_ip> <origin_port> <rate> <burst>
//	sentry-loader remove-endpoint <front_ip> <front_port> <kind>
//	sentry-loader blacklist <ip> <ttl_ms>
//	sentry-loader unblacklist <ip>
//	sentry-loader stats
//	sentry-loader doctor
//	sentry-loader set-jit-limit <mb>
func RunLoader(args []string) {
	logging.SetDefault(logging.New(logging.DefaultConfig()).WithComponent("loader"))

	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: sentry-loader <load|add-endpoint|remove-endpoint|blacklist|unblacklist|stats|doctor|set-jit-limit> ...")
		os.Exit(2)
	}

	switch args[0] {
	case "load":
		runLoad(args[1:])
	case "add-endpoint":
		runAddEndpoint(args[1:])
	case "remove-endpoint":
		runRemoveEndpoint(args[1:])
	case "blacklist":
		runBlacklist(args[1:])
	case "unblacklist":
		runUnblacklist(args[1:])
	case "stats":
		runStats(args[1:])
	case "doctor":
		runDoctor(args[1:])
	case "set-jit-limit":
		runSetJITLimit(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
		os.Exit(2)
	}
}

// runDoctor prints this host's eBPF readiness and a stable device
// identifier, for pre-deployment checks run before `load`.
func runDoctor(args []string) {
	fmt.Printf("device: %s\n", host.GetDeviceID())

	reqErrs := host.VerifyBPFSupport()
	if len(reqErrs) == 0 {
		fmt.Println("eBPF: ready")
		return
	}
	for _, e := range reqErrs {
		level := "warning"
		if e.Fatal {
			level = "fatal"
		}
		fmt.Printf("%s: %s: %s\n", level, e.Feature, e.Message)
	}
}

// runSetJITLimit raises the kernel's eBPF JIT memory limit, needed on
// hosts where the default is too low for the classifier's map set.
func runSetJITLimit(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: sentry-loader set-jit-limit <mb>")
		os.Exit(2)
	}
	mb, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		fail("parse mb: %v", err)
	}
	if err := host.SetBPFJITLimit(mb); err != nil {
		fail("set jit limit: %v", err)
	}
	fmt.Printf("eBPF JIT limit set to %d MB\n", mb)
}

func runLoad(args []string) {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: sentry-loader load <iface> <obj>")
		os.Exit(2)
	}
	iface, objPath := args[0], args[1]

	ld := loader.NewLoader()
	data, err := os.ReadFile(objPath)
	if err != nil {
		fail("read object file: %v", err)
	}
	spec, err := ld.LoadSpec(data)
	if err != nil {
		fail("parse object file: %v", err)
	}
	if err := ld.LoadCollectionPinned(spec, defaultPinDir); err != nil {
		fail("load collection: %v", err)
	}
	if err := ld.LoadProgram("classifier", "xdp", iface); err != nil {
		fail("attach to %s: %v", iface, err)
	}
	fmt.Printf("classifier attached to %s\n", iface)
}

// openSynchronizer attaches to the maps a prior `load` pinned under
// defaultPinDir, for subcommands that mutate or read state without
// reloading the classifier program itself.
func openSynchronizer() (*syncpkg.Synchronizer, func(), error) {
	mapMgr := maps.NewManager(nil)
	pinned := make([]*ebpf.Map, 0, 6)
	closeAll := func() {
		for _, m := range pinned {
			m.Close()
		}
	}

	for _, name := range []string{maps.NameEndpoints, maps.NameSrcRate, maps.NameConntrack, maps.NameBlacklist, maps.NameChallenges, maps.NameStats} {
		m, err := ebpf.LoadPinnedMap(filepath.Join(defaultPinDir, name), nil)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("open pinned map %s (run `sentry-loader load` first?): %w", name, err)
		}
		pinned = append(pinned, m)
		if err := mapMgr.RegisterMap(name, m); err != nil {
			closeAll()
			return nil, nil, err
		}
	}

	endpointMap, err := mapMgr.EndpointMap()
	if err != nil {
		return nil, nil, err
	}
	bucketMap, err := mapMgr.RateBucketMap()
	if err != nil {
		return nil, nil, err
	}
	conntrackMap, err := mapMgr.ConntrackMap()
	if err != nil {
		return nil, nil, err
	}
	blacklistMap, err := mapMgr.BlacklistMap()
	if err != nil {
		return nil, nil, err
	}
	challengeMap, err := mapMgr.ChallengeMap()
	if err != nil {
		return nil, nil, err
	}
	counterMap, err := mapMgr.CounterMap(true)
	if err != nil {
		return nil, nil, err
	}

	sync := syncpkg.New(syncpkg.Config{
		Endpoints:  endpointMap,
		Buckets:    bucketMap,
		Conntrack:  conntrackMap,
		Blacklist:  blacklistMap,
		Challenges: challengeMap,
		Counters:   counterMap,
	})
	return sync, closeAll, nil
}

func runAddEndpoint(args []string) {
	if len(args) != 7 {
		fmt.Fprintln(os.Stderr, "usage: sentry-loader add-endpoint <front_ip> <front_port> <java|bedrock> <origin_ip> <origin_port> <rate> <burst>")
		os.Exit(2)
	}
	frontIP := mustIPv4(args[0])
	frontPort := mustUint16(args[1])
	kind := mustKind(args[2])
	originIP := mustIPv4(args[3])
	originPort := mustUint16(args[4])
	rate := mustUint32(args[5])
	burst := mustUint32(args[6])

	sync, closeFn, err := openSynchronizer()
	if err != nil {
		fail("attach to running classifier: %v", err)
	}
	defer closeFn()

	ep := syncpkg.Endpoint{
		FrontIP: frontIP, FrontPort: frontPort, Kind: kind,
		OriginIP: originIP, OriginPort: originPort,
		RateLimit: rate, BurstLimit: burst, Active: true,
	}
	if err := sync.AddEndpoint(ep); err != nil {
		fail("add endpoint: %v", err)
	}
	fmt.Println("endpoint added")
}

func runRemoveEndpoint(args []string) {
	if len(args) != 3 {
		fmt.Fprintln(os.Stderr, "usage: sentry-loader remove-endpoint <front_ip> <front_port> <java|bedrock>")
		os.Exit(2)
	}
	frontIP := mustIPv4(args[0])
	frontPort := mustUint16(args[1])
	kind := mustKind(args[2])

	sync, closeFn, err := openSynchronizer()
	if err != nil {
		fail("attach to running classifier: %v", err)
	}
	defer closeFn()

	if err := sync.RemoveEndpoint(0, frontIP, frontPort, kind); err != nil {
		fail("remove endpoint: %v", err)
	}
	fmt.Println("endpoint removed")
}

func runBlacklist(args []string) {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: sentry-loader blacklist <ip> <ttl_ms>")
		os.Exit(2)
	}
	ip := mustIPv4(args[0])
	ttlMs := mustUint32(args[1])

	sync, closeFn, err := openSynchronizer()
	if err != nil {
		fail("attach to running classifier: %v", err)
	}
	defer closeFn()

	if err := sync.AddBlacklist(ip, time.Duration(ttlMs)*time.Millisecond); err != nil {
		fail("add blacklist entry: %v", err)
	}
	fmt.Println("blacklisted")
}

func runUnblacklist(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: sentry-loader unblacklist <ip>")
		os.Exit(2)
	}
	ip := mustIPv4(args[0])

	sync, closeFn, err := openSynchronizer()
	if err != nil {
		fail("attach to running classifier: %v", err)
	}
	defer closeFn()

	if err := sync.RemoveBlacklist(ip); err != nil {
		fail("remove blacklist entry: %v", err)
	}
	fmt.Println("unblacklisted")
}

func runStats(args []string) {
	sync, closeFn, err := openSynchronizer()
	if err != nil {
		fail("attach to running classifier: %v", err)
	}
	defer closeFn()

	counters, err := sync.ReadCounters()
	if err != nil {
		fail("read counters: %v", err)
	}
	dropped := counters.DroppedRateLimit + counters.DroppedBlacklist + counters.DroppedBadProto +
		counters.DroppedChallenge + counters.DroppedMaintenance + counters.Saturation
	fmt.Printf("total_packets=%d passed=%d dropped=%d challenged=%d\n",
		counters.TotalPackets, counters.Pass, dropped, counters.ChallengesSent)
}

func fail(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func mustIPv4(s string) uint32 {
	ip := net.ParseIP(s)
	if ip == nil {
		fail("invalid IPv4 address %q", s)
	}
	v4 := ip.To4()
	if v4 == nil {
		fail("not an IPv4 address %q", s)
	}
	return binary.BigEndian.Uint32(v4)
}

func mustUint16(s string) uint16 {
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		fail("invalid uint16 %q: %v", s, err)
	}
	return uint16(v)
}

func mustUint32(s string) uint32 {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		fail("invalid uint32 %q: %v", s, err)
	}
	return uint32(v)
}

func mustKind(s string) types.EndpointKind {
	switch s {
	case "java":
		return types.KindJava
	case "bedrock":
		return types.KindBedrock
	default:
		fail("invalid endpoint kind %q, expected java or bedrock", s)
		return types.KindUnspec
	}
}
