// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sentryproxy.dev/sentryproxy/internal/agent"
	"sentryproxy.dev/sentryproxy/internal/ebpf/loader"
	"sentryproxy.dev/sentryproxy/internal/ebpf/maps"
	"sentryproxy.dev/sentryproxy/internal/host"
	"sentryproxy.dev/sentryproxy/internal/logging"
	syncpkg "sentryproxy.dev/sentryproxy/internal/sync"
)

// RunAgent runs the edge node agent: it loads the classifier object onto
// an interface, registers with the control plane, and serves endpoint
// pushes and the fleet manager's status poll until interrupted.
func RunAgent(args []string) {
	flags := flag.NewFlagSet("sentry-agent", flag.ExitOnError)
	object := flags.String("object", "/usr/lib/sentryproxy/classifier.o", "Path to the compiled classifier eBPF object")
	iface := flags.String("iface", "eth0", "Network interface to attach the classifier to")
	listen := flags.String("listen", ":9090", "Address the node control interface listens on")
	controlURL := flags.String("control-url", "http://127.0.0.1:8443", "Base URL of the control-plane API")
	controlToken := flags.String("control-token", "", "Bearer token used to authenticate with the control plane")
	nodeName := flags.String("name", "", "Name this node registers under (defaults to hostname)")
	dataAddr := flags.String("data-addr", "", "Address clients reach this node's relays on (reported to the control plane)")
	flags.Parse(args)

	logCfg := logging.DefaultConfig()
	logger := logging.New(logCfg).WithComponent("agent")
	logging.SetDefault(logger)

	if *nodeName == "" {
		if h, err := os.Hostname(); err == nil {
			*nodeName = h
		} else {
			*nodeName = "sentry-agent"
		}
	}

	fatal := false
	for _, e := range host.VerifyBPFSupport() {
		if e.Fatal {
			logger.Error("system requirement not met", "feature", e.Feature, "message", e.Message)
			fatal = true
		} else {
			logger.Warn("system requirement degraded", "feature", e.Feature, "message", e.Message)
		}
	}
	if fatal {
		os.Exit(1)
	}

	ld := loader.NewLoader()
	objData, err := os.ReadFile(*object)
	if err != nil {
		logger.Error("failed to read classifier object", "path", *object, "error", err)
		os.Exit(1)
	}
	spec, err := ld.LoadSpec(objData)
	if err != nil {
		logger.Error("failed to parse classifier object", "error", err)
		os.Exit(1)
	}
	if err := ld.LoadCollectionPinned(spec, defaultPinDir); err != nil {
		logger.Error("failed to load classifier collection", "error", err)
		os.Exit(1)
	}
	if err := ld.LoadProgram("classifier", "xdp", *iface); err != nil {
		logger.Error("failed to attach classifier", "iface", *iface, "error", err)
		os.Exit(1)
	}
	defer ld.Close()

	mapMgr := maps.NewManager(ld.GetCollection())
	if err := mapMgr.RegisterAll(); err != nil {
		logger.Error("failed to register classifier maps", "error", err)
		os.Exit(1)
	}

	endpointMap, err := mapMgr.EndpointMap()
	if err != nil {
		logger.Error("map not published", "map", maps.NameEndpoints, "error", err)
		os.Exit(1)
	}
	bucketMap, err := mapMgr.RateBucketMap()
	if err != nil {
		logger.Error("map not published", "map", maps.NameSrcRate, "error", err)
		os.Exit(1)
	}
	conntrackMap, err := mapMgr.ConntrackMap()
	if err != nil {
		logger.Error("map not published", "map", maps.NameConntrack, "error", err)
		os.Exit(1)
	}
	blacklistMap, err := mapMgr.BlacklistMap()
	if err != nil {
		logger.Error("map not published", "map", maps.NameBlacklist, "error", err)
		os.Exit(1)
	}
	challengeMap, err := mapMgr.ChallengeMap()
	if err != nil {
		logger.Error("map not published", "map", maps.NameChallenges, "error", err)
		os.Exit(1)
	}
	counterMap, err := mapMgr.CounterMap(true)
	if err != nil {
		logger.Error("map not published", "map", maps.NameStats, "error", err)
		os.Exit(1)
	}

	sync := syncpkg.New(syncpkg.Config{
		Endpoints:  endpointMap,
		Buckets:    bucketMap,
		Conntrack:  conntrackMap,
		Blacklist:  blacklistMap,
		Challenges: challengeMap,
		Counters:   counterMap,
		Logger:     logger.WithComponent("sync"),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sync.StartReaper(ctx)
	defer sync.StopReaper()

	cp := &controlPlaneClient{baseURL: *controlURL, token: *controlToken, client: &http.Client{Timeout: 5 * time.Second}}

	node, err := cp.registerNode(ctx, *nodeName, *dataAddr, *listen, *iface)
	if err != nil {
		logger.Error("failed to register with control plane", "error", err)
		os.Exit(1)
	}
	logger.Info("registered with control plane", "node_id", node.ID)

	ag := agent.New(agent.Config{
		Synchronizer: sync,
		Logger:       logger,
	})

	srv := agent.NewServer(ag)
	httpSrv := &http.Server{Addr: *listen, Handler: srv.Router()}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	go func() {
		logger.Info("node control interface listening", "address", *listen)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("node control interface failed", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("node control interface shutdown did not complete cleanly", "error", err)
	}
	ag.Shutdown(shutdownCtx)

	logger.Info("agent exited")
}

type registeredNode struct {
	ID string `json:"id"`
}

// controlPlaneClient is the edge agent's thin HTTP client for the one
// control-plane call it needs at startup: registration. Liveness and
// status thereafter are reported the other way — the control plane polls
// this node's own control interface, it doesn't push to the control plane.
type controlPlaneClient struct {
	baseURL string
	token   string
	client  *http.Client
}

func (c *controlPlaneClient) do(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.client.Do(req)
}

func (c *controlPlaneClient) registerNode(ctx context.Context, name, dataAddr, controlAddr, iface string) (registeredNode, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/v1/nodes", map[string]string{
		"name":            name,
		"data_address":    dataAddr,
		"control_address": controlAddr,
		"interface":       iface,
	})
	if err != nil {
		return registeredNode{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return registeredNode{}, fmt.Errorf("control plane rejected registration: %s", resp.Status)
	}
	var n registeredNode
	if err := json.NewDecoder(resp.Body).Decode(&n); err != nil {
		return registeredNode{}, err
	}
	return n, nil
}
