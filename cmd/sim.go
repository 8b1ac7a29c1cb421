// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/gopacket/gopacket/pcapgo"

	"sentryproxy.dev/sentryproxy/internal/classifier"
	"sentryproxy.dev/sentryproxy/internal/clock"
	"sentryproxy.dev/sentryproxy/internal/ebpf/types"
)

// RunSim replays a pcap capture through the Go-native classifier reference
// model (component A's software fast path) and prints the verdict for
// every frame, for offline testing of endpoint/blacklist configuration
// against real traffic without attaching to a live interface.
func RunSim(args []string) {
	flags := flag.NewFlagSet("sentry-sim", flag.ExitOnError)
	pcapPath := flags.String("pcap", "", "Path to a pcap capture to replay")
	verbose := flags.Bool("v", false, "Print every verdict, not just the summary")
	flags.Parse(args)

	if *pcapPath == "" {
		fmt.Fprintln(os.Stderr, "usage: sentry-sim -pcap <file> [-v]")
		os.Exit(2)
	}

	f, err := os.Open(*pcapPath)
	if err != nil {
		fail("open pcap: %v", err)
	}
	defer f.Close()

	reader, err := pcapgo.NewReader(f)
	if err != nil {
		fail("read pcap header: %v", err)
	}

	store := classifier.NewMemStore()
	cl := classifier.New(store, clock.System{})

	var total, passed, dropped, redirected int
	for {
		data, _, err := reader.ReadPacketData()
		if err == io.EOF {
			break
		}
		if err != nil {
			fail("read packet: %v", err)
		}

		pkt := classifier.DecodeEthernet(data)
		verdict := cl.Classify(pkt)
		total++
		switch verdict {
		case types.VerdictPass:
			passed++
		case types.VerdictRedirect:
			redirected++
		default:
			dropped++
		}

		if *verbose {
			fmt.Printf("%d: src=%d.%d.%d.%d:%d -> dst=%d.%d.%d.%d:%d verdict=%s\n",
				total,
				byte(pkt.SrcIP>>24), byte(pkt.SrcIP>>16), byte(pkt.SrcIP>>8), byte(pkt.SrcIP),
				pkt.SrcPort,
				byte(pkt.DstIP>>24), byte(pkt.DstIP>>16), byte(pkt.DstIP>>8), byte(pkt.DstIP),
				pkt.DstPort,
				verdict)
		}
	}

	fmt.Printf("total=%d passed=%d dropped=%d redirected=%d\n", total, passed, dropped, redirected)
}
