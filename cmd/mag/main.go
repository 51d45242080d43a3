// Command mag is the Mobile Access Gateway executable: it wires the
// node directory, tunnel router, Mobility Header agent, BindingUpdateList
// and per-link RouterAdvertiser together, drives them from the
// configured AccessDriver, and blocks until a signal asks it to stop.
//
// Startup sequencing follows ipref-gw's main.go: an unbuffered goexit
// channel, a dedicated signal-catching goroutine, ordered subsystem
// bring-up, then a single blocking receive before a clean shutdown log.
package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/icmp"

	"github.com/opmip/pmipgw/internal/agent"
	"github.com/opmip/pmipgw/internal/clog"
	"github.com/opmip/pmipgw/internal/config"
	"github.com/opmip/pmipgw/internal/mag"
	"github.com/opmip/pmipgw/internal/mag/testdriver"
	"github.com/opmip/pmipgw/internal/nodedb"
	"github.com/opmip/pmipgw/internal/pktbuf"
	"github.com/opmip/pmipgw/internal/store"
	"github.com/opmip/pmipgw/internal/tunnel"
)

const (
	pktPoolSize     = 256
	testDriverCycle = 5 * time.Second
)

var goexit chan string

func catchSignals() {
	sigchan := make(chan os.Signal, 1)
	signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigchan
	signal.Stop(sigchan)
	goexit <- "signal(" + sig.String() + ")"
}

func main() {
	log := clog.New()
	cfg := config.ParseMAG(log, os.Args[1:])

	log.Info("START pmip mag")

	goexit = make(chan string)
	log.SetExitChan(goexit)
	go catchSignals()

	db, err := nodedb.Load(log, cfg.NodeDBAbsPath())
	if err != nil {
		log.Fatal("cannot load node directory: %v", err)
	}
	done := make(chan struct{})
	defer close(done)
	go db.Watch(done)

	ledger, err := store.Open(cfg.DataAbsDir())
	if err != nil {
		log.Fatal("cannot open ledger: %v", err)
	}
	defer ledger.Close()

	router, err := tunnel.New(log, ledger)
	if err != nil {
		log.Fatal("cannot start tunnel router: %v", err)
	}
	defer router.Close()

	pool := pktbuf.NewPool(pktPoolSize)
	mhAgent, err := agent.New(log, pool, cfg.Local)
	if err != nil {
		log.Fatal("cannot open mobility header socket: %v", err)
	}
	defer mhAgent.Close()

	raConn, err := icmp.ListenPacket("ip6:ipv6-icmp", cfg.Local.String())
	if err != nil {
		log.Fatal("cannot open ICMPv6 socket for router advertisements: %v", err)
	}
	defer raConn.Close()
	rapc := raConn.IPv6PacketConn()
	// the Mobility Header checksum is unauthenticated per RFC 6275 §6.1.1,
	// but ICMPv6 requires the kernel-computed pseudo-header checksum;
	// offset 2 matches icmp.Message's checksum field position.
	if err := rapc.SetChecksum(true, 2); err != nil {
		log.Fatal("cannot enable ICMPv6 checksum offload: %v", err)
	}

	mtu := cfg.Links[0].MTU
	mac := cfg.Links[0].MAC
	radv := mag.NewAdvertiser(log, pool, rapc, mac, mtu)

	bul := mag.New(log, db, router, mhAgent, radv, cfg.Local)
	defer bul.Close()
	mhAgent.SetPBAHandler(bul)

	go mhAgent.Run(done)

	var clients []testdriver.Client
	for _, policy := range db.AllPolicies() {
		clients = append(clients, testdriver.Client{
			LLAddr:   policy.LLAddr,
			LinkID:   cfg.Links[0].ID,
			LinkType: 0,
		})
	}
	driver := testdriver.New(bul, clients, testDriverCycle)
	driver.Start()
	defer driver.Stop()

	msg := <-goexit
	log.Info("STOP pmip mag: %v", msg)
}
