// Command lma is the Local Mobility Anchor executable: it wires
// together the node directory, the crash-recovery ledger, the tunnel
// router, the Mobility Header agent and the BindingCache, then blocks
// until a signal asks it to stop.
//
// The startup sequencing — an unbuffered goexit channel, a dedicated
// signal-catching goroutine, ordered subsystem bring-up, then a single
// blocking receive before a clean shutdown log line — follows
// ipref-gw's main.go.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/opmip/pmipgw/internal/agent"
	"github.com/opmip/pmipgw/internal/clog"
	"github.com/opmip/pmipgw/internal/config"
	"github.com/opmip/pmipgw/internal/lma"
	"github.com/opmip/pmipgw/internal/nodedb"
	"github.com/opmip/pmipgw/internal/pktbuf"
	"github.com/opmip/pmipgw/internal/store"
	"github.com/opmip/pmipgw/internal/tunnel"
)

const pktPoolSize = 256

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
	cfg := config.ParseLMA(log, os.Args[1:])

	log.Info("START pmip lma")

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

	cache := lma.New(log, db, router, mhAgent, cfg.Local)
	defer cache.Close()
	mhAgent.SetPBUHandler(cache)

	go mhAgent.Run(done)

	msg := <-goexit
	log.Info("STOP pmip lma: %v", msg)
}
