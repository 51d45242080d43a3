// Package testdriver is the deterministic AccessDriver the spec calls
// for (§4.7, §9 "a test driver deterministically scheduling attach/detach
// events"), grounded directly on original_source's dummy_driver
// (app/opmip-mag/drivers/dummy.hpp): a scheduled timer walks a fixed
// client list, alternately attaching and detaching each one.
package testdriver

import (
	"time"

	"github.com/opmip/pmipgw/internal/mag"
	"github.com/opmip/pmipgw/internal/nodedb"
)

// Client is one scheduled terminal in the driver's client list.
type Client struct {
	LLAddr   nodedb.LLAddr
	LinkID   int
	LinkType byte
}

// BindingList is the subset of *mag.List the driver drives.
type BindingList interface {
	Attach(ev mag.AttachEvent)
	Detach(ev mag.DetachEvent)
}

// Driver alternates attach/detach for each configured client at a fixed
// period, the same shape as dummy_driver's timer_handler toggling each
// client_state's bool and re-scheduling itself.
type Driver struct {
	list    BindingList
	clients []Client
	period  time.Duration

	attached []bool
	stop     chan struct{}
	done     chan struct{}
}

// New constructs a Driver that will cycle through clients at period,
// attaching then detaching each in turn.
func New(list BindingList, clients []Client, period time.Duration) *Driver {
	return &Driver{
		list:     list,
		clients:  clients,
		period:   period,
		attached: make([]bool, len(clients)),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start implements mag.AccessDriver.
func (d *Driver) Start() {
	go d.run()
}

// Stop implements mag.AccessDriver.
func (d *Driver) Stop() {
	close(d.stop)
	<-d.done
}

func (d *Driver) run() {
	defer close(d.done)
	ticker := time.NewTicker(d.period)
	defer ticker.Stop()
	idx := 0
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			if len(d.clients) == 0 {
				continue
			}
			i := idx % len(d.clients)
			idx++
			c := d.clients[i]
			if d.attached[i] {
				d.list.Detach(mag.DetachEvent{LLAddr: c.LLAddr, LinkID: c.LinkID})
			} else {
				d.list.Attach(mag.AttachEvent{LLAddr: c.LLAddr, LinkID: c.LinkID, LinkType: c.LinkType})
			}
			d.attached[i] = !d.attached[i]
		}
	}
}
