package tunnel

import (
	"net/netip"
	"os"
	"testing"

	"github.com/vishvananda/netlink"

	"github.com/opmip/pmipgw/internal/clog"
	"github.com/opmip/pmipgw/internal/store"
)

// fakeNetlink is a deterministic stand-in for the kernel, tracking only
// what this package's calls need to observe.
type fakeNetlink struct {
	links   map[string]netlink.Link
	nextIdx int
	routes  map[string]*netlink.Route
	// failNextAdd, when non-empty, makes the next LinkAdd for that name fail.
	failNextAdd string
}

func newFakeNetlink() *fakeNetlink {
	return &fakeNetlink{links: make(map[string]netlink.Link), routes: make(map[string]*netlink.Route), nextIdx: 1}
}

func (f *fakeNetlink) LinkAdd(l netlink.Link) error {
	name := l.Attrs().Name
	if f.failNextAdd == name {
		f.failNextAdd = ""
		return errFake("simulated LinkAdd failure")
	}
	f.nextIdx++
	l.Attrs().Index = f.nextIdx
	f.links[name] = l
	return nil
}

func (f *fakeNetlink) LinkDel(l netlink.Link) error {
	delete(f.links, l.Attrs().Name)
	return nil
}

func (f *fakeNetlink) LinkSetUp(l netlink.Link) error { return nil }

func (f *fakeNetlink) LinkByName(name string) (netlink.Link, error) {
	l, ok := f.links[name]
	if !ok {
		return nil, errFake("link not found: " + name)
	}
	return l, nil
}

func (f *fakeNetlink) LinkList() ([]netlink.Link, error) {
	var out []netlink.Link
	for _, l := range f.links {
		out = append(out, l)
	}
	return out, nil
}

func (f *fakeNetlink) RouteAdd(r *netlink.Route) error {
	f.routes[r.Dst.String()] = r
	return nil
}

func (f *fakeNetlink) RouteDel(r *netlink.Route) error {
	delete(f.routes, r.Dst.String())
	return nil
}

type errFake string

func (e errFake) Error() string { return string(e) }

func newTestRouter(t *testing.T, nl netlinkHandle) *Router {
	dir, err := os.MkdirTemp("", "pmipgw-tunnel-test")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	ledger, err := store.Open(dir)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { ledger.Close() })

	r := newRouter(clog.New(), ledger, nl)
	go r.run()
	t.Cleanup(r.Close)
	return r
}

func TestAcquireReleaseTunnelRefcounts(t *testing.T) {

	nl := newFakeNetlink()
	r := newTestRouter(t, nl)

	local := netip.MustParseAddr("2001:db8:f00::1")
	remote := netip.MustParseAddr("2001:db8:f00::2")

	h1, err := r.AcquireTunnel(local, remote)
	if err != nil {
		t.Fatalf("AcquireTunnel: %v", err)
	}
	h2, err := r.AcquireTunnel(local, remote)
	if err != nil {
		t.Fatalf("AcquireTunnel (shared): %v", err)
	}
	if h1.Name() != h2.Name() {
		t.Errorf("expected the same handle to be shared: %v != %v", h1.Name(), h2.Name())
	}
	if len(nl.links) != 1 {
		t.Errorf("expected exactly one kernel link, got %v", len(nl.links))
	}

	if err := r.ReleaseTunnel(h1); err != nil {
		t.Fatalf("ReleaseTunnel: %v", err)
	}
	if len(nl.links) != 1 {
		t.Errorf("tunnel should survive while refcount > 0, got %v links", len(nl.links))
	}

	if err := r.ReleaseTunnel(h2); err != nil {
		t.Fatalf("ReleaseTunnel: %v", err)
	}
	if len(nl.links) != 0 {
		t.Errorf("tunnel should be torn down once refcount hits 0, got %v links", len(nl.links))
	}
}

func TestAddRemoveRouteRefcounts(t *testing.T) {

	nl := newFakeNetlink()
	r := newTestRouter(t, nl)

	local := netip.MustParseAddr("2001:db8:f00::1")
	remote := netip.MustParseAddr("2001:db8:f00::2")
	h, err := r.AcquireTunnel(local, remote)
	if err != nil {
		t.Fatalf("AcquireTunnel: %v", err)
	}

	prefix := netip.MustParsePrefix("2001:db8:1::/64")

	if err := r.AddRoute(prefix, h); err != nil {
		t.Fatalf("AddRoute: %v", err)
	}
	if err := r.AddRoute(prefix, h); err != nil {
		t.Fatalf("AddRoute (shared): %v", err)
	}
	if len(nl.routes) != 1 {
		t.Errorf("expected one route installed, got %v", len(nl.routes))
	}

	if err := r.RemoveRoute(prefix, h); err != nil {
		t.Fatalf("RemoveRoute: %v", err)
	}
	if len(nl.routes) != 1 {
		t.Errorf("route should survive while refcount > 0")
	}
	if err := r.RemoveRoute(prefix, h); err != nil {
		t.Fatalf("RemoveRoute: %v", err)
	}
	if len(nl.routes) != 0 {
		t.Errorf("route should be removed once refcount hits 0, got %v", len(nl.routes))
	}
}

func TestAcquireTunnelFailurePropagatesOpError(t *testing.T) {

	nl := newFakeNetlink()
	nl.failNextAdd = "pmip0000000002"
	r := newTestRouter(t, nl)

	local := netip.MustParseAddr("2001:db8:f00::1")
	remote := netip.MustParseAddr("2001:db8:f00::2")

	_, err := r.AcquireTunnel(local, remote)
	if err == nil {
		t.Fatalf("expected AcquireTunnel to fail")
	}
	var opErr *OpError
	if !asOpError(err, &opErr) {
		t.Fatalf("expected a *OpError, got %T: %v", err, err)
	}
	if opErr.Op != "acquire_tunnel" {
		t.Errorf("OpError.Op: got %v", opErr.Op)
	}
}

func asOpError(err error, target **OpError) bool {
	oe, ok := err.(*OpError)
	if !ok {
		return false
	}
	*target = oe
	return true
}
