// Package config is the external collaborator spec §6 describes: CLI
// flags plus the NodeDB file path, local node identity and transport
// addresses both cmd/mag and cmd/lma need at startup. Modeled directly
// on ipref-gw's cli.go: a package-level struct populated once by
// flag.Parse and never mutated thereafter, with log.Fatal on anything
// that fails to validate.
package config

import (
	"flag"
	"fmt"
	"net/netip"
	"path/filepath"
	"strings"

	"github.com/opmip/pmipgw/internal/clog"
	"github.com/opmip/pmipgw/internal/nodedb"
)

// Common holds the flags both executables share.
type Common struct {
	DebugList  string
	Ticks      bool
	Trace      bool
	Stamps     bool
	NodeDBPath string
	DataDir    string
	LocalAddr  string

	// Derived.
	Debug     map[string]bool
	LogLevel  uint
	Local     netip.Addr
	nodeDBAbs string
	dataAbs   string
}

// LMAConfig is cmd/lma's full configuration.
type LMAConfig struct {
	Common
}

// AccessLink describes one MAG access link flag (spec §6 "per-access-
// link MTU, MAG access-link list"), given on the command line as
// repeated -link id=<n>[,mtu=<n>][,mac=aa:bb:cc:dd:ee:ff] flags; the MTU
// defaults to 1500 when omitted.
type AccessLink struct {
	ID  int
	MTU int
	MAC nodedb.LLAddr
}

// MAGConfig is cmd/mag's full configuration.
type MAGConfig struct {
	Common
	LinkFlags multiFlag
	Links     []AccessLink
}

type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, ",") }
func (m *multiFlag) Set(v string) error {
	*m = append(*m, v)
	return nil
}

func registerCommon(c *Common, fs *flag.FlagSet, defaultDataDir string) {
	fs.StringVar(&c.DebugList, "debug", "", "enable debug in listed files, comma separated")
	fs.BoolVar(&c.Ticks, "ticks", false, "include timer ticks in debug")
	fs.BoolVar(&c.Trace, "trace", false, "enable packet trace")
	fs.BoolVar(&c.Stamps, "time-stamps", false, "print logs with time stamps")
	fs.StringVar(&c.NodeDBPath, "nodedb", "/etc/pmipgw/nodedb.conf", "path to node/anchor directory file")
	fs.StringVar(&c.DataDir, "data", defaultDataDir, "data directory for the crash-recovery ledger")
	fs.StringVar(&c.LocalAddr, "local", "", "this node's own IPv6 transport address")
}

func finishCommon(log *clog.Logger, c *Common) {
	c.Debug = make(map[string]bool)
	for _, fname := range strings.Split(c.DebugList, ",") {
		fname = strings.TrimSpace(fname)
		if fname == "" {
			continue
		}
		c.Debug[baseName(fname)] = true
	}
	if c.Trace {
		c.LogLevel = clog.TRACE
	} else {
		c.LogLevel = clog.INFO
	}
	log.SetLevel(c.LogLevel)
	log.SetTimestamps(c.Stamps)
	log.EnableDebug(debugTopics(c.Debug))

	if c.LocalAddr == "" {
		log.Fatal("missing local node address (try -local <ipv6>)")
	}
	addr, err := netip.ParseAddr(c.LocalAddr)
	if err != nil || addr.Is4() {
		log.Fatal("invalid local node address: %v", c.LocalAddr)
	}
	c.Local = addr

	c.nodeDBAbs = absolute(log, "nodedb path", c.NodeDBPath)
	c.dataAbs = absolute(log, "data directory path", c.DataDir)
}

func (c *Common) NodeDBAbsPath() string { return c.nodeDBAbs }
func (c *Common) DataAbsDir() string    { return c.dataAbs }

// ParseLMA parses os.Args as the LMA's flags.
func ParseLMA(log *clog.Logger, args []string) *LMAConfig {
	var cfg LMAConfig
	fs := flag.NewFlagSet("lma", flag.ExitOnError)
	registerCommon(&cfg.Common, fs, "/var/lib/pmipgw-lma")
	fs.Parse(args)
	finishCommon(log, &cfg.Common)
	return &cfg
}

// ParseMAG parses os.Args as the MAG's flags, including -link flags.
func ParseMAG(log *clog.Logger, args []string) *MAGConfig {
	var cfg MAGConfig
	fs := flag.NewFlagSet("mag", flag.ExitOnError)
	registerCommon(&cfg.Common, fs, "/var/lib/pmipgw-mag")
	fs.Var(&cfg.LinkFlags, "link", "access link, repeatable: id=<n>[,mtu=<n>][,mac=aa:bb:cc:dd:ee:ff]")
	fs.Parse(args)
	finishCommon(log, &cfg.Common)

	for _, raw := range cfg.LinkFlags {
		link, err := parseAccessLink(raw)
		if err != nil {
			log.Fatal("invalid -link %q: %v", raw, err)
		}
		cfg.Links = append(cfg.Links, link)
	}
	if len(cfg.Links) == 0 {
		log.Fatal("at least one -link is required")
	}
	return &cfg
}

func parseAccessLink(raw string) (AccessLink, error) {
	var link AccessLink
	for _, field := range strings.Split(raw, ",") {
		kv := strings.SplitN(field, "=", 2)
		if len(kv) != 2 {
			return link, fmt.Errorf("malformed field %q", field)
		}
		switch kv[0] {
		case "id":
			n, err := parseInt(kv[1])
			if err != nil {
				return link, err
			}
			link.ID = n
		case "mtu":
			n, err := parseInt(kv[1])
			if err != nil {
				return link, err
			}
			link.MTU = n
		case "mac":
			mac, err := nodedb.ParseLLAddr(kv[1])
			if err != nil {
				return link, err
			}
			link.MAC = mac
		default:
			return link, fmt.Errorf("unrecognized field %q", kv[0])
		}
	}
	if link.MTU == 0 {
		link.MTU = 1500
	}
	return link, nil
}

func parseInt(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

func baseName(fname string) string {
	bix := 0
	eix := len(fname)
	if ix := strings.LastIndex(fname, "/"); ix >= 0 {
		bix = ix + 1
	}
	if ix := strings.LastIndex(fname, "."); ix >= 0 {
		eix = ix
	}
	return fname[bix:eix]
}

func debugTopics(m map[string]bool) []string {
	topics := make([]string, 0, len(m))
	for t := range m {
		topics = append(topics, t)
	}
	return topics
}

func absolute(log *clog.Logger, desc, path string) string {
	if path == "" {
		log.Fatal("missing %v", desc)
	}
	apath, err := filepath.Abs(path)
	if err != nil {
		log.Fatal("invalid %v: %v: %v", desc, path, err)
	}
	return apath
}
