package ippool

import (
	"net"
	"time"

	"github.com/adaptive-git/transport-core/internal/config"
	"github.com/adaptive-git/transport-core/internal/events"
)

// Resolver is the pluggable DNS source spec.md §4.8 calls for; production
// wires an adapter over net.DefaultResolver.LookupIPAddr, tests supply a stub.
type Resolver interface {
	LookupIP(host string) ([]net.IP, error)
}

// BuiltinTable is the static candidate table shipped with the binary,
// keyed by host. It ships empty, same as the fallback list; no configuration
// field populates it.
var BuiltinTable = map[string][]net.IP{}

// FallbackTable is the last-resort fixed list for well-known hosts, used
// only when every other source comes up empty.
var FallbackTable = map[string][]net.IP{}

// CollectorConfig is the subset of runtime toggles the collector consults.
type CollectorConfig struct {
	Sources      config.IPPoolSources
	UserStatic   []net.IP
	Blacklist    []*net.IPNet
	Whitelist    []*net.IPNet
}

// Collect gathers candidates for (host, port) from every enabled source,
// deduplicates by IP address in first-seen order, then applies the CIDR
// blacklist/whitelist filter. An address returned by several sources yields
// one Candidate whose Source is the first source that produced it; the other
// sources are not carried on the Candidate. bus may be nil; IpPoolCidrFilter events are
// only published when it is non-nil.
func Collect(cfg CollectorConfig, resolver Resolver, hist *History, host string, port int, now time.Time, bus *events.Bus) []Candidate {
	var ordered []net.IP
	sources := make(map[string][]string) // ip.String() -> source names, first-seen order preserved via `ordered`

	add := func(ip net.IP, source string) {
		key := ip.String()
		if _, seen := sources[key]; !seen {
			ordered = append(ordered, ip)
		}
		sources[key] = appendUnique(sources[key], source)
	}

	if cfg.Sources.Builtin {
		for _, ip := range BuiltinTable[host] {
			add(ip, "builtin")
		}
	}
	if cfg.Sources.DNS && resolver != nil {
		if ips, err := resolver.LookupIP(host); err == nil {
			for _, ip := range ips {
				add(ip, "dns")
			}
		}
	}
	if cfg.Sources.History && hist != nil {
		if rec, ok := hist.GetFresh(host, port, now); ok {
			add(rec.Candidate.Address, "history")
		}
	}
	if cfg.Sources.UserStatic {
		for _, ip := range cfg.UserStatic {
			add(ip, "user_static")
		}
	}
	if cfg.Sources.Fallback && len(ordered) == 0 {
		for _, ip := range FallbackTable[host] {
			add(ip, "fallback")
		}
	}

	out := make([]Candidate, 0, len(ordered))
	for _, ip := range ordered {
		if len(cfg.Whitelist) > 0 && !inAnyCIDR(ip, cfg.Whitelist) {
			publishCidrFilter(bus, ip, "whitelist", cfg.Whitelist)
			continue
		}
		if cidr, blocked := matchingCIDR(ip, cfg.Blacklist); blocked {
			publishCidrFilter(bus, ip, "blacklist", []*net.IPNet{cidr})
			continue
		}
		out = append(out, Candidate{Address: ip, Port: port, Source: sources[ip.String()][0]})
	}
	return out
}

func appendUnique(list []string, s string) []string {
	for _, existing := range list {
		if existing == s {
			return list
		}
	}
	return append(list, s)
}

func inAnyCIDR(ip net.IP, nets []*net.IPNet) bool {
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func matchingCIDR(ip net.IP, nets []*net.IPNet) (*net.IPNet, bool) {
	for _, n := range nets {
		if n.Contains(ip) {
			return n, true
		}
	}
	return nil, false
}

func publishCidrFilter(bus *events.Bus, ip net.IP, listType string, nets []*net.IPNet) {
	if bus == nil {
		return
	}
	cidr := ""
	if len(nets) > 0 {
		cidr = nets[0].String()
	}
	bus.Publish(events.IpPoolCidrFilter{IP: ip.String(), ListType: listType, Cidr: cidr})
}
