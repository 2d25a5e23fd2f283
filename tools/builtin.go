package tools

import "fmt"

var defaultRegistry = NewRegistry(
	Spec{
		Name:        "ping",
		Description: "Ping with a bounded probe count",
		Base:        []string{"ping"},
		Params: []Param{
			{Name: "count", Type: Int, Default: 10, Min: intp(1), Max: intp(1000), Help: "Number of echo requests", Render: joined("-c")},
			{Name: "packetSize", Type: Int, Default: 56, Min: intp(0), Max: intp(65507), Help: "Payload size in bytes", Render: joined("-s")},
			{Name: "interval", Type: Int, Min: intp(1), Max: intp(60), Help: "Seconds between requests", Render: joined("-i")},
			{Name: "timestamp", Type: Bool, Default: true, Help: "Print timestamps", Render: flag("-D")},
		},
	},
	Spec{
		Name:        "traceroute",
		Description: "Hop-by-hop route discovery using ICMP probes",
		Base:        []string{"traceroute"},
		Params: []Param{
			{Name: "queries", Type: Int, Default: 3, Min: intp(1), Max: intp(10), Help: "Probes per hop", Render: joined("-q")},
			{Name: "maxHops", Type: Int, Default: 30, Min: intp(1), Max: intp(255), Help: "Maximum TTL", Render: joined("-m")},
			// ICMP probes don't need elevated privileges, unlike the default UDP mode on some systems
			{Name: "icmp", Type: Bool, Default: true, Help: "Use ICMP ECHO probes", Render: flag("-I")},
			{Name: "resolveHostnames", Type: Bool, Default: true, Help: "Resolve hop addresses", Render: flag("--resolve-hostnames")},
		},
	},
	Spec{
		Name:        "tracepath",
		Description: "Path MTU discovery",
		Base:        []string{"tracepath"},
		Params: []Param{
			{Name: "maxHops", Type: Int, Default: 30, Min: intp(1), Max: intp(255), Help: "Maximum TTL", Render: joined("-m")},
		},
	},
	Spec{
		Name:        "mtr",
		Description: "MTR in interactive mode",
		Base:        []string{"mtr"},
		RequiresPTY: true,
		Params: []Param{
			{Name: "showIPs", Type: Bool, Default: true, Help: "Show both hostnames and IPs", Render: flag("-b")},
			{Name: "tcp", Type: Bool, Default: false, Help: "Use TCP SYN probes", Render: flag("--tcp")},
			{Name: "udp", Type: Bool, Default: false, Help: "Use UDP probes", Render: flag("--udp")},
			{Name: "interval", Type: Int, Min: intp(1), Max: intp(60), Help: "Seconds between rounds", Render: long("--interval")},
		},
	},
)

// Default returns the built-in allow-list.
func Default() *Registry { return defaultRegistry }

func intp(i int) *int { return &i }

// joined renders values glued to a short flag, e.g. -c10.
func joined(f string) func(any) []string {
	return func(v any) []string { return []string{fmt.Sprintf("%s%v", f, v)} }
}

// long renders --flag=value.
func long(f string) func(any) []string {
	return func(v any) []string { return []string{fmt.Sprintf("%s=%v", f, v)} }
}

func flag(f string) func(any) []string {
	return func(any) []string { return []string{f} }
}
