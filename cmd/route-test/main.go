package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"time"

	"github.com/codefionn/weiche/weiche-srv/config"
	"github.com/codefionn/weiche/weiche-srv/logger"
	"github.com/codefionn/weiche/weiche-srv/router"
)

func main() {
	proxiesDir := flag.String("proxies", "", "Directory containing proxies.yaml/.yml/.json")
	host := flag.String("host", "example.com", "Target hostname to route")
	port := flag.Int("port", 443, "Target port to route")
	clientIP := flag.String("client", "127.0.0.1", "Client IP used for the affinity key")
	longLived := flag.Bool("ws", false, "Treat the connection as long-lived (WebSocket style affinity key)")
	draws := flag.Int("n", 1000, "Number of selection draws for the weight distribution")
	seed := flag.Int64("seed", 0, "Random seed (0 means time-based)")
	verbose := flag.Bool("verbose", false, "Enable verbose logging")
	flag.Parse()

	logger.SetLevel(logger.INFO)
	if *verbose {
		logger.SetLevel(logger.DEBUG)
	}

	if *proxiesDir == "" {
		logger.Fatal("Missing -proxies directory")
	}

	set, warnings := config.LoadProxies(*proxiesDir)
	for _, warning := range warnings {
		logger.Warn("Proxy config: %s", warning)
	}
	if set.Len() == 0 {
		fmt.Printf("No usable upstream proxies in %s; every connection would go direct\n", *proxiesDir)
		os.Exit(0)
	}

	table := router.NewTable(set)
	printTable(table)

	target := fmt.Sprintf("%s:%d", *host, *port)
	fmt.Printf("\nRouting %s for client %s\n", target, *clientIP)

	matched := table.Match(*host, *port)
	if len(matched) > 0 {
		fmt.Printf("  rule pass matched %d prox%s: %s\n", len(matched), pluralIes(len(matched)), names(matched))
	} else {
		fmt.Println("  rule pass matched no proxies")
		defaults := table.DefaultCandidates()
		if len(defaults) > 0 {
			fmt.Printf("  default pass matched %d prox%s: %s\n", len(defaults), pluralIes(len(defaults)), names(defaults))
			matched = defaults
		} else {
			fmt.Println("  no default proxies either; connection would go DIRECT")
		}
	}

	if len(matched) > 0 {
		printDistribution(matched, *draws, *seed)
	}

	demoAffinity(table, *clientIP, *host, *port, *longLived)
}

func printTable(table *router.Table) {
	fmt.Printf("Routing table (%d proxies):\n", table.Len())
	for _, proxy := range table.Proxies() {
		defaultMark := ""
		if proxy.HasDefaultRule() {
			defaultMark = " [default]"
		}
		fmt.Printf("  %-20s %-40s weight=%d%s\n", proxy.Name, proxy.Redacted(), proxy.Weight, defaultMark)
		for _, rule := range proxy.Rules {
			fmt.Printf("    - %s\n", rule)
		}
	}
}

// printDistribution draws from the candidate set repeatedly and reports
// how often each proxy was picked, next to its configured weight share.
func printDistribution(candidates []*config.UpstreamProxy, draws int, seed int64) {
	if draws <= 0 {
		return
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	counts := make(map[string]int)
	for i := 0; i < draws; i++ {
		if picked := router.Select(candidates, rng); picked != nil {
			counts[picked.Name]++
		}
	}

	totalWeight := 0
	for _, candidate := range candidates {
		if candidate.Weight > 0 {
			totalWeight += candidate.Weight
		}
	}

	nameList := make([]string, 0, len(counts))
	for name := range counts {
		nameList = append(nameList, name)
	}
	sort.Strings(nameList)

	fmt.Printf("\nSelection distribution over %d draws (seed %d):\n", draws, seed)
	for _, name := range nameList {
		count := counts[name]
		expected := 0.0
		for _, candidate := range candidates {
			if candidate.Name == name && totalWeight > 0 {
				expected = float64(candidate.Weight) / float64(totalWeight) * 100
			}
		}
		fmt.Printf("  %-20s %6d picks (%.1f%%, weight share %.1f%%)\n",
			name, count, float64(count)/float64(draws)*100, expected)
	}
}

// demoAffinity routes the same connection twice through a throwaway
// engine to show the affinity pin taking over on the second pick.
func demoAffinity(table *router.Table, clientIP, host string, port int, longLived bool) {
	rtr := router.New(table, router.Options{})
	defer rtr.Close()

	info := router.ConnInfo{
		ClientIP:   clientIP,
		TargetHost: host,
		TargetPort: port,
		LongLived:  longLived,
	}

	fmt.Printf("\nAffinity key: %s\n", info.AffinityKey())
	first := rtr.Pick(info)
	fmt.Printf("  first pick:  %s\n", describeDecision(first))
	second := rtr.Pick(info)
	fmt.Printf("  second pick: %s\n", describeDecision(second))
}

func describeDecision(d router.Decision) string {
	if d.Direct() {
		return "DIRECT (no proxy matched)"
	}
	return fmt.Sprintf("%s via %s", d.ProxyName, d.Source)
}

func names(proxies []*config.UpstreamProxy) string {
	out := ""
	for i, proxy := range proxies {
		if i > 0 {
			out += ", "
		}
		out += proxy.Name
	}
	return out
}

func pluralIes(n int) string {
	if n == 1 {
		return "y"
	}
	return "ies"
}
