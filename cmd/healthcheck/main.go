// Command healthcheck probes the /health endpoint of every configured
// upstream service concurrently and reports per-service status. It exits
// non-zero if any service is unreachable or unhealthy, which makes it
// usable from deploy scripts and container health probes.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/learnware/api-gateway/internal/config"
)

const probeTimeout = 5 * time.Second

type result struct {
	service string
	target  string
	err     error
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	table, err := cfg.BuildRouteTable()
	if err != nil {
		log.Fatalf("Invalid route table: %v", err)
	}

	// Several routes can share one backend process; probe each target once.
	targets := make(map[string]string)
	for _, route := range table.Routes() {
		base := strings.TrimSuffix(route.Target.String(), "/")
		if _, seen := targets[base]; !seen {
			targets[base] = route.Service
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := &http.Client{Timeout: probeTimeout}

	var mu sync.Mutex
	var results []result

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(10)
	for target, service := range targets {
		g.Go(func() error {
			err := probe(ctx, client, target)
			mu.Lock()
			results = append(results, result{service: service, target: target, err: err})
			mu.Unlock()
			// Collect every outcome; a down service is reported, not fatal.
			return nil
		})
	}
	g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].service < results[j].service })

	healthy := 0
	for _, r := range results {
		if r.err != nil {
			fmt.Printf("DOWN  %-24s %s (%v)\n", r.service, r.target, r.err)
			continue
		}
		fmt.Printf("OK    %-24s %s\n", r.service, r.target)
		healthy++
	}
	fmt.Printf("\n%d/%d services healthy\n", healthy, len(results))

	if healthy != len(results) {
		os.Exit(1)
	}
}

func probe(ctx context.Context, client *http.Client, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
