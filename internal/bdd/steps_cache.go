package bdd

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/recallio/recall/internal/testutil/cucumber"
	"github.com/cucumber/godog"
)

func init() {
	cucumber.StepModules = append(cucumber.StepModules, func(ctx *godog.ScenarioContext, s *cucumber.TestScenario) {
		c := &cacheSteps{s: s}
		ctx.Step(`^I record the current cache metrics$`, c.iRecordTheCurrentCacheMetrics)
		ctx.Step(`^the cache hit count should have increased by at least (\d+)$`, c.theCacheHitCountShouldHaveIncreasedByAtLeast)
	})
}

type cacheSteps struct {
	s            *cucumber.TestScenario
	lastHitCount float64
	recorded     bool
}

func (c *cacheSteps) iRecordTheCurrentCacheMetrics() error {
	hits, err := c.scrapeCacheHits()
	if err != nil {
		return err
	}
	c.lastHitCount = hits
	c.recorded = true
	return nil
}

func (c *cacheSteps) theCacheHitCountShouldHaveIncreasedByAtLeast(minIncrease int) error {
	if !c.recorded {
		return fmt.Errorf("cache metrics were not recorded; call 'I record the current cache metrics' first")
	}

	// Counter updates race the response; poll briefly before failing.
	deadline := time.Now().Add(5 * time.Second)
	var hits float64
	for {
		var err error
		hits, err = c.scrapeCacheHits()
		if err != nil {
			return err
		}
		if hits >= c.lastHitCount+float64(minIncrease) {
			return nil
		}
		if time.Now().After(deadline) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("expected cache hit count to increase by at least %d from %v, got %v", minIncrease, c.lastHitCount, hits)
}

// scrapeCacheHits reads the Prometheus exposition from /metrics and sums the
// recall_cache_hits_total samples across label sets.
func (c *cacheSteps) scrapeCacheHits() (float64, error) {
	resp, err := http.Get(c.s.Suite.APIURL + "/metrics")
	if err != nil {
		return 0, fmt.Errorf("scrape metrics: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("metrics endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var total float64
	found := false
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		if !strings.HasPrefix(line, "recall_cache_hits_total") {
			continue
		}
		rest := line[len("recall_cache_hits_total"):]
		if rest != "" && rest[0] != ' ' && rest[0] != '{' {
			continue
		}
		idx := strings.LastIndexByte(line, ' ')
		if idx < 0 {
			continue
		}
		value, err := strconv.ParseFloat(strings.TrimSpace(line[idx+1:]), 64)
		if err != nil {
			continue
		}
		total += value
		found = true
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("read metrics body: %w", err)
	}
	if !found {
		// Counter not registered yet means zero hits so far.
		return 0, nil
	}
	return total, nil
}
