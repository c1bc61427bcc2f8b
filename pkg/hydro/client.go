package hydro

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/peaksync/peaksync/pkg/log"
	"github.com/peaksync/peaksync/pkg/types"
)

// ErrPortalOffline is returned for portal fetches while the provider portal
// is known to be down. The coordinator treats it like any other sub-fetch
// failure.
var ErrPortalOffline = errors.New("provider portal is offline")

// The provider publishes times in Eastern Time.
var etLocation = func() *time.Location {
	loc, err := time.LoadLocation("America/Toronto")
	if err != nil {
		panic(fmt.Errorf("failed to load eastern time location: %w", err))
	}
	return loc
}()

const (
	// portalStatusInterval is how long a portal status probe stays valid.
	portalStatusInterval = 5 * time.Minute
	// offlineLogInterval limits portal-offline warnings to one per hour.
	offlineLogInterval = time.Hour
)

// HQClient implements Client against the provider's authenticated portal API
// and its unauthenticated open data peak feed.
type HQClient struct {
	portalURL   string
	openDataURL string
	token       string
	client      *http.Client
	now         func() time.Time

	mu         sync.Mutex
	contractID string
	rateCode   string

	lastPeakFetch time.Time
	cachedEvents  []periodEvent

	statusCheckedAt time.Time
	portalUp        bool
	offlineLoggedAt time.Time
}

// Configured sets up the provider client.
// It uses lflag to register command-line flags for configuration.
func Configured() *HQClient {
	c := &HQClient{
		client: HTTPClient(10 * time.Second),
		now:    time.Now,
	}
	portalURL := lflag.String("portal-api-url", "https://portail.hydro.example/api/v3", "Base URL for the authenticated portal API")
	openDataURL := lflag.String("opendata-api-url", "https://donnees.hydro.example/open/v1", "Base URL for the open data peak feed")
	token := lflag.String("portal-token", "", "Bearer token for the portal API")

	lflag.Do(func() {
		c.portalURL = *portalURL
		c.openDataURL = *openDataURL
		c.token = *token
	})

	return c
}

// Validate ensures the configuration is valid.
func (c *HQClient) Validate() error {
	if c.portalURL == "" {
		return fmt.Errorf("portal-api-url is required")
	}
	if _, err := url.Parse(c.portalURL); err != nil {
		return fmt.Errorf("failed to parse portal url (%s): %w", c.portalURL, err)
	}
	if c.openDataURL == "" {
		return fmt.Errorf("opendata-api-url is required")
	}
	if _, err := url.Parse(c.openDataURL); err != nil {
		return fmt.Errorf("failed to parse opendata url (%s): %w", c.openDataURL, err)
	}
	return nil
}

// SetContract points the client at one contract and its rate code. Called
// once at setup after flags are parsed.
func (c *HQClient) SetContract(contractID string, plan types.RatePlan) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.contractID = contractID
	c.rateCode = string(plan)
}

// FetchAccount returns the account document from the portal.
func (c *HQClient) FetchAccount(ctx context.Context) (map[string]any, error) {
	return c.fetchPortalDoc(ctx, "accounts")
}

// FetchContract returns the contract document from the portal.
func (c *HQClient) FetchContract(ctx context.Context) (map[string]any, error) {
	return c.fetchPortalDoc(ctx, "contracts")
}

func (c *HQClient) fetchPortalDoc(ctx context.Context, kind string) (map[string]any, error) {
	c.mu.Lock()
	contractID := c.contractID
	c.mu.Unlock()
	if contractID == "" {
		return nil, fmt.Errorf("no contract configured")
	}

	if up, err := c.checkPortalStatus(ctx); err != nil {
		return nil, err
	} else if !up {
		return nil, ErrPortalOffline
	}

	u := fmt.Sprintf("%s/%s/%s", c.portalURL, kind, url.PathEscape(contractID))
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")

	log.Ctx(ctx).DebugContext(ctx, "fetching portal document", slog.String("kind", kind), slog.String("url", u))
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", kind, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("portal api returned status %d for %s", resp.StatusCode, kind)
	}

	var doc map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", kind, err)
	}
	return doc, nil
}

// checkPortalStatus probes the portal status endpoint, cached for a few
// minutes. An offline portal is logged at most once per hour.
func (c *HQClient) checkPortalStatus(ctx context.Context) (bool, error) {
	now := c.now()

	c.mu.Lock()
	if !c.statusCheckedAt.IsZero() && now.Sub(c.statusCheckedAt) < portalStatusInterval {
		up := c.portalUp
		c.mu.Unlock()
		return up, nil
	}
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, "GET", c.portalURL+"/status", nil)
	if err != nil {
		return false, fmt.Errorf("failed to create status request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		// treat a failed probe as the portal itself failing
		return false, fmt.Errorf("portal status probe failed: %w", err)
	}
	defer resp.Body.Close()

	up := resp.StatusCode == http.StatusOK

	c.mu.Lock()
	c.statusCheckedAt = now
	c.portalUp = up
	shouldLog := !up && (c.offlineLoggedAt.IsZero() || now.Sub(c.offlineLoggedAt) >= offlineLogInterval)
	if shouldLog {
		c.offlineLoggedAt = now
	}
	c.mu.Unlock()

	if shouldLog {
		log.Ctx(ctx).WarnContext(ctx, "provider portal is offline, skipping portal fetches",
			slog.Int("status", resp.StatusCode))
	}
	return up, nil
}

// peakEventEntry is one entry of the open data peak feed.
type peakEventEntry struct {
	Start        string   `json:"start"`
	End          string   `json:"end"`
	Kind         string   `json:"kind"`
	Period       string   `json:"period"`
	ActualKWH    *float64 `json:"actualKWH"`
	ReferenceKWH *float64 `json:"referenceKWH"`
}

type peakFeed struct {
	Events []peakEventEntry `json:"events"`
}

// periodEvent is a decoded event together with the billing period the feed
// attributed it to, kept so cached results can be re-filtered.
type periodEvent struct {
	period string
	event  types.PeakEvent
}

// FetchPeakEvents returns the peak events for the current winter, restricted
// to periodID when one is known. Outside the winter season the feed carries
// no events and is not polled. Results are cached; the cache is refreshed
// every 5 minutes during the provider's active window (11:00-18:00 ET),
// hourly otherwise, and always at the top of a new hour so peak-window
// sensors transition on time.
func (c *HQClient) FetchPeakEvents(ctx context.Context, periodID string) ([]types.PeakEvent, error) {
	now := c.now().In(etLocation)

	if !winterSeason(now) {
		log.Ctx(ctx).DebugContext(ctx, "skipping peak feed off-season")
		return nil, nil
	}

	c.mu.Lock()
	if !c.lastPeakFetch.IsZero() && !c.shouldRefreshPeaks(now) {
		cached := c.cachedEvents
		c.mu.Unlock()
		return filterByPeriod(cached, periodID), nil
	}
	rateCode := c.rateCode
	c.mu.Unlock()

	u, err := url.Parse(c.openDataURL + "/peaks")
	if err != nil {
		return nil, fmt.Errorf("invalid opendata url: %w", err)
	}
	params := url.Values{}
	params.Set("rate", rateCode)
	params.Set("format", "json")
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	log.Ctx(ctx).DebugContext(ctx, "fetching peak events", slog.String("url", u.String()))

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch peak events: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("opendata api returned status: %d", resp.StatusCode)
	}

	var feed peakFeed
	if err := json.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return nil, fmt.Errorf("failed to decode peak feed: %w", err)
	}

	events := make([]periodEvent, 0, len(feed.Events))
	for _, item := range feed.Events {
		start, err := time.Parse(time.RFC3339, item.Start)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to parse peak event start", slog.String("value", item.Start), slog.Any("error", err))
			continue
		}
		end, err := time.Parse(time.RFC3339, item.End)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to parse peak event end", slog.String("value", item.End), slog.Any("error", err))
			continue
		}
		kind := types.PeakEventKind(item.Kind)
		switch kind {
		case types.PeakEventCritical, types.PeakEventCredit, types.PeakEventAnchor:
		default:
			log.Ctx(ctx).WarnContext(ctx, "unknown peak event kind", slog.String("kind", item.Kind))
			continue
		}
		e := types.PeakEvent{
			Start:        start,
			End:          end,
			Kind:         kind,
			ActualKWH:    math.NaN(),
			ReferenceKWH: math.NaN(),
		}
		if item.ActualKWH != nil {
			e.ActualKWH = *item.ActualKWH
		}
		if item.ReferenceKWH != nil {
			e.ReferenceKWH = *item.ReferenceKWH
		}
		events = append(events, periodEvent{period: item.Period, event: e})
	}
	log.Ctx(ctx).DebugContext(ctx, "fetched peak events", slog.Int("count", len(events)))

	c.mu.Lock()
	c.cachedEvents = events
	c.lastPeakFetch = now
	c.mu.Unlock()

	return filterByPeriod(events, periodID), nil
}

// shouldRefreshPeaks implements the feed cadence. Callers hold c.mu.
func (c *HQClient) shouldRefreshPeaks(now time.Time) bool {
	// force a refresh at the top of each hour so peak windows flip on time
	if c.lastPeakFetch.Truncate(time.Hour) != now.Truncate(time.Hour) {
		return true
	}
	elapsed := now.Sub(c.lastPeakFetch)
	if activeWindow(now) {
		return elapsed >= 5*time.Minute
	}
	return elapsed >= time.Hour
}

// winterSeason reports whether peak events are published (Dec 1 - Mar 31).
func winterSeason(t time.Time) bool {
	switch t.In(etLocation).Month() {
	case time.December, time.January, time.February, time.March:
		return true
	}
	return false
}

// activeWindow reports whether the feed is inside the hours the provider
// announces next-day peaks (11:00-18:00 ET).
func activeWindow(t time.Time) bool {
	h := t.In(etLocation).Hour()
	return h >= 11 && h < 18
}

// filterByPeriod keeps events belonging to periodID. Events the feed did not
// attribute to a period, or calls with no known period, pass through.
func filterByPeriod(events []periodEvent, periodID string) []types.PeakEvent {
	out := make([]types.PeakEvent, 0, len(events))
	for _, pe := range events {
		if periodID != "" && pe.period != "" && pe.period != periodID {
			continue
		}
		out = append(out, pe.event)
	}
	return out
}
