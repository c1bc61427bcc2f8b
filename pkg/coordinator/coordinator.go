// Package coordinator polls the provider on a fixed cadence and publishes
// immutable snapshots plus the sensor values derived from them.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/peaksync/peaksync/pkg/attrpath"
	"github.com/peaksync/peaksync/pkg/credit"
	"github.com/peaksync/peaksync/pkg/derive"
	"github.com/peaksync/peaksync/pkg/hydro"
	"github.com/peaksync/peaksync/pkg/log"
	"github.com/peaksync/peaksync/pkg/rateplan"
	"github.com/peaksync/peaksync/pkg/storage"
	"github.com/peaksync/peaksync/pkg/types"
)

// periodIDPath locates the billing period identifier inside the merged
// snapshot data.
var periodIDPath = attrpath.MustCompile("contract.current_period.id")

// Coordinator owns the poll loop. It fetches the account document, the
// contract document and the peak event feed, merges them into a versioned
// snapshot and runs the sensor derivation pass. A sub-fetch failure carries
// the previous snapshot's data forward and marks the snapshot partial; only
// a poll where every source fails publishes nothing.
type Coordinator struct {
	client hydro.Client
	db     storage.Database

	ratePlan          types.RatePlan
	contractID        string
	pollInterval      time.Duration
	pollDeadline      time.Duration
	degradedThreshold int
	preheat           time.Duration

	registry *rateplan.Registry
	calc     *credit.Calculator
	deriver  *derive.Deriver

	mu          sync.Mutex
	snapshot    *types.Snapshot
	values      map[string]types.SensorValue
	warnings    []types.Warning
	version     int64
	failures    int
	subscribers []chan *types.Snapshot

	// now is swapped in tests
	now func() time.Time
}

// Configured sets up the Coordinator with its dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(client hydro.Client, db storage.Database) *Coordinator {
	c := &Coordinator{
		client: client,
		db:     db,
		now:    time.Now,
	}

	ratePlan := lflag.RequiredString("rate-plan", "Rate plan of the contract (available: D, DCPC, DT, DPC, M, MGDP)")
	contractID := lflag.RequiredString("contract-id", "Provider contract identifier to sync")
	pollInterval := lflag.Duration("poll-interval", time.Minute, "Interval between provider polls")
	pollDeadline := lflag.Duration("poll-deadline", 30*time.Second, "Deadline for a single poll across all sources")
	degradedThreshold := lflag.String("degraded-threshold", "5", "Consecutive fully-failed polls before the coordinator reports degraded")
	preheat := lflag.Duration("preheat-duration", 2*time.Hour, "Lead time before a peak during which pre-heat is signaled")

	lflag.Do(func() {
		plan, err := types.ParseRatePlan(*ratePlan)
		if err != nil {
			panic(fmt.Sprintf("invalid rate-plan: %v", err))
		}
		c.ratePlan = plan
		c.contractID = *contractID
		c.pollInterval = *pollInterval
		c.pollDeadline = *pollDeadline
		threshold, err := strconv.Atoi(*degradedThreshold)
		if err != nil || threshold < 1 {
			panic(fmt.Sprintf("invalid degraded-threshold: %s", *degradedThreshold))
		}
		c.degradedThreshold = threshold
		c.preheat = *preheat

		registry, err := rateplan.NewRegistry()
		if err != nil {
			panic(fmt.Sprintf("failed to build sensor registry: %v", err))
		}
		c.registry = registry
	})

	return c
}

// RatePlan returns the configured rate plan.
func (c *Coordinator) RatePlan() types.RatePlan {
	return c.ratePlan
}

// ContractID returns the configured contract identifier.
func (c *Coordinator) ContractID() string {
	return c.contractID
}

// Run polls on the configured interval until the context is canceled. The
// first poll happens immediately so sensors come up without waiting a full
// interval.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.init(ctx); err != nil {
		return err
	}

	c.poll(ctx)

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Ctx(ctx).InfoContext(ctx, "coordinator shutting down")
			return nil
		case <-ticker.C:
			c.poll(ctx)
		}
	}
}

// init restores persisted credit state and builds the derivation pipeline.
// A storage read failure is tolerated; the calculator starts from zero and
// catches up from the feed.
func (c *Coordinator) init(ctx context.Context) error {
	if c.registry == nil {
		return fmt.Errorf("coordinator not configured")
	}

	var state types.CreditState
	if c.db != nil {
		var err error
		state, err = c.db.GetCreditState(ctx, c.contractID)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to restore credit state, starting from zero",
				slog.String("contractID", c.contractID),
				slog.Any("error", err),
			)
			state = types.CreditState{}
		}
	}

	c.calc = credit.New(state, credit.RatesFor(c.ratePlan))
	c.deriver = derive.New(c.registry, c.calc, c.preheat)
	return nil
}

// fetchResult carries one source's outcome back from its goroutine.
type fetchResult struct {
	doc    map[string]any
	events []types.PeakEvent
	err    error
}

// poll fetches all sources concurrently, merges the results into the next
// snapshot and re-derives sensors. It never returns an error; failures are
// absorbed into the partial/degraded state.
func (c *Coordinator) poll(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, c.pollDeadline)
	defer cancel()

	prev := c.Snapshot()
	var prevPeriodID string
	if prev != nil {
		prevPeriodID = prev.PeriodID
	}

	var account, contract, peaks fetchResult
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		account.doc, account.err = c.client.FetchAccount(ctx)
	}()
	go func() {
		defer wg.Done()
		contract.doc, contract.err = c.client.FetchContract(ctx)
	}()
	go func() {
		defer wg.Done()
		peaks.events, peaks.err = c.client.FetchPeakEvents(ctx, prevPeriodID)
	}()
	wg.Wait()

	failed := 0
	for name, res := range map[string]fetchResult{
		"account":     account,
		"contract":    contract,
		"peak_events": peaks,
	} {
		if res.err != nil {
			failed++
			log.Ctx(ctx).WarnContext(ctx, "source fetch failed",
				slog.String("source", name),
				slog.Any("error", res.err),
			)
		}
	}

	if failed == 3 {
		c.mu.Lock()
		c.failures++
		failures := c.failures
		c.mu.Unlock()
		if failures == c.degradedThreshold {
			log.Ctx(ctx).ErrorContext(ctx, "all sources failing, coordinator degraded",
				slog.Int("consecutiveFailures", failures),
			)
		}
		return
	}

	snap := c.merge(prev, account, contract, peaks)
	values, warnings, err := c.deriver.Derive(ctx, snap, c.ratePlan)
	if err != nil {
		// only an unknown plan reaches here and that is rejected at setup
		log.Ctx(ctx).ErrorContext(ctx, "sensor derivation failed", slog.Any("error", err))
		return
	}

	c.publish(ctx, snap, values, warnings)
	c.persist(ctx, snap, values, warnings)
}

// merge builds the next snapshot, carrying forward the previous snapshot's
// data for any source that failed this poll.
func (c *Coordinator) merge(prev *types.Snapshot, account, contract, peaks fetchResult) *types.Snapshot {
	data := map[string]any{}
	var events []types.PeakEvent
	if prev != nil {
		for k, v := range prev.Data {
			data[k] = v
		}
		events = prev.PeakEvents
	}

	if account.err == nil {
		data["account"] = account.doc
	}
	if contract.err == nil {
		data["contract"] = contract.doc
	}
	if peaks.err == nil {
		events = peaks.events
	}

	periodID := ""
	if prev != nil {
		periodID = prev.PeriodID
	}
	if raw, ok := periodIDPath.Resolve(data); ok {
		if s, ok := raw.(string); ok {
			periodID = s
		}
	}

	return &types.Snapshot{
		FetchedAt:  c.now(),
		Partial:    account.err != nil || contract.err != nil || peaks.err != nil,
		Data:       data,
		PeakEvents: events,
		PeriodID:   periodID,
	}
}

// publish assigns the next version, atomically swaps the current snapshot and
// values and notifies subscribers. Subscriber channels hold the latest
// snapshot only; a slow subscriber gets the newest one, never a backlog.
func (c *Coordinator) publish(ctx context.Context, snap *types.Snapshot, values map[string]types.SensorValue, warnings []types.Warning) {
	c.mu.Lock()
	c.version++
	snap.Version = c.version
	c.snapshot = snap
	c.values = values
	c.warnings = warnings
	c.failures = 0
	subs := c.subscribers
	c.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}

	log.Ctx(ctx).DebugContext(ctx, "published snapshot",
		slog.Int64("version", snap.Version),
		slog.Bool("partial", snap.Partial),
		slog.String("periodID", snap.PeriodID),
		slog.Int("warnings", len(warnings)),
	)
}

// persist saves the credit state and a derivation record. Both writes are
// best effort; a storage failure never blocks the next poll.
func (c *Coordinator) persist(ctx context.Context, snap *types.Snapshot, values map[string]types.SensorValue, warnings []types.Warning) {
	if c.db == nil {
		return
	}

	if err := c.db.SetCreditState(ctx, c.contractID, c.calc.State()); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to persist credit state",
			slog.String("contractID", c.contractID),
			slog.Any("error", err),
		)
	}

	exported := make(map[string]any, len(values))
	for k, v := range values {
		exported[k] = v.Export()
	}
	rec := types.DerivationRecord{
		Timestamp:       snap.FetchedAt,
		SnapshotVersion: snap.Version,
		Partial:         snap.Partial,
		RatePlan:        c.ratePlan,
		Values:          exported,
		Warnings:        warnings,
	}
	if err := c.db.InsertDerivation(ctx, c.contractID, rec); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to persist derivation record",
			slog.String("contractID", c.contractID),
			slog.Any("error", err),
		)
	}
}

// Snapshot returns the latest published snapshot, or nil before the first
// successful poll. The snapshot is immutable; callers must not modify it.
func (c *Coordinator) Snapshot() *types.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// SensorValues returns the sensor values and warnings from the latest
// derivation pass.
func (c *Coordinator) SensorValues() (map[string]types.SensorValue, []types.Warning) {
	c.mu.Lock()
	defer c.mu.Unlock()
	values := make(map[string]types.SensorValue, len(c.values))
	for k, v := range c.values {
		values[k] = v
	}
	return values, c.warnings
}

// Subscribe returns a channel that receives each published snapshot. The
// channel is never closed and only ever holds the most recent snapshot.
func (c *Coordinator) Subscribe() <-chan *types.Snapshot {
	ch := make(chan *types.Snapshot, 1)
	c.mu.Lock()
	c.subscribers = append(c.subscribers, ch)
	snap := c.snapshot
	c.mu.Unlock()
	if snap != nil {
		ch <- snap
	}
	return ch
}

// Degraded reports whether the configured number of consecutive polls have
// failed across every source.
func (c *Coordinator) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degradedThreshold > 0 && c.failures >= c.degradedThreshold
}
