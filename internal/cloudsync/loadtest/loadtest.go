// Package loadtest drives the sync engine with many concurrent writers.
//
// Each simulated agent saves one workspace, a number of sessions inside it
// and a final rename of the workspace, while the coordinator drains the queue
// in the background against an in-memory cloud that fails a share of calls.
// When the writers are done, failures stop and the queue must drain to
// empty with exactly one cloud record per local record.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentdesk/agentdesk/internal/cloudsync/coordinator"
	"github.com/agentdesk/agentdesk/internal/cloudsync/db"
	"github.com/agentdesk/agentdesk/internal/cloudsync/schema"
	"github.com/agentdesk/agentdesk/internal/cloudsync/transport"
)

// errInjected is the failure returned by the cloud for sampled calls.
var errInjected = errors.New("injected failure")

// Options configure a load test run.
type Options struct {
	Agents           int           // concurrent writers
	SessionsPerAgent int           // sessions each writer saves
	FailureRate      float64       // share of cloud writes that fail, 0 to 1
	Seed             int64         // seed for failure sampling
	Timeout          time.Duration // bound on the whole run
	Logger           *log.Logger   // coordinator logger; nil discards
}

// DefaultOptions returns a small run with 10% injected failures.
func DefaultOptions() Options {
	return Options{
		Agents:           20,
		SessionsPerAgent: 5,
		FailureRate:      0.1,
		Seed:             42,
		Timeout:          time.Minute,
	}
}

// LatencyStats summarizes a set of durations.
type LatencyStats struct {
	Min   time.Duration
	Max   time.Duration
	Mean  time.Duration
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
	Count int
}

// Result is the outcome of a run.
type Result struct {
	Saves            LatencyStats
	Workspaces       int // cloud workspace records
	Sessions         int // cloud session records
	InjectedFailures int64
	WriteTime        time.Duration // until every writer finished
	SettleTime       time.Duration // from the last write until the queue was empty
}

// Run executes a load test against store, which must have its schema
// initialized and should be empty.
func Run(ctx context.Context, store *db.DB, opts Options) (*Result, error) {
	if opts.Agents <= 0 || opts.SessionsPerAgent < 0 {
		return nil, fmt.Errorf("agents must be positive and sessions must not be negative")
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cloud := transport.NewMemoryCloud()
	var injected atomic.Int64
	var rngMu sync.Mutex
	rng := rand.New(rand.NewSource(opts.Seed))
	cloud.SetFailFunc(func(op string, t schema.EntityType, id string) error {
		if op != "create" && op != "update" {
			return nil
		}
		rngMu.Lock()
		fail := rng.Float64() < opts.FailureRate
		rngMu.Unlock()
		if fail {
			injected.Add(1)
			return errInjected
		}
		return nil
	})

	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	config := coordinator.DefaultConfig()
	config.ReconnectDebounce = 0
	config.PullInterval = 0
	config.AutoDrain = true
	config.FullSyncOnSignIn = false
	config.Logger = logger

	coord, err := coordinator.NewWithConfig(store, cloud, config)
	if err != nil {
		return nil, err
	}
	id := transport.Identity{UserID: "loadtest", Token: "loadtest"}
	if err := coord.SignIn(ctx, id); err != nil {
		return nil, fmt.Errorf("failed to sign in: %w", err)
	}

	start := time.Now()
	var wg sync.WaitGroup
	resultsChan := make(chan []time.Duration, opts.Agents)
	errorsChan := make(chan error, opts.Agents)

	for i := 0; i < opts.Agents; i++ {
		wg.Add(1)
		go func(agent int) {
			defer wg.Done()
			durations, err := runAgent(ctx, coord, agent, opts.SessionsPerAgent)
			if err != nil {
				errorsChan <- fmt.Errorf("agent %d: %w", agent, err)
				return
			}
			resultsChan <- durations
		}(i)
	}
	wg.Wait()
	close(resultsChan)
	close(errorsChan)

	if err := <-errorsChan; err != nil {
		return nil, err
	}
	var all []time.Duration
	for durations := range resultsChan {
		all = append(all, durations...)
	}

	res := &Result{
		Saves:     computeLatencyStats(all),
		WriteTime: time.Since(start),
	}

	cloud.SetFailFunc(nil)
	settleStart := time.Now()
	if err := settle(ctx, coord, store); err != nil {
		return nil, err
	}
	res.SettleTime = time.Since(settleStart)
	res.InjectedFailures = injected.Load()
	res.Workspaces = cloud.Count(id, schema.EntityWorkspace)
	res.Sessions = cloud.Count(id, schema.EntitySession)

	if err := verify(ctx, store, res, opts); err != nil {
		return res, err
	}
	return res, nil
}

// runAgent saves a workspace, its sessions and a rename, timing each save.
func runAgent(ctx context.Context, coord *coordinator.Coordinator, agent, sessions int) ([]time.Duration, error) {
	durations := make([]time.Duration, 0, sessions+2)
	save := func(rec schema.Record) error {
		begin := time.Now()
		err := coord.SaveRecord(ctx, rec)
		durations = append(durations, time.Since(begin))
		return err
	}

	ws := &schema.Workspace{
		Name:   fmt.Sprintf("repo-%03d", agent),
		Folder: fmt.Sprintf("/src/repo-%03d", agent),
	}
	if err := save(ws); err != nil {
		return nil, err
	}
	for j := 0; j < sessions; j++ {
		s := &schema.Session{
			Name:             fmt.Sprintf("task-%03d-%02d", agent, j),
			Cwd:              fmt.Sprintf("/src/repo-%03d/.worktrees/task-%02d", agent, j),
			WorkspaceLocalID: ws.LocalID,
		}
		if err := save(s); err != nil {
			return nil, err
		}
	}
	ws.Name += "-renamed"
	if err := save(ws); err != nil {
		return nil, err
	}
	return durations, nil
}

// settle triggers drains until the queue is empty and no pass is running.
func settle(ctx context.Context, coord *coordinator.Coordinator, store *db.DB) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		coord.TriggerSync(ctx)
		n, err := store.QueueCount(ctx)
		if err != nil {
			return err
		}
		if n == 0 && coord.State().Status != coordinator.StatusSyncing {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("queue did not drain (%d left): %w", n, ctx.Err())
		case <-ticker.C:
		}
	}
}

// verify checks that every local record reached the cloud exactly once.
func verify(ctx context.Context, store *db.DB, res *Result, opts Options) error {
	wantSessions := opts.Agents * opts.SessionsPerAgent
	if res.Workspaces != opts.Agents {
		return fmt.Errorf("cloud has %d workspaces, want %d", res.Workspaces, opts.Agents)
	}
	if res.Sessions != wantSessions {
		return fmt.Errorf("cloud has %d sessions, want %d", res.Sessions, wantSessions)
	}
	for t, want := range map[schema.EntityType]int{
		schema.EntityWorkspace: opts.Agents,
		schema.EntitySession:   wantSessions,
	} {
		n, err := store.MappingCount(ctx, t)
		if err != nil {
			return err
		}
		if n != want {
			return fmt.Errorf("%d %s mappings, want %d", n, t, want)
		}
	}
	return nil
}

func computeLatencyStats(durations []time.Duration) LatencyStats {
	if len(durations) == 0 {
		return LatencyStats{}
	}
	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	return LatencyStats{
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(sorted)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
		Count: len(sorted),
	}
}

// Print writes a human readable summary of the result.
func (r *Result) Print(w io.Writer) {
	fmt.Fprintf(w, "Saves:             %d\n", r.Saves.Count)
	fmt.Fprintf(w, "  Min:             %v\n", r.Saves.Min)
	fmt.Fprintf(w, "  P50 (Median):    %v\n", r.Saves.P50)
	fmt.Fprintf(w, "  Mean:            %v\n", r.Saves.Mean)
	fmt.Fprintf(w, "  P95:             %v\n", r.Saves.P95)
	fmt.Fprintf(w, "  P99:             %v\n", r.Saves.P99)
	fmt.Fprintf(w, "  Max:             %v\n", r.Saves.Max)
	fmt.Fprintf(w, "Injected failures: %d\n", r.InjectedFailures)
	fmt.Fprintf(w, "Cloud workspaces:  %d\n", r.Workspaces)
	fmt.Fprintf(w, "Cloud sessions:    %d\n", r.Sessions)
	fmt.Fprintf(w, "Write time:        %v\n", r.WriteTime.Round(time.Millisecond))
	fmt.Fprintf(w, "Settle time:       %v\n", r.SettleTime.Round(time.Millisecond))
}
