package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strings"
	"sync/atomic"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	contextstore "github.com/wolfeidau/context-store"
	"github.com/wolfeidau/context-store/envelope"
	"github.com/wolfeidau/context-store/refstore"
	"github.com/wolfeidau/context-store/telemetry"
	"golang.org/x/sync/errgroup"
)

// WorkloadFlags configure the synthetic workload.
type WorkloadFlags struct {
	Agents     int           `help:"Concurrent agents." default:"8"`
	Rounds     int           `help:"Rounds per agent." default:"50"`
	SharedDocs int           `help:"Documents every agent loads, exercising dedup." default:"4"`
	BlobSize   int           `help:"Size in bytes of each shared document's attachment." default:"2097152"`
	ToolTTL    time.Duration `help:"TTL of per-round tool outputs (0 for none)." default:"30s"`
	Seed       uint64        `help:"Random seed." default:"1"`
}

func (f WorkloadFlags) workload(logger *slog.Logger) *Workload {
	return &Workload{
		Agents:     f.Agents,
		Rounds:     f.Rounds,
		SharedDocs: f.SharedDocs,
		BlobSize:   f.BlobSize,
		ToolTTL:    f.ToolTTL,
		Seed:       f.Seed,
		Logger:     logger,
	}
}

// Workload simulates agents that share a set of large documents and each
// produce private tool outputs, reading back earlier context as they go.
type Workload struct {
	Agents     int
	Rounds     int
	SharedDocs int
	BlobSize   int
	ToolTTL    time.Duration
	Seed       uint64
	Logger     *slog.Logger
}

// Report summarizes one workload run.
type Report struct {
	Agents         int
	Stores         int64
	Retrieves      int64
	Misses         int64
	CapacityErrors int64
	Duration       time.Duration
}

func (r Report) attrs() []any {
	return []any{
		"agents", r.Agents,
		"stores", r.Stores,
		"retrieves", r.Retrieves,
		"misses", r.Misses,
		"capacity_errors", r.CapacityErrors,
		"duration", r.Duration,
	}
}

type counts struct {
	stores, retrieves, misses, capacity atomic.Int64
}

// Run drives every agent concurrently and waits for them. Capacity errors and
// misses are expected under a bounded store and are counted, not returned.
func (w *Workload) Run(ctx context.Context, s *refstore.Store) (Report, error) {
	if w.Agents <= 0 || w.Rounds <= 0 {
		return Report{}, errors.New("agents and rounds must be positive")
	}
	start := time.Now()

	docs := make([]envelope.Content, max(w.SharedDocs, 0))
	for i := range docs {
		docs[i] = w.sharedDoc(i)
	}

	var c counts
	g, ctx := errgroup.WithContext(ctx)
	for a := range w.Agents {
		g.Go(func() error {
			return w.agent(ctx, s, a, docs, &c)
		})
	}
	err := g.Wait()

	report := Report{
		Agents:         w.Agents,
		Stores:         c.stores.Load(),
		Retrieves:      c.retrieves.Load(),
		Misses:         c.misses.Load(),
		CapacityErrors: c.capacity.Load(),
		Duration:       time.Since(start),
	}
	return report, err
}

func (w *Workload) agent(ctx context.Context, s *refstore.Store, n int, docs []envelope.Content, c *counts) error {
	session := uuid.NewString()
	ctx = telemetry.WithAgentContext(ctx, fmt.Sprintf("agent-%d", n))
	rng := rand.New(rand.NewPCG(w.Seed, uint64(n)))
	state := refstore.NewState(s)
	logger := w.Logger.With("agent", n, "session", session)

	for round := range w.Rounds {
		if err := ctx.Err(); err != nil {
			return err
		}

		if len(docs) > 0 {
			key := fmt.Sprintf("doc-%d", round%len(docs))
			if err := w.add(ctx, state, key, docs[round%len(docs)], refstore.Metadata{Priority: 10}, c); err != nil {
				return err
			}
		}

		tool := envelope.New(
			envelope.Text(fmt.Sprintf("session %s round %d tool output", session, round)),
			envelope.Structured(map[string]any{"agent": n, "round": round, "score": rng.Float64()}),
		)
		md := refstore.Metadata{TTL: w.ToolTTL, Tags: map[string]string{"session": session}}
		if err := w.add(ctx, state, fmt.Sprintf("tool-%d", round), tool, md, c); err != nil {
			return err
		}

		keys := state.Keys()
		if len(keys) > 0 {
			key := keys[rng.IntN(len(keys))]
			c.retrieves.Add(1)
			if _, err := state.GetContext(ctx, key); err != nil {
				if !errors.Is(err, contextstore.ErrNotFound) {
					return err
				}
				c.misses.Add(1)
				logger.Debug("context no longer resident", "key", key)
			}
		}

		if round%10 == 9 {
			var ids []contextstore.Hash
			for _, k := range keys {
				if strings.HasPrefix(k, "doc-") {
					if id, ok := state.Ref(k); ok {
						ids = append(ids, id)
					}
				}
			}
			s.Warm(ctx, ids)
		}
		if round >= 5 {
			old := fmt.Sprintf("tool-%d", round-5)
			if slices.Contains(keys, old) {
				if err := state.Remove(ctx, old, rng.IntN(2) == 0); err != nil && !errors.Is(err, contextstore.ErrNotFound) {
					return err
				}
			}
		}
	}
	return nil
}

func (w *Workload) add(ctx context.Context, state *refstore.State, key string, content envelope.Content, md refstore.Metadata, c *counts) error {
	_, err := state.AddLargeContext(ctx, key, content, md)
	switch {
	case err == nil:
		c.stores.Add(1)
		return nil
	case errors.Is(err, contextstore.ErrCapacity):
		c.capacity.Add(1)
		return nil
	default:
		return err
	}
}

// sharedDoc builds document i deterministically so every agent produces the
// same content and the same blob.
func (w *Workload) sharedDoc(i int) envelope.Content {
	rng := rand.New(rand.NewPCG(w.Seed, uint64(1000+i)))
	blob := make([]byte, max(w.BlobSize, 0))
	for j := range blob {
		blob[j] = byte(rng.UintN(256))
	}
	return envelope.New(
		envelope.Text(fmt.Sprintf("reference document %d", i)),
		envelope.Structured(map[string]any{"doc": i, "pages": 1 + i%7}),
		envelope.Binary(blob, "application/pdf"),
	)
}

func printSummary(out io.Writer, r Report, st refstore.Stats) {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	rows := [][2]any{
		{"agents", r.Agents},
		{"duration", r.Duration.Round(time.Millisecond)},
		{"stores", r.Stores},
		{"retrieves", r.Retrieves},
		{"workload misses", r.Misses},
		{"capacity errors", r.CapacityErrors},
		{"records", st.TotalRecords},
		{"blobs", st.TotalBlobs},
		{"record bytes", st.RecordBytes},
		{"memory bytes", st.TotalBytesMemory},
		{"disk bytes", st.TotalBytesDisk},
		{"hits", st.Hits},
		{"misses", st.Misses},
		{"inserts", st.Inserts},
		{"dedup hits", st.DedupHits},
		{"blob dedup hits", st.BlobDedupHits},
		{"deletes", st.Deletes},
		{"evicted (capacity)", st.EvictionsByCause[refstore.CauseCapacity]},
		{"evicted (ttl)", st.EvictionsByCause[refstore.CauseTTL]},
		{"evicted (memory pressure)", st.EvictionsByCause[refstore.CauseMemoryPressure]},
		{"janitor runs", st.JanitorRuns},
		{"janitor errors", st.JanitorErrors},
	}
	for _, row := range rows {
		fmt.Fprintf(tw, "%v\t%v\n", row[0], row[1])
	}
	if st.LastJanitorError != "" {
		fmt.Fprintf(tw, "last janitor error\t%s\n", st.LastJanitorError)
	}
	_ = tw.Flush()
}
