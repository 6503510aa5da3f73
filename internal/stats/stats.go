// Package stats is the statistics aggregator: it periodically reduces
// raw relay history into per-(period, signal, source, target) rollup
// buckets, and answers grouped aggregate queries over them.
package stats

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/synapse-relay/node/internal/metrics"
	"github.com/synapse-relay/node/internal/model"
	"github.com/synapse-relay/node/internal/store"
)

const recordsPerTickCap = 10000

// Store is the subset of *store.Store the aggregator needs.
type Store interface {
	ListRelayRecordsSince(ctx context.Context, sinceMs int64, limit int) ([]model.RelayRecord, error)
	UpsertStatsBucket(ctx context.Context, b model.RelayStatsBucket) error
	QueryStats(ctx context.Context, q store.StatsQuery) ([]model.RelayStatsBucket, error)
}

// Aggregator computes and serves rollups. Rollup calls are
// single-flighted so at most one tick runs at a time even if the host
// also triggers a forced rollup concurrently with the ticker.
type Aggregator struct {
	store  Store
	logger *zap.Logger
	group  singleflight.Group
}

// New builds a stats aggregator.
func New(st Store, logger *zap.Logger) *Aggregator {
	return &Aggregator{store: st, logger: logger}
}

type bucketKey struct {
	signalType uint16
	source     string
	target     string
}

type accum struct {
	total, success, failure int64
	latencies               []int64
}

// Rollup computes period_start = floor((now-1h)/1h)*1h, reads every
// relay record since then (capped at 10,000 rows), expands each by
// target, and writes one bucket per unique (signal_type, source,
// target) key for that period.
func (a *Aggregator) Rollup(ctx context.Context) error {
	_, err, _ := a.group.Do("rollup", func() (interface{}, error) {
		return nil, a.rollup(ctx)
	})
	return err
}

func (a *Aggregator) rollup(ctx context.Context) error {
	start := time.Now()
	defer func() { metrics.StatsRollupDuration.Observe(time.Since(start).Seconds()) }()

	hourMs := int64(time.Hour / time.Millisecond)
	now := model.NowMs()
	periodStart := ((now - hourMs) / hourMs) * hourMs

	records, err := a.store.ListRelayRecordsSince(ctx, periodStart, recordsPerTickCap)
	if err != nil {
		return fmt.Errorf("stats: rollup: %w", err)
	}

	buckets := make(map[bucketKey]*accum)
	reachedSet := func(list []string) map[string]bool {
		m := make(map[string]bool, len(list))
		for _, t := range list {
			m[t] = true
		}
		return m
	}

	for _, r := range records {
		reached := reachedSet(r.TargetsReached)
		failed := reachedSet(r.TargetsFailed)

		for _, t := range r.TargetServers {
			key := bucketKey{signalType: r.SignalType, source: r.SourceServer, target: t}
			acc, ok := buckets[key]
			if !ok {
				acc = &accum{}
				buckets[key] = acc
			}
			acc.total++
			if reached[t] {
				acc.success++
			}
			if failed[t] {
				acc.failure++
			}
			if r.LatencyMs > 0 {
				acc.latencies = append(acc.latencies, r.LatencyMs)
			}
		}
	}

	for key, acc := range buckets {
		signalType := key.signalType
		source := key.source
		target := key.target

		bucket := model.RelayStatsBucket{
			PeriodStart:  periodStart,
			SignalType:   &signalType,
			SourceServer: &source,
			TargetServer: &target,
			TotalRelayed: acc.total,
			SuccessCount: acc.success,
			FailureCount: acc.failure,
		}

		if len(acc.latencies) > 0 {
			var sum, max int64
			for _, l := range acc.latencies {
				sum += l
				if l > max {
					max = l
				}
			}
			mean := float64(sum) / float64(len(acc.latencies))
			bucket.AvgLatencyMs = &mean
			bucket.MaxLatencyMs = &max
		}

		if err := a.store.UpsertStatsBucket(ctx, bucket); err != nil {
			a.logger.Error("stats: upsert bucket failed", zap.Error(err))
		}
	}

	a.logger.Info("stats: rollup complete", zap.Int64("period_start", periodStart), zap.Int("buckets", len(buckets)), zap.Int("records", len(records)))
	return nil
}

// GroupBy selects the dimension a query aggregates by.
type GroupBy string

const (
	GroupBySignalType GroupBy = "signal_type"
	GroupBySource     GroupBy = "source"
	GroupByTarget     GroupBy = "target"
	GroupByHour       GroupBy = "hour"
	GroupByDay        GroupBy = "day"
)

// Query describes a get_relay_stats request.
type Query struct {
	Since           int64
	Until           int64
	GroupBy         GroupBy
	IncludeFailures bool
}

// Aggregate is one group's rolled-up numbers.
type Aggregate struct {
	Count       int64   `json:"count"`
	SuccessRate float64 `json:"success_rate"`
	AvgLatency  float64 `json:"avg_latency_ms"`
	Failures    int64   `json:"failures,omitempty"`
}

// Result is get_relay_stats's response shape.
type Result struct {
	TotalRelayed int64                `json:"total_relayed"`
	SuccessRate  float64              `json:"success_rate"`
	AvgLatencyMs float64              `json:"avg_latency_ms"`
	ByGroup      map[string]Aggregate `json:"by_group,omitempty"`
}

// QueryStats answers a grouped aggregate query over stored buckets.
// Per-group (and overall) latency is a sample-weighted mean of bucket
// means (weighted by each bucket's total_relayed), not a true mean of
// per-relay latencies — an accepted approximation given the rollup
// design.
func (a *Aggregator) QueryStats(ctx context.Context, q Query) (*Result, error) {
	since := q.Since
	until := q.Until
	if until == 0 {
		until = model.NowMs()
	}

	buckets, err := a.store.QueryStats(ctx, store.StatsQuery{From: since, To: until})
	if err != nil {
		return nil, fmt.Errorf("stats: query: %w", err)
	}

	type groupAccum struct {
		count, failures int64
		weightedLatency float64
		latencyWeight   int64
	}
	groups := make(map[string]*groupAccum)
	overall := &groupAccum{}

	for _, b := range buckets {
		overall.count += b.TotalRelayed
		overall.failures += b.FailureCount
		if b.AvgLatencyMs != nil {
			overall.weightedLatency += *b.AvgLatencyMs * float64(b.TotalRelayed)
			overall.latencyWeight += b.TotalRelayed
		}

		if q.GroupBy == "" {
			continue
		}
		key := groupKey(q.GroupBy, b)
		g, ok := groups[key]
		if !ok {
			g = &groupAccum{}
			groups[key] = g
		}
		g.count += b.TotalRelayed
		g.failures += b.FailureCount
		if b.AvgLatencyMs != nil {
			g.weightedLatency += *b.AvgLatencyMs * float64(b.TotalRelayed)
			g.latencyWeight += b.TotalRelayed
		}
	}

	res := &Result{
		TotalRelayed: overall.count,
		SuccessRate:  successRate(overall.count, overall.failures),
		AvgLatencyMs: weightedLatency(overall.weightedLatency, overall.latencyWeight),
	}

	if q.GroupBy != "" {
		res.ByGroup = make(map[string]Aggregate, len(groups))
		for key, g := range groups {
			agg := Aggregate{
				Count:       g.count,
				SuccessRate: successRate(g.count, g.failures),
				AvgLatency:  weightedLatency(g.weightedLatency, g.latencyWeight),
			}
			if q.IncludeFailures {
				agg.Failures = g.failures
			}
			res.ByGroup[key] = agg
		}
	}

	return res, nil
}

func successRate(count, failures int64) float64 {
	if count == 0 {
		return 0
	}
	return round2(float64(count-failures) / float64(count) * 100)
}

func weightedLatency(weighted float64, weight int64) float64 {
	if weight == 0 {
		return 0
	}
	return round2(weighted / float64(weight))
}

func groupKey(by GroupBy, b model.RelayStatsBucket) string {
	switch by {
	case GroupBySignalType:
		if b.SignalType != nil {
			return fmt.Sprintf("signal_%d", *b.SignalType)
		}
	case GroupBySource:
		if b.SourceServer != nil {
			return *b.SourceServer
		}
	case GroupByTarget:
		if b.TargetServer != nil {
			return *b.TargetServer
		}
	case GroupByHour:
		return time.UnixMilli(b.PeriodStart).UTC().Format("2006-01-02T15")
	case GroupByDay:
		return time.UnixMilli(b.PeriodStart).UTC().Format("2006-01-02")
	}
	return "all"
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
