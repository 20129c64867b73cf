package markov

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

const meterName = "otogi-markov/modules/markov"

// cacheMetrics holds the cache instruments. Every instrument is safe for
// concurrent use and cheap on a noop meter.
type cacheMetrics struct {
	loads               metric.Int64Counter
	loadFailures        metric.Int64Counter
	corruptBlobs        metric.Int64Counter
	evictions           metric.Int64Counter
	persistFailures     metric.Int64Counter
	generationExhausted metric.Int64Counter
	resident            metric.Int64UpDownCounter
}

func newCacheMetrics(meter metric.Meter) (*cacheMetrics, error) {
	var (
		metrics cacheMetrics
		err     error
	)

	counters := []struct {
		target      *metric.Int64Counter
		name        string
		description string
	}{
		{&metrics.loads, "markov.cache.loads", "Conversation entries loaded from the blob store"},
		{&metrics.loadFailures, "markov.cache.load_failures", "Loads abandoned after the retry budget ran out"},
		{&metrics.corruptBlobs, "markov.cache.corrupt_blobs", "Stored payloads that failed to decode and were deleted"},
		{&metrics.evictions, "markov.cache.evictions", "Idle entries removed from memory"},
		{&metrics.persistFailures, "markov.cache.persist_failures", "Failed attempts to persist or delete a stored payload"},
		{&metrics.generationExhausted, "markov.cache.generation_exhausted", "Generate calls that produced only blank output"},
	}
	for _, counter := range counters {
		*counter.target, err = meter.Int64Counter(
			counter.name,
			metric.WithDescription(counter.description),
			metric.WithUnit("{event}"),
		)
		if err != nil {
			return nil, fmt.Errorf("create counter %s: %w", counter.name, err)
		}
	}

	metrics.resident, err = meter.Int64UpDownCounter(
		"markov.cache.resident",
		metric.WithDescription("Conversation entries currently held in memory"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create up-down counter markov.cache.resident: %w", err)
	}

	return &metrics, nil
}
