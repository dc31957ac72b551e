package metadata

import (
	"context"
	"sort"
	"strings"
	"time"
)

// BatchKey identifies a batch by its sorted, deduplicated address set
type BatchKey string

// batchCall is one in-flight batch fetch shared by every caller with the same key
type batchCall struct {
	startedAt time.Time
	done      chan struct{}
	tokens    []TokenMetadata // set before done is closed
}

// newBatchKey builds the key for a set of normalized addresses
func newBatchKey(addresses []string) BatchKey {
	sorted := make([]string, len(addresses))
	copy(sorted, addresses)
	sort.Strings(sorted)
	return BatchKey(strings.Join(sorted, ","))
}

// fetchCoalesced joins a young in-flight batch for the same key or starts a
// new one. Returns nil when ctx ends first; the batch still completes.
func (c *Cache) fetchCoalesced(ctx context.Context, addresses []string) []TokenMetadata {
	key := newBatchKey(addresses)

	c.mu.Lock()
	call, ok := c.batches[key]
	if ok && c.now().Sub(call.startedAt) < c.coalesceWindow {
		c.mu.Unlock()
		c.metrics.CacheBatches.WithLabelValues("joined").Inc()
		c.logger.Debug().
			Int("addresses", len(addresses)).
			Msg("joining pending batch")
	} else {
		call = &batchCall{
			startedAt: c.now(),
			done:      make(chan struct{}),
		}
		c.batches[key] = call
		c.mu.Unlock()

		c.metrics.CacheBatches.WithLabelValues("started").Inc()
		go c.runBatch(context.WithoutCancel(ctx), key, addresses, call)
	}

	select {
	case <-call.done:
		return cloneAll(call.tokens)
	case <-ctx.Done():
		c.logger.Debug().
			Err(ctx.Err()).
			Int("addresses", len(addresses)).
			Msg("caller stopped waiting for batch")
		return nil
	}
}

// runBatch fetches, caches and publishes a batch. A failed fetch resolves to
// an empty result so the caller keeps its cached part.
func (c *Cache) runBatch(ctx context.Context, key BatchKey, addresses []string, call *batchCall) {
	c.logger.Debug().
		Int("addresses", len(addresses)).
		Msg("executing batch")

	tokens, err := c.source.FetchBatch(ctx, addresses)
	if err != nil {
		c.metrics.CacheBatches.WithLabelValues("failed").Inc()
		c.logger.Error().
			Err(err).
			Int("addresses", len(addresses)).
			Msg("batch metadata fetch failed")
		tokens = nil
	}

	tokens = dedupByAddress(tokens)
	c.storeAll(tokens)
	call.tokens = tokens

	c.mu.Lock()
	if c.batches[key] == call {
		delete(c.batches, key)
	}
	c.mu.Unlock()
	close(call.done)

	c.logger.Debug().
		Int("requested", len(addresses)).
		Int("received", len(tokens)).
		Msg("batch completed")
}

// dedupByAddress keeps the last record per address and drops records without one
func dedupByAddress(tokens []TokenMetadata) []TokenMetadata {
	if len(tokens) == 0 {
		return nil
	}

	index := make(map[string]int, len(tokens))
	out := make([]TokenMetadata, 0, len(tokens))
	for _, t := range tokens {
		key := NormalizeAddress(t.Address)
		if key == "" {
			continue
		}
		if i, ok := index[key]; ok {
			out[i] = t
			continue
		}
		index[key] = len(out)
		out = append(out, t)
	}
	return out
}
