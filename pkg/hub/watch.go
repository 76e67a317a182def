package hub

import (
	"context"
	"encoding/json"

	"github.com/cuemby/colony/pkg/types"
)

const watchBuffer = 128

// WatchStream delivers one job's output stream to a subscriber:
// persisted items are replayed from the head, then the live tail
// follows. Each subscriber observes a strictly increasing prefix of the
// publisher's sequence. The channel closes after the end marker, when
// the job reports its result, or when ctx is done. A subscriber that
// falls more than watchBuffer items behind is cut off rather than
// reordered.
func (h *Hub) WatchStream(ctx context.Context, jobID string) (<-chan *types.StreamItem, error) {
	if _, err := h.jobs.Get(ctx, jobID); err != nil {
		return nil, err
	}

	// Register before replaying so nothing published in between is
	// missed; overlap is deduplicated by sequence below.
	live := make(chan *types.StreamItem, watchBuffer)
	h.watchMu.Lock()
	h.watchers[jobID] = append(h.watchers[jobID], live)
	h.watchMu.Unlock()

	out := make(chan *types.StreamItem, watchBuffer)
	go func() {
		defer close(out)
		defer h.unwatch(jobID, live)

		next := uint64(0)
		deliver := func(item *types.StreamItem) bool {
			if item.Sequence < next {
				return true // already seen during replay
			}
			select {
			case out <- item:
			case <-ctx.Done():
				return false
			}
			next = item.Sequence + 1
			return !item.End
		}

		evs, err := h.eventLog.StreamEvents(ctx, "output/"+jobID)
		if err != nil {
			return
		}
		for _, ev := range evs {
			var item types.StreamItem
			if json.Unmarshal(ev.Payload, &item) != nil {
				continue
			}
			if !deliver(&item) {
				return
			}
		}

		for {
			select {
			case item, ok := <-live:
				if !ok {
					return
				}
				if !deliver(item) {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// StreamHistory returns the persisted output items of a job in order
func (h *Hub) StreamHistory(ctx context.Context, jobID string) ([]*types.StreamItem, error) {
	if _, err := h.jobs.Get(ctx, jobID); err != nil {
		return nil, err
	}
	evs, err := h.eventLog.StreamEvents(ctx, "output/"+jobID)
	if err != nil {
		return nil, err
	}
	items := make([]*types.StreamItem, 0, len(evs))
	for _, ev := range evs {
		var item types.StreamItem
		if err := json.Unmarshal(ev.Payload, &item); err != nil {
			continue
		}
		items = append(items, &item)
	}
	return items, nil
}

// fanout pushes a freshly persisted item to every watcher. A watcher
// whose buffer is full is closed: skipping an item would break the
// in-order prefix guarantee.
func (h *Hub) fanout(item *types.StreamItem) {
	h.watchMu.Lock()
	defer h.watchMu.Unlock()

	chans := h.watchers[item.JobID]
	if len(chans) == 0 {
		return
	}
	keep := chans[:0]
	for _, ch := range chans {
		select {
		case ch <- item:
			keep = append(keep, ch)
		default:
			close(ch)
			h.logger.Warn().Str("job_id", item.JobID).Msg("stream watcher too slow, closed")
		}
	}
	if len(keep) == 0 {
		delete(h.watchers, item.JobID)
	} else {
		h.watchers[item.JobID] = keep
	}
}

// closeWatchers ends every subscription for a job
func (h *Hub) closeWatchers(jobID string) {
	h.watchMu.Lock()
	for _, ch := range h.watchers[jobID] {
		close(ch)
	}
	delete(h.watchers, jobID)
	h.watchMu.Unlock()
}

func (h *Hub) unwatch(jobID string, live chan *types.StreamItem) {
	h.watchMu.Lock()
	defer h.watchMu.Unlock()

	chans := h.watchers[jobID]
	for i, ch := range chans {
		if ch == live {
			h.watchers[jobID] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(h.watchers[jobID]) == 0 {
		delete(h.watchers, jobID)
	}
}
