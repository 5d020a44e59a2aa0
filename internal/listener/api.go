package listener

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/tjfontaine/provisioning-gateway/internal/core/domain"
	"github.com/tjfontaine/provisioning-gateway/internal/dotpath"
	"github.com/tjfontaine/provisioning-gateway/internal/fetch"
)

// APIListener polls an endpoint and dispatches records that are new or
// changed since the last successful dispatch. Only records present in the
// latest poll are remembered.
type APIListener struct {
	base
	client   *fetch.Client
	callback func(port string) string

	mu   sync.Mutex
	seen map[string]string // record key -> content hash
}

// NewAPIListener creates a poller for stage.
func NewAPIListener(stage *domain.StageDescriptor, client *fetch.Client, callback func(port string) string, deps Deps) *APIListener {
	if callback == nil {
		callback = func(port string) string { return "http://localhost:" + port }
	}
	return &APIListener{
		base:     newBase(stage, deps),
		client:   client,
		callback: callback,
		seen:     make(map[string]string),
	}
}

// Run polls until ctx is done. Poll failures are logged and retried on the
// next tick.
func (l *APIListener) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.stage.Listener.Interval)
	defer ticker.Stop()

	for {
		if _, err := l.Poll(ctx); err != nil && ctx.Err() == nil {
			l.fail(ctx, err)
			l.observe("poll_failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Poll fetches the endpoint once and returns the number of records
// dispatched.
func (l *APIListener) Poll(ctx context.Context) (int, error) {
	resp, err := l.client.Do(ctx, fetch.Request{
		URL:             l.stage.URL,
		Method:          l.stage.Method,
		Headers:         l.stage.Headers,
		Auth:            l.stage.Auth,
		Body:            l.stage.Body,
		RetryCount:      l.stage.RetryCount,
		RetryDelay:      l.stage.RetryDelay,
		BlockOnError:    true,
		CallbackBaseURL: l.callback(l.stage.Port),
	})
	if err != nil {
		return 0, err
	}

	records := l.records(resp)
	present := make(map[string]struct{}, len(records))
	dispatched := 0
	for i, rec := range records {
		if ctx.Err() != nil {
			return dispatched, ctx.Err()
		}
		key, hash, err := l.fingerprint(i, rec)
		if err != nil {
			l.logger.Warn("skipping unhashable record", slog.String("error", err.Error()))
			continue
		}
		present[key] = struct{}{}
		if l.unchanged(key, hash) {
			continue
		}
		if l.handle(ctx, rec) {
			l.remember(key, hash)
			dispatched++
		}
	}
	l.prune(present)
	l.logger.Debug("poll complete",
		slog.Int("records", len(records)),
		slog.Int("dispatched", dispatched),
	)
	return dispatched, nil
}

// records extracts the record list from a response: a JSON array, an array
// under the data field, or a single object.
func (l *APIListener) records(resp any) []map[string]any {
	var list []any
	switch t := resp.(type) {
	case []any:
		list = t
	case map[string]any:
		if f := l.stage.Listener.DataField; f != "" {
			if v, ok := dotpath.Get(t, f); ok {
				if arr, ok := v.([]any); ok {
					list = arr
					break
				}
			}
		}
		list = []any{t}
	}

	out := make([]map[string]any, 0, len(list))
	for _, el := range list {
		if m, ok := el.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func (l *APIListener) fingerprint(index int, rec map[string]any) (string, string, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return "", "", fmt.Errorf("hash record: %w", err)
	}
	sum := sha256.Sum256(b)
	hash := hex.EncodeToString(sum[:])

	key := "#" + strconv.Itoa(index)
	if id, ok := dotpath.Get(rec, l.stage.Listener.IDField); ok && id != nil {
		key = fmt.Sprint(id)
	}
	return key, hash, nil
}

func (l *APIListener) unchanged(key, hash string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seen[key] == hash
}

func (l *APIListener) remember(key, hash string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen[key] = hash
}

// prune forgets records that are no longer in the feed.
func (l *APIListener) prune(present map[string]struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key := range l.seen {
		if _, ok := present[key]; !ok {
			delete(l.seen, key)
		}
	}
}

// Remembered returns the number of records tracked for change detection.
func (l *APIListener) Remembered() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}
