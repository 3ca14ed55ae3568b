// Package config loads service configuration from the environment and
// optionally keeps the cross-chain portion in sync with an etcd key.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Getenv returns the value of key or fallback when unset.
func Getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// GetenvUint32 parses key as a uint32, falling back when unset or bad.
func GetenvUint32(key string, fallback uint32) uint32 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		log.Printf("bad %s=%q, using %d: %v", key, v, fallback, err)
		return fallback
	}
	return uint32(n)
}

// CrossChain is the dynamically updatable slice of configuration:
// which transport to speak, which domain this endpoint lives on, and
// (for gateways) the hub endpoint to address deposits to.
type CrossChain struct {
	Transport   string `json:"transport"`
	Domain      uint32 `json:"domain"`
	Destination string `json:"destination,omitempty"`
	DestDomain  uint32 `json:"dest_domain,omitempty"`
}

// Watcher follows an etcd key holding a CrossChain document and
// applies each revision through the same idempotent update path the
// admin API uses.
type Watcher struct {
	client *clientv3.Client
	key    string
}

// NewWatcher dials etcd. Endpoints is a comma-separated list.
func NewWatcher(endpoints, key string) (*Watcher, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   strings.Split(endpoints, ","),
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return &Watcher{client: client, key: key}, nil
}

// Run fetches the current value, then applies every subsequent
// revision until ctx is done. Apply is called with each decoded
// document; decoding failures are logged and skipped so one bad write
// cannot wedge the watcher.
func (w *Watcher) Run(ctx context.Context, apply func(CrossChain)) error {
	resp, err := w.client.Get(ctx, w.key)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", w.key, err)
	}
	for _, kv := range resp.Kvs {
		w.decodeAndApply(kv.Value, apply)
	}

	ch := w.client.Watch(ctx, w.key)
	for watchResp := range ch {
		if err := watchResp.Err(); err != nil {
			return fmt.Errorf("watch on %s failed: %w", w.key, err)
		}
		for _, ev := range watchResp.Events {
			if ev.Type == clientv3.EventTypePut {
				w.decodeAndApply(ev.Kv.Value, apply)
			}
		}
	}
	return ctx.Err()
}

func (w *Watcher) decodeAndApply(raw []byte, apply func(CrossChain)) {
	var cc CrossChain
	if err := json.Unmarshal(raw, &cc); err != nil {
		log.Printf("ignoring malformed cross-chain config at %s: %v", w.key, err)
		return
	}
	apply(cc)
}

func (w *Watcher) Close() error { return w.client.Close() }
