// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ttbt-io/wicketkeeper/backend/scoring"
)

// DefaultStream is the Redis stream receiving match updates.
const DefaultStream = "matches.updates"

const publishTimeout = 2 * time.Second

// MatchEvent is one entry of the match update stream.
type MatchEvent struct {
	MatchID  string           `json:"matchId"`
	Status   scoring.Status   `json:"status"`
	Revision string           `json:"revision"`
	Actions  int              `json:"actions"`
	Summary  []InningsSummary `json:"summary,omitempty"`
	Result   string           `json:"result,omitempty"`
}

// NewMatchEvent describes the state of doc after numActions new actions.
func NewMatchEvent(doc *MatchDocument, numActions int) MatchEvent {
	meta := doc.Metadata()
	return MatchEvent{
		MatchID:  doc.ID,
		Status:   doc.Status,
		Revision: meta.Revision,
		Actions:  numActions,
		Summary:  meta.Innings,
		Result:   doc.Result,
	}
}

// publishQueueSize bounds the events waiting for the stream writer.
const publishQueueSize = 1024

// StreamPublisher publishes match updates to a Redis stream. Events queued
// with PublishAsync are written one at a time in queue order. A nil
// *StreamPublisher publishes nothing.
type StreamPublisher struct {
	client *redis.Client
	stream string
	maxLen int64

	mu     sync.RWMutex // guards closed and sends on queue
	closed bool
	queue  chan MatchEvent
	done   chan struct{}
}

// NewStreamPublisher creates a publisher writing to stream, trimmed to
// about maxLen entries. With a client it starts the stream writer, which
// runs until Close.
func NewStreamPublisher(client *redis.Client, stream string, maxLen int64) *StreamPublisher {
	if stream == "" {
		stream = DefaultStream
	}
	p := &StreamPublisher{
		client: client,
		stream: stream,
		maxLen: maxLen,
	}
	if client != nil {
		p.queue = make(chan MatchEvent, publishQueueSize)
		p.done = make(chan struct{})
		go p.run()
	}
	return p
}

func (p *StreamPublisher) run() {
	defer close(p.done)
	for ev := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := p.Publish(ctx, ev); err != nil {
			log.Printf("Publisher: failed to publish update for match %s: %v", ev.MatchID, err)
		}
		cancel()
	}
}

// NewStreamPublisherFromURL connects to the Redis server at redisURL.
func NewStreamPublisherFromURL(ctx context.Context, redisURL, stream string, maxLen int64) (*StreamPublisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return NewStreamPublisher(client, stream, maxLen), nil
}

func (p *StreamPublisher) args(ev MatchEvent) (*redis.XAddArgs, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshaling match event: %w", err)
	}
	return &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: p.maxLen > 0,
		Values: map[string]any{
			"data":     string(data),
			"match_id": ev.MatchID,
			"status":   string(ev.Status),
			"revision": ev.Revision,
		},
	}, nil
}

// Publish writes ev to the stream.
func (p *StreamPublisher) Publish(ctx context.Context, ev MatchEvent) error {
	if p == nil || p.client == nil {
		return nil
	}
	args, err := p.args(ev)
	if err != nil {
		return err
	}
	return p.client.XAdd(ctx, args).Err()
}

// PublishAsync queues ev for the stream writer. It never blocks: when the
// queue is full the event is dropped and logged.
func (p *StreamPublisher) PublishAsync(ev MatchEvent) {
	if p == nil || p.client == nil {
		return
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- ev:
	default:
		log.Printf("Publisher: queue full, dropping update for match %s at %s", ev.MatchID, ev.Revision)
	}
}

// Close writes the queued events, then closes the Redis client.
func (p *StreamPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	<-p.done
	return p.client.Close()
}
