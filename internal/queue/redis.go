// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tombee/foundry/internal/log"
	"github.com/tombee/foundry/pkg/errors"
)

// blpopTimeout bounds each blocking pop so workers notice shutdown.
const blpopTimeout = time.Second

func encodeMessage(msg *Message) (string, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return "", errors.Wrap(err, "encoding queue message")
	}
	return string(body), nil
}

func decodeMessage(body string) (*Message, error) {
	var msg Message
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return nil, errors.Wrap(err, "decoding queue message")
	}
	return &msg, nil
}

// workerPool consumes one Redis list with a fixed number of goroutines.
// The client is captured at construction so workers never touch the
// manager lock, which the manager holds while stopping pools.
type workerPool struct {
	manager *Manager
	queue   string
	key     string
	handler Handler
	client  *redis.Client

	concurrency int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newWorkerPool(m *Manager, queue string, handler Handler, concurrency int) *workerPool {
	ctx, cancel := context.WithCancel(context.Background())
	return &workerPool{
		manager:     m,
		queue:       queue,
		key:         m.cfg.Redis.KeyPrefix + queue,
		handler:     handler,
		client:      m.client,
		concurrency: concurrency,
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (p *workerPool) start() {
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.run()
	}
}

// stop cancels the pool and waits for in-flight handlers to finish.
func (p *workerPool) stop() {
	p.cancel()
	p.wg.Wait()
}

func (p *workerPool) run() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		res, err := p.client.BLPop(p.ctx, blpopTimeout, p.key).Result()
		if err != nil {
			if err == redis.Nil || p.ctx.Err() != nil {
				continue
			}
			p.manager.logger.Warn("queue pop failed",
				log.QueueKey, p.queue, log.Error(err))
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		// BLPop returns [key, value].
		if len(res) != 2 {
			continue
		}

		msg, err := decodeMessage(res[1])
		if err != nil {
			p.manager.logger.Error("discarding malformed message",
				log.QueueKey, p.queue, log.Error(err))
			continue
		}
		p.manager.dispatch(p.ctx, msg, p.handler)
	}
}
