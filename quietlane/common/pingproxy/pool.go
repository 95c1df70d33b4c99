/*
 * Copyright (c) 2025, Quietlane Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package pingproxy

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	lrucache "github.com/cognusion/go-cache-lru"
	"github.com/quietlane/quietlane-tunnel-core/quietlane/common"
	"github.com/quietlane/quietlane-tunnel-core/quietlane/common/errors"
	"github.com/quietlane/quietlane-tunnel-core/quietlane/common/packet"
)

const (
	DEFAULT_MAX_CLIENT_COUNT = 128
)

// PoolConfig specifies a PingProxyPool configuration.
type PoolConfig struct {

	// Logger is used for logging events.
	Logger common.Logger

	// Receiver receives emulated reply packets and endpoint events.
	Receiver PacketProxyReceiver

	// MaxClientCount caps the number of concurrently live proxies. When
	// the cap is reached, the least recently used proxy is evicted and
	// disposed. When 0, DEFAULT_MAX_CLIENT_COUNT is used.
	MaxClientCount int

	// Timeout is the per-echo reply timeout. When 0,
	// DEFAULT_ICMP_TIMEOUT is used.
	Timeout time.Duration
}

// PingProxyPool maintains a bounded mapping of tunneled source address to
// PingProxy, evicting the least recently used proxy when full.
type PingProxyPool struct {
	config PoolConfig

	// mutex guards cache and proxies mutations only, never echo I/O.
	mutex   sync.Mutex
	cache   *lrucache.Cache
	proxies map[string]*PingProxy

	inFlightWaitGroup *sync.WaitGroup
	closed            int32
}

// NewPingProxyPool creates a PingProxyPool.
func NewPingProxyPool(config *PoolConfig) *PingProxyPool {

	useConfig := *config
	if useConfig.MaxClientCount <= 0 {
		useConfig.MaxClientCount = DEFAULT_MAX_CLIENT_COUNT
	}
	if useConfig.Timeout <= 0 {
		useConfig.Timeout = DEFAULT_ICMP_TIMEOUT
	}

	pool := &PingProxyPool{
		config: useConfig,
		cache: lrucache.NewWithLRU(
			lrucache.NoExpiration, 0, useConfig.MaxClientCount),
		proxies:           make(map[string]*PingProxy),
		inFlightWaitGroup: new(sync.WaitGroup),
	}

	// Disposal on LRU eviction. The callback runs within cache mutations,
	// which occur only under pool.mutex; the proxies map may be mutated
	// here without additional locking. Dispose does no blocking I/O.
	pool.cache.OnEvicted(func(key string, value interface{}) {
		proxy := value.(*PingProxy)
		proxy.Dispose()
		delete(pool.proxies, key)
	})

	return pool
}

// Size returns the current number of live proxies, which never exceeds
// MaxClientCount.
func (pool *PingProxyPool) Size() int {
	pool.mutex.Lock()
	defer pool.mutex.Unlock()
	return len(pool.proxies)
}

// SendPacket dispatches one tunneled ICMP Echo Request to the proxy for its
// source address, creating the proxy, and evicting the least recently used
// one when the pool is full. The echo is performed on its own goroutine;
// SendPacket does not block on network I/O. Echo failures, including
// timeouts, are logged and otherwise dropped.
func (pool *PingProxyPool) SendPacket(p *packet.IPPacket) error {

	if atomic.LoadInt32(&pool.closed) != 0 {
		return errors.TraceNew("pool closed")
	}

	key := p.Source().String()

	pool.mutex.Lock()

	var proxy *PingProxy
	if value, ok := pool.cache.Get(key); ok {
		proxy = value.(*PingProxy)
		// Promote recency for LRU ordering.
		proxy.touch()
		pool.cache.Set(key, proxy, lrucache.NoExpiration)
	} else {
		// When full, evict the proxy with the oldest last-used time.
		if len(pool.proxies) >= pool.config.MaxClientCount {
			var lruKey string
			var lruProxy *PingProxy
			for proxyKey, candidate := range pool.proxies {
				if lruProxy == nil || candidate.LastUsed() < lruProxy.LastUsed() {
					lruKey, lruProxy = proxyKey, candidate
				}
			}
			pool.cache.Delete(lruKey)
			lruProxy.Dispose()
			delete(pool.proxies, lruKey)
		}
		newProxy, err := NewPingProxy(
			pool.config.Logger,
			pool.config.Receiver,
			p.Source(),
			pool.config.Timeout)
		if err != nil {
			pool.mutex.Unlock()
			return errors.Trace(err)
		}
		pool.cache.Set(key, newProxy, lrucache.NoExpiration)
		pool.proxies[key] = newProxy
		proxy = newProxy
	}

	pool.inFlightWaitGroup.Add(1)
	pool.mutex.Unlock()

	go func() {
		defer pool.inFlightWaitGroup.Done()
		err := proxy.SendPacket(context.Background(), p)
		if err != nil && pool.config.Logger != nil {
			pool.config.Logger.WithTraceFields(
				common.LogFields{
					"source": key,
					"error":  err.Error(),
				}).Warning("ping proxy echo failed")
		}
	}()

	return nil
}

// Dispose evicts and disposes all proxies and waits for in-flight echoes
// to unwind. Dispose is idempotent.
func (pool *PingProxyPool) Dispose() {

	if !atomic.CompareAndSwapInt32(&pool.closed, 0, 1) {
		return
	}

	pool.mutex.Lock()
	for _, proxy := range pool.proxies {
		proxy.Dispose()
	}
	pool.proxies = make(map[string]*PingProxy)
	pool.cache.Flush()
	pool.mutex.Unlock()

	// Disposing the echo clients interrupts blocked echoes, so this wait
	// is short.
	pool.inFlightWaitGroup.Wait()
}
