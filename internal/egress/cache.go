package egress

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// cacheKey 以 H(model ∥ prompt) 作为缓存键，避免留存明文提示词
func cacheKey(model, prompt string) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(prompt))
	return hex.EncodeToString(h.Sum(nil))
}

type cacheItem struct {
	key       string
	value     *ChatResponse
	expiresAt time.Time
}

// responseCache LRU + TTL 响应缓存，抑制重复外呼
type responseCache struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	items   map[string]*list.Element
	order   *list.List // 队首最新
	now     func() time.Time
}

func newResponseCache(maxSize int, ttl time.Duration) *responseCache {
	return &responseCache{
		maxSize: maxSize,
		ttl:     ttl,
		items:   make(map[string]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
}

func (c *responseCache) get(key string) (*ChatResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return nil, false
	}
	item := elem.Value.(*cacheItem)
	if c.now().After(item.expiresAt) {
		c.order.Remove(elem)
		delete(c.items, key)
		return nil, false
	}
	c.order.MoveToFront(elem)
	return item.value, true
}

func (c *responseCache) put(key string, value *ChatResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		item := elem.Value.(*cacheItem)
		item.value = value
		item.expiresAt = c.now().Add(c.ttl)
		c.order.MoveToFront(elem)
		return
	}

	elem := c.order.PushFront(&cacheItem{
		key:       key,
		value:     value,
		expiresAt: c.now().Add(c.ttl),
	})
	c.items[key] = elem

	for c.order.Len() > c.maxSize {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheItem).key)
	}
}

func (c *responseCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
