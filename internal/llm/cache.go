package llm

import (
	"sync"
	"time"
)

// Cache hands out upstream clients keyed by (base URL, credential) so worker
// tasks share connections. Safe for concurrent use.
type Cache struct {
	Timeout time.Duration

	mu      sync.Mutex
	clients map[string]*HTTPClient
}

func NewCache(timeout time.Duration) *Cache {
	return &Cache{Timeout: timeout, clients: make(map[string]*HTTPClient)}
}

func (c *Cache) Client(baseURL, credential string) Client {
	key := baseURL + "\x00" + credential
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.clients == nil {
		c.clients = make(map[string]*HTTPClient)
	}
	if cl, ok := c.clients[key]; ok {
		return cl
	}
	cl := NewHTTPClient(baseURL, credential, c.Timeout)
	c.clients[key] = cl
	return cl
}
