package specimen

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/drfirst/go-lis/internal/domain/lab"
)

// Binding is what an active barcode resolves to.
type Binding struct {
	RequestID    string `json:"request_id"`
	SpecimenType string `json:"specimen_type"`
}

// Index maps active barcodes to their request. Claim is the uniqueness check:
// it must fail with lab.ErrDuplicateBarcode when the barcode is bound to a
// different request.
type Index interface {
	Claim(ctx context.Context, barcode string, b Binding) error
	Lookup(ctx context.Context, barcode string) (Binding, error)
	Release(ctx context.Context, barcode, requestID string) error
}

// MemoryIndex is an in-process Index.
type MemoryIndex struct {
	mu       sync.Mutex
	bindings map[string]Binding
}

// NewMemoryIndex creates an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{bindings: make(map[string]Binding)}
}

func (m *MemoryIndex) Claim(ctx context.Context, barcode string, b Binding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.bindings[barcode]; ok {
		if cur.RequestID == b.RequestID {
			return nil
		}
		return fmt.Errorf("barcode %s: %w", barcode, lab.ErrDuplicateBarcode)
	}
	m.bindings[barcode] = b
	return nil
}

func (m *MemoryIndex) Lookup(ctx context.Context, barcode string) (Binding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bindings[barcode]
	if !ok {
		return Binding{}, fmt.Errorf("barcode %s: %w", barcode, lab.ErrNotFound)
	}
	return b, nil
}

func (m *MemoryIndex) Release(ctx context.Context, barcode, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.bindings[barcode]; ok && cur.RequestID == requestID {
		delete(m.bindings, barcode)
	}
	return nil
}

// RedisIndex shares barcode bindings between lis-server replicas.
type RedisIndex struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisIndex creates an index under the given key prefix.
func NewRedisIndex(client redis.UniversalClient, prefix string) *RedisIndex {
	if prefix == "" {
		prefix = "lis:barcode:"
	}
	return &RedisIndex{client: client, prefix: prefix}
}

// releaseScript deletes the binding only when it still belongs to the request.
var releaseScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if not v then return 0 end
local b = cjson.decode(v)
if b["request_id"] == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (r *RedisIndex) Claim(ctx context.Context, barcode string, b Binding) error {
	payload, err := json.Marshal(b)
	if err != nil {
		return err
	}
	ok, err := r.client.SetNX(ctx, r.prefix+barcode, payload, 0).Result()
	if err != nil {
		return fmt.Errorf("claim barcode %s: %w", barcode, err)
	}
	if ok {
		return nil
	}
	cur, err := r.Lookup(ctx, barcode)
	if err != nil {
		return err
	}
	if cur.RequestID == b.RequestID {
		return nil
	}
	return fmt.Errorf("barcode %s: %w", barcode, lab.ErrDuplicateBarcode)
}

func (r *RedisIndex) Lookup(ctx context.Context, barcode string) (Binding, error) {
	raw, err := r.client.Get(ctx, r.prefix+barcode).Bytes()
	if errors.Is(err, redis.Nil) {
		return Binding{}, fmt.Errorf("barcode %s: %w", barcode, lab.ErrNotFound)
	}
	if err != nil {
		return Binding{}, fmt.Errorf("lookup barcode %s: %w", barcode, err)
	}
	var b Binding
	if err := json.Unmarshal(raw, &b); err != nil {
		return Binding{}, fmt.Errorf("decode barcode %s: %w", barcode, err)
	}
	return b, nil
}

func (r *RedisIndex) Release(ctx context.Context, barcode, requestID string) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.prefix + barcode}, requestID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release barcode %s: %w", barcode, err)
	}
	return nil
}
