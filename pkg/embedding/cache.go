package embedding

import (
	"container/list"
	"context"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/openviking/openviking-go/internal/circuitbreaker"
)

// Cache is the second cache tier behind the in-process LRU.
type Cache interface {
	Get(ctx context.Context, key string) (Result, bool)
	Set(ctx context.Context, key string, r Result, ttl time.Duration)
}

// LocalLRU is a simple in-process LRU with TTL.
type LocalLRU struct {
	mu   sync.Mutex
	cap  int
	list *list.List               // front = most recent
	m    map[string]*list.Element // key -> element
}

type lruEntry struct {
	key string
	res Result
	exp time.Time
}

func NewLocalLRU(capacity int) *LocalLRU {
	if capacity <= 0 {
		capacity = 1024
	}
	return &LocalLRU{cap: capacity, list: list.New(), m: make(map[string]*list.Element, capacity)}
}

func (l *LocalLRU) Get(_ context.Context, key string) (Result, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.m[key]; ok {
		ent := el.Value.(lruEntry)
		if ent.exp.After(time.Now()) {
			l.list.MoveToFront(el)
			return ent.res, true
		}
		// expired: remove
		l.list.Remove(el)
		delete(l.m, key)
	}
	return Result{}, false
}

func (l *LocalLRU) Set(_ context.Context, key string, r Result, ttl time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.m[key]; ok {
		el.Value = lruEntry{key: key, res: r, exp: time.Now().Add(ttl)}
		l.list.MoveToFront(el)
		return
	}
	el := l.list.PushFront(lruEntry{key: key, res: r, exp: time.Now().Add(ttl)})
	l.m[key] = el
	if l.list.Len() > l.cap {
		lru := l.list.Back()
		if lru != nil {
			ent := lru.Value.(lruEntry)
			delete(l.m, ent.key)
			l.list.Remove(lru)
		}
	}
}

// RedisCache uses circuit-breaker wrapped Redis. The dense vector is
// stored as little-endian float32 bytes at the key; sparse weights go
// to a JSON sidecar at key+":sparse".
type RedisCache struct {
	cli *circuitbreaker.RedisWrapper
}

func NewRedisCache(addr string) (*RedisCache, error) {
	rc := redis.NewClient(&redis.Options{Addr: addr})
	wrapper := circuitbreaker.NewRedisWrapper(rc, nil)
	// Ping once
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := wrapper.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisCache{cli: wrapper}, nil
}

func (r *RedisCache) Get(ctx context.Context, key string) (Result, bool) {
	b, err := r.cli.Get(ctx, key).Bytes()
	if err != nil {
		return Result{}, false
	}
	if len(b)%4 != 0 {
		return Result{}, false
	}
	dense := make([]float32, len(b)/4)
	for i := 0; i < len(dense); i++ {
		u := binary.LittleEndian.Uint32(b[i*4:])
		dense[i] = math.Float32frombits(u)
	}
	res := Result{Dense: dense}
	if sb, err := r.cli.Get(ctx, key+":sparse").Bytes(); err == nil && len(sb) > 0 {
		var sp map[string]float32
		if json.Unmarshal(sb, &sp) == nil {
			res.Sparse = sp
		}
	}
	return res, true
}

// Wrapper exposes the breaker-wrapped client so health probes can
// share the cache's connection and breaker state.
func (r *RedisCache) Wrapper() *circuitbreaker.RedisWrapper { return r.cli }

func (r *RedisCache) Set(ctx context.Context, key string, res Result, ttl time.Duration) {
	b := make([]byte, len(res.Dense)*4)
	for i, f := range res.Dense {
		u := math.Float32bits(f)
		binary.LittleEndian.PutUint32(b[i*4:], u)
	}
	_ = r.cli.Set(ctx, key, b, ttl).Err()
	if len(res.Sparse) > 0 {
		if sb, err := json.Marshal(res.Sparse); err == nil {
			_ = r.cli.Set(ctx, key+":sparse", sb, ttl).Err()
		}
	}
}

// Close releases the underlying Redis connection.
func (r *RedisCache) Close() error { return r.cli.Close() }

// MakeKey derives the cache key for a (model, text) pair.
func MakeKey(model, text string) string {
	h := md5.Sum([]byte(model + "|" + text))
	return "emb:" + hex.EncodeToString(h[:])
}
