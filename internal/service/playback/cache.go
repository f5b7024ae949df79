package playback

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/zhouzirui/z-studio/backend/internal/model/speech"
	"github.com/zhouzirui/z-studio/backend/pkg/kv"
)

// Cache keeps decoded audio per message. Entries are never invalidated
// individually because message text is immutable once streamed.
type Cache interface {
	Get(ctx context.Context, sessionID, messageID string) (*speech.Audio, bool)
	Put(ctx context.Context, sessionID, messageID string, audio *speech.Audio)
	PurgeSession(ctx context.Context, sessionID string)
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]map[string]*speech.Audio
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]map[string]*speech.Audio)}
}

func (c *MemoryCache) Get(_ context.Context, sessionID, messageID string) (*speech.Audio, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	audio, ok := c.entries[sessionID][messageID]
	return audio, ok
}

func (c *MemoryCache) Put(_ context.Context, sessionID, messageID string, audio *speech.Audio) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bySession, ok := c.entries[sessionID]
	if !ok {
		bySession = make(map[string]*speech.Audio)
		c.entries[sessionID] = bySession
	}
	bySession[messageID] = audio
}

func (c *MemoryCache) PurgeSession(_ context.Context, sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, sessionID)
}

// KVCache persists audio in a kv.Store under audio/{session}/{message},
// msgpack-encoded.
type KVCache struct {
	store kv.Store
}

func NewKVCache(store kv.Store) *KVCache {
	return &KVCache{store: store}
}

type cachedAudio struct {
	Data       []byte `msgpack:"data"`
	Encoding   string `msgpack:"encoding"`
	SampleRate int    `msgpack:"sample_rate"`
	DurationMS int64  `msgpack:"duration_ms"`
}

func audioKey(sessionID, messageID string) kv.Key {
	return kv.Key{"audio", sessionID, messageID}
}

func (c *KVCache) Get(ctx context.Context, sessionID, messageID string) (*speech.Audio, bool) {
	data, err := c.store.Get(ctx, audioKey(sessionID, messageID))
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			log.Printf("[playback] cache read %s/%s: %v", sessionID, messageID, err)
		}
		return nil, false
	}

	var entry cachedAudio
	if err := msgpack.Unmarshal(data, &entry); err != nil {
		log.Printf("[playback] cache entry %s/%s is corrupt: %v", sessionID, messageID, err)
		return nil, false
	}
	return &speech.Audio{
		Data:       entry.Data,
		Encoding:   speech.Encoding(entry.Encoding),
		SampleRate: entry.SampleRate,
		Duration:   time.Duration(entry.DurationMS) * time.Millisecond,
	}, true
}

func (c *KVCache) Put(ctx context.Context, sessionID, messageID string, audio *speech.Audio) {
	data, err := msgpack.Marshal(cachedAudio{
		Data:       audio.Data,
		Encoding:   string(audio.Encoding),
		SampleRate: audio.SampleRate,
		DurationMS: audio.Duration.Milliseconds(),
	})
	if err != nil {
		log.Printf("[playback] encode cache entry: %v", err)
		return
	}
	if err := c.store.Set(ctx, audioKey(sessionID, messageID), data); err != nil {
		log.Printf("[playback] cache write %s/%s: %v", sessionID, messageID, err)
	}
}

func (c *KVCache) PurgeSession(ctx context.Context, sessionID string) {
	n, err := kv.DeletePrefix(ctx, c.store, kv.Key{"audio", sessionID})
	if err != nil {
		log.Printf("[playback] purge audio for session %s: %v", sessionID, err)
		return
	}
	log.Printf("[playback] purged %d cached clips for session %s", n, sessionID)
}
