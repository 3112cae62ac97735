package fusion

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/fusionradar/fusionradar/internal/normalize"
)

// lastPublish records the last published timestamp and position for an
// entity, used by the rate/movement gate.
type lastPublish struct {
	ts  time.Time
	lat float64
	lon float64
}

// shard is one bucket of the sharded window map: the windows map is sharded
// by hash of EntityKey, each shard guarded by its own lock.
type shard struct {
	mu      sync.RWMutex
	windows map[normalize.EntityKey][]normalize.NormMsg
	last    map[normalize.EntityKey]lastPublish
}

func newShard() *shard {
	return &shard{
		windows: make(map[normalize.EntityKey][]normalize.NormMsg),
		last:    make(map[normalize.EntityKey]lastPublish),
	}
}

const shardCount = 32

// shardFor returns the shard index for a key via FNV-1a, giving a
// fixed-size sharded lock table.
func shardFor(key normalize.EntityKey) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}
