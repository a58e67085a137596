package connection

import (
	"context"
	"time"

	"github.com/ashureev/salesbot/internal/transport"
)

const keyWriteTimeout = 10 * time.Second

// keyCache serves key material from memory and writes changes through to
// persistence.
type keyCache struct {
	mem   *transport.MemoryKeys
	store Store
}

func newKeyCache(ctx context.Context, st Store) *keyCache {
	return &keyCache{mem: transport.NewMemoryKeys(st.LoadKeys(ctx)), store: st}
}

func (k *keyCache) Get(name string) ([]byte, bool) {
	return k.mem.Get(name)
}

func (k *keyCache) Set(name string, value []byte) {
	k.mem.Set(name, value)
	ctx, cancel := context.WithTimeout(context.Background(), keyWriteTimeout)
	defer cancel()
	k.store.SetKey(ctx, name, value)
}

func (k *keyCache) Delete(name string) {
	k.mem.Delete(name)
	ctx, cancel := context.WithTimeout(context.Background(), keyWriteTimeout)
	defer cancel()
	k.store.DeleteKey(ctx, name)
}
