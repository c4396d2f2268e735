package credential

import (
	"sync"

	"github.com/hitoshi/tenantlens/internal/model"
)

// keyedMutex はユーザー単位の排他ロック。
// 参照カウントが0になったエントリは削除するため、ユーザー数に比例してメモリが増え続けない。
type keyedMutex struct {
	mu    sync.Mutex
	locks map[model.UserIdentity]*refMutex
}

type refMutex struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[model.UserIdentity]*refMutex)}
}

// Lock はkeyのロックを取得し、解放関数を返す。
func (k *keyedMutex) Lock(key model.UserIdentity) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.mu.Lock()

	return func() {
		m.mu.Unlock()

		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

