package engine

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	km := newKeyedMutex()

	var countA, countB int
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				unlock := km.lock("a")
				defer unlock()
				countA++
			} else {
				unlock := km.lock("b")
				defer unlock()
				countB++
			}
		}(i)
	}
	wg.Wait()

	// same-key increments never raced; both keys saw all their workers
	assert.Equal(t, 25, countA)
	assert.Equal(t, 25, countB)
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	km := newKeyedMutex()
	unlock := km.lock("x")
	unlock()
	km.mu.Lock()
	defer km.mu.Unlock()
	assert.Empty(t, km.locks)
}
