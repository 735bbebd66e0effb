package tiergate

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUserLocks_MutualExclusion(t *testing.T) {
	locks := newUserLocks()

	const workers = 16
	const iterations = 100

	counter := 0
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				unlock := locks.lock("u1")
				counter++
				unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, workers*iterations, counter)
}

func TestUserLocks_IndependentUsers(t *testing.T) {
	locks := newUserLocks()

	unlockA := locks.lock("a")
	// A different user's lock must not block
	unlockB := locks.lock("b")
	unlockB()
	unlockA()
}

func TestUserLocks_EntriesReleased(t *testing.T) {
	locks := newUserLocks()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ids := []string{"u1", "u2", "u3"}
			for j := 0; j < 50; j++ {
				unlock := locks.lock(ids[(n+j)%len(ids)])
				unlock()
			}
		}(i)
	}
	wg.Wait()

	locks.mu.Lock()
	defer locks.mu.Unlock()
	assert.Empty(t, locks.locks)
}
