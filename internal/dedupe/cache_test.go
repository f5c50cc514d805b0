package dedupe_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/DeafMist/sneakdex-indexer/internal/dedupe"
	"github.com/stretchr/testify/require"
)

func TestCacheAdmitDuplicateURL(t *testing.T) {
	cache := dedupe.NewCache(0)
	require.Equal(t, dedupe.Admitted, cache.Admit("https://a.example", "h1"))
	require.Equal(t, dedupe.DuplicateURL, cache.Admit("https://a.example", "h2"))
	require.Equal(t, dedupe.Admitted, cache.Admit("https://b.example", "h2"))
}

func TestCacheAdmitDuplicateContent(t *testing.T) {
	cache := dedupe.NewCache(0)
	require.Equal(t, dedupe.Admitted, cache.Admit("https://a.example", "same"))
	require.Equal(t, dedupe.DuplicateContent, cache.Admit("https://b.example", "same"))
	require.Equal(t, dedupe.Admitted, cache.Admit("https://b.example", "other"))
}

func TestCacheClear(t *testing.T) {
	cache := dedupe.NewCache(0)
	cache.Admit("u1", "h1")
	cache.Admit("u2", "h2")

	urls, hashes := cache.Len()
	require.Equal(t, 2, urls)
	require.Equal(t, 2, hashes)

	require.Equal(t, 4, cache.Clear())
	require.Equal(t, dedupe.Admitted, cache.Admit("u1", "h1"))
}

func TestCacheCapacityEvictsOldest(t *testing.T) {
	cache := dedupe.NewCache(1)
	require.Equal(t, dedupe.Admitted, cache.Admit("first", "h1"))
	require.Equal(t, dedupe.Admitted, cache.Admit("second", "h2"))

	require.Equal(t, dedupe.DuplicateURL, cache.Admit("second", "h3"))
	require.Equal(t, dedupe.Admitted, cache.Admit("first", "h1"))
}

func TestCacheConcurrentAdmitIsExclusive(t *testing.T) {
	cache := dedupe.NewCache(0)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if cache.Admit("https://same.example", fmt.Sprintf("h%d", i)) == dedupe.Admitted {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, admitted)
}
