package cache_test

import (
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/spacenose/internal/cache"
	"codeberg.org/mutker/spacenose/internal/reading"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmpty(t *testing.T) {
	c := cache.New()

	_, ok := c.Peek()
	assert.False(t, ok)

	payload, ok := c.Payload()
	assert.False(t, ok)
	assert.Nil(t, payload)
}

func TestStoreReplaces(t *testing.T) {
	c := cache.New()
	now := time.Now()

	c.Store(reading.Reading{Counter: 1, Timestamp: now}, []byte("one"))
	c.Store(reading.Reading{Counter: 2, Timestamp: now}, []byte("two"))

	r, ok := c.Peek()
	require.True(t, ok)
	assert.Equal(t, int64(2), r.Counter)

	payload, ok := c.Payload()
	require.True(t, ok)
	assert.Equal(t, "two", string(payload))
}

func TestPeekReturnsCopy(t *testing.T) {
	c := cache.New()
	c.Store(reading.Reading{Counter: 1}, nil)

	r, _ := c.Peek()
	r.Counter = 99

	again, _ := c.Peek()
	assert.Equal(t, int64(1), again.Counter)
}

func TestConcurrentReaders(t *testing.T) {
	c := cache.New()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				if r, ok := c.Peek(); ok {
					payload, _ := c.Payload()
					assert.NotNil(t, payload)
					assert.GreaterOrEqual(t, r.Counter, int64(0))
				}
			}
		}()
	}

	for i := int64(0); i < 1000; i++ {
		c.Store(reading.Reading{Counter: i}, []byte{byte(i)})
	}
	wg.Wait()

	r, ok := c.Peek()
	require.True(t, ok)
	assert.Equal(t, int64(999), r.Counter)
}
