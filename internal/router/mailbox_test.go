package router

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailboxKeepsOrder(t *testing.T) {
	m := NewMailbox()

	var got []int
	for i := 0; i < 5; i++ {
		i := i
		require.True(t, m.Post(func() { got = append(got, i) }))
	}
	assert.Equal(t, 5, m.Len())

	<-m.Ready()
	for _, fn := range m.Take() {
		fn()
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
	assert.Equal(t, 0, m.Len())
	assert.Empty(t, m.Take())
}

func TestMailboxConcurrentPosts(t *testing.T) {
	m := NewMailbox()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Post(func() {})
			}
		}()
	}
	wg.Wait()

	assert.Len(t, m.Take(), 800)
}

func TestMailboxClose(t *testing.T) {
	m := NewMailbox()
	require.True(t, m.Post(func() {}))

	rest := m.Close()
	assert.Len(t, rest, 1)
	assert.False(t, m.Post(func() {}))
	assert.Equal(t, 0, m.Len())
}
