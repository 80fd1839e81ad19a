package sketch

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopTalkers_Counts(t *testing.T) {
	s := NewTopTalkers(1024, 3)
	for i := 0; i < 50; i++ {
		s.Insert("10.0.0.1")
	}
	for i := 0; i < 20; i++ {
		s.Insert("10.0.0.2")
	}
	s.Insert("10.0.0.3")

	assert.Equal(t, uint32(50), s.Query("10.0.0.1"))
	assert.Equal(t, uint32(20), s.Query("10.0.0.2"))
	assert.Equal(t, uint32(0), s.Query("192.0.2.1"))

	top := s.Top(10, 0)
	require.Len(t, top, 2)
	assert.Equal(t, Talker{Address: "10.0.0.1", Packets: 50}, top[0])
	assert.Equal(t, "10.0.0.2", top[1].Address)

	assert.Len(t, s.Top(1, 1), 1)
}

func TestTopTalkers_HeavyHitterSurvivesNoise(t *testing.T) {
	// A tiny table forces collisions; the dominant key must still rank first.
	s := NewTopTalkers(8, 3)
	for i := 0; i < 500; i++ {
		s.Insert("203.0.113.66")
		if i%5 == 0 {
			s.Insert(fmt.Sprintf("198.51.100.%d", i%97))
		}
	}
	top := s.Top(100, 1)
	require.Len(t, top, 1)
	assert.Equal(t, "203.0.113.66", top[0].Address)
}

func TestTopTalkers_Decay(t *testing.T) {
	s := NewTopTalkers(0, 0)
	for i := 0; i < 9; i++ {
		s.Insert("10.1.1.1")
	}
	s.Insert("10.1.1.2")

	s.Decay()
	assert.Equal(t, uint32(4), s.Query("10.1.1.1"))
	assert.Equal(t, uint32(0), s.Query("10.1.1.2"))
	assert.Empty(t, s.Top(5, 0))
}

func TestTopTalkers_Concurrent(t *testing.T) {
	s := NewTopTalkers(256, 3)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				s.Insert("172.16.0.9")
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, uint32(1000), s.Query("172.16.0.9"))
}
