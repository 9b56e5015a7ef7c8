package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingBufferBelowCapacity(t *testing.T) {
	r := NewRingBuffer[int](4)
	r.Push(1)
	r.Push(2)

	assert.Equal(t, 2, r.Len())
	assert.Equal(t, []int{1, 2}, r.Snapshot())
}

func TestRingBufferEvictsOldest(t *testing.T) {
	r := NewRingBuffer[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}

	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []int{3, 4, 5}, r.Snapshot())
}

func TestRingBufferLast(t *testing.T) {
	r := NewRingBuffer[string](4)
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		r.Push(s)
	}

	assert.Equal(t, []string{"d", "e"}, r.Last(2))
	assert.Equal(t, []string{"b", "c", "d", "e"}, r.Last(10))
	assert.Equal(t, []string{"b", "c", "d", "e"}, r.Last(0))
}

func TestRingBufferTinyCapacity(t *testing.T) {
	r := NewRingBuffer[int](0) // clamped to 1
	r.Push(1)
	r.Push(2)
	assert.Equal(t, []int{2}, r.Snapshot())
}

func TestNormalizeURL(t *testing.T) {
	cases := map[string]string{
		"":                          "",
		"  ":                        "",
		"api.example.org":           "https://api.example.org",
		"https://api.example.org/":  "https://api.example.org",
		"http://localhost:8080///":  "http://localhost:8080",
		" wss://relay.example.org ": "wss://relay.example.org",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeURL(in), "input %q", in)
	}
}
