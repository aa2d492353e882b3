package lifecycle

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCloseRunsClosersInReverseOrder(t *testing.T) {
	m := NewManager()

	var order []int
	for i := 0; i < 3; i++ {
		i := i
		m.RegisterCloser(CloserFunc(func() error {
			order = append(order, i)
			return nil
		}))
	}

	assert.NoError(t, m.Close())
	assert.Equal(t, []int{2, 1, 0}, order)
}

func TestCloseReturnsFirstError(t *testing.T) {
	m := NewManager()
	m.RegisterCloser(CloserFunc(func() error { return errors.New("first") }))
	m.RegisterCloser(CloserFunc(func() error { return errors.New("second") }))

	// LIFO order, so "second" closes first and wins.
	err := m.Close()
	assert.EqualError(t, err, "second")
}

func TestCloseCancelsContextAndIsIdempotent(t *testing.T) {
	m := NewManager()

	calls := 0
	m.RegisterCloser(CloserFunc(func() error {
		calls++
		return nil
	}))

	assert.NoError(t, m.Close())
	assert.NoError(t, m.Close())
	assert.Equal(t, 1, calls)

	select {
	case <-m.Context().Done():
	default:
		t.Fatal("context not cancelled after Close")
	}
}
