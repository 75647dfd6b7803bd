package netcheck

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/facebookgo/clock"
	"github.com/stretchr/testify/assert"
)

func TestStatic(t *testing.T) {
	s := NewStatic(false)
	assert.False(t, s.Online())
	s.Set(true)
	assert.True(t, s.Online())
}

func TestMonitorTracksDialResult(t *testing.T) {
	var mu sync.Mutex
	fail := false
	var changes []bool

	m := NewMonitor("offline.invalid:443", 0, clock.NewMock(), nil, func(online bool) {
		mu.Lock()
		changes = append(changes, online)
		mu.Unlock()
	}).WithDialer(func(ctx context.Context, network, address string) (net.Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return nil, errors.New("no route to host")
		}
		client, server := net.Pipe()
		_ = server.Close()
		return client, nil
	})

	assert.True(t, m.Check(context.Background()))
	assert.True(t, m.Online())

	mu.Lock()
	fail = true
	mu.Unlock()
	assert.False(t, m.Check(context.Background()))
	assert.False(t, m.Online())

	mu.Lock()
	fail = false
	mu.Unlock()
	assert.True(t, m.Check(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{false, true}, changes)
}
