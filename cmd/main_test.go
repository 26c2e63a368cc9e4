package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type recordingServer struct {
	mu    sync.Mutex
	order *[]string
}

func (s *recordingServer) Shutdown(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	*s.order = append(*s.order, "server")
	return nil
}

func TestShutdownStopsWorkerBeforeServer(t *testing.T) {
	var mu sync.Mutex
	var order []string
	server := &recordingServer{order: &order}

	workerCtx, cancelWorker := context.WithCancel(context.Background())
	workerDone := make(chan struct{})
	go func() {
		<-workerCtx.Done()
		// a cancelled build still records its outcome
		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		order = append(order, "worker")
		mu.Unlock()
		close(workerDone)
	}()

	stopped := shutdown(server, cancelWorker, workerDone, time.Second)

	assert.True(t, stopped)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"worker", "server"}, order)
}

func TestShutdownGivesUpOnStuckWorker(t *testing.T) {
	var order []string
	server := &recordingServer{order: &order}

	_, cancelWorker := context.WithCancel(context.Background())
	stopped := shutdown(server, cancelWorker, make(chan struct{}), 20*time.Millisecond)

	assert.False(t, stopped)
	assert.Equal(t, []string{"server"}, order)
}
