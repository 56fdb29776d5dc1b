package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentfs-dev/agentfs-core/fsapi"
)

type fakeKernel struct {
	mu      sync.Mutex
	entries []string
}

func (f *fakeKernel) InvalidateEntry(ctx context.Context, parent fsapi.InodeID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, name)
	return nil
}

func (f *fakeKernel) InvalidateInode(ctx context.Context, ino fsapi.InodeID, off, length int64) error {
	return nil
}

func (f *fakeKernel) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.entries...)
}

func TestDispatchIsAsyncFromEnqueue(t *testing.T) {
	kernel := &fakeKernel{}
	n := New(kernel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	n.InvalEntry(fsapi.RootInodeID, "a")
	n.InvalEntry(fsapi.RootInodeID, "b")

	require.Eventually(t, func() bool {
		return len(kernel.snapshot()) == 2
	}, time.Second, time.Millisecond)
}

func TestEnqueueNeverBlocksWhenFull(t *testing.T) {
	kernel := &fakeKernel{}
	n := New(kernel) // consumer never started

	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultQueueDepth+10; i++ {
			n.InvalEntry(fsapi.RootInodeID, "x")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("InvalEntry blocked with a full queue")
	}
}
