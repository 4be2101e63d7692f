package progress

import (
	"testing"

	"github.com/signal305/rag-service/internal/queue"
)

func TestBroadcast(t *testing.T) {
	b := NewBroadcaster()

	ch1, cancel1 := b.Subscribe()
	ch2, cancel2 := b.Subscribe()
	defer cancel2()

	if b.ClientCount() != 2 {
		t.Fatalf("client count = %d, want 2", b.ClientCount())
	}

	ev := queue.ProgressEvent{Type: "progress", DocID: "doc-1", Stage: queue.StageChunking, Progress: 35}
	b.Publish(ev)

	for i, ch := range []<-chan queue.ProgressEvent{ch1, ch2} {
		select {
		case got := <-ch:
			if got.DocID != "doc-1" || got.Progress != 35 {
				t.Errorf("client %d got %+v", i, got)
			}
		default:
			t.Fatalf("client %d received nothing", i)
		}
	}

	cancel1()
	if b.ClientCount() != 1 {
		t.Errorf("client count after cancel = %d, want 1", b.ClientCount())
	}

	// Channel is closed after cancel.
	if _, open := <-ch1; open {
		t.Error("cancelled client channel still open")
	}

	// Double cancel is safe.
	cancel1()
}

func TestBroadcastDropsWhenClientFull(t *testing.T) {
	b := NewBroadcaster()
	ch, cancel := b.Subscribe()
	defer cancel()

	for i := 0; i < clientBuffer+10; i++ {
		b.Publish(queue.ProgressEvent{DocID: "doc-1", Progress: i})
	}

	if len(ch) != clientBuffer {
		t.Errorf("buffered = %d, want %d", len(ch), clientBuffer)
	}
}
