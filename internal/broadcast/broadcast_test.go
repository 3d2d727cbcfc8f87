package broadcast

import (
	"context"
	"testing"
	"time"
)

func TestSendRecvInOrder(t *testing.T) {
	b := New[int](4)
	r := b.Subscribe()
	for i := 0; i < 3; i++ {
		b.Send(i)
	}
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		res, err := r.Recv(ctx)
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		if res.Item != i {
			t.Fatalf("expected %d, got %d", i, res.Item)
		}
		if res.Lagged != 0 {
			t.Fatalf("expected no lag, got %d", res.Lagged)
		}
	}
}

func TestLagDetection(t *testing.T) {
	b := New[int](2)
	r := b.Subscribe()
	for i := 0; i < 5; i++ {
		b.Send(i)
	}
	res, err := r.Recv(context.Background())
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	// capacity 2, 5 sent: oldest available is index 3 (items 0,1,2 overwritten).
	if res.Lagged != 3 {
		t.Fatalf("expected lag of 3, got %d", res.Lagged)
	}
	if res.Item != 3 {
		t.Fatalf("expected item 3, got %d", res.Item)
	}
}

func TestCloseDrainsThenSignalsClosed(t *testing.T) {
	b := New[int](4)
	r := b.Subscribe()
	b.Send(42)
	b.Close()

	res, err := r.Recv(context.Background())
	if err != nil || res.Closed || res.Item != 42 {
		t.Fatalf("expected buffered item before close, got %+v err=%v", res, err)
	}

	res, err = r.Recv(context.Background())
	if err != nil || !res.Closed {
		t.Fatalf("expected closed result, got %+v err=%v", res, err)
	}
}

func TestRecvRespectsContextCancellation(t *testing.T) {
	b := New[int](4)
	r := b.Subscribe()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.Recv(ctx)
	if err == nil {
		t.Fatal("expected context deadline error")
	}
}

func TestMultipleSubscribersIndependent(t *testing.T) {
	b := New[string](8)
	r1 := b.Subscribe()
	b.Send("a")
	r2 := b.Subscribe()
	b.Send("b")

	res, _ := r1.Recv(context.Background())
	if res.Item != "a" {
		t.Fatalf("r1 expected a, got %s", res.Item)
	}
	res, _ = r1.Recv(context.Background())
	if res.Item != "b" {
		t.Fatalf("r1 expected b, got %s", res.Item)
	}
	res, _ = r2.Recv(context.Background())
	if res.Item != "b" {
		t.Fatalf("r2 expected b (subscribed after a), got %s", res.Item)
	}
}
