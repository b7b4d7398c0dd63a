package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lfarizav/rhubarbe/pkg/types"
)

func TestBusPreservesOrder(t *testing.T) {
	b := New()
	b.Put(types.Info("a"))
	b.Put(types.Info("b"))
	b.Publish(types.Info("c"))

	if got := b.Len(); got != 3 {
		t.Fatalf("expected len 3 got %d", got)
	}

	ctx := context.Background()
	for _, want := range []string{"a", "b", "c"} {
		msg, err := b.Get(ctx)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got := msg.String(types.KeyInfo); got != want {
			t.Fatalf("expected %q got %q", want, got)
		}
	}
	if _, ok := b.TryGet(); ok {
		t.Fatalf("expected empty bus")
	}
}

func TestBusGetWaitsForProducer(t *testing.T) {
	b := New()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go func() {
		time.Sleep(10 * time.Millisecond)
		b.Put(types.Info("late"))
	}()

	msg, err := b.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if msg.String(types.KeyInfo) != "late" {
		t.Fatalf("unexpected message %v", msg)
	}
}

func TestBusGetHonoursContext(t *testing.T) {
	b := New()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := b.Get(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestBusConcurrentProducersKeepPerProducerOrder(t *testing.T) {
	b := New()
	const producers = 8
	const perProducer = 200

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				b.Put(types.Message{"producer": p, "seq": i})
			}
		}(p)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	last := make(map[int]int, producers)
	for p := 0; p < producers; p++ {
		last[p] = -1
	}
	for n := 0; n < producers*perProducer; n++ {
		msg, err := b.Get(ctx)
		if err != nil {
			t.Fatalf("Get after %d messages: %v", n, err)
		}
		p, _ := msg.Int("producer")
		seq, _ := msg.Int("seq")
		if seq != last[p]+1 {
			t.Fatalf("producer %d out of order: got %d after %d", p, seq, last[p])
		}
		last[p] = seq
	}
	wg.Wait()
	if b.Len() != 0 {
		t.Fatalf("expected drained bus, got %d", b.Len())
	}
}

func TestBusMetrics(t *testing.T) {
	rec := &captureMetrics{}
	b := New()
	b.SetMetricsRecorder(rec)

	b.Put(types.Info("a"))
	b.Put(types.Info("b"))
	b.TryGet()

	if rec.published != 2 {
		t.Fatalf("expected 2 published got %d", rec.published)
	}
	if len(rec.depths) == 0 || rec.depths[len(rec.depths)-1] != 1 {
		t.Fatalf("unexpected depth observations %v", rec.depths)
	}
}

type captureMetrics struct {
	published int
	depths    []int
}

func (c *captureMetrics) ObserveBusDepth(depth int) {
	c.depths = append(c.depths, depth)
}

func (c *captureMetrics) IncPublished() {
	c.published++
}
