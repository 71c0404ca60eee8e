package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"github.com/BetterDB-inc/monitor-sub000/internal/domain"
)

type recordingMetrics struct {
	mu          sync.Mutex
	capacity    int
	sizes       []int
	saturations []float64
	emitErrors  int
}

func (m *recordingMetrics) BufferSizeUpdate(size int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sizes = append(m.sizes, size)
}

func (m *recordingMetrics) BufferCapacitySet(capacity int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.capacity = capacity
}

func (m *recordingMetrics) BufferSaturationUpdate(saturation float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saturations = append(m.saturations, saturation)
}

func (m *recordingMetrics) EmitError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emitErrors++
}

func alert(connectionID string, seq int) domain.Event {
	return domain.Event{
		Type:      domain.EventMemoryCritical,
		Data:      map[string]any{"seq": seq},
		Scope:     domain.Scope{ConnectionID: connectionID},
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestEventBus_PreservesOrderAndScope(t *testing.T) {
	bus := NewEventBus(4)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if err := bus.Emit(ctx, alert(fmt.Sprintf("conn-%d", i), i)); err != nil {
			t.Fatalf("Emit(%d): %v", i, err)
		}
	}

	for i := 0; i < 4; i++ {
		got := <-bus.Channel()
		if got.Data["seq"] != i {
			t.Errorf("event %d: seq = %v", i, got.Data["seq"])
		}
		if want := fmt.Sprintf("conn-%d", i); got.Scope.ConnectionID != want {
			t.Errorf("event %d: scope = %q, want %q", i, got.Scope.ConnectionID, want)
		}
	}
}

func TestEventBus_FullBufferIsRateLimited(t *testing.T) {
	m := &recordingMetrics{}
	bus := NewEventBus(1, WithEmitTimeout(5*time.Millisecond), WithMetrics(m))
	ctx := context.Background()

	if err := bus.Emit(ctx, alert("", 1)); err != nil {
		t.Fatalf("first Emit: %v", err)
	}

	err := bus.Emit(ctx, alert("", 2))
	if !goerrors.Is(err, ErrBufferFull) {
		t.Fatalf("second Emit = %v, want ErrBufferFull", err)
	}
	if !goerrors.IsCategory(err, goerrors.CategoryRateLimit) {
		t.Errorf("category = %v, want rate limit", err)
	}
	if !domain.HasTextCode(err, "EVENT_BUS_FULL") {
		t.Errorf("text code missing on %v", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.emitErrors != 1 {
		t.Errorf("emitErrors = %d, want 1", m.emitErrors)
	}
}

func TestEventBus_CancelledWhileWaiting(t *testing.T) {
	m := &recordingMetrics{}
	bus := NewEventBus(1, WithEmitTimeout(time.Minute), WithMetrics(m))
	if err := bus.Emit(context.Background(), alert("", 1)); err != nil {
		t.Fatalf("fill: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bus.Emit(ctx, alert("", 2)) }()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Emit = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Emit did not return after cancel")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.emitErrors != 0 {
		t.Errorf("cancellation counted as emit error")
	}
}

func TestEventBus_UnbufferedHandsOffToReceiver(t *testing.T) {
	m := &recordingMetrics{}
	bus := NewEventBus(0, WithEmitTimeout(time.Second), WithMetrics(m))

	received := make(chan domain.Event, 1)
	go func() { received <- <-bus.Channel() }()

	if err := bus.Emit(context.Background(), alert("conn-9", 9)); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	got := <-received
	if got.Scope.ConnectionID != "conn-9" {
		t.Errorf("scope = %q", got.Scope.ConnectionID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.saturations) != 0 {
		t.Errorf("saturation reported for zero-capacity bus: %v", m.saturations)
	}
}

func TestEventBus_OccupancyMetrics(t *testing.T) {
	m := &recordingMetrics{}
	bus := NewEventBus(4, WithMetrics(m))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := bus.Emit(ctx, alert("", i)); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.capacity != 4 {
		t.Errorf("capacity = %d, want 4", m.capacity)
	}
	if len(m.sizes) != 2 || m.sizes[0] != 1 || m.sizes[1] != 2 {
		t.Errorf("sizes = %v, want [1 2]", m.sizes)
	}
	if len(m.saturations) != 2 || m.saturations[1] != 0.5 {
		t.Errorf("saturations = %v, want [0.25 0.5]", m.saturations)
	}
}

func TestEventBus_ConcurrentProducersDeliverEachEventOnce(t *testing.T) {
	const producers, perProducer = 8, 25
	bus := NewEventBus(16, WithEmitTimeout(time.Second))

	seen := make(map[string]int)
	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		for i := 0; i < producers*perProducer; i++ {
			ev := <-bus.Channel()
			seen[fmt.Sprintf("%s/%v", ev.Scope.ConnectionID, ev.Data["seq"])]++
		}
	}()

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn := fmt.Sprintf("conn-%d", p)
			for i := 0; i < perProducer; i++ {
				if err := bus.Emit(context.Background(), alert(conn, i)); err != nil {
					t.Errorf("Emit(%s, %d): %v", conn, i, err)
				}
			}
		}()
	}
	wg.Wait()

	select {
	case <-consumed:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not receive every event")
	}

	if len(seen) != producers*perProducer {
		t.Fatalf("distinct events = %d, want %d", len(seen), producers*perProducer)
	}
	for k, n := range seen {
		if n != 1 {
			t.Errorf("%s received %d times", k, n)
		}
	}
}

func TestNewEventBus_DefaultEmitTimeout(t *testing.T) {
	if got := NewEventBus(1).emitTimeout; got != DefaultEmitTimeout {
		t.Errorf("emitTimeout = %v, want %v", got, DefaultEmitTimeout)
	}
}
