package bus

import (
	"errors"
	"testing"

	"github.com/Fohen-Wade/ls2k0300-myo/internal/testutil/testlog"
)

func TestPublishRunsHandlersInRegistrationOrder(t *testing.T) {
	testlog.Start(t)
	b := New[int]("test")
	var order []string
	b.Subscribe(Func(func(int) { order = append(order, "a") }))
	b.Subscribe(Func(func(int) { order = append(order, "b") }))
	b.Subscribe(Func(func(int) { order = append(order, "c") }))

	if failed := b.Publish(1); failed != 0 {
		t.Fatalf("unexpected failures=%d", failed)
	}
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Fatalf("unexpected order=%v", order)
	}
}

func TestPublishIsolatesErrorsAndPanics(t *testing.T) {
	testlog.Start(t)
	b := New[string]("test")
	var reached []string
	b.Subscribe(func(string) error { return errors.New("boom") })
	b.Subscribe(Func(func(string) { panic("handler exploded") }))
	b.Subscribe(Func(func(v string) { reached = append(reached, v) }))

	if failed := b.Publish("x"); failed != 2 {
		t.Fatalf("failed got=%d want=2", failed)
	}
	if len(reached) != 1 || reached[0] != "x" {
		t.Fatalf("last handler not reached: %v", reached)
	}
}

func TestUnsubscribeRemovesOnlyTarget(t *testing.T) {
	testlog.Start(t)
	b := New[int]("test")
	var got []int
	first := b.Subscribe(Func(func(v int) { got = append(got, v*10) }))
	b.Subscribe(Func(func(v int) { got = append(got, v) }))

	if !b.Unsubscribe(first) {
		t.Fatalf("expected first handler removed")
	}
	if b.Unsubscribe(first) {
		t.Fatalf("second removal should report false")
	}
	b.Publish(7)
	if len(got) != 1 || got[0] != 7 {
		t.Fatalf("unexpected calls=%v", got)
	}
	if b.Len() != 1 {
		t.Fatalf("len got=%d want=1", b.Len())
	}
}

func TestNilHandlersAreIgnored(t *testing.T) {
	testlog.Start(t)
	b := New[int]("test")
	if h := Func[int](nil); h != nil {
		t.Fatalf("Func(nil) got=non-nil want=nil")
	}
	if id := b.Subscribe(Func[int](nil)); id != 0 {
		t.Fatalf("subscribe nil id got=%d want=0", id)
	}
	if got := b.Len(); got != 0 {
		t.Fatalf("handlers got=%d want=0", got)
	}
}

func TestUnsubscribeDuringPublishAppliesNextTime(t *testing.T) {
	testlog.Start(t)
	b := New[int]("test")
	calls := 0
	var id HandlerID
	id = b.Subscribe(Func(func(int) {
		calls++
		b.Unsubscribe(id)
	}))
	b.Publish(1)
	b.Publish(2)
	if calls != 1 {
		t.Fatalf("calls got=%d want=1", calls)
	}
}
