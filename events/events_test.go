package events

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/test"
)

func TestPublishSubscribe(t *testing.T) {
	mock := clock.NewMock()
	mock.Add(time.Minute)
	bus := NewBus(mock)

	all := bus.Subscribe(10)
	voltage := bus.Subscribe(10, KindVoltage)

	bus.Publish(KindOdometry, "pose")
	bus.Publish(KindVoltage, 12.1)

	ev := <-all.C
	test.That(t, ev.Kind, test.ShouldEqual, KindOdometry)
	test.That(t, ev.Data, test.ShouldEqual, "pose")
	test.That(t, ev.Time, test.ShouldEqual, mock.Now())
	test.That(t, (<-all.C).Kind, test.ShouldEqual, KindVoltage)

	ev = <-voltage.C
	test.That(t, ev.Kind, test.ShouldEqual, KindVoltage)
	test.That(t, ev.Data, test.ShouldEqual, 12.1)
	test.That(t, len(voltage.C), test.ShouldEqual, 0)
}

func TestPublishDoesNotBlock(t *testing.T) {
	bus := NewBus(nil)
	sub := bus.Subscribe(2)
	for i := 0; i < 5; i++ {
		bus.Publish(KindInfo, i)
	}
	test.That(t, len(sub.C), test.ShouldEqual, 2)
	test.That(t, sub.Dropped(), test.ShouldEqual, uint64(3))
	test.That(t, (<-sub.C).Data, test.ShouldEqual, 0)
}

func TestUnsubscribeAndClose(t *testing.T) {
	bus := NewBus(nil)
	a := bus.Subscribe(1)
	b := bus.Subscribe(1)

	bus.Unsubscribe(a)
	_, ok := <-a.C
	test.That(t, ok, test.ShouldBeFalse)
	// second unsubscribe is a no-op
	bus.Unsubscribe(a)

	bus.Close()
	_, ok = <-b.C
	test.That(t, ok, test.ShouldBeFalse)
	bus.Close()
	bus.Publish(KindError, "ignored")

	late := bus.Subscribe(1)
	_, ok = <-late.C
	test.That(t, ok, test.ShouldBeFalse)
}

func TestOr(t *testing.T) {
	test.That(t, Or(nil), test.ShouldHaveSameTypeAs, Discard)
	bus := NewBus(nil)
	defer bus.Close()
	test.That(t, Or(bus), test.ShouldEqual, bus)
	Discard.Publish(KindInfo, nil)
}
