package events

import "testing"

func TestBus_FilterAndOrder(t *testing.T) {
	b := NewBus(nil)
	var all, flips []uint64
	b.Subscribe("all", func(ev Event) { all = append(all, ev.Seq) })
	b.Subscribe("flips", func(ev Event) { flips = append(flips, ev.Seq) }, TerritoryControlFlipped)

	b.Publish(Event{Kind: InfluenceChanged})
	b.Publish(Event{Kind: TerritoryControlFlipped})
	b.Publish(Event{Kind: InfluenceChanged})

	if len(all) != 3 || all[0] != 1 || all[1] != 2 || all[2] != 3 {
		t.Fatalf("all=%v", all)
	}
	if len(flips) != 1 || flips[0] != 2 {
		t.Fatalf("flips=%v", flips)
	}
}

func TestBus_ReentrantPublishKeepsOrder(t *testing.T) {
	b := NewBus(nil)
	var seen []Kind
	b.Subscribe("chain", func(ev Event) {
		if ev.Kind == InfluenceChanged {
			b.Publish(Event{Kind: TerritoryContested})
		}
	})
	b.Subscribe("record", func(ev Event) { seen = append(seen, ev.Kind) })

	b.Publish(Event{Kind: InfluenceChanged})

	if len(seen) != 2 || seen[0] != InfluenceChanged || seen[1] != TerritoryContested {
		t.Fatalf("seen=%v", seen)
	}
}

func TestBus_PanickingSinkIsUnsubscribed(t *testing.T) {
	b := NewBus(nil)
	calls := 0
	b.Subscribe("bad", func(Event) { panic("boom") })
	b.Subscribe("good", func(Event) { calls++ })

	b.Publish(Event{Kind: SessionStarted})
	b.Publish(Event{Kind: SessionEnded})

	if calls != 2 {
		t.Fatalf("good sink calls=%d", calls)
	}
	if b.Len() != 1 {
		t.Fatalf("subs=%d", b.Len())
	}
	if b.Panics() != 1 {
		t.Fatalf("panics=%d", b.Panics())
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := NewBus(nil)
	calls := 0
	h := b.Subscribe("x", func(Event) { calls++ })
	if !b.Unsubscribe(h) {
		t.Fatalf("unsubscribe failed")
	}
	if b.Unsubscribe(h) {
		t.Fatalf("double unsubscribe should report false")
	}
	b.Publish(Event{Kind: SessionStarted})
	if calls != 0 {
		t.Fatalf("calls=%d", calls)
	}
}

func TestBus_ReservedSeq(t *testing.T) {
	b := NewBus(nil)
	var got uint64
	b.Subscribe("x", func(ev Event) { got = ev.Seq })
	seq := b.NextSeq()
	b.Publish(Event{Seq: seq, Kind: InfluenceChanged})
	if got != seq {
		t.Fatalf("seq=%d want %d", got, seq)
	}
	if next := b.Publish(Event{Kind: InfluenceChanged}); next != seq+1 {
		t.Fatalf("next=%d", next)
	}
}
