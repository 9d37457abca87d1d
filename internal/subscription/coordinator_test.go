package subscription

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"
)

// fakeDriver records wire requests. onCall, when set, runs inside the
// driver call while the coordinator lock is held.
type fakeDriver struct {
	channel ChannelType
	calls   []string
	onCall  func(op, symbol string)
}

func (d *fakeDriver) Subscribe(symbol string) {
	d.calls = append(d.calls, "subscribe:"+symbol)
	if d.onCall != nil {
		d.onCall("subscribe", symbol)
	}
}

func (d *fakeDriver) Unsubscribe(symbol string) {
	d.calls = append(d.calls, "unsubscribe:"+symbol)
	if d.onCall != nil {
		d.onCall("unsubscribe", symbol)
	}
}

func (d *fakeDriver) count(op, symbol string) int {
	n := 0
	for _, c := range d.calls {
		if c == op+":"+symbol {
			n++
		}
	}
	return n
}

func newTestCoordinator(live bool) (*Coordinator, *fakeDriver, *fakeDriver) {
	c := NewCoordinator(nil)
	book := &fakeDriver{channel: ChannelBook}
	trades := &fakeDriver{channel: ChannelTrades}
	c.RegisterDriver(ChannelBook, book)
	c.RegisterDriver(ChannelTrades, trades)
	if live {
		c.ReportConnectionState(true)
	}
	return c, book, trades
}

func mustAcquire(t *testing.T, c *Coordinator, ch ChannelType, symbol, widget string) {
	t.Helper()
	if err := c.Acquire(ch, symbol, widget); err != nil {
		t.Fatalf("Acquire(%s, %s, %s): %v", ch, symbol, widget, err)
	}
}

func mustRelease(t *testing.T, c *Coordinator, ch ChannelType, symbol, widget string) {
	t.Helper()
	if err := c.Release(ch, symbol, widget); err != nil {
		t.Fatalf("Release(%s, %s, %s): %v", ch, symbol, widget, err)
	}
}

func TestCoordinator_SharedSymbol(t *testing.T) {
	c, book, _ := newTestCoordinator(true)

	mustAcquire(t, c, ChannelBook, "BTCUSD", "W1")
	if got := c.RefCount(ChannelBook, "BTCUSD"); got != 1 {
		t.Errorf("RefCount = %d, want 1", got)
	}
	if got := book.count("subscribe", "BTCUSD"); got != 1 {
		t.Errorf("subscribe calls = %d, want 1", got)
	}

	mustAcquire(t, c, ChannelBook, "BTCUSD", "W2")
	if got := c.RefCount(ChannelBook, "BTCUSD"); got != 2 {
		t.Errorf("RefCount = %d, want 2", got)
	}
	if got := book.count("subscribe", "BTCUSD"); got != 1 {
		t.Errorf("subscribe calls = %d, want 1", got)
	}

	mustRelease(t, c, ChannelBook, "BTCUSD", "W1")
	if got := c.RefCount(ChannelBook, "BTCUSD"); got != 1 {
		t.Errorf("RefCount = %d, want 1", got)
	}
	if got := book.count("unsubscribe", "BTCUSD"); got != 0 {
		t.Errorf("unsubscribe calls = %d, want 0", got)
	}

	mustRelease(t, c, ChannelBook, "BTCUSD", "W2")
	if got := book.count("unsubscribe", "BTCUSD"); got != 1 {
		t.Errorf("unsubscribe calls = %d, want 1", got)
	}
	if _, ok := c.Lookup(ChannelBook, "BTCUSD"); ok {
		t.Error("entry should be removed after last release")
	}
}

func TestCoordinator_ReconnectReplay(t *testing.T) {
	c, _, trades := newTestCoordinator(true)

	mustAcquire(t, c, ChannelTrades, "ETHUSD", "W1")
	c.ReportSubscribed(ChannelTrades, "ETHUSD")
	c.ReportSnapshot(ChannelTrades, "ETHUSD")
	if !c.HasSnapshot(ChannelTrades, "ETHUSD") {
		t.Fatal("expected snapshot before drop")
	}

	c.ReportConnectionState(false)
	if c.HasSnapshot(ChannelTrades, "ETHUSD") {
		t.Error("HasSnapshot should be false immediately after drop")
	}
	if c.IsOnline(ChannelTrades, "ETHUSD") {
		t.Error("IsOnline should be false while disconnected")
	}
	if got := trades.count("subscribe", "ETHUSD"); got != 1 {
		t.Errorf("subscribe calls after drop = %d, want 1", got)
	}

	c.ReportConnectionState(true)
	if got := trades.count("subscribe", "ETHUSD"); got != 2 {
		t.Errorf("subscribe calls after reconnect = %d, want 2", got)
	}
	e, _ := c.Lookup(ChannelTrades, "ETHUSD")
	if e.WireState != SubscribePending {
		t.Errorf("WireState = %v, want %v", e.WireState, SubscribePending)
	}
	if c.HasSnapshot(ChannelTrades, "ETHUSD") {
		t.Error("HasSnapshot should stay false until a fresh snapshot")
	}

	c.ReportSubscribed(ChannelTrades, "ETHUSD")
	if c.HasSnapshot(ChannelTrades, "ETHUSD") {
		t.Error("HasSnapshot should stay false after ack without snapshot")
	}

	c.ReportSnapshot(ChannelTrades, "ETHUSD")
	if !c.HasSnapshot(ChannelTrades, "ETHUSD") {
		t.Error("HasSnapshot should be true after fresh snapshot")
	}
	if !c.IsOnline(ChannelTrades, "ETHUSD") {
		t.Error("IsOnline should be true after resubscribe")
	}
}

func TestCoordinator_ReplayEveryHeldKeyOnce(t *testing.T) {
	c, book, trades := newTestCoordinator(true)

	mustAcquire(t, c, ChannelBook, "BTCUSD", "W1")
	mustAcquire(t, c, ChannelBook, "BTCUSD", "W2")
	mustAcquire(t, c, ChannelBook, "ETHUSD", "W3")
	mustAcquire(t, c, ChannelTrades, "BTCUSD", "W1")
	mustAcquire(t, c, ChannelTrades, "LTCUSD", "W4")
	mustRelease(t, c, ChannelTrades, "LTCUSD", "W4")

	book.calls = nil
	trades.calls = nil

	c.ReportConnectionState(false)
	if len(book.calls)+len(trades.calls) != 0 {
		t.Errorf("no wire calls expected on disconnect, got %v %v", book.calls, trades.calls)
	}

	c.ReportConnectionState(true)
	// Duplicate live reports must not replay again.
	c.ReportConnectionState(true)

	if got := book.count("subscribe", "BTCUSD"); got != 1 {
		t.Errorf("book BTCUSD subscribes = %d, want 1", got)
	}
	if got := book.count("subscribe", "ETHUSD"); got != 1 {
		t.Errorf("book ETHUSD subscribes = %d, want 1", got)
	}
	if got := trades.count("subscribe", "BTCUSD"); got != 1 {
		t.Errorf("trades BTCUSD subscribes = %d, want 1", got)
	}
	if got := trades.count("subscribe", "LTCUSD"); got != 0 {
		t.Errorf("released key replayed %d times", got)
	}

	for _, info := range c.Entries() {
		if info.SnapshotReceived {
			t.Errorf("%v: SnapshotReceived should be false after replay", info.Key)
		}
	}
	if got := c.Stats().Replays; got != 2 {
		t.Errorf("Replays = %d, want 2", got)
	}
}

func TestCoordinator_SwitchWhileOtherHolds(t *testing.T) {
	c, book, _ := newTestCoordinator(true)

	mustAcquire(t, c, ChannelBook, "BTCUSD", "W1")
	mustAcquire(t, c, ChannelBook, "BTCUSD", "W2")

	book.onCall = func(op, symbol string) {
		if symbol != "BTCUSD" {
			return
		}
		if e := c.reg.get(Key{Channel: ChannelBook, Symbol: "BTCUSD"}); e == nil || e.RefCount < 1 {
			t.Errorf("BTCUSD refcount dropped below 1 during switch (op %s)", op)
		}
	}

	if err := c.SwitchSymbol(ChannelBook, "BTCUSD", "ETHUSD", "W1"); err != nil {
		t.Fatalf("SwitchSymbol: %v", err)
	}

	if got := c.RefCount(ChannelBook, "BTCUSD"); got != 1 {
		t.Errorf("BTCUSD RefCount = %d, want 1", got)
	}
	if got := book.count("unsubscribe", "BTCUSD"); got != 0 {
		t.Errorf("BTCUSD unsubscribes = %d, want 0", got)
	}
	if got := c.RefCount(ChannelBook, "ETHUSD"); got != 1 {
		t.Errorf("ETHUSD RefCount = %d, want 1", got)
	}
	if got := book.count("subscribe", "ETHUSD"); got != 1 {
		t.Errorf("ETHUSD subscribes = %d, want 1", got)
	}

	// W1 now holds ETHUSD, so releasing BTCUSD on its behalf is a violation.
	if err := c.Release(ChannelBook, "BTCUSD", "W1"); !errors.Is(err, ErrLogic) {
		t.Errorf("Release old symbol after switch: err = %v, want ErrLogic", err)
	}
	mustRelease(t, c, ChannelBook, "ETHUSD", "W1")
}

func TestCoordinator_SwitchLastHolderOrdersSubscribeFirst(t *testing.T) {
	c, book, _ := newTestCoordinator(true)

	mustAcquire(t, c, ChannelBook, "BTCUSD", "W1")
	book.calls = nil

	if err := c.SwitchSymbol(ChannelBook, "BTCUSD", "ETHUSD", "W1"); err != nil {
		t.Fatalf("SwitchSymbol: %v", err)
	}

	want := []string{"subscribe:ETHUSD", "unsubscribe:BTCUSD"}
	if fmt.Sprint(book.calls) != fmt.Sprint(want) {
		t.Errorf("calls = %v, want %v", book.calls, want)
	}
}

func TestCoordinator_SwitchSameSymbolNoop(t *testing.T) {
	c, book, _ := newTestCoordinator(true)

	mustAcquire(t, c, ChannelBook, "BTCUSD", "W1")
	book.calls = nil

	if err := c.SwitchSymbol(ChannelBook, "BTCUSD", "BTCUSD", "W1"); err != nil {
		t.Fatalf("SwitchSymbol: %v", err)
	}
	if len(book.calls) != 0 {
		t.Errorf("expected no wire calls, got %v", book.calls)
	}
	if got := c.RefCount(ChannelBook, "BTCUSD"); got != 1 {
		t.Errorf("RefCount = %d, want 1", got)
	}
}

func TestCoordinator_SwitchNotHeld(t *testing.T) {
	c, _, _ := newTestCoordinator(true)

	err := c.SwitchSymbol(ChannelBook, "BTCUSD", "ETHUSD", "W1")
	if !errors.Is(err, ErrLogic) {
		t.Fatalf("err = %v, want ErrLogic", err)
	}
	if got := c.RefCount(ChannelBook, "ETHUSD"); got != 0 {
		t.Errorf("ETHUSD RefCount = %d, want 0 after rejected switch", got)
	}
}

func TestCoordinator_DoubleAcquireRejected(t *testing.T) {
	c, book, _ := newTestCoordinator(true)

	mustAcquire(t, c, ChannelBook, "BTCUSD", "W1")

	err := c.Acquire(ChannelBook, "ETHUSD", "W1")
	if !errors.Is(err, ErrLogic) {
		t.Fatalf("err = %v, want ErrLogic", err)
	}
	if got := c.RefCount(ChannelBook, "ETHUSD"); got != 0 {
		t.Errorf("ETHUSD RefCount = %d, want 0", got)
	}
	if got := book.count("subscribe", "ETHUSD"); got != 0 {
		t.Errorf("ETHUSD subscribes = %d, want 0", got)
	}

	// Same widget may hold a symbol on another channel type.
	mustAcquire(t, c, ChannelTrades, "ETHUSD", "W1")
}

func TestCoordinator_DoubleReleaseRejected(t *testing.T) {
	c, book, _ := newTestCoordinator(true)

	mustAcquire(t, c, ChannelBook, "BTCUSD", "W1")
	mustAcquire(t, c, ChannelBook, "BTCUSD", "W2")
	mustRelease(t, c, ChannelBook, "BTCUSD", "W1")

	err := c.Release(ChannelBook, "BTCUSD", "W1")
	if !errors.Is(err, ErrLogic) {
		t.Fatalf("err = %v, want ErrLogic", err)
	}

	var le *LogicError
	if !errors.As(err, &le) {
		t.Fatal("expected *LogicError")
	}
	if le.Widget != "W1" {
		t.Errorf("Widget = %q, want W1", le.Widget)
	}

	if got := c.RefCount(ChannelBook, "BTCUSD"); got != 1 {
		t.Errorf("RefCount = %d, want 1", got)
	}
	if got := book.count("unsubscribe", "BTCUSD"); got != 0 {
		t.Errorf("unsubscribes = %d, want 0", got)
	}
}

func TestCoordinator_ReleaseWrongSymbol(t *testing.T) {
	c, _, _ := newTestCoordinator(true)

	mustAcquire(t, c, ChannelBook, "BTCUSD", "W1")
	mustAcquire(t, c, ChannelBook, "ETHUSD", "W2")

	if err := c.Release(ChannelBook, "ETHUSD", "W1"); !errors.Is(err, ErrLogic) {
		t.Fatalf("err = %v, want ErrLogic", err)
	}
	if got := c.RefCount(ChannelBook, "ETHUSD"); got != 1 {
		t.Errorf("ETHUSD RefCount = %d, want 1", got)
	}
}

func TestCoordinator_InvalidArguments(t *testing.T) {
	c := NewCoordinator(nil)
	c.RegisterDriver(ChannelBook, &fakeDriver{})

	tests := []struct {
		name    string
		channel ChannelType
		symbol  string
		widget  string
	}{
		{name: "no driver", channel: ChannelTrades, symbol: "BTCUSD", widget: "W1"},
		{name: "empty symbol", channel: ChannelBook, symbol: "", widget: "W1"},
		{name: "empty widget", channel: ChannelBook, symbol: "BTCUSD", widget: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Acquire(tt.channel, tt.symbol, tt.widget)
			if !errors.Is(err, ErrLogic) {
				t.Errorf("err = %v, want ErrLogic", err)
			}
		})
	}

	if got := c.Stats().Keys; got != 0 {
		t.Errorf("Keys = %d, want 0", got)
	}
}

func TestCoordinator_AcquireWhileOffline(t *testing.T) {
	c, book, _ := newTestCoordinator(false)

	mustAcquire(t, c, ChannelBook, "BTCUSD", "W1")
	if len(book.calls) != 0 {
		t.Fatalf("expected no wire calls while offline, got %v", book.calls)
	}
	e, ok := c.Lookup(ChannelBook, "BTCUSD")
	if !ok {
		t.Fatal("entry missing")
	}
	if e.WireState != Unsubscribed {
		t.Errorf("WireState = %v, want %v", e.WireState, Unsubscribed)
	}

	c.ReportConnectionState(true)
	if got := book.count("subscribe", "BTCUSD"); got != 1 {
		t.Errorf("subscribes after going live = %d, want 1", got)
	}
}

func TestCoordinator_ReleaseNeverSubscribed(t *testing.T) {
	c, book, _ := newTestCoordinator(false)

	mustAcquire(t, c, ChannelBook, "BTCUSD", "W1")
	mustRelease(t, c, ChannelBook, "BTCUSD", "W1")

	if len(book.calls) != 0 {
		t.Errorf("expected no wire calls, got %v", book.calls)
	}
}

func TestCoordinator_ReleasePendingUnsubscribesImmediately(t *testing.T) {
	c, book, _ := newTestCoordinator(true)

	mustAcquire(t, c, ChannelBook, "BTCUSD", "W1")
	mustRelease(t, c, ChannelBook, "BTCUSD", "W1")

	want := []string{"subscribe:BTCUSD", "unsubscribe:BTCUSD"}
	if fmt.Sprint(book.calls) != fmt.Sprint(want) {
		t.Errorf("calls = %v, want %v", book.calls, want)
	}

	// A late ack for the released key is ignored.
	c.ReportSubscribed(ChannelBook, "BTCUSD")
	if _, ok := c.Lookup(ChannelBook, "BTCUSD"); ok {
		t.Error("late ack must not resurrect the entry")
	}
}

func TestCoordinator_SnapshotImpliesSubscribed(t *testing.T) {
	c, _, _ := newTestCoordinator(true)

	mustAcquire(t, c, ChannelBook, "BTCUSD", "W1")
	c.ReportSnapshot(ChannelBook, "BTCUSD")

	e, _ := c.Lookup(ChannelBook, "BTCUSD")
	if e.WireState != Subscribed || !e.SnapshotReceived {
		t.Errorf("entry = %+v, want subscribed with snapshot", e)
	}
}

func TestCoordinator_SnapshotIgnoredWhileOffline(t *testing.T) {
	c, _, _ := newTestCoordinator(false)

	mustAcquire(t, c, ChannelBook, "BTCUSD", "W1")
	c.ReportSnapshot(ChannelBook, "BTCUSD")

	if c.HasSnapshot(ChannelBook, "BTCUSD") {
		t.Error("snapshot must not be recorded while offline")
	}
}

func TestCoordinator_SubscribeFailedKeepsPending(t *testing.T) {
	c, _, _ := newTestCoordinator(true)

	mustAcquire(t, c, ChannelBook, "BTCUSD", "W1")
	c.ReportSubscribeFailed(ChannelBook, "BTCUSD", errors.New("symbol: invalid"))

	e, _ := c.Lookup(ChannelBook, "BTCUSD")
	if e.WireState != SubscribePending {
		t.Errorf("WireState = %v, want %v", e.WireState, SubscribePending)
	}
	if got := c.Stats().FeedFailures; got != 1 {
		t.Errorf("FeedFailures = %d, want 1", got)
	}
}

func TestCoordinator_FeedDroppedSubscription(t *testing.T) {
	c, _, _ := newTestCoordinator(true)

	mustAcquire(t, c, ChannelBook, "BTCUSD", "W1")
	c.ReportSnapshot(ChannelBook, "BTCUSD")
	c.ReportUnsubscribed(ChannelBook, "BTCUSD")

	e, _ := c.Lookup(ChannelBook, "BTCUSD")
	if e.WireState != Unsubscribed || e.SnapshotReceived {
		t.Errorf("entry = %+v, want unsubscribed without snapshot", e)
	}
	if e.RefCount != 1 {
		t.Errorf("RefCount = %d, want 1", e.RefCount)
	}
}

func TestCoordinator_Changes(t *testing.T) {
	c, _, _ := newTestCoordinator(true)

	mustAcquire(t, c, ChannelBook, "BTCUSD", "W1")
	c.ReportSubscribed(ChannelBook, "BTCUSD")
	c.ReportSnapshot(ChannelBook, "BTCUSD")
	mustRelease(t, c, ChannelBook, "BTCUSD", "W1")

	var got []StateChange
	for len(c.Changes()) > 0 {
		got = append(got, <-c.Changes())
	}

	want := []StateChange{
		{Key: Key{ChannelBook, "BTCUSD"}, Online: false, Loading: true},
		{Key: Key{ChannelBook, "BTCUSD"}, Online: true, Loading: true},
		{Key: Key{ChannelBook, "BTCUSD"}, Online: true, Loading: false},
		{Key: Key{ChannelBook, "BTCUSD"}, Loading: true, Removed: true},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d changes, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("change[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestCoordinator_ChangesDropOldest(t *testing.T) {
	c, _, _ := newTestCoordinator(true)

	for i := 0; i < ChangeBufferSize+10; i++ {
		mustAcquire(t, c, ChannelBook, fmt.Sprintf("SYM%d", i), fmt.Sprintf("W%d", i))
	}

	if got := len(c.Changes()); got != ChangeBufferSize {
		t.Errorf("len(Changes) = %d, want %d", got, ChangeBufferSize)
	}
	if got := c.Stats().DroppedChanges; got != 10 {
		t.Errorf("DroppedChanges = %d, want 10", got)
	}
	first := <-c.Changes()
	if first.Key.Symbol != "SYM10" {
		t.Errorf("oldest remaining = %s, want SYM10", first.Key.Symbol)
	}
}

// TestCoordinator_RandomizedConservation drives many widgets through random
// mounts, switches and unmounts and checks refcounts against a model.
func TestCoordinator_RandomizedConservation(t *testing.T) {
	c, book, _ := newTestCoordinator(true)
	rng := rand.New(rand.NewSource(42))

	symbols := []string{"BTCUSD", "ETHUSD", "LTCUSD", "XRPUSD"}
	held := make(map[string]string) // widget → symbol
	model := make(map[string]int)   // symbol → expected refcount

	book.onCall = func(op, symbol string) {
		e := c.reg.get(Key{Channel: ChannelBook, Symbol: symbol})
		switch op {
		case "unsubscribe":
			if e != nil {
				t.Errorf("unsubscribe(%s) issued with refcount %d", symbol, e.RefCount)
			}
		case "subscribe":
			if e == nil || e.RefCount < 1 {
				t.Errorf("subscribe(%s) issued for a key nobody holds", symbol)
			}
		}
	}

	for i := 0; i < 2000; i++ {
		widget := fmt.Sprintf("W%d", rng.Intn(12))
		symbol := symbols[rng.Intn(len(symbols))]
		current, holding := held[widget]

		switch {
		case !holding:
			mustAcquire(t, c, ChannelBook, symbol, widget)
			held[widget] = symbol
			model[symbol]++
		case rng.Intn(3) == 0:
			mustRelease(t, c, ChannelBook, current, widget)
			delete(held, widget)
			model[current]--
		default:
			if err := c.SwitchSymbol(ChannelBook, current, symbol, widget); err != nil {
				t.Fatalf("SwitchSymbol: %v", err)
			}
			if current != symbol {
				held[widget] = symbol
				model[current]--
				model[symbol]++
			}
		}

		if i%250 == 0 {
			c.ReportConnectionState(false)
			c.ReportConnectionState(true)
		}
	}

	for _, s := range symbols {
		if got := c.RefCount(ChannelBook, s); got != model[s] {
			t.Errorf("RefCount(%s) = %d, model = %d", s, got, model[s])
		}
		_, present := c.Lookup(ChannelBook, s)
		if present != (model[s] > 0) {
			t.Errorf("%s present = %v with model refcount %d", s, present, model[s])
		}
	}
}
