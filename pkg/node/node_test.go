package node

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/zephyrmesh/pkg/crdt"
	"github.com/ryandielhenn/zephyrmesh/pkg/delivery"
	"github.com/ryandielhenn/zephyrmesh/pkg/kv"
	"github.com/ryandielhenn/zephyrmesh/pkg/linkv"
	"github.com/ryandielhenn/zephyrmesh/pkg/message"
)

type sent struct {
	env message.Envelope
	d   delivery.Durability
}

type outbox struct {
	sent  []sent
	acked []int
}

func (o *outbox) Enqueue(env message.Envelope, d delivery.Durability) {
	o.sent = append(o.sent, sent{env, d})
}

func (o *outbox) MarkAcked(id int) { o.acked = append(o.acked, id) }

func (o *outbox) take() []sent {
	out := o.sent
	o.sent = nil
	return out
}

type failingAllocator struct{ err error }

func (f failingAllocator) Next(context.Context, string) (int, error) { return 0, f.err }

var clientMsgs message.Sequence

func request(src, dest string, p message.Payload) message.Envelope {
	return message.New(src, dest, clientMsgs.NextPtr(), nil, p)
}

// newNode returns an initialised node n1 in the cluster [n1 n2 n3].
func newNode(t *testing.T, alloc Allocator) (*Node, *outbox) {
	t.Helper()
	out := &outbox{}
	n := New(out, alloc, nil, nil)
	n.newID = func() string { return "fixed-id" }
	require.NoError(t, n.Handle(context.Background(), request("c0", "n1", &message.Init{NodeID: "n1", NodeIDs: []string{"n1", "n2", "n3"}})))
	got := out.take()
	require.Len(t, got, 1)
	require.IsType(t, &message.InitOk{}, got[0].env.Body.Payload)
	return n, out
}

// replyTo returns the single direct reply to req among s.
func replyTo(t *testing.T, s []sent, req message.Envelope) message.Payload {
	t.Helper()
	want, _ := req.ID()
	var found []message.Payload
	for _, e := range s {
		if to, ok := e.env.ReplyTo(); ok && to == want {
			require.Equal(t, req.Src, e.env.Dest)
			require.Equal(t, delivery.BestEffort, e.d)
			found = append(found, e.env.Body.Payload)
		}
	}
	require.Len(t, found, 1)
	return found[0]
}

func gossipDests(s []sent) []string {
	var out []string
	for _, e := range s {
		if e.env.IsGossip() {
			out = append(out, e.env.Dest)
		}
	}
	return out
}

func TestSendPollScenario(t *testing.T) {
	out := &outbox{}
	n := New(out, linkv.NewAllocator(&linkv.Register{}, "", 0, nil), nil, nil)
	ctx := context.Background()

	initReq := request("c1", "n1", &message.Init{NodeID: "n1", NodeIDs: []string{"n1", "n2"}})
	require.NoError(t, n.Handle(ctx, initReq))
	require.IsType(t, &message.InitOk{}, replyTo(t, out.take(), initReq))

	send := request("c1", "n1", &message.Send{Key: "k1", Msg: 5})
	require.NoError(t, n.Handle(ctx, send))
	got := out.take()
	require.Equal(t, &message.SendOk{Offset: 0}, replyTo(t, got, send))
	require.Equal(t, []string{"n2"}, gossipDests(got))

	poll := request("c1", "n1", &message.Poll{Offsets: map[string]int{"k1": 0}})
	require.NoError(t, n.Handle(ctx, poll))
	require.Equal(t, &message.PollOk{Msgs: map[string][][2]int{"k1": {{0, 5}}}}, replyTo(t, out.take(), poll))
}

func TestOffsetsIncreasePerTopic(t *testing.T) {
	n, out := newNode(t, linkv.NewAllocator(&linkv.Register{}, "", 0, nil))
	ctx := context.Background()

	for i, key := range []string{"a", "a", "b", "a"} {
		req := request("c1", "n1", &message.Send{Key: key, Msg: 100 + i})
		require.NoError(t, n.Handle(ctx, req))
		ok := replyTo(t, out.take(), req).(*message.SendOk)
		want := map[int]int{0: 0, 1: 1, 2: 0, 3: 2}[i]
		require.Equal(t, want, ok.Offset)
	}

	poll := request("c1", "n1", &message.Poll{Offsets: map[string]int{"a": 1, "missing": 0}})
	require.NoError(t, n.Handle(ctx, poll))
	p := replyTo(t, out.take(), poll).(*message.PollOk)
	require.Equal(t, [][2]int{{1, 101}, {2, 103}}, p.Msgs["a"])
	require.Empty(t, p.Msgs["missing"])
}

func TestAllocationFailureRepliesCrash(t *testing.T) {
	n, out := newNode(t, failingAllocator{err: errors.New("kv unavailable")})

	req := request("c1", "n1", &message.Send{Key: "k", Msg: 1})
	require.Error(t, n.Handle(context.Background(), req))
	got := out.take()
	e, ok := replyTo(t, got, req).(*message.Error)
	require.True(t, ok)
	require.Equal(t, message.CodeCrash, e.Code)
	require.Empty(t, gossipDests(got), "nothing was appended")
}

func TestStatelessHandlers(t *testing.T) {
	n, out := newNode(t, nil)
	ctx := context.Background()

	echo := request("c1", "n1", &message.Echo{Echo: "hello"})
	require.NoError(t, n.Handle(ctx, echo))
	require.Equal(t, &message.EchoOk{Echo: "hello"}, replyTo(t, out.take(), echo))

	gen := request("c1", "n1", &message.Generate{})
	require.NoError(t, n.Handle(ctx, gen))
	require.Equal(t, &message.GenerateOk{ID: "fixed-id"}, replyTo(t, out.take(), gen))

	topo := request("c1", "n1", &message.Topology{Topology: map[string][]string{"n1": {"n2"}}})
	require.NoError(t, n.Handle(ctx, topo))
	require.IsType(t, &message.TopologyOk{}, replyTo(t, out.take(), topo))
	require.Equal(t, []string{"n2"}, n.members.Neighbors("n1"))
}

func TestGenerateIsUnique(t *testing.T) {
	n := New(&outbox{}, nil, nil, nil)
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := n.newID()
		require.False(t, seen[id])
		seen[id] = true
	}
}

func TestRepliesOnlySettleAcks(t *testing.T) {
	n, out := newNode(t, nil)
	to := 7
	env := message.New("n2", "n1", message.IntPtr(3), &to, &message.BroadcastOk{})
	require.NoError(t, n.Handle(context.Background(), env))
	require.Equal(t, []int{7}, out.acked)
	require.Empty(t, out.take())
}

func TestBroadcastRelaysOnceUntilAcked(t *testing.T) {
	n, out := newNode(t, nil)
	ctx := context.Background()

	first := request("c1", "n1", &message.Broadcast{Message: 42})
	require.NoError(t, n.Handle(ctx, first))
	got := out.take()
	require.IsType(t, &message.BroadcastOk{}, replyTo(t, got, first))

	var relayed []string
	for _, s := range got {
		if b, ok := s.env.Body.Payload.(*message.Broadcast); ok {
			require.Equal(t, 42, b.Message)
			require.Equal(t, delivery.UntilAcked, s.d)
			_, hasID := s.env.ID()
			require.True(t, hasID)
			relayed = append(relayed, s.env.Dest)
		}
	}
	require.ElementsMatch(t, []string{"n2", "n3"}, relayed)

	// a peer relaying the same value back gets an ack and nothing else
	again := request("n2", "n1", &message.Broadcast{Message: 42})
	require.NoError(t, n.Handle(ctx, again))
	got = out.take()
	require.Len(t, got, 1)
	require.IsType(t, &message.BroadcastOk{}, replyTo(t, got, again))

	read := request("c1", "n1", &message.Read{})
	require.NoError(t, n.Handle(ctx, read))
	r := replyTo(t, out.take(), read).(*message.ReadOk)
	require.Equal(t, []int{42}, r.Messages)
}

func TestBroadcastFromPeerSkipsItsSubtree(t *testing.T) {
	n, out := newNode(t, nil)
	ctx := context.Background()
	topo := request("c0", "n1", &message.Topology{Topology: map[string][]string{
		"n1": {"n2", "n3"},
		"n2": {"n1"},
		"n3": {"n1"},
	}})
	require.NoError(t, n.Handle(ctx, topo))
	out.take()

	req := request("n2", "n1", &message.Broadcast{Message: 1})
	require.NoError(t, n.Handle(ctx, req))
	var relayed []string
	for _, s := range out.take() {
		if _, ok := s.env.Body.Payload.(*message.Broadcast); ok {
			relayed = append(relayed, s.env.Dest)
		}
	}
	require.Equal(t, []string{"n3"}, relayed)
}

func TestAddThenReadCounter(t *testing.T) {
	n, out := newNode(t, nil)
	ctx := context.Background()

	for _, d := range []int{3, 4, 3} {
		req := request("c1", "n1", &message.Add{Delta: d})
		require.NoError(t, n.Handle(ctx, req))
		got := out.take()
		require.IsType(t, &message.AddOk{}, replyTo(t, got, req))
		require.ElementsMatch(t, []string{"n2", "n3"}, gossipDests(got))
	}

	read := request("c1", "n1", &message.Read{})
	require.NoError(t, n.Handle(ctx, read))
	r := replyTo(t, out.take(), read).(*message.ReadOk)
	require.NotNil(t, r.Value)
	require.Equal(t, 10, *r.Value)
	require.NotNil(t, r.Messages)
	require.Empty(t, r.Messages)
	require.Equal(t, 3, n.state.Counter.Len(), "repeated deltas get distinct records")
}

func TestGossipFanoutOnlyOnChange(t *testing.T) {
	n, out := newNode(t, nil)
	ctx := context.Background()

	remote := crdt.NewState()
	remote.Counter.Add(crdt.RecordID("n2", 0, 5), 5)

	g := request("n2", "n1", &message.Gossip{ReceivedState: remote})
	require.NoError(t, n.Handle(ctx, g))
	got := out.take()
	require.IsType(t, &message.GossipOk{}, replyTo(t, got, g))
	require.Equal(t, []string{"n3"}, gossipDests(got))
	require.Equal(t, 5, n.state.Counter.Value())

	again := request("n3", "n1", &message.Gossip{ReceivedState: remote})
	require.NoError(t, n.Handle(ctx, again))
	got = out.take()
	require.Len(t, got, 1, "converged state is acknowledged but not relayed")
}

func TestCommittedOffsetsAreKeyedByClient(t *testing.T) {
	n, out := newNode(t, nil)
	ctx := context.Background()

	commit := request("c1", "n1", &message.CommitOffsets{Offsets: map[string]int{"a": 3, "b": 1}})
	require.NoError(t, n.Handle(ctx, commit))
	got := out.take()
	require.IsType(t, &message.CommitOffsetsOk{}, replyTo(t, got, commit))
	require.ElementsMatch(t, []string{"n2", "n3"}, gossipDests(got))

	older := request("c1", "n1", &message.CommitOffsets{Offsets: map[string]int{"a": 2}})
	require.NoError(t, n.Handle(ctx, older))
	out.take()

	list := request("c1", "n1", &message.ListCommittedOffsets{Keys: []string{"a", "b", "c"}})
	require.NoError(t, n.Handle(ctx, list))
	require.Equal(t, &message.ListCommittedOffsetsOk{Offsets: map[string]int{"a": 3, "b": 1}}, replyTo(t, out.take(), list))

	other := request("c2", "n1", &message.ListCommittedOffsets{Keys: []string{"a"}})
	require.NoError(t, n.Handle(ctx, other))
	require.Equal(t, &message.ListCommittedOffsetsOk{Offsets: map[string]int{}}, replyTo(t, out.take(), other))
}

func TestTxnAppliesAgainstSnapshot(t *testing.T) {
	n, out := newNode(t, nil)
	ctx := context.Background()

	req := request("c1", "n1", &message.Txn{Txn: []kv.Op{kv.Write(1, 10), kv.Read(1)}})
	require.NoError(t, n.Handle(ctx, req))
	got := out.take()
	ok := replyTo(t, got, req).(*message.TxnOk)
	require.Len(t, ok.Txn, 2)
	require.Nil(t, ok.Txn[1].Value, "reads see the state before the transaction")
	require.ElementsMatch(t, []string{"n2", "n3"}, gossipDests(got))

	req = request("c1", "n1", &message.Txn{Txn: []kv.Op{kv.Read(1)}})
	require.NoError(t, n.Handle(ctx, req))
	ok = replyTo(t, out.take(), req).(*message.TxnOk)
	require.Equal(t, 10, *ok.Txn[0].Value)
}

func TestStatusTracksState(t *testing.T) {
	n, _ := newNode(t, nil)
	require.NoError(t, n.Handle(context.Background(), request("c1", "n1", &message.Add{Delta: 2})))

	st := n.Status()
	require.Equal(t, "n1", st.Node)
	require.Equal(t, 2, st.Peers)
	require.Equal(t, 2, st.Counter)
	require.EqualValues(t, 2, st.Handled)
}

func TestRunStopsWhenInputCloses(t *testing.T) {
	n := New(&outbox{}, nil, nil, nil)
	in := make(chan message.Envelope, 2)
	in <- request("c0", "n1", &message.Init{NodeID: "n1", NodeIDs: []string{"n1"}})
	in <- request("c0", "n1", &message.Init{})
	close(in)
	require.NoError(t, n.Run(context.Background(), in))
	require.Equal(t, "n1", n.ID())
}

func TestPushStateReachesEveryPeer(t *testing.T) {
	fresh := New(&outbox{}, nil, nil, nil)
	fresh.pushState()
	require.Empty(t, fresh.out.(*outbox).sent, "nothing to push before init")

	n, out := newNode(t, nil)
	n.pushState()
	require.Empty(t, out.take(), "nothing to push while state is empty")

	// a peer's own update is still pushed back to it
	remote := crdt.NewState()
	remote.Counter.Add(crdt.RecordID("n2", 0, 5), 5)
	require.NoError(t, n.Handle(context.Background(), request("n2", "n1", &message.Gossip{ReceivedState: remote})))
	out.take()

	n.pushState()
	got := out.take()
	require.ElementsMatch(t, []string{"n2", "n3"}, gossipDests(got))
	for _, s := range got {
		g := s.env.Body.Payload.(*message.Gossip)
		require.Equal(t, 5, g.ReceivedState.Counter.Value())
		require.Equal(t, "n1", s.env.Src)
	}
}

func TestRunPushesStateOnTick(t *testing.T) {
	rec := &syncOutbox{}
	n := New(rec, nil, nil, nil)
	n.SetAntiEntropyInterval(5 * time.Millisecond)

	in := make(chan message.Envelope, 2)
	in <- request("c0", "n1", &message.Init{NodeID: "n1", NodeIDs: []string{"n1", "n2"}})
	in <- request("c0", "n1", &message.Add{Delta: 1})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx, in) }()

	// add fans out once; further gossip to n2 can only come from the ticker
	require.Eventually(t, func() bool { return rec.gossipCount("n2") >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

type syncOutbox struct {
	mu   sync.Mutex
	sent []message.Envelope
}

func (o *syncOutbox) Enqueue(env message.Envelope, _ delivery.Durability) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, env)
}

func (o *syncOutbox) MarkAcked(int) {}

func (o *syncOutbox) gossipCount(dest string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	c := 0
	for _, env := range o.sent {
		if env.IsGossip() && env.Dest == dest {
			c++
		}
	}
	return c
}

func TestHealthzWaitsForInit(t *testing.T) {
	n := New(&outbox{}, nil, nil, nil)

	rec := httptest.NewRecorder()
	n.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	require.NoError(t, n.Handle(context.Background(), request("c0", "n1", &message.Init{NodeID: "n1", NodeIDs: []string{"n1"}})))
	rec = httptest.NewRecorder()
	n.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())

	rec = httptest.NewRecorder()
	n.Info(rec, httptest.NewRequest(http.MethodGet, "/info", nil))
	require.Contains(t, rec.Body.String(), `"node":"n1"`)
}
