package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/relay/internal/models"
	"github.com/eldtechnologies/relay/internal/presence"
	"github.com/eldtechnologies/relay/internal/store"
)

// memStore is an in-memory conversation store with failure injection.
type memStore struct {
	mu       sync.Mutex
	messages []models.Message
	failWith error
}

func (s *memStore) Close()                         {}
func (s *memStore) Ping(ctx context.Context) error { return nil }

func (s *memStore) Append(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	msg.ID = fmt.Sprintf("id-%d", len(s.messages))
	s.messages = append(s.messages, *msg)
	return nil
}

func (s *memStore) Conversation(ctx context.Context, a, b string) ([]models.Message, error) {
	return nil, errors.New("not implemented")
}

func (s *memStore) History(ctx context.Context, identity string) ([]models.Message, error) {
	return nil, errors.New("not implemented")
}

func (s *memStore) CountMessages(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.messages)), nil
}

func (s *memStore) contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.ID == id {
			return true
		}
	}
	return false
}

// recordingConn captures sends and can be made to fail or close.
type recordingConn struct {
	id      string
	mu      sync.Mutex
	sent    []models.Message
	failAt  int // fail the Nth send (1-based); 0 never fails
	sends   int
	done    chan struct{}
	onSend  func(models.Message)
	sendErr error
}

func newRecordingConn(id string) *recordingConn {
	return &recordingConn{id: id, done: make(chan struct{}), sendErr: errors.New("broken pipe")}
}

func (c *recordingConn) ID() string            { return c.id }
func (c *recordingConn) Done() <-chan struct{} { return c.done }

func (c *recordingConn) Send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sends++
	if c.failAt != 0 && c.sends == c.failAt {
		return c.sendErr
	}
	var msg models.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return err
	}
	if c.onSend != nil {
		c.onSend(msg)
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *recordingConn) bodies() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sent))
	for _, m := range c.sent {
		out = append(out, m.Body)
	}
	return out
}

type fixture struct {
	engine   *Engine
	store    *memStore
	queue    *store.RedisQueue
	registry *presence.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	q := store.NewRedisQueueFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { q.Close() })

	f := &fixture{store: &memStore{}, queue: q, registry: presence.NewRegistry()}
	f.engine = NewEngine(f.store, f.queue, f.registry, zerolog.Nop())
	return f
}

func (f *fixture) queued(t *testing.T, identity string) int64 {
	t.Helper()
	n, err := f.queue.Len(context.Background(), identity)
	require.NoError(t, err)
	return n
}

func TestDeliverOnline(t *testing.T) {
	f := newFixture(t)
	bob := newRecordingConn("bob-1")
	f.registry.Register("bob", bob)

	msg, err := f.engine.Deliver(context.Background(), "alice", "bob", "hello")
	require.NoError(t, err)
	require.Equal(t, "alice", msg.From)

	require.Len(t, bob.sent, 1)
	require.Equal(t, "alice", bob.sent[0].From)
	require.Equal(t, "bob", bob.sent[0].To)
	require.Equal(t, "hello", bob.sent[0].Body)
	require.Zero(t, f.queued(t, "bob"))
}

func TestDeliverOffline(t *testing.T) {
	f := newFixture(t)

	msg, err := f.engine.Deliver(context.Background(), "alice", "bob", "hello")
	require.NoError(t, err)
	require.True(t, f.store.contains(msg.ID))
	require.Equal(t, int64(1), f.queued(t, "bob"))

	entry, ok, err := f.queue.DrainOne(context.Background(), "bob")
	require.NoError(t, err)
	require.True(t, ok)
	var queued models.Message
	require.NoError(t, json.Unmarshal(entry.Payload, &queued))
	require.Equal(t, msg.ID, queued.ID)
	require.Equal(t, "hello", queued.Body)
}

func TestDeliverClosedConnectionQueues(t *testing.T) {
	f := newFixture(t)
	bob := newRecordingConn("bob-1")
	close(bob.done)
	f.registry.Register("bob", bob)

	_, err := f.engine.Deliver(context.Background(), "alice", "bob", "hello")
	require.NoError(t, err)
	require.Empty(t, bob.sent)
	require.Equal(t, int64(1), f.queued(t, "bob"))
}

func TestDeliverFallsBackWhenPushFails(t *testing.T) {
	f := newFixture(t)
	bob := newRecordingConn("bob-1")
	bob.failAt = 1
	f.registry.Register("bob", bob)

	_, err := f.engine.Deliver(context.Background(), "alice", "bob", "hello")
	require.NoError(t, err)
	require.Empty(t, bob.sent)
	require.Equal(t, int64(1), f.queued(t, "bob"))
}

func TestPersistFailureAbortsDelivery(t *testing.T) {
	f := newFixture(t)
	f.store.failWith = errors.New("disk full")
	bob := newRecordingConn("bob-1")
	f.registry.Register("bob", bob)

	_, err := f.engine.Deliver(context.Background(), "alice", "bob", "hello")
	require.ErrorIs(t, err, ErrPersist)
	require.Empty(t, bob.sent)

	f.registry.Unregister("bob", bob)
	_, err = f.engine.Deliver(context.Background(), "alice", "bob", "again")
	require.ErrorIs(t, err, ErrPersist)
	require.Zero(t, f.queued(t, "bob"))
}

func TestPersistPrecedesPush(t *testing.T) {
	f := newFixture(t)
	bob := newRecordingConn("bob-1")
	bob.onSend = func(m models.Message) {
		require.True(t, f.store.contains(m.ID), "message pushed before it was stored")
	}
	f.registry.Register("bob", bob)

	_, err := f.engine.Deliver(context.Background(), "alice", "bob", "hello")
	require.NoError(t, err)
	require.Len(t, bob.sent, 1)
}

func TestDeliverRejectsMissingParties(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Deliver(context.Background(), "alice", "", "hello")
	require.ErrorIs(t, err, ErrInvalidMessage)
	_, err = f.engine.Deliver(context.Background(), "", "bob", "hello")
	require.ErrorIs(t, err, ErrInvalidMessage)

	n, _ := f.store.CountMessages(context.Background())
	require.Zero(t, n)
}

func TestDrainOnConnectIsFIFO(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, body := range []string{"m1", "m2", "m3"} {
		_, err := f.engine.Deliver(ctx, "alice", "bob", body)
		require.NoError(t, err)
	}
	require.Equal(t, int64(3), f.queued(t, "bob"))

	bob := newRecordingConn("bob-1")
	f.registry.Register("bob", bob)
	n, err := f.engine.Drain(ctx, "bob", bob)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, []string{"m1", "m2", "m3"}, bob.bodies())
	require.Zero(t, f.queued(t, "bob"))

	// A second drain finds nothing.
	n, err = f.engine.Drain(ctx, "bob", bob)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Len(t, bob.sent, 3)
}

func TestDrainRestoresEntryOnSendFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, body := range []string{"m1", "m2", "m3"} {
		_, err := f.engine.Deliver(ctx, "alice", "bob", body)
		require.NoError(t, err)
	}

	flaky := newRecordingConn("bob-1")
	flaky.failAt = 2
	n, err := f.engine.Drain(ctx, "bob", flaky)
	require.Error(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []string{"m1"}, flaky.bodies())
	require.Equal(t, int64(2), f.queued(t, "bob"))

	next := newRecordingConn("bob-2")
	n, err = f.engine.Drain(ctx, "bob", next)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []string{"m2", "m3"}, next.bodies())
}

func TestDrainStopsOnClosedConnection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.Deliver(ctx, "alice", "bob", "m1")
	require.NoError(t, err)

	bob := newRecordingConn("bob-1")
	close(bob.done)
	_, err = f.engine.Drain(ctx, "bob", bob)
	require.ErrorIs(t, err, ErrConnClosed)
	require.Equal(t, int64(1), f.queued(t, "bob"))
}

func TestConcurrentDeliverDuringDrain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const total = 50

	for i := 0; i < total/2; i++ {
		_, err := f.engine.Deliver(ctx, "alice", "bob", "queued")
		require.NoError(t, err)
	}

	bob := newRecordingConn("bob-1")
	f.registry.Register("bob", bob)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = f.engine.Drain(ctx, "bob", bob)
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < total/2; i++ {
			_, _ = f.engine.Deliver(ctx, "carol", "bob", "live")
		}
	}()
	wg.Wait()

	// Anything left behind by the race is picked up by one more drain.
	_, err := f.engine.Drain(ctx, "bob", bob)
	require.NoError(t, err)
	require.Len(t, bob.sent, total)

	seen := make(map[string]bool)
	for _, m := range bob.sent {
		require.False(t, seen[m.ID], "duplicate delivery of %s", m.ID)
		seen[m.ID] = true
	}
	require.Zero(t, f.queued(t, "bob"))
}

// registeringQueue registers a connection right after an enqueue, the way a
// recipient connecting between lookup and enqueue would.
type registeringQueue struct {
	store.OfflineQueue
	once     sync.Once
	register func()
}

func (q *registeringQueue) Enqueue(ctx context.Context, recipient string, payload []byte) error {
	if err := q.OfflineQueue.Enqueue(ctx, recipient, payload); err != nil {
		return err
	}
	q.once.Do(q.register)
	return nil
}

func TestLateRegistrationDrainDoesNotBlockSender(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	release := make(chan struct{})
	bob := newRecordingConn("bob-1")
	bob.onSend = func(models.Message) { <-release }

	q := &registeringQueue{OfflineQueue: f.queue, register: func() { f.registry.Register("bob", bob) }}
	engine := NewEngine(f.store, q, f.registry, zerolog.Nop())

	var deliverErr error
	returned := make(chan struct{})
	go func() {
		defer close(returned)
		_, deliverErr = engine.Deliver(ctx, "alice", "bob", "late")
	}()

	select {
	case <-returned:
		require.NoError(t, deliverErr)
	case <-time.After(2 * time.Second):
		close(release)
		t.Fatal("Deliver waited on the recipient's drain")
	}

	close(release)
	require.Eventually(t, func() bool {
		return len(bob.bodies()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"late"}, bob.bodies())
	require.Zero(t, f.queued(t, "bob"))
}
