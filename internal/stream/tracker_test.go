package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planproof/planproof/internal/compliance"
	"github.com/planproof/planproof/pkg/cerr"
)

type readResult struct {
	data []byte
	err  error
}

type fakeConn struct {
	ch        chan readResult
	done      chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{ch: make(chan readResult, 8), done: make(chan struct{})}
}

func (c *fakeConn) send(data string) { c.ch <- readResult{data: []byte(data)} }

func (c *fakeConn) fail(err error) { c.ch <- readResult{err: err} }

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case r := <-c.ch:
		return websocket.TextMessage, r.data, r.err
	case <-c.done:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

type fakeDialer struct {
	mu    sync.Mutex
	conns map[string]*fakeConn
	urls  []string
	err   error
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: map[string]*fakeConn{}}
}

func (d *fakeDialer) add(url string) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	conn := newFakeConn()
	d.conns[url] = conn
	return conn
}

func (d *fakeDialer) Dial(_ context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if d.err != nil {
		return nil, d.err
	}
	conn, ok := d.conns[url]
	if !ok {
		return nil, errors.New("no fake connection for " + url)
	}
	return conn, nil
}

type recordingInvalidator struct {
	mu          sync.Mutex
	projects    []int64
	compliances []int64
}

func (r *recordingInvalidator) InvalidateCompliances(projectID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.projects = append(r.projects, projectID)
}

func (r *recordingInvalidator) InvalidateComplianceRecord(complianceID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.compliances = append(r.compliances, complianceID)
}

func (r *recordingInvalidator) snapshot() ([]int64, []int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64{}, r.projects...), append([]int64{}, r.compliances...)
}

func waitUpdate(t *testing.T, ch <-chan Update) Update {
	t.Helper()
	select {
	case u, ok := <-ch:
		require.True(t, ok, "update channel closed")
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
		return Update{}
	}
}

func waitState(t *testing.T, ch <-chan Update, state State) Update {
	t.Helper()
	for {
		u := waitUpdate(t, ch)
		if u.State == state {
			return u
		}
	}
}

func assertNoUpdate(t *testing.T, ch <-chan Update) {
	t.Helper()
	select {
	case u := <-ch:
		t.Fatalf("unexpected update: %+v", u)
	case <-time.After(100 * time.Millisecond):
	}
}

func descriptor(taskID string, projectID int64) *compliance.TaskDescriptor {
	return &compliance.TaskDescriptor{
		TaskID:       taskID,
		Status:       "processing",
		WebsocketURL: "/ws/compliance-check/" + taskID,
		ProjectID:    projectID,
	}
}

func TestTrackerProgressAndCompletion(t *testing.T) {
	dialer := newFakeDialer()
	conn := dialer.add("ws://localhost:8000/ws/compliance-check/t1")
	inv := &recordingInvalidator{}
	tracker := NewTracker("http://localhost:8000", dialer, inv, nil)
	defer tracker.Close()

	updates, cancel := tracker.Subscribe()
	defer cancel()

	require.NoError(t, tracker.Follow(context.Background(), descriptor("t1", 5)))
	assert.Equal(t, StateConnecting, waitUpdate(t, updates).State)
	assert.Equal(t, StateStreaming, waitUpdate(t, updates).State)

	conn.send(`{"task_id":"t1","status":"processing","step":"extracting text","progress":10,"compliance_id":42}`)
	u := waitUpdate(t, updates)
	assert.Equal(t, StateStreaming, u.State)
	assert.Equal(t, "extracting text", u.Progress.Step)
	assert.Equal(t, 10.0, u.Progress.Percent)
	assert.Equal(t, int64(42), u.ComplianceID)

	// Progress is last-write-wins, not monotonic.
	conn.send(`{"task_id":"t1","status":"processing","step":"re-analyzing","progress":5}`)
	u = waitUpdate(t, updates)
	assert.Equal(t, 5.0, u.Progress.Percent)

	conn.send(`{"task_id":"t1","status":"completed","compliance_id":42,"result":{"approved":true,"score":0.9,"summary":"ok"}}`)
	done := waitUpdate(t, updates)
	assert.Equal(t, StateCompleted, done.State)
	require.NotNil(t, done.Result)
	require.NotNil(t, done.Result.Approved)
	assert.True(t, *done.Result.Approved)
	assert.Equal(t, "ok", done.Result.Summary)

	projects, compliances := inv.snapshot()
	assert.Equal(t, []int64{5}, projects)
	assert.Equal(t, []int64{42}, compliances)
	assert.False(t, tracker.Tracked("t1"))
}

func TestTrackerIgnoresMismatchedTaskID(t *testing.T) {
	dialer := newFakeDialer()
	conn := dialer.add("ws://localhost:8000/ws/compliance-check/t1")
	tracker := NewTracker("http://localhost:8000", dialer, NopInvalidator{}, nil)
	defer tracker.Close()

	updates, cancel := tracker.Subscribe()
	defer cancel()
	require.NoError(t, tracker.Follow(context.Background(), descriptor("t1", 1)))
	waitState(t, updates, StateStreaming)

	conn.send(`{"task_id":"someone-else","status":"completed","result":{"approved":true}}`)
	conn.send(`{"task_id":"t1","status":"processing","step":"mine","progress":50}`)

	u := waitUpdate(t, updates)
	assert.Equal(t, StateStreaming, u.State)
	assert.Equal(t, "mine", u.Progress.Step)
	assert.True(t, tracker.Tracked("t1"))
}

func TestTrackerMalformedFrameFailsOnlyThatTask(t *testing.T) {
	dialer := newFakeDialer()
	connA := dialer.add("ws://localhost:8000/ws/compliance-check/a")
	connB := dialer.add("ws://localhost:8000/ws/compliance-check/b")
	inv := &recordingInvalidator{}
	tracker := NewTracker("http://localhost:8000", dialer, inv, nil)
	defer tracker.Close()

	updates, cancel := tracker.Subscribe()
	defer cancel()
	require.NoError(t, tracker.Follow(context.Background(), descriptor("a", 1)))
	require.NoError(t, tracker.Follow(context.Background(), descriptor("b", 2)))
	waitState(t, updates, StateStreaming)
	waitState(t, updates, StateStreaming)

	connA.send(`{not json`)
	failed := waitState(t, updates, StateFailed)
	assert.Equal(t, "a", failed.TaskID)
	assert.True(t, cerr.IsCode(failed.Err, cerr.InvalidArgument))
	assert.False(t, tracker.Tracked("a"))

	// Sibling stream is unaffected.
	connB.send(`{"task_id":"b","status":"processing","step":"still going","progress":30}`)
	u := waitState(t, updates, StateStreaming)
	assert.Equal(t, "b", u.TaskID)

	projects, _ := inv.snapshot()
	assert.Empty(t, projects)
}

func TestTrackerDuplicateCompletionIsNoop(t *testing.T) {
	dialer := newFakeDialer()
	conn := dialer.add("ws://localhost:8000/ws/compliance-check/t1")
	inv := &recordingInvalidator{}
	tracker := NewTracker("http://localhost:8000", dialer, inv, nil)
	defer tracker.Close()

	updates, cancel := tracker.Subscribe()
	defer cancel()
	require.NoError(t, tracker.Follow(context.Background(), descriptor("t1", 9)))
	waitState(t, updates, StateStreaming)

	conn.send(`{"task_id":"t1","status":"completed","compliance_id":7,"result":{"approved":false}}`)
	conn.send(`{"task_id":"t1","status":"completed","compliance_id":7,"result":{"approved":false}}`)

	assert.Equal(t, StateCompleted, waitUpdate(t, updates).State)
	assertNoUpdate(t, updates)

	projects, compliances := inv.snapshot()
	assert.Equal(t, []int64{9}, projects)
	assert.Equal(t, []int64{7}, compliances)
}

func TestTrackerAcceptsEventDiscriminator(t *testing.T) {
	dialer := newFakeDialer()
	conn := dialer.add("ws://localhost:8000/ws/compliance-check/t1")
	inv := &recordingInvalidator{}
	tracker := NewTracker("http://localhost:8000", dialer, inv, nil)
	defer tracker.Close()

	updates, cancel := tracker.Subscribe()
	defer cancel()
	require.NoError(t, tracker.Follow(context.Background(), descriptor("t1", 4)))
	waitState(t, updates, StateStreaming)

	// Older backend versions discriminate on event rather than status.
	conn.send(`{"task_id":"t1","event":"completed","compliance_id":8}`)
	u := waitState(t, updates, StateCompleted)
	assert.Equal(t, int64(8), u.ComplianceID)

	projects, compliances := inv.snapshot()
	assert.Equal(t, []int64{4}, projects)
	assert.Equal(t, []int64{8}, compliances)
}

func TestTrackerCleanCloseWithoutCompletion(t *testing.T) {
	dialer := newFakeDialer()
	conn := dialer.add("ws://localhost:8000/ws/compliance-check/t1")
	inv := &recordingInvalidator{}
	tracker := NewTracker("http://localhost:8000", dialer, inv, nil)
	defer tracker.Close()

	updates, cancel := tracker.Subscribe()
	defer cancel()
	require.NoError(t, tracker.Follow(context.Background(), descriptor("t1", 3)))
	waitState(t, updates, StateStreaming)

	conn.fail(&websocket.CloseError{Code: websocket.CloseNormalClosure})
	u := waitUpdate(t, updates)
	assert.Equal(t, StateClosed, u.State)
	assert.NoError(t, u.Err)
	assert.False(t, tracker.Tracked("t1"))

	projects, compliances := inv.snapshot()
	assert.Empty(t, projects)
	assert.Empty(t, compliances)
}

func TestTrackerSocketErrorFailsTask(t *testing.T) {
	dialer := newFakeDialer()
	conn := dialer.add("ws://localhost:8000/ws/compliance-check/t1")
	tracker := NewTracker("http://localhost:8000", dialer, NopInvalidator{}, nil)
	defer tracker.Close()

	updates, cancel := tracker.Subscribe()
	defer cancel()
	require.NoError(t, tracker.Follow(context.Background(), descriptor("t1", 3)))
	waitState(t, updates, StateStreaming)

	conn.fail(errors.New("connection reset"))
	u := waitState(t, updates, StateFailed)
	assert.True(t, cerr.IsCode(u.Err, cerr.Unavailable))
}

func TestTrackerRejectsDuplicateFollow(t *testing.T) {
	dialer := newFakeDialer()
	dialer.add("ws://localhost:8000/ws/compliance-check/t1")
	tracker := NewTracker("http://localhost:8000", dialer, NopInvalidator{}, nil)
	defer tracker.Close()

	require.NoError(t, tracker.Follow(context.Background(), descriptor("t1", 1)))
	err := tracker.Follow(context.Background(), descriptor("t1", 1))
	assert.True(t, cerr.IsCode(err, cerr.AlreadyExists))
}

func TestTrackerDialFailure(t *testing.T) {
	dialer := newFakeDialer()
	dialer.err = errors.New("refused")
	tracker := NewTracker("http://localhost:8000", dialer, NopInvalidator{}, nil)
	defer tracker.Close()

	err := tracker.Follow(context.Background(), descriptor("t1", 1))
	assert.True(t, cerr.IsCode(err, cerr.Unavailable))
	assert.False(t, tracker.Tracked("t1"))
}

func TestTrackerCloseTearsDownEverything(t *testing.T) {
	dialer := newFakeDialer()
	dialer.add("ws://localhost:8000/ws/compliance-check/a")
	dialer.add("ws://localhost:8000/ws/compliance-check/b")
	tracker := NewTracker("http://localhost:8000", dialer, NopInvalidator{}, nil)

	updates, cancel := tracker.Subscribe()
	defer cancel()
	require.NoError(t, tracker.Follow(context.Background(), descriptor("a", 1)))
	require.NoError(t, tracker.Follow(context.Background(), descriptor("b", 2)))

	tracker.Close()

	// The subscriber channel closes once teardown finishes.
	for {
		select {
		case _, ok := <-updates:
			if !ok {
				goto closed
			}
		case <-time.After(2 * time.Second):
			t.Fatal("subscriber channel never closed")
		}
	}
closed:
	err := tracker.Follow(context.Background(), descriptor("c", 3))
	assert.True(t, cerr.IsCode(err, cerr.Canceled))
}
