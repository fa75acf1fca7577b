package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/planproof/planproof/internal/compliance"
	"github.com/planproof/planproof/pkg/cerr"
	"github.com/planproof/planproof/pkg/panicerr"
)

// Invalidator is notified when a completed check makes cached query results
// stale. Implemented by the query layer.
type Invalidator interface {
	InvalidateCompliances(projectID int64)
	InvalidateComplianceRecord(complianceID int64)
}

// NopInvalidator satisfies Invalidator without a cache behind it.
type NopInvalidator struct{}

func (NopInvalidator) InvalidateCompliances(int64)      {}
func (NopInvalidator) InvalidateComplianceRecord(int64) {}

const subscriberBuffer = 16

// Tracker follows asynchronous compliance checks over their websockets. All
// task and progress state is confined to a single loop goroutine: exported
// methods submit closures to it and reader goroutines feed it raw frames, so
// handlers for one task never interleave with handlers for another. Sockets
// are never redialed; a lost connection fails the task.
type Tracker struct {
	baseURL string
	dialer  Dialer
	inv     Invalidator
	logger  *slog.Logger

	// tasks and subs are owned by the loop goroutine. Other goroutines
	// reach them only through closures submitted on cmds.
	tasks map[string]*task
	subs  map[string]chan Update

	cmds  chan func()
	inbox chan readerEvent
	done  chan struct{}

	closeOnce sync.Once
}

type readerEvent struct {
	taskID string
	data   []byte
	err    error
}

type task struct {
	id           string
	projectID    int64
	complianceID int64
	state        State
	conn         Conn
	progress     compliance.Progress
}

// NewTracker starts the tracker loop. baseURL is the API base used to resolve
// relative websocket URLs.
func NewTracker(baseURL string, dialer Dialer, inv Invalidator, logger *slog.Logger) *Tracker {
	if inv == nil {
		inv = NopInvalidator{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		baseURL: baseURL,
		dialer:  dialer,
		inv:     inv,
		logger:  logger,
		tasks:   map[string]*task{},
		subs:    map[string]chan Update{},
		cmds:    make(chan func()),
		inbox:   make(chan readerEvent, 64),
		done:    make(chan struct{}),
	}
	go t.loop()
	return t
}

// Follow resolves the descriptor's websocket URL, opens the socket, and
// starts streaming its frames into the tracker. At most one socket per task
// id; following an already tracked task is an error.
func (t *Tracker) Follow(ctx context.Context, desc *compliance.TaskDescriptor) error {
	wsURL, err := ResolveURL(t.baseURL, desc.WebsocketURL)
	if err != nil {
		return cerr.NewError(cerr.InvalidArgument, "unresolvable websocket URL", err)
	}

	if err := t.run(func() error {
		if _, ok := t.tasks[desc.TaskID]; ok {
			return cerr.NewError(cerr.AlreadyExists, "task is already being tracked", nil)
		}
		tk := &task{
			id:           desc.TaskID,
			projectID:    desc.ProjectID,
			complianceID: desc.ComplianceID,
			state:        StateConnecting,
		}
		t.tasks[desc.TaskID] = tk
		t.publish(Update{TaskID: tk.id, ProjectID: tk.projectID, ComplianceID: tk.complianceID,
			State: StateConnecting})
		return nil
	}); err != nil {
		return err
	}

	conn, err := t.dialer.Dial(ctx, wsURL)
	if err != nil {
		dialErr := cerr.NewError(cerr.Unavailable, "websocket dial failed", err)
		_ = t.run(func() error {
			tk, ok := t.tasks[desc.TaskID]
			if !ok {
				return nil
			}
			tk.state = StateFailed
			t.publish(Update{TaskID: tk.id, ProjectID: tk.projectID, ComplianceID: tk.complianceID,
				State: StateFailed, Err: dialErr})
			t.drop(tk, false)
			return nil
		})
		return dialErr
	}

	return t.run(func() error {
		tk, ok := t.tasks[desc.TaskID]
		if !ok {
			// Closed while dialing.
			_ = conn.Close()
			return cerr.NewError(cerr.Canceled, "tracker closed while connecting", nil)
		}
		tk.conn = conn
		tk.state = StateStreaming
		t.publish(Update{TaskID: tk.id, ProjectID: tk.projectID, ComplianceID: tk.complianceID,
			State: StateStreaming})
		t.startReader(desc.TaskID, conn)
		return nil
	})
}

// Subscribe returns a channel of updates for every tracked task and a cancel
// function. Slow subscribers lose updates rather than stalling the loop.
func (t *Tracker) Subscribe() (<-chan Update, func()) {
	id := ulid.Make().String()
	ch := make(chan Update, subscriberBuffer)
	if err := t.run(func() error {
		t.subs[id] = ch
		return nil
	}); err != nil {
		close(ch)
		return ch, func() {}
	}
	cancel := func() {
		_ = t.run(func() error {
			if sub, ok := t.subs[id]; ok {
				delete(t.subs, id)
				close(sub)
			}
			return nil
		})
	}
	return ch, cancel
}

// Progress snapshots the latest progress per compliance id. Tasks whose
// compliance id is not yet known are omitted.
func (t *Tracker) Progress() map[int64]compliance.Progress {
	out := map[int64]compliance.Progress{}
	_ = t.run(func() error {
		for _, tk := range t.tasks {
			if tk.complianceID != 0 {
				out[tk.complianceID] = tk.progress
			}
		}
		return nil
	})
	return out
}

// Tracked reports whether the task currently has an open stream.
func (t *Tracker) Tracked(taskID string) bool {
	var ok bool
	_ = t.run(func() error {
		_, ok = t.tasks[taskID]
		return nil
	})
	return ok
}

// Close tears down every open socket and ends all subscriptions. Safe to call
// more than once.
func (t *Tracker) Close() {
	t.closeOnce.Do(func() {
		close(t.done)
	})
}

// run executes fn on the loop goroutine and waits for it. Returns Canceled
// after Close.
func (t *Tracker) run(fn func() error) error {
	reply := make(chan error, 1)
	select {
	case t.cmds <- func() { reply <- fn() }:
		return <-reply
	case <-t.done:
		return cerr.NewError(cerr.Canceled, "tracker is closed", nil)
	}
}

func (t *Tracker) startReader(taskID string, conn Conn) {
	go func() {
		err := panicerr.Safe(func() error {
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					select {
					case t.inbox <- readerEvent{taskID: taskID, err: err}:
					case <-t.done:
					}
					return nil
				}
				select {
				case t.inbox <- readerEvent{taskID: taskID, data: data}:
				case <-t.done:
					return nil
				}
			}
		})()
		if err != nil {
			t.logger.Error("stream reader panicked",
				slog.String("task_id", taskID), slog.String("error.message", err.Error()))
		}
	}()
}

func (t *Tracker) loop() {
	for {
		select {
		case <-t.done:
			for _, tk := range t.tasks {
				t.drop(tk, true)
			}
			for id, ch := range t.subs {
				delete(t.subs, id)
				close(ch)
			}
			return
		case cmd := <-t.cmds:
			cmd()
		case ev := <-t.inbox:
			tk, ok := t.tasks[ev.taskID]
			if !ok {
				// Frames for tasks already dropped are ignored; this is also
				// what makes duplicate completions no-ops.
				continue
			}
			if ev.err != nil {
				t.handleReaderError(tk, ev.err)
				continue
			}
			t.handleFrame(tk, ev.data)
		}
	}
}

func (t *Tracker) publish(u Update) {
	for id, ch := range t.subs {
		select {
		case ch <- u:
		default:
			t.logger.Warn("dropping stream update for slow subscriber",
				slog.String("subscriber_id", id), slog.String("task_id", u.TaskID))
		}
	}
}

func (t *Tracker) drop(tk *task, closeConn bool) {
	if closeConn && tk.conn != nil {
		_ = tk.conn.Close()
	}
	delete(t.tasks, tk.id)
}

func (t *Tracker) handleFrame(tk *task, data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.logger.Error("stream frame could not be decoded",
			slog.String("task_id", tk.id), slog.String("error.message", err.Error()))
		t.fail(tk, cerr.NewError(cerr.InvalidArgument, "malformed stream frame", err))
		return
	}
	if f.TaskID != "" && f.TaskID != tk.id {
		return
	}
	if f.ComplianceID != 0 {
		tk.complianceID = f.ComplianceID
	}
	if f.ProjectID != 0 {
		tk.projectID = f.ProjectID
	}

	switch {
	case f.failed():
		msg := f.Error
		if msg == "" {
			msg = f.Message
		}
		if msg == "" {
			msg = "compliance check failed"
		}
		t.fail(tk, cerr.NewError(cerr.Internal, msg, nil))
	case f.completed():
		var result compliance.Result
		if len(f.Result) > 0 {
			if err := json.Unmarshal(f.Result, &result); err != nil {
				t.fail(tk, cerr.NewError(cerr.InvalidArgument, "malformed result payload", err))
				return
			}
		}
		tk.state = StateCompleted
		t.inv.InvalidateCompliances(tk.projectID)
		if tk.complianceID != 0 {
			t.inv.InvalidateComplianceRecord(tk.complianceID)
		}
		t.logger.Info("compliance check completed",
			slog.String("task_id", tk.id),
			slog.Int64("project_id", tk.projectID),
			slog.Int64("compliance_id", tk.complianceID))
		t.publish(Update{TaskID: tk.id, ProjectID: tk.projectID, ComplianceID: tk.complianceID,
			State: StateCompleted, Result: &result})
		t.drop(tk, true)
	default:
		tk.progress = compliance.Progress{Step: f.Step, Percent: f.Progress}
		t.publish(Update{TaskID: tk.id, ProjectID: tk.projectID, ComplianceID: tk.complianceID,
			State: StateStreaming, Progress: tk.progress})
	}
}

func (t *Tracker) handleReaderError(tk *task, err error) {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		// Server hung up without a completion frame. Not a failure and
		// nothing is invalidated.
		t.publish(Update{TaskID: tk.id, ProjectID: tk.projectID, ComplianceID: tk.complianceID,
			State: StateClosed})
		t.drop(tk, true)
		return
	}
	t.fail(tk, cerr.NewError(cerr.Unavailable, "stream connection lost", err))
}

func (t *Tracker) fail(tk *task, err *cerr.Error) {
	tk.state = StateFailed
	t.publish(Update{TaskID: tk.id, ProjectID: tk.projectID, ComplianceID: tk.complianceID,
		State: StateFailed, Err: err})
	t.drop(tk, true)
}
