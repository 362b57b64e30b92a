// Package chat wires the transport supervisor, stream assembler, message
// ledger, and timeout tracker into the session engine's public API.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pocketcode/client/history"
	"github.com/pocketcode/client/ledger"
	"github.com/pocketcode/client/logger"
	"github.com/pocketcode/client/protocol"
	"github.com/pocketcode/client/session"
	"github.com/pocketcode/client/stream"
	"github.com/pocketcode/client/timeout"
	"github.com/pocketcode/client/transport"
)

var (
	ErrClosed         = errors.New("coordinator closed")
	ErrUnknownMessage = errors.New("unknown message id")
	ErrNotFailed      = errors.New("message is not in failed status")
)

// EventSink receives UI-facing notifications. All methods are invoked from
// the coordinator's run loop, one at a time; implementations must hand off
// to their own context rather than call back into the Coordinator.
type EventSink interface {
	OnConnectionState(change transport.StateChange)
	OnTyping(isTyping bool)
	OnMessage(msg ledger.Message)
	OnSessionError(err error)
}

// Config controls coordinator behavior. Zero values take the defaults.
type Config struct {
	Endpoint    string
	Token       string
	ProjectPath string

	SendTimeout time.Duration // per-message delivery deadline, default 30s
	PageSize    int           // history page size, default 50
	MaxInMemory int           // ledger capacity, default 100

	Transport transport.Config // timing overrides for the supervisor
}

func (c Config) withDefaults() Config {
	if c.SendTimeout <= 0 {
		c.SendTimeout = timeout.DefaultDeadline
	}
	if c.PageSize <= 0 {
		c.PageSize = history.DefaultPageSize
	}
	if c.MaxInMemory <= 0 {
		c.MaxInMemory = 100
	}
	c.Transport.Endpoint = c.Endpoint
	c.Transport.Token = c.Token
	return c
}

// Coordinator orchestrates one chat session. All ledger, assembler, and
// tracker mutations happen on its single run-loop goroutine; transport
// callbacks and timer expiries are serialized onto it.
type Coordinator struct {
	cfg     Config
	sup     *transport.Supervisor
	ledger  *ledger.Ledger
	asm     *stream.Assembler
	tracker *timeout.Tracker
	fetcher history.Fetcher
	store   history.Appender
	sink    EventSink
	log     *slog.Logger

	tasks chan func()
	done  chan struct{}
	once  sync.Once

	// Run-loop-owned state below; never touched from other goroutines.
	sess     session.Session
	loading  bool
	offset   int                         // history rows already paged in
	pending  map[string][]byte           // frames awaiting a connection
	outbound map[string]protocol.Command // sent commands kept for Retry
}

// Option configures optional collaborators.
type Option func(*Coordinator)

// WithHistory attaches a page fetcher for LoadMore and an appender that
// records completed messages. Either may be nil.
func WithHistory(fetcher history.Fetcher, store history.Appender) Option {
	return func(c *Coordinator) {
		c.fetcher = fetcher
		c.store = store
	}
}

// New creates a coordinator for a fresh or resumed session and starts its
// run loop. Call Close to tear it down.
func New(cfg Config, dialer transport.Dialer, sess session.Session, sink EventSink, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:      cfg.withDefaults(),
		ledger:   ledger.New(),
		asm:      stream.New(),
		sink:     sink,
		log:      logger.NewSessionLogger(),
		tasks:    make(chan func(), 256),
		done:     make(chan struct{}),
		sess:     sess,
		pending:  make(map[string][]byte),
		outbound: make(map[string]protocol.Command),
	}
	c.sup = transport.NewSupervisor(dialer, c.cfg.Transport, (*supervisorListener)(c))
	c.tracker = timeout.New(c.onDeadline)
	for _, opt := range opts {
		opt(c)
	}

	go c.run()
	return c
}

func (c *Coordinator) run() {
	for {
		select {
		case fn := <-c.tasks:
			// A task can be dequeued in the same select round Close wins;
			// nothing queued before teardown may run after it.
			if c.isClosed() {
				c.drainTasks()
				return
			}
			fn()
		case <-c.done:
			c.drainTasks()
			return
		}
	}
}

// drainTasks discards work queued before Close without running it; blocked
// callers observe done and get ErrClosed instead of their reply.
func (c *Coordinator) drainTasks() {
	for {
		select {
		case <-c.tasks:
		default:
			c.asm.Reset()
			return
		}
	}
}

// post serializes fn onto the run loop. Work arriving after Close is
// dropped; nothing may mutate a torn-down session.
func (c *Coordinator) post(fn func()) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.tasks <- fn:
		return true
	case <-c.done:
		return false
	}
}

// Open establishes the connection. A known session id is resumed on the
// next command frame's handshake fields.
func (c *Coordinator) Open() error {
	if c.isClosed() {
		return ErrClosed
	}
	c.sup.Connect()
	return nil
}

// ConnectionState reports the supervisor's current state.
func (c *Coordinator) ConnectionState() transport.State {
	return c.sup.State()
}

// Send appends a user message and transmits it. While not connected it
// adopts the optimistic policy: trigger Connect, return the new message id
// immediately, and transmit once the socket opens; the delivery timeout is
// the backstop if the connection never materializes.
func (c *Coordinator) Send(content string, images ...protocol.Image) (string, error) {
	id := uuid.Must(uuid.NewV7()).String()

	ok := c.post(func() {
		msg := ledger.Message{
			ID:        id,
			Role:      ledger.RoleUser,
			Content:   content,
			Timestamp: time.Now(),
			Status:    ledger.StatusSending,
		}
		c.ledger.Append(msg)
		c.ledger.TrimToCapacity(c.cfg.MaxInMemory)
		c.tracker.Arm(id, c.cfg.SendTimeout)
		c.persist(msg)
		c.sink.OnMessage(msg)

		c.log.Debug("send message", "messageId", id, "prompt", logger.Truncate(content, 120))
		cmd := protocol.NewCommand(content, c.sess.ID, c.sess.ProjectPath, images)
		c.outbound[id] = cmd
		c.transmitCommand(id, cmd)
	})
	if !ok {
		return "", ErrClosed
	}
	return id, nil
}

// Retry resends a failed message. Any other status is rejected without a
// state change.
func (c *Coordinator) Retry(id string) error {
	reply := make(chan error, 1)
	ok := c.post(func() {
		msg, found := c.ledger.Get(id)
		if !found {
			reply <- fmt.Errorf("%w: %s", ErrUnknownMessage, id)
			return
		}
		if msg.Status != ledger.StatusFailed {
			reply <- fmt.Errorf("%w: %s is %s", ErrNotFailed, id, msg.Status)
			return
		}

		c.ledger.UpdateStatus(id, ledger.StatusSending)
		c.tracker.Arm(id, c.cfg.SendTimeout)

		cmd, kept := c.outbound[id]
		if !kept {
			cmd = protocol.NewCommand(msg.Content, c.sess.ID, c.sess.ProjectPath, nil)
		}
		// The session may have been acknowledged since the original send;
		// the resent frame must resume it, not open a fresh one.
		cmd.SessionID = c.sess.ID
		cmd.Resume = c.sess.ID != ""
		c.outbound[id] = cmd
		c.transmitCommand(id, cmd)

		updated, _ := c.ledger.Get(id)
		c.sink.OnMessage(updated)
		reply <- nil
	})
	if !ok {
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-c.done:
		return ErrClosed
	}
}

// Abort asks the backend to stop the session. No local message state
// changes until the session-aborted acknowledgement arrives.
func (c *Coordinator) Abort() error {
	reply := make(chan error, 1)
	ok := c.post(func() {
		if c.sess.ID == "" {
			reply <- session.ErrNoSession
			return
		}
		data, err := protocol.Encode(protocol.NewAbort(c.sess.ID))
		if err != nil {
			reply <- err
			return
		}
		go c.send(data)
		reply <- nil
	})
	if !ok {
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-c.done:
		return ErrClosed
	}
}

// LoadMore fetches the next older history page and merges it at the head
// of the ledger. No-op when history is exhausted, a load is already in
// flight, or no fetcher is attached.
func (c *Coordinator) LoadMore(ctx context.Context) ([]ledger.Message, error) {
	type fetchReq struct {
		sessionID string
		offset    int
	}
	start := make(chan *fetchReq, 1)
	ok := c.post(func() {
		if c.fetcher == nil || c.loading || !c.sess.HasMoreHistory || c.sess.ID == "" {
			start <- nil
			return
		}
		c.loading = true
		start <- &fetchReq{sessionID: c.sess.ID, offset: c.offset}
	})
	if !ok {
		return nil, ErrClosed
	}

	var req *fetchReq
	select {
	case req = <-start:
	case <-c.done:
		return nil, ErrClosed
	}
	if req == nil {
		return nil, nil
	}

	page, err := c.fetcher.FetchPage(ctx, req.sessionID, c.cfg.PageSize, req.offset)

	reply := make(chan []ledger.Message, 1)
	posted := c.post(func() {
		c.loading = false
		if err != nil {
			reply <- nil
			return
		}
		c.offset += len(page)
		if len(page) < c.cfg.PageSize {
			c.sess.HasMoreHistory = false
		}
		c.ledger.PrependBatch(page)
		reply <- page
	})
	if !posted {
		return nil, ErrClosed
	}
	select {
	case merged := <-reply:
		if err != nil {
			return nil, fmt.Errorf("load history: %w", err)
		}
		return merged, nil
	case <-c.done:
		return nil, ErrClosed
	}
}

// MarkRead applies a delivered → read transition locally.
func (c *Coordinator) MarkRead(id string) {
	c.post(func() {
		if c.ledger.UpdateStatus(id, ledger.StatusRead) {
			msg, _ := c.ledger.Get(id)
			delete(c.outbound, id)
			c.persist(msg)
			c.sink.OnMessage(msg)
		}
	})
}

// Messages returns a snapshot of the ledger, oldest first.
func (c *Coordinator) Messages() []ledger.Message {
	reply := make(chan []ledger.Message, 1)
	if !c.post(func() { reply <- c.ledger.Messages() }) {
		return nil
	}
	select {
	case msgs := <-reply:
		return msgs
	case <-c.done:
		return nil
	}
}

// Session returns a snapshot of the session metadata.
func (c *Coordinator) Session() session.Session {
	reply := make(chan session.Session, 1)
	if !c.post(func() { reply <- c.sess }) {
		return session.Session{}
	}
	select {
	case sess := <-reply:
		return sess
	case <-c.done:
		return session.Session{}
	}
}

// Close tears the session down: disconnect, cancel every armed timer, and
// stop the run loop so no deferred callback can mutate state.
func (c *Coordinator) Close() {
	c.once.Do(func() {
		c.tracker.CancelAll()
		c.sup.Disconnect()
		close(c.done)
	})
}

func (c *Coordinator) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// transmitCommand encodes and sends a command, or parks it until the
// connection opens. Run-loop only.
func (c *Coordinator) transmitCommand(id string, cmd protocol.Command) {
	data, err := protocol.Encode(cmd)
	if err != nil {
		c.log.Error("encode command", "messageId", id, "error", err)
		return
	}

	if c.sup.State() != transport.StateConnected {
		c.pending[id] = data
		c.sup.Connect()
		return
	}
	go c.send(data)
}

// send performs the network write off the run loop. A failed write is
// logged only; the message's delivery timeout surfaces the failure.
func (c *Coordinator) send(data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.sup.Send(ctx, data); err != nil {
		c.log.Warn("send frame", "error", err)
	}
}

// flushPending transmits frames parked while disconnected. Run-loop only.
func (c *Coordinator) flushPending() {
	for id, data := range c.pending {
		msg, found := c.ledger.Get(id)
		if !found || msg.Status != ledger.StatusSending {
			delete(c.pending, id)
			continue
		}
		delete(c.pending, id)
		go c.send(data)
	}
}

// onDeadline is the tracker's expiry callback; it runs on a timer
// goroutine and serializes onto the loop before touching state.
func (c *Coordinator) onDeadline(id string) {
	c.post(func() {
		msg, found := c.ledger.Get(id)
		if !found || msg.Status.Terminal() {
			return
		}
		// A frame parked for a connection must not outlive its message.
		delete(c.pending, id)
		c.asm.End(id)
		if c.ledger.UpdateStatus(id, ledger.StatusFailed) {
			updated, _ := c.ledger.Get(id)
			c.persist(updated)
			c.sink.OnMessage(updated)
			c.log.Info("message timed out", "messageId", id)
		}
	})
}

// persist records a message to the history store without blocking the
// loop. Failures are logged, never surfaced.
func (c *Coordinator) persist(msg ledger.Message) {
	if c.store == nil || c.sess.ID == "" {
		return
	}
	sessionID := c.sess.ID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.store.Append(ctx, sessionID, msg); err != nil {
			c.log.Error("persist message", "messageId", msg.ID, "error", err)
		}
	}()
}

// supervisorListener adapts supervisor callbacks onto the run loop without
// exposing the listener methods on the coordinator's public API.
type supervisorListener Coordinator

func (l *supervisorListener) OnConnectionState(change transport.StateChange) {
	c := (*Coordinator)(l)
	c.post(func() {
		if change.State == transport.StateConnected {
			c.flushPending()
		}
		c.sink.OnConnectionState(change)
		if change.State == transport.StateFailed {
			c.sink.OnSessionError(change.Err)
		}
	})
}

func (l *supervisorListener) OnFrame(data []byte) {
	c := (*Coordinator)(l)
	frame, err := protocol.Decode(data)
	if err != nil {
		c.log.Warn("malformed frame dropped", "error", err)
		return
	}
	c.post(func() { c.handleFrame(frame) })
}

// handleFrame is the single dispatch point for inbound frames. Run-loop
// only.
func (c *Coordinator) handleFrame(frame protocol.Inbound) {
	switch f := frame.(type) {
	case protocol.SessionCreated:
		if c.sess.Acknowledge(f.SessionID) {
			c.log.Info("session established", "sessionId", f.SessionID)
		}

	case protocol.MessagePayload:
		c.handleAtomicMessage(f)

	case protocol.StreamStart:
		c.handleStreamStart(f.MessageID)

	case protocol.StreamChunk:
		c.handleStreamChunk(f)

	case protocol.StreamEnd:
		c.handleStreamEnd(f.MessageID)

	case protocol.Typing:
		c.sink.OnTyping(f.IsTyping)

	case protocol.SessionAborted:
		c.handleAborted(f)

	case protocol.ErrorFrame:
		c.log.Warn("backend error", "error", f.Error)
		c.sink.OnSessionError(errors.New(f.Error))

	case protocol.Unknown:
		c.log.Warn("unknown frame dropped", "type", f.Type)
	}
}

func (c *Coordinator) handleAtomicMessage(f protocol.MessagePayload) {
	id := f.ID
	if id == "" {
		id = uuid.Must(uuid.NewV7()).String()
	}

	if existing, found := c.ledger.Get(id); found {
		// Completion of a message we are tracking.
		if existing.Status.Terminal() {
			c.log.Debug("duplicate payload for settled message", "messageId", id)
			return
		}
		c.tracker.Cancel(id)
		c.asm.End(id)
		c.ledger.SetContent(id, f.Content)
		c.ledger.UpdateStatus(id, ledger.StatusDelivered)
		delete(c.outbound, id)
		msg, _ := c.ledger.Get(id)
		c.persist(msg)
		c.sink.OnMessage(msg)
		return
	}

	msg := ledger.Message{
		ID:        id,
		Role:      ledger.RoleAssistant,
		Content:   f.Content,
		Timestamp: time.Now(),
		Status:    ledger.StatusDelivered,
	}
	c.ledger.Append(msg)
	c.ledger.TrimToCapacity(c.cfg.MaxInMemory)
	c.persist(msg)
	c.sink.OnMessage(msg)
}

func (c *Coordinator) handleStreamStart(id string) {
	if id == "" {
		c.log.Warn("streaming_start without message id dropped")
		return
	}
	c.asm.Begin(id)

	if _, found := c.ledger.Get(id); found {
		// The response streams under the outbound message's id: first
		// chunk activity moves it out of sending and disarms its timer.
		c.tracker.Cancel(id)
		c.ledger.UpdateStatus(id, ledger.StatusStreaming)
	} else {
		c.ledger.Append(ledger.Message{
			ID:        id,
			Role:      ledger.RoleAssistant,
			Timestamp: time.Now(),
			Status:    ledger.StatusStreaming,
		})
		c.ledger.TrimToCapacity(c.cfg.MaxInMemory)
	}
	msg, _ := c.ledger.Get(id)
	c.sink.OnMessage(msg)
}

func (c *Coordinator) handleStreamChunk(f protocol.StreamChunk) {
	accumulated, ok := c.asm.Append(f.MessageID, f.Chunk)
	if !ok {
		c.log.Debug("chunk for unknown stream dropped", "messageId", f.MessageID)
		return
	}
	c.ledger.SetContent(f.MessageID, accumulated)
	msg, _ := c.ledger.Get(f.MessageID)
	c.sink.OnMessage(msg)

	if f.IsComplete {
		c.handleStreamEnd(f.MessageID)
	}
}

func (c *Coordinator) handleStreamEnd(id string) {
	final, ok := c.asm.End(id)
	if !ok {
		c.log.Debug("stream end for unknown stream dropped", "messageId", id)
		return
	}
	c.tracker.Cancel(id)
	c.ledger.SetContent(id, final)
	c.ledger.UpdateStatus(id, ledger.StatusDelivered)
	delete(c.outbound, id)

	msg, _ := c.ledger.Get(id)
	c.persist(msg)
	c.sink.OnMessage(msg)
}

// handleAborted settles every in-flight message once the backend confirms
// the abort; nothing was mutated while the ack was pending.
func (c *Coordinator) handleAborted(f protocol.SessionAborted) {
	if c.sess.ID != "" && f.SessionID != c.sess.ID {
		c.log.Warn("abort acknowledgement for unknown session", "sessionId", f.SessionID)
		return
	}
	if !f.Success {
		c.sink.OnSessionError(fmt.Errorf("abort of session %s rejected", f.SessionID))
		return
	}

	for _, msg := range c.ledger.Messages() {
		if msg.Status.Terminal() {
			continue
		}
		c.tracker.Cancel(msg.ID)
		c.asm.End(msg.ID)
		delete(c.pending, msg.ID)
		if c.ledger.UpdateStatus(msg.ID, ledger.StatusFailed) {
			updated, _ := c.ledger.Get(msg.ID)
			c.persist(updated)
			c.sink.OnMessage(updated)
		}
	}
	c.log.Info("session aborted", "sessionId", f.SessionID)
}
