package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

var (
	ErrNotConnected   = errors.New("not connected")
	ErrAlreadyStarted = errors.New("connection already started")
	ErrClosed         = errors.New("connection closed")
)

// Options 连接管理器配置。零值字段使用默认值。
type Options struct {
	BaseDelay        time.Duration // 首次重连等待
	MaxDelay         time.Duration // 重连等待上限
	MaxAttempts      int           // 连续重连次数上限，耗尽后进入 Failed
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration // 无任何入站数据（含 pong）时判定连接失效
	PingInterval     time.Duration

	// Dialer 为空时使用 websocket.DefaultDialer 的拷贝。
	Dialer *websocket.Dialer

	// 回调全部在管理器的事件循环 goroutine 上执行，不能阻塞。
	OnFrame  func(data []byte)
	OnStatus func(Status)
	OnSent   func(data []byte)
}

// DefaultOptions 默认连接选项。
func DefaultOptions() Options {
	return Options{
		BaseDelay:        time.Second,
		MaxDelay:         30 * time.Second,
		MaxAttempts:      5,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		ReadTimeout:      60 * time.Second,
		PingInterval:     25 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.BaseDelay <= 0 {
		o.BaseDelay = def.BaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = def.MaxDelay
	}
	if o.MaxDelay < o.BaseDelay {
		o.MaxDelay = o.BaseDelay
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = def.MaxAttempts
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = def.HandshakeTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = def.WriteTimeout
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = def.ReadTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = def.PingInterval
	}
	if o.OnFrame == nil {
		o.OnFrame = func([]byte) {}
	}
	if o.OnStatus == nil {
		o.OnStatus = func(Status) {}
	}
	if o.OnSent == nil {
		o.OnSent = func([]byte) {}
	}
	return o
}

// Backoff returns a fresh reconnect policy: exponential from BaseDelay, capped at MaxDelay,
// stopping after MaxAttempts delays.
func (o Options) Backoff() retry.Backoff {
	o = o.withDefaults()
	b := retry.NewExponential(o.BaseDelay)
	b = retry.WithCappedDuration(o.MaxDelay, b)
	return retry.WithMaxRetries(uint64(o.MaxAttempts), b)
}

// Manager owns one persistent WebSocket to the agent: connect, reconnect with backoff,
// teardown. All state lives on a single loop goroutine; dial, read and ping goroutines only
// post events to it.
type Manager struct {
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	started bool
	closed  bool

	events  chan event
	sends   chan sendRequest
	closeCh chan struct{}
	done    chan struct{}
	wg      conc.WaitGroup

	statusMu sync.RWMutex
	status   Status
}

type eventKind int

const (
	evDialed eventKind = iota
	evFrame
	evClosed
)

type event struct {
	kind eventKind
	gen  int
	conn *websocket.Conn
	data []byte
	err  error
	// httpStatus is the handshake response status of a failed dial, 0 if none.
	httpStatus int
}

type sendRequest struct {
	frame []byte
	reply chan error
}

// NewManager creates an idle manager.
func NewManager(opts Options, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		opts:    opts.withDefaults(),
		logger:  logger,
		events:  make(chan event),
		sends:   make(chan sendRequest),
		closeCh: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Connect starts the connection loop. ctx bounds the whole lifetime of the connection;
// cancelling it is equivalent to Close.
func (m *Manager) Connect(ctx context.Context, target Target) error {
	rawURL, err := target.URL()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.started {
		return ErrAlreadyStarted
	}
	m.started = true

	header := target.Header()
	go m.run(ctx, rawURL, header)
	return nil
}

// Send writes one text frame. It fails with ErrNotConnected unless the socket is open;
// frames are never queued.
func (m *Manager) Send(ctx context.Context, frame []byte) error {
	m.mu.Lock()
	started, closed := m.started, m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !started {
		return ErrNotConnected
	}

	req := sendRequest{frame: frame, reply: make(chan error, 1)}
	select {
	case m.sends <- req:
	case <-m.done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-req.reply
}

// Close tears the connection down and waits for every goroutine to exit.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		<-m.done
		return nil
	}
	m.closed = true
	started := m.started
	close(m.closeCh)
	m.mu.Unlock()

	if !started {
		m.setStatus(Status{State: StateDisconnected})
		close(m.done)
		return nil
	}

	<-m.done
	m.wg.Wait()
	return nil
}

// Status returns the current connection status.
func (m *Manager) Status() Status {
	m.statusMu.RLock()
	defer m.statusMu.RUnlock()
	return m.status
}

// Done is closed once the loop has exited (Failed or Disconnected).
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

func (m *Manager) setStatus(s Status) {
	m.statusMu.Lock()
	m.status = s
	m.statusMu.Unlock()

	if s.Err != nil {
		m.logger.Info("connection status", zap.Stringer("status", s), zap.Error(s.Err))
	} else {
		m.logger.Info("connection status", zap.Stringer("status", s))
	}
	m.opts.OnStatus(s)
}

// post hands an event to the loop. It reports false once the loop has exited.
func (m *Manager) post(ev event) bool {
	select {
	case m.events <- ev:
		return true
	case <-m.done:
		return false
	}
}

func (m *Manager) run(ctx context.Context, rawURL string, header http.Header) {
	defer close(m.done)

	var (
		conn       *websocket.Conn
		gen        int
		attempt    int
		backoff    = m.opts.Backoff()
		timer      *time.Timer
		timerC     <-chan time.Time
		cancelDial context.CancelFunc = func() {}
	)

	dial := func() {
		gen++
		m.setStatus(Status{State: StateConnecting, Attempt: attempt})

		dialCtx, cancel := context.WithCancel(ctx)
		cancelDial = cancel
		dialGen := gen
		m.wg.Go(func() {
			m.dial(dialCtx, dialGen, rawURL, header)
		})
	}

	// retryOrFail schedules the next attempt; it reports false when the budget is spent.
	retryOrFail := func(cause error) bool {
		delay, stop := backoff.Next()
		if stop {
			m.setStatus(Status{State: StateFailed, Attempt: attempt, Err: cause})
			return false
		}
		attempt++
		m.setStatus(Status{State: StateReconnecting, Attempt: attempt, Err: cause})
		timer = time.NewTimer(delay)
		timerC = timer.C
		return true
	}

	teardown := func() {
		cancelDial()
		if timer != nil {
			timer.Stop()
		}
		if conn != nil {
			deadline := time.Now().Add(m.opts.WriteTimeout)
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing")
			if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
				m.logger.Debug("write close frame failed", zap.Error(err))
			}
			conn.Close()
			conn = nil
		}
	}

	dial()

	for {
		select {
		case <-m.closeCh:
			teardown()
			m.setStatus(Status{State: StateDisconnected})
			return

		case <-ctx.Done():
			teardown()
			m.setStatus(Status{State: StateDisconnected})
			return

		case <-timerC:
			timerC = nil
			timer = nil
			dial()

		case req := <-m.sends:
			if conn == nil {
				req.reply <- ErrNotConnected
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(m.opts.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, req.frame); err != nil {
				req.reply <- fmt.Errorf("write frame: %w", err)
				// The read pump observes the broken socket and reports evClosed.
				conn.Close()
				continue
			}
			m.opts.OnSent(req.frame)
			req.reply <- nil

		case ev := <-m.events:
			if ev.gen != gen {
				if ev.conn != nil {
					ev.conn.Close()
				}
				continue
			}

			switch ev.kind {
			case evDialed:
				cancelDial()
				if ev.err != nil {
					if permanentHandshakeFailure(ev.httpStatus) {
						m.setStatus(Status{State: StateFailed, Attempt: attempt, Err: ev.err})
						return
					}
					if !retryOrFail(ev.err) {
						return
					}
					continue
				}

				conn = ev.conn
				attempt = 0
				backoff = m.opts.Backoff()
				m.setStatus(Status{State: StateConnected})
				m.startPumps(conn, gen)

			case evFrame:
				m.opts.OnFrame(ev.data)

			case evClosed:
				if conn != nil {
					conn.Close()
					conn = nil
				}
				if permanentCloseError(ev.err) {
					m.setStatus(Status{State: StateFailed, Err: ev.err})
					return
				}
				if !retryOrFail(ev.err) {
					return
				}
			}
		}
	}
}

func (m *Manager) dial(ctx context.Context, gen int, rawURL string, header http.Header) {
	dialer := websocket.DefaultDialer
	if m.opts.Dialer != nil {
		dialer = m.opts.Dialer
	}
	d := *dialer
	d.HandshakeTimeout = m.opts.HandshakeTimeout

	conn, resp, err := d.DialContext(ctx, rawURL, header)
	ev := event{kind: evDialed, gen: gen, conn: conn}
	if resp != nil {
		if resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			ev.httpStatus = resp.StatusCode
		}
	}
	if err != nil {
		ev.err = fmt.Errorf("websocket dial failed: %w", err)
	}

	if !m.post(ev) && conn != nil {
		conn.Close()
	}
}

func (m *Manager) startPumps(conn *websocket.Conn, gen int) {
	conn.SetReadDeadline(time.Now().Add(m.opts.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(m.opts.ReadTimeout))
	})

	stop := make(chan struct{})
	m.wg.Go(func() {
		defer close(stop)
		m.readPump(conn, gen)
	})
	m.wg.Go(func() {
		m.pingLoop(conn, stop)
	})
}

func (m *Manager) readPump(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.post(event{kind: evClosed, gen: gen, err: err})
			return
		}
		conn.SetReadDeadline(time.Now().Add(m.opts.ReadTimeout))
		if !m.post(event{kind: evFrame, gen: gen, data: data}) {
			return
		}
	}
}

func (m *Manager) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(m.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(m.opts.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				m.logger.Debug("ping failed", zap.Error(err))
				conn.Close()
				return
			}
		}
	}
}

func permanentHandshakeFailure(status int) bool {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return true
	}
	return false
}

func permanentCloseError(err error) bool {
	return websocket.IsCloseError(err, websocket.ClosePolicyViolation, websocket.CloseUnsupportedData)
}
