package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"trading-venue/infrastructure/monitor"
)

// StreamConfig 上游 WebSocket 配置。
type StreamConfig struct {
	URL              string
	ReconnectBackoff time.Duration // 断线后固定等待时间
	ReadTimeout      time.Duration // 超过该时间没有任何消息视为断线
	Dialer           *websocket.Dialer
}

// Stream 维护一条到上游行情的 WebSocket 连接，多个品种复用。
// 断线后按固定间隔重连，重连成功后重新订阅所有仍在订阅的品种。
type Stream struct {
	cfg StreamConfig
	log *zap.Logger
	mon *monitor.Monitor

	onEvent func(Event)
	onState func(connected bool)

	mu      sync.Mutex
	symbols map[string]struct{}
	conn    *websocket.Conn

	writeMu sync.Mutex
	nextID  atomic.Int64

	connected atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewStream(cfg StreamConfig, log *zap.Logger, mon *monitor.Monitor) *Stream {
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = 5 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 5 * time.Minute
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if log == nil {
		log = zap.NewNop()
	}
	if mon == nil {
		mon = monitor.New(monitor.DefaultConfig())
	}
	return &Stream{
		cfg:     cfg,
		log:     log.Named("stream"),
		mon:     mon,
		symbols: make(map[string]struct{}),
	}
}

// OnEvent 设置行情回调，需在 Start 之前调用。回调在读取协程中同步执行。
func (s *Stream) OnEvent(fn func(Event)) { s.onEvent = fn }

// OnStateChange 设置连接状态回调，需在 Start 之前调用。
func (s *Stream) OnStateChange(fn func(connected bool)) { s.onState = fn }

// Start 启动后台连接循环。
func (s *Stream) Start(ctx context.Context) error {
	if s.cfg.URL == "" {
		return errors.New("stream url is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return errors.New("stream already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx)
	return nil
}

// Stop 关闭连接并等待后台循环退出。
func (s *Stream) Stop() {
	s.mu.Lock()
	cancel, done, conn := s.cancel, s.done, s.conn
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if conn != nil {
		_ = conn.Close()
	}
	<-done
}

// Connected 当前是否有可用连接。
func (s *Stream) Connected() bool { return s.connected.Load() }

// Symbols 返回当前订阅的品种。
func (s *Stream) Symbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Subscribe 记录订阅；已连接时立即发送 SUBSCRIBE。
// 发送失败只返回错误，订阅状态保留，重连后自动补订。
func (s *Stream) Subscribe(symbol string) error {
	s.mu.Lock()
	if _, ok := s.symbols[symbol]; ok {
		s.mu.Unlock()
		return nil
	}
	s.symbols[symbol] = struct{}{}
	conn := s.conn
	n := len(s.symbols)
	s.mu.Unlock()

	s.mon.UpdateUpstreamSymbols(n)
	if conn == nil {
		return nil
	}
	return s.send(conn, "SUBSCRIBE", StreamNames(symbol))
}

// Unsubscribe 移除订阅；已连接时发送 UNSUBSCRIBE。
func (s *Stream) Unsubscribe(symbol string) error {
	s.mu.Lock()
	if _, ok := s.symbols[symbol]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.symbols, symbol)
	conn := s.conn
	n := len(s.symbols)
	s.mu.Unlock()

	s.mon.UpdateUpstreamSymbols(n)
	if conn == nil {
		return nil
	}
	return s.send(conn, "UNSUBSCRIBE", StreamNames(symbol))
}

func (s *Stream) send(conn *websocket.Conn, method string, params []string) error {
	msg := controlMessage{Method: method, Params: params, ID: s.nextID.Add(1)}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("%s %v: %w", method, params, err)
	}
	return nil
}

// run 连接循环：拨号、补订、读取，断开后等待固定间隔重连。
func (s *Stream) run(ctx context.Context) {
	defer close(s.done)
	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := s.cfg.Dialer.DialContext(ctx, s.cfg.URL, nil)
		if err != nil {
			s.log.Warn("stream dial failed", zap.String("url", s.cfg.URL), zap.Error(err), zap.Duration("retry_in", s.cfg.ReconnectBackoff))
		} else {
			s.serve(ctx, conn)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.ReconnectBackoff):
		}
	}
}

func (s *Stream) serve(ctx context.Context, conn *websocket.Conn) {
	s.mu.Lock()
	if ctx.Err() != nil {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	streams := make([]string, 0, len(s.symbols)*3)
	for sym := range s.symbols {
		streams = append(streams, StreamNames(sym)...)
	}
	s.mu.Unlock()
	sort.Strings(streams)

	s.mon.RecordWSConnection()
	s.log.Info("stream connected", zap.String("url", s.cfg.URL), zap.Int("streams", len(streams)))

	if len(streams) > 0 {
		if err := s.send(conn, "SUBSCRIBE", streams); err != nil {
			s.log.Warn("resubscribe failed", zap.Error(err))
		}
	}
	s.setConnected(true)

	s.readLoop(conn)

	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()
	_ = conn.Close()

	s.setConnected(false)
	s.mon.RecordWSDisconnect()
	if ctx.Err() == nil {
		s.log.Warn("stream disconnected, reconnecting", zap.Duration("backoff", s.cfg.ReconnectBackoff))
	}
}

func (s *Stream) setConnected(v bool) {
	s.connected.Store(v)
	if s.onState != nil {
		s.onState(v)
	}
}

// readLoop 读取消息并分发事件，出错即返回。
func (s *Stream) readLoop(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.log.Debug("stream read ended", zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

		ev, err := ParseEvent(msg)
		if err != nil {
			if !errors.Is(err, ErrNonMarketData) {
				s.log.Warn("parse stream message", zap.Error(err), zap.ByteString("raw", msg))
			}
			continue
		}
		if s.onEvent != nil {
			s.onEvent(ev)
		}
	}
}
