package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/KAPSULA1/relaydesk/internal/channel"
	"github.com/KAPSULA1/relaydesk/internal/model"
	apperrors "github.com/KAPSULA1/relaydesk/pkg/errors"
)

// State 連線生命週期狀態
//
//	Connecting → Authenticating → Joined → Closing → Closed
//	                  │                                 ↑
//	                  └─────────── 拒絕 ────────────────┘
type State int32

// 連線狀態
const (
	StateConnecting State = iota
	StateAuthenticating
	StateJoined
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateJoined:
		return "joined"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// outbound 待寫出的項目：房間事件（寫出前才渲染）或已渲染的訊框
type outbound struct {
	event channel.Event
	frame []byte
}

// Conn 一條已驗證的 WebSocket 連線
//
// 只由建立它的 Gateway 擁有，其他連線只能經由房間匯流排與它互動。
type Conn struct {
	id       string
	identity model.Identity
	roomSlug string
	group    string

	gw     *Gateway
	ws     *websocket.Conn
	logger *slog.Logger

	send       chan outbound
	done       chan struct{}
	closeOnce  sync.Once
	writerDone chan struct{}

	state atomic.Int32
}

// ID 連線識別碼（匯流排以此區分成員）
func (c *Conn) ID() string {
	return c.id
}

// Identity 連線身份
func (c *Conn) Identity() model.Identity {
	return c.identity
}

// State 目前的生命週期狀態
func (c *Conn) State() State {
	return State(c.state.Load())
}

func (c *Conn) setState(ctx context.Context, s State) {
	prev := State(c.state.Swap(int32(s)))
	c.logger.DebugContext(ctx, "連線狀態轉換", "from", prev, "to", s)
}

// Deliver 由房間匯流排呼叫，不阻塞
func (c *Conn) Deliver(ev channel.Event) {
	c.enqueue(outbound{event: ev})
}

// enqueue 放入發送緩衝區，緩衝區滿時丟棄（慢客戶端不拖累整個房間）
func (c *Conn) enqueue(o outbound) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- o:
	case <-c.done:
	default:
		c.logger.Warn("連線緩衝區滿，丟棄訊框",
			"conn_id", c.id,
			"room_slug", c.roomSlug,
			"type", o.event.Kind)
	}
}

// close 停止寫出（可重複呼叫）
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// shutdown 由伺服器主動關閉連線
func (c *Conn) shutdown(code int, reason string) {
	c.close()
	deadline := time.Now().Add(c.gw.opts.WriteWait)
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = c.ws.Close()
}

// readLoop 依到達順序處理入站訊框，直到連線中斷
//
// 讀取超時為 PongWait；writePump 每 PingInterval 發送 Ping，
// 收到 Pong 時延長期限。
func (c *Conn) readLoop(ctx context.Context) {
	c.ws.SetReadLimit(c.gw.opts.MaxFrameSize)
	if err := c.ws.SetReadDeadline(time.Now().Add(c.gw.opts.PongWait)); err != nil {
		c.logger.ErrorContext(ctx, "設置讀取期限失敗", "error", err)
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.gw.opts.PongWait))
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
				websocket.CloseAbnormalClosure) {
				c.logger.WarnContext(ctx, "WebSocket 讀取錯誤", "error", err)
			}
			return
		}

		if messageType != websocket.TextMessage {
			continue
		}
		c.dispatch(ctx, data)
	}
}

// dispatch 訊框處理的邊界
//
// 只有這裡會把錯誤轉成 error 訊框。驗證錯誤直接略過；
// 其他錯誤（包含 panic）記錄後回覆 error 訊框，連線保持開啟。
func (c *Conn) dispatch(ctx context.Context, data []byte) {
	err := c.handle(ctx, data)
	switch {
	case err == nil:
	case apperrors.IsValidation(err):
		c.logger.DebugContext(ctx, "略過無效訊框", "error", err)
	default:
		c.logger.ErrorContext(ctx, "處理訊框失敗", "error", err)
		frame, renderErr := renderError(handlingFailureMessage)
		if renderErr != nil {
			return
		}
		c.enqueue(outbound{frame: frame})
	}
}

// handle 解析訊框並交給處理表
func (c *Conn) handle(ctx context.Context, data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.New(apperrors.ErrCodeHandlingFailure, fmt.Sprintf("panic in frame handler: %v", r))
		}
	}()

	frame, err := decodeFrame(data)
	if err != nil {
		return err
	}

	h, ok := handlers[frame.Kind]
	if !ok {
		c.logger.DebugContext(ctx, "略過未知訊框種類", "type", frame.Kind)
		return nil
	}

	if err := h(ctx, c, frame); err != nil {
		if apperrors.IsValidation(err) {
			return err
		}
		return apperrors.Wrap(err, apperrors.ErrCodeHandlingFailure, string(frame.Kind))
	}
	return nil
}

// writePump 唯一寫入 WebSocket 資料訊框的 goroutine
//
// 系統設計：
//   - 發送緩衝區讓匯流排遞送不阻塞
//   - 事件在寫出前才渲染，user_joined / user_left 讀到的是遞送當下的在線名單
//   - 定時 Ping 偵測死連線
func (c *Conn) writePump(ctx context.Context) {
	ticker := time.NewTicker(c.gw.opts.PingInterval)
	defer func() {
		ticker.Stop()
		close(c.writerDone)
	}()

	for {
		select {
		case o := <-c.send:
			if err := c.write(ctx, o); err != nil {
				c.logger.DebugContext(ctx, "寫入失敗，關閉連線", "error", err)
				c.close()
				_ = c.ws.Close()
				return
			}

		case <-ticker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(c.gw.opts.WriteWait)); err != nil {
				c.logger.ErrorContext(ctx, "設置寫入期限失敗", "error", err)
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				_ = c.ws.Close()
				return
			}

		case <-c.done:
			return
		}
	}
}

// write 渲染並寫出一個項目
func (c *Conn) write(ctx context.Context, o outbound) error {
	data := o.frame
	if data == nil {
		rendered, err := c.renderEvent(ctx, o.event)
		if err != nil {
			c.logger.ErrorContext(ctx, "渲染事件失敗", "type", o.event.Kind, "error", err)
			return nil
		}
		if rendered == nil {
			return nil
		}
		data = rendered
	}

	if err := c.ws.SetWriteDeadline(time.Now().Add(c.gw.opts.WriteWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}
