package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	apperrors "github.com/KAPSULA1/relaydesk/pkg/errors"
)

// flushTimeout 等待伺服器確認訂閱的時間
const flushTimeout = 2 * time.Second

// NATS 以 NATS core pub/sub 串接多個實例的房間匯流排
//
// 架構：
//
//	實例 A                       NATS                      實例 B
//	Publish(room:general) ──→ chat.room:general ──→ 訂閱 handler
//	                                  │                    ↓
//	訂閱 handler ←────────────────────┘              Local.dispatch
//	     ↓
//	Local.dispatch
//
// 為何用 core NATS 而非 JetStream？
//   - 房間事件是即時廣播，離線成員不需要補收
//   - 訊息在廣播前已寫入資料庫，歷史由 REST API 提供
//
// 每個實例只訂閱自己有成員的 group：第一個成員加入時訂閱，最後一個離開時取消。
type NATS struct {
	conn   *nats.Conn
	prefix string
	local  *Local
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]*nats.Subscription

	// flush 預設為 conn.FlushTimeout
	flush func(timeout time.Duration) error
}

// NewNATS 建立 NATS 匯流排
func NewNATS(conn *nats.Conn, prefix string, logger *slog.Logger) *NATS {
	if prefix == "" {
		prefix = "relaydesk"
	}
	return &NATS{
		conn:   conn,
		prefix: prefix,
		local:  NewLocal(logger),
		logger: logger,
		subs:   make(map[string]*nats.Subscription),
		flush:  conn.FlushTimeout,
	}
}

// Subject group 對應的 NATS subject
func (n *NATS) Subject(group string) string {
	return n.prefix + "." + group
}

// Join 將訂閱者加入 group，必要時建立 NATS 訂閱
//
// 訂閱在鎖內登記，等待伺服器確認在鎖外進行，其他房間的加入與離開不會被卡住。
func (n *NATS) Join(_ context.Context, group string, sub Subscriber) error {
	subscribed, err := n.subscribe(group, sub)
	if err != nil || !subscribed {
		return err
	}

	// 確認伺服器已登記訂閱，之後其他實例的發布才保證送達
	subject := n.Subject(group)
	if err := n.flush(flushTimeout); err != nil {
		n.logger.Warn("NATS flush 失敗", "subject", subject, "error", err)
	}

	n.logger.Debug("已訂閱房間", "subject", subject)
	return nil
}

// subscribe 登記成員，group 的第一個成員建立 NATS 訂閱時返回 true
func (n *NATS) subscribe(group string, sub Subscriber) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.local.add(group, sub) {
		return false, nil
	}

	s, err := n.conn.Subscribe(n.Subject(group), func(msg *nats.Msg) {
		if err := n.local.dispatch(group, msg.Data); err != nil {
			n.logger.Warn("丟棄無法解碼的事件", "subject", msg.Subject, "error", err)
		}
	})
	if err != nil {
		n.local.remove(group, sub.ID())
		return false, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "subscribe room group")
	}
	n.subs[group] = s
	return true, nil
}

// Leave 將訂閱者移出 group，group 變空時取消 NATS 訂閱
func (n *NATS) Leave(_ context.Context, group string, sub Subscriber) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.local.remove(group, sub.ID()) {
		return nil
	}

	s, ok := n.subs[group]
	if !ok {
		return nil
	}
	delete(n.subs, group)
	if err := s.Unsubscribe(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "unsubscribe room group")
	}

	n.logger.Debug("已取消訂閱房間", "subject", n.Subject(group))
	return nil
}

// Publish 發布事件到 NATS
//
// 本實例的成員也經由自己的訂閱收到事件，與其他實例看到的順序一致。
func (n *NATS) Publish(_ context.Context, group string, ev Event) error {
	data, err := Encode(ev)
	if err != nil {
		return err
	}
	if err := n.conn.Publish(n.Subject(group), data); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "publish room event")
	}
	return nil
}

// Flush 等待伺服器處理完已送出的發布
func (n *NATS) Flush(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, flushTimeout)
		defer cancel()
	}
	if err := n.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush nats: %w", err)
	}
	return nil
}

// Members 本實例在 group 中的成員
func (n *NATS) Members(group string) []Subscriber {
	return n.local.Members(group)
}

// Close 取消所有訂閱
func (n *NATS) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	var firstErr error
	for group, s := range n.subs {
		if err := s.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(n.subs, group)
	}
	return firstErr
}
