package channel

import (
	"context"
	"log/slog"
	"sync"
)

// Local 單一程序的房間匯流排
//
// 也是 NATS 匯流排的本地成員註冊表：NATS 負責跨程序傳遞，
// Local 負責把收到的事件交給本程序內的成員。
type Local struct {
	mu     sync.RWMutex
	groups map[string]map[string]Subscriber
	logger *slog.Logger
}

// NewLocal 建立單一程序匯流排
func NewLocal(logger *slog.Logger) *Local {
	return &Local{
		groups: make(map[string]map[string]Subscriber),
		logger: logger,
	}
}

// Join 將訂閱者加入 group
func (l *Local) Join(_ context.Context, group string, sub Subscriber) error {
	l.add(group, sub)
	return nil
}

// Leave 將訂閱者移出 group
func (l *Local) Leave(_ context.Context, group string, sub Subscriber) error {
	l.remove(group, sub.ID())
	return nil
}

// Publish 將事件交給 group 的所有成員
//
// 事件先序列化再反序列化，與跨程序傳遞走相同路徑。
func (l *Local) Publish(_ context.Context, group string, ev Event) error {
	data, err := Encode(ev)
	if err != nil {
		return err
	}
	return l.dispatch(group, data)
}

// Members 返回 group 目前的成員快照
func (l *Local) Members(group string) []Subscriber {
	l.mu.RLock()
	defer l.mu.RUnlock()

	members := make([]Subscriber, 0, len(l.groups[group]))
	for _, sub := range l.groups[group] {
		members = append(members, sub)
	}
	return members
}

// add 加入成員，返回是否為該 group 的第一個成員
func (l *Local) add(group string, sub Subscriber) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	members, ok := l.groups[group]
	if !ok {
		members = make(map[string]Subscriber)
		l.groups[group] = members
	}
	members[sub.ID()] = sub
	return !ok
}

// remove 移除成員，返回 group 是否因此變空
func (l *Local) remove(group, id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	members, ok := l.groups[group]
	if !ok {
		return false
	}
	delete(members, id)
	if len(members) == 0 {
		delete(l.groups, group)
		return true
	}
	return false
}

// dispatch 解碼事件並遞送給本程序內的成員
func (l *Local) dispatch(group string, data []byte) error {
	ev, err := Decode(data)
	if err != nil {
		return err
	}

	members := l.Members(group)
	for _, sub := range members {
		sub.Deliver(ev)
	}
	l.logger.Debug("事件已遞送", "group", group, "type", ev.Kind, "members", len(members))
	return nil
}
