// Package presence 追蹤每個房間目前在線的用戶。
//
// 系統設計問題：
//
//	多個服務實例同時處理同一個房間的加入/離開，如何避免遺失更新？
//
// naive 做法（GET → 修改 → SET）在並發下會互相覆蓋：
//
//	A: GET [u1]        B: GET [u1]
//	A: SET [u1,u2]     B: SET [u1,u3]   ← u2 遺失
//
// 設計方案：
//
//	✅ WATCH + MULTI/EXEC - 樂觀鎖，key 在交易前被改動時 EXEC 失敗並重試
//	✅ JSON 陣列 - 保留加入順序，依用戶 ID 去重
//	✅ 每個成員記錄連線數：同一用戶開多個分頁時，最後一條連線離開才移出名單
//	✅ 每次變更刷新 TTL；集合為空時刪除 key
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/KAPSULA1/relaydesk/internal/model"
	apperrors "github.com/KAPSULA1/relaydesk/pkg/errors"
)

// keyPrefix 在線名單 key 前綴
const keyPrefix = "room_presence:"

// Member 在線成員
type Member struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// entry 名單在 Redis 中的儲存格式
type entry struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Conns    int    `json:"conns"`
}

// MemberOf 由連線身份建立成員
func MemberOf(id model.Identity) Member {
	return Member{ID: id.ID, Username: id.Username}
}

// Config 在線追蹤設定
type Config struct {
	TTL        time.Duration
	MaxRetries int
}

// Tracker 房間在線追蹤器
type Tracker struct {
	rdb    redis.UniversalClient
	cfg    Config
	logger *slog.Logger
}

// NewTracker 建立在線追蹤器
func NewTracker(rdb redis.UniversalClient, cfg Config, logger *slog.Logger) *Tracker {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 10
	}
	return &Tracker{rdb: rdb, cfg: cfg, logger: logger}
}

// Key 房間的在線名單 key
func Key(roomSlug string) string {
	return keyPrefix + roomSlug
}

// Add 登記成員的一條連線（已在名單中時只增加連線數）
func (t *Tracker) Add(ctx context.Context, roomSlug string, m Member) ([]Member, error) {
	return t.update(ctx, roomSlug, func(entries []entry) []entry {
		for i := range entries {
			if entries[i].ID == m.ID {
				entries[i].Conns++
				return entries
			}
		}
		return append(entries, entry{ID: m.ID, Username: m.Username, Conns: 1})
	})
}

// Remove 移除成員的一條連線，連線數歸零時移出名單
func (t *Tracker) Remove(ctx context.Context, roomSlug, memberID string) ([]Member, error) {
	return t.update(ctx, roomSlug, func(entries []entry) []entry {
		kept := entries[:0]
		for _, e := range entries {
			if e.ID == memberID {
				e.Conns--
				if e.Conns <= 0 {
					continue
				}
			}
			kept = append(kept, e)
		}
		return kept
	})
}

// List 返回房間目前的在線成員（依加入順序）
func (t *Tracker) List(ctx context.Context, roomSlug string) ([]Member, error) {
	entries, err := read(ctx, t.rdb, Key(roomSlug))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "read presence")
	}
	return membersOf(entries), nil
}

// update 在樂觀交易中讀取、修改、寫回
func (t *Tracker) update(ctx context.Context, roomSlug string, mutate func([]entry) []entry) ([]Member, error) {
	key := Key(roomSlug)
	var result []Member

	txf := func(tx *redis.Tx) error {
		entries, err := read(ctx, tx, key)
		if err != nil {
			return err
		}
		next := mutate(entries)

		var payload []byte
		if len(next) > 0 {
			if payload, err = json.Marshal(next); err != nil {
				return fmt.Errorf("encode presence: %w", err)
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(next) == 0 {
				pipe.Del(ctx, key)
			} else {
				pipe.Set(ctx, key, payload, t.cfg.TTL)
			}
			return nil
		})
		if err == nil {
			result = membersOf(next)
		}
		return err
	}

	for attempt := 0; attempt < t.cfg.MaxRetries; attempt++ {
		err := t.rdb.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			t.logger.DebugContext(ctx, "在線名單交易衝突，重試", "room_slug", roomSlug, "attempt", attempt+1)
			continue
		}
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "update presence")
	}

	return nil, apperrors.New(apperrors.ErrCodeUnavailable, "presence update contention").WithDetails(roomSlug)
}

// getter 客戶端與交易共用的讀取操作
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// read 讀取名單，key 不存在時返回空陣列
func read(ctx context.Context, c getter, key string) ([]entry, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return []entry{}, nil
	}
	if err != nil {
		return nil, err
	}

	var entries []entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode presence: %w", err)
	}
	// 沒有連線數欄位的舊資料視為一條連線
	for i := range entries {
		if entries[i].Conns < 1 {
			entries[i].Conns = 1
		}
	}
	return entries, nil
}

func membersOf(entries []entry) []Member {
	members := make([]Member, 0, len(entries))
	for _, e := range entries {
		members = append(members, Member{ID: e.ID, Username: e.Username})
	}
	return members
}
