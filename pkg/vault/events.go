// 文件: pkg/vault/events.go
// 提交后事件发布
//
// 【两条通道】
// - NATS: 低延迟通知 (keeper / 行情面 / 账户面订阅)
// - Kafka: 审计流，每条带雪花 ID，按仓位键分区保序
//
// 两条通道都是提交后的尽力而为: 发布失败只记日志，
// 账本状态已经提交，不会因为下游掉线而回滚。

package vault

import (
	"encoding/json"
	"log"
	"strconv"
	"strings"

	"perpx.com/pkg/ids"
)

// NATS subject
const (
	SubjectPositionPrefix = "vault.position." // + opened/increased/decreased/closed/liquidated
	SubjectFundingAccrued = "vault.funding.accrued"
)

// JournalTopic Kafka 审计流 topic
const JournalTopic = "vault-journal"

// =============================================================================
// JournalEntry - Kafka 审计消息
// =============================================================================

// JournalEntry 一条审计记录，实现 kafka.Message
type JournalEntry struct {
	EventID   int64          `json:"event_id"`
	EventType string         `json:"event_type"`
	PosKey    string         `json:"pos_key"`
	Payload   map[string]any `json:"payload"`
	Timestamp int64          `json:"timestamp"`
}

func (e *JournalEntry) Topic() string { return JournalTopic }

// Key 按仓位键分区，同一仓位的变更保序
func (e *JournalEntry) Key() string {
	if e.PosKey != "" {
		return e.PosKey
	}
	return strconv.FormatInt(e.EventID, 10)
}

func (e *JournalEntry) Value() ([]byte, error) { return json.Marshal(e) }

// =============================================================================
// 发布
// =============================================================================

// emitPositionEvent 仓位变更事件
func (l *Ledger) emitPositionEvent(changeType PositionChangeType, pos *Position, sizeDelta, price, fee, tokenOut int64) {
	if l.publisher == nil && l.journal == nil {
		return
	}

	event := map[string]any{
		"event_type":       changeType.String(),
		"account":          pos.Account,
		"collateral_token": pos.CollateralToken,
		"index_token":      pos.IndexToken,
		"direction":        pos.DirectionString(),
		"size_delta":       sizeDelta,
		"mark_price":       price,
		"fee":              fee,
		"token_out":        tokenOut,
		"size":             pos.Size,
		"collateral":       pos.Collateral,
		"average_price":    pos.AveragePrice,
		"realized_pnl":     pos.RealizedPnl,
		"timestamp":        pos.UpdatedAt,
	}

	if l.publisher != nil {
		subject := SubjectPositionPrefix + strings.ToLower(changeType.String())
		if err := l.publisher.Publish(subject, event); err != nil {
			log.Printf("[Ledger] NATS 发布失败 subject=%s: %v", subject, err)
		}
	}

	if l.journal != nil {
		entry := &JournalEntry{
			EventID:   ids.GenerateEventID(),
			EventType: changeType.String(),
			PosKey:    pos.Key,
			Payload:   event,
			Timestamp: pos.UpdatedAt,
		}
		if err := l.journal.Send(entry); err != nil {
			log.Printf("[Ledger] 审计流写入失败 key=%s: %v", pos.Key, err)
		}
	}
}

// emitFundingEvent 资金费推进事件
func (l *Ledger) emitFundingEvent(st *FundingState) {
	if l.publisher == nil && l.journal == nil {
		return
	}

	event := map[string]any{
		"event_type":        "FUNDING_ACCRUED",
		"collateral_token":  st.CollateralToken,
		"direction":         directionString(st.IsLong),
		"rate_per_interval": st.RatePerInterval,
		"cumulative_index":  st.CumulativeIndex,
		"last_accrual_time": st.LastAccrualTime,
		"timestamp":         st.UpdatedAt,
	}

	if l.publisher != nil {
		if err := l.publisher.Publish(SubjectFundingAccrued, event); err != nil {
			log.Printf("[Ledger] NATS 发布失败 subject=%s: %v", SubjectFundingAccrued, err)
		}
	}

	if l.journal != nil {
		entry := &JournalEntry{
			EventID:   ids.GenerateEventID(),
			EventType: "FUNDING_ACCRUED",
			PosKey:    st.CollateralToken + "/" + directionString(st.IsLong),
			Payload:   event,
			Timestamp: st.UpdatedAt,
		}
		if err := l.journal.Send(entry); err != nil {
			log.Printf("[Ledger] 审计流写入失败 token=%s: %v", st.CollateralToken, err)
		}
	}
}

func directionString(isLong bool) string {
	if isLong {
		return "LONG"
	}
	return "SHORT"
}
