// 文件: pkg/nats/publisher.go
// 事件总线发布端
//
// 仓位变更、资金费累计等实时事件走 NATS 广播给风控面板和做市端。
// 事件允许丢 (审计走 Kafka)，但连接要能自愈。

package nats

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Publisher 事件发布端
type Publisher struct {
	conn *nats.Conn
}

// NewPublisher 连接事件总线
// 无限重连: 行情和事件流断了要自己接回来。
func NewPublisher(url string) (*Publisher, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &Publisher{conn: conn}, nil
}

// Publish 发布 JSON 事件
func (p *Publisher) Publish(subject string, data any) error {
	bytes, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return p.conn.Publish(subject, bytes)
}

// Close 关闭连接
func (p *Publisher) Close() {
	p.conn.Close()
}
