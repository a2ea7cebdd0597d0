// 文件: pkg/oracle/feed.go
// NATS 报价接入
//
// 外部行情采集器把各来源的现货报价发到 oracle.quotes，
// 这里订阅并喂给聚合服务。

package oracle

import (
	"fmt"
	"log"

	"perpx.com/pkg/nats"
)

// SubjectQuotes 报价 subject
const SubjectQuotes = "oracle.quotes"

// QuoteMessage 报价消息体
type QuoteMessage struct {
	Token  string `json:"token"`
	Source string `json:"source"`
	Price  int64  `json:"price"` // USD 定点 (×1e8)
}

// Feed NATS 报价接入器
type Feed struct {
	service    *Service
	subscriber *nats.Subscriber
}

// NewFeed 创建接入器并开始订阅
func NewFeed(url string, service *Service) (*Feed, error) {
	f := &Feed{service: service}

	sub, err := nats.NewSubscriber(url, f.handle)
	if err != nil {
		return nil, fmt.Errorf("oracle feed: %w", err)
	}
	if err := sub.Subscribe(SubjectQuotes); err != nil {
		sub.Close()
		return nil, fmt.Errorf("oracle feed: %w", err)
	}

	f.subscriber = sub
	return f, nil
}

func (f *Feed) handle(subject string, data []byte) error {
	msg, err := nats.UnmarshalJSON[QuoteMessage](data)
	if err != nil {
		return fmt.Errorf("decode quote: %w", err)
	}
	if err := f.service.UpdateQuote(msg.Token, msg.Source, msg.Price); err != nil {
		log.Printf("[Oracle] 报价拒绝 token=%s source=%s price=%d: %v", msg.Token, msg.Source, msg.Price, err)
	}
	return nil
}

// Close 停止订阅
func (f *Feed) Close() error {
	if f.subscriber != nil {
		return f.subscriber.Close()
	}
	return nil
}
