// 文件: pkg/kafka/producer.go
// 审计流生产者
//
// 金库的每次仓位变更都会落一条审计记录到 Kafka。
// - 异步批量发送，不阻塞结算路径
// - 按 key 分区: 同一仓位的记录保证顺序
// - 审计流不允许丢: 默认等待全部副本确认

package kafka

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
)

// Message 可入流的消息
// 实现方决定 topic、分区 key 与序列化格式。
type Message interface {
	Topic() string
	Key() string            // 相同 key 落同一分区，保证顺序
	Value() ([]byte, error)
}

// =============================================================================
// 配置
// =============================================================================

// ProducerConfig 生产者配置
type ProducerConfig struct {
	Brokers        []string
	RequiredAcks   int           // 0=不等待, 1=leader, -1=全部副本
	Compression    string        // none, gzip, snappy, lz4, zstd
	FlushFrequency time.Duration // 批量刷新间隔
	FlushMessages  int           // 批量条数
	MaxRetries     int
}

// JournalProducerConfig 审计流默认配置
// acks=-1: 审计记录写丢了就没法对账，宁可慢。
func JournalProducerConfig(brokers []string) ProducerConfig {
	return ProducerConfig{
		Brokers:        brokers,
		RequiredAcks:   -1,
		Compression:    "snappy",
		FlushFrequency: 50 * time.Millisecond,
		FlushMessages:  64,
		MaxRetries:     5,
	}
}

// =============================================================================
// Producer
// =============================================================================

// Producer 异步 Kafka 生产者
type Producer struct {
	producer sarama.AsyncProducer
	config   ProducerConfig

	sentCount  atomic.Int64
	errorCount atomic.Int64

	closed atomic.Bool
	wg     sync.WaitGroup
}

// NewProducer 创建生产者
func NewProducer(cfg ProducerConfig) (*Producer, error) {
	sc := sarama.NewConfig()

	switch cfg.RequiredAcks {
	case 0:
		sc.Producer.RequiredAcks = sarama.NoResponse
	case 1:
		sc.Producer.RequiredAcks = sarama.WaitForLocal
	default:
		sc.Producer.RequiredAcks = sarama.WaitForAll
	}

	switch cfg.Compression {
	case "gzip":
		sc.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		sc.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		sc.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		sc.Producer.Compression = sarama.CompressionZSTD
	default:
		sc.Producer.Compression = sarama.CompressionNone
	}

	// 按 key 哈希分区，保证单仓位顺序
	sc.Producer.Partitioner = sarama.NewHashPartitioner

	sc.Producer.Flush.Frequency = cfg.FlushFrequency
	sc.Producer.Flush.Messages = cfg.FlushMessages
	sc.Producer.Retry.Max = cfg.MaxRetries

	sc.Producer.Return.Successes = false
	sc.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	p := &Producer{
		producer: producer,
		config:   cfg,
	}

	p.wg.Add(1)
	go p.drainErrors()

	return p, nil
}

// Send 异步发送一条记录
func (p *Producer) Send(msg Message) error {
	if p.closed.Load() {
		return fmt.Errorf("producer is closed")
	}

	data, err := msg.Value()
	if err != nil {
		return fmt.Errorf("serialize message: %w", err)
	}

	p.producer.Input() <- &sarama.ProducerMessage{
		Topic: msg.Topic(),
		Key:   sarama.StringEncoder(msg.Key()),
		Value: sarama.ByteEncoder(data),
	}
	p.sentCount.Add(1)

	return nil
}

func (p *Producer) drainErrors() {
	defer p.wg.Done()

	for err := range p.producer.Errors() {
		p.errorCount.Add(1)
		// 发送失败只记日志: 结算已经落库，审计流缺口靠对账补
		log.Printf("[Journal] send error: topic=%s, err=%v", err.Msg.Topic, err.Err)
	}
}

// =============================================================================
// 统计与生命周期
// =============================================================================

// ProducerStats 发送统计
type ProducerStats struct {
	SentCount  int64
	ErrorCount int64
}

// Stats 读取统计
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{
		SentCount:  p.sentCount.Load(),
		ErrorCount: p.errorCount.Load(),
	}
}

// Close 刷出未发送消息并关闭
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	err := p.producer.Close()
	p.wg.Wait()

	return err
}
