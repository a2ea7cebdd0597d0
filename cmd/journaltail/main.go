// 审计流查看工具
//
// 消费 vault-journal topic 并逐条打印, 排障/对账用:
//
//	go run ./cmd/journaltail -brokers localhost:9092 -from-oldest

package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/IBM/sarama"

	"perpx.com/pkg/kafka"
	"perpx.com/pkg/vault"
)

func main() {
	brokers := flag.String("brokers", "localhost:9092", "Kafka broker 列表, 逗号分隔")
	group := flag.String("group", "journal-tail", "消费者组 ID")
	fromOldest := flag.Bool("from-oldest", false, "从最早的消息开始")
	flag.Parse()

	cfg := kafka.DefaultConsumerConfig(strings.Split(*brokers, ","), *group, []string{vault.JournalTopic})
	if *fromOldest {
		cfg.OffsetInitial = sarama.OffsetOldest
	}

	consumer, err := kafka.NewConsumer(cfg, handleEntry)
	if err != nil {
		log.Fatalf("[JournalTail] 创建消费者失败: %v", err)
	}
	consumer.Start()
	log.Printf("[JournalTail] 开始消费 %s @ %s", vault.JournalTopic, *brokers)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	consumer.Stop()
}

func handleEntry(topic string, partition int32, offset int64, key, value []byte) error {
	var entry vault.JournalEntry
	if err := json.Unmarshal(value, &entry); err != nil {
		log.Printf("[JournalTail] 损坏的记录 p=%d o=%d: %v", partition, offset, err)
		return nil // 跳过而不是卡死消费
	}

	log.Printf("p=%d o=%d id=%d %s key=%s payload=%s",
		partition, offset, entry.EventID, entry.EventType, entry.PosKey, string(mustJSON(entry.Payload)))
	return nil
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
