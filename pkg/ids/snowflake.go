// 文件: pkg/ids/snowflake.go
// 全局 ID 生成
//
// 审计事件和资金划转流水都需要全局唯一、趋势递增的 ID，
// 用雪花算法 (github.com/bwmarrin/snowflake)，多实例部署时
// 每个实例配置不同的 nodeID。

package ids

import (
	"sync"

	"github.com/bwmarrin/snowflake"
)

var (
	node     *snowflake.Node
	initOnce sync.Once
)

// InitSnowflake 初始化生成器
// nodeID 范围 0-1023，同一集群内不可重复。
func InitSnowflake(nodeID int64) error {
	var err error
	initOnce.Do(func() {
		node, err = snowflake.NewNode(nodeID)
	})
	return err
}

func generate() int64 {
	if node == nil {
		// 未显式初始化时退回节点 0，单实例场景够用
		InitSnowflake(0)
	}
	return node.Generate().Int64()
}

// GenerateEventID 审计事件 ID
func GenerateEventID() int64 {
	return generate()
}

// GenerateTransferRefID 资金划转流水号
func GenerateTransferRefID() int64 {
	return generate()
}
