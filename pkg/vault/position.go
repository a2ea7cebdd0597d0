// 文件: pkg/vault/position.go
// 永续仓位数据结构
//
// 【存储策略】
// - 权威状态: 内存 arena (单写者，见 store.go)
// - 持久化: MySQL 写回 (position_repo.go)
// - 缓存: Redis (查询加速)
//
// 【关键概念区分】
// - 未实现盈亏: 随标记价格实时变化，用 UnrealizedDelta() 计算，不落库
// - 已实现盈亏: 只有减仓/平仓/强平时产生，累计在 RealizedPnl

package vault

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// =============================================================================
// 精度常量
// =============================================================================

const (
	// Precision 价格/金额精度因子
	// 所有 USD 金额与 token 数量存储为 int64，乘以 1e8
	// 例: 50000 USD = 5_000_000_000_000
	Precision = 100_000_000

	// BasisPointsDivisor 万分比分母
	// 手续费率、最小盈利阈值、杠杆都以万分比表示
	// 例: marginFeeBps=10 → 0.1%；maxLeverage=100000 → 10 倍
	BasisPointsDivisor = 10_000

	// FundingRatePrecision 资金费率指数精度
	// cumulativeIndex 与 ratePerInterval 按 1e6 缩放
	FundingRatePrecision = 1_000_000
)

// =============================================================================
// Position - 杠杆仓位
// =============================================================================

// Position 一个 (账户, 抵押token, 标的token, 方向) 上的杠杆仓位
//
// Size 和 Collateral 都是 USD 定点数 (×1e8)，方向由 IsLong 表达，
// 不用正负号区分多空 —— 多空仓位是两条独立记录，各自有独立的资金费指数。
type Position struct {
	ID uint `gorm:"primaryKey;autoIncrement"`

	// Key = SHA-256(账户|抵押token|标的token|方向)，抗碰撞主键
	Key string `gorm:"column:pos_key;type:varchar(64);uniqueIndex"`

	Account         string `gorm:"column:account;type:varchar(64);index"`
	CollateralToken string `gorm:"column:collateral_token;type:varchar(16)"`
	IndexToken      string `gorm:"column:index_token;type:varchar(16);index"`
	IsLong          bool   `gorm:"column:is_long"`

	// ===== 仓位状态 (USD 定点) =====
	Size         int64 `gorm:"column:size"`          // 名义敞口
	Collateral   int64 `gorm:"column:collateral"`    // 占用抵押
	AveragePrice int64 `gorm:"column:average_price"` // 开仓均价

	// EntryFundingIndex 上次变更时该方向累计资金费指数的快照 (×1e6)
	EntryFundingIndex int64 `gorm:"column:entry_funding_index"`

	// Reserved 预留额度
	// 减仓时按比例释放；当前没有任何路径写入它 (历史遗留字段)
	Reserved int64 `gorm:"column:reserved"`

	// RealizedPnl 累计已实现盈亏 (有符号)
	RealizedPnl int64 `gorm:"column:realized_pnl"`

	// LastIncreasedTime 最近一次加仓时间 (Unix毫秒)
	// 反操纵保护: 年轻仓位的小额盈利会被抑制为 0
	LastIncreasedTime int64 `gorm:"column:last_increased_time"`

	CreatedAt int64 `gorm:"column:created_at"`
	UpdatedAt int64 `gorm:"column:updated_at"`
}

func (Position) TableName() string {
	return "vault_positions"
}

// PositionKey 计算仓位主键
//
// 【为什么用哈希而不是拼接串】
// 账户/Token 名里可能出现分隔符，拼接串有歧义；
// SHA-256 抗碰撞且定长，适合做 map key 和 DB 唯一索引。
func PositionKey(account, collateralToken, indexToken string, isLong bool) string {
	dir := "short"
	if isLong {
		dir = "long"
	}
	h := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%s|%s", account, collateralToken, indexToken, dir))
	return hex.EncodeToString(h[:])
}

// IsEmpty 是否无仓位
func (p *Position) IsEmpty() bool {
	return p.Size == 0
}

// Clone 深拷贝
// 账本的所有变更都在克隆上计算，成功后才整体提交 (原子性)
func (p *Position) Clone() *Position {
	cp := *p
	return &cp
}

// DirectionString 方向字符串 (日志/事件用)
func (p *Position) DirectionString() string {
	if p.IsLong {
		return "LONG"
	}
	return "SHORT"
}

// =============================================================================
// 仓位变更事件 (通知 keeper / 下游消费者)
// =============================================================================

type PositionChangeType int8

const (
	PositionOpened     PositionChangeType = iota // 新开仓
	PositionIncreased                            // 加仓
	PositionDecreased                            // 减仓
	PositionClosed                               // 平仓
	PositionLiquidated                           // 强平
)

func (t PositionChangeType) String() string {
	switch t {
	case PositionOpened:
		return "OPENED"
	case PositionIncreased:
		return "INCREASED"
	case PositionDecreased:
		return "DECREASED"
	case PositionClosed:
		return "CLOSED"
	case PositionLiquidated:
		return "LIQUIDATED"
	}
	return "UNKNOWN"
}
