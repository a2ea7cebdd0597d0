// 文件: pkg/vault/config.go
// 账本配置与管理面
//
// 【设计】
// - 白名单用显式集合 + 成员查询，不做类型标签
// - 管理 setter 同步校验边界，非法值直接拒绝而不是钳制

package vault

import (
	"sync"
	"time"
)

// =============================================================================
// 结算策略
// =============================================================================

// SettlementPolicy 已实现盈亏的结算策略
//
// 两种策略都存在于线上系统的不同部署形态，这里做成显式配置:
// - SettlePerToken: 按标的 token 分别记账，路由到对应资金池账户
// - SettleNetted:   全部轧差进一个全局有符号计数器，由外部结算回调清零
type SettlementPolicy int8

const (
	SettlePerToken SettlementPolicy = iota
	SettleNetted
)

func (p SettlementPolicy) String() string {
	if p == SettlePerToken {
		return "PER_TOKEN"
	}
	return "NETTED"
}

// =============================================================================
// 配置常量
// =============================================================================

const (
	// DefaultFundingInterval 默认资金费结算间隔 (8小时, 毫秒)
	DefaultFundingInterval = int64(8 * time.Hour / time.Millisecond)

	// DefaultMaxLeverage 默认最大杠杆 (50倍, 万分比缩放)
	DefaultMaxLeverage = 50 * BasisPointsDivisor

	// MaxMarginFeeBps 开平仓手续费上限 (5%)
	MaxMarginFeeBps = 500

	// MaxFundingRatePerInterval 单区间资金费率上限 (1%, ×1e6)
	MaxFundingRatePerInterval = FundingRatePrecision / 100

	// MaxMinProfitBps 最小盈利阈值上限 (5%)
	MaxMinProfitBps = 500
)

// =============================================================================
// Config - 账本配置
// =============================================================================

// Config 账本配置
//
// 只能通过 Ledger 上 owner 门禁的 setter 修改。
// keeper 扫描等只读路径与 setter 并发，所以字段读取
// 走下面带读锁的查询方法，setter 在账本侧持写锁执行。
type Config struct {
	mu sync.RWMutex

	// ===== 权限 =====
	Owner    string
	Managers map[string]bool

	// ===== Token 白名单 =====
	CollateralTokens map[string]bool
	IndexTokens      map[string]bool

	// ===== 风险参数 =====
	MaxLeverage  int64 // 万分比缩放, 100000 = 10x
	MarginFeeBps int64 // 万分比

	// ===== 反操纵 =====
	MinProfitTime int64 // 毫秒: 仓位年龄低于此值时小额盈利被抑制
	MinProfitBps  int64 // 万分比: 盈利低于 size 的该比例视为 0

	// ===== 资金费 =====
	FundingInterval int64 // 毫秒
	LongFundingRate int64 // 每区间费率 (×1e6), 多头方向
	ShortFundingRate int64 // 每区间费率 (×1e6), 空头方向

	// ===== 结算 =====
	Policy SettlementPolicy
	// PoolRoute 标的 token → 资金池账户 (SettlePerToken 模式用)
	PoolRoute map[string]string
}

// DefaultConfig 默认配置
func DefaultConfig(owner string) *Config {
	return &Config{
		Owner:            owner,
		Managers:         make(map[string]bool),
		CollateralTokens: make(map[string]bool),
		IndexTokens:      make(map[string]bool),
		MaxLeverage:      DefaultMaxLeverage,
		MarginFeeBps:     10, // 0.1%
		MinProfitTime:    0,
		MinProfitBps:     0,
		FundingInterval:  DefaultFundingInterval,
		LongFundingRate:  100, // 0.01% 每区间
		ShortFundingRate: 100,
		Policy:           SettleNetted,
		PoolRoute:        make(map[string]string),
	}
}

// IsManager 是否为授权 manager
func (c *Config) IsManager(caller string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Managers[caller]
}

// IsOwner 是否为 owner
func (c *Config) IsOwner(caller string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return caller == c.Owner
}

// IsCollateralToken 抵押 token 白名单查询
func (c *Config) IsCollateralToken(token string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.CollateralTokens[token]
}

// IsIndexToken 标的 token 白名单查询
func (c *Config) IsIndexToken(token string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.IndexTokens[token]
}

// fundingParams 某方向的 (每区间费率, 区间长度) 快照
func (c *Config) fundingParams(isLong bool) (rate, interval int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rate = c.ShortFundingRate
	if isLong {
		rate = c.LongFundingRate
	}
	return rate, c.FundingInterval
}

// riskParams 风险评估参数快照
func (c *Config) riskParams() RiskParams {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return RiskParams{
		MaxLeverage:   c.MaxLeverage,
		MarginFeeBps:  c.MarginFeeBps,
		MinProfitTime: c.MinProfitTime,
		MinProfitBps:  c.MinProfitBps,
	}
}

// marginFeeBps 开平仓手续费率
func (c *Config) marginFeeBps() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.MarginFeeBps
}

// minProfit 反操纵参数快照
func (c *Config) minProfit() (minProfitTime, minProfitBps int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.MinProfitTime, c.MinProfitBps
}

// settlementPolicy 当前结算策略
func (c *Config) settlementPolicy() SettlementPolicy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Policy
}
