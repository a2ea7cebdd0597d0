// 文件: pkg/oracle/service.go
// 价格预言机聚合服务
//
// 【指数计算】
// 多来源现货报价取中位数 (防单一来源操控)，
// 再按 token 配置的 spreadBps 做买卖价偏置:
//   max = index × (10000 + spreadBps) / 10000
//   min = index × (10000 - spreadBps) / 10000
// 账本对多/空方向按需取 max 或 min，永远对金库保守。
//
// 【时效】
// 每个来源的报价带时间戳，超过 staleness 界限的报价不参与聚合。
// requireFresh 调用在无任何有效报价时返回错误 —— 宁可拒绝也不用旧价强平。

package oracle

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"perpx.com/pkg/safemath"
)

var (
	// ErrNoPrice 无任何有效报价
	ErrNoPrice = errors.New("no fresh price available")

	// ErrInvalidPrice 报价非正
	ErrInvalidPrice = errors.New("price must be positive")
)

const (
	// DefaultStaleness 默认报价时效界限
	DefaultStaleness = 30 * time.Second

	// DefaultSpreadBps 默认买卖价偏置 (万分比)
	DefaultSpreadBps = 10

	basisPointsDivisor = 10_000
)

// =============================================================================
// Service
// =============================================================================

// Quote 单一来源的报价
type Quote struct {
	Source    string
	Price     int64 // USD 定点 (×1e8)
	UpdatedAt int64 // Unix毫秒
}

// Service 预言机聚合服务
type Service struct {
	mu sync.RWMutex

	// quotes token → source → 报价
	quotes map[string]map[string]*Quote

	// spreadBps token → 买卖价偏置，缺省用 DefaultSpreadBps
	spreadBps map[string]int64

	staleness time.Duration

	// now 可注入时钟 (测试用)
	now func() int64
}

// NewService 创建聚合服务
func NewService() *Service {
	return &Service{
		quotes:    make(map[string]map[string]*Quote),
		spreadBps: make(map[string]int64),
		staleness: DefaultStaleness,
		now:       func() int64 { return time.Now().UnixMilli() },
	}
}

// SetStaleness 调整时效界限
func (s *Service) SetStaleness(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staleness = d
}

// SetSpreadBps 配置某 token 的买卖价偏置
func (s *Service) SetSpreadBps(token string, bps int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spreadBps[token] = bps
}

// =============================================================================
// 报价输入
// =============================================================================

// UpdateQuote 更新某来源的报价
func (s *Service) UpdateQuote(token, source string, price int64) error {
	if price <= 0 {
		return ErrInvalidPrice
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.quotes[token] == nil {
		s.quotes[token] = make(map[string]*Quote)
	}
	s.quotes[token][source] = &Quote{
		Source:    source,
		Price:     price,
		UpdatedAt: s.now(),
	}
	return nil
}

// =============================================================================
// 查询 (实现账本的 PriceOracle 接口)
// =============================================================================

// GetPrice 返回偏置后的价格
//
// maximize=true 取偏高一侧，false 取偏低一侧。
// requireFresh=true 时无有效报价返回 ErrNoPrice；
// false 时退化为忽略时效 (管理面查询用)。
func (s *Service) GetPrice(token string, maximize, requireFresh bool) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index := s.indexPrice(token, requireFresh)
	if index == 0 {
		return 0, fmt.Errorf("%w: token=%s", ErrNoPrice, token)
	}

	spread, ok := s.spreadBps[token]
	if !ok {
		spread = DefaultSpreadBps
	}

	var factor int64
	if maximize {
		factor = basisPointsDivisor + spread
	} else {
		factor = basisPointsDivisor - spread
	}
	return safemath.MulDiv(index, factor, basisPointsDivisor)
}

// IndexPrice 无偏置指数价格 (行情展示用)
func (s *Service) IndexPrice(token string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.indexPrice(token, true)
}

// indexPrice 中位数指数，要求持有读锁
func (s *Service) indexPrice(token string, requireFresh bool) int64 {
	sources, ok := s.quotes[token]
	if !ok || len(sources) == 0 {
		return 0
	}

	now := s.now()
	bound := s.staleness.Milliseconds()

	prices := make([]int64, 0, len(sources))
	for _, q := range sources {
		if requireFresh && now-q.UpdatedAt > bound {
			continue
		}
		prices = append(prices, q.Price)
	}
	if len(prices) == 0 {
		return 0
	}

	// 排序取中位数
	sort.Slice(prices, func(i, j int) bool { return prices[i] < prices[j] })
	mid := len(prices) / 2
	if len(prices)%2 == 0 {
		return (prices[mid-1] + prices[mid]) / 2
	}
	return prices[mid]
}

// SourceCount 某 token 的报价来源数 (监控用)
func (s *Service) SourceCount(token string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.quotes[token])
}
