// 仓位账本 + 强平 keeper 全链路模拟
//
// 不依赖外部服务: 预言机由进程内行情模拟器喂价,
// 资金池用打印转账的 mock。演示剧本:
// 1. 三个账户开不同杠杆的多头
// 2. BTC 价格阶梯式下跌
// 3. keeper 扫描发现超限仓位并强平, 杠杆越高越先倒下

package main

import (
	"context"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"perpx.com/pkg/keeper"
	"perpx.com/pkg/oracle"
	"perpx.com/pkg/vault"
)

// =============================================================================
// Mock 组件实现
// =============================================================================

// MockPool 打印转账的资金池
type MockPool struct {
	mu    sync.Mutex
	total int64
}

func (p *MockPool) Transfer(ctx context.Context, token string, amount int64, receiver string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.total += amount
	log.Printf("[Pool] 💸 转出 %.4f %s → %s (累计 %.4f)",
		float64(amount)/vault.Precision, token, receiver, float64(p.total)/vault.Precision)
	return nil
}

// PriceSimulator 多来源行情模拟器
type PriceSimulator struct {
	service *oracle.Service
	base    int64 // 当前基准价 (USD 定点)
	mu      sync.Mutex
}

// FeedOnce 给三个来源各喂一个带微小抖动的报价
func (s *PriceSimulator) FeedOnce() {
	s.mu.Lock()
	base := s.base
	s.mu.Unlock()

	for _, source := range []string{"binance", "okx", "bybit"} {
		jitter := base / 10_000 // ±0.01%
		price := base + rand.Int63n(2*jitter+1) - jitter
		s.service.UpdateQuote("BTC", source, price)
	}
	s.service.UpdateQuote("USDC", "binance", vault.Precision)
}

// Drop 基准价下跌 pct%
func (s *PriceSimulator) Drop(pct int64) {
	s.mu.Lock()
	s.base = s.base * (100 - pct) / 100
	log.Printf("[Market] 📉 BTC 下跌 %d%% → %.2f", pct, float64(s.base)/vault.Precision)
	s.mu.Unlock()
}

// =============================================================================
// 主流程
// =============================================================================

const (
	owner   = "admin"
	router  = "router"
	keeper1 = "keeper-1"
)

func main() {
	log.SetFlags(log.Ltime | log.Lmicroseconds)
	log.Println("========== 仓位账本模拟启动 ==========")

	// 1. 预言机: 进程内模拟器喂价
	svc := oracle.NewService()
	svc.SetSpreadBps("BTC", 10)
	svc.SetSpreadBps("USDC", 1)
	sim := &PriceSimulator{service: svc, base: 50_000 * vault.Precision}
	sim.FeedOnce()

	// 2. 账本
	pool := &MockPool{}
	ledger := vault.NewLedger(vault.DefaultConfig(owner), svc, pool)
	must(ledger.SetManager(owner, router, true))
	must(ledger.SetManager(owner, keeper1, true))
	must(ledger.SetCollateralToken(owner, "USDC", true))
	must(ledger.SetIndexToken(owner, "BTC", true))
	must(ledger.SetMaxLeverage(owner, 20*vault.BasisPointsDivisor))

	// 3. 开仓: 三个账户, 杠杆从保守到激进
	ctx := context.Background()
	openings := []struct {
		account    string
		collateral int64 // USDC
		size       int64 // USD 名义
	}{
		{"alice", 1_000, 3_000},  // 3x
		{"bob", 1_000, 8_000},    // 8x
		{"carol", 1_000, 15_000}, // 15x
	}
	for _, o := range openings {
		pos, err := ledger.IncreasePosition(ctx, router, &vault.IncreaseRequest{
			Account:         o.account,
			CollateralToken: "USDC",
			IndexToken:      "BTC",
			IsLong:          true,
			CollateralDelta: o.collateral * vault.Precision,
			SizeDelta:       o.size * vault.Precision,
		})
		must(err)
		log.Printf("[Sim] 开仓 %s: size=%.0f collateral=%.2f avg=%.2f",
			o.account,
			float64(pos.Size)/vault.Precision,
			float64(pos.Collateral)/vault.Precision,
			float64(pos.AveragePrice)/vault.Precision)
	}
	log.Printf("[Sim] 全局多头敞口: %.0f USD", float64(ledger.GlobalLongSize("BTC"))/vault.Precision)

	// 4. keeper 上线
	k := keeper.NewKeeper(ledger, keeper1)
	k.SetScanInterval(200 * time.Millisecond)
	k.Start()

	// 5. 行情循环: 持续喂价 + 每 2 秒跌 3%
	stopCh := make(chan struct{})
	go func() {
		feedTicker := time.NewTicker(100 * time.Millisecond)
		dropTicker := time.NewTicker(2 * time.Second)
		defer feedTicker.Stop()
		defer dropTicker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-feedTicker.C:
				sim.FeedOnce()
			case <-dropTicker.C:
				sim.Drop(3)
			}
		}
	}()

	// 6. 全部仓位倒下或收到信号后退出
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		for ledger.PositionCount() > 0 {
			time.Sleep(500 * time.Millisecond)
		}
		close(done)
	}()

	select {
	case <-done:
		log.Println("[Sim] 所有仓位已被强平")
	case <-sigCh:
		log.Println("[Sim] 收到退出信号")
	}

	close(stopCh)
	k.Stop()

	stats := k.Stats()
	log.Printf("========== 模拟结束 ==========")
	log.Printf("keeper: scanned=%d enqueued=%d liquidated=%d failed=%d",
		stats.Scanned, stats.Enqueued, stats.Liquidated, stats.Failed)
	log.Printf("账本: feeReserve=%.4f vaultPnl=%.4f 剩余仓位=%d",
		float64(ledger.FeeReserve())/vault.Precision,
		float64(ledger.VaultPnl())/vault.Precision,
		ledger.PositionCount())
}

func must(err error) {
	if err != nil {
		log.Fatalf("[Sim] 初始化失败: %v", err)
	}
}
