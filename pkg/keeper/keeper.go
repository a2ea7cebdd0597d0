// 文件: pkg/keeper/keeper.go
// 强平 keeper - 扫描仓位并派发强平任务
//
// 【架构】
//
//	┌──────────────────────────────────────┐
//	│               Keeper                 │
//	│                                      │
//	│  scanLoop ──> taskQueue ──> workers  │
//	│     │                         │      │
//	│     └──── Ledger (只读) ──────┘      │
//	│                    (LiquidatePosition)│
//	└──────────────────────────────────────┘
//
// 扫描是只读的 (仓位克隆 + 非落地风险评估)，真正的状态变更
// 全部走账本的强平入口 —— 仓位在扫描和执行之间恢复健康时，
// 入口返回 ErrPositionHealthy，任务静默放弃。

package keeper

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"perpx.com/pkg/vault"
)

// =============================================================================
// 配置常量
// =============================================================================

const (
	// DefaultScanInterval 全量扫描间隔
	DefaultScanInterval = 2 * time.Second

	// DefaultWorkers 强平执行 worker 数量
	DefaultWorkers = 4

	// DefaultQueueSize 任务队列大小
	DefaultQueueSize = 256
)

// =============================================================================
// Keeper
// =============================================================================

// Task 一个待强平仓位
type Task struct {
	Account         string
	CollateralToken string
	IndexToken      string
	IsLong          bool
	Status          vault.RiskStatus
}

// Keeper 强平调度器
type Keeper struct {
	ledger *vault.Ledger

	// caller 以该身份调用账本 (必须是授权 manager)
	caller string

	scanInterval time.Duration
	workers      int

	taskQueue chan Task

	// inflight 已入队未完成的仓位键，防重复入队
	inflight sync.Map

	// 统计
	scanned    atomic.Int64
	enqueued   atomic.Int64
	liquidated atomic.Int64
	failed     atomic.Int64

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
}

// NewKeeper 创建 keeper
func NewKeeper(ledger *vault.Ledger, caller string) *Keeper {
	return &Keeper{
		ledger:       ledger,
		caller:       caller,
		scanInterval: DefaultScanInterval,
		workers:      DefaultWorkers,
		taskQueue:    make(chan Task, DefaultQueueSize),
	}
}

// SetScanInterval 调整扫描间隔
func (k *Keeper) SetScanInterval(d time.Duration) {
	k.scanInterval = d
}

// SetWorkers 调整 worker 数量 (启动前调用)
func (k *Keeper) SetWorkers(n int) {
	if n > 0 {
		k.workers = n
	}
}

// =============================================================================
// 生命周期
// =============================================================================

// Start 启动扫描循环和 worker pool
func (k *Keeper) Start() {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.running {
		return
	}
	k.running = true
	k.stopCh = make(chan struct{})

	k.wg.Add(1)
	go k.scanLoop()

	for i := 0; i < k.workers; i++ {
		k.wg.Add(1)
		go k.worker(i)
	}

	log.Printf("[Keeper] 启动: interval=%s workers=%d", k.scanInterval, k.workers)
}

// Stop 停止并等待所有 goroutine 退出
func (k *Keeper) Stop() {
	k.mu.Lock()
	if !k.running {
		k.mu.Unlock()
		return
	}
	k.running = false
	close(k.stopCh)
	k.mu.Unlock()

	k.wg.Wait()
	log.Printf("[Keeper] 停止: scanned=%d liquidated=%d failed=%d",
		k.scanned.Load(), k.liquidated.Load(), k.failed.Load())
}

// =============================================================================
// 扫描
// =============================================================================

func (k *Keeper) scanLoop() {
	defer k.wg.Done()

	ticker := time.NewTicker(k.scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-k.stopCh:
			return
		case <-ticker.C:
			k.ScanOnce()
		}
	}
}

// ScanOnce 全量扫描一轮 (测试/手动触发也可直接调)
func (k *Keeper) ScanOnce() {
	k.ledger.ForEachPosition(func(pos *vault.Position) bool {
		k.scanned.Add(1)

		res, err := k.ledger.EvaluatePosition(pos)
		if err != nil {
			// 价格过期等瞬时错误，下一轮重试
			return true
		}
		if res.Status == vault.RiskHealthy {
			return true
		}

		// 防重复入队
		if _, loaded := k.inflight.LoadOrStore(pos.Key, struct{}{}); loaded {
			return true
		}

		task := Task{
			Account:         pos.Account,
			CollateralToken: pos.CollateralToken,
			IndexToken:      pos.IndexToken,
			IsLong:          pos.IsLong,
			Status:          res.Status,
		}
		select {
		case k.taskQueue <- task:
			k.enqueued.Add(1)
		default:
			// 队列满: 放弃本轮，下一轮扫描会重新发现
			k.inflight.Delete(pos.Key)
		}
		return true
	})
}

// =============================================================================
// 执行
// =============================================================================

func (k *Keeper) worker(id int) {
	defer k.wg.Done()

	for {
		select {
		case <-k.stopCh:
			return
		case task := <-k.taskQueue:
			k.execute(task)
		}
	}
}

func (k *Keeper) execute(task Task) {
	key := vault.PositionKey(task.Account, task.CollateralToken, task.IndexToken, task.IsLong)
	defer k.inflight.Delete(key)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := k.ledger.LiquidatePosition(ctx, k.caller, task.Account, task.CollateralToken, task.IndexToken, task.IsLong)
	switch {
	case err == nil:
		k.liquidated.Add(1)
		log.Printf("[Keeper] 强平完成 account=%s %s/%s status=%s",
			task.Account, task.CollateralToken, task.IndexToken, task.Status)
	case errors.Is(err, vault.ErrPositionHealthy), errors.Is(err, vault.ErrPositionNotFound):
		// 执行前仓位恢复健康或已被平掉，静默放弃
	case errors.Is(err, vault.ErrReentrantCall):
		// 账本忙，下一轮扫描重试
	default:
		k.failed.Add(1)
		log.Printf("[Keeper] 强平失败 account=%s %s/%s: %v",
			task.Account, task.CollateralToken, task.IndexToken, err)
	}
}

// =============================================================================
// 统计
// =============================================================================

// Stats keeper 运行统计
type Stats struct {
	Scanned    int64
	Enqueued   int64
	Liquidated int64
	Failed     int64
}

func (k *Keeper) Stats() Stats {
	return Stats{
		Scanned:    k.scanned.Load(),
		Enqueued:   k.enqueued.Load(),
		Liquidated: k.liquidated.Load(),
		Failed:     k.failed.Load(),
	}
}
