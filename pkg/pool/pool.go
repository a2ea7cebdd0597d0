// 文件: pkg/pool/pool.go
// 流动性资金池
//
// 【核心作用】
// 账本平仓/强平后欠交易者的已实现盈利由池侧支付，
// 每笔转出原子扣减池余额并落流水，余额永不为负。
//
// 【资金来源】
// 1. LP 注资
// 2. 交易者的已实现亏损 (外部结算回调划入)
// 3. 手续费分成

package pool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"gorm.io/gorm"

	"perpx.com/pkg/ids"
)

// =============================================================================
// 错误定义
// =============================================================================

var (
	// ErrInsufficientLiquidity 池余额不足，转出被拒绝
	ErrInsufficientLiquidity = errors.New("insufficient pool liquidity")

	// ErrInvalidAmount 金额非正
	ErrInvalidAmount = errors.New("amount must be positive")
)

// =============================================================================
// 数据模型
// =============================================================================

// PoolBalance 每个 token 一个池账户
type PoolBalance struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Token     string `gorm:"column:token;type:varchar(16);uniqueIndex"`
	Balance   int64  `gorm:"column:balance"` // token 定点 (×1e8)
	UpdatedAt int64  `gorm:"column:updated_at"`
}

func (PoolBalance) TableName() string {
	return "pool_balances"
}

// TransferLog 池流水
type TransferLog struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	RefID     int64  `gorm:"column:ref_id;uniqueIndex"` // 雪花 ID
	Token     string `gorm:"column:token;type:varchar(16);index"`
	Amount    int64  `gorm:"column:amount"` // 正=注入, 负=转出
	Receiver  string `gorm:"column:receiver;type:varchar(64)"`
	CreatedAt int64  `gorm:"column:created_at"`
}

func (TransferLog) TableName() string {
	return "pool_transfer_logs"
}

// =============================================================================
// Pool
// =============================================================================

// Pool 流动性资金池
//
// 【设计】
// 余额权威在 DB (条件 UPDATE 保证不透支)，内存缓存只做监控快速读。
type Pool struct {
	db *gorm.DB

	// 内存缓存 (减少 DB 查询)
	// token -> balance
	balanceCache sync.Map
}

func NewPool(db *gorm.DB) *Pool {
	p := &Pool{db: db}
	p.loadAll()
	return p
}

// AutoMigrate 建表
func (p *Pool) AutoMigrate() error {
	return p.db.AutoMigrate(&PoolBalance{}, &TransferLog{})
}

// loadAll 启动时装载余额缓存
func (p *Pool) loadAll() {
	var balances []*PoolBalance
	if err := p.db.Find(&balances).Error; err != nil {
		log.Printf("[Pool] 余额装载失败: %v", err)
		return
	}
	for _, b := range balances {
		p.balanceCache.Store(b.Token, b.Balance)
	}
}

// =============================================================================
// 转账
// =============================================================================

// Transfer 从池中转出 (实现账本的 LiquidityPool 接口)
//
// 条件 UPDATE 保证原子性: balance >= amount 才扣减，
// 不满足时 0 行受影响 → ErrInsufficientLiquidity，账本整体回滚。
func (p *Pool) Transfer(ctx context.Context, token string, amount int64, receiver string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	now := time.Now().UnixMilli()

	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 1. 条件扣减
		result := tx.Model(&PoolBalance{}).
			Where("token = ? AND balance >= ?", token, amount).
			Updates(map[string]interface{}{
				"balance":    gorm.Expr("balance - ?", amount),
				"updated_at": now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: token=%s amount=%d", ErrInsufficientLiquidity, token, amount)
		}

		// 2. 落流水
		return tx.Create(&TransferLog{
			RefID:     ids.GenerateTransferRefID(),
			Token:     token,
			Amount:    -amount,
			Receiver:  receiver,
			CreatedAt: now,
		}).Error
	})
	if err != nil {
		return err
	}

	p.refreshCache(ctx, token)
	return nil
}

// Deposit 向池注资 (LP 入金 / 结算回调划入)
func (p *Pool) Deposit(ctx context.Context, token string, amount int64, source string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	now := time.Now().UnixMilli()

	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// upsert: 账户不存在时先建
		result := tx.Model(&PoolBalance{}).
			Where("token = ?", token).
			Updates(map[string]interface{}{
				"balance":    gorm.Expr("balance + ?", amount),
				"updated_at": now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			if cerr := tx.Create(&PoolBalance{Token: token, Balance: amount, UpdatedAt: now}).Error; cerr != nil {
				return cerr
			}
		}

		return tx.Create(&TransferLog{
			RefID:     ids.GenerateTransferRefID(),
			Token:     token,
			Amount:    amount,
			Receiver:  source,
			CreatedAt: now,
		}).Error
	})
	if err != nil {
		return err
	}

	p.refreshCache(ctx, token)
	return nil
}

// =============================================================================
// 查询
// =============================================================================

// Balance 池余额 (缓存快速读，监控用)
func (p *Pool) Balance(token string) int64 {
	if v, ok := p.balanceCache.Load(token); ok {
		return v.(int64)
	}
	return 0
}

// BalanceFromDB 池余额 (DB 权威读)
func (p *Pool) BalanceFromDB(ctx context.Context, token string) (int64, error) {
	var b PoolBalance
	err := p.db.WithContext(ctx).Where("token = ?", token).First(&b).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return b.Balance, nil
}

func (p *Pool) refreshCache(ctx context.Context, token string) {
	balance, err := p.BalanceFromDB(ctx, token)
	if err != nil {
		log.Printf("[Pool] 余额缓存刷新失败 token=%s: %v", token, err)
		return
	}
	p.balanceCache.Store(token, balance)
}
