// 文件: pkg/vault/position_repo.go
// 账本持久化层 (Redis 缓存 + MySQL 写回)
//
// 【角色】
// 权威状态在账本内存里，这层是:
// 1. 崩溃恢复的数据源 (Recover 启动时全量装载)
// 2. 查询侧加速 (Redis 缓存给外部查询服务读)
// 写回失败不回滚账本 —— 账本记日志，下次变更会再写一遍。

package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// 确保实现了接口
var _ LedgerRepository = (*CachedLedgerRepository)(nil)

// =============================================================================
// Redis Key
// =============================================================================

const (
	// vault:position:{posKey}
	positionCacheKeyPattern = "vault:position:%s"
	// vault:funding:{token}:{direction}
	fundingCacheKeyPattern = "vault:funding:%s:%s"

	positionCacheTTL = 24 * time.Hour
)

func positionCacheKey(posKey string) string {
	return fmt.Sprintf(positionCacheKeyPattern, posKey)
}

func fundingCacheKey(token string, isLong bool) string {
	return fmt.Sprintf(fundingCacheKeyPattern, token, directionString(isLong))
}

// =============================================================================
// 实现
// =============================================================================

type CachedLedgerRepository struct {
	db    *gorm.DB
	redis *redis.Client
}

func NewCachedLedgerRepository(db *gorm.DB, rds *redis.Client) *CachedLedgerRepository {
	return &CachedLedgerRepository{db: db, redis: rds}
}

// AutoMigrate 建表
func (r *CachedLedgerRepository) AutoMigrate() error {
	return r.db.AutoMigrate(&Position{}, &FundingState{})
}

// =============================================================================
// 仓位
// =============================================================================

// SavePosition 写回仓位 (DB upsert + Redis 刷新)
func (r *CachedLedgerRepository) SavePosition(ctx context.Context, pos *Position) error {
	// 1. 写 DB, 按 pos_key 幂等 upsert
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "pos_key"}},
			UpdateAll: true,
		}).
		Create(pos).Error
	if err != nil {
		return err
	}

	// 2. 刷新 Redis (失败不影响主流程)
	r.cachePosition(ctx, pos)
	return nil
}

// DeletePosition 仓位清除 (平仓/强平后)
func (r *CachedLedgerRepository) DeletePosition(ctx context.Context, key string) error {
	err := r.db.WithContext(ctx).
		Where("pos_key = ?", key).
		Delete(&Position{}).Error
	if err != nil {
		return err
	}

	if r.redis != nil {
		r.redis.Del(ctx, positionCacheKey(key))
	}
	return nil
}

// ListOpenPositions 全量装载 (启动恢复)
func (r *CachedLedgerRepository) ListOpenPositions(ctx context.Context) ([]*Position, error) {
	var positions []*Position
	err := r.db.WithContext(ctx).
		Where("size != 0").
		Find(&positions).Error
	return positions, err
}

// GetPositionCached 查询侧读路径: 先 Redis 后 DB
// 账本自己不用它 (权威状态在内存)，给外部查询服务用
func (r *CachedLedgerRepository) GetPositionCached(ctx context.Context, key string) (*Position, error) {
	if r.redis != nil {
		data, err := r.redis.Get(ctx, positionCacheKey(key)).Bytes()
		if err == nil {
			var pos Position
			if json.Unmarshal(data, &pos) == nil {
				return &pos, nil
			}
		}
	}

	var pos Position
	err := r.db.WithContext(ctx).
		Where("pos_key = ?", key).
		First(&pos).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil // 无仓位
		}
		return nil, err
	}

	// 回填 Redis (异步，不阻塞主流程)
	go r.cachePosition(context.Background(), &pos)

	return &pos, nil
}

func (r *CachedLedgerRepository) cachePosition(ctx context.Context, pos *Position) {
	if r.redis == nil {
		return
	}
	data, err := json.Marshal(pos)
	if err != nil {
		return
	}
	r.redis.Set(ctx, positionCacheKey(pos.Key), data, positionCacheTTL)
}

// =============================================================================
// 资金费状态
// =============================================================================

// SaveFundingState 写回资金费状态
func (r *CachedLedgerRepository) SaveFundingState(ctx context.Context, st *FundingState) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "collateral_token"}, {Name: "is_long"}},
			UpdateAll: true,
		}).
		Create(st).Error
	if err != nil {
		return err
	}

	if r.redis != nil {
		if data, merr := json.Marshal(st); merr == nil {
			r.redis.Set(ctx, fundingCacheKey(st.CollateralToken, st.IsLong), data, positionCacheTTL)
		}
	}
	return nil
}

// ListFundingStates 全量装载 (启动恢复)
func (r *CachedLedgerRepository) ListFundingStates(ctx context.Context) ([]*FundingState, error) {
	var states []*FundingState
	err := r.db.WithContext(ctx).Find(&states).Error
	return states, err
}
