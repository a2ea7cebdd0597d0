// 文件: pkg/pool/pool_test.go
// 资金池集成测试 (需要本地 MySQL)
//
// docker-compose 环境: root:123456@tcp(127.0.0.1:3307)
// 无 DB 时自动跳过。

package pool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testDSN = "root:123456@tcp(127.0.0.1:3307)/perpx?charset=utf8mb4&parseTime=True&loc=Local"

func setupTestPool(t *testing.T) *Pool {
	t.Helper()

	db, err := gorm.Open(mysql.Open(testDSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Skipf("mysql 不可用, 跳过: %v", err)
	}

	p := NewPool(db)
	require.NoError(t, p.AutoMigrate())

	// 清理测试数据
	db.Exec("DELETE FROM pool_balances WHERE token LIKE 'TEST%'")
	db.Exec("DELETE FROM pool_transfer_logs WHERE token LIKE 'TEST%'")

	return p
}

func TestDepositAndTransfer(t *testing.T) {
	p := setupTestPool(t)
	ctx := context.Background()

	require.NoError(t, p.Deposit(ctx, "TESTUSDC", 1_000_00000000, "lp-1"))

	balance, err := p.BalanceFromDB(ctx, "TESTUSDC")
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_00000000), balance)

	require.NoError(t, p.Transfer(ctx, "TESTUSDC", 400_00000000, "alice"))

	balance, err = p.BalanceFromDB(ctx, "TESTUSDC")
	require.NoError(t, err)
	assert.Equal(t, int64(600_00000000), balance)
	assert.Equal(t, int64(600_00000000), p.Balance("TESTUSDC"))
}

func TestTransferRejectsOverdraw(t *testing.T) {
	p := setupTestPool(t)
	ctx := context.Background()

	require.NoError(t, p.Deposit(ctx, "TESTBTC", 100_00000000, "lp-1"))

	// 超额转出被条件 UPDATE 拒绝, 余额不变
	err := p.Transfer(ctx, "TESTBTC", 200_00000000, "alice")
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)

	balance, err := p.BalanceFromDB(ctx, "TESTBTC")
	require.NoError(t, err)
	assert.Equal(t, int64(100_00000000), balance)
}

func TestTransferRejectsNonPositiveAmount(t *testing.T) {
	p := setupTestPool(t)

	assert.ErrorIs(t, p.Transfer(context.Background(), "TESTUSDC", 0, "alice"), ErrInvalidAmount)
	assert.ErrorIs(t, p.Deposit(context.Background(), "TESTUSDC", -5, "lp-1"), ErrInvalidAmount)
}
