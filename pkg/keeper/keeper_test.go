// 文件: pkg/keeper/keeper_test.go
// 强平 keeper 测试

package keeper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpx.com/pkg/vault"
)

const (
	testOwner   = "admin"
	testManager = "keeper-bot"
	usdc        = "USDC"
	btc         = "BTC"
)

type fakeOracle struct {
	prices map[string]int64
}

func (o *fakeOracle) GetPrice(token string, maximize, requireFresh bool) (int64, error) {
	return o.prices[token], nil
}

type fakePool struct{}

func (p *fakePool) Transfer(ctx context.Context, token string, amount int64, receiver string) error {
	return nil
}

func setupLedger(t *testing.T, oracle *fakeOracle) *vault.Ledger {
	t.Helper()

	ledger := vault.NewLedger(vault.DefaultConfig(testOwner), oracle, &fakePool{})
	require.NoError(t, ledger.SetManager(testOwner, testManager, true))
	require.NoError(t, ledger.SetCollateralToken(testOwner, usdc, true))
	require.NoError(t, ledger.SetIndexToken(testOwner, btc, true))

	// 开一个 5x 多头
	_, err := ledger.IncreasePosition(context.Background(), testManager, &vault.IncreaseRequest{
		Account:         "alice",
		CollateralToken: usdc,
		IndexToken:      btc,
		IsLong:          true,
		CollateralDelta: 1_000 * vault.Precision,
		SizeDelta:       5_000 * vault.Precision,
	})
	require.NoError(t, err)
	return ledger
}

func TestScanSkipsHealthyPositions(t *testing.T) {
	oracle := &fakeOracle{prices: map[string]int64{usdc: vault.Precision, btc: 50_000 * vault.Precision}}
	ledger := setupLedger(t, oracle)

	k := NewKeeper(ledger, testManager)
	k.ScanOnce()

	assert.Equal(t, int64(1), k.Stats().Scanned)
	assert.Equal(t, int64(0), k.Stats().Enqueued)
	assert.Equal(t, 1, ledger.PositionCount())
}

func TestScanEnqueuesAndExecutesLiquidation(t *testing.T) {
	oracle := &fakeOracle{prices: map[string]int64{usdc: vault.Precision, btc: 50_000 * vault.Precision}}
	ledger := setupLedger(t, oracle)

	// 跌到 41000: 杠杆超限
	oracle.prices[btc] = 41_000 * vault.Precision

	k := NewKeeper(ledger, testManager)
	k.ScanOnce()
	require.Equal(t, int64(1), k.Stats().Enqueued)

	// 同步执行队列里的任务
	task := <-k.taskQueue
	assert.Equal(t, vault.RiskLeverageExceeded, task.Status)
	k.execute(task)

	assert.Equal(t, int64(1), k.Stats().Liquidated)
	assert.Equal(t, 0, ledger.PositionCount())
}

func TestScanDedupsInflightTasks(t *testing.T) {
	oracle := &fakeOracle{prices: map[string]int64{usdc: vault.Precision, btc: 50_000 * vault.Precision}}
	ledger := setupLedger(t, oracle)

	oracle.prices[btc] = 41_000 * vault.Precision

	k := NewKeeper(ledger, testManager)
	k.ScanOnce()
	k.ScanOnce() // 任务仍在队列里, 不重复入队
	assert.Equal(t, int64(1), k.Stats().Enqueued)
}

func TestExecuteGivesUpOnRecoveredPosition(t *testing.T) {
	oracle := &fakeOracle{prices: map[string]int64{usdc: vault.Precision, btc: 50_000 * vault.Precision}}
	ledger := setupLedger(t, oracle)

	oracle.prices[btc] = 41_000 * vault.Precision
	k := NewKeeper(ledger, testManager)
	k.ScanOnce()
	task := <-k.taskQueue

	// 执行前价格恢复: 入口拒绝, 任务静默放弃
	oracle.prices[btc] = 50_000 * vault.Precision
	k.execute(task)

	assert.Equal(t, int64(0), k.Stats().Liquidated)
	assert.Equal(t, int64(0), k.Stats().Failed)
	assert.Equal(t, 1, ledger.PositionCount())
}

func TestStartStopLifecycle(t *testing.T) {
	oracle := &fakeOracle{prices: map[string]int64{usdc: vault.Precision, btc: 50_000 * vault.Precision}}
	ledger := setupLedger(t, oracle)

	oracle.prices[btc] = 41_000 * vault.Precision

	k := NewKeeper(ledger, testManager)
	k.SetScanInterval(10 * time.Millisecond)
	k.Start()
	defer k.Stop()

	// 后台扫描 + worker 应在短时间内完成强平
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ledger.PositionCount() == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 0, ledger.PositionCount())
	assert.Equal(t, int64(1), k.Stats().Liquidated)
}
