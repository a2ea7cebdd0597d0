// 文件: pkg/vault/fees_test.go
// 费用归集器测试

package vault

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeePoolAccumulatesFeesAndPoints(t *testing.T) {
	pool := NewFeePool()

	require.NoError(t, pool.apply(&feeMutation{fee: 5 * Precision, account: "alice"}, SettleNetted))
	require.NoError(t, pool.apply(&feeMutation{fee: 3 * Precision, account: "bob"}, SettleNetted))
	require.NoError(t, pool.apply(&feeMutation{fee: 2 * Precision, account: "alice"}, SettleNetted))

	assert.Equal(t, int64(10*Precision), pool.FeeReserve())
	assert.Equal(t, int64(7*Precision), pool.RewardPoints("alice"))
	assert.Equal(t, int64(3*Precision), pool.RewardPoints("bob"))
}

func TestFeePoolSettlementPolicies(t *testing.T) {
	// 轧差: 全部进一个有符号计数器
	netted := NewFeePool()
	require.NoError(t, netted.apply(&feeMutation{pnlToken: btc, pnlDelta: 500 * Precision}, SettleNetted))
	require.NoError(t, netted.apply(&feeMutation{pnlToken: "ETH", pnlDelta: -200 * Precision}, SettleNetted))
	assert.Equal(t, int64(300*Precision), netted.VaultPnl())
	assert.Equal(t, int64(0), netted.RealizedPnl(btc))

	// 分账: 按标的 token 各记各的
	perToken := NewFeePool()
	require.NoError(t, perToken.apply(&feeMutation{pnlToken: btc, pnlDelta: 500 * Precision}, SettlePerToken))
	require.NoError(t, perToken.apply(&feeMutation{pnlToken: "ETH", pnlDelta: -200 * Precision}, SettlePerToken))
	assert.Equal(t, int64(500*Precision), perToken.RealizedPnl(btc))
	assert.Equal(t, int64(-200*Precision), perToken.RealizedPnl("ETH"))
	assert.Equal(t, int64(0), perToken.VaultPnl())
}

func TestFeePoolSettleZeroes(t *testing.T) {
	pool := NewFeePool()
	require.NoError(t, pool.apply(&feeMutation{fee: 5 * Precision, account: "alice", pnlToken: btc, pnlDelta: 100 * Precision}, SettlePerToken))

	report := pool.settle()
	assert.Equal(t, int64(5*Precision), report.FeeReserve)
	assert.Equal(t, int64(100*Precision), report.RealizedPnl[btc])

	assert.Equal(t, int64(0), pool.FeeReserve())
	assert.Equal(t, int64(0), pool.RealizedPnl(btc))
	// 奖励积分不随结算清零
	assert.Equal(t, int64(5*Precision), pool.RewardPoints("alice"))
}
