// 文件: pkg/vault/errors.go
// 仓位账本错误定义
//
// 【传播策略】
// 任何错误都会让整个调用原子回滚，账本内部不做重试。
// 重试策略属于调用方 (manager / keeper)。

package vault

import "errors"

var (
	// ErrUnauthorized 调用方不是授权 manager / owner
	ErrUnauthorized = errors.New("caller is not an authorized manager")

	// ErrInvalidToken 抵押/标的 token 不在白名单
	ErrInvalidToken = errors.New("token is not whitelisted")

	// ErrPositionNotFound 操作不存在的仓位
	ErrPositionNotFound = errors.New("position does not exist")

	// ErrBoundsExceeded 减仓数量/抵押超过仓位本身
	ErrBoundsExceeded = errors.New("delta exceeds position bounds")

	// ErrInsufficientCollateral 手续费或杠杆校验失败
	ErrInsufficientCollateral = errors.New("insufficient collateral")

	// ErrStalePrice 预言机价格过期/非法 (包装 oracle 返回的错误)
	ErrStalePrice = errors.New("stale or invalid oracle price")

	// ErrReentrantCall 可变入口在执行期间被重入
	ErrReentrantCall = errors.New("reentrant call into mutating entry point")

	// ErrPositionHealthy 对健康仓位发起强平
	ErrPositionHealthy = errors.New("position cannot be liquidated")

	// ErrInvalidRequest 参数非法 (数量为 0、负数等)
	ErrInvalidRequest = errors.New("invalid request parameters")

	// ErrInvalidConfig 管理参数越界，直接拒绝而不是钳制
	ErrInvalidConfig = errors.New("invalid configuration value")
)
