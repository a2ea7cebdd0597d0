// 文件: pkg/vault/store.go
// 仓位 arena - 账本的权威内存状态
//
// 【设计】
// - 仓位记录按哈希键存放，生命周期从进程启动到无限期
// - 全局多/空敞口聚合随每次变更增量维护，任何时刻满足:
//   Σ size over (indexToken, direction) == 对应聚合值
// - 只有账本的入口能写它; 读路径 (查询/keeper 扫描) 拿到的都是克隆

package vault

import "sync"

// =============================================================================
// positionStore
// =============================================================================

type aggregateKey struct {
	indexToken string
	isLong     bool
}

type positionStore struct {
	mu sync.RWMutex

	// positions 哈希键 → 仓位记录
	positions map[string]*Position

	// aggregates (标的token, 方向) → Σ size
	aggregates map[aggregateKey]int64
}

func newPositionStore() *positionStore {
	return &positionStore{
		positions:  make(map[string]*Position),
		aggregates: make(map[aggregateKey]int64),
	}
}

// get 查询仓位克隆
func (s *positionStore) get(key string) (*Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, ok := s.positions[key]
	if !ok {
		return nil, false
	}
	return pos.Clone(), true
}

// exists 仓位是否存在
func (s *positionStore) exists(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.positions[key]
	return ok
}

// commit 原子提交一次变更
//
// prev 是变更前的记录 (可能为 nil)，next 是变更后的记录，
// next.Size == 0 表示记录清除。聚合值在同一临界区内增量调整，
// 保证聚合不变量对外部读者始终成立。
func (s *positionStore) commit(key string, prev, next *Position) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var prevSize int64
	if prev != nil {
		prevSize = prev.Size
	}

	if next == nil || next.Size == 0 {
		delete(s.positions, key)
	} else {
		s.positions[key] = next
	}

	var ref *Position
	if next != nil {
		ref = next
	} else {
		ref = prev
	}
	if ref == nil {
		return
	}

	var nextSize int64
	if next != nil {
		nextSize = next.Size
	}

	akey := aggregateKey{indexToken: ref.IndexToken, isLong: ref.IsLong}
	s.aggregates[akey] += nextSize - prevSize
	if s.aggregates[akey] == 0 {
		delete(s.aggregates, akey)
	}
}

// globalSize (标的token, 方向) 的全局敞口
func (s *positionStore) globalSize(indexToken string, isLong bool) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.aggregates[aggregateKey{indexToken: indexToken, isLong: isLong}]
}

// forEach 遍历所有仓位克隆 (keeper 扫描用)
// fn 返回 false 终止遍历
func (s *positionStore) forEach(fn func(pos *Position) bool) {
	s.mu.RLock()
	snapshot := make([]*Position, 0, len(s.positions))
	for _, pos := range s.positions {
		snapshot = append(snapshot, pos.Clone())
	}
	s.mu.RUnlock()

	for _, pos := range snapshot {
		if !fn(pos) {
			return
		}
	}
}

// count 当前仓位数
func (s *positionStore) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.positions)
}

// load 启动恢复: 从持久化批量装载并重建聚合
func (s *positionStore) load(positions []*Position) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, pos := range positions {
		if pos.Size == 0 {
			continue
		}
		cp := pos.Clone()
		s.positions[cp.Key] = cp
		s.aggregates[aggregateKey{indexToken: cp.IndexToken, isLong: cp.IsLong}] += cp.Size
	}
}
