package kad

import (
	"time"
)

// ============================================================================
//                              运行统计
// ============================================================================

// stats 进程级计数
//
// 只由 MainLoop 更新；对外只通过 StatsSnapshot 副本暴露。
type stats struct {
	totalQueries   uint64
	totalRefreshes uint64

	rxByType map[string]uint64
	txByType map[string]uint64

	queryCount    uint64
	queryDurTotal time.Duration
	queryDurMax   time.Duration

	recordsStored uint64
}

// newStats 创建统计
func newStats() *stats {
	return &stats{
		rxByType: make(map[string]uint64),
		txByType: make(map[string]uint64),
	}
}

// recordRx 记录一条入站消息
func (s *stats) recordRx(msgType string) {
	s.rxByType[msgType]++
}

// recordTx 记录一条出站 RPC
func (s *stats) recordTx(msgType string) {
	s.txByType[msgType]++
}

// recordQueryStart 记录查询启动
func (s *stats) recordQueryStart() {
	s.totalQueries++
}

// recordRefresh 记录刷新执行
func (s *stats) recordRefresh() {
	s.totalRefreshes++
}

// recordStored 记录一条入站写入的记录
func (s *stats) recordStored() {
	s.recordsStored++
}

// recordQueryDone 记录查询完成
func (s *stats) recordQueryDone(elapsed time.Duration) {
	s.queryCount++
	s.queryDurTotal += elapsed
	if elapsed > s.queryDurMax {
		s.queryDurMax = elapsed
	}
}

// snapshot 生成统计副本
func (s *stats) snapshot(tableSize, activeQueries int) StatsSnapshot {
	rx := make(map[string]uint64, len(s.rxByType))
	for k, v := range s.rxByType {
		rx[k] = v
	}
	tx := make(map[string]uint64, len(s.txByType))
	for k, v := range s.txByType {
		tx[k] = v
	}

	var avg time.Duration
	if s.queryCount > 0 {
		avg = s.queryDurTotal / time.Duration(s.queryCount)
	}

	return StatsSnapshot{
		TableSize:      tableSize,
		ActiveQueries:  activeQueries,
		TotalQueries:   s.totalQueries,
		TotalRefreshes: s.totalRefreshes,
		RecordsStored:  s.recordsStored,
		RxByType:       rx,
		TxByType:       tx,
		QueryDurAvg:    avg,
		QueryDurMax:    s.queryDurMax,
	}
}

// StatsSnapshot 统计的可序列化副本
type StatsSnapshot struct {
	TableSize      int               `json:"table_size"`
	ActiveQueries  int               `json:"active_queries"`
	TotalQueries   uint64            `json:"total_queries"`
	TotalRefreshes uint64            `json:"total_refreshes"`
	RecordsStored  uint64            `json:"records_stored"`
	RxByType       map[string]uint64 `json:"rx_by_type"`
	TxByType       map[string]uint64 `json:"tx_by_type"`
	QueryDurAvg    time.Duration     `json:"query_dur_avg"`
	QueryDurMax    time.Duration     `json:"query_dur_max"`
}
