package task

// TaskStats 汇总任务各状态的数量与结算资金的累计流向，
// 供 /stats 接口与运维巡检使用。
type TaskStats struct {
	Total           int     `json:"total"`
	Pending         int     `json:"pending"`
	Running         int     `json:"running"`
	Succeeded       int     `json:"succeeded"`
	Failed          int     `json:"failed"`
	TotalReleased   float64 `json:"total_released"`
	TotalRefunded   float64 `json:"total_refunded"`
	OldestUpdatedAt int64   `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64   `json:"newest_updated_at,omitempty"`
}
