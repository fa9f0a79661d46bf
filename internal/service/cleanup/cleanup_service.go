package cleanup

import "context"

// SweepReport 一次清扫的统计
type SweepReport struct {
	RecordsReleased int `json:"recordsReleased"`
	AssetsReaped    int `json:"assetsReaped"`
	ObjectsDeleted  int `json:"objectsDeleted"`
	ObjectsSkipped  int `json:"objectsSkipped"`
	Errors          int `json:"errors"`
}

// CleanupService 周期性回收: 宽限期已过的软删除行, 以及没有注册表
// 引用的孤儿对象.
type CleanupService interface {
	SweepExpired(ctx context.Context) (*SweepReport, error)
	SweepOrphans(ctx context.Context) (*SweepReport, error)
}
