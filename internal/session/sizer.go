// =============================================================================
// 文件: internal/session/sizer.go
// 描述: 自适应段大小调整 - 按接收端积压反馈收缩/恢复
// =============================================================================
package session

// 自适应调整参数
const (
	// SizeBacklogThreshold 积压超过该段数则收缩
	SizeBacklogThreshold = 2
	// SizeShrinkStep 每次收缩量
	SizeShrinkStep = 20
	// SizeGrowStep 每次恢复量 (小于收缩量，恢复更保守)
	SizeGrowStep = 10
	// SizeFloor 收缩下限
	SizeFloor = 20
)

// AdaptiveSizer 接收端驱动的段大小调整器
// 上限固定为会话初始配置值，标志位会话期内不可变
type AdaptiveSizer struct {
	enabled bool
	current int
	ceiling int
}

// NewAdaptiveSizer 创建调整器，初始值同时作为恢复上限
func NewAdaptiveSizer(enabled bool, initial int) *AdaptiveSizer {
	return &AdaptiveSizer{
		enabled: enabled,
		current: initial,
		ceiling: initial,
	}
}

// Observe 根据乱序积压调整当前段大小
// 积压 > 阈值: 收缩一步，下限 SizeFloor
// 积压清空:   恢复一步，上限为初始配置值
func (s *AdaptiveSizer) Observe(backlog int) {
	if !s.enabled {
		return
	}
	if backlog > SizeBacklogThreshold {
		s.current -= SizeShrinkStep
		if s.current < SizeFloor {
			s.current = SizeFloor
		}
	} else if backlog == 0 {
		s.current += SizeGrowStep
		if s.current > s.ceiling {
			s.current = s.ceiling
		}
	}
}

// Current 当前段大小上限
func (s *AdaptiveSizer) Current() int { return s.current }

// Enabled 自适应是否开启
func (s *AdaptiveSizer) Enabled() bool { return s.enabled }
