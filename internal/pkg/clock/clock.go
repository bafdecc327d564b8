// internal/pkg/clock/clock.go
package clock

import "time"

// Clock 抽象了"当前时间"，事件时间戳和记录时间戳都从这里取，
// 测试中可以替换为固定时钟。
type Clock interface {
	Now() time.Time
}

// System 使用真实的系统时间（UTC）。
type System struct{}

func (System) Now() time.Time { return time.Now().UTC() }

// Fixed 总是返回同一个时间点，测试专用。
type Fixed struct {
	T time.Time
}

func (f Fixed) Now() time.Time { return f.T }
