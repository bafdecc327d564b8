// internal/events/envelope.go
package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"stockpilot/internal/pkg/clock"
)

var (
	ErrMissingEventID     = errors.New("event is missing its event id")
	ErrMissingSagaID      = errors.New("event is missing its saga id")
	ErrUnsupportedVersion = errors.New("unsupported event schema version")
)

// Envelope 是所有事件共有的头部。
// EventID 由发布方生成且不可变，是幂等消费的依据；
// SagaID 在 saga 开始时分配一次，之后原样复制到该 saga 的每个事件里。
// OccurredAt 一律由发布方的时钟设置（UTC），不信任外部传入的时间。
type Envelope struct {
	EventID    string            `json:"eventId"`
	SagaID     string            `json:"sagaId"`
	OccurredAt time.Time         `json:"occurredAt"`
	Version    int               `json:"version"`
	Source     string            `json:"source"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// NewEnvelope 为一个事件生成头部。version 是该事件类型的当前 schema 版本。
func NewEnvelope(source, sagaID string, version int, clk clock.Clock) Envelope {
	return Envelope{
		EventID:    uuid.New().String(),
		SagaID:     sagaID,
		OccurredAt: clk.Now(),
		Version:    version,
		Source:     source,
	}
}

// Validate 检查头部的必填字段。
func (e *Envelope) Validate() error {
	if e.EventID == "" {
		return ErrMissingEventID
	}
	if e.SagaID == "" {
		return ErrMissingSagaID
	}
	return nil
}

// EnsureVersion 做版本门控：旧版本事件照常接收（缺失的可选字段由消费方
// 填默认值），高于当前支持版本的事件拒绝处理，由调用方送入死信。
// 版本不匹配绝不允许表现为解析失败。
func (e *Envelope) EnsureVersion(supported int) error {
	if e.Version <= 0 {
		// 老版本发布方可能没带 version 字段，按 v1 兼容处理
		return nil
	}
	if e.Version > supported {
		return fmt.Errorf("%w: got v%d, supports up to v%d", ErrUnsupportedVersion, e.Version, supported)
	}
	return nil
}
