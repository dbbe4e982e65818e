package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DefaultTickRate 客户端刷新频率（30 TPS）
const DefaultTickRate = 30

// FatalError 不可恢复的客户端错误（窗口关闭、连接丢失）；只有它会让进程退出
type FatalError struct {
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fatal: %s: %v", e.Reason, e.Err)
	}
	return "fatal: " + e.Reason
}

func (e *FatalError) Unwrap() error { return e.Err }

func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// InputSource 每帧采集本地输入，把移动与旋转写入 updater
type InputSource interface {
	Poll(dt time.Duration, u *StateUpdater) error
}

// Renderer 每帧重绘；返回 FatalError 表示窗口已关闭
type Renderer interface {
	Render(dt time.Duration) error
}

// BatchSender 每帧发送一批增量，不等待响应
type BatchSender interface {
	Send(batch []StateUpdate) error
	Done() <-chan struct{}
	Err() error
}

// Loop 单线程帧循环：采集输入 → 发送本帧批次 → 重绘。
// 帧率与帧间隔由 Loop 自己持有。
type Loop struct {
	TickRate int

	sender   BatchSender
	updater  *StateUpdater
	input    InputSource
	renderer Renderer
	log      *zap.SugaredLogger

	last   time.Time
	delta  time.Duration
	frames uint64
}

func NewLoop(tickRate int, sender BatchSender, updater *StateUpdater, input InputSource, renderer Renderer, log *zap.SugaredLogger) *Loop {
	if tickRate <= 0 {
		tickRate = DefaultTickRate
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Loop{
		TickRate: tickRate,
		sender:   sender,
		updater:  updater,
		input:    input,
		renderer: renderer,
		log:      log,
	}
}

// Delta 上一帧与本帧之间的时间
func (l *Loop) Delta() time.Duration { return l.delta }

func (l *Loop) Frames() uint64 { return l.frames }

// Run 运行直到 ctx 取消（返回 nil）或出现 FatalError
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second / time.Duration(l.TickRate))
	defer ticker.Stop()
	l.last = time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.sender.Done():
			return &FatalError{Reason: "connection lost", Err: l.sender.Err()}
		case now := <-ticker.C:
			if err := l.Step(now); err != nil {
				return err
			}
		}
	}
}

// Step 推进一帧；非致命错误只记录
func (l *Loop) Step(now time.Time) error {
	l.delta = now.Sub(l.last)
	l.last = now
	l.frames++

	if l.input != nil {
		if err := l.input.Poll(l.delta, l.updater); err != nil {
			if IsFatal(err) {
				return err
			}
			l.log.Warnf("input: %v", err)
		}
	}

	if batch := l.updater.Flush(); len(batch) > 0 {
		if err := l.sender.Send(batch); err != nil {
			l.log.Warnf("send %d updates: %v", len(batch), err)
		}
	}

	if l.renderer != nil {
		if err := l.renderer.Render(l.delta); err != nil {
			if IsFatal(err) {
				return err
			}
			l.log.Warnf("render: %v", err)
		}
	}
	return nil
}
