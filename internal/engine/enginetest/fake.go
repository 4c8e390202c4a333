// Package enginetest 提供一个可编排的渲染引擎假实现，供 stack/session 测试使用。
// 真实引擎在浏览器端，单测永远不碰它。
package enginetest

import (
	"context"
	"sync"

	"neuroview/internal/domain"
	"neuroview/internal/engine"
)

// Volume 是 fake 内部记录的一个已加载 volume。
type Volume struct {
	Handle  domain.VolumeHandle
	Spec    engine.VolumeSpec
	Opacity float64
}

// Fake 按引擎契约行事：Reset 失败保持原列表，Add 失败不扰动已有条目。
//
// 编排能力：
// - FailOn[name]：对该 volume 名的 Reset/Add 直接返回错误
// - Gate：非 nil 时，Reset/Add 在生效前阻塞，直到 Gate 被关闭或 ctx 取消
//   （用来复现“加载中途被新数据集取代”的时序）
type Fake struct {
	mu      sync.Mutex
	next    domain.VolumeHandle
	volumes []Volume

	FailOn  map[string]error
	Gate    chan struct{}
	waiting int

	Redraws   int
	SliceType engine.SliceType
	Closed    bool
}

var _ engine.Engine = (*Fake)(nil)

func New() *Fake {
	return &Fake{FailOn: map[string]error{}}
}

func (f *Fake) wait(ctx context.Context) error {
	f.mu.Lock()
	gate := f.Gate
	if gate != nil {
		f.waiting++
	}
	f.mu.Unlock()
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Waiting 返回曾在 Gate 上阻塞过的加载次数（测试用来确认时序）。
func (f *Fake) Waiting() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.waiting
}

func (f *Fake) Reset(ctx context.Context, base engine.VolumeSpec) (domain.VolumeHandle, error) {
	if err := f.wait(ctx); err != nil {
		return 0, &engine.Error{Op: "reset", Name: base.Name, Err: err}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.FailOn[base.Name]; err != nil {
		// 契约：失败时保持原 volume 列表。
		return 0, &engine.Error{Op: "reset", Name: base.Name, Err: err}
	}
	f.next++
	f.volumes = []Volume{{Handle: f.next, Spec: base, Opacity: base.Opacity}}
	return f.next, nil
}

func (f *Fake) Add(ctx context.Context, spec engine.VolumeSpec) (domain.VolumeHandle, error) {
	if err := f.wait(ctx); err != nil {
		return 0, &engine.Error{Op: "add", Name: spec.Name, Err: err}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.FailOn[spec.Name]; err != nil {
		return 0, &engine.Error{Op: "add", Name: spec.Name, Err: err}
	}
	f.next++
	f.volumes = append(f.volumes, Volume{Handle: f.next, Spec: spec, Opacity: spec.Opacity})
	return f.next, nil
}

func (f *Fake) Remove(h domain.VolumeHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.volumes {
		if f.volumes[i].Handle == h {
			f.volumes = append(f.volumes[:i], f.volumes[i+1:]...)
			return nil
		}
	}
	return &engine.Error{Op: "remove", Err: errUnknownHandle}
}

func (f *Fake) SetOpacity(h domain.VolumeHandle, opacity float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.volumes {
		if f.volumes[i].Handle == h {
			f.volumes[i].Opacity = opacity
			return nil
		}
	}
	return &engine.Error{Op: "opacity", Err: errUnknownHandle}
}

func (f *Fake) SetSliceType(st engine.SliceType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SliceType = st
	return nil
}

func (f *Fake) Redraw() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Redraws++
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	f.volumes = nil
	return nil
}

// Snapshot 返回当前 volume 列表的拷贝（按加载顺序）。
func (f *Fake) Snapshot() []Volume {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Volume, len(f.volumes))
	copy(out, f.volumes)
	return out
}

// Names 返回当前 volume 名列表（按加载顺序）。
func (f *Fake) Names() []string {
	vs := f.Snapshot()
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		out = append(out, v.Spec.Name)
	}
	return out
}

// OpacityOf 按 volume 名查当前透明度。
func (f *Fake) OpacityOf(name string) (float64, bool) {
	for _, v := range f.Snapshot() {
		if v.Spec.Name == name {
			return v.Opacity, true
		}
	}
	return 0, false
}

// RedrawCount 返回 Redraw 被调用的次数。
func (f *Fake) RedrawCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Redraws
}

type unknownHandleError struct{}

func (unknownHandleError) Error() string { return "未知的 volume 句柄" }

var errUnknownHandle = unknownHandleError{}
