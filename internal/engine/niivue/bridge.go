// Package niivue 把 engine.Engine 的操作翻译成浏览器端 Niivue 实例能执行的
// JSON 命令。引擎状态（WebGL 上下文、voxel 数据）全部在浏览器侧；
// 这里只维护句柄分配，并把“Niivue 的 API 形状”限制在本包内部。
package niivue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"neuroview/internal/domain"
	"neuroview/internal/engine"
)

// Sink 是命令的传输通道（由 gateway 用 websocket 实现）。
//
// 约束：
// - Call 必须等待浏览器端执行结果的 ack：volume 加载/解码失败要能同步报错
// - Send 是 fire-and-forget，只保证写入成功（透明度/重绘不值得一次 RTT）
type Sink interface {
	Call(ctx context.Context, payload []byte) error
	Send(payload []byte) error
}

// 命令的 op 与 Niivue API 一一对应：
// loadVolumes / addVolume / removeVolume / setOpacity / updateGLVolume / setSliceType。
type command struct {
	Op      string          `json:"op"`
	Volumes []volumePayload `json:"volumes,omitempty"`
	Volume  *volumePayload  `json:"volume,omitempty"`
	ID      int64           `json:"id,omitempty"`
	Opacity *float64        `json:"opacity,omitempty"`
	Slice   string          `json:"slice_type,omitempty"`
}

type volumePayload struct {
	ID       int64   `json:"id"`
	URL      string  `json:"url"`
	Name     string  `json:"name"`
	Colormap string  `json:"colormap,omitempty"`
	Opacity  float64 `json:"opacity"`
	IsLabel  bool    `json:"is_label"`
}

// Bridge 实现 engine.Engine。句柄在服务端分配并随命令下发，
// 浏览器端按 id 维护同一份 volume 映射。
type Bridge struct {
	mu     sync.Mutex
	sink   Sink
	next   domain.VolumeHandle
	closed bool
}

var _ engine.Engine = (*Bridge)(nil)

func New(sink Sink) *Bridge {
	return &Bridge{sink: sink}
}

func (b *Bridge) alloc() (domain.VolumeHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, fmt.Errorf("engine 已关闭")
	}
	b.next++
	return b.next, nil
}

func payloadOf(id domain.VolumeHandle, spec engine.VolumeSpec) volumePayload {
	return volumePayload{
		ID:       int64(id),
		URL:      spec.URL,
		Name:     spec.Name,
		Colormap: spec.Colormap,
		Opacity:  spec.Opacity,
		IsLabel:  spec.IsLabel,
	}
}

func (b *Bridge) Reset(ctx context.Context, base engine.VolumeSpec) (domain.VolumeHandle, error) {
	id, err := b.alloc()
	if err != nil {
		return 0, &engine.Error{Op: "reset", Name: base.Name, Err: err}
	}
	// 浏览器端对 loadVolumes 的实现是 all-or-nothing：加载失败时保留原列表并回 nack。
	cmd := command{Op: "loadVolumes", Volumes: []volumePayload{payloadOf(id, base)}}
	if err := b.call(ctx, cmd); err != nil {
		return 0, &engine.Error{Op: "reset", Name: base.Name, Err: err}
	}
	return id, nil
}

func (b *Bridge) Add(ctx context.Context, spec engine.VolumeSpec) (domain.VolumeHandle, error) {
	id, err := b.alloc()
	if err != nil {
		return 0, &engine.Error{Op: "add", Name: spec.Name, Err: err}
	}
	p := payloadOf(id, spec)
	if err := b.call(ctx, command{Op: "addVolume", Volume: &p}); err != nil {
		return 0, &engine.Error{Op: "add", Name: spec.Name, Err: err}
	}
	return id, nil
}

func (b *Bridge) Remove(h domain.VolumeHandle) error {
	if err := b.send(command{Op: "removeVolume", ID: int64(h)}); err != nil {
		return &engine.Error{Op: "remove", Err: err}
	}
	return nil
}

func (b *Bridge) SetOpacity(h domain.VolumeHandle, opacity float64) error {
	if err := b.send(command{Op: "setOpacity", ID: int64(h), Opacity: &opacity}); err != nil {
		return &engine.Error{Op: "opacity", Err: err}
	}
	return nil
}

func (b *Bridge) SetSliceType(st engine.SliceType) error {
	if err := b.send(command{Op: "setSliceType", Slice: string(st)}); err != nil {
		return &engine.Error{Op: "slice_type", Err: err}
	}
	return nil
}

func (b *Bridge) Redraw() {
	// 重绘失败只可能是连接已断，此时会话本身也在销毁路径上，无需上报。
	_ = b.send(command{Op: "updateGLVolume"})
}

// Close 幂等：释放 WebGL 上下文的命令只发一次。
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	return b.send(command{Op: "teardown"})
}

func (b *Bridge) call(ctx context.Context, cmd command) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return b.sink.Call(ctx, payload)
}

func (b *Bridge) send(cmd command) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return b.sink.Send(payload)
}
