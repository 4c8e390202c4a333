package niivue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"neuroview/internal/engine"
)

// recordSink 记录下发的命令并区分 Call/Send 通道。
type recordSink struct {
	calls   [][]byte
	sends   [][]byte
	callErr error
	sendErr error
}

func (s *recordSink) Call(_ context.Context, payload []byte) error {
	if s.callErr != nil {
		return s.callErr
	}
	s.calls = append(s.calls, payload)
	return nil
}

func (s *recordSink) Send(payload []byte) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sends = append(s.sends, payload)
	return nil
}

func decode(t *testing.T, payload []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		t.Fatalf("命令不是合法 JSON：%v", err)
	}
	return m
}

func TestResetShape(t *testing.T) {
	sink := &recordSink{}
	b := New(sink)

	h, err := b.Reset(context.Background(), engine.VolumeSpec{
		URL:      "http://data/case1/case1_flair.nii.gz",
		Name:     "case1_flair.nii.gz",
		Colormap: "gray",
		Opacity:  1.0,
	})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if h == 0 {
		t.Fatalf("句柄不应为 0")
	}

	// 加载必须走 Call（要等浏览器 ack），不能走 Send。
	if len(sink.calls) != 1 || len(sink.sends) != 0 {
		t.Fatalf("Reset 应恰好一次 Call：calls=%d sends=%d", len(sink.calls), len(sink.sends))
	}
	m := decode(t, sink.calls[0])
	if m["op"] != "loadVolumes" {
		t.Fatalf("op 期望 loadVolumes，实际 %v", m["op"])
	}
	vols, ok := m["volumes"].([]any)
	if !ok || len(vols) != 1 {
		t.Fatalf("volumes 形状不对：%v", m["volumes"])
	}
	v := vols[0].(map[string]any)
	if v["url"] != "http://data/case1/case1_flair.nii.gz" || v["colormap"] != "gray" {
		t.Fatalf("volume payload 不对：%v", v)
	}
	if v["id"] != float64(h) {
		t.Fatalf("句柄必须随命令下发：%v", v["id"])
	}
}

func TestAddShape(t *testing.T) {
	sink := &recordSink{}
	b := New(sink)
	if _, err := b.Reset(context.Background(), engine.VolumeSpec{Name: "base.nii"}); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}

	h, err := b.Add(context.Background(), engine.VolumeSpec{
		URL:      "http://data/case1/case1_seg.nii",
		Name:     "case1_seg.nii",
		Colormap: "red",
		Opacity:  0.5,
		IsLabel:  true,
	})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}

	m := decode(t, sink.calls[1])
	if m["op"] != "addVolume" {
		t.Fatalf("op 期望 addVolume，实际 %v", m["op"])
	}
	v := m["volume"].(map[string]any)
	if v["is_label"] != true || v["opacity"] != 0.5 {
		t.Fatalf("label volume payload 不对：%v", v)
	}
	if v["id"] != float64(h) {
		t.Fatalf("句柄不对：%v", v["id"])
	}
}

func TestFireAndForgetOps(t *testing.T) {
	sink := &recordSink{}
	b := New(sink)
	h, err := b.Reset(context.Background(), engine.VolumeSpec{Name: "base.nii"})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}

	if err := b.SetOpacity(h, 0.3); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if err := b.SetSliceType(engine.SliceMultiplanar); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	b.Redraw()
	if err := b.Remove(h); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}

	// 透明度/切面/重绘/移除都是 fire-and-forget，不占用 ack 通道。
	if len(sink.calls) != 1 {
		t.Fatalf("Call 只应有加载那一次，实际 %d", len(sink.calls))
	}
	ops := make([]string, 0, len(sink.sends))
	for _, p := range sink.sends {
		ops = append(ops, decode(t, p)["op"].(string))
	}
	want := []string{"setOpacity", "setSliceType", "updateGLVolume", "removeVolume"}
	if len(ops) != len(want) {
		t.Fatalf("Send 命令数期望 %d，实际 %v", len(want), ops)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Fatalf("第 %d 个命令期望 %s，实际 %s", i, want[i], ops[i])
		}
	}

	// setOpacity 的 0 值也必须显式出现（omitempty 会吞掉 0）。
	if err := b.SetOpacity(h, 0); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	m := decode(t, sink.sends[len(sink.sends)-1])
	if v, ok := m["opacity"]; !ok || v != 0.0 {
		t.Fatalf("opacity=0 必须出现在命令里：%v", m)
	}
}

func TestLoadFailureSurfaces(t *testing.T) {
	sink := &recordSink{callErr: errors.New("nack: decode failed")}
	b := New(sink)

	_, err := b.Reset(context.Background(), engine.VolumeSpec{Name: "broken.nii"})
	if err == nil {
		t.Fatalf("期望错误")
	}
	var engErr *engine.Error
	if !errors.As(err, &engErr) {
		t.Fatalf("期望 engine.Error，实际 %T", err)
	}
	if engErr.Op != "reset" || engErr.Name != "broken.nii" {
		t.Fatalf("错误上下文不对：%+v", engErr)
	}
}

func TestCloseIdempotent(t *testing.T) {
	sink := &recordSink{}
	b := New(sink)

	if err := b.Close(); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("重复 Close 不期望错误：%v", err)
	}
	teardowns := 0
	for _, p := range sink.sends {
		if decode(t, p)["op"] == "teardown" {
			teardowns++
		}
	}
	if teardowns != 1 {
		t.Fatalf("teardown 只应下发一次，实际 %d", teardowns)
	}

	// 关闭后的加载被拒绝。
	if _, err := b.Reset(context.Background(), engine.VolumeSpec{Name: "x.nii"}); err == nil {
		t.Fatalf("关闭后的 Reset 应报错")
	}
}
