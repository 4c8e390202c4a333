package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"neuroview/internal/domain"
	"neuroview/internal/engine"
	"neuroview/internal/engine/enginetest"
)

type fakeLister struct {
	byFolder map[string][]domain.SourceFile
	err      error
}

func (f *fakeLister) Name() string { return "fake" }

func (f *fakeLister) List(_ context.Context, folder string) ([]domain.SourceFile, error) {
	if f.err != nil {
		return nil, f.err
	}
	files, ok := f.byFolder[folder]
	if !ok {
		return nil, fmt.Errorf("folder 不存在：%q", folder)
	}
	return files, nil
}

func src(name string) domain.SourceFile {
	return domain.SourceFile{Name: name, URL: "http://data/" + name}
}

func newSession(lister *fakeLister) (*Session, *enginetest.Fake) {
	eng := enginetest.New()
	return New(eng, lister, Options{}, nil), eng
}

func TestOpenFullDataset(t *testing.T) {
	lister := &fakeLister{byFolder: map[string][]domain.SourceFile{
		"case1": {src("case1_flair.nii.gz"), src("case1_seg.nii"), src("case1_t1.nii")},
	}}
	s, eng := newSession(lister)

	if err := s.Open(context.Background(), "case1"); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}

	snap := s.Snapshot()
	if snap.Phase != domain.PhaseReady {
		t.Fatalf("期望 ready，实际 %s", snap.Phase)
	}
	if snap.Dataset != "case1" {
		t.Fatalf("期望数据集 case1，实际 %q", snap.Dataset)
	}

	wantPresent := map[domain.ModalityRole]bool{
		domain.RoleFLAIR: true,
		domain.RoleSeg:   true,
		domain.RoleT1:    true,
		domain.RoleT1ce:  false,
		domain.RoleT2:    false,
	}
	for role, want := range wantPresent {
		if snap.Present[role] != want {
			t.Fatalf("present[%s] 期望 %v，实际 %v", role, want, snap.Present[role])
		}
	}
	// 初始可见性：base 与 mask 打开，其余解剖序列关闭。
	wantActive := map[domain.ModalityRole]bool{
		domain.RoleFLAIR: true,
		domain.RoleSeg:   true,
		domain.RoleT1:    false,
		domain.RoleT1ce:  false,
		domain.RoleT2:    false,
	}
	for role, want := range wantActive {
		if snap.Active[role] != want {
			t.Fatalf("active[%s] 期望 %v，实际 %v", role, want, snap.Active[role])
		}
	}

	// 引擎侧：base 在 0，透明度 base=1 / mask=0.5 / 隐藏 overlay=0。
	names := eng.Names()
	if len(names) != 3 || names[0] != "case1_flair.nii.gz" {
		t.Fatalf("引擎 volume 顺序不对：%v", names)
	}
	if got, _ := eng.OpacityOf("case1_flair.nii.gz"); got != 1.0 {
		t.Fatalf("base 透明度期望 1.0，实际 %v", got)
	}
	if got, _ := eng.OpacityOf("case1_seg.nii"); got != DefaultMaskOpacity {
		t.Fatalf("mask 透明度期望 %v，实际 %v", DefaultMaskOpacity, got)
	}
	if got, _ := eng.OpacityOf("case1_t1.nii"); got != 0 {
		t.Fatalf("隐藏 overlay 透明度期望 0，实际 %v", got)
	}
	// mask 是 label volume，用红色类别色板。
	for _, v := range eng.Snapshot() {
		if v.Spec.Name == "case1_seg.nii" {
			if !v.Spec.IsLabel || v.Spec.Colormap != "red" {
				t.Fatalf("mask 加载参数不对：%+v", v.Spec)
			}
		}
	}

	// 整个加载过程恰好一次重绘。
	if eng.RedrawCount() != 1 {
		t.Fatalf("加载应只重绘一次，实际 %d", eng.RedrawCount())
	}
}

func TestToggleSemantics(t *testing.T) {
	lister := &fakeLister{byFolder: map[string][]domain.SourceFile{
		"case1": {src("case1_flair.nii.gz"), src("case1_seg.nii"), src("case1_t1.nii")},
	}}
	s, eng := newSession(lister)
	if err := s.Open(context.Background(), "case1"); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	base := eng.RedrawCount()

	// 解剖 overlay 打开：不透明度 1.0，恰好一次重绘。
	if err := s.SetActive(domain.RoleT1, true); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if got, _ := eng.OpacityOf("case1_t1.nii"); got != 1.0 {
		t.Fatalf("t1 打开后透明度期望 1.0，实际 %v", got)
	}
	if eng.RedrawCount() != base+1 {
		t.Fatalf("一次 toggle 应恰好一次重绘，实际 %d", eng.RedrawCount()-base)
	}

	// base 隐藏：只改透明度，volume 数不变、下标 0 不变。
	if err := s.SetActive(domain.RoleFLAIR, false); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if got, _ := eng.OpacityOf("case1_flair.nii.gz"); got != 0 {
		t.Fatalf("base 隐藏后透明度期望 0，实际 %v", got)
	}
	if names := eng.Names(); len(names) != 3 || names[0] != "case1_flair.nii.gz" {
		t.Fatalf("隐藏 base 不应移除 volume：%v", names)
	}
	if err := s.SetActive(domain.RoleFLAIR, true); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if got, _ := eng.OpacityOf("case1_flair.nii.gz"); got != 1.0 {
		t.Fatalf("base 重新显示后透明度期望 1.0，实际 %v", got)
	}

	// 幂等：重复同一 toggle，状态与透明度不变。
	before := s.Snapshot()
	if err := s.SetActive(domain.RoleT1, true); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	after := s.Snapshot()
	for _, role := range domain.Roles {
		if before.Active[role] != after.Active[role] {
			t.Fatalf("重复 toggle 改变了 active[%s]", role)
		}
	}
}

func TestToggleRejects(t *testing.T) {
	lister := &fakeLister{byFolder: map[string][]domain.SourceFile{
		"case1": {src("case1_flair.nii.gz"), src("case1_t1.nii")},
	}}
	s, eng := newSession(lister)

	// 未就绪。
	if err := s.SetActive(domain.RoleT1, true); err == nil {
		t.Fatalf("未就绪时 toggle 应报错")
	}

	if err := s.Open(context.Background(), "case1"); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	base := eng.RedrawCount()

	// 缺席角色：报错且不重绘。
	if err := s.SetActive(domain.RoleT2, true); err == nil {
		t.Fatalf("缺席角色的 toggle 应报错")
	}
	if eng.RedrawCount() != base {
		t.Fatalf("被拒绝的 toggle 不应重绘")
	}
}

func TestMaskOpacity(t *testing.T) {
	lister := &fakeLister{byFolder: map[string][]domain.SourceFile{
		"case1": {src("case1_flair.nii.gz"), src("case1_seg.nii"), src("case1_t1.nii")},
	}}
	s, eng := newSession(lister)
	if err := s.Open(context.Background(), "case1"); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}

	if err := s.SetMaskOpacity(0.8); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if got, _ := eng.OpacityOf("case1_seg.nii"); got != 0.8 {
		t.Fatalf("mask 透明度期望 0.8，实际 %v", got)
	}
	// 只动 mask，其他 volume 一概不动。
	if got, _ := eng.OpacityOf("case1_flair.nii.gz"); got != 1.0 {
		t.Fatalf("base 透明度被误改：%v", got)
	}
	if got, _ := eng.OpacityOf("case1_t1.nii"); got != 0 {
		t.Fatalf("t1 透明度被误改：%v", got)
	}

	// toggle 关/开之后恢复到最近一次滑杆值，而不是默认值。
	if err := s.SetActive(domain.RoleSeg, false); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if got, _ := eng.OpacityOf("case1_seg.nii"); got != 0 {
		t.Fatalf("mask 关闭后透明度期望 0，实际 %v", got)
	}
	if err := s.SetActive(domain.RoleSeg, true); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if got, _ := eng.OpacityOf("case1_seg.nii"); got != 0.8 {
		t.Fatalf("mask 重开后期望 0.8，实际 %v", got)
	}
}

func TestMaskOpacityWithoutMask(t *testing.T) {
	lister := &fakeLister{byFolder: map[string][]domain.SourceFile{
		"case1": {src("case1_flair.nii.gz"), src("case1_t1.nii")},
	}}
	s, _ := newSession(lister)
	if err := s.Open(context.Background(), "case1"); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if err := s.SetMaskOpacity(0.7); err == nil {
		t.Fatalf("没有 mask 时调 mask 透明度应报错")
	}
}

func TestApplyTogglesSingleRedraw(t *testing.T) {
	lister := &fakeLister{byFolder: map[string][]domain.SourceFile{
		"case1": {src("case1_flair.nii.gz"), src("case1_t1.nii"), src("case1_t2.nii")},
	}}
	s, eng := newSession(lister)
	if err := s.Open(context.Background(), "case1"); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	base := eng.RedrawCount()

	err := s.ApplyToggles([]Toggle{
		{Role: domain.RoleT1, Visible: true},
		{Role: domain.RoleT2, Visible: true},
	})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if eng.RedrawCount() != base+1 {
		t.Fatalf("整批 toggle 应只重绘一次，实际 %d", eng.RedrawCount()-base)
	}
	if got, _ := eng.OpacityOf("case1_t1.nii"); got != 1.0 {
		t.Fatalf("t1 未打开：%v", got)
	}
	if got, _ := eng.OpacityOf("case1_t2.nii"); got != 1.0 {
		t.Fatalf("t2 未打开：%v", got)
	}
}

func TestOpenReplacesPrevious(t *testing.T) {
	lister := &fakeLister{byFolder: map[string][]domain.SourceFile{
		"case1": {src("case1_flair.nii.gz"), src("case1_seg.nii")},
		"case2": {src("case2_t1.nii"), src("case2_t2.nii")},
	}}
	s, eng := newSession(lister)
	if err := s.Open(context.Background(), "case1"); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if err := s.Open(context.Background(), "case2"); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}

	// 没有 FLAIR 时第一个文件兜底为 base。
	names := eng.Names()
	if len(names) != 2 || names[0] != "case2_t1.nii" {
		t.Fatalf("第二个数据集应整体替换第一个：%v", names)
	}
	snap := s.Snapshot()
	if snap.Dataset != "case2" || snap.Phase != domain.PhaseReady {
		t.Fatalf("快照不对：%+v", snap)
	}
	if snap.Present[domain.RoleFLAIR] || snap.Present[domain.RoleSeg] {
		t.Fatalf("旧数据集的 presence 泄漏到新会话：%+v", snap.Present)
	}
	if !snap.Active[domain.RoleT1] || snap.Active[domain.RoleT2] {
		t.Fatalf("base=t1 应打开、t2 应关闭：%+v", snap.Active)
	}
}

func TestOpenStaleDiscarded(t *testing.T) {
	lister := &fakeLister{byFolder: map[string][]domain.SourceFile{
		"case1": {src("case1_flair.nii.gz")},
		"case2": {src("case2_flair.nii.gz")},
	}}
	eng := enginetest.New()
	gate := make(chan struct{})
	eng.Gate = gate
	s := New(eng, lister, Options{}, nil)

	ch1 := make(chan error, 1)
	go func() { ch1 <- s.Open(context.Background(), "case1") }()
	waitFor(t, func() bool { return eng.Waiting() == 1 })

	// 第一个加载还卡在引擎上时选择新数据集：旧加载被取消并按 stale 丢弃。
	ch2 := make(chan error, 1)
	go func() { ch2 <- s.Open(context.Background(), "case2") }()
	waitFor(t, func() bool { return eng.Waiting() == 2 })
	close(gate)

	if err := <-ch2; err != nil {
		t.Fatalf("最新加载不期望错误：%v", err)
	}
	if err := <-ch1; err != nil {
		t.Fatalf("被取代的加载应静默返回 nil，实际 %v", err)
	}

	snap := s.Snapshot()
	if snap.Dataset != "case2" || snap.Phase != domain.PhaseReady {
		t.Fatalf("最终状态必须只反映最新选择：%+v", snap)
	}
	if names := eng.Names(); len(names) != 1 || names[0] != "case2_flair.nii.gz" {
		t.Fatalf("引擎残留了旧数据集：%v", names)
	}
}

func TestOpenEngineFailure(t *testing.T) {
	lister := &fakeLister{byFolder: map[string][]domain.SourceFile{
		"case1": {src("case1_flair.nii.gz"), src("case1_seg.nii")},
		"case2": {src("case2_flair.nii.gz")},
	}}
	s, eng := newSession(lister)
	if err := s.Open(context.Background(), "case1"); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}

	eng.FailOn["case2_flair.nii.gz"] = errors.New("decode failed")
	err := s.Open(context.Background(), "case2")
	if err == nil {
		t.Fatalf("期望错误")
	}
	var engErr *engine.Error
	if !errors.As(err, &engErr) {
		t.Fatalf("期望 engine.Error，实际 %T", err)
	}

	snap := s.Snapshot()
	if snap.Phase != domain.PhaseError || snap.ErrorCode != domain.ErrCodeRenderEngineFailed {
		t.Fatalf("期望 error/render_engine_failed，实际 %+v", snap)
	}
	// 事务性：失败的 base 加载不扰动引擎里的旧 volume。
	if names := eng.Names(); len(names) != 2 || names[0] != "case1_flair.nii.gz" {
		t.Fatalf("失败后引擎状态被扰动：%v", names)
	}

	// error 的唯一恢复路径：重新选择数据集。
	delete(eng.FailOn, "case2_flair.nii.gz")
	if err := s.Open(context.Background(), "case2"); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if got := s.Snapshot().Phase; got != domain.PhaseReady {
		t.Fatalf("重新加载后期望 ready，实际 %s", got)
	}
}

func TestOpenListingFailure(t *testing.T) {
	lister := &fakeLister{err: errors.New("connection refused")}
	s, _ := newSession(lister)

	if err := s.Open(context.Background(), "case1"); err == nil {
		t.Fatalf("期望错误")
	}
	snap := s.Snapshot()
	if snap.Phase != domain.PhaseError || snap.ErrorCode != domain.ErrCodeListingFailed {
		t.Fatalf("期望 error/listing_failed，实际 %+v", snap)
	}
}

func TestClose(t *testing.T) {
	lister := &fakeLister{byFolder: map[string][]domain.SourceFile{
		"case1": {src("case1_flair.nii.gz")},
	}}
	s, eng := newSession(lister)
	if err := s.Open(context.Background(), "case1"); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if !eng.Closed {
		t.Fatalf("Close 必须释放引擎")
	}
	if got := s.Snapshot().Phase; got != domain.PhaseEmpty {
		t.Fatalf("Close 之后期望 empty，实际 %s", got)
	}
	// 幂等。
	if err := s.Close(); err != nil {
		t.Fatalf("重复 Close 不期望错误：%v", err)
	}
	// 关闭后的操作被拒绝。
	if err := s.Open(context.Background(), "case1"); err == nil {
		t.Fatalf("关闭后的 Open 应报错")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("等待条件超时")
}

// 配置了默认切面模式时，每次数据集加载后重申一次。
func TestOpenAppliesDefaultSliceType(t *testing.T) {
	lister := &fakeLister{byFolder: map[string][]domain.SourceFile{
		"case1": {src("case1_flair.nii.gz")},
	}}
	eng := enginetest.New()
	s := New(eng, lister, Options{SliceType: engine.SliceMultiplanar}, nil)

	if err := s.Open(context.Background(), "case1"); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if eng.SliceType != engine.SliceMultiplanar {
		t.Fatalf("期望 multiplanar，实际 %q", eng.SliceType)
	}
	// 依旧恰好一次重绘。
	if got := eng.RedrawCount(); got != 1 {
		t.Fatalf("期望 1 次重绘，实际 %d", got)
	}
}
