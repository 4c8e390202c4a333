package gateway

import (
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"neuroview/internal/assess"
	"neuroview/internal/domain"
	"neuroview/internal/listing/local"
)

type testMsg struct {
	Type       string             `json:"type"`
	State      *domain.Snapshot   `json:"state"`
	ID         uint64             `json:"id"`
	Payload    json.RawMessage    `json:"payload"`
	Folders    []string           `json:"folders"`
	Msg        string             `json:"msg"`
	Found      bool               `json:"found"`
	Assessment *assess.Assessment `json:"assessment"`
}

func newArchive(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for _, name := range []string{"case1_flair.nii.gz", "case1_seg.nii"} {
		path := filepath.Join(root, "case1", name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("建目录失败：%v", err)
		}
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("写文件失败：%v", err)
		}
	}
	return root
}

func dial(t *testing.T, opts Options) *websocket.Conn {
	t.Helper()
	s, err := New(opts)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("连接失败：%v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func next(t *testing.T, ws *websocket.Conn) testMsg {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg testMsg
	if err := ws.ReadJSON(&msg); err != nil {
		t.Fatalf("读消息失败：%v", err)
	}
	return msg
}

// awaitState 消费消息直到出现目标阶段的 state 快照；
// 途中扮演浏览器：对带 id 的 engine 命令回 ack。
func awaitState(t *testing.T, ws *websocket.Conn, phase domain.Phase) domain.Snapshot {
	t.Helper()
	for i := 0; i < 50; i++ {
		msg := next(t, ws)
		switch msg.Type {
		case "engine":
			if msg.ID != 0 {
				if err := ws.WriteJSON(map[string]any{"type": "ack", "id": msg.ID}); err != nil {
					t.Fatalf("回 ack 失败：%v", err)
				}
			}
		case "state":
			if msg.State != nil && msg.State.Phase == phase {
				return *msg.State
			}
		}
	}
	t.Fatalf("没等到 phase=%s 的快照", phase)
	return domain.Snapshot{}
}

func TestViewerFlow(t *testing.T) {
	root := newArchive(t)
	store := assess.New(t.TempDir(), false)
	ws := dial(t, Options{
		Lister: local.New(root, "/data"),
		Assess: &store,
	})

	// 连接建立即收到初始快照。
	first := next(t, ws)
	if first.Type != "state" || first.State == nil || first.State.Phase != domain.PhaseEmpty {
		t.Fatalf("初始快照不对：%+v", first)
	}

	// 枚举病例。
	if err := ws.WriteJSON(map[string]any{"type": "list_folders"}); err != nil {
		t.Fatalf("发消息失败：%v", err)
	}
	msg := next(t, ws)
	if msg.Type != "folders" || len(msg.Folders) != 1 || msg.Folders[0] != "case1" {
		t.Fatalf("folders 消息不对：%+v", msg)
	}

	// 选择数据集：gateway 下发 engine 加载命令，测试端扮演浏览器回 ack。
	if err := ws.WriteJSON(map[string]any{"type": "select_dataset", "folder": "case1"}); err != nil {
		t.Fatalf("发消息失败：%v", err)
	}
	snap := awaitState(t, ws, domain.PhaseReady)
	if !snap.Present[domain.RoleFLAIR] || !snap.Present[domain.RoleSeg] {
		t.Fatalf("presence 不对：%+v", snap.Present)
	}
	if !snap.Active[domain.RoleFLAIR] || !snap.Active[domain.RoleSeg] {
		t.Fatalf("active 不对：%+v", snap.Active)
	}

	// 关掉 mask：收到新的 state，active.seg=false。
	if err := ws.WriteJSON(map[string]any{"type": "toggle", "role": "seg", "visible": false}); err != nil {
		t.Fatalf("发消息失败：%v", err)
	}
	got := false
	for i := 0; i < 20 && !got; i++ {
		msg = next(t, ws)
		got = msg.Type == "state" && msg.State != nil && !msg.State.Active[domain.RoleSeg]
	}
	if !got {
		t.Fatalf("toggle 后没等到 active.seg=false 的快照：%+v", msg)
	}

	// 保存复查记录并读回。
	if err := ws.WriteJSON(map[string]any{"type": "save_assessment", "note": "随访无变化", "reviewer": "li"}); err != nil {
		t.Fatalf("发消息失败：%v", err)
	}
	for {
		msg = next(t, ws)
		if msg.Type == "assessment_saved" || msg.Type == "error" {
			break
		}
	}
	if msg.Type != "assessment_saved" {
		t.Fatalf("保存失败：%+v", msg)
	}
	a, found, err := store.Read("case1")
	if err != nil || !found {
		t.Fatalf("记录未落盘：%v %v", found, err)
	}
	if a.Note != "随访无变化" || a.Reviewer != "li" {
		t.Fatalf("记录内容不对：%+v", a)
	}
	if a.Active[domain.RoleSeg] {
		t.Fatalf("保存的面板状态应反映 seg 已关闭：%+v", a.Active)
	}
}

func TestToggleAbsentRoleSendsError(t *testing.T) {
	root := newArchive(t)
	ws := dial(t, Options{Lister: local.New(root, "/data")})

	next(t, ws) // 初始快照
	if err := ws.WriteJSON(map[string]any{"type": "select_dataset", "folder": "case1"}); err != nil {
		t.Fatalf("发消息失败：%v", err)
	}
	awaitState(t, ws, domain.PhaseReady)

	if err := ws.WriteJSON(map[string]any{"type": "toggle", "role": "t2", "visible": true}); err != nil {
		t.Fatalf("发消息失败：%v", err)
	}
	msg := next(t, ws)
	if msg.Type != "error" || msg.Msg == "" {
		t.Fatalf("期望 error 消息，实际 %+v", msg)
	}
}

func TestLoadFailureReachesErrorState(t *testing.T) {
	root := newArchive(t)
	ws := dial(t, Options{Lister: local.New(root, "/data")})

	next(t, ws)
	if err := ws.WriteJSON(map[string]any{"type": "select_dataset", "folder": "case1"}); err != nil {
		t.Fatalf("发消息失败：%v", err)
	}

	// 扮演解码失败的浏览器：对第一条 engine 命令回带错误的 ack。
	for i := 0; i < 20; i++ {
		msg := next(t, ws)
		if msg.Type == "engine" && msg.ID != 0 {
			if err := ws.WriteJSON(map[string]any{"type": "ack", "id": msg.ID, "error": "decode failed"}); err != nil {
				t.Fatalf("回 ack 失败：%v", err)
			}
			break
		}
	}

	snap := awaitState(t, ws, domain.PhaseError)
	if snap.ErrorCode != domain.ErrCodeRenderEngineFailed {
		t.Fatalf("错误码期望 %s，实际 %+v", domain.ErrCodeRenderEngineFailed, snap)
	}
}

func TestUnknownMessageType(t *testing.T) {
	root := newArchive(t)
	ws := dial(t, Options{Lister: local.New(root, "/data")})

	next(t, ws)
	if err := ws.WriteJSON(map[string]any{"type": "dance"}); err != nil {
		t.Fatalf("发消息失败：%v", err)
	}
	msg := next(t, ws)
	if msg.Type != "error" {
		t.Fatalf("期望 error 消息，实际 %+v", msg)
	}
}
