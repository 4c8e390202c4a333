// Package gateway 是浏览器与会话之间的 websocket 通道。
//
// 一条连接对应一个 viewer：独立的渲染引擎桥、独立的会话状态。
// 两个方向共用一条连接：
// - 下行：engine 命令（niivue 桥的输出）、state 快照、加载进度
// - 上行：用户操作（选数据集 / toggle / 透明度 / 切面）与 engine ack
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"neuroview/internal/assess"
	"neuroview/internal/domain"
	"neuroview/internal/engine"
	"neuroview/internal/engine/niivue"
	"neuroview/internal/listing"
	"neuroview/internal/modality"
	"neuroview/internal/session"
)

const (
	// 写超时。超过说明浏览器端已经僵死，直接断开。
	writeWait = 10 * time.Second
	// 两次 pong 之间的最大间隔；ping 周期必须小于它。
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	// 上行消息都是小 JSON；64KB 足够并能挡住异常客户端。
	maxMessageSize = 64 << 10
	// engine Call 的 ack 兜底超时：浏览器加载一个 volume 不该超过这个数。
	ackTimeout = 2 * time.Minute
)

// Options 是 gateway 的装配参数。
type Options struct {
	Lister      listing.Lister
	Rules       modality.Rules
	MaskOpacity float64
	// SliceType 是新会话的默认切面模式；空值交给引擎默认。
	SliceType engine.SliceType

	// Assess 为 nil 时禁用复查记录相关消息。
	Assess *assess.Store

	Logger *log.Logger
}

type Server struct {
	opts     Options
	upgrader websocket.Upgrader
}

func New(opts Options) (*Server, error) {
	if opts.Lister == nil {
		return nil, fmt.Errorf("lister 不能为空")
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Server{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// 同源部署（viewer 页面与 gateway 同 origin），用默认同源检查。
		},
	}, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.opts.Logger.Printf("websocket 升级失败：%v", err)
		return
	}

	c := newConn(ws, s.opts.Logger)
	sess := session.New(niivue.New(c), s.opts.Lister, session.Options{
		MaskOpacity: s.opts.MaskOpacity,
		Rules:       s.opts.Rules,
		SliceType:   s.opts.SliceType,
	}, c)

	s.opts.Logger.Printf("viewer 连接：%s", r.RemoteAddr)
	c.run(sess, s.opts)
	s.opts.Logger.Printf("viewer 断开：%s", r.RemoteAddr)
}

// ---- 消息协议 ----

type inbound struct {
	Type string `json:"type"`

	// select_dataset / load_assessment
	Folder string `json:"folder,omitempty"`

	// toggle
	Role    string `json:"role,omitempty"`
	Visible bool   `json:"visible,omitempty"`
	// toggles
	Items []toggleItem `json:"items,omitempty"`

	// mask_opacity
	Value float64 `json:"value,omitempty"`
	// slice_type
	Slice string `json:"slice_type,omitempty"`

	// ack（engine 命令的执行回执）
	ID    uint64 `json:"id,omitempty"`
	Error string `json:"error,omitempty"`

	// save_assessment
	Note     string `json:"note,omitempty"`
	Reviewer string `json:"reviewer,omitempty"`
}

type toggleItem struct {
	Role    string `json:"role"`
	Visible bool   `json:"visible"`
}

type outState struct {
	Type  string          `json:"type"`
	State domain.Snapshot `json:"state"`
}

type outEngine struct {
	Type    string          `json:"type"`
	ID      uint64          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

type outProgress struct {
	Type   string         `json:"type"`
	Phase  string         `json:"phase"`
	Fields map[string]any `json:"fields,omitempty"`
	Volume string         `json:"volume,omitempty"`
	Role   string         `json:"role,omitempty"`
	Index  int            `json:"index,omitempty"`
	Total  int            `json:"total,omitempty"`
	Millis int64          `json:"ms"`
}

type outError struct {
	Type string `json:"type"`
	Msg  string `json:"msg"`
}

type outFolders struct {
	Type    string   `json:"type"`
	Folders []string `json:"folders"`
}

type outAssessment struct {
	Type       string             `json:"type"`
	Found      bool               `json:"found"`
	Assessment *assess.Assessment `json:"assessment,omitempty"`
}

// ---- 连接 ----

// conn 同时扮演两个角色：niivue.Sink（engine 命令的传输）与
// session.Observer（状态/进度推送）。写串行化由 writeMu 保证。
type conn struct {
	ws     *websocket.Conn
	logger *log.Logger

	writeMu sync.Mutex

	nextID    atomic.Uint64
	pendingMu sync.Mutex
	pending   map[uint64]chan error

	closeOnce sync.Once
	closed    chan struct{}
}

var _ niivue.Sink = (*conn)(nil)
var _ session.Observer = (*conn)(nil)

func newConn(ws *websocket.Conn, logger *log.Logger) *conn {
	return &conn{
		ws:      ws,
		logger:  logger,
		pending: make(map[uint64]chan error),
		closed:  make(chan struct{}),
	}
}

// Call 下发 engine 命令并等待浏览器端的执行回执。
// volume 加载/解码失败必须在这里同步浮出来，stack 的事务语义依赖它。
func (c *conn) Call(ctx context.Context, payload []byte) error {
	id := c.nextID.Add(1)
	ch := make(chan error, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.write(outEngine{Type: "engine", ID: id, Payload: payload}); err != nil {
		return err
	}

	timer := time.NewTimer(ackTimeout)
	defer timer.Stop()
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return fmt.Errorf("连接已断开")
	case <-timer.C:
		return fmt.Errorf("等待浏览器回执超时")
	}
}

// Send 是 fire-and-forget：透明度/重绘不值得一次 RTT。
func (c *conn) Send(payload []byte) error {
	return c.write(outEngine{Type: "engine", Payload: payload})
}

func (c *conn) resolve(id uint64, msg string) {
	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	c.pendingMu.Unlock()
	if !ok {
		// 回执对应的加载已被取代，静默丢弃。
		return
	}
	if msg == "" {
		ch <- nil
		return
	}
	ch <- fmt.Errorf("%s", msg)
}

func (c *conn) OnState(snap domain.Snapshot) {
	if err := c.write(outState{Type: "state", State: snap}); err != nil {
		c.logger.Printf("推送 state 失败：%v", err)
	}
}

func (c *conn) OnPhaseDone(name string, fields map[string]any, dur time.Duration) {
	_ = c.write(outProgress{Type: "progress", Phase: name, Fields: fields, Millis: dur.Milliseconds()})
}

func (c *conn) OnVolumeDone(idx, total int, role domain.ModalityRole, name string, dur time.Duration) {
	_ = c.write(outProgress{
		Type: "progress", Phase: "volume",
		Volume: name, Role: string(role), Index: idx, Total: total,
		Millis: dur.Milliseconds(),
	})
}

func (c *conn) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

func (c *conn) sendError(err error) {
	_ = c.write(outError{Type: "error", Msg: err.Error()})
}

// run 是连接的读主循环。返回时会话与连接一并销毁。
func (c *conn) run(sess *session.Session, opts Options) {
	defer func() {
		c.close()
		if err := sess.Close(); err != nil {
			c.logger.Printf("会话销毁失败：%v", err)
		}
	}()

	go c.pingLoop()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	// 连接建立即推一次初始快照，UI 不需要猜初始状态。
	c.OnState(sess.Snapshot())

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Printf("读消息失败：%v", err)
			}
			return
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError(fmt.Errorf("非法消息：%w", err))
			continue
		}
		c.dispatch(sess, opts, msg)
	}
}

// dispatch 处理一条上行消息。
//
// 硬约束：读循环绝不做会在会话锁上阻塞的调用——加载中的 Open 持锁等
// 浏览器 ack，而 ack 只能从读循环进来。所以除 ack 外的会话操作一律
// 丢进 goroutine，由会话自己的互斥锁排队。
func (c *conn) dispatch(sess *session.Session, opts Options, msg inbound) {
	switch msg.Type {
	case "ack":
		c.resolve(msg.ID, msg.Error)

	case "select_dataset":
		// 错误通过 state 快照可见，这里不重复上报。
		go func() {
			if err := sess.Open(context.Background(), msg.Folder); err != nil {
				c.logger.Printf("加载数据集 %q 失败：%v", msg.Folder, err)
			}
		}()

	case "toggle":
		go func() {
			if err := sess.SetActive(domain.ModalityRole(msg.Role), msg.Visible); err != nil {
				c.sendError(err)
			}
		}()

	case "toggles":
		toggles := make([]session.Toggle, 0, len(msg.Items))
		for _, it := range msg.Items {
			toggles = append(toggles, session.Toggle{Role: domain.ModalityRole(it.Role), Visible: it.Visible})
		}
		go func() {
			if err := sess.ApplyToggles(toggles); err != nil {
				c.sendError(err)
			}
		}()

	case "mask_opacity":
		go func() {
			if err := sess.SetMaskOpacity(msg.Value); err != nil {
				c.sendError(err)
			}
		}()

	case "slice_type":
		st, ok := engine.ParseSliceType(msg.Slice)
		if !ok {
			c.sendError(fmt.Errorf("未知的切面模式：%q", msg.Slice))
			return
		}
		go func() {
			if err := sess.SetSliceType(st); err != nil {
				c.sendError(err)
			}
		}()

	case "list_folders":
		fl, ok := opts.Lister.(listing.FolderLister)
		if !ok {
			c.sendError(fmt.Errorf("当前 listing 后端不支持枚举病例"))
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			folders, err := fl.Folders(ctx)
			if err != nil {
				c.sendError(err)
				return
			}
			_ = c.write(outFolders{Type: "folders", Folders: folders})
		}()

	case "save_assessment":
		if opts.Assess == nil {
			c.sendError(fmt.Errorf("复查记录未启用"))
			return
		}
		go func() {
			snap := sess.Snapshot()
			if snap.Phase != domain.PhaseReady {
				c.sendError(fmt.Errorf("会话未就绪，无法保存复查记录"))
				return
			}
			err := opts.Assess.Write(assess.Assessment{
				Folder:      snap.Dataset,
				Reviewer:    msg.Reviewer,
				Note:        msg.Note,
				Active:      snap.Active,
				MaskOpacity: snap.MaskOpacity,
			})
			if err != nil {
				c.sendError(err)
				return
			}
			_ = c.write(outAssessment{Type: "assessment_saved", Found: true})
		}()

	case "load_assessment":
		if opts.Assess == nil {
			c.sendError(fmt.Errorf("复查记录未启用"))
			return
		}
		go func() {
			folder := msg.Folder
			if folder == "" {
				folder = sess.Snapshot().Dataset
			}
			a, found, err := opts.Assess.Read(folder)
			if err != nil {
				c.sendError(err)
				return
			}
			out := outAssessment{Type: "assessment", Found: found}
			if found {
				out.Assessment = &a
			}
			_ = c.write(out)
		}()

	default:
		c.sendError(fmt.Errorf("未知消息类型：%q", msg.Type))
	}
}

func (c *conn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.close()
				return
			}
		case <-c.closed:
			return
		}
	}
}
