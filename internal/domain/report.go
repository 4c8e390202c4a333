package domain

import "time"

// Disposition 说明一个文件在数据集里被怎么用。
const (
	DispositionBase    = "base"
	DispositionMask    = "mask"
	DispositionOverlay = "overlay"
	DispositionIgnored = "ignored"
)

// DatasetReport 是 `neuroview check` 对外稳定输出（stdout JSON）的结构。
type DatasetReport struct {
	Folder string `json:"folder"`
	Lister string `json:"lister"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Summary  ReportSummary `json:"summary"`
	Presence PresenceMap   `json:"presence"`
	Entries  []EntryResult `json:"entries"`
}

type ReportSummary struct {
	Files       int `json:"files"`
	Recognized  int `json:"recognized"`
	Ignored     int `json:"ignored"`
	ProbeFailed int `json:"probe_failed"`
}

// EntryResult 是单个输入文件的结果。Entries 保持输入顺序：
// base/mask 的选择策略依赖输入顺序，report 必须让这个顺序可见。
type EntryResult struct {
	Name        string `json:"name"`
	Role        string `json:"role"`
	Disposition string `json:"disposition"`

	ErrorCode string `json:"error_code"`
	ErrorMsg  string `json:"error_msg"`

	Probe *ProbeInfo `json:"probe,omitempty"`
}

// ProbeInfo 是 NIfTI 头部探测的摘要（仅 check 使用；serve 不强制探测）。
type ProbeInfo struct {
	Dim      [3]int  `json:"dim"`
	Datatype string  `json:"datatype"`
	CalMin   float64 `json:"cal_min"`
	CalMax   float64 `json:"cal_max"`
}

// Finalize 做两件事：
// 1) 时间统一为 UTC（确保 JSON 为 RFC3339 且后缀 Z）
// 2) summary 由 entries 计算得出
func (r *DatasetReport) Finalize() {
	r.StartedAt = r.StartedAt.UTC()
	r.FinishedAt = r.FinishedAt.UTC()

	s := ReportSummary{}
	for i := range r.Entries {
		e := &r.Entries[i]
		s.Files++
		if e.Disposition != DispositionIgnored {
			s.Recognized++
		} else {
			s.Ignored++
		}
		if e.ErrorCode == ErrCodeProbeFailed {
			s.ProbeFailed++
		}
	}
	r.Summary = s
	if r.Presence == nil {
		r.Presence = NewPresenceMap()
	}
}
