package domain

// 错误码是对外稳定契约（report JSON / gateway state 消息），不是给人看的文案。
//
// 传播策略：
// - resolution_unknown：文件匹配不到任何模态。非致命，只记录在 plan/report 里。
// - listing_failed / probe_failed / render_engine_failed：当次数据集加载失败，
//   stack 保持先前状态，UI 收到可见错误；viewer 本身不允许崩溃。
// - stale_operation：完成信号属于被换代的加载。纯内部记账，静默丢弃，
//   永远不作为错误浮给用户。
const (
	ErrCodeResolutionUnknown  = "resolution_unknown"
	ErrCodeListingFailed      = "listing_failed"
	ErrCodeProbeFailed        = "probe_failed"
	ErrCodeRenderEngineFailed = "render_engine_failed"
	ErrCodeStaleOperation     = "stale_operation"

	ErrCodeConfigNotFound    = "config_not_found"
	ErrCodeConfigInvalid     = "config_invalid"
	ErrCodeConfigMissingRoot = "config_missing_root"
)
