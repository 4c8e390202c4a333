package domain

// SourceFile 描述 listing 阶段得到的一个候选文件（name + 可加载 URL）。
//
// 不变量（实现必须遵守）：
// - Name 是文件的身份（同一数据集内不允许重复）
// - URL 必须能被渲染引擎直接加载（listing 层负责拼接/签名）
// - 结构不可变：listing 之后任何阶段都不得修改字段
type SourceFile struct {
	Name string
	URL  string
}

// DatasetEntry 是一次角色解析的结果：每个输入文件恰好一条。
// Role==RoleUnknown 的条目不进入受管集合，但保留在 plan 里供 report 呈现。
type DatasetEntry struct {
	Role ModalityRole
	File SourceFile
}
