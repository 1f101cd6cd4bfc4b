package port

// Issue 是脚本静态检查发现的一个问题，行列从 1 开始，未知时为 0。
type Issue struct {
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
}

// ScriptValidator 在不执行脚本的情况下检查语法和类型。
type ScriptValidator interface {
	Check(content string) []Issue
}
