// internal/service/logic/domain/script.go
package domain

import (
	"strings"
	"time"
)

// TriggerPoint 是顾客旅程中执行规则的时刻。
type TriggerPoint string

const (
	TriggerStorefrontLoad TriggerPoint = "storefront_load" // 店铺首页加载
	TriggerQuantityChange TriggerPoint = "quantity_change" // 购物车数量变化
	TriggerAddToCart      TriggerPoint = "add_to_cart"     // 加入购物车
	TriggerSubmit         TriggerPoint = "submit"          // 提交订单
)

// AllTriggerPoints 按旅程顺序列出所有触发点。
var AllTriggerPoints = []TriggerPoint{
	TriggerStorefrontLoad,
	TriggerQuantityChange,
	TriggerAddToCart,
	TriggerSubmit,
}

// Valid 判断触发点是否属于固定枚举。
func (t TriggerPoint) Valid() bool {
	switch t {
	case TriggerStorefrontLoad, TriggerQuantityChange, TriggerAddToCart, TriggerSubmit:
		return true
	}
	return false
}

// ParseTriggerPoint 校验并转换外部输入。
func ParseTriggerPoint(s string) (TriggerPoint, error) {
	t := TriggerPoint(strings.TrimSpace(s))
	if !t.Valid() {
		return "", NewValidationError("trigger_point", "unknown trigger point %q", s)
	}
	return t, nil
}

// LogicScript 是一条租户自定义的业务规则。
// 同一 (DistributorID, TriggerPoint) 分组内 SequenceOrder 唯一，决定执行顺序。
// TriggerPoint 在整个生命周期内不可变。
type LogicScript struct {
	ID            int64
	DistributorID string
	TriggerPoint  TriggerPoint
	Description   string
	ScriptContent string
	SequenceOrder int
	Active        bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// GroupKey 标识一个 (租户, 触发点) 分组。
type GroupKey struct {
	DistributorID string
	TriggerPoint  TriggerPoint
}

func (k GroupKey) String() string {
	return k.DistributorID + "/" + string(k.TriggerPoint)
}

// Group 返回脚本所在的分组。
func (s *LogicScript) Group() GroupKey {
	return GroupKey{DistributorID: s.DistributorID, TriggerPoint: s.TriggerPoint}
}

// NewScriptInput 是创建脚本所需的字段。
type NewScriptInput struct {
	DistributorID string
	TriggerPoint  string
	Description   string
	ScriptContent string
}

// Validate 校验创建参数，返回规范化后的触发点。
func (in NewScriptInput) Validate() (TriggerPoint, error) {
	if strings.TrimSpace(in.DistributorID) == "" {
		return "", NewValidationError("distributor_id", "must not be empty")
	}
	trigger, err := ParseTriggerPoint(in.TriggerPoint)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(in.ScriptContent) == "" {
		return "", NewValidationError("script_content", "must not be empty")
	}
	return trigger, nil
}

// NewLogicScript 工厂函数：序号由仓储在分组内分配，这里只负责默认值。
func NewLogicScript(in NewScriptInput, now time.Time) (*LogicScript, error) {
	trigger, err := in.Validate()
	if err != nil {
		return nil, err
	}
	return &LogicScript{
		DistributorID: strings.TrimSpace(in.DistributorID),
		TriggerPoint:  trigger,
		Description:   in.Description,
		ScriptContent: in.ScriptContent,
		Active:        true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// ScriptPatch 是部分更新，nil 字段表示不修改。
type ScriptPatch struct {
	Active        *bool
	ScriptContent *string
	Description   *string
}

// Empty 判断补丁是否没有任何字段。
func (p ScriptPatch) Empty() bool {
	return p.Active == nil && p.ScriptContent == nil && p.Description == nil
}

// Validate 校验补丁内容。
func (p ScriptPatch) Validate() error {
	if p.Empty() {
		return NewValidationError("patch", "at least one of active, script_content, description is required")
	}
	if p.ScriptContent != nil && strings.TrimSpace(*p.ScriptContent) == "" {
		return NewValidationError("script_content", "must not be empty")
	}
	return nil
}

// Apply 把补丁应用到脚本上。
func (p ScriptPatch) Apply(s *LogicScript, now time.Time) {
	if p.Active != nil {
		s.Active = *p.Active
	}
	if p.ScriptContent != nil {
		s.ScriptContent = *p.ScriptContent
	}
	if p.Description != nil {
		s.Description = *p.Description
	}
	s.UpdatedAt = now
}

// ValidateReorder 检查 orderedIDs 与分组当前成员是否完全一致：
// 不允许重复、缺失、多余，也就不可能跨分组移动。
func ValidateReorder(current []*LogicScript, orderedIDs []int64) error {
	if len(current) != len(orderedIDs) {
		return NewValidationError("scripts", "expected %d ids for the group, got %d", len(current), len(orderedIDs))
	}
	members := make(map[int64]struct{}, len(current))
	for _, s := range current {
		members[s.ID] = struct{}{}
	}
	seen := make(map[int64]struct{}, len(orderedIDs))
	for _, id := range orderedIDs {
		if _, dup := seen[id]; dup {
			return NewValidationError("scripts", "duplicate id %d", id)
		}
		seen[id] = struct{}{}
		if _, ok := members[id]; !ok {
			return NewValidationError("scripts", "id %d is not a member of the group", id)
		}
	}
	return nil
}
