// internal/service/logic/domain/context.go
package domain

import (
	"fmt"
	"sort"

	"github.com/mohae/deepcopy"
)

// 上下文中的保留段名。其余键都视为触发点的扩展字段。
const (
	SectionCustomer = "customer"
	SectionCart     = "cart"
	SectionProducts = "products"
	SectionEvent    = "event"
)

// ContextInput 是调用方持有的原始数据，BuildContext 不会修改它。
type ContextInput struct {
	Customer map[string]any
	Cart     map[string]any
	Products []any
	// Extensions 是触发点特有的字段，例如 quantity_change 的 changedItem/newQuantity、
	// add_to_cart 的 addedItem。
	Extensions map[string]any
}

// ExecutionContext 是单次执行使用的上下文，只存在于内存中。
type ExecutionContext struct {
	DistributorID string
	Trigger       TriggerPoint
	Customer      map[string]any
	Cart          map[string]any
	Products      []any
	Extensions    map[string]any
}

// BuildContext 组装执行上下文。所有输入都被深拷贝 (copy-on-read)，
// 后续脚本对上下文的修改不会影响调用方的数据。
func BuildContext(distributorID string, trigger TriggerPoint, in ContextInput) (*ExecutionContext, error) {
	if distributorID == "" {
		return nil, NewValidationError("distributor_id", "must not be empty")
	}
	if !trigger.Valid() {
		return nil, NewValidationError("trigger_point", "unknown trigger point %q", trigger)
	}
	return &ExecutionContext{
		DistributorID: distributorID,
		Trigger:       trigger,
		Customer:      copyMap(in.Customer),
		Cart:          copyMap(in.Cart),
		Products:      copySlice(in.Products),
		Extensions:    copyMap(in.Extensions),
	}, nil
}

// SplitContextPayload 把 HTTP 请求中的扁平 context 对象拆成保留段和扩展字段。
// 扩展字段既可以放在顶层，也可以放在 "event" 对象里，顶层优先。
func SplitContextPayload(payload map[string]any) (ContextInput, error) {
	var in ContextInput
	in.Extensions = make(map[string]any)
	if ev, ok := payload[SectionEvent]; ok && ev != nil {
		m, ok := ev.(map[string]any)
		if !ok {
			return in, NewValidationError("context.event", "must be an object")
		}
		for k, v := range m {
			in.Extensions[k] = v
		}
	}
	for k, v := range payload {
		switch k {
		case SectionCustomer, SectionCart:
			if v == nil {
				continue
			}
			m, ok := v.(map[string]any)
			if !ok {
				return in, NewValidationError("context."+k, "must be an object")
			}
			if k == SectionCustomer {
				in.Customer = m
			} else {
				in.Cart = m
			}
		case SectionProducts:
			if v == nil {
				continue
			}
			list, ok := v.([]any)
			if !ok {
				return in, NewValidationError("context.products", "must be an array")
			}
			in.Products = list
		case SectionEvent:
		default:
			in.Extensions[k] = v
		}
	}
	return in, nil
}

// Clone 深拷贝上下文。
func (c *ExecutionContext) Clone() *ExecutionContext {
	return &ExecutionContext{
		DistributorID: c.DistributorID,
		Trigger:       c.Trigger,
		Customer:      copyMap(c.Customer),
		Cart:          copyMap(c.Cart),
		Products:      copySlice(c.Products),
		Extensions:    copyMap(c.Extensions),
	}
}

// Apply 把脚本返回的修改合并进上下文：
// customer / cart / event 做浅合并，products 整体替换，其他键报错。
// 先完整校验再写入，失败时上下文保持不变。
func (c *ExecutionContext) Apply(mutations map[string]any) error {
	if len(mutations) == 0 {
		return nil
	}
	keys := make([]string, 0, len(mutations))
	for k := range mutations {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		switch k {
		case SectionCustomer, SectionCart, SectionEvent:
			if _, ok := mutations[k].(map[string]any); !ok {
				return fmt.Errorf("set.%s must be a map, got %T", k, mutations[k])
			}
		case SectionProducts:
			if _, ok := mutations[k].([]any); !ok {
				return fmt.Errorf("set.products must be a list, got %T", mutations[k])
			}
		default:
			return fmt.Errorf("set.%s is not a writable context section", k)
		}
	}

	for _, k := range keys {
		switch k {
		case SectionCustomer:
			mergeInto(c.Customer, mutations[k].(map[string]any))
		case SectionCart:
			mergeInto(c.Cart, mutations[k].(map[string]any))
		case SectionEvent:
			mergeInto(c.Extensions, mutations[k].(map[string]any))
		case SectionProducts:
			c.Products = copySlice(mutations[k].([]any))
		}
	}
	return nil
}

// Activation 返回脚本可见的变量表。
func (c *ExecutionContext) Activation() map[string]any {
	return map[string]any{
		SectionCustomer:  c.Customer,
		SectionCart:      c.Cart,
		SectionProducts:  c.Products,
		SectionEvent:     c.Extensions,
		"trigger":        string(c.Trigger),
		"distributor_id": c.DistributorID,
	}
}

// Payload 把上下文还原成 HTTP 响应使用的扁平结构。
func (c *ExecutionContext) Payload() map[string]any {
	out := make(map[string]any, len(c.Extensions)+3)
	for k, v := range c.Extensions {
		out[k] = v
	}
	out[SectionCustomer] = c.Customer
	out[SectionCart] = c.Cart
	out[SectionProducts] = c.Products
	return out
}

func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		dst[k] = deepcopy.Copy(v)
	}
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return deepcopy.Copy(m).(map[string]any)
}

func copySlice(s []any) []any {
	if s == nil {
		return []any{}
	}
	return deepcopy.Copy(s).([]any)
}
