// 包 renderer：专题图层的符号化描述与构建；纯函数，不触碰地图引擎
package renderer

import (
	"errors"
	"fmt"
)

// Color：RGBA 颜色，A 为 0~1 的不透明度
type Color struct {
	R uint8   `json:"r"`
	G uint8   `json:"g"`
	B uint8   `json:"b"`
	A float64 `json:"a"`
}

// RGBA 便捷构造
func RGBA(r, g, b uint8, a float64) Color { return Color{R: r, G: g, B: b, A: a} }

func (c Color) String() string { return fmt.Sprintf("rgba(%d,%d,%d,%.2f)", c.R, c.G, c.B, c.A) }

// Slot：规则的用途槽位；同一份 Spec 中每个槽位至多一条规则
type Slot string

const (
	SlotHover Slot = "hover"
	SlotUser  Slot = "user"
)

const SymbolSimpleFill = "simple-fill"

// Symbol：面要素符号
type Symbol struct {
	Type         string  `json:"type"`
	Fill         Color   `json:"fill"`
	Outline      Color   `json:"outline"`
	OutlineWidth float64 `json:"outlineWidth"`
}

// Rule：唯一值规则，字段取值相等时使用该符号
type Rule struct {
	Field  string `json:"field"`
	Value  string `json:"value"`
	Symbol Symbol `json:"symbol"`
	Slot   Slot   `json:"slot,omitempty"`
}

// 文档注释：渲染器描述
// 背景：规则按顺序求值，首个命中者生效；未命中时使用默认符号。
// 约束：视为不可变值，每次高亮变化整体重建后替换到图层，不在原地修改。
type Spec struct {
	Default Symbol `json:"default"`
	Rules   []Rule `json:"rules"`
}

// Highlight：一次高亮请求（字段、取值、填充与描边）
type Highlight struct {
	Field   string
	Value   string
	Fill    Color
	Outline Color
	Slot    Slot
}

var ErrDuplicateSlot = errors.New("renderer: duplicate slot rule")

// 默认图层符号：半透明填充与细描边
func DefaultSpec() Spec {
	return Spec{Default: Symbol{
		Type:         SymbolSimpleFill,
		Fill:         RGBA(0, 122, 194, 0.25),
		Outline:      RGBA(255, 255, 255, 1),
		OutlineWidth: 1,
	}}
}

// 文档注释：构建渲染器
// 背景：默认符号沿用 base，规则严格等于传入高亮且保持顺序；首个命中生效，顺序决定重叠时谁胜出。
// 约束：纯函数；返回的 Rules 为新切片，不与 base 共享底层数组。
func Build(base Spec, hs []Highlight) Spec {
	out := Spec{Default: base.Default, Rules: make([]Rule, 0, len(hs))}
	for _, h := range hs {
		out.Rules = append(out.Rules, Rule{
			Field: h.Field,
			Value: h.Value,
			Slot:  h.Slot,
			Symbol: Symbol{
				Type:         SymbolSimpleFill,
				Fill:         h.Fill,
				Outline:      h.Outline,
				OutlineWidth: base.Default.OutlineWidth,
			},
		})
	}
	return out
}

// Compose：悬停规则在前，用户所在区域规则在后；任一为 nil 时跳过
func Compose(hover, user *Highlight) []Highlight {
	var hs []Highlight
	if hover != nil {
		h := *hover
		h.Slot = SlotHover
		hs = append(hs, h)
	}
	if user != nil {
		u := *user
		u.Slot = SlotUser
		hs = append(hs, u)
	}
	return hs
}

// match：按规则顺序求值，返回首个命中的符号
func (s Spec) match(attrs map[string]any) Symbol {
	for _, r := range s.Rules {
		if v, ok := attrs[r.Field]; ok && fmt.Sprint(v) == r.Value {
			return r.Symbol
		}
	}
	return s.Default
}

// WithOutline：仅替换默认符号的描边颜色，规则原样保留
func (s Spec) WithOutline(c Color) Spec {
	out := Spec{Default: s.Default, Rules: append([]Rule(nil), s.Rules...)}
	out.Default.Outline = c
	return out
}

// Validate：每个槽位至多一条规则
func (s Spec) Validate() error {
	seen := map[Slot]bool{}
	for _, r := range s.Rules {
		if r.Slot == "" {
			continue
		}
		if seen[r.Slot] {
			return fmt.Errorf("%w: %s", ErrDuplicateSlot, r.Slot)
		}
		seen[r.Slot] = true
	}
	return nil
}

// RuleFor：返回指定槽位的规则
func (s Spec) RuleFor(slot Slot) (Rule, bool) {
	for _, r := range s.Rules {
		if r.Slot == slot {
			return r, true
		}
	}
	return Rule{}, false
}
