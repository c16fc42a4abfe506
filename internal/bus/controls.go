package bus

import "subregion-map/internal/renderer"

// Signal：控件变更事件（底图选择、透明度、描边颜色、弹窗开关之一）
type Signal interface {
	Kind() string
}

type BasemapSelected struct{ Name string }
type OpacityChanged struct{ Value float64 }
type OutlineColorChanged struct{ Color renderer.Color }
type PopupToggled struct{ Enabled bool }

func (BasemapSelected) Kind() string     { return "basemap" }
func (OpacityChanged) Kind() string      { return "opacity" }
func (OutlineColorChanged) Kind() string { return "outline" }
func (PopupToggled) Kind() string        { return "popup" }

// 文档注释：具名控件通道集合
// 背景：对应宿主 UI 的四个广播通道；每次用户操作发布一次。
type Controls struct {
	Basemap *Topic[string]
	Opacity *Topic[float64]
	Outline *Topic[renderer.Color]
	Popup   *Topic[bool]
}

func NewControls() *Controls {
	return &Controls{
		Basemap: NewTopic[string](),
		Opacity: NewTopic[float64](),
		Outline: NewTopic[renderer.Color](),
		Popup:   NewTopic[bool](),
	}
}

// Publish：按事件类型路由到对应通道；未知类型返回 false
func (c *Controls) Publish(sig Signal) bool {
	switch s := sig.(type) {
	case BasemapSelected:
		c.Basemap.Publish(s.Name)
	case OpacityChanged:
		c.Opacity.Publish(s.Value)
	case OutlineColorChanged:
		c.Outline.Publish(s.Color)
	case PopupToggled:
		c.Popup.Publish(s.Enabled)
	default:
		return false
	}
	return true
}

func (c *Controls) Close() {
	c.Basemap.Close()
	c.Opacity.Close()
	c.Outline.Close()
	c.Popup.Close()
}
