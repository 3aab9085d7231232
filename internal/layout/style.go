package layout

// FontWeight is the text weight
type FontWeight string

const (
	FontWeightNormal FontWeight = "normal"
	FontWeightBold   FontWeight = "bold"
)

// FontStyle is the text slant
type FontStyle string

const (
	FontStyleNormal FontStyle = "normal"
	FontStyleItalic FontStyle = "italic"
)

// TextDecoration is the text decoration line
type TextDecoration string

const (
	TextDecorationNone      TextDecoration = "none"
	TextDecorationUnderline TextDecoration = "underline"
)

// TextAlign is the horizontal text alignment
type TextAlign string

const (
	TextAlignLeft   TextAlign = "left"
	TextAlignCenter TextAlign = "center"
	TextAlignRight  TextAlign = "right"
)

// TextStyle holds the typographic settings of an element.
// Zero values mean "unset" so a partial style can be merged over defaults.
type TextStyle struct {
	FontSize       float64        `json:"fontSize,omitempty"`
	FontFamily     string         `json:"fontFamily,omitempty" validate:"omitempty,max=64,excludesall=<>\"=;:&{}\\"`
	Color          string         `json:"color,omitempty" validate:"omitempty,max=64,excludesall=<>\"=;:&{}\\"`
	FontWeight     FontWeight     `json:"fontWeight,omitempty" validate:"omitempty,max=64,excludesall=<>\"=;:&{}\\"`
	FontStyle      FontStyle      `json:"fontStyle,omitempty" validate:"omitempty,max=64,excludesall=<>\"=;:&{}\\"`
	TextDecoration TextDecoration `json:"textDecoration,omitempty" validate:"omitempty,max=64,excludesall=<>\"=;:&{}\\"`
	TextAlign      TextAlign      `json:"textAlign,omitempty" validate:"omitempty,oneof=left center right"`
	LineHeight     float64        `json:"lineHeight,omitempty"`
}

// DefaultTextStyle is the style every element starts from
var DefaultTextStyle = TextStyle{
	FontSize:       14,
	FontFamily:     "Arial",
	Color:          "#000000",
	FontWeight:     FontWeightNormal,
	FontStyle:      FontStyleNormal,
	TextDecoration: TextDecorationNone,
	TextAlign:      TextAlignLeft,
	LineHeight:     1.2,
}

// Merge returns base with every set field of override applied on top
func (base TextStyle) Merge(override TextStyle) TextStyle {
	out := base
	if override.FontSize != 0 {
		out.FontSize = override.FontSize
	}
	if override.FontFamily != "" {
		out.FontFamily = override.FontFamily
	}
	if override.Color != "" {
		out.Color = override.Color
	}
	if override.FontWeight != "" {
		out.FontWeight = override.FontWeight
	}
	if override.FontStyle != "" {
		out.FontStyle = override.FontStyle
	}
	if override.TextDecoration != "" {
		out.TextDecoration = override.TextDecoration
	}
	if override.TextAlign != "" {
		out.TextAlign = override.TextAlign
	}
	if override.LineHeight != 0 {
		out.LineHeight = override.LineHeight
	}
	return out
}

// Effective returns the element style merged over DefaultTextStyle
func (e Element) Effective() TextStyle {
	return DefaultTextStyle.Merge(e.Style)
}
