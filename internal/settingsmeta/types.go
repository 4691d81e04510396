package settingsmeta

import "fmt"

// InputType selects how a setting is edited and validated
type InputType string

const (
	InputNumber          InputType = "number"
	InputDuration        InputType = "duration"
	InputPercentage      InputType = "percentage"
	InputSelect          InputType = "select"
	InputText            InputType = "text"
	InputBoolean         InputType = "boolean"
	InputSecret          InputType = "secret"
	InputTokenSymbolList InputType = "tokenSymbolList"
	InputTokenList       InputType = "tokenList"
)

// Valid reports whether t is a known input type
func (t InputType) Valid() bool {
	switch t {
	case InputNumber, InputDuration, InputPercentage, InputSelect, InputText,
		InputBoolean, InputSecret, InputTokenSymbolList, InputTokenList:
		return true
	}
	return false
}

// Numeric reports whether values of this type are integers
func (t InputType) Numeric() bool {
	return t == InputNumber || t == InputDuration || t == InputPercentage
}

// Preset is a named value offered by select and number inputs
type Preset struct {
	Label string `yaml:"label" json:"label"`
	Value string `yaml:"value" json:"value"`
}

// Threshold describes an advisory warning bound.
// Above and Below are exclusive: a value equal to the bound does not warn.
type Threshold struct {
	Above   *int64 `yaml:"above,omitempty" json:"above,omitempty"`
	Below   *int64 `yaml:"below,omitempty" json:"below,omitempty"`
	Message string `yaml:"message" json:"message"`
}

// Meta is the static display and validation metadata for one setting key
type Meta struct {
	Key              string     `yaml:"key" json:"key"`
	Label            string     `yaml:"label" json:"label"`
	Description      string     `yaml:"description" json:"description"`
	InputType        InputType  `yaml:"inputType" json:"inputType"`
	Presets          []Preset   `yaml:"presets,omitempty" json:"presets,omitempty"`
	Min              *float64   `yaml:"min,omitempty" json:"min,omitempty"`
	Max              *float64   `yaml:"max,omitempty" json:"max,omitempty"`
	Step             *float64   `yaml:"step,omitempty" json:"step,omitempty"`
	Unit             string     `yaml:"unit,omitempty" json:"unit,omitempty"`
	Multiline        bool       `yaml:"multiline,omitempty" json:"multiline,omitempty"`
	Placeholder      string     `yaml:"placeholder,omitempty" json:"placeholder,omitempty"`
	WarningThreshold *Threshold `yaml:"warningThreshold,omitempty" json:"warningThreshold,omitempty"`
}

func (m *Meta) validate() error {
	if m.Key == "" {
		return fmt.Errorf("metadata entry missing key")
	}
	if !m.InputType.Valid() {
		return fmt.Errorf("setting %s: unknown input type %q", m.Key, m.InputType)
	}
	if m.Min != nil && m.Max != nil && *m.Min > *m.Max {
		return fmt.Errorf("setting %s: min %v greater than max %v", m.Key, *m.Min, *m.Max)
	}
	if t := m.WarningThreshold; t != nil {
		if t.Above == nil && t.Below == nil {
			return fmt.Errorf("setting %s: warning threshold needs above or below", m.Key)
		}
		if t.Message == "" {
			return fmt.Errorf("setting %s: warning threshold needs a message", m.Key)
		}
	}
	return nil
}
