package config

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration 允许在配置文件中书写 "1.5s"、"10m" 等形式，纯数字按秒解释。
type Duration struct {
	time.Duration
}

// UnmarshalJSON 实现 json.Unmarshaler。
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return d.set(raw)
}

// MarshalJSON 实现 json.Marshaler。
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalYAML 实现 yaml.Unmarshaler。
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	return d.set(raw)
}

func (d *Duration) set(raw any) error {
	switch v := raw.(type) {
	case nil:
		d.Duration = 0
	case float64:
		d.Duration = time.Duration(v * float64(time.Second))
	case int:
		d.Duration = time.Duration(v) * time.Second
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("无效的时长 %q: %w", v, err)
		}
		d.Duration = parsed
	default:
		return fmt.Errorf("无效的时长类型 %T", raw)
	}
	return nil
}

func seconds(n int) Duration {
	return Duration{time.Duration(n) * time.Second}
}

// clampDuration 把负的时长归零。
func clampDuration(d *Duration) {
	if d.Duration < 0 {
		d.Duration = 0
	}
}
