package conf

import (
	"time"
)

// Duration is a duration. It is unmarshaled from a string
// in time.ParseDuration format.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var in string
	err := unmarshal(&in)
	if err != nil {
		return err
	}

	du, err := time.ParseDuration(in)
	if err != nil {
		return err
	}
	*d = Duration(du)

	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) unmarshalEnv(s string) error {
	du, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(du)
	return nil
}
