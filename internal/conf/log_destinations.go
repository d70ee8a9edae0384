package conf

import (
	"fmt"
	"strings"

	"github.com/kurogw/kurogw/internal/logger"
)

// LogDestinations is the logDestinations parameter.
type LogDestinations []logger.Destination

func (d *LogDestinations) unmarshal(in []string) error {
	*d = nil

	for _, v := range in {
		switch v {
		case "stdout":
			*d = append(*d, logger.DestinationStdout)

		case "file":
			*d = append(*d, logger.DestinationFile)

		default:
			return fmt.Errorf("invalid log destination: %s", v)
		}
	}

	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *LogDestinations) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var in []string
	err := unmarshal(&in)
	if err != nil {
		return err
	}

	return d.unmarshal(in)
}

func (d *LogDestinations) unmarshalEnv(s string) error {
	return d.unmarshal(strings.Split(s, ","))
}
