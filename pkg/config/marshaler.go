package config

import (
	"github.com/dustin/go-humanize"
)

// BytesString is a byte count configured as a human-readable string, e.g.
// "30MiB".
type BytesString uint64

func (b BytesString) Uint64() uint64 {
	return uint64(b)
}

func (b *BytesString) Decode(value string) error {
	decoded, err := humanize.ParseBytes(value)
	if err != nil {
		return err
	}
	*b = BytesString(decoded)
	return nil
}

func (b *BytesString) UnmarshalText(text []byte) error {
	return b.Decode(string(text))
}

func (b *BytesString) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return b.Decode(s)
}

func (b BytesString) MarshalYAML() (interface{}, error) {
	return humanize.Bytes(uint64(b)), nil
}
