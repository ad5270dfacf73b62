package logarchive

import (
	"encoding/json"
	"fmt"

	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// Format is the compression applied to rotated log files.
type Format string

const (
	Gz  Format = "gz"
	Zst Format = "zst"
)

var formatToString = map[Format]string{
	Gz:  "gz",
	Zst: "zst",
}

var stringToFormat map[string]Format

func init() {
	stringToFormat = util.InvertMap(formatToString)
}

func (f Format) String() string {
	if str, ok := formatToString[f]; ok {
		return str
	}
	return fmt.Sprintf("unknown_archive_format(%s)", string(f))
}

// Extension returns the file extension for archives in this format.
func (f Format) Extension() string {
	return "." + f.String()
}

func ParseFormat(s string) (Format, error) {
	if format, ok := stringToFormat[s]; ok {
		return format, nil
	}
	return "", fmt.Errorf("invalid archive format: %q. Must be 'gz' or 'zst'", s)
}

// MarshalJSON implements the json.Marshaler interface for Format.
func (f Format) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for Format.
func (f *Format) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("archive format should be a string, got %s", data)
	}
	format, err := ParseFormat(s)
	if err != nil {
		return err
	}
	*f = format
	return nil
}
