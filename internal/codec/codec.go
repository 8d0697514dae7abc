// Package codec is the JSON dialect of the stored site records: sorted map
// keys, two-space indentation, a trailing newline, and strict decoding.
package codec

import (
	json "github.com/json-iterator/go"
)

var api = json.Config{
	EscapeHTML:             false,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
	DisallowUnknownFields:  true,
}.Froze()

// Marshal encodes v as an indented document ending in a newline.
func Marshal(v interface{}) ([]byte, error) {
	data, err := api.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Unmarshal decodes data into v. Unknown fields and trailing data are errors.
func Unmarshal(data []byte, v interface{}) error {
	return api.Unmarshal(data, v)
}
