package gcode

import (
	"bytes"
	"io"
)

func Parse(data string) ([]Block, error) {
	return ReadAll(NewParser(bytes.NewBufferString(data)))
}

// ParseReader parses a whole G-code program, e.g. an uploaded file.
func ParseReader(r io.Reader) ([]Block, error) {
	return ReadAll(NewParser(r))
}

func MustParse(data string) []Block {
	b, err := Parse(data)
	if err != nil {
		panic(err)
	}
	return b
}
