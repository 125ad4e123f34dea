// Package payload maps command numbers to the bytes written to the command target.
package payload

import "fmt"

// Encoder converts a command number to a write payload
type Encoder interface {
	Name() string
	Encode(n int) ([]byte, error)
}

// MaxByteCommand is the largest command ByteEncoder can represent
const MaxByteCommand = 255

// ByteEncoder writes the command number as a single byte
type ByteEncoder struct{}

func (ByteEncoder) Name() string { return "byte" }

func (ByteEncoder) Encode(n int) ([]byte, error) {
	if n < 0 || n > MaxByteCommand {
		return nil, fmt.Errorf("command %d does not fit in a single byte", n)
	}
	return []byte{byte(n)}, nil
}
