package transport

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zimagi/zimagi-sub000/internal/message"
)

// EncodePacket renders m and encrypts it into one wire line (no newline).
func EncodePacket(c Cipher, m message.Message) ([]byte, error) {
	raw, err := json.Marshal(m.Render())
	if err != nil {
		return nil, fmt.Errorf("transport: encode %s packet: %w", m.Type, err)
	}
	enc, err := c.Encrypt(raw)
	if err != nil {
		return nil, err
	}
	return []byte(enc), nil
}

// DecodePacket reverses EncodePacket.
func DecodePacket(c Cipher, line []byte) (message.Message, error) {
	raw, err := c.Decrypt(strings.TrimSpace(string(line)))
	if err != nil {
		return message.Message{}, err
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return message.Message{}, fmt.Errorf("transport: decode packet: %w", err)
	}
	return message.FromMap(fields)
}

func encryptJSON(c Cipher, v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("transport: encode params: %w", err)
	}
	return c.Encrypt(raw)
}

func decryptJSON(c Cipher, encoded string, out any) error {
	raw, err := c.Decrypt(encoded)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("transport: decode params: %w", err)
	}
	return nil
}
