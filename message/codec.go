// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/absmach/fluxrpc/address"
	"github.com/absmach/fluxrpc/internal/bufpool"
	"github.com/klauspost/compress/zstd"
)

type wireMessage struct {
	ID           string            `json:"msgId"`
	Type         Type              `json:"type"`
	From         string            `json:"from"`
	To           string            `json:"to"`
	ExpiryDateMs int64             `json:"expiryDate,omitempty"`
	ReplyTo      json.RawMessage   `json:"replyTo,omitempty"`
	Compressed   bool              `json:"compressed,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Payload      []byte            `json:"payload"`
}

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		panic("failed to create zstd encoder: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
	)
	if err != nil {
		panic("failed to create zstd decoder: " + err.Error())
	}
}

// Encode serialises a message for transports. The payload is zstd
// compressed when m.Compress is set.
func Encode(m *Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil message", ErrInvalidMessage)
	}

	w := wireMessage{
		ID:      m.ID,
		Type:    m.Type,
		From:    m.From,
		To:      m.To,
		Headers: m.CustomHeaders,
		Payload: m.Payload,
	}
	if !m.ExpiryDate.IsZero() {
		w.ExpiryDateMs = m.ExpiryDate.UnixMilli()
	}
	if m.ReplyTo != nil {
		replyTo, err := address.Marshal(m.ReplyTo)
		if err != nil {
			return nil, fmt.Errorf("failed to encode reply address: %w", err)
		}
		w.ReplyTo = replyTo
	}
	if m.Compress {
		w.Payload = zstdEncoder.EncodeAll(m.Payload, nil)
		w.Compressed = true
	}

	data, err := bufpool.Write(func(b *bytes.Buffer) error {
		if err := json.NewEncoder(b).Encode(w); err != nil {
			return err
		}
		// Encoder terminates every value with a newline.
		b.Truncate(b.Len() - 1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

// Decode parses a message produced by Encode.
func Decode(data []byte) (*Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if w.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}

	m := &Message{
		ID:            w.ID,
		Type:          w.Type,
		From:          w.From,
		To:            w.To,
		Compress:      w.Compressed,
		CustomHeaders: w.Headers,
		Payload:       w.Payload,
	}
	if w.ExpiryDateMs != 0 {
		m.ExpiryDate = time.UnixMilli(w.ExpiryDateMs)
	}
	if len(w.ReplyTo) > 0 {
		replyTo, err := address.Unmarshal(w.ReplyTo)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
		}
		m.ReplyTo = replyTo
	}
	if w.Compressed {
		payload, err := zstdDecoder.DecodeAll(w.Payload, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: decompression failed: %w", ErrInvalidMessage, err)
		}
		m.Payload = payload
	}
	return m, nil
}
