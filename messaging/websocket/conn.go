// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package websocket connects local runtimes to a cluster controller. The
// controller runs a Server; every runtime dials it with a Client and first
// announces its WebSocketClient address, after which messages flow both ways
// over the same connection.
package websocket

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const defaultWriteTimeout = 10 * time.Second

var (
	ErrClientNotConnected = errors.New("websocket client not connected")
	ErrInvalidInit        = errors.New("invalid websocket init message")
)

// conn serialises writes to a gorilla connection, which supports a single
// concurrent writer.
type conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	wmu       sync.Mutex
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, writeTimeout time.Duration) *conn {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &conn{ws: ws, writeTimeout: writeTimeout}
}

func (c *conn) write(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

func (c *conn) close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.ws.Close()
	})
	return err
}
