package callbridge

import (
	"fmt"
	"sync"

	"github.com/bt-bridge/callbridge/audio"
	"github.com/gorilla/websocket"
)

// MediaConn is the bidirectional media-stream connection a call session
// owns. Reads deliver decoded frames; writes are serialized so concurrent
// playback and control frames never interleave mid-message.
type MediaConn interface {
	ReadFrame() (*audio.Frame, error)
	WriteMedia(chunk []byte) error
	WriteMark(name string) error
	WriteClear() error
	StreamSID() string
	setStreamSID(sid string)
	Close() error
}

// wsConn adapts a gorilla websocket connection to MediaConn.
type wsConn struct {
	ws *websocket.Conn

	mu        sync.RWMutex
	streamSID string

	writeMu   sync.Mutex
	closeOnce sync.Once
}

var _ MediaConn = (*wsConn)(nil)

// NewMediaConn wraps an upgraded media-stream websocket.
func NewMediaConn(ws *websocket.Conn) MediaConn {
	return &wsConn{ws: ws}
}

// ReadFrame reads and decodes the next frame. A malformed frame surfaces as
// shared.ErrMalformedFrame so the caller can drop it and keep reading; any
// other error means the connection is gone.
func (c *wsConn) ReadFrame() (*audio.Frame, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("reading transport frame: %w", err)
	}
	f, err := audio.Decode(data)
	if err != nil {
		return nil, err
	}
	if f.Event == audio.EventStart && f.Start != nil {
		c.setStreamSID(f.Start.StreamSID)
	}
	return f, nil
}

func (c *wsConn) WriteMedia(chunk []byte) error {
	raw, err := audio.EncodeMedia(c.StreamSID(), chunk)
	if err != nil {
		return err
	}
	return c.write(raw)
}

func (c *wsConn) WriteMark(name string) error {
	raw, err := audio.EncodeMark(c.StreamSID(), name)
	if err != nil {
		return err
	}
	return c.write(raw)
}

func (c *wsConn) WriteClear() error {
	raw, err := audio.EncodeClear(c.StreamSID())
	if err != nil {
		return err
	}
	return c.write(raw)
}

func (c *wsConn) write(raw []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("writing transport frame: %w", err)
	}
	return nil
}

func (c *wsConn) StreamSID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.streamSID
}

func (c *wsConn) setStreamSID(sid string) {
	c.mu.Lock()
	c.streamSID = sid
	c.mu.Unlock()
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.ws.Close()
	})
	return err
}
