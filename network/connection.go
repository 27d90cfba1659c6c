package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const headerSize = 4

// ErrPayloadTooLarge is returned when a body does not fit the 16-bit length field.
var ErrPayloadTooLarge = errors.New("network: payload exceeds 65535 bytes")

type Packet struct {
	MsgID  uint16
	Data   []byte
	Length uint16
}

type Connection interface {
	Send(msgID uint16, data []byte) error
	Close() error
	RemoteAddr() net.Addr
	SetHeartbeat(interval time.Duration)
	ReadPacket() (*Packet, error)
}

// EncodePacket frames data as msgID(2) | length(2) | data, big endian.
func EncodePacket(msgID uint16, data []byte) ([]byte, error) {
	if len(data) > math.MaxUint16 {
		return nil, ErrPayloadTooLarge
	}
	buf := make([]byte, headerSize+len(data))
	binary.BigEndian.PutUint16(buf[0:2], msgID)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(data)))
	copy(buf[headerSize:], data)
	return buf, nil
}

// DecodePacket parses one frame. Bytes past the declared length are ignored.
func DecodePacket(frame []byte) (*Packet, error) {
	if len(frame) < headerSize {
		return nil, io.ErrShortBuffer
	}
	msgID := binary.BigEndian.Uint16(frame[0:2])
	length := binary.BigEndian.Uint16(frame[2:4])
	if len(frame) < headerSize+int(length) {
		return nil, fmt.Errorf("packet %d declares %d bytes, got %d: %w",
			msgID, length, len(frame)-headerSize, io.ErrShortBuffer)
	}
	return &Packet{
		MsgID:  msgID,
		Length: length,
		Data:   frame[headerSize : headerSize+int(length)],
	}, nil
}

type WSConnection struct {
	conn      *websocket.Conn
	sendMutex sync.Mutex
	heartbeat time.Duration
}

func NewWSConnection(conn *websocket.Conn) *WSConnection {
	return &WSConnection{conn: conn}
}

func (c *WSConnection) Send(msgID uint16, data []byte) error {
	frame, err := EncodePacket(msgID, data)
	if err != nil {
		return err
	}

	c.sendMutex.Lock()
	defer c.sendMutex.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// ReadPacket blocks for the next binary frame. Every frame received pushes
// the heartbeat deadline forward.
func (c *WSConnection) ReadPacket() (*Packet, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if c.heartbeat > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.heartbeat * 2))
	}
	return DecodePacket(data)
}

// SetHeartbeat drops the connection if nothing arrives within two intervals.
func (c *WSConnection) SetHeartbeat(interval time.Duration) {
	c.heartbeat = interval
	_ = c.conn.SetReadDeadline(time.Now().Add(interval * 2))
}

func (c *WSConnection) Close() error {
	return c.conn.Close()
}

func (c *WSConnection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
