package refract

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// wireConn carries envelopes over a transport. Two implementations: newline
// delimited JSON over a stream socket, and one JSON document per text frame
// over a websocket. Writes apply a short deadline so a dead peer cannot stall
// the broadcaster's fan-out; reads block until the peer sends.
type wireConn interface {
	ReadEnvelope() (*Envelope, error)
	WriteEnvelope(envelope *Envelope, timeout time.Duration) error
	RemoteAddr() net.Addr
	Close() error
}

type streamWire struct {
	conn   net.Conn
	reader *bufio.Reader
}

func newStreamWire(conn net.Conn) *streamWire {
	return &streamWire{
		conn:   conn,
		reader: bufio.NewReader(conn),
	}
}

func (self *streamWire) ReadEnvelope() (*Envelope, error) {
	line, err := self.reader.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	if MaxMessageSize < len(line) {
		return nil, fmt.Errorf("message exceeds %d bytes", MaxMessageSize)
	}
	envelope := &Envelope{}
	if err := json.Unmarshal(line, envelope); err != nil {
		return nil, err
	}
	if envelope.Type == "" {
		return nil, fmt.Errorf("message missing type tag")
	}
	return envelope, nil
}

func (self *streamWire) WriteEnvelope(envelope *Envelope, timeout time.Duration) error {
	message, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	message = append(message, '\n')
	if 0 < timeout {
		self.conn.SetWriteDeadline(time.Now().Add(timeout))
		defer self.conn.SetWriteDeadline(time.Time{})
	}
	_, err = self.conn.Write(message)
	return err
}

func (self *streamWire) RemoteAddr() net.Addr {
	return self.conn.RemoteAddr()
}

func (self *streamWire) Close() error {
	return self.conn.Close()
}

type wsWire struct {
	ws *websocket.Conn
}

func newWsWire(ws *websocket.Conn) *wsWire {
	ws.SetReadLimit(MaxMessageSize)
	return &wsWire{
		ws: ws,
	}
}

func (self *wsWire) ReadEnvelope() (*Envelope, error) {
	for {
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			if len(message) == 0 {
				// ping
				continue
			}
			envelope := &Envelope{}
			if err := json.Unmarshal(message, envelope); err != nil {
				return nil, err
			}
			if envelope.Type == "" {
				return nil, fmt.Errorf("message missing type tag")
			}
			return envelope, nil
		default:
			continue
		}
	}
}

func (self *wsWire) WriteEnvelope(envelope *Envelope, timeout time.Duration) error {
	message, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	if 0 < timeout {
		self.ws.SetWriteDeadline(time.Now().Add(timeout))
	}
	return self.ws.WriteMessage(websocket.TextMessage, message)
}

func (self *wsWire) RemoteAddr() net.Addr {
	return self.ws.RemoteAddr()
}

func (self *wsWire) Close() error {
	return self.ws.Close()
}
