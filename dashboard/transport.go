package dashboard

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/kegwatch/common"
	"github.com/gorilla/websocket"
)

// Conn one established live channel connection
type Conn interface {
	// ReadMessage block until the next inbound message
	ReadMessage() ([]byte, error)
	// WriteMessage send one message
	WriteMessage(payload []byte) error
	// Close tear down the connection. Unblocks ReadMessage.
	Close() error
}

// Transport dials the live channel
type Transport interface {
	// Dial establish a new connection. The handshake must respect ctxt.
	Dial(ctxt context.Context) (Conn, error)
}

// ============================================================================

const wsWriteTimeout = 10 * time.Second

// websocketTransport Transport over gorilla websocket
type websocketTransport struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
}

// GetWebsocketTransport define a websocket transport for the live channel at url
func GetWebsocketTransport(url string, header http.Header) (Transport, error) {
	if url == "" {
		return nil, fmt.Errorf("live channel URL not set")
	}
	return &websocketTransport{
		url:    url,
		header: header,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 45 * time.Second,
		},
	}, nil
}

// Dial connect to the live channel
func (t *websocketTransport) Dial(ctxt context.Context) (Conn, error) {
	wc, resp, err := t.dialer.DialContext(ctxt, t.url, t.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: handshake failed with %d: %s", common.ErrTransportFailure, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("%w: %s", common.ErrTransportFailure, err)
	}
	return &websocketConn{wc: wc}, nil
}

// websocketConn Conn over gorilla websocket
type websocketConn struct {
	wc        *websocket.Conn
	writeLock sync.Mutex
}

func (c *websocketConn) ReadMessage() ([]byte, error) {
	for {
		op, payload, err := c.wc.ReadMessage()
		if err != nil {
			return nil, err
		}
		if op == websocket.TextMessage {
			return payload, nil
		}
	}
}

func (c *websocketConn) WriteMessage(payload []byte) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	if err := c.wc.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return c.wc.WriteMessage(websocket.TextMessage, payload)
}

func (c *websocketConn) Close() error {
	c.writeLock.Lock()
	_ = c.wc.SetWriteDeadline(time.Now().Add(time.Second))
	_ = c.wc.WriteMessage(
		websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	c.writeLock.Unlock()
	return c.wc.Close()
}
