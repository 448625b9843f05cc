package speech

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// vendorConn 一次识别或合成交换使用的上游连接，每次交换独占一条，不跨会话复用。
type vendorConn struct {
	*websocket.Conn
	connectID string
	timeout   time.Duration
}

// dialVendor 带重试地建立连接。只重试网络瞬时故障和 5xx，握手被拒绝（4xx）或其他错误直接返回。
func dialVendor(ctx context.Context, cfg Config, url, resourceID string) (*vendorConn, error) {
	appKey, accessKey, err := cfg.credentials()
	if err != nil {
		return nil, err
	}

	connectID := uuid.NewString()
	header := http.Header{}
	header.Set("X-Api-App-Key", appKey)
	header.Set("X-Api-Access-Key", accessKey)
	header.Set("X-Api-Resource-Id", resourceID)
	header.Set("X-Api-Connect-Id", connectID)

	dialer := &websocket.Dialer{HandshakeTimeout: cfg.Timeout}

	var lastErr error
	for attempt := 1; attempt <= cfg.DialAttempts; attempt++ {
		conn, resp, err := dialer.DialContext(ctx, url, header)
		if err == nil {
			if logid := resp.Header.Get("X-Tt-Logid"); logid != "" {
				log.Printf("[speech] connected resource=%s logid=%s", resourceID, logid)
			}
			return &vendorConn{Conn: conn, connectID: connectID, timeout: cfg.Timeout}, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, fmt.Errorf("handshake rejected with status %d: %w", resp.StatusCode, err)
		}
		if !isRetryableDialError(err, resp) {
			return nil, fmt.Errorf("dial %s: %w", url, err)
		}
		if attempt == cfg.DialAttempts {
			break
		}

		log.Printf("[speech] dial %s failed (attempt %d/%d): %v", url, attempt, cfg.DialAttempts, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * cfg.DialBackoff):
		}
	}

	return nil, fmt.Errorf("failed to connect after %d attempts, last error: %w", cfg.DialAttempts, lastErr)
}

func (c *vendorConn) writeFrame(f *Frame) error {
	if err := c.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return err
	}
	return c.WriteMessage(websocket.BinaryMessage, f.Encode())
}

func (c *vendorConn) readFrame() (*Frame, error) {
	if err := c.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, err
	}
	_, data, err := c.ReadMessage()
	if err != nil {
		return nil, err
	}
	return DecodeFrame(data)
}

// isRetryableDialError 判断拨号失败是否属于网络瞬时故障或上游 5xx。
func isRetryableDialError(err error, resp *http.Response) bool {
	if err == nil {
		return false
	}
	if resp != nil && resp.StatusCode >= 500 {
		return true
	}
	if websocket.IsCloseError(err, websocket.CloseAbnormalClosure, websocket.CloseGoingAway, websocket.CloseTryAgainLater) {
		return true
	}
	if errors.Is(err, net.ErrClosed) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
