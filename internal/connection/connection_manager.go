package connection

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/life-stream-dev/mqtt-session-core/internal/logger"
)

// ConnectionManager 连接管理器. It tracks live connections so shutdown can
// close them.
type ConnectionManager struct {
	connections sync.Map
	count       atomic.Int64
}

func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{}
}

// AddConnection 添加连接
func (cm *ConnectionManager) AddConnection(conn *Connection) {
	if _, loaded := cm.connections.LoadOrStore(conn.ID(), conn); !loaded {
		cm.count.Add(1)
	}
	logger.DebugF("[%s] Connection from %s registered", conn.ID(), conn.RemoteAddr())
}

// RemoveConnection 移除连接
func (cm *ConnectionManager) RemoveConnection(conn *Connection) {
	if _, loaded := cm.connections.LoadAndDelete(conn.ID()); loaded {
		cm.count.Add(-1)
	}
}

// GetConnection 获取连接
func (cm *ConnectionManager) GetConnection(connID string) (*Connection, bool) {
	if value, ok := cm.connections.Load(connID); ok {
		return value.(*Connection), true
	}
	return nil, false
}

func (cm *ConnectionManager) Count() int {
	return int(cm.count.Load())
}

// CloseAll closes every tracked connection. It stops early when ctx ends.
func (cm *ConnectionManager) CloseAll(ctx context.Context) error {
	var err error
	cm.connections.Range(func(_, value any) bool {
		if ctx.Err() != nil {
			err = ctx.Err()
			return false
		}
		conn := value.(*Connection)
		if cerr := conn.Close(); cerr != nil {
			logger.WarnF("[%s] Error occured while closing connection, details: %v", conn.ID(), cerr)
		}
		return true
	})
	return err
}

func IsNetClosedError(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	ok := errors.As(err, &opErr)
	return ok && opErr.Timeout()
}

func HandleReadError(connID string, err error) {
	switch {
	case errors.Is(err, io.EOF):
		logger.InfoF("[%s] Client close connection", connID)
	case os.IsTimeout(err):
		logger.WarnF("[%s] Reading timeout", connID)
	case IsNetClosedError(err):
		logger.DebugF("[%s] Connection closed by server", connID)
	default:
		logger.ErrorF("[%s] Error occured while reading packet, details: %v", connID, err)
	}
}
