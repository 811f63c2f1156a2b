// broadcast/broadcast.go
package broadcast

import (
	"encoding/json"

	"github.com/wfunc/quizroom/logger"
	"github.com/wfunc/quizroom/session"
)

// Broadcaster 广播接口
type Broadcaster interface {
	BroadcastToRoom(code string, msgID uint16, data []byte) int
	BroadcastJSON(code string, msgID uint16, v interface{}) (int, error)
}

// RoomBroadcaster 基于房间的广播器
type RoomBroadcaster struct {
	sessionManager *session.Manager
}

func NewRoomBroadcaster(sessionManager *session.Manager) *RoomBroadcaster {
	return &RoomBroadcaster{sessionManager: sessionManager}
}

// BroadcastToRoom 发送给房间内所有连接，发送失败的连接被关闭并移除。返回成功数
func (b *RoomBroadcaster) BroadcastToRoom(code string, msgID uint16, data []byte) int {
	delivered := 0
	for _, s := range b.sessionManager.ByRoom(code) {
		if err := s.Send(msgID, data); err != nil {
			logger.Log.Debugf("Dropping watcher %s of room %s: %v", s.ID, code, err)
			b.sessionManager.Remove(s.ID)
			s.Close()
			continue
		}
		delivered++
	}
	return delivered
}

func (b *RoomBroadcaster) BroadcastJSON(code string, msgID uint16, v interface{}) (int, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	return b.BroadcastToRoom(code, msgID, data), nil
}
