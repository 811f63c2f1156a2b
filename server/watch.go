package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wfunc/quizroom/logger"
	"github.com/wfunc/quizroom/network"
	"github.com/wfunc/quizroom/session"
)

// answerPacket MsgTypeSubmitAnswer 的数据部分；uid 为空时使用连接绑定的 uid
type answerPacket struct {
	UID    string `json:"uid"`
	Name   string `json:"name"`
	Answer string `json:"answer"`
}

// handleWatch 观战连接: 连接后先推送当前快照，之后每次变化推送一次
func (s *QuizServer) handleWatch(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	rm, err := s.engine.Poll(r.Context(), code)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Log.Infof("Failed to upgrade connection: %v", err)
		return
	}

	wsConn := network.NewWSConnection(conn)
	wsConn.SetHeartbeat(s.opts.WatchHeartbeat)
	sess := session.NewSession(wsConn, code, r.URL.Query().Get("uid"))

	snapshot, err := json.Marshal(rm)
	if err != nil {
		wsConn.Close()
		return
	}
	if err := sess.Send(network.MsgTypeRoomState, snapshot); err != nil {
		wsConn.Close()
		return
	}

	s.sessionManager.Add(sess)
	s.monitor.IncWatchers()
	logger.Log.Infof("Watcher %s from %s subscribed to room %s", sess.ID, wsConn.RemoteAddr(), code)

	defer func() {
		logger.Log.Infof("Watcher %s left room %s", sess.ID, code)
		s.sessionManager.Remove(sess.ID)
		s.monitor.DecWatchers()
		wsConn.Close()
	}()

	for {
		select {
		case <-s.shutdownChan:
			return
		default:
		}

		packet, err := wsConn.ReadPacket()
		if err != nil {
			return
		}
		sess.Touch()
		s.handlePacket(sess, packet)
	}
}

func (s *QuizServer) handlePacket(sess *session.Session, packet *network.Packet) {
	switch packet.MsgID {
	case network.MsgTypeHeartbeat:
		sess.Send(network.MsgTypeHeartbeat, nil)
	case network.MsgTypeSubmitAnswer:
		s.handleSubmitPacket(sess, packet)
	default:
		logger.Log.Debugf("Unknown message type %d from watcher %s", packet.MsgID, sess.ID)
	}
}

func (s *QuizServer) handleSubmitPacket(sess *session.Session, packet *network.Packet) {
	var req answerPacket
	if err := json.Unmarshal(packet.Data, &req); err != nil {
		s.sendError(sess, err)
		return
	}
	if req.UID == "" {
		req.UID = sess.UID
	}

	ctx, cancel := s.requestContext()
	defer cancel()

	res, err := s.engine.Submit(ctx, sess.RoomCode, req.UID, req.Name, req.Answer)
	if err != nil {
		s.sendError(sess, err)
		return
	}

	data, _ := json.Marshal(res)
	sess.Send(network.MsgTypeSubmitAnswer, data)
	if res.Correct {
		s.pushRoomState(ctx, sess.RoomCode)
	}
}

func (s *QuizServer) sendError(sess *session.Session, err error) {
	data, _ := json.Marshal(errorResponse{Error: err.Error()})
	sess.Send(network.MsgTypeError, data)
}
