package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wfunc/quizroom/models"
	"github.com/wfunc/quizroom/room"
)

// gameRequest 请求体，REST 与 /api/game 共用
type gameRequest struct {
	Action string `json:"action"`
	Code   string `json:"code"`
	UID    string `json:"uid"`
	Name   string `json:"name"`
	Answer string `json:"answer"`
}

func decodeRequest(r *http.Request) (gameRequest, error) {
	var req gameRequest
	if r.Body == nil {
		return req, nil
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return req, fmt.Errorf("%w: malformed JSON body: %v", room.ErrInvalidArgument, err)
	}
	return req, nil
}

func (s *QuizServer) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.engine.Create(r.Context(), req.Code, req.UID, req.Name); err != nil {
		writeError(w, err)
		return
	}
	s.pushRoomState(r.Context(), req.Code)
	writeSuccess(w)
}

func (s *QuizServer) handleJoinRoom(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	code := chi.URLParam(r, "code")
	if err := s.engine.Join(r.Context(), code, req.UID, req.Name); err != nil {
		writeError(w, err)
		return
	}
	s.pushRoomState(r.Context(), code)
	writeSuccess(w)
}

func (s *QuizServer) handleStartRound(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if err := s.engine.Start(r.Context(), code); err != nil {
		writeError(w, err)
		return
	}
	s.pushRoomState(r.Context(), code)
	writeSuccess(w)
}

func (s *QuizServer) handleSubmitAnswer(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	code := chi.URLParam(r, "code")
	res, err := s.engine.Submit(r.Context(), code, req.UID, req.Name, req.Answer)
	if err != nil {
		writeError(w, err)
		return
	}
	if res.Correct {
		s.pushRoomState(r.Context(), code)
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *QuizServer) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	rm, err := s.engine.Poll(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rm)
}

// legacyRoom 旧接口的 poll 返回值额外带 _id
type legacyRoom struct {
	ID string `json:"_id"`
	*models.Room
}

// handleLegacyGame 兼容旧的单入口接口: action=poll 用 GET，其余用 POST，
// 参数取自 JSON body，body 为空时取 query
func (s *QuizServer) handleLegacyGame(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.Action == "" {
		q := r.URL.Query()
		req = gameRequest{
			Action: q.Get("action"),
			Code:   q.Get("code"),
			UID:    q.Get("uid"),
			Name:   q.Get("name"),
			Answer: q.Get("answer"),
		}
	}

	ctx := r.Context()
	switch {
	case r.Method == http.MethodGet && req.Action == "poll":
		rm, err := s.engine.Poll(ctx, req.Code)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, legacyRoom{ID: rm.Code, Room: rm})
		return

	case r.Method == http.MethodPost && req.Action == "create":
		err = s.engine.Create(ctx, req.Code, req.UID, req.Name)
	case r.Method == http.MethodPost && req.Action == "join":
		err = s.engine.Join(ctx, req.Code, req.UID, req.Name)
	case r.Method == http.MethodPost && req.Action == "start":
		err = s.engine.Start(ctx, req.Code)

	case r.Method == http.MethodPost && req.Action == "submit":
		res, err := s.engine.Submit(ctx, req.Code, req.UID, req.Name, req.Answer)
		if err != nil {
			writeError(w, err)
			return
		}
		if res.Correct {
			s.pushRoomState(ctx, req.Code)
		}
		writeJSON(w, http.StatusOK, res)
		return

	default:
		writeError(w, fmt.Errorf("%w: unsupported action %q for %s", room.ErrInvalidArgument, req.Action, r.Method))
		return
	}

	if err != nil {
		writeError(w, err)
		return
	}
	s.pushRoomState(ctx, req.Code)
	writeSuccess(w)
}

func (s *QuizServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
