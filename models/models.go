// models/models.go
package models

import (
	"time"

	"github.com/wfunc/quizroom/state"
)

// PointsStep 每个答案槽位之间的分值差
const PointsStep = 10

// Player 房间内的玩家
type Player struct {
	UID   string `json:"uid"`
	Name  string `json:"name"`
	Score int    `json:"score"`
}

// AnswerSlot 题目的一个可接受答案
type AnswerSlot struct {
	Text     string  `json:"text"`
	Revealed bool    `json:"revealed"`
	Points   int     `json:"points"`
	Finder   *string `json:"finder"`
}

// QuestionData 当前轮次的题目
type QuestionData struct {
	Question string       `json:"question"`
	Answers  []AnswerSlot `json:"answers"`
}

// Question is what a question provider hands out: a prompt and its ordered answers.
type Question struct {
	Prompt  string
	Answers []string
}

// Room 房间文档，存储中的唯一事实来源
type Room struct {
	Code         string        `json:"code"`
	HostID       string        `json:"hostId"`
	Status       state.Status  `json:"status"`
	Round        int           `json:"round"`
	Players      []Player      `json:"players"`
	QuestionData *QuestionData `json:"questionData"`
	CreatedAt    time.Time     `json:"createdAt"`
	// EndTime 为 unix 毫秒，激活题目之前为 nil
	EndTime *int64 `json:"endTime"`
}

// NewRoom 创建处于 lobby 状态、只有房主一名玩家的房间
func NewRoom(code, hostUID, hostName string, now time.Time) *Room {
	return &Room{
		Code:      code,
		HostID:    hostUID,
		Status:    state.StatusLobby,
		Players:   []Player{{UID: hostUID, Name: hostName}},
		CreatedAt: now,
	}
}

// NewQuestionData builds unrevealed slots ranked by list position:
// the first answer is worth len*PointsStep, the last PointsStep.
func NewQuestionData(q Question) *QuestionData {
	n := len(q.Answers)
	slots := make([]AnswerSlot, n)
	for i, text := range q.Answers {
		slots[i] = AnswerSlot{
			Text:   text,
			Points: (n - i) * PointsStep,
		}
	}
	return &QuestionData{Question: q.Prompt, Answers: slots}
}

// Player returns the member with the given uid.
func (r *Room) Player(uid string) (Player, bool) {
	for _, p := range r.Players {
		if p.UID == uid {
			return p, true
		}
	}
	return Player{}, false
}

// HasPlayer reports whether uid has joined the room.
func (r *Room) HasPlayer(uid string) bool {
	_, ok := r.Player(uid)
	return ok
}

// Deadline returns EndTime as a time, or the zero time when no round was activated.
func (r *Room) Deadline() time.Time {
	if r.EndTime == nil {
		return time.Time{}
	}
	return time.UnixMilli(*r.EndTime)
}

// Expired reports whether the active round's deadline has passed at now.
func (r *Room) Expired(now time.Time) bool {
	return r.EndTime != nil && now.UnixMilli() > *r.EndTime
}

// Clone 深拷贝，存储实现返回副本避免调用方修改内部状态
func (r *Room) Clone() *Room {
	if r == nil {
		return nil
	}
	c := *r
	c.Players = append([]Player(nil), r.Players...)
	if r.EndTime != nil {
		end := *r.EndTime
		c.EndTime = &end
	}
	c.QuestionData = r.QuestionData.Clone()
	return &c
}

// Clone returns a deep copy of the question data.
func (q *QuestionData) Clone() *QuestionData {
	if q == nil {
		return nil
	}
	c := QuestionData{Question: q.Question, Answers: make([]AnswerSlot, len(q.Answers))}
	for i, slot := range q.Answers {
		if slot.Finder != nil {
			finder := *slot.Finder
			slot.Finder = &finder
		}
		c.Answers[i] = slot
	}
	return &c
}
