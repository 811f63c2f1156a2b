package room

import (
	"context"
	"time"

	"github.com/wfunc/quizroom/models"
)

// QuestionProvider 外部题库，返回一道题目及有序答案
type QuestionProvider interface {
	FetchQuestion(ctx context.Context) (models.Question, error)
}

// Observer receives engine events; monitor.Monitor implements it.
type Observer interface {
	RoomCreated()
	PlayerJoined(added bool)
	RoundStarted(fallback bool)
	RoundsEnded(n int)
	AnswerSubmitted(correct bool)
	ClaimConflict()
	ObserveOperation(op string, d time.Duration, err error)
}

type noopObserver struct{}

func (noopObserver) RoomCreated()                                  {}
func (noopObserver) PlayerJoined(bool)                             {}
func (noopObserver) RoundStarted(bool)                             {}
func (noopObserver) RoundsEnded(int)                               {}
func (noopObserver) AnswerSubmitted(bool)                          {}
func (noopObserver) ClaimConflict()                                {}
func (noopObserver) ObserveOperation(string, time.Duration, error) {}
