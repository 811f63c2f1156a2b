// persistence/interface.go
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/wfunc/quizroom/models"
)

// Store 房间存储接口，所有操作以房间 code 为键，单个房间粒度上原子
type Store interface {
	// GetRoom returns a consistent snapshot of the room.
	GetRoom(ctx context.Context, code string) (*models.Room, error)
	// InsertRoom inserts a new room; ErrConflict if the code is taken.
	InsertRoom(ctx context.Context, room *models.Room) error
	// AddPlayerIfAbsent appends p unless a player with the same uid exists.
	AddPlayerIfAbsent(ctx context.Context, code string, p models.Player) (added bool, err error)
	// ReplaceQuestionRound starts a new round and returns its number.
	ReplaceQuestionRound(ctx context.Context, code string, q *models.QuestionData, endTime time.Time) (round int, err error)
	// RevealSlotIfUnrevealed flips one slot of the given round to revealed.
	RevealSlotIfUnrevealed(ctx context.Context, code string, round, slot int, finder string) error
	// CreditScore adds delta to the player's score.
	CreditScore(ctx context.Context, code, uid string, delta int) error
	// ClaimSlot reveals and credits in one unit; on failure neither is applied.
	// ErrRoomClosed if the room is no longer playing or its deadline is before claim.At.
	ClaimSlot(ctx context.Context, code string, claim Claim) error
	// ExpiredRooms lists playing rooms whose deadline is before now.
	ExpiredRooms(ctx context.Context, now time.Time) ([]string, error)
	// EndRound moves an expired playing room to ended; false if nothing changed.
	EndRound(ctx context.Context, code string, now time.Time) (bool, error)
	Close() error
}

// Claim 玩家认领一个答案槽位
type Claim struct {
	Round  int
	Slot   int
	UID    string
	Name   string
	Points int
	// At 非零时 endTime 早于 At 的回合拒绝认领
	At time.Time
}

// 错误定义
var (
	ErrRecordNotFound  = errors.New("record not found")
	ErrConflict        = errors.New("record already exists")
	ErrAlreadyRevealed = errors.New("answer slot already revealed")
	ErrRoomClosed      = errors.New("room has ended")
	ErrNegativeCredit  = errors.New("score delta must not be negative")
)
