package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wfunc/quizroom/models"
	"github.com/wfunc/quizroom/state"
)

// MemoryStore 单进程内存实现，每个房间一把锁
type MemoryStore struct {
	rooms map[string]*memoryRoom
	mutex sync.RWMutex
}

type memoryRoom struct {
	mu   sync.Mutex
	room *models.Room
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string]*memoryRoom)}
}

// withRoom 在房间锁内执行 fn
func (m *MemoryStore) withRoom(ctx context.Context, code string, fn func(r *models.Room) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mutex.RLock()
	entry, ok := m.rooms[code]
	m.mutex.RUnlock()
	if !ok {
		return ErrRecordNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return fn(entry.room)
}

func (m *MemoryStore) GetRoom(ctx context.Context, code string) (*models.Room, error) {
	var snapshot *models.Room
	err := m.withRoom(ctx, code, func(r *models.Room) error {
		snapshot = r.Clone()
		return nil
	})
	return snapshot, err
}

func (m *MemoryStore) InsertRoom(ctx context.Context, room *models.Room) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, exists := m.rooms[room.Code]; exists {
		return ErrConflict
	}
	m.rooms[room.Code] = &memoryRoom{room: room.Clone()}
	return nil
}

func (m *MemoryStore) AddPlayerIfAbsent(ctx context.Context, code string, p models.Player) (bool, error) {
	added := false
	err := m.withRoom(ctx, code, func(r *models.Room) error {
		if r.HasPlayer(p.UID) {
			return nil
		}
		r.Players = append(r.Players, p)
		added = true
		return nil
	})
	return added, err
}

func (m *MemoryStore) ReplaceQuestionRound(ctx context.Context, code string, q *models.QuestionData, endTime time.Time) (int, error) {
	round := 0
	err := m.withRoom(ctx, code, func(r *models.Room) error {
		if r.Status.Terminal() {
			return ErrRoomClosed
		}
		end := endTime.UnixMilli()
		r.Status = state.StatusPlaying
		r.Round++
		r.QuestionData = q.Clone()
		r.EndTime = &end
		round = r.Round
		return nil
	})
	return round, err
}

func (m *MemoryStore) RevealSlotIfUnrevealed(ctx context.Context, code string, round, slot int, finder string) error {
	return m.withRoom(ctx, code, func(r *models.Room) error {
		return revealLocked(r, round, slot, finder)
	})
}

func (m *MemoryStore) CreditScore(ctx context.Context, code, uid string, delta int) error {
	return m.withRoom(ctx, code, func(r *models.Room) error {
		return creditLocked(r, uid, delta)
	})
}

func (m *MemoryStore) ClaimSlot(ctx context.Context, code string, claim Claim) error {
	return m.withRoom(ctx, code, func(r *models.Room) error {
		// 先检查玩家再揭示，失败时房间保持不变
		if !r.HasPlayer(claim.UID) {
			return ErrRecordNotFound
		}
		if r.Status != state.StatusPlaying || (!claim.At.IsZero() && r.Expired(claim.At)) {
			return ErrRoomClosed
		}
		if err := revealLocked(r, claim.Round, claim.Slot, claim.Name); err != nil {
			return err
		}
		return creditLocked(r, claim.UID, claim.Points)
	})
}

func (m *MemoryStore) ExpiredRooms(ctx context.Context, now time.Time) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mutex.RLock()
	entries := make(map[string]*memoryRoom, len(m.rooms))
	for code, entry := range m.rooms {
		entries[code] = entry
	}
	m.mutex.RUnlock()

	var codes []string
	for code, entry := range entries {
		entry.mu.Lock()
		if entry.room.Status == state.StatusPlaying && entry.room.Expired(now) {
			codes = append(codes, code)
		}
		entry.mu.Unlock()
	}
	sort.Strings(codes)
	return codes, nil
}

func (m *MemoryStore) EndRound(ctx context.Context, code string, now time.Time) (bool, error) {
	ended := false
	err := m.withRoom(ctx, code, func(r *models.Room) error {
		if r.Status != state.StatusPlaying || !r.Expired(now) {
			return nil
		}
		r.Status = state.StatusEnded
		ended = true
		return nil
	})
	return ended, err
}

func (m *MemoryStore) Close() error {
	return nil
}

func revealLocked(r *models.Room, round, slot int, finder string) error {
	if r.QuestionData == nil || r.Round != round {
		return ErrAlreadyRevealed
	}
	if slot < 0 || slot >= len(r.QuestionData.Answers) {
		return ErrRecordNotFound
	}

	s := &r.QuestionData.Answers[slot]
	if s.Revealed {
		return ErrAlreadyRevealed
	}
	name := finder
	s.Revealed = true
	s.Finder = &name
	return nil
}

func creditLocked(r *models.Room, uid string, delta int) error {
	if delta < 0 {
		return ErrNegativeCredit
	}
	for i := range r.Players {
		if r.Players[i].UID == uid {
			r.Players[i].Score += delta
			return nil
		}
	}
	return ErrRecordNotFound
}
