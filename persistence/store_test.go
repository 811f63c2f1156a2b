package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wfunc/quizroom/models"
	"github.com/wfunc/quizroom/state"
)

// postgresDSNEnv enables the PostgreSQL-backed suites, e.g.
// QUIZROOM_TEST_POSTGRES_DSN="host=localhost user=postgres dbname=quizroom_test sslmode=disable"
const postgresDSNEnv = "QUIZROOM_TEST_POSTGRES_DSN"

type storeFactory struct {
	name string
	open func(t *testing.T) Store
}

func storeFactories(t *testing.T) []storeFactory {
	factories := []storeFactory{
		{"memory", func(t *testing.T) Store { return NewMemoryStore() }},
		{"sqlite", func(t *testing.T) Store {
			s, err := NewSQLite(":memory:")
			require.NoError(t, err)
			return s
		}},
	}

	dsn := os.Getenv(postgresDSNEnv)
	if dsn == "" {
		t.Logf("%s not set, skipping PostgreSQL stores", postgresDSNEnv)
		return factories
	}
	return append(factories,
		storeFactory{"postgres", func(t *testing.T) Store {
			db, err := sql.Open("postgres", dsn)
			require.NoError(t, err)
			s, err := NewSQLStore(db, PostgresDialect)
			require.NoError(t, err)
			return s
		}},
		storeFactory{"gorm", func(t *testing.T) Store {
			s, err := OpenGormPostgreSQL(dsn)
			require.NoError(t, err)
			return s
		}},
	)
}

// forEachStore runs fn against every available implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for _, f := range storeFactories(t) {
		t.Run(f.name, func(t *testing.T) {
			s := f.open(t)
			t.Cleanup(func() { s.Close() })
			fn(t, s)
		})
	}
}

// newCode keeps codes unique when suites share a PostgreSQL database.
func newCode() string {
	return "R-" + uuid.NewString()[:8]
}

func createRoom(t *testing.T, s Store, code string) {
	t.Helper()
	require.NoError(t, s.InsertRoom(context.Background(), models.NewRoom(code, "h1", "Host", time.Now())))
}

func startRound(t *testing.T, s Store, code string, answers ...string) int {
	t.Helper()
	q := models.NewQuestionData(models.Question{Prompt: "Nama Buah", Answers: answers})
	round, err := s.ReplaceQuestionRound(context.Background(), code, q, time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	return round
}

func TestStore_InsertAndGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		code := newCode()
		createRoom(t, s, code)

		room, err := s.GetRoom(ctx, code)
		require.NoError(t, err)
		assert.Equal(t, code, room.Code)
		assert.Equal(t, "h1", room.HostID)
		assert.Equal(t, state.StatusLobby, room.Status)
		assert.Equal(t, []models.Player{{UID: "h1", Name: "Host", Score: 0}}, room.Players)
		assert.Nil(t, room.QuestionData)
		assert.Nil(t, room.EndTime)
		assert.WithinDuration(t, time.Now(), room.CreatedAt, 5*time.Second)
	})
}

func TestStore_InsertDuplicate(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		code := newCode()
		createRoom(t, s, code)

		err := s.InsertRoom(ctx, models.NewRoom(code, "intruder", "Mallory", time.Now()))
		assert.ErrorIs(t, err, ErrConflict)

		room, err := s.GetRoom(ctx, code)
		require.NoError(t, err)
		assert.Equal(t, "h1", room.HostID, "duplicate create must not overwrite")
		assert.Len(t, room.Players, 1)
	})
}

func TestStore_ConcurrentCreate(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		code := newCode()
		const n = 10

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			succeeded int
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := s.InsertRoom(context.Background(), models.NewRoom(code, fmt.Sprintf("h%d", i), "Host", time.Now()))
				if err == nil {
					mu.Lock()
					succeeded++
					mu.Unlock()
					return
				}
				assert.ErrorIs(t, err, ErrConflict)
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, succeeded)
	})
}

func TestStore_GetMissing(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.GetRoom(context.Background(), newCode())
		assert.ErrorIs(t, err, ErrRecordNotFound)
	})
}

func TestStore_AddPlayerIfAbsent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		code := newCode()
		createRoom(t, s, code)

		added, err := s.AddPlayerIfAbsent(ctx, code, models.Player{UID: "p2", Name: "Alice"})
		require.NoError(t, err)
		assert.True(t, added)

		added, err = s.AddPlayerIfAbsent(ctx, code, models.Player{UID: "p2", Name: "Alice again"})
		require.NoError(t, err)
		assert.False(t, added)

		added, err = s.AddPlayerIfAbsent(ctx, code, models.Player{UID: "p3", Name: "Bob"})
		require.NoError(t, err)
		assert.True(t, added)

		room, err := s.GetRoom(ctx, code)
		require.NoError(t, err)
		assert.Equal(t, []models.Player{
			{UID: "h1", Name: "Host"},
			{UID: "p2", Name: "Alice"},
			{UID: "p3", Name: "Bob"},
		}, room.Players)

		_, err = s.AddPlayerIfAbsent(ctx, newCode(), models.Player{UID: "p2", Name: "Alice"})
		assert.ErrorIs(t, err, ErrRecordNotFound)
	})
}

func TestStore_ConcurrentJoins(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		code := newCode()
		createRoom(t, s, code)

		const n = 25
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				// 每个玩家重复加入两次
				p := models.Player{UID: fmt.Sprintf("p%02d", i), Name: fmt.Sprintf("Player %d", i)}
				for j := 0; j < 2; j++ {
					_, err := s.AddPlayerIfAbsent(ctx, code, p)
					assert.NoError(t, err)
				}
			}(i)
		}
		wg.Wait()

		room, err := s.GetRoom(ctx, code)
		require.NoError(t, err)
		require.Len(t, room.Players, n+1)

		seen := make(map[string]bool)
		for _, p := range room.Players {
			assert.False(t, seen[p.UID], "duplicate uid %s", p.UID)
			seen[p.UID] = true
		}
	})
}

func TestStore_ReplaceQuestionRound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		code := newCode()
		createRoom(t, s, code)

		round := startRound(t, s, code, "Apel", "Jeruk", "Mangga")
		assert.Equal(t, 1, round)
		require.NoError(t, s.RevealSlotIfUnrevealed(ctx, code, round, 0, "Host"))

		end := time.Now().Add(time.Minute)
		q := models.NewQuestionData(models.Question{Prompt: "Warna", Answers: []string{"Merah", "Biru"}})
		round, err := s.ReplaceQuestionRound(ctx, code, q, end)
		require.NoError(t, err)
		assert.Equal(t, 2, round)

		room, err := s.GetRoom(ctx, code)
		require.NoError(t, err)
		assert.Equal(t, state.StatusPlaying, room.Status)
		assert.Equal(t, 2, room.Round)
		require.NotNil(t, room.EndTime)
		assert.Equal(t, end.UnixMilli(), *room.EndTime)
		require.NotNil(t, room.QuestionData)
		assert.Equal(t, "Warna", room.QuestionData.Question)
		require.Len(t, room.QuestionData.Answers, 2)
		for _, slot := range room.QuestionData.Answers {
			assert.False(t, slot.Revealed, "previous round revelations are discarded")
			assert.Nil(t, slot.Finder)
		}
		assert.Equal(t, 20, room.QuestionData.Answers[0].Points)

		_, err = s.ReplaceQuestionRound(ctx, newCode(), q, end)
		assert.ErrorIs(t, err, ErrRecordNotFound)
	})
}

func TestStore_RevealSlotIfUnrevealed(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		code := newCode()
		createRoom(t, s, code)
		round := startRound(t, s, code, "Apel", "Jeruk")

		require.NoError(t, s.RevealSlotIfUnrevealed(ctx, code, round, 1, "Alice"))
		assert.ErrorIs(t, s.RevealSlotIfUnrevealed(ctx, code, round, 1, "Bob"), ErrAlreadyRevealed)
		assert.ErrorIs(t, s.RevealSlotIfUnrevealed(ctx, code, round+1, 0, "Bob"), ErrAlreadyRevealed, "stale round")
		assert.ErrorIs(t, s.RevealSlotIfUnrevealed(ctx, newCode(), round, 0, "Bob"), ErrRecordNotFound)

		room, err := s.GetRoom(ctx, code)
		require.NoError(t, err)
		slot := room.QuestionData.Answers[1]
		assert.True(t, slot.Revealed)
		require.NotNil(t, slot.Finder)
		assert.Equal(t, "Alice", *slot.Finder)
		assert.False(t, room.QuestionData.Answers[0].Revealed)
	})
}

func TestStore_CreditScore(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		code := newCode()
		createRoom(t, s, code)

		require.NoError(t, s.CreditScore(ctx, code, "h1", 30))
		require.NoError(t, s.CreditScore(ctx, code, "h1", 10))
		assert.ErrorIs(t, s.CreditScore(ctx, code, "ghost", 10), ErrRecordNotFound)
		assert.ErrorIs(t, s.CreditScore(ctx, code, "h1", -5), ErrNegativeCredit)

		room, err := s.GetRoom(ctx, code)
		require.NoError(t, err)
		assert.Equal(t, 40, room.Players[0].Score)
	})
}

func TestStore_ClaimSlot(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		code := newCode()
		createRoom(t, s, code)
		_, err := s.AddPlayerIfAbsent(ctx, code, models.Player{UID: "p2", Name: "Alice"})
		require.NoError(t, err)
		round := startRound(t, s, code, "Apel", "Jeruk", "Mangga")

		require.NoError(t, s.ClaimSlot(ctx, code, Claim{Round: round, Slot: 0, UID: "p2", Name: "Alice", Points: 30}))
		assert.ErrorIs(t, s.ClaimSlot(ctx, code, Claim{Round: round, Slot: 0, UID: "h1", Name: "Host", Points: 30}), ErrAlreadyRevealed)

		// 玩家不存在时整个认领回滚
		err = s.ClaimSlot(ctx, code, Claim{Round: round, Slot: 1, UID: "ghost", Name: "Ghost", Points: 20})
		assert.ErrorIs(t, err, ErrRecordNotFound)

		room, err := s.GetRoom(ctx, code)
		require.NoError(t, err)
		assert.True(t, room.QuestionData.Answers[0].Revealed)
		assert.Equal(t, "Alice", *room.QuestionData.Answers[0].Finder)
		assert.False(t, room.QuestionData.Answers[1].Revealed, "failed claim must not reveal")
		assert.Nil(t, room.QuestionData.Answers[1].Finder)

		alice, _ := room.Player("p2")
		host, _ := room.Player("h1")
		assert.Equal(t, 30, alice.Score)
		assert.Equal(t, 0, host.Score)
	})
}

func TestStore_ClaimSlotRoundClosed(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		code := newCode()
		createRoom(t, s, code)
		round := startRound(t, s, code, "Apel", "Jeruk")

		late := time.Now().Add(time.Hour)
		err := s.ClaimSlot(ctx, code, Claim{Round: round, Slot: 0, UID: "h1", Name: "Host", Points: 30, At: late})
		assert.ErrorIs(t, err, ErrRoomClosed)

		ended, err := s.EndRound(ctx, code, late)
		require.NoError(t, err)
		require.True(t, ended)

		// 已结束的房间即使不带截止时间也不能认领
		err = s.ClaimSlot(ctx, code, Claim{Round: round, Slot: 1, UID: "h1", Name: "Host", Points: 20})
		assert.ErrorIs(t, err, ErrRoomClosed)

		room, err := s.GetRoom(ctx, code)
		require.NoError(t, err)
		assert.False(t, room.QuestionData.Answers[0].Revealed)
		assert.False(t, room.QuestionData.Answers[1].Revealed)
		assert.Equal(t, 0, room.Players[0].Score)

		assert.ErrorIs(t, s.ClaimSlot(ctx, newCode(), Claim{Round: 1, UID: "h1"}), ErrRecordNotFound)
	})
}

func TestStore_ConcurrentClaims(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		code := newCode()
		createRoom(t, s, code)

		const n = 20
		for i := 0; i < n; i++ {
			_, err := s.AddPlayerIfAbsent(ctx, code, models.Player{UID: fmt.Sprintf("p%d", i), Name: fmt.Sprintf("P%d", i)})
			require.NoError(t, err)
		}
		round := startRound(t, s, code, "Apel", "Jeruk")

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners []string
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				uid := fmt.Sprintf("p%d", i)
				err := s.ClaimSlot(ctx, code, Claim{Round: round, Slot: 0, UID: uid, Name: "P" + uid[1:], Points: 20})
				if err == nil {
					mu.Lock()
					winners = append(winners, uid)
					mu.Unlock()
					return
				}
				assert.ErrorIs(t, err, ErrAlreadyRevealed)
			}(i)
		}
		wg.Wait()

		require.Len(t, winners, 1)

		room, err := s.GetRoom(ctx, code)
		require.NoError(t, err)
		total := 0
		for _, p := range room.Players {
			total += p.Score
		}
		assert.Equal(t, 20, total, "exactly one credit")
		winner, _ := room.Player(winners[0])
		assert.Equal(t, 20, winner.Score)
		assert.Equal(t, winner.Name, *room.QuestionData.Answers[0].Finder)
	})
}

func TestStore_ExpiredRoomsAndEndRound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		lobby, playing := newCode(), newCode()
		createRoom(t, s, lobby)
		createRoom(t, s, playing)
		startRound(t, s, playing, "Apel")

		codes, err := s.ExpiredRooms(ctx, time.Now())
		require.NoError(t, err)
		assert.NotContains(t, codes, playing, "deadline not reached")

		later := time.Now().Add(5 * time.Minute)
		codes, err = s.ExpiredRooms(ctx, later)
		require.NoError(t, err)
		assert.Contains(t, codes, playing)
		assert.NotContains(t, codes, lobby)

		ended, err := s.EndRound(ctx, lobby, later)
		require.NoError(t, err)
		assert.False(t, ended, "lobby rooms have no round to end")

		ended, err = s.EndRound(ctx, playing, later)
		require.NoError(t, err)
		assert.True(t, ended)

		ended, err = s.EndRound(ctx, playing, later)
		require.NoError(t, err)
		assert.False(t, ended, "already ended")

		_, err = s.EndRound(ctx, newCode(), later)
		assert.ErrorIs(t, err, ErrRecordNotFound)

		room, err := s.GetRoom(ctx, playing)
		require.NoError(t, err)
		assert.Equal(t, state.StatusEnded, room.Status)

		q := models.NewQuestionData(models.Question{Prompt: "again", Answers: []string{"x"}})
		_, err = s.ReplaceQuestionRound(ctx, playing, q, later)
		assert.ErrorIs(t, err, ErrRoomClosed, "ended is terminal")
	})
}

func TestStore_ContextCanceled(t *testing.T) {
	s := NewMemoryStore()
	createRoom(t, s, "R1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.GetRoom(ctx, "R1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDialect_Rebind(t *testing.T) {
	q := `UPDATE answer_slots SET revealed = ? WHERE room_code = ? AND idx = ?`
	assert.Equal(t, q, SQLiteDialect.rebind(q))
	assert.Equal(t, `UPDATE answer_slots SET revealed = $1 WHERE room_code = $2 AND idx = $3`, PostgresDialect.rebind(q))
}
