// room/engine.go
package room

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/wfunc/quizroom/logger"
	"github.com/wfunc/quizroom/models"
	"github.com/wfunc/quizroom/persistence"
	"github.com/wfunc/quizroom/services"
	"github.com/wfunc/quizroom/state"
)

const (
	DefaultRoundDuration    = 120 * time.Second
	DefaultMaxClaimAttempts = 3
)

// SubmitResult 提交答案的结果
type SubmitResult struct {
	Correct bool `json:"correct"`
	Points  int  `json:"points,omitempty"`
}

// Engine 房间状态机与计分规则。引擎本身不保存房间状态，
// 每次操作读取存储、计算、再做一次原子条件写入
type Engine struct {
	store            persistence.Store
	questions        QuestionProvider
	observer         Observer
	lifecycle        *state.Machine
	now              func() time.Time
	roundDuration    time.Duration
	maxClaimAttempts int
	enforceDeadline  bool
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithRoundDuration(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.roundDuration = d
		}
	}
}

func WithMaxClaimAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxClaimAttempts = n
		}
	}
}

// WithDeadlineEnforcement 为 true 时 endTime 之后的提交被拒绝
func WithDeadlineEnforcement(enabled bool) Option {
	return func(e *Engine) { e.enforceDeadline = enabled }
}

func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

// NewEngine 创建引擎，questions 为 nil 时每轮都使用内置题目
func NewEngine(store persistence.Store, questions QuestionProvider, opts ...Option) *Engine {
	e := &Engine{
		store:            store,
		questions:        questions,
		observer:         noopObserver{},
		lifecycle:        state.RoomLifecycle(),
		now:              time.Now,
		roundDuration:    DefaultRoundDuration,
		maxClaimAttempts: DefaultMaxClaimAttempts,
		enforceDeadline:  true,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) observe(op string, start time.Time, err *error) {
	e.observer.ObserveOperation(op, time.Since(start), *err)
}

// Create 创建房间，房主是第一个玩家。依赖存储的 insert-if-absent，不做先读后写
func (e *Engine) Create(ctx context.Context, code, hostUID, hostName string) (err error) {
	defer e.observe("create", time.Now(), &err)

	if err := requireNonEmpty("code", code, "uid", hostUID, "name", hostName); err != nil {
		return err
	}

	if err := e.store.InsertRoom(ctx, models.NewRoom(code, hostUID, hostName, e.now())); err != nil {
		if errors.Is(err, persistence.ErrConflict) {
			return fmt.Errorf("%w: %s", ErrConflict, code)
		}
		return fmt.Errorf("create room %s: %w", code, err)
	}

	e.observer.RoomCreated()
	logger.Log.Infof("Room %s created by %s", code, hostUID)
	return nil
}

// Join 幂等加入，玩家已存在时不做任何修改。name 可以为空
func (e *Engine) Join(ctx context.Context, code, uid, name string) (err error) {
	defer e.observe("join", time.Now(), &err)

	if err := requireNonEmpty("code", code, "uid", uid); err != nil {
		return err
	}

	added, err := e.store.AddPlayerIfAbsent(ctx, code, models.Player{UID: uid, Name: name})
	if err != nil {
		if errors.Is(err, persistence.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, code)
		}
		return fmt.Errorf("join room %s: %w", code, err)
	}

	e.observer.PlayerJoined(added)
	if added {
		logger.Log.Infof("Player %s joined room %s", uid, code)
	}
	return nil
}

// Start 激活新一轮题目，替换上一轮的全部数据
func (e *Engine) Start(ctx context.Context, code string) (err error) {
	defer e.observe("start", time.Now(), &err)

	if err := requireNonEmpty("code", code); err != nil {
		return err
	}

	room, err := e.store.GetRoom(ctx, code)
	if err != nil {
		if errors.Is(err, persistence.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, code)
		}
		return fmt.Errorf("start room %s: %w", code, err)
	}
	if err := e.lifecycle.Transition(room.Status, state.StatusPlaying); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidState, err)
	}

	q, fallback := e.fetchQuestion(ctx)
	data := models.NewQuestionData(q)
	round, err := e.store.ReplaceQuestionRound(ctx, code, data, e.now().Add(e.roundDuration))
	if err != nil {
		switch {
		case errors.Is(err, persistence.ErrRecordNotFound):
			return fmt.Errorf("%w: %s", ErrNotFound, code)
		case errors.Is(err, persistence.ErrRoomClosed):
			return fmt.Errorf("%w: %w", ErrInvalidState, state.ErrTransitionNotAllowed)
		}
		return fmt.Errorf("start room %s: %w", code, err)
	}

	e.observer.RoundStarted(fallback)
	logger.Log.Infof("Room %s started round %d with %d answers (fallback=%t)", code, round, len(data.Answers), fallback)
	return nil
}

// fetchQuestion 题库失败或返回空数据时使用内置题目，错误不向上传递
func (e *Engine) fetchQuestion(ctx context.Context) (models.Question, bool) {
	if e.questions != nil {
		q, err := e.questions.FetchQuestion(ctx)
		if err == nil {
			if clean, ok := services.Sanitize(q); ok {
				return clean, false
			}
			err = services.ErrNoQuestion
		}
		logger.Log.Warnf("Question provider unavailable, using fallback: %v", err)
	}
	return services.FallbackQuestion(), true
}

// Submit 提交答案。同一槽位并发提交时只有一个玩家得分，
// 失败方重新读取房间后看到槽位已揭示，结果为 correct:false
func (e *Engine) Submit(ctx context.Context, code, uid, name, answer string) (res SubmitResult, err error) {
	defer e.observe("submit", time.Now(), &err)

	if err := requireNonEmpty("code", code, "uid", uid); err != nil {
		return SubmitResult{}, err
	}
	key := foldAnswer(answer)

	for attempt := 0; attempt < e.maxClaimAttempts; attempt++ {
		room, err := e.store.GetRoom(ctx, code)
		if err != nil {
			if errors.Is(err, persistence.ErrRecordNotFound) {
				return SubmitResult{}, fmt.Errorf("%w: %w", ErrInvalidState, ErrNotFound)
			}
			return SubmitResult{}, fmt.Errorf("submit to room %s: %w", code, err)
		}
		if err := e.checkSubmittable(ctx, room); err != nil {
			return SubmitResult{}, err
		}

		player, ok := room.Player(uid)
		if !ok {
			return SubmitResult{}, ErrNotAPlayer
		}
		finder := name
		if finder == "" {
			finder = player.Name
		}

		idx := matchSlot(room.QuestionData, key)
		if idx < 0 {
			break
		}
		points := room.QuestionData.Answers[idx].Points

		claim := persistence.Claim{
			Round:  room.Round,
			Slot:   idx,
			UID:    uid,
			Name:   finder,
			Points: points,
		}
		if e.enforceDeadline {
			claim.At = e.now()
		}
		err = e.store.ClaimSlot(ctx, code, claim)
		switch {
		case err == nil:
			e.observer.AnswerSubmitted(true)
			logger.Log.Infof("Player %s revealed slot %d in room %s round %d for %d points", uid, idx, code, room.Round, points)
			return SubmitResult{Correct: true, Points: points}, nil
		case errors.Is(err, persistence.ErrAlreadyRevealed):
			// 被其他玩家抢先或轮次已被替换，重新读取
			e.observer.ClaimConflict()
			logger.Log.Debugf("Claim on slot %d in room %s lost, attempt %d", idx, code, attempt+1)
			continue
		case errors.Is(err, persistence.ErrRoomClosed):
			// 读取之后回合已被结束
			return SubmitResult{}, ErrRoundEnded
		case errors.Is(err, persistence.ErrRecordNotFound):
			return SubmitResult{}, fmt.Errorf("%w: %w", ErrInvalidState, ErrNotFound)
		default:
			return SubmitResult{}, fmt.Errorf("submit to room %s: %w", code, err)
		}
	}

	e.observer.AnswerSubmitted(false)
	return SubmitResult{}, nil
}

func (e *Engine) checkSubmittable(ctx context.Context, room *models.Room) error {
	if room.QuestionData == nil {
		return ErrNoActiveQuestion
	}
	if room.Status == state.StatusEnded {
		return ErrRoundEnded
	}

	now := e.now()
	if e.enforceDeadline && room.Expired(now) {
		ended, err := e.store.EndRound(ctx, room.Code, now)
		if err != nil {
			logger.Log.Warnf("Failed to end expired round in room %s: %v", room.Code, err)
		} else if ended {
			e.observer.RoundsEnded(1)
		}
		return ErrRoundEnded
	}
	return nil
}

// Poll 只读，返回当前房间
func (e *Engine) Poll(ctx context.Context, code string) (room *models.Room, err error) {
	defer e.observe("poll", time.Now(), &err)

	room, err = e.store.GetRoom(ctx, code)
	if err != nil {
		if errors.Is(err, persistence.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, code)
		}
		return nil, fmt.Errorf("poll room %s: %w", code, err)
	}
	return room, nil
}

// EndExpiredRounds 将超过 endTime 的 playing 房间转为 ended，返回实际结束的房间
func (e *Engine) EndExpiredRounds(ctx context.Context) (ended []string, err error) {
	defer e.observe("end_expired", time.Now(), &err)

	now := e.now()
	codes, err := e.store.ExpiredRooms(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("list expired rooms: %w", err)
	}

	for _, code := range codes {
		ok, err := e.store.EndRound(ctx, code, now)
		if err != nil {
			if errors.Is(err, persistence.ErrRecordNotFound) {
				continue
			}
			return ended, fmt.Errorf("end round in room %s: %w", code, err)
		}
		if ok {
			ended = append(ended, code)
		}
	}

	if len(ended) > 0 {
		e.observer.RoundsEnded(len(ended))
		logger.Log.Infof("Ended %d expired rounds: %v", len(ended), ended)
	}
	return ended, nil
}

// matchSlot 返回第一个未揭示且文本匹配的槽位，没有则返回 -1
func matchSlot(q *models.QuestionData, key string) int {
	if key == "" {
		return -1
	}
	for i, slot := range q.Answers {
		if !slot.Revealed && foldAnswer(slot.Text) == key {
			return i
		}
	}
	return -1
}

// foldAnswer 转小写后比较，不做 ß/ss 之类的展开；Caser 有状态，不能跨 goroutine 共享
func foldAnswer(s string) string {
	return cases.Lower(language.Und).String(s)
}

func requireNonEmpty(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			return fmt.Errorf("%w: %s is required", ErrInvalidArgument, pairs[i])
		}
	}
	return nil
}
