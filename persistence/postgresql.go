// persistence/postgresql.go
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq" // PostgreSQL 驱动
	_ "modernc.org/sqlite" // SQLite 驱动，开发环境和测试使用

	"github.com/wfunc/quizroom/models"
	"github.com/wfunc/quizroom/state"
)

const defaultQueryTimeout = 5 * time.Second

// Dialect 描述 SQLStore 支持的数据库差异
type Dialect struct {
	Name string
	// numbered 为 true 时占位符改写为 $1, $2 ...
	numbered bool
	schema   []string
	readTx   *sql.TxOptions
}

var PostgresDialect = Dialect{
	Name:     "postgres",
	numbered: true,
	readTx:   &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true},
	schema: []string{
		`CREATE TABLE IF NOT EXISTS rooms (
            code VARCHAR(64) PRIMARY KEY,
            host_id TEXT NOT NULL,
            status VARCHAR(16) NOT NULL,
            round INTEGER NOT NULL DEFAULT 0,
            question TEXT,
            created_at BIGINT NOT NULL,
            end_time BIGINT
        )`,
		`CREATE TABLE IF NOT EXISTS room_players (
            seq BIGSERIAL PRIMARY KEY,
            room_code VARCHAR(64) NOT NULL REFERENCES rooms(code) ON DELETE CASCADE,
            uid TEXT NOT NULL,
            name TEXT NOT NULL,
            score INTEGER NOT NULL DEFAULT 0,
            UNIQUE (room_code, uid)
        )`,
		`CREATE TABLE IF NOT EXISTS answer_slots (
            room_code VARCHAR(64) NOT NULL REFERENCES rooms(code) ON DELETE CASCADE,
            idx INTEGER NOT NULL,
            round INTEGER NOT NULL,
            text TEXT NOT NULL,
            points INTEGER NOT NULL,
            revealed BOOLEAN NOT NULL DEFAULT FALSE,
            finder TEXT,
            PRIMARY KEY (room_code, idx)
        )`,
		`CREATE INDEX IF NOT EXISTS idx_rooms_status_end_time ON rooms(status, end_time)`,
	},
}

var SQLiteDialect = Dialect{
	Name: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS rooms (
            code TEXT PRIMARY KEY,
            host_id TEXT NOT NULL,
            status TEXT NOT NULL,
            round INTEGER NOT NULL DEFAULT 0,
            question TEXT,
            created_at INTEGER NOT NULL,
            end_time INTEGER
        )`,
		`CREATE TABLE IF NOT EXISTS room_players (
            seq INTEGER PRIMARY KEY AUTOINCREMENT,
            room_code TEXT NOT NULL REFERENCES rooms(code) ON DELETE CASCADE,
            uid TEXT NOT NULL,
            name TEXT NOT NULL,
            score INTEGER NOT NULL DEFAULT 0,
            UNIQUE (room_code, uid)
        )`,
		`CREATE TABLE IF NOT EXISTS answer_slots (
            room_code TEXT NOT NULL REFERENCES rooms(code) ON DELETE CASCADE,
            idx INTEGER NOT NULL,
            round INTEGER NOT NULL,
            text TEXT NOT NULL,
            points INTEGER NOT NULL,
            revealed BOOLEAN NOT NULL DEFAULT FALSE,
            finder TEXT,
            PRIMARY KEY (room_code, idx)
        )`,
		`CREATE INDEX IF NOT EXISTS idx_rooms_status_end_time ON rooms(status, end_time)`,
	},
}

func (d Dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// querier *sql.DB 和 *sql.Tx 的公共部分
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLStore database/sql 实现，条件更新保证单槽位只被揭示一次
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	timeout time.Duration
}

// NewPostgreSQL 创建 PostgreSQL 数据库连接
func NewPostgreSQL(host string, port int, user, password, dbname, sslmode string) (*SQLStore, error) {
	if sslmode == "" {
		sslmode = "disable"
	}
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		host, port, user, password, dbname, sslmode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), defaultQueryTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	// 设置连接池参数
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	return NewSQLStore(db, PostgresDialect)
}

// NewSQLite 打开 SQLite 数据库，path 为 ":memory:" 时使用内存库
func NewSQLite(path string) (*SQLStore, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	// SQLite 单写者，内存库每个连接是独立的数据库
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return NewSQLStore(db, SQLiteDialect)
}

// NewSQLStore wraps an open database and creates the schema if needed.
func NewSQLStore(db *sql.DB, dialect Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect, timeout: defaultQueryTimeout}
	if err := s.initTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// initTables 初始化数据库表结构
func (s *SQLStore) initTables() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init %s schema: %w", s.dialect.Name, err)
		}
	}
	return nil
}

func (s *SQLStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *SQLStore) withTx(ctx context.Context, opts *sql.TxOptions, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) roomExists(ctx context.Context, q querier, code string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, s.dialect.rebind(`SELECT 1 FROM rooms WHERE code = ?`), code).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *SQLStore) GetRoom(ctx context.Context, code string) (*models.Room, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var room *models.Room
	err := s.withTx(ctx, s.dialect.readTx, func(tx *sql.Tx) error {
		var err error
		room, err = s.loadRoom(ctx, tx, code)
		return err
	})
	if err != nil {
		return nil, err
	}
	return room, nil
}

func (s *SQLStore) loadRoom(ctx context.Context, q querier, code string) (*models.Room, error) {
	var (
		room      models.Room
		status    string
		question  sql.NullString
		createdAt int64
		endTime   sql.NullInt64
	)
	err := q.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT code, host_id, status, round, question, created_at, end_time FROM rooms WHERE code = ?`), code,
	).Scan(&room.Code, &room.HostID, &status, &room.Round, &question, &createdAt, &endTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}

	if room.Status, err = state.ParseStatus(status); err != nil {
		return nil, err
	}
	room.CreatedAt = time.UnixMilli(createdAt)
	if endTime.Valid {
		end := endTime.Int64
		room.EndTime = &end
	}

	if room.Players, err = s.loadPlayers(ctx, q, code); err != nil {
		return nil, err
	}
	if question.Valid {
		answers, err := s.loadSlots(ctx, q, code, room.Round)
		if err != nil {
			return nil, err
		}
		room.QuestionData = &models.QuestionData{Question: question.String, Answers: answers}
	}
	return &room, nil
}

func (s *SQLStore) loadPlayers(ctx context.Context, q querier, code string) ([]models.Player, error) {
	rows, err := q.QueryContext(ctx, s.dialect.rebind(
		`SELECT uid, name, score FROM room_players WHERE room_code = ? ORDER BY seq`), code)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	players := []models.Player{}
	for rows.Next() {
		var p models.Player
		if err := rows.Scan(&p.UID, &p.Name, &p.Score); err != nil {
			return nil, err
		}
		players = append(players, p)
	}
	return players, rows.Err()
}

func (s *SQLStore) loadSlots(ctx context.Context, q querier, code string, round int) ([]models.AnswerSlot, error) {
	rows, err := q.QueryContext(ctx, s.dialect.rebind(
		`SELECT text, points, revealed, finder FROM answer_slots WHERE room_code = ? AND round = ? ORDER BY idx`),
		code, round)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	slots := []models.AnswerSlot{}
	for rows.Next() {
		var (
			slot   models.AnswerSlot
			finder sql.NullString
		)
		if err := rows.Scan(&slot.Text, &slot.Points, &slot.Revealed, &finder); err != nil {
			return nil, err
		}
		if finder.Valid {
			name := finder.String
			slot.Finder = &name
		}
		slots = append(slots, slot)
	}
	return slots, rows.Err()
}

func (s *SQLStore) InsertRoom(ctx context.Context, room *models.Room) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var question sql.NullString
	if room.QuestionData != nil {
		question = sql.NullString{String: room.QuestionData.Question, Valid: true}
	}
	var endTime sql.NullInt64
	if room.EndTime != nil {
		endTime = sql.NullInt64{Int64: *room.EndTime, Valid: true}
	}

	return s.withTx(ctx, nil, func(tx *sql.Tx) error {
		// 主键冲突时不覆盖，由影响行数判断是否已存在
		res, err := tx.ExecContext(ctx, s.dialect.rebind(`
            INSERT INTO rooms (code, host_id, status, round, question, created_at, end_time)
            VALUES (?, ?, ?, ?, ?, ?, ?)
            ON CONFLICT (code) DO NOTHING`),
			room.Code, room.HostID, string(room.Status), room.Round, question, room.CreatedAt.UnixMilli(), endTime)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return ErrConflict
		}

		for _, p := range room.Players {
			if _, err := s.insertPlayer(ctx, tx, room.Code, p); err != nil {
				return err
			}
		}
		if room.QuestionData != nil {
			return s.insertSlots(ctx, tx, room.Code, room.Round, room.QuestionData.Answers)
		}
		return nil
	})
}

func (s *SQLStore) insertPlayer(ctx context.Context, q querier, code string, p models.Player) (bool, error) {
	res, err := q.ExecContext(ctx, s.dialect.rebind(`
        INSERT INTO room_players (room_code, uid, name, score)
        VALUES (?, ?, ?, ?)
        ON CONFLICT (room_code, uid) DO NOTHING`),
		code, p.UID, p.Name, p.Score)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLStore) insertSlots(ctx context.Context, q querier, code string, round int, slots []models.AnswerSlot) error {
	for i, slot := range slots {
		var finder sql.NullString
		if slot.Finder != nil {
			finder = sql.NullString{String: *slot.Finder, Valid: true}
		}
		_, err := q.ExecContext(ctx, s.dialect.rebind(`
            INSERT INTO answer_slots (room_code, idx, round, text, points, revealed, finder)
            VALUES (?, ?, ?, ?, ?, ?, ?)`),
			code, i, round, slot.Text, slot.Points, slot.Revealed, finder)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) AddPlayerIfAbsent(ctx context.Context, code string, p models.Player) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	added := false
	err := s.withTx(ctx, nil, func(tx *sql.Tx) error {
		exists, err := s.roomExists(ctx, tx, code)
		if err != nil {
			return err
		}
		if !exists {
			return ErrRecordNotFound
		}
		added, err = s.insertPlayer(ctx, tx, code, p)
		return err
	})
	return added, err
}

func (s *SQLStore) ReplaceQuestionRound(ctx context.Context, code string, q *models.QuestionData, endTime time.Time) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	round := 0
	err := s.withTx(ctx, nil, func(tx *sql.Tx) error {
		// UPDATE 先锁住房间行，并发的 start 在这里串行
		res, err := tx.ExecContext(ctx, s.dialect.rebind(`
            UPDATE rooms SET status = ?, round = round + 1, question = ?, end_time = ?
            WHERE code = ? AND status <> ?`),
			string(state.StatusPlaying), q.Question, endTime.UnixMilli(), code, string(state.StatusEnded))
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			exists, err := s.roomExists(ctx, tx, code)
			if err != nil {
				return err
			}
			if exists {
				return ErrRoomClosed
			}
			return ErrRecordNotFound
		}

		if err := tx.QueryRowContext(ctx, s.dialect.rebind(`SELECT round FROM rooms WHERE code = ?`), code).Scan(&round); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.dialect.rebind(`DELETE FROM answer_slots WHERE room_code = ?`), code); err != nil {
			return err
		}
		return s.insertSlots(ctx, tx, code, round, q.Answers)
	})
	return round, err
}

func (s *SQLStore) RevealSlotIfUnrevealed(ctx context.Context, code string, round, slot int, finder string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.reveal(ctx, s.db, code, round, slot, finder)
}

// reveal 比较并交换：只有当前轮次且未揭示的槽位才会被更新
func (s *SQLStore) reveal(ctx context.Context, q querier, code string, round, slot int, finder string) error {
	res, err := q.ExecContext(ctx, s.dialect.rebind(`
        UPDATE answer_slots SET revealed = ?, finder = ?
        WHERE room_code = ? AND idx = ? AND round = ? AND revealed = ?`),
		true, finder, code, slot, round, false)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	exists, err := s.roomExists(ctx, q, code)
	if err != nil {
		return err
	}
	if !exists {
		return ErrRecordNotFound
	}
	return ErrAlreadyRevealed
}

func (s *SQLStore) CreditScore(ctx context.Context, code, uid string, delta int) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.credit(ctx, s.db, code, uid, delta)
}

func (s *SQLStore) credit(ctx context.Context, q querier, code, uid string, delta int) error {
	if delta < 0 {
		return ErrNegativeCredit
	}
	res, err := q.ExecContext(ctx, s.dialect.rebind(
		`UPDATE room_players SET score = score + ? WHERE room_code = ? AND uid = ?`), delta, code, uid)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (s *SQLStore) ClaimSlot(ctx context.Context, code string, claim Claim) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return s.withTx(ctx, nil, func(tx *sql.Tx) error {
		if err := s.lockPlaying(ctx, tx, code, claim.At); err != nil {
			return err
		}
		if err := s.reveal(ctx, tx, code, claim.Round, claim.Slot, claim.Name); err != nil {
			return err
		}
		return s.credit(ctx, tx, code, claim.UID, claim.Points)
	})
}

// lockPlaying 空更新锁住房间行，EndRound 必须等事务结束
func (s *SQLStore) lockPlaying(ctx context.Context, tx *sql.Tx, code string, at time.Time) error {
	query := `UPDATE rooms SET status = status WHERE code = ? AND status = ?`
	args := []any{code, string(state.StatusPlaying)}
	if !at.IsZero() {
		query += ` AND (end_time IS NULL OR end_time >= ?)`
		args = append(args, at.UnixMilli())
	}
	res, err := tx.ExecContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	exists, err := s.roomExists(ctx, tx, code)
	if err != nil {
		return err
	}
	if !exists {
		return ErrRecordNotFound
	}
	return ErrRoomClosed
}

func (s *SQLStore) ExpiredRooms(ctx context.Context, now time.Time) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(
		`SELECT code FROM rooms WHERE status = ? AND end_time < ? ORDER BY code`),
		string(state.StatusPlaying), now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

func (s *SQLStore) EndRound(ctx context.Context, code string, now time.Time) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`UPDATE rooms SET status = ? WHERE code = ? AND status = ? AND end_time < ?`),
		string(state.StatusEnded), code, string(state.StatusPlaying), now.UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}

	exists, err := s.roomExists(ctx, s.db, code)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, ErrRecordNotFound
	}
	return false, nil
}

// Close 关闭数据库连接
func (s *SQLStore) Close() error {
	return s.db.Close()
}
