// persistence/gorm_postgresql.go
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/wfunc/quizroom/models"
	"github.com/wfunc/quizroom/state"
)

// GormPostgreSQL 使用GORM的PostgreSQL实现
type GormPostgreSQL struct {
	db *gorm.DB
}

// NewGormPostgreSQL 创建GORM PostgreSQL数据库连接
func NewGormPostgreSQL(host string, port int, user, password, dbname, sslmode string) (*GormPostgreSQL, error) {
	if sslmode == "" {
		sslmode = "disable"
	}
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		host, port, user, password, dbname, sslmode)
	return OpenGormPostgreSQL(dsn)
}

// OpenGormPostgreSQL opens a store from a libpq-style DSN.
func OpenGormPostgreSQL(dsn string) (*GormPostgreSQL, error) {
	// 配置GORM日志
	gormLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags), // io writer
		logger.Config{
			SlowThreshold: time.Second,   // 慢SQL阈值
			LogLevel:      logger.Silent, // 日志级别
			Colorful:      false,         // 禁用彩色打印
		},
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		return nil, err
	}

	// 获取通用数据库对象 sql.DB
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	// 设置连接池
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	// 自动迁移表结构
	if err := autoMigrate(db); err != nil {
		return nil, err
	}

	return &GormPostgreSQL{db: db}, nil
}

// autoMigrate 自动迁移表结构
func autoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.GormRoom{},
		&models.GormRoomPlayer{},
		&models.GormAnswerSlot{},
	)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrRecordNotFound
	}
	return err
}

func (p *GormPostgreSQL) GetRoom(ctx context.Context, code string) (*models.Room, error) {
	var room *models.Room
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row models.GormRoom
		if err := tx.Where("code = ?", code).First(&row).Error; err != nil {
			return notFound(err)
		}

		var players []models.GormRoomPlayer
		if err := tx.Where("room_code = ?", code).Order("seq").Find(&players).Error; err != nil {
			return err
		}

		var slots []models.GormAnswerSlot
		if row.Question != nil {
			if err := tx.Where("room_code = ? AND round = ?", code, row.Round).Order("idx").Find(&slots).Error; err != nil {
				return err
			}
		}

		var err error
		room, err = roomFromRows(row, players, slots)
		return err
	}, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	return room, err
}

func roomFromRows(row models.GormRoom, players []models.GormRoomPlayer, slots []models.GormAnswerSlot) (*models.Room, error) {
	status, err := state.ParseStatus(row.Status)
	if err != nil {
		return nil, err
	}

	room := &models.Room{
		Code:      row.Code,
		HostID:    row.HostID,
		Status:    status,
		Round:     row.Round,
		Players:   make([]models.Player, 0, len(players)),
		CreatedAt: time.UnixMilli(row.CreatedAt),
		EndTime:   row.EndTime,
	}
	for _, p := range players {
		room.Players = append(room.Players, models.Player{UID: p.UID, Name: p.Name, Score: p.Score})
	}
	if row.Question != nil {
		q := &models.QuestionData{Question: *row.Question, Answers: make([]models.AnswerSlot, 0, len(slots))}
		for _, s := range slots {
			q.Answers = append(q.Answers, models.AnswerSlot{Text: s.Text, Revealed: s.Revealed, Points: s.Points, Finder: s.Finder})
		}
		room.QuestionData = q
	}
	return room, nil
}

func slotRows(code string, round int, answers []models.AnswerSlot) []models.GormAnswerSlot {
	rows := make([]models.GormAnswerSlot, len(answers))
	for i, a := range answers {
		rows[i] = models.GormAnswerSlot{
			RoomCode: code,
			Idx:      i,
			Round:    round,
			Text:     a.Text,
			Points:   a.Points,
			Revealed: a.Revealed,
			Finder:   a.Finder,
		}
	}
	return rows
}

func (p *GormPostgreSQL) InsertRoom(ctx context.Context, room *models.Room) error {
	row := models.GormRoom{
		Code:      room.Code,
		HostID:    room.HostID,
		Status:    string(room.Status),
		Round:     room.Round,
		CreatedAt: room.CreatedAt.UnixMilli(),
		EndTime:   room.EndTime,
	}
	if room.QuestionData != nil {
		question := room.QuestionData.Question
		row.Question = &question
	}

	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrConflict
		}

		for _, pl := range room.Players {
			if _, err := insertGormPlayer(tx, room.Code, pl); err != nil {
				return err
			}
		}
		if room.QuestionData != nil && len(room.QuestionData.Answers) > 0 {
			return tx.Create(slotRows(room.Code, room.Round, room.QuestionData.Answers)).Error
		}
		return nil
	})
}

func insertGormPlayer(tx *gorm.DB, code string, pl models.Player) (bool, error) {
	row := models.GormRoomPlayer{RoomCode: code, UID: pl.UID, Name: pl.Name, Score: pl.Score}
	result := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_code"}, {Name: "uid"}},
		DoNothing: true,
	}).Create(&row)
	return result.RowsAffected > 0, result.Error
}

func gormRoomExists(tx *gorm.DB, code string) (bool, error) {
	var count int64
	err := tx.Model(&models.GormRoom{}).Where("code = ?", code).Count(&count).Error
	return count > 0, err
}

func (p *GormPostgreSQL) AddPlayerIfAbsent(ctx context.Context, code string, pl models.Player) (bool, error) {
	added := false
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		exists, err := gormRoomExists(tx, code)
		if err != nil {
			return err
		}
		if !exists {
			return ErrRecordNotFound
		}
		added, err = insertGormPlayer(tx, code, pl)
		return err
	})
	return added, err
}

func (p *GormPostgreSQL) ReplaceQuestionRound(ctx context.Context, code string, q *models.QuestionData, endTime time.Time) (int, error) {
	round := 0
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.GormRoom{}).
			Where("code = ? AND status <> ?", code, string(state.StatusEnded)).
			Updates(map[string]interface{}{
				"status":   string(state.StatusPlaying),
				"round":    gorm.Expr("round + 1"),
				"question": q.Question,
				"end_time": endTime.UnixMilli(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			exists, err := gormRoomExists(tx, code)
			if err != nil {
				return err
			}
			if exists {
				return ErrRoomClosed
			}
			return ErrRecordNotFound
		}

		var row models.GormRoom
		if err := tx.Where("code = ?", code).First(&row).Error; err != nil {
			return notFound(err)
		}
		round = row.Round

		if err := tx.Where("room_code = ?", code).Delete(&models.GormAnswerSlot{}).Error; err != nil {
			return err
		}
		if len(q.Answers) == 0 {
			return nil
		}
		return tx.Create(slotRows(code, round, q.Answers)).Error
	})
	return round, err
}

func (p *GormPostgreSQL) RevealSlotIfUnrevealed(ctx context.Context, code string, round, slot int, finder string) error {
	return gormReveal(p.db.WithContext(ctx), code, round, slot, finder)
}

func gormReveal(tx *gorm.DB, code string, round, slot int, finder string) error {
	result := tx.Model(&models.GormAnswerSlot{}).
		Where("room_code = ? AND idx = ? AND round = ? AND revealed = ?", code, slot, round, false).
		Updates(map[string]interface{}{"revealed": true, "finder": finder})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	exists, err := gormRoomExists(tx, code)
	if err != nil {
		return err
	}
	if !exists {
		return ErrRecordNotFound
	}
	return ErrAlreadyRevealed
}

func (p *GormPostgreSQL) CreditScore(ctx context.Context, code, uid string, delta int) error {
	return gormCredit(p.db.WithContext(ctx), code, uid, delta)
}

func gormCredit(tx *gorm.DB, code, uid string, delta int) error {
	if delta < 0 {
		return ErrNegativeCredit
	}
	result := tx.Model(&models.GormRoomPlayer{}).
		Where("room_code = ? AND uid = ?", code, uid).
		Update("score", gorm.Expr("score + ?", delta))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// ClaimSlot 揭示和加分在同一事务内完成
func (p *GormPostgreSQL) ClaimSlot(ctx context.Context, code string, claim Claim) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := gormLockPlaying(tx, code, claim.At); err != nil {
			return err
		}
		if err := gormReveal(tx, code, claim.Round, claim.Slot, claim.Name); err != nil {
			return err
		}
		return gormCredit(tx, code, claim.UID, claim.Points)
	})
}

// gormLockPlaying 对 playing 房间加行锁，回合已结束返回 ErrRoomClosed
func gormLockPlaying(tx *gorm.DB, code string, at time.Time) error {
	q := tx.Model(&models.GormRoom{}).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("code = ? AND status = ?", code, string(state.StatusPlaying))
	if !at.IsZero() {
		q = q.Where("(end_time IS NULL OR end_time >= ?)", at.UnixMilli())
	}
	var codes []string
	if err := q.Pluck("code", &codes).Error; err != nil {
		return err
	}
	if len(codes) > 0 {
		return nil
	}

	exists, err := gormRoomExists(tx, code)
	if err != nil {
		return err
	}
	if !exists {
		return ErrRecordNotFound
	}
	return ErrRoomClosed
}

func (p *GormPostgreSQL) ExpiredRooms(ctx context.Context, now time.Time) ([]string, error) {
	var codes []string
	err := p.db.WithContext(ctx).Model(&models.GormRoom{}).
		Where("status = ? AND end_time < ?", string(state.StatusPlaying), now.UnixMilli()).
		Order("code").
		Pluck("code", &codes).Error
	return codes, err
}

func (p *GormPostgreSQL) EndRound(ctx context.Context, code string, now time.Time) (bool, error) {
	db := p.db.WithContext(ctx)
	result := db.Model(&models.GormRoom{}).
		Where("code = ? AND status = ? AND end_time < ?", code, string(state.StatusPlaying), now.UnixMilli()).
		Update("status", string(state.StatusEnded))
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected > 0 {
		return true, nil
	}

	exists, err := gormRoomExists(db, code)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, ErrRecordNotFound
	}
	return false, nil
}

// Close 关闭数据库连接
func (p *GormPostgreSQL) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
