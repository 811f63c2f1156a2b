// models/gorm_models.go
package models

// GormRoom rooms 表
type GormRoom struct {
	Code      string  `gorm:"primaryKey;size:64"`
	HostID    string  `gorm:"not null"`
	Status    string  `gorm:"not null;index"`
	Round     int     `gorm:"not null;default:0"`
	Question  *string // nil 表示尚未开始
	CreatedAt int64   `gorm:"not null;autoCreateTime:false"` // unix 毫秒
	EndTime   *int64  `gorm:"index"`
}

func (GormRoom) TableName() string { return "rooms" }

// GormRoomPlayer room_players 表，(room_code, uid) 唯一，seq 记录加入顺序
type GormRoomPlayer struct {
	Seq      int64  `gorm:"primaryKey;autoIncrement"`
	RoomCode string `gorm:"not null;size:64;uniqueIndex:idx_room_players_member"`
	UID      string `gorm:"column:uid;not null;uniqueIndex:idx_room_players_member"`
	Name     string `gorm:"not null"`
	Score    int    `gorm:"not null;default:0"`
}

func (GormRoomPlayer) TableName() string { return "room_players" }

// GormAnswerSlot answer_slots 表，每个房间只保留当前轮次的槽位
type GormAnswerSlot struct {
	RoomCode string  `gorm:"primaryKey;size:64"`
	Idx      int     `gorm:"primaryKey;autoIncrement:false"`
	Round    int     `gorm:"not null"`
	Text     string  `gorm:"not null"`
	Points   int     `gorm:"not null"`
	Revealed bool    `gorm:"not null;default:false"`
	Finder   *string
}

func (GormAnswerSlot) TableName() string { return "answer_slots" }
