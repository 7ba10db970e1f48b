package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Room 房间的持久投影。内存定序/因果状态可以被闲置回收，
// 这条记录独立存在，承载代码快照与因果链的落盘副本。
type Room struct {
	ID                string `gorm:"primaryKey;size:64"`
	Language          string `gorm:"size:32"`
	CodeSnapshot      string `gorm:"type:mediumtext"`
	CodeVersion       uint64
	LastCodeStateHash string `gorm:"size:32"`
	LastExecutionHash string `gorm:"size:32"`
	LastCodeChangeSeq int64
	LastExecutionSeq  int64
	ExecutionCount    uint64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (Room) TableName() string { return "rooms" }

type RoomStore struct{ db *gorm.DB }

func NewRoomStore(db *gorm.DB) *RoomStore {
	return &RoomStore{db: db}
}

// LoadOrCreate 首次访问时创建持久记录（引擎侧的“房间按需出现”）
func (s *RoomStore) LoadOrCreate(ctx context.Context, roomID string) (Room, error) {
	var room Room
	err := s.db.WithContext(ctx).
		Where(Room{ID: roomID}).
		FirstOrCreate(&room, Room{ID: roomID}).Error
	if err != nil {
		return Room{}, fmt.Errorf("load or create room %s: %w", roomID, err)
	}
	return room, nil
}

// SaveSnapshot 落盘最新代码快照与版本信息
func (s *RoomStore) SaveSnapshot(ctx context.Context, roomID, code, language string, version uint64, stateHash string, changeSeq int64) error {
	err := s.db.WithContext(ctx).Model(&Room{ID: roomID}).Updates(map[string]interface{}{
		"code_snapshot":        code,
		"language":             language,
		"code_version":         version,
		"last_code_state_hash": stateHash,
		"last_code_change_seq": changeSeq,
	}).Error
	if err != nil {
		return fmt.Errorf("save snapshot room=%s: %w", roomID, err)
	}
	return nil
}

// SaveExecution 落盘执行侧因果字段
func (s *RoomStore) SaveExecution(ctx context.Context, roomID, execHash string, execSeq int64, execCount uint64) error {
	err := s.db.WithContext(ctx).Model(&Room{ID: roomID}).Updates(map[string]interface{}{
		"last_execution_hash": execHash,
		"last_execution_seq":  execSeq,
		"execution_count":     execCount,
	}).Error
	if err != nil {
		return fmt.Errorf("save execution room=%s: %w", roomID, err)
	}
	return nil
}

// Get 读取持久记录；不存在时返回 gorm.ErrRecordNotFound
func (s *RoomStore) Get(ctx context.Context, roomID string) (Room, error) {
	var room Room
	if err := s.db.WithContext(ctx).First(&room, "id = ?", roomID).Error; err != nil {
		return Room{}, err
	}
	return room, nil
}
