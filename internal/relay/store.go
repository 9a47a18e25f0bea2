package relay

import (
	"time"

	"github.com/yanun0323/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNoSnapshot is returned when a room has no stored snapshot yet.
var ErrNoSnapshot = errors.New("no snapshot for room")

// RoomSnapshot is the persisted form of one room's document.
type RoomSnapshot struct {
	Room      string `gorm:"primaryKey;size:255"`
	Data      []byte `gorm:"type:bytea"`
	UpdatedAt time.Time
}

// SnapshotStore persists room snapshots in PostgreSQL so rooms survive a
// relay restart.
type SnapshotStore struct {
	db *gorm.DB
}

// OpenSnapshotStore connects and migrates the snapshot table.
func OpenSnapshotStore(dsn string) (*SnapshotStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	if err := db.AutoMigrate(&RoomSnapshot{}); err != nil {
		return nil, errors.Wrap(err, "migrate snapshot table")
	}
	return &SnapshotStore{db: db}, nil
}

// Load returns the stored snapshot for a room, or ErrNoSnapshot.
func (s *SnapshotStore) Load(room string) ([]byte, error) {
	var row RoomSnapshot
	err := s.db.First(&row, "room = ?", room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, errors.Wrap(err, "load snapshot")
	}
	return row.Data, nil
}

// Save upserts the snapshot for a room.
func (s *SnapshotStore) Save(room string, data []byte) error {
	row := RoomSnapshot{Room: room, Data: data, UpdatedAt: time.Now()}
	err := s.db.Save(&row).Error
	return errors.Wrap(err, "save snapshot")
}

// Close releases the connection pool.
func (s *SnapshotStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Wrap(err, "close snapshot store")
	}
	return sqlDB.Close()
}
