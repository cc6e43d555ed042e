package hwsstore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/rivet-dev/runner-go/pkg/protocol"
	"github.com/rivet-dev/runner-go/pkg/runner"
)

// hibernatingWebSocketRecord is the gorm model for one persisted connection.
// Ids are stored base64-encoded so they can participate in the composite
// primary key.
type hibernatingWebSocketRecord struct {
	ActorID            string `gorm:"primaryKey"`
	GatewayID          string `gorm:"primaryKey"`
	RequestID          string `gorm:"primaryKey"`
	ClientMessageIndex uint16
	ServerMessageIndex uint16
	Path               string
	Headers            []byte
	UpdatedAt          time.Time
}

func (hibernatingWebSocketRecord) TableName() string { return "hibernating_web_sockets" }

// SQLiteStore persists metadata in a local sqlite database via gorm.
type SQLiteStore struct {
	db *gorm.DB
}

// NewSQLiteStore opens (and migrates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	if err := db.AutoMigrate(&hibernatingWebSocketRecord{}); err != nil {
		return nil, fmt.Errorf("migrate sqlite store: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Put(ctx context.Context, actorID string, meta runner.HibernatingWebSocketMetadata) error {
	headers, err := json.Marshal(meta.Headers)
	if err != nil {
		return fmt.Errorf("encode headers: %w", err)
	}
	record := hibernatingWebSocketRecord{
		ActorID:            actorID,
		GatewayID:          encodeID(meta.GatewayID[:]),
		RequestID:          encodeID(meta.RequestID[:]),
		ClientMessageIndex: meta.ClientMessageIndex,
		ServerMessageIndex: meta.ServerMessageIndex,
		Path:               meta.Path,
		Headers:            headers,
	}
	return s.db.WithContext(ctx).Save(&record).Error
}

func (s *SQLiteStore) List(ctx context.Context, actorID string) ([]runner.HibernatingWebSocketMetadata, error) {
	var records []hibernatingWebSocketRecord
	if err := s.db.WithContext(ctx).Where("actor_id = ?", actorID).Find(&records).Error; err != nil {
		return nil, err
	}

	out := make([]runner.HibernatingWebSocketMetadata, 0, len(records))
	for _, record := range records {
		meta, err := recordToMetadata(record)
		if err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	return out, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, actorID string, key protocol.RequestKey) error {
	return s.db.WithContext(ctx).
		Where("actor_id = ? AND gateway_id = ? AND request_id = ?",
			actorID, encodeID(key.Gateway[:]), encodeID(key.Request[:])).
		Delete(&hibernatingWebSocketRecord{}).Error
}

func (s *SQLiteStore) DeleteActor(ctx context.Context, actorID string) error {
	return s.db.WithContext(ctx).
		Where("actor_id = ?", actorID).
		Delete(&hibernatingWebSocketRecord{}).Error
}

func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func recordToMetadata(record hibernatingWebSocketRecord) (runner.HibernatingWebSocketMetadata, error) {
	var meta runner.HibernatingWebSocketMetadata
	if err := decodeID(record.GatewayID, meta.GatewayID[:]); err != nil {
		return meta, fmt.Errorf("decode gateway id: %w", err)
	}
	if err := decodeID(record.RequestID, meta.RequestID[:]); err != nil {
		return meta, fmt.Errorf("decode request id: %w", err)
	}
	meta.ClientMessageIndex = record.ClientMessageIndex
	meta.ServerMessageIndex = record.ServerMessageIndex
	meta.Path = record.Path
	if len(record.Headers) > 0 {
		if err := json.Unmarshal(record.Headers, &meta.Headers); err != nil {
			return meta, fmt.Errorf("decode headers: %w", err)
		}
	}
	return meta, nil
}

func encodeID(id []byte) string {
	return base64.StdEncoding.EncodeToString(id)
}

func decodeID(encoded string, dst []byte) error {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return err
	}
	if len(raw) != len(dst) {
		return fmt.Errorf("expected %d bytes, got %d", len(dst), len(raw))
	}
	copy(dst, raw)
	return nil
}
