package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type requestLogModel struct {
	ID          uint64    `gorm:"primaryKey"`
	Address     string    `gorm:"size:45;not null;index:idx_request_logs_window,priority:2"`
	Path        string    `gorm:"size:2048;not null"`
	RequestedAt time.Time `gorm:"not null;index:idx_request_logs_window,priority:1"`
	Country     *string   `gorm:"size:128"`
	City        *string   `gorm:"size:128"`
}

func (requestLogModel) TableName() string { return "request_logs" }

type blockedAddressModel struct {
	Address   string    `gorm:"primaryKey;size:45"`
	Source    string    `gorm:"size:32;not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (blockedAddressModel) TableName() string { return "blocked_addresses" }

type suspiciousAddressModel struct {
	Address   string    `gorm:"primaryKey;size:45"`
	Reason    string    `gorm:"size:512;not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (suspiciousAddressModel) TableName() string { return "suspicious_addresses" }

type gormStore struct {
	db *gorm.DB
}

// OpenPostgres returns the dialector for a PostgreSQL DSN.
func OpenPostgres(dsn string) gorm.Dialector {
	return postgres.Open(dsn)
}

// NewGormStore opens a relational store on the given dialector and migrates
// its schema.
func NewGormStore(dialector gorm.Dialector) (Store, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&requestLogModel{}, &blockedAddressModel{}, &suspiciousAddressModel{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(20)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}
	return &gormStore{db: db}, nil
}

// ---- Request history -------------------------------------------------------

func (s *gormStore) AppendRequestLog(ctx context.Context, entry RequestLogEntry) error {
	return s.db.WithContext(ctx).Create(&requestLogModel{
		Address:     entry.Address,
		Path:        entry.Path,
		RequestedAt: entry.Timestamp.UTC(),
		Country:     entry.Country,
		City:        entry.City,
	}).Error
}

func (s *gormStore) CountRequestsByAddress(ctx context.Context, since time.Time) (map[string]int, error) {
	var rows []struct {
		Address string
		Total   int
	}
	err := s.db.WithContext(ctx).Model(&requestLogModel{}).
		Select("address, COUNT(*) AS total").
		Where("requested_at >= ?", since.UTC()).
		Group("address").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(rows))
	for _, r := range rows {
		counts[r.Address] = r.Total
	}
	return counts, nil
}

func (s *gormStore) AddressesWithPathPrefix(ctx context.Context, since time.Time, prefix string) ([]string, error) {
	var addrs []string
	err := s.db.WithContext(ctx).Model(&requestLogModel{}).
		Distinct("address").
		Where("requested_at >= ? AND path LIKE ? ESCAPE '\\'", since.UTC(), escapeLike(prefix)+"%").
		Order("address").
		Pluck("address", &addrs).Error
	return addrs, err
}

func (s *gormStore) PruneRequestLogs(ctx context.Context, before time.Time) (int, error) {
	res := s.db.WithContext(ctx).Where("requested_at < ?", before.UTC()).Delete(&requestLogModel{})
	return int(res.RowsAffected), res.Error
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

// ---- Denylist --------------------------------------------------------------

func (s *gormStore) BlockExists(ctx context.Context, addr string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&blockedAddressModel{}).Where("address = ?", addr).Limit(1).Count(&n).Error
	return n > 0, err
}

func (s *gormStore) BlockAdd(ctx context.Context, addr, source string) (bool, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&blockedAddressModel{
		Address:   addr,
		Source:    source,
		CreatedAt: time.Now().UTC(),
	})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *gormStore) BlockGet(ctx context.Context, addr string) (*BlockedAddress, error) {
	var m blockedAddressModel
	err := s.db.WithContext(ctx).Where("address = ?", addr).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &BlockedAddress{Address: m.Address, Source: m.Source, CreatedAt: m.CreatedAt}, nil
}

func (s *gormStore) BlockDelete(ctx context.Context, addr string) (bool, error) {
	res := s.db.WithContext(ctx).Where("address = ?", addr).Delete(&blockedAddressModel{})
	return res.RowsAffected > 0, res.Error
}

func (s *gormStore) BlockList(ctx context.Context) ([]BlockedAddress, error) {
	var models []blockedAddressModel
	if err := s.db.WithContext(ctx).Order("address").Find(&models).Error; err != nil {
		return nil, err
	}
	result := make([]BlockedAddress, 0, len(models))
	for _, m := range models {
		result = append(result, BlockedAddress{Address: m.Address, Source: m.Source, CreatedAt: m.CreatedAt})
	}
	return result, nil
}

// ---- Suspicious addresses --------------------------------------------------

func (s *gormStore) UpsertSuspicious(ctx context.Context, addr, reason string) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "address"}},
		DoUpdates: clause.AssignmentColumns([]string{"reason", "updated_at"}),
	}).Create(&suspiciousAddressModel{
		Address:   addr,
		Reason:    reason,
		UpdatedAt: time.Now().UTC(),
	}).Error
}

func (s *gormStore) GetSuspicious(ctx context.Context, addr string) (*SuspiciousAddress, error) {
	var m suspiciousAddressModel
	err := s.db.WithContext(ctx).Where("address = ?", addr).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &SuspiciousAddress{Address: m.Address, Reason: m.Reason, UpdatedAt: m.UpdatedAt}, nil
}

func (s *gormStore) ListSuspicious(ctx context.Context) ([]SuspiciousAddress, error) {
	var models []suspiciousAddressModel
	if err := s.db.WithContext(ctx).Order("address").Find(&models).Error; err != nil {
		return nil, err
	}
	result := make([]SuspiciousAddress, 0, len(models))
	for _, m := range models {
		result = append(result, SuspiciousAddress{Address: m.Address, Reason: m.Reason, UpdatedAt: m.UpdatedAt})
	}
	return result, nil
}

// ---- Utility ---------------------------------------------------------------

// SizeBytes reports the database size. It doubles as a liveness probe.
func (s *gormStore) SizeBytes() (int64, error) {
	var size int64
	switch s.db.Dialector.Name() {
	case "postgres":
		err := s.db.Raw("SELECT pg_database_size(current_database())").Scan(&size).Error
		return size, err
	case "sqlite":
		err := s.db.Raw("SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()").Scan(&size).Error
		return size, err
	default:
		sqlDB, err := s.db.DB()
		if err != nil {
			return 0, err
		}
		return 0, sqlDB.Ping()
	}
}

func (s *gormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
