// Package registry persists node records in a GORM-backed database.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/zulandar/nodeyard/internal/models"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when no node matches the lookup.
	ErrNotFound = errors.New("registry: node not found")
	// ErrDuplicate is returned when a unique column (name, overlay path,
	// display port, route id) is already taken.
	ErrDuplicate = errors.New("registry: duplicate node field")
)

// Store reads and writes node records.
type Store struct {
	db *gorm.DB
}

// New returns a Store on an already-migrated database.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Load returns the node with the given id.
func (s *Store) Load(ctx context.Context, id uint) (*models.Node, error) {
	var n models.Node
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&n).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("registry: load node %d: %w", id, err)
	}
	return &n, nil
}

// FindByName returns the node with the given name.
func (s *Store) FindByName(ctx context.Context, name string) (*models.Node, error) {
	var n models.Node
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&n).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: name %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("registry: find node %s: %w", name, err)
	}
	return &n, nil
}

// Create inserts a new node record.
func (s *Store) Create(ctx context.Context, n *models.Node) error {
	if err := s.db.WithContext(ctx).Create(n).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: create node %s: %w", ErrDuplicate, n.Name, err)
		}
		return fmt.Errorf("registry: create node %s: %w", n.Name, err)
	}
	return nil
}

// Save inserts or fully overwrites the node record, including cleared
// liveness fields.
func (s *Store) Save(ctx context.Context, n *models.Node) error {
	if err := s.db.WithContext(ctx).Save(n).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: save node %s: %w", ErrDuplicate, n.Name, err)
		}
		return fmt.Errorf("registry: save node %s: %w", n.Name, err)
	}
	return nil
}

// List returns every node ordered by id.
func (s *Store) List(ctx context.Context) ([]models.Node, error) {
	var nodes []models.Node
	if err := s.db.WithContext(ctx).Order("id").Find(&nodes).Error; err != nil {
		return nil, fmt.Errorf("registry: list nodes: %w", err)
	}
	return nodes, nil
}

// ListRunning returns nodes recorded as running.
func (s *Store) ListRunning(ctx context.Context) ([]models.Node, error) {
	var nodes []models.Node
	if err := s.db.WithContext(ctx).Where("status = ?", models.StatusRunning).Order("id").Find(&nodes).Error; err != nil {
		return nil, fmt.Errorf("registry: list running nodes: %w", err)
	}
	return nodes, nil
}

// Delete removes the node record. Deleting a missing record returns ErrNotFound.
func (s *Store) Delete(ctx context.Context, id uint) error {
	result := s.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Node{})
	if result.Error != nil {
		return fmt.Errorf("registry: delete node %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return nil
}

// NextID returns one past the highest id currently stored. Ids of deleted
// trailing nodes are handed out again, and with them their names.
func (s *Store) NextID(ctx context.Context) (uint, error) {
	var max sql.NullInt64
	row := s.db.WithContext(ctx).Model(&models.Node{}).Select("MAX(id)").Row()
	if err := row.Scan(&max); err != nil {
		return 0, fmt.Errorf("registry: next id: %w", err)
	}
	if !max.Valid {
		return 1, nil
	}
	return uint(max.Int64) + 1, nil
}
