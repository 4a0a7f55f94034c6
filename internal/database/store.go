package database

import (
	"context"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// User helpers

func (s *Store) CreateUser(ctx context.Context, u *User) error {
	return translate(s.db.WithContext(ctx).Create(u).Error)
}

func (s *Store) GetUser(ctx context.Context, id uint) (*User, error) {
	var u User
	if err := s.db.WithContext(ctx).First(&u, id).Error; err != nil {
		return nil, translate(err)
	}
	return &u, nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var u User
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&u).Error; err != nil {
		return nil, translate(err)
	}
	return &u, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	var users []User
	if err := s.db.WithContext(ctx).Order("id").Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) DeleteUser(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Delete(&User{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SwapCredits sets the balance to next only if it still equals prev.
// It reports false when another writer changed the balance first.
func (s *Store) SwapCredits(ctx context.Context, userID uint, prev, next int) (bool, error) {
	if next < 0 {
		return false, fmt.Errorf("swap credits: negative balance %d", next)
	}
	res := s.db.WithContext(ctx).Model(&User{}).
		Where("id = ? AND credits = ?", userID, prev).
		Update("credits", next)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// VM helpers

func (s *Store) CreateVM(ctx context.Context, vm *VM) error {
	return translate(s.db.WithContext(ctx).Create(vm).Error)
}

func (s *Store) GetVM(ctx context.Context, id uint) (*VM, error) {
	var vm VM
	if err := s.db.WithContext(ctx).First(&vm, id).Error; err != nil {
		return nil, translate(err)
	}
	return &vm, nil
}

func (s *Store) GetVMByName(ctx context.Context, ownerID uint, name string) (*VM, error) {
	var vm VM
	if err := s.db.WithContext(ctx).Where("owner_id = ? AND name = ?", ownerID, name).First(&vm).Error; err != nil {
		return nil, translate(err)
	}
	return &vm, nil
}

// ListVMs returns VMs ordered by id. ownerID 0 lists every VM.
func (s *Store) ListVMs(ctx context.Context, ownerID uint) ([]VM, error) {
	q := s.db.WithContext(ctx).Order("id")
	if ownerID != 0 {
		q = q.Where("owner_id = ?", ownerID)
	}
	var vms []VM
	if err := q.Find(&vms).Error; err != nil {
		return nil, err
	}
	return vms, nil
}

func (s *Store) CountVMs(ctx context.Context, ownerID uint, status VMStatus) (int64, error) {
	q := s.db.WithContext(ctx).Model(&VM{})
	if ownerID != 0 {
		q = q.Where("owner_id = ?", ownerID)
	}
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var n int64
	err := q.Count(&n).Error
	return n, err
}

// SaveVM writes every column of vm, including nil ip_address and started_at.
func (s *Store) SaveVM(ctx context.Context, vm *VM) error {
	res := s.db.WithContext(ctx).Model(vm).Select("*").Omit("id", "created_at").Updates(vm)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteVM(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Delete(&VM{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Event helpers

type EventFilter struct {
	UserID     *uint
	VMID       *uint
	Types      []EventType
	Severities []Severity
	Since      time.Time
	Until      time.Time
	// Details matches top-level keys of the details JSON exactly.
	Details map[string]string
	Limit   int
	Offset  int
}

const (
	defaultEventLimit = 50
	maxEventLimit     = 1000
)

func (s *Store) CreateEvent(ctx context.Context, e *Event) error {
	if !e.CreatedAt.IsZero() {
		e.CreatedAt = e.CreatedAt.UTC()
	}
	return s.db.WithContext(ctx).Create(e).Error
}

func (s *Store) eventQuery(ctx context.Context, f EventFilter) *gorm.DB {
	q := s.db.WithContext(ctx).Model(&Event{})
	if f.UserID != nil {
		q = q.Where("user_id = ?", *f.UserID)
	}
	if f.VMID != nil {
		q = q.Where("vm_id = ?", *f.VMID)
	}
	if len(f.Types) > 0 {
		q = q.Where("type IN ?", f.Types)
	}
	if len(f.Severities) > 0 {
		q = q.Where("severity IN ?", f.Severities)
	}
	if !f.Since.IsZero() {
		q = q.Where("created_at >= ?", f.Since.UTC())
	}
	if !f.Until.IsZero() {
		q = q.Where("created_at < ?", f.Until.UTC())
	}
	for key, value := range f.Details {
		q = q.Where(datatypes.JSONQuery("details").Equals(value, key))
	}
	return q
}

// ListEvents returns matching events newest first. Ties on created_at are
// broken by insertion order.
func (s *Store) ListEvents(ctx context.Context, f EventFilter) ([]Event, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultEventLimit
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}

	var events []Event
	err := s.eventQuery(ctx, f).
		Order("created_at DESC").Order("id DESC").
		Limit(limit).Offset(f.Offset).
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) CountEvents(ctx context.Context, f EventFilter) (int64, error) {
	var n int64
	err := s.eventQuery(ctx, f).Count(&n).Error
	return n, err
}

// CountEventsBy groups matching events by column ("type" or "severity").
func (s *Store) CountEventsBy(ctx context.Context, column string, f EventFilter) (map[string]int64, error) {
	if column != "type" && column != "severity" {
		return nil, fmt.Errorf("count events: unsupported column %q", column)
	}
	var rows []struct {
		Grp   string
		Count int64
	}
	err := s.eventQuery(ctx, f).
		Select(column + " AS grp, COUNT(*) AS count").
		Group(column).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Grp] = r.Count
	}
	return out, nil
}

// PurgeEventsBefore deletes events older than cutoff and reports how many.
func (s *Store) PurgeEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("created_at < ?", cutoff.UTC()).Delete(&Event{})
	return res.RowsAffected, res.Error
}
