package database

import (
	"time"

	"gorm.io/datatypes"
)

type VMStatus string

const (
	StatusPending   VMStatus = "pending"
	StatusRunning   VMStatus = "running"
	StatusStopped   VMStatus = "stopped"
	StatusError     VMStatus = "error"
	StatusFailed    VMStatus = "failed"
	StatusDestroyed VMStatus = "destroyed"
)

// Valid reports whether s is one of the known statuses.
func (s VMStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusStopped, StatusError, StatusFailed, StatusDestroyed:
		return true
	}
	return false
}

type EventType string

const (
	EventVM       EventType = "vm"
	EventAuth     EventType = "auth"
	EventSystem   EventType = "system"
	EventSecurity EventType = "security"
	EventAdmin    EventType = "admin"
	EventTerminal EventType = "terminal"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

type User struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Username     string    `gorm:"uniqueIndex;not null;size:64" json:"username"`
	PasswordHash string    `gorm:"not null" json:"-"`
	Credits      int       `gorm:"not null;check:credits >= 0" json:"credits"`
	IsActive     bool      `gorm:"not null" json:"is_active"`
	IsAdmin      bool      `gorm:"not null" json:"is_admin"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type VM struct {
	ID            uint              `gorm:"primaryKey;autoIncrement" json:"id"`
	OwnerID       uint              `gorm:"not null;uniqueIndex:idx_vm_owner_name" json:"owner_id"`
	Name          string            `gorm:"not null;size:100;uniqueIndex:idx_vm_owner_name" json:"name"`
	OSType        string            `gorm:"column:os_type;not null" json:"os_type"`
	RAMMB         int               `gorm:"column:ram_mb;not null" json:"ram_mb"`
	DiskGB        int               `gorm:"column:disk_gb;not null" json:"disk_gb"`
	CPUCores      int               `gorm:"column:cpu_cores;not null" json:"cpu_cores"`
	Cost          int               `gorm:"not null" json:"cost"`
	Status        VMStatus          `gorm:"not null;index;size:16" json:"status"`
	Handle        string            `json:"handle"`
	IPAddress     *string           `gorm:"column:ip_address" json:"ip_address"`
	UptimeSeconds int64             `gorm:"not null" json:"uptime_seconds"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	Metadata      datatypes.JSONMap `json:"metadata"`
	CreatedAt     time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

type Event struct {
	ID        uint              `gorm:"primaryKey;autoIncrement" json:"id"`
	Type      EventType         `gorm:"not null;index;size:16" json:"type"`
	Severity  Severity          `gorm:"not null;index;size:16" json:"severity"`
	Message   string            `gorm:"not null" json:"message"`
	Details   datatypes.JSONMap `json:"details"`
	UserID    *uint             `gorm:"index" json:"user_id,omitempty"`
	VMID      *uint             `gorm:"column:vm_id;index" json:"vm_id,omitempty"`
	CreatedAt time.Time         `gorm:"index" json:"created_at"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
