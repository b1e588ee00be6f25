// ABOUTME: Store interface and data types for leadwatch persistence
// ABOUTME: Users, referral links, payments, projects, monitored chats, tariffs

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateChat is returned when a chat handle is already attached to the project.
var ErrDuplicateChat = errors.New("chat already attached to project")

// ErrReferralInUse is returned when deleting a referral link that users still reference.
var ErrReferralInUse = errors.New("referral link is referenced by users")

// ErrTariffInUse is returned when deleting a plan with active assignments.
var ErrTariffInUse = errors.New("tariff plan has active assignments")

// ErrNegativeBalance is returned when a debit would push a balance below zero.
var ErrNegativeBalance = errors.New("insufficient balance")

// User is a tenant, identified by their messaging-platform user id.
// Balance is kept in minor currency units and never goes negative.
type User struct {
	ID           int64
	UserID       int64
	Username     string
	FullName     string
	Balance      int64
	IsAdmin      bool
	IsActive     bool
	ReferrerCode string
	CreatedAt    time.Time
}

// ReferralLink is an admin-created registration code.
type ReferralLink struct {
	ID        int64
	Code      string
	CreatedAt time.Time
}

// PaymentHistory is an append-only record of one settled credit event.
type PaymentHistory struct {
	ID        int64
	UserID    int64
	Amount    int64
	CreatedAt time.Time
}

// TariffPlan caps the number of projects and chats-per-project a subscriber
// may operate. The distinguished zero plan has Price 0 and unit caps.
type TariffPlan struct {
	ID                 int64
	Name               string
	Description        string
	Price              int64
	MaxProjects        int
	MaxChatsPerProject int
	IsActive           bool
	CreatedAt          time.Time
}

// UserTariff assigns a plan to a user with an expiry. Exactly one row per user.
type UserTariff struct {
	ID           int64
	UserID       int64
	TariffPlanID int64
	StartDate    time.Time
	EndDate      time.Time
	IsActive     bool
}

// Project is a tenant-owned container grouping monitored chats.
type Project struct {
	ID          int64
	UserID      int64
	Name        string
	Description string
	IsActive    bool
}

// MonitoredChat references an external chat attached to a project.
// ChatHandle is either "@name" or a signed numeric id rendered as a string.
// Keywords is a comma-separated filter; empty means match any non-empty text.
type MonitoredChat struct {
	ID         int64
	ProjectID  int64
	ChatHandle string
	Title      string
	Type       string
	InviteLink string
	Keywords   string
	IsActive   bool
}

// TariffUsage summarises a user's entitlement and current consumption.
type TariffUsage struct {
	HasTariff          bool
	PlanID             int64
	PlanName           string
	MaxProjects        int
	MaxChatsPerProject int
	CurrentProjects    int
	EndDate            time.Time
}

// Store is the single source of truth for all persistent state.
type Store interface {
	// Users
	GetOrCreateUser(ctx context.Context, userID int64, username, fullName, referrerCode string) (*User, bool, error)
	GetUser(ctx context.Context, userID int64) (*User, error)
	ListUsers(ctx context.Context) ([]*User, error)
	ListAdmins(ctx context.Context) ([]*User, error)
	SetAdmin(ctx context.Context, userID int64, isAdmin bool) error
	SetUserActive(ctx context.Context, userID int64, isActive bool) error
	AddToBalance(ctx context.Context, userID int64, delta int64) (int64, error)

	// Referral links
	CreateReferralLink(ctx context.Context, code string) (*ReferralLink, error)
	GetReferralLink(ctx context.Context, code string) (*ReferralLink, error)
	ListReferralLinks(ctx context.Context) ([]*ReferralLink, error)
	CountReferralUsers(ctx context.Context, code string) (int, error)
	DeleteReferralLink(ctx context.Context, code string) error

	// Payment history
	RecordPayment(ctx context.Context, userID, amount int64) (*PaymentHistory, error)
	ListPayments(ctx context.Context, userID int64) ([]*PaymentHistory, error)

	// Projects
	CreateProject(ctx context.Context, userID int64, name, description string) (*Project, error)
	GetProject(ctx context.Context, id int64) (*Project, error)
	ListUserProjects(ctx context.Context, userID int64, activeOnly bool) ([]*Project, error)
	ListActiveProjects(ctx context.Context) ([]*Project, error)
	CountActiveProjects(ctx context.Context, userID int64) (int, error)
	SetProjectActive(ctx context.Context, id int64, isActive bool) error
	DeleteProject(ctx context.Context, id int64) error

	// Monitored chats
	AddChat(ctx context.Context, chat *MonitoredChat) (*MonitoredChat, error)
	GetChat(ctx context.Context, id int64) (*MonitoredChat, error)
	ListProjectChats(ctx context.Context, projectID int64, activeOnly bool) ([]*MonitoredChat, error)
	CountActiveChats(ctx context.Context, projectID int64) (int, error)
	SetChatActive(ctx context.Context, id int64, isActive bool) error
	UpdateChatKeywords(ctx context.Context, id int64, keywords string) error
	UpdateChatTitle(ctx context.Context, id int64, title string) error
	DeleteChat(ctx context.Context, id int64) error

	// Tariff plans
	EnsureZeroPlan(ctx context.Context) (*TariffPlan, error)
	CreateTariffPlan(ctx context.Context, plan *TariffPlan) (*TariffPlan, error)
	GetTariffPlan(ctx context.Context, id int64) (*TariffPlan, error)
	ListTariffPlans(ctx context.Context, activeOnly bool) ([]*TariffPlan, error)
	SetTariffPlanActive(ctx context.Context, id int64, isActive bool) error
	DeleteTariffPlan(ctx context.Context, id int64) error

	// User tariff assignments
	AssignTariff(ctx context.Context, userID, planID int64, duration time.Duration) (*UserTariff, error)
	GetUserTariff(ctx context.Context, userID int64) (*UserTariff, error)
	GetTariffUsage(ctx context.Context, userID int64) (*TariffUsage, error)
	ListActiveUserTariffs(ctx context.Context) ([]*UserTariff, error)
	DeactivateUserTariff(ctx context.Context, userID int64) error

	// Close releases any resources held by the store.
	Close() error
}
