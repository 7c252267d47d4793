// Package model はドメインモデルを定義する。
package model

import "time"

// UserRecord はバックエンドのusersテーブルの1行を表す。
// IDは認証済みサブジェクトのIDと一致している必要がある。
type UserRecord struct {
	ID        string
	Email     string
	Name      string
	Role      string
	Status    UserStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UserStatus はユーザーレコードの状態を表す。
type UserStatus string

const (
	// UserStatusActive は有効なユーザー。
	UserStatusActive UserStatus = "active"
	// UserStatusInactive は無効化されたユーザー。
	UserStatusInactive UserStatus = "inactive"
	// UserStatusPending は招待済みで未確定のユーザー。
	UserStatusPending UserStatus = "pending"
)
