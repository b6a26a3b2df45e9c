package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type UserStatus string

type ResetStrategy string

const (
	UserStatusActive   UserStatus = "active"
	UserStatusOnHold   UserStatus = "on_hold"
	UserStatusLimited  UserStatus = "limited"
	UserStatusExpired  UserStatus = "expired"
	UserStatusDisabled UserStatus = "disabled"
	UserStatusDeleted  UserStatus = "deleted"
)

const (
	ResetStrategyNever   ResetStrategy = "no_reset"
	ResetStrategyDaily   ResetStrategy = "day"
	ResetStrategyWeekly  ResetStrategy = "week"
	ResetStrategyMonthly ResetStrategy = "month"
	ResetStrategyYearly  ResetStrategy = "year"
)

// NextPlan is the pending allowance swapped in when the current one is
// exhausted. ExpireDuration is seconds from activation; zero means unlimited.
type NextPlan struct {
	DataLimit           int64 `json:"data_limit"`
	ExpireDuration      int64 `json:"expire_duration"`
	AddRemainingTraffic bool  `json:"add_remaining_traffic"`
	FireOnEither        bool  `json:"fire_on_either"`
}

// UnmarshalJSON defaults fire_on_either to true when the field is absent,
// so a plan activates on whichever breach comes first unless the caller
// explicitly demands both.
func (p *NextPlan) UnmarshalJSON(data []byte) error {
	type plain NextPlan
	aux := struct {
		FireOnEither *bool `json:"fire_on_either"`
		*plain
	}{plain: (*plain)(p)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	p.FireOnEither = aux.FireOnEither == nil || *aux.FireOnEither
	return nil
}

type User struct {
	ID                     uuid.UUID     `db:"id" json:"id"`
	Username               string        `db:"username" json:"username"`
	AdminID                *uuid.UUID    `db:"admin_id" json:"admin_id,omitempty"`
	ServiceID              *uuid.UUID    `db:"service_id" json:"service_id,omitempty"`
	Status                 UserStatus    `db:"status" json:"status"`
	UsedTraffic            int64         `db:"used_traffic" json:"used_traffic"`
	LifetimeUsedTraffic    int64         `db:"lifetime_used_traffic" json:"lifetime_used_traffic"`
	DataLimit              int64         `db:"data_limit" json:"data_limit"`
	DataLimitResetStrategy ResetStrategy `db:"data_limit_reset_strategy" json:"data_limit_reset_strategy"`
	ExpireAt               *time.Time    `db:"expire_at" json:"expire_at,omitempty"`
	OnHoldExpireDuration   int64         `db:"on_hold_expire_duration" json:"on_hold_expire_duration"`
	OnHoldTimeout          *time.Time    `db:"on_hold_timeout" json:"on_hold_timeout,omitempty"`
	CredentialKey          string        `db:"credential_key" json:"-"`
	Note                   *string       `db:"note" json:"note,omitempty"`
	SubUpdatedAt           *time.Time    `db:"sub_updated_at" json:"sub_updated_at,omitempty"`
	OnlineAt               *time.Time    `db:"online_at" json:"online_at,omitempty"`
	LastStatusChange       time.Time     `db:"last_status_change" json:"last_status_change"`
	NextPlan               *NextPlan     `db:"next_plan" json:"next_plan,omitempty"`
	Version                int64         `db:"version" json:"-"`
	CreatedAt              time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt              time.Time     `db:"updated_at" json:"updated_at"`
	DeletedAt              *time.Time    `db:"deleted_at" json:"-"`
}

// DataLimitReached reports whether the data allowance is exhausted.
// A zero limit means unlimited and never trips.
func (u *User) DataLimitReached() bool {
	return u.DataLimit > 0 && u.UsedTraffic >= u.DataLimit
}

// ExpiredAt reports whether the absolute expiry has passed. A nil expiry
// means the user never expires.
func (u *User) ExpiredAt(now time.Time) bool {
	return u.ExpireAt != nil && !u.ExpireAt.After(now)
}

func (u *User) UsagePercent() float64 {
	if u.DataLimit <= 0 {
		return 0
	}
	return float64(u.UsedTraffic) / float64(u.DataLimit) * 100
}

func (u *User) RemainingTraffic() int64 {
	if u.DataLimit <= 0 {
		return 0
	}
	if remaining := u.DataLimit - u.UsedTraffic; remaining > 0 {
		return remaining
	}
	return 0
}
