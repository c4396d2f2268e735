package model

import "time"

// UserIdentity はIdPのsubjectクレームから導出される、サインイン済みユーザーの不変キー。
// 資格情報ストアの唯一のキーとして使用する。
type UserIdentity string

// String はfmt.Stringerを実装する。
func (u UserIdentity) String() string {
	return string(u)
}

// Valid は空でないことを確認する。
func (u UserIdentity) Valid() bool {
	return u != ""
}

// Credential はOAuth2のアクセストークン・リフレッシュトークンと有効期限の組。
// 値型として扱い、リフレッシュ時は新しい値で置き換える（インプレースで変更しない）。
// AccessTokenとExpiresAtは常に同時に更新する。
type Credential struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time // UTC
}

// Valid はアクセストークンが設定されているかを返す。
func (c Credential) Valid() bool {
	return c.AccessToken != ""
}

// Expired はnow時点で期限切れかを返す。
// ExpiresAtがゼロ値の場合は期限なしとして扱う。
func (c Credential) Expired(now time.Time) bool {
	return c.ExpiresWithin(now, 0)
}

// ExpiresWithin はnowからmargin以内に期限が切れるかを返す。
func (c Credential) ExpiresWithin(now time.Time, margin time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(margin).Before(c.ExpiresAt)
}

// Equal は2つの資格情報が同一の値かを返す。
func (c Credential) Equal(other Credential) bool {
	return c.AccessToken == other.AccessToken &&
		c.RefreshToken == other.RefreshToken &&
		c.ExpiresAt.Equal(other.ExpiresAt)
}
