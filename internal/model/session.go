// Package model はドメインモデルを定義する。
package model

import "time"

// Session はユーザーのログインセッションを表す。
// セッション（長寿命のCookie）と資格情報（短寿命のトークン）は独立した寿命を持ち、
// リクエストごとにセッションガードが両者を同期させる。
type Session struct {
	ID           string
	UserIdentity UserIdentity
	DisplayName  string
	ExpiresAt    time.Time
	CreatedAt    time.Time
}

// Expired はnow時点でセッションが期限切れかを返す。
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
