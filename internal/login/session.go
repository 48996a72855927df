package login

import (
	"sync"
	"time"

	"github.com/hitoshi/rollcall/internal/model"
)

// State はログインセッションの状態。
type State string

const (
	StateAwaitingChallenge State = "awaiting_challenge"
	StateChallengeReady    State = "challenge_ready"
	StateApproved          State = "approved"
	StatePersisted         State = "persisted"
	StateExpired           State = "expired"
	StateFailed            State = "failed"
)

// Terminal は終端状態かを返す。終端状態のセッションはテーブルから取り除かれる。
func (s State) Terminal() bool {
	switch s {
	case StatePersisted, StateExpired, StateFailed:
		return true
	}
	return false
}

// session はオーケストレーターの作業用メモリ。永続化しない。
// mu がSave / Cancel / 承認 / 期限切れを直列化する。
type session struct {
	mu sync.Mutex

	id             string
	challengeID    string
	scannableToken string
	expirySeconds  int
	createdAt      time.Time
	state          State
	pending        *model.PendingIdentity
	timer          *time.Timer
}

func (s *session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
