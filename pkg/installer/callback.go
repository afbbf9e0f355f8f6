package installer

import (
	"context"
	"time"

	"github.com/CyanogenMod/android-frameworks-base-sub001/internal/logger"
	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/installer/index"
	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/session"
)

// callback receives the events of every session the service owns.
type callback Service

func (c *callback) svc() *Service { return (*Service)(c) }

func (c *callback) OnActiveChanged(sess *session.Session, active bool) {
	for _, l := range c.svc().snapshotListeners() {
		l.OnActiveChanged(sess.ID(), active)
	}
}

func (c *callback) OnPrepared(sess *session.Session) {
	c.persist(sess)
}

func (c *callback) OnSealed(sess *session.Session) {
	s := c.svc()
	s.mu.Lock()
	s.sealedAt[sess.ID()] = time.Now()
	s.mu.Unlock()
	c.persist(sess)
}

func (c *callback) OnProgressChanged(sess *session.Session, progress float64) {
	for _, l := range c.svc().snapshotListeners() {
		l.OnProgressChanged(sess.ID(), progress)
	}
}

func (c *callback) OnFinished(sess *session.Session, success bool) {
	s := c.svc()
	id := sess.ID()
	code, msg, _ := sess.FinalStatus()

	s.mu.Lock()
	delete(s.sessions, id)
	var sealedFor time.Duration
	if at, ok := s.sealedAt[id]; ok {
		sealedFor = time.Since(at)
		delete(s.sealedAt, id)
	}
	s.history = append(s.history, Finished{
		Info:       sess.Info(),
		Code:       code,
		Message:    msg,
		FinishedAt: time.Now(),
	})
	if over := len(s.history) - s.cfg.HistorySize; over > 0 {
		s.history = append([]Finished(nil), s.history[over:]...)
	}
	live := len(s.sessions)
	s.mu.Unlock()

	if err := s.deps.Index.Delete(context.Background(), id); err != nil {
		logger.Error("Failed to drop session %d from index: %v", id, err)
	}
	s.deps.Metrics.SessionFinished(code, sealedFor)
	s.deps.Metrics.SetActiveSessions(live)
	if success {
		logger.Info("Session %d finished: %s", id, code)
	} else {
		logger.Info("Session %d failed: %s: %s", id, code, msg)
	}

	for _, l := range s.snapshotListeners() {
		l.OnFinished(id, success)
	}
}

func (c *callback) persist(sess *session.Session) {
	if err := c.svc().deps.Index.Put(context.Background(), index.RecordOf(sess)); err != nil {
		logger.Error("Failed to persist session %d: %v", sess.ID(), err)
	}
}
