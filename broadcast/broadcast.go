package broadcast

import (
	"encoding/json"

	"github.com/wfunc/casefile/logger"
	"github.com/wfunc/casefile/models"
	"github.com/wfunc/casefile/network"
	"github.com/wfunc/casefile/session"
)

type Broadcaster interface {
	BroadcastToCase(caseID int64, msgID uint16, data []byte) int
}

// CaseBroadcaster pushes committed case events to the sessions watching the case.
// It satisfies services.Notifier.
type CaseBroadcaster struct {
	sessionManager *session.Manager
}

func NewCaseBroadcaster(sessionManager *session.Manager) *CaseBroadcaster {
	return &CaseBroadcaster{sessionManager: sessionManager}
}

// BroadcastToCase returns the number of sessions the packet reached. A failed
// send is logged and skipped; the read loop of that session will tear it down.
func (b *CaseBroadcaster) BroadcastToCase(caseID int64, msgID uint16, data []byte) int {
	delivered := 0
	for _, s := range b.sessionManager.Watchers(caseID) {
		if err := s.Send(msgID, data); err != nil {
			logger.Log.Debugw("case event send failed", "session", s.GetID(), "case", caseID, "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

func (b *CaseBroadcaster) Publish(evt models.CaseEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		logger.Log.Errorw("encode case event", "case", evt.CaseID, "error", err)
		return
	}
	n := b.BroadcastToCase(evt.CaseID, network.MsgTypeCaseEvent, data)
	logger.Log.Debugw("case event published", "case", evt.CaseID, "to", evt.To, "watchers", n)
}
