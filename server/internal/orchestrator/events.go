package orchestrator

import (
	"time"

	"fixdad/server/internal/model"

	"github.com/google/uuid"
)

// newEvent 用转移后的引导状态填充事件。
func newEvent(typ string, state *model.GuideState, now time.Time) model.Event {
	return model.Event{
		Type:     typ,
		PlanID:   state.PlanID,
		Step:     state.CurrentStep,
		Status:   state.Status,
		ServerTS: now,
	}
}

// normalizeEvent 补齐 EventID 与服务端时间。
func normalizeEvent(sessionID string, evt *model.Event, now time.Time) {
	if evt.EventID == "" {
		evt.EventID = uuid.NewString()
	}
	if evt.ServerTS.IsZero() {
		evt.ServerTS = now
	}
	evt.SessionID = sessionID
}
