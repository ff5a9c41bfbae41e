package wire

import (
	"fmt"

	appLog "switchboard/internal/log"
	"switchboard/internal/model"
)

// fire is the timer callback. A callback whose entry was superseded by a
// refresh or an action does nothing.
func (e *Engine) fire(sc *ScheduledCall) {
	e.mu.Lock()
	if !e.running || e.scheduled[sc.Occurrence.TaskID] != sc {
		e.mu.Unlock()
		return
	}
	e.retireLocked(sc.Occurrence)
	e.mu.Unlock()

	e.route(sc.Occurrence)
}

// Dispatch rings an occurrence now, removing any armed timer for it first.
func (e *Engine) Dispatch(occ model.Occurrence) {
	e.mu.Lock()
	e.retireLocked(occ)
	e.mu.Unlock()

	e.route(occ)
}

// retireLocked removes the occurrence from the armed set before anything
// else runs, so a failing dispatch can never re-fire it.
func (e *Engine) retireLocked(occ model.Occurrence) {
	e.cancelLocked(occ.TaskID)
	delete(e.snoozed, occ.TaskID)
	e.fired[occ.TaskID] = occ.At
}

// route decides between suppression, a missed call and ringing.
func (e *Engine) route(occ model.Occurrence) {
	defer func() {
		if r := recover(); r != nil {
			appLog.Error("wire: dispatch panicked", fmt.Errorf("%v", r), "task_id", occ.TaskID)
		}
	}()

	line, ok := model.FindLine(e.host.Lines(), occ.LineID)
	if !ok {
		appLog.Info("wire: dropping call for deleted line", "task_id", occ.TaskID, "line", occ.LineID)
		return
	}
	occ.LineName = line.Name
	occ.LineColor = line.Color
	if occ.Source == model.SourceBlock {
		occ.Title = line.Name
	}

	if active, busy := e.host.ActiveLine(); busy {
		if active.ID == occ.LineID {
			appLog.Debug("wire: suppressed call for active line", "task_id", occ.TaskID, "line", occ.LineID)
			return
		}
		e.host.AppendMissedCall(model.MissedCall{
			LineName:  occ.LineName,
			TaskTitle: occ.Title,
			Time:      occ.At,
		})
		appLog.Info("wire: missed call while busy",
			"task_id", occ.TaskID,
			"line", occ.LineID,
			"active_line", active.ID,
		)
		return
	}

	appLog.Info("wire: incoming call", "task_id", occ.TaskID, "line", occ.LineID, "title", occ.Title)
	e.presenter.PresentIncomingCall(IncomingCall{
		Occurrence:           occ,
		DefaultSnoozeMinutes: e.defaultSnooze,
	})
}
