package wire

import (
	"context"
	"fmt"
	"time"

	appLog "switchboard/internal/log"
	"switchboard/internal/model"
)

// Connect activates the occurrence's Line and, when the occurrence has an
// end still ahead of us, asks the host to disconnect at that time.
func (e *Engine) Connect(ctx context.Context, occ model.Occurrence) error {
	line, ok := model.FindLine(e.host.Lines(), occ.LineID)
	if !ok {
		return fmt.Errorf("connect %s: %w", occ.LineID, ErrLineNotFound)
	}
	if err := e.host.ActivateLine(ctx, line); err != nil {
		return fmt.Errorf("activate line %s: %w", line.ID, err)
	}
	appLog.Info("wire: connected", "task_id", occ.TaskID, "line", line.ID)

	if occ.End == nil || !occ.End.After(e.now()) {
		return nil
	}
	if err := e.host.ScheduleAutoDisconnect(ctx, *occ.End); err != nil {
		return fmt.Errorf("schedule auto-disconnect: %w", err)
	}
	return nil
}

// Hold snoozes the call for minutes (the configured default when minutes is
// not positive) and re-arms it through the normal dispatch path.
func (e *Engine) Hold(occ model.Occurrence, minutes int) time.Time {
	if minutes <= 0 {
		minutes = e.defaultSnooze
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	until := now.Add(time.Duration(minutes) * time.Minute)
	e.snoozed[occ.TaskID] = SnoozedCall{TaskID: occ.TaskID, Until: until, Occurrence: occ}
	if e.running {
		e.armLocked(occ, until, false, now)
	}
	appLog.Info("wire: call on hold", "task_id", occ.TaskID, "until", until.Format(time.RFC3339))
	return until
}

// Decline suppresses the occurrence for the rest of this run.
func (e *Engine) Decline(occ model.Occurrence) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.cancelLocked(occ.TaskID)
	delete(e.snoozed, occ.TaskID)
	e.declined[occ.TaskID] = struct{}{}
	appLog.Info("wire: call declined", "task_id", occ.TaskID)
}

// CallWaiting retires the occurrence and saves it for later. The decline
// stands even when saving fails; the error is returned for the user.
func (e *Engine) CallWaiting(ctx context.Context, occ model.Occurrence) error {
	e.mu.Lock()
	e.cancelLocked(occ.TaskID)
	delete(e.snoozed, occ.TaskID)
	e.declined[occ.TaskID] = struct{}{}
	e.mu.Unlock()

	if err := e.host.SaveCallWaiting(ctx, occ); err != nil {
		appLog.Error("wire: call-waiting save failed", err, "task_id", occ.TaskID)
		return fmt.Errorf("save call waiting: %w", err)
	}
	appLog.Info("wire: call saved for later", "task_id", occ.TaskID)
	return nil
}

// Reschedule rings the occurrence again after minutes without touching
// snooze or decline state.
func (e *Engine) Reschedule(occ model.Occurrence, minutes int) (time.Time, error) {
	if minutes <= 0 {
		return time.Time{}, ErrInvalidMinutes
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	at := now.Add(time.Duration(minutes) * time.Minute)
	if e.running {
		e.armLocked(occ, at, true, now)
	}
	appLog.Info("wire: call rescheduled", "task_id", occ.TaskID, "at", at.Format(time.RFC3339))
	return at, nil
}
