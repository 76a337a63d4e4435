package commands

import (
	"encoding/json"

	"github.com/go-faster/errors"

	"reminderd/internal/domain/ledger"
	"reminderd/internal/domain/reminders"
	"reminderd/internal/infra/logger"
	"reminderd/internal/shared"
)

// Undo откатывает действие по токену. create снимается удалением сущности,
// update и delete — восстановлением снимка "до" байт в байт. Сам откат
// пишет в журнал запись operation=undo, поэтому в пределах окна его можно
// откатить ещё раз.
func (e *Executor) Undo(sessionID, token string) (UndoResult, error) {
	entry, err := e.ledger.FindByToken(token, e.now())
	if err != nil {
		return UndoResult{}, err
	}
	return e.applyUndo(sessionID, entry)
}

// UndoLast откатывает последнее неотменённое действие сессии.
func (e *Executor) UndoLast(sessionID string) (UndoResult, error) {
	entry, err := e.ledger.LastForSession(sessionID, e.now())
	if err != nil {
		return UndoResult{}, err
	}
	return e.applyUndo(sessionID, entry)
}

// applyUndo выполняет реверс и фиксирует его в журнале.
func (e *Executor) applyUndo(sessionID string, entry ledger.Entry) (UndoResult, error) {
	if entry.EntityType != entityReminder {
		return UndoResult{}, errors.Wrapf(shared.ErrValidation, "cannot undo entity type %q", entry.EntityType)
	}
	now := e.now()

	// Текущее состояние — снимок "до" для записи об откате. Для отката
	// create сущности после реверса не будет, для отката delete её нет сейчас.
	current, getErr := e.store.Get(entry.EntityID)

	restored, err := e.reverse(entry)
	if err != nil {
		return UndoResult{}, err
	}

	if err := e.ledger.MarkUndone(entry.ActionID, now); err != nil {
		logger.Errorf("Undo: mark undone failed for %s: %v", entry.ActionID, err)
	}

	var before, after any
	if getErr == nil {
		before = &current
	}
	if restored != nil {
		after = restored
	}
	undoEntry, err := e.ledger.Record(sessionID, entityReminder, entry.EntityID, ledger.OpUndo, before, after, now)
	if err != nil {
		logger.Errorf("Undo: ledger record failed for %d: %v", entry.EntityID, err)
	}

	res := UndoResult{
		ActionID:  entry.ActionID,
		Operation: entry.Operation,
		EntityID:  entry.EntityID,
		UndoToken: undoEntry.UndoToken,
	}
	if restored != nil {
		res.RestoredTo = string(restored.Status)
	}
	logger.Infof("Undo: reversed %s of reminder %d", entry.Operation, entry.EntityID)
	return res, nil
}

// reverse применяет обратную операцию к хранилищу. Возвращает восстановленное
// состояние либо nil, когда реверс удалил сущность.
func (e *Executor) reverse(entry ledger.Entry) (*reminders.Reminder, error) {
	// Запись без снимка "до" — это create: реверс удаляет сущность.
	if len(entry.BeforeSnapshot) == 0 {
		if err := e.store.Delete(entry.EntityID); err != nil {
			return nil, err
		}
		return nil, nil
	}

	// Снимок "до" восстанавливается как есть, без новых записей аудита:
	// сам факт отката уже зафиксирован в журнале действий.
	var snapshot reminders.Reminder
	if err := json.Unmarshal(entry.BeforeSnapshot, &snapshot); err != nil {
		return nil, errors.Wrap(err, "decode before snapshot")
	}
	if err := e.store.Restore(snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}
