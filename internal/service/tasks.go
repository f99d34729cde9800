package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/punchamoorthee/earnledger/internal/config"
	"github.com/punchamoorthee/earnledger/internal/domain"
	"github.com/punchamoorthee/earnledger/internal/store"
	"github.com/sirupsen/logrus"
)

// TaskEngine decides whether a user may complete a task type and pays the catalog reward.
type TaskEngine struct {
	store store.Store
	rules config.Rules
	now   func() time.Time
	log   logrus.FieldLogger
}

func NewTaskEngine(s store.Store, rules config.Rules, log logrus.FieldLogger) *TaskEngine {
	return &TaskEngine{store: s, rules: rules, now: time.Now, log: log}
}

type Completion struct {
	Task    domain.Task    `json:"task"`
	Earning domain.Earning `json:"earning"`
}

// TaskView is a catalog entry annotated with the caller's eligibility.
type TaskView struct {
	domain.AvailableTask
	Eligible    bool       `json:"eligible"`
	Reason      string     `json:"reason,omitempty"`
	AvailableAt *time.Time `json:"available_at,omitempty"`
}

func (e *TaskEngine) lookback() time.Duration {
	return max(e.rules.TaskCooldown, e.rules.TaskWindow)
}

// checkEligibility applies, in order: cooldown per task type, then the rolling weekly cap.
// The user's first ever completion is not counted against either rule.
func (e *TaskEngine) checkEligibility(ctx context.Context, tx store.Tx, userID int64, taskType domain.TaskType, now time.Time) error {
	first, err := tx.FirstCompletion(ctx, userID)
	if err != nil {
		return fmt.Errorf("load first completion: %w", err)
	}
	if first == nil {
		return nil
	}

	recent, err := tx.ListCompletions(ctx, userID, taskType, now.Add(-e.lookback()))
	if err != nil {
		return fmt.Errorf("load completions: %w", err)
	}
	var history []domain.Task
	for _, t := range recent {
		if t.ID != first.ID {
			history = append(history, t)
		}
	}
	if len(history) == 0 {
		return nil
	}

	if until := history[0].CompletedAt.Add(e.rules.TaskCooldown); now.Before(until) {
		return &domain.EligibilityError{Err: domain.ErrOnCooldown, Type: taskType, AvailableAt: until}
	}

	windowStart := now.Add(-e.rules.TaskWindow)
	var inWindow []domain.Task
	for _, t := range history {
		if t.CompletedAt.After(windowStart) {
			inWindow = append(inWindow, t)
		}
	}
	if e.rules.TaskWeeklyCap > 0 && len(inWindow) >= e.rules.TaskWeeklyCap {
		// a slot frees once the cap-th most recent completion leaves the window
		until := inWindow[e.rules.TaskWeeklyCap-1].CompletedAt.Add(e.rules.TaskWindow)
		return &domain.EligibilityError{Err: domain.ErrWeeklyLimitReached, Type: taskType, AvailableAt: until}
	}
	return nil
}

// CompleteTask records a completion of the catalog task and credits its reward. The user's
// row lock makes the eligibility check and the insert one atomic step.
func (e *TaskEngine) CompleteTask(ctx context.Context, userID, availableTaskID int64) (*Completion, error) {
	var done Completion
	var taskType domain.TaskType

	err := e.store.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.LockUsers(ctx, userID); err != nil {
			return userNotFound(err)
		}
		catalog, err := tx.GetAvailableTask(ctx, availableTaskID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.ErrTaskNotFound
			}
			return err
		}
		taskType = catalog.Type

		now := e.now().UTC()
		if err := e.checkEligibility(ctx, tx, userID, catalog.Type, now); err != nil {
			return err
		}

		done.Task = domain.Task{
			UserID:          userID,
			AvailableTaskID: catalog.ID,
			Type:            catalog.Type,
			Reward:          catalog.Reward,
			CompletedAt:     now,
		}
		if err := tx.InsertTask(ctx, &done.Task); err != nil {
			return err
		}
		earning, err := postEarning(ctx, tx, userID, catalog.Type.Source(), catalog.Reward,
			fmt.Sprintf("Completed %s task: %s", catalog.Type, catalog.Description), now)
		if err != nil {
			return err
		}
		done.Earning = *earning
		return nil
	})
	if err != nil {
		var elig *domain.EligibilityError
		if errors.As(err, &elig) {
			taskCompletions.WithLabelValues(string(taskType), "rejected").Inc()
		}
		return nil, err
	}

	taskCompletions.WithLabelValues(string(taskType), "completed").Inc()
	recordEarnings(&done.Earning)
	e.log.WithFields(logrus.Fields{
		"user_id": userID,
		"task_id": done.Task.ID,
		"type":    taskType,
		"reward":  done.Task.Reward,
	}).Info("task completed")
	return &done, nil
}

// ListTasks returns the catalog with per-type eligibility for userID.
func (e *TaskEngine) ListTasks(ctx context.Context, userID int64) ([]TaskView, error) {
	var views []TaskView
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetUser(ctx, userID); err != nil {
			return userNotFound(err)
		}
		catalog, err := tx.ListAvailableTasks(ctx)
		if err != nil {
			return err
		}

		now := e.now().UTC()
		verdicts := make(map[domain.TaskType]error)
		for _, item := range catalog {
			verdict, seen := verdicts[item.Type]
			if !seen {
				verdict = e.checkEligibility(ctx, tx, userID, item.Type, now)
				verdicts[item.Type] = verdict
			}

			view := TaskView{AvailableTask: item, Eligible: verdict == nil}
			var elig *domain.EligibilityError
			if errors.As(verdict, &elig) {
				view.Reason = elig.Err.Error()
				at := elig.AvailableAt
				view.AvailableAt = &at
			} else if verdict != nil {
				return verdict
			}
			views = append(views, view)
		}
		return nil
	})
	return views, err
}
