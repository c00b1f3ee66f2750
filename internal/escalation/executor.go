package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/celerix-dev/celerix-beacon/internal/delivery"
	"github.com/celerix-dev/celerix-beacon/pkg/schema"
	"github.com/celerix-dev/celerix-beacon/pkg/sdk"
)

// Executor performs one crisis step. Errors are classified with
// sdk.Transient and sdk.Permanent; the run records either as a failed step.
type Executor interface {
	Execute(ctx context.Context, run schema.EscalationRun, step schema.CrisisStep) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, run schema.EscalationRun, step schema.CrisisStep) error

func (f ExecutorFunc) Execute(ctx context.Context, run schema.EscalationRun, step schema.CrisisStep) error {
	return f(ctx, run, step)
}

// SystemNotifier creates urgent notifications. The notification dispatcher
// implements it and retries delivery itself.
type SystemNotifier interface {
	SendSystem(ctx context.Context, userID, title, body, dedupKey string, data map[string]any) (schema.Notification, error)
}

// RecipientLister returns who may see a user's status.
type RecipientLister interface {
	Recipients(ctx context.Context, userID string) ([]string, error)
}

// Actions executes the built-in step actions.
type Actions struct {
	Users      sdk.UserReader
	Notifier   SystemNotifier
	Recipients RecipientLister
	// Deliverer reaches emergency contacts by SMS and voice call.
	Deliverer delivery.Deliverer
	Alerter   delivery.Alerter
	Policy    delivery.Policy
	Log       *slog.Logger
}

func (a Actions) Execute(ctx context.Context, run schema.EscalationRun, step schema.CrisisStep) error {
	switch step.Action {
	case schema.ActionCheckIn:
		return a.checkIn(ctx, run, step)
	case schema.ActionNotifyFriends:
		return a.notifyFriends(ctx, run, step)
	case schema.ActionContactEmergency:
		return a.contactEmergency(ctx, run, step)
	case schema.ActionAlertOperations:
		a.alerter().Alert(ctx, delivery.Alert{
			Reason:   "escalation_step",
			UserID:   run.UserID,
			Revision: run.Revision,
			RunID:    run.ID,
			Detail:   step.Description,
		})
		return nil
	default:
		return sdk.Permanent(fmt.Errorf("unknown step action %q", step.Action))
	}
}

func (a Actions) logger() *slog.Logger {
	if a.Log == nil {
		return slog.Default()
	}
	return a.Log
}

func (a Actions) alerter() delivery.Alerter {
	if a.Alerter == nil {
		return delivery.LogAlerter{Log: a.Log}
	}
	return a.Alerter
}

func (a Actions) displayName(ctx context.Context, userID string) string {
	if a.Users == nil {
		return userID
	}
	u, err := a.Users.GetUser(ctx, userID)
	if err != nil {
		return userID
	}
	return u.Name()
}

func stepData(run schema.EscalationRun, step schema.CrisisStep) map[string]any {
	return map[string]any{
		"kind":           "escalation",
		"run_id":         run.ID,
		"source_user_id": run.UserID,
		"revision":       run.Revision,
		"status":         string(run.Status),
		"step":           step.Order,
		"action":         string(step.Action),
	}
}

func dedupKey(run schema.EscalationRun, step schema.CrisisStep, target string) string {
	return "escalation:" + run.ID + ":" + strconv.Itoa(step.Order) + ":" + target
}

func (a Actions) checkIn(ctx context.Context, run schema.EscalationRun, step schema.CrisisStep) error {
	body := "Your friends have not heard back yet. Reply to let them know you are safe."
	if step.Description != "" {
		body = step.Description
	}
	return a.retry(ctx, func(ctx context.Context) error {
		_, err := a.Notifier.SendSystem(ctx, run.UserID, "Are you okay?", body,
			dedupKey(run, step, run.UserID), stepData(run, step))
		return err
	})
}

func (a Actions) notifyFriends(ctx context.Context, run schema.EscalationRun, step schema.CrisisStep) error {
	var recipients []string
	lookupErr := a.retry(ctx, func(ctx context.Context) error {
		var err error
		recipients, err = a.Recipients.Recipients(ctx, run.UserID)
		return err
	})
	if lookupErr != nil {
		lookupErr = fmt.Errorf("list recipients: %w", lookupErr)
		if len(recipients) == 0 {
			return lookupErr
		}
		// A partial list still gets notified; the step fails afterwards.
		a.logger().Warn("notifying a partial friend list", "user_id", run.UserID, "run_id", run.ID, "error", lookupErr)
	}
	if len(recipients) == 0 {
		a.logger().Warn("escalation has no friends to notify", "user_id", run.UserID, "run_id", run.ID)
		return nil
	}

	name := a.displayName(ctx, run.UserID)
	title := name + " needs support"
	body := name + " has not responded since asking for help. Please reach out now."
	errs := make([]error, 0, len(recipients)+1)
	targets := len(recipients)
	if lookupErr != nil {
		errs = append(errs, lookupErr)
		targets++
	}
	for _, friendID := range recipients {
		err := a.retry(ctx, func(ctx context.Context) error {
			_, err := a.Notifier.SendSystem(ctx, friendID, title, body, dedupKey(run, step, friendID), stepData(run, step))
			return err
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("friend %s: %w", friendID, err))
		}
	}
	return combine(errs, targets)
}

// retry runs fn under the delivery policy. Missing or invalid records are
// not retried.
func (a Actions) retry(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := delivery.Retry(ctx, a.Policy, func(ctx context.Context) error {
		err := fn(ctx)
		if errors.Is(err, sdk.ErrNotFound) || errors.Is(err, sdk.ErrValidation) {
			return sdk.Permanent(err)
		}
		return err
	})
	return err
}

func (a Actions) contactEmergency(ctx context.Context, run schema.EscalationRun, step schema.CrisisStep) error {
	if len(run.EmergencyContacts) == 0 {
		return sdk.Permanent(errors.New("protocol has no emergency contacts"))
	}

	name := a.displayName(ctx, run.UserID)
	var (
		errs    []error
		targets int
	)
	for _, c := range run.EmergencyContacts {
		for _, ch := range []schema.Channel{schema.ChannelSMS, schema.ChannelCall} {
			targets++
			msg := delivery.Message{
				UserID:   run.UserID,
				Address:  c.PhoneNumber,
				Channel:  ch,
				Title:    "Urgent: " + name + " may need help",
				Body:     fmt.Sprintf("%s, you are listed as an emergency contact for %s, who asked for help and has not responded.", c.Name, name),
				Priority: schema.PriorityHigh,
				Data:     stepData(run, step),
			}
			_, err := delivery.Retry(ctx, a.Policy, func(ctx context.Context) error {
				return a.Deliverer.Deliver(ctx, msg)
			})
			if err != nil {
				errs = append(errs, fmt.Errorf("%s via %s: %w", c.Name, ch, err))
			}
		}
	}
	return combine(errs, targets)
}

// combine summarizes per-target failures. The step fails permanently only
// when every target failed permanently.
func combine(errs []error, targets int) error {
	if len(errs) == 0 {
		return nil
	}
	permanent := 0
	msgs := make([]string, 0, len(errs))
	for _, err := range errs {
		if !sdk.IsRetryable(err) {
			permanent++
		}
		msgs = append(msgs, err.Error())
	}
	err := fmt.Errorf("%d of %d targets failed: %s", len(errs), targets, strings.Join(msgs, "; "))
	if permanent == len(errs) && len(errs) == targets {
		return sdk.Permanent(err)
	}
	return sdk.Transient(err)
}
