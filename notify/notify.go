// Package notify delivers terminal deployment notices to the requester and
// to the operator. Delivery is best effort and never retried.
package notify

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

type Notifier interface {
	NotifyUser(ctx context.Context, identity, subject, body string) error
	NotifyAdmin(ctx context.Context, subject, body string) error
}

// Multi fans a notice out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) NotifyUser(ctx context.Context, identity, subject, body string) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.NotifyUser(ctx, identity, subject, body))
	}
	return errors.Join(errs...)
}

func (m Multi) NotifyAdmin(ctx context.Context, subject, body string) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.NotifyAdmin(ctx, subject, body))
	}
	return errors.Join(errs...)
}

// Log writes notices to the structured log.
type Log struct {
	Logger *zap.Logger
}

func (l Log) NotifyUser(_ context.Context, identity, subject, body string) error {
	l.Logger.Info("user notice", zap.String("to", identity), zap.String("subject", subject), zap.String("body", body))
	return nil
}

func (l Log) NotifyAdmin(_ context.Context, subject, body string) error {
	l.Logger.Warn("admin notice", zap.String("subject", subject), zap.String("body", body))
	return nil
}
