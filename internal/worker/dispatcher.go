package worker

import (
	"context"

	logx "github.com/cronpostps/cronpost/pkg/logx"
)

// LogDispatcher records deliveries in the log instead of sending them.
// It stands in until a real transport (mail, webhook) is wired and is
// what the binary uses by default.
type LogDispatcher struct {
	Log logx.Logger
}

func (d LogDispatcher) DeliverPrompt(ctx context.Context, userID string) error {
	d.Log.Info("deliver check-in prompt", logx.String("user", userID))
	return nil
}

func (d LogDispatcher) DeliverMessage(ctx context.Context, userID, messageID string) error {
	d.Log.Info("deliver message",
		logx.String("user", userID), logx.String("message", messageID))
	return nil
}
