package auth

import (
	"context"

	"go.uber.org/zap"
)

// Inviter delivers a temporary credential to a newly created user.
type Inviter interface {
	Invite(ctx context.Context, user User, temporaryPassword string) error
}

// LogInviter records that an invitation is due without delivering the credential.
type LogInviter struct {
	Log *zap.Logger
}

func (i LogInviter) Invite(_ context.Context, user User, _ string) error {
	if i.Log != nil {
		i.Log.Info("invitation pending delivery",
			zap.String("user_id", user.ID),
			zap.String("email", user.Email),
		)
	}
	return nil
}
