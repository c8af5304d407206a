package azsb

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"

	"github.com/eosfor/pubs/internal/broker"
)

// mapErr translates SDK failures on plain links into broker sentinels. The
// original error stays in the chain.
func mapErr(err error) error {
	return translate(err, broker.ErrMessageLockLost)
}

// mapSessionErr is mapErr for session links, where a lost lock is the
// session's.
func mapSessionErr(err error) error {
	return translate(err, broker.ErrSessionLockLost)
}

func translate(err error, lockLost error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, azservicebus.ErrMessageTooLarge) {
		return fmt.Errorf("%w: %w", broker.ErrMessageTooLarge, err)
	}
	if requiresSession(err) {
		return fmt.Errorf("%w: %w", broker.ErrRequiresSession, err)
	}

	var sbErr *azservicebus.Error
	if errors.As(err, &sbErr) {
		if sentinel := codeSentinel(sbErr.Code, lockLost); sentinel != nil {
			return fmt.Errorf("%w: %w", sentinel, err)
		}
	}
	if sessionsNotSupported(err) {
		return fmt.Errorf("%w: %w", broker.ErrSessionsNotSupported, err)
	}
	return err
}

func codeSentinel(code azservicebus.Code, lockLost error) error {
	switch code {
	case azservicebus.CodeLockLost:
		return lockLost
	case azservicebus.CodeNotFound:
		return broker.ErrEntityNotFound
	case azservicebus.CodeClosed:
		return broker.ErrClosed
	}
	return nil
}

// requiresSession recognises the link error Service Bus raises when a
// non-session receiver touches a session-enabled entity.
func requiresSession(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "requires sessions") ||
		strings.Contains(s, "non-sessionful") ||
		strings.Contains(s, "requires a session")
}

func sessionsNotSupported(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "does not require sessions") ||
		strings.Contains(s, "not session-enabled") ||
		strings.Contains(s, "sessions are not supported")
}
