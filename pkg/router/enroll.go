// Copyright 2024-2026 Aiku AI

package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aiku/linkbridge/pkg/credstore"
	"github.com/aiku/linkbridge/pkg/session"
)

// ErrMalformedInput means an enrollment message failed the shape checks.
var ErrMalformedInput = errors.New("malformed input")

var (
	errTooShort       = fmt.Errorf("%w: expected a keyword and a token", ErrMalformedInput)
	errQuoted         = fmt.Errorf("%w: message starts with a quote", ErrMalformedInput)
	errAngleBracket   = fmt.Errorf("%w: token starts with an angle bracket", ErrMalformedInput)
	errUnknownKeyword = fmt.Errorf("%w: unknown keyword", ErrMalformedInput)
)

// Enrollment keywords.
const (
	KeywordMattermost = "mattermost"
	KeywordMatrix     = "matrix"
)

// Enrollment is a parsed "<keyword> <token>" message.
type Enrollment struct {
	Kind  credstore.Kind
	Token string
}

// ParseEnrollment validates an enrollment message. Checks run in a fixed
// order and the first failure wins.
func ParseEnrollment(text string) (Enrollment, error) {
	parts := strings.Fields(text)
	if len(parts) < 2 {
		return Enrollment{}, errTooShort
	}
	if strings.HasPrefix(text, "'") {
		return Enrollment{}, errQuoted
	}
	token := parts[1]
	if strings.HasPrefix(token, "&lt;") || strings.HasPrefix(token, "<") {
		return Enrollment{}, errAngleBracket
	}
	switch strings.ToLower(parts[0]) {
	case KeywordMattermost:
		return Enrollment{Kind: credstore.KindTeamChat, Token: token}, nil
	case KeywordMatrix:
		return Enrollment{Kind: credstore.KindDirectMessage, Token: token}, nil
	default:
		return Enrollment{}, errUnknownKeyword
	}
}

// looksLikeEnrollment reports whether text has the shape of an enrollment
// message: exactly a keyword and one more word.
func looksLikeEnrollment(text string) bool {
	parts := strings.Fields(text)
	if len(parts) != 2 {
		return false
	}
	keyword := strings.ToLower(parts[0])
	return keyword == KeywordMattermost || keyword == KeywordMatrix
}

// handleEnrollment answers an enrollment message in the channel it came
// from. Parsing happens on the loop; the backend calls run on the user's
// send queue, so payloads sent right after a token wait for it.
func (r *Router) handleEnrollment(ctx context.Context, evt session.Event) {
	enrollment, err := ParseEnrollment(evt.Text)
	if err != nil {
		r.log.Debug().Err(err).Str("user_id", evt.UserID).Msg("Rejected enrollment message")
		r.post(ctx, evt.ChannelID, r.malformedReply(err))
		return
	}
	r.serialize(ctx, userQueue(evt.UserID), func(ctx context.Context) {
		var (
			accepted, failed string
			err              error
		)
		switch enrollment.Kind {
		case credstore.KindTeamChat:
			_, err = r.links.EnrollTeamChat(ctx, evt.UserID, enrollment.Token)
			accepted, failed = replyMattermostAccepted, replyMattermostFailed
		case credstore.KindDirectMessage:
			_, err = r.links.EnrollDirectMessage(ctx, evt.UserID, enrollment.Token)
			accepted, failed = replyMatrixConnected, replyMatrixFailed
		}
		switch {
		case errors.Is(err, credstore.ErrPersist):
			r.log.Warn().Err(err).Str("user_id", evt.UserID).Msg("Enrolled without caching the token")
			r.post(ctx, evt.ChannelID, accepted+"\n"+replyNotSaved)
		case err != nil:
			r.post(ctx, evt.ChannelID, failed)
		default:
			r.post(ctx, evt.ChannelID, accepted)
		}
	})
}

func (r *Router) malformedReply(err error) string {
	switch {
	case errors.Is(err, errQuoted):
		return replyQuoted
	case errors.Is(err, errAngleBracket):
		return replyAngleBracket
	default:
		return r.helpMessage()
	}
}
