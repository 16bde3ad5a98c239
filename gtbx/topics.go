package gtbx

import (
	"fmt"
	"strings"

	"github.com/iancoleman/strcase"
)

// Route tells where the events of a given type are delivered.
type Route struct {
	Topic         string // destination topic or routing key
	AggregateType string // logical category (e.g. "user")
}

// Topics is the static mapping from event type to Route. Keys are normalized
// with NormalizeEventType.
type Topics map[string]Route

// DefaultTopics returns the routes of the events emitted by the auth and quiz
// services.
func DefaultTopics() Topics {
	return Topics{
		"USER_CREATED":     {Topic: "auth.user.created.v1", AggregateType: "user"},
		"USER_LOGIN":       {Topic: "auth.user.login.v1", AggregateType: "user"},
		"USER_LOGOUT":      {Topic: "auth.user.logout.v1", AggregateType: "user"},
		"PASSWORD_CHANGED": {Topic: "auth.user.password_changed.v1", AggregateType: "user"},
		"ACCOUNT_LOCKED":   {Topic: "auth.user.locked.v1", AggregateType: "user"},
		"ACCOUNT_UNLOCKED": {Topic: "auth.user.unlocked.v1", AggregateType: "user"},
		"ROLE_ASSIGNED":    {Topic: "auth.user.role_assigned.v1", AggregateType: "user"},
		"ROLE_REVOKED":     {Topic: "auth.user.role_revoked.v1", AggregateType: "user"},
		"SESSION_CREATED":  {Topic: "auth.session.created.v1", AggregateType: "session"},
		"SESSION_EXPIRED":  {Topic: "auth.session.expired.v1", AggregateType: "session"},
		"SESSION_REVOKED":  {Topic: "auth.session.revoked.v1", AggregateType: "session"},
		"QUIZ_COMPLETED":   {Topic: "quiz.events", AggregateType: "quiz_result"},
	}
}

// NormalizeEventType returns the canonical form of an event type: trimmed
// and upper-cased, with nothing else rewritten ("OAUTH2_LINKED" stays as is).
func NormalizeEventType(eventType string) string {
	return strings.ToUpper(strings.TrimSpace(eventType))
}

// aliasKey folds the common spellings of an event type ("userCreated",
// "user-created") into a single lookup key. It is never stored.
func aliasKey(eventType string) string {
	return strcase.ToScreamingSnake(strings.TrimSpace(eventType))
}

// Resolve returns the registered event type and its route. The event type is
// matched literally (case-insensitive) first, then through its alias spelling;
// in both cases the returned event type is the registered key. An unknown
// event type is a programming error and is reported with ErrUnmappedEventType.
func (t Topics) Resolve(eventType string) (string, Route, error) {
	key := NormalizeEventType(eventType)
	if key == "" {
		return "", Route{}, fmt.Errorf("%w: %q", ErrUnmappedEventType, eventType)
	}
	if r, ok := t[key]; ok {
		return key, r, nil
	}

	alias := aliasKey(eventType)
	match := ""
	for k := range t {
		// smallest key wins when two registered spellings fold together
		if aliasKey(k) == alias && (match == "" || k < match) {
			match = k
		}
	}
	if match == "" {
		return "", Route{}, fmt.Errorf("%w: %q", ErrUnmappedEventType, eventType)
	}
	return match, t[match], nil
}

// normalized returns a copy of t with every key normalized.
func (t Topics) normalized() Topics {
	n := make(Topics, len(t))
	for k, v := range t {
		n[NormalizeEventType(k)] = v
	}
	return n
}
