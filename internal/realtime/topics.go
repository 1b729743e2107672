package realtime

import "strings"

// TopicPrefixUser prefixes every personal topic.
const TopicPrefixUser = "user:"

// Event names recognized by the application. Any other string is a valid
// event name as well.
const (
	EventFriendRequest  = "friend_request"
	EventFriendAccepted = "friend_accepted"

	// EventWildcard handlers receive broadcasts whose event has no specific
	// registrations on the topic.
	EventWildcard = "*"

	// EventDefault names broadcasts that carry neither an event nor a type.
	EventDefault = "message"
)

// TypeBroadcast is the message type of every outbound broadcast.
const TypeBroadcast = "broadcast"

// PersonalTopic returns the topic carrying per-user notifications.
func PersonalTopic(userID string) string {
	return TopicPrefixUser + userID
}

// IsPersonalTopic reports whether topic was built by PersonalTopic.
func IsPersonalTopic(topic string) bool {
	return strings.HasPrefix(topic, TopicPrefixUser)
}

// EventInfo documents a known event.
type EventInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Fields      []string `json:"fields,omitempty"`
	Example     string   `json:"example"`
}

// FriendPayload is carried by friend_request and friend_accepted.
type FriendPayload struct {
	From     string `json:"from"`
	Username string `json:"username,omitempty"`
}

var (
	// FriendRequest is sent to a user's personal topic when someone asks to
	// become their friend.
	FriendRequest = NewEvent[FriendPayload](EventFriendRequest, "a user sent a friend request to the topic owner")
	// FriendAccepted is sent back to the requester once the request is
	// accepted.
	FriendAccepted = NewEvent[FriendPayload](EventFriendAccepted, "the topic owner's friend request was accepted")
)

// Events returns the catalog of events sent on personal topics.
func Events() []EventInfo {
	return []EventInfo{FriendRequest.Info(), FriendAccepted.Info()}
}
