// Package realtime multiplexes logical topics and broadcast events over a
// small number of persistent realtime channels.
//
// A Client owns the mapping from topic to channel record. Channels are
// created lazily, joined at most once, and torn down as soon as their last
// handler is removed. Inbound broadcasts are routed to the handler set for
// the event name, falling back to the wildcard set, with every handler
// invocation isolated from its siblings.
//
// A Lifecycle ties the user's personal topic to an identity signal:
//
//	client := realtime.NewClient(transport)
//	lc := realtime.NewLifecycle(client, identity)
//	lc.Start(ctx)
//	defer lc.Stop()
//
//	h := realtime.NewHandler("toast", func(ctx context.Context, msg realtime.Message) error {
//		return showToast(msg)
//	})
//	_ = client.On(ctx, realtime.PersonalTopic(userID), realtime.EventFriendRequest, h)
//	defer client.Off(ctx, realtime.PersonalTopic(userID), realtime.EventFriendRequest, h)
//
// One Client is meant to serve one session; there is no package level
// instance.
package realtime
