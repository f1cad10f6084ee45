package service

// Broadcaster delivers push events to connected websocket sessions. The gateway hub implements
// it; services only name the audience.
type Broadcaster interface {
	ToConversation(conversationID, event string, payload any)
	ToUsers(userIDs []string, event string, payload any)
	ToAll(event string, payload any)
}

// NopBroadcaster discards every event. It is used when a service runs without a gateway.
type NopBroadcaster struct{}

func (NopBroadcaster) ToConversation(string, string, any) {}
func (NopBroadcaster) ToUsers([]string, string, any)      {}
func (NopBroadcaster) ToAll(string, any)                  {}

func orNop(b Broadcaster) Broadcaster {
	if b == nil {
		return NopBroadcaster{}
	}
	return b
}
