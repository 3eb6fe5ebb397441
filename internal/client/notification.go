package client

// Notification is everything the UI is told about. The set is closed.
type Notification interface {
	notification()
}

type StateChanged struct {
	State State
}

// ConversationChanged means Messages(Peer) has a new snapshot.
type ConversationChanged struct {
	Peer string
}

type PresenceChanged struct {
	Username string
	Online   bool
}

type TypingChanged struct {
	Username string
	Typing   bool
}

// SendFailed is terminal for that attempt. Resend(MessageID) tries again.
type SendFailed struct {
	MessageID string
	Peer      string
	Reason    string
}

// ErrorBanner shows Text. An empty Text clears the banner.
type ErrorBanner struct {
	Text string
}

func (StateChanged) notification()        {}
func (ConversationChanged) notification() {}
func (PresenceChanged) notification()     {}
func (TypingChanged) notification()       {}
func (SendFailed) notification()          {}
func (ErrorBanner) notification()         {}
