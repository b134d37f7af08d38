package domain

// ChatMessage is the provider-agnostic chat message shape sent to the
// completion endpoint.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem = "system"
	RoleUser   = "user"
)

// Fragment is one unit of the relay's downstream stream.
type Fragment struct {
	Chunk       string `json:"chunk"`
	IsTruncated bool   `json:"isTruncated"`
}

// Identity is a caller already authenticated by an external identity provider.
type Identity struct {
	UserID string
}

// Empty reports whether no caller was resolved.
func (i Identity) Empty() bool {
	return i.UserID == ""
}
